package alloc

import (
	"regexp"
	"strings"
	"testing"

	"github.com/sherpa-labs/sherpa/pkg/catalog"
	"github.com/sherpa-labs/sherpa/pkg/ifmap"
)

func TestNewLabID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewLabID("mini")
		if len(id) != LabIDLength {
			t.Fatalf("lab id %q length = %d, want %d", id, len(id), LabIDLength)
		}
		if !catalog.ValidLabID(id) {
			t.Fatalf("lab id %q fails catalog validation", id)
		}
		if seen[id] {
			t.Fatalf("lab id %q repeated within 100 draws", id)
		}
		seen[id] = true
	}
}

func TestAllocateSubnet24(t *testing.T) {
	t.Run("skips the zero subnet", func(t *testing.T) {
		got, err := AllocateSubnet24("172.31.0.0/16", nil)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if got != "172.31.1.0/24" {
			t.Errorf("got %s, want 172.31.1.0/24", got)
		}
	})

	t.Run("lowest free wins", func(t *testing.T) {
		used := []string{"172.31.1.0/24", "172.31.2.0/24", "172.31.4.0/24"}
		got, err := AllocateSubnet24("172.31.0.0/16", used)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if got != "172.31.3.0/24" {
			t.Errorf("got %s, want 172.31.3.0/24", got)
		}
	})

	t.Run("loopback supernet", func(t *testing.T) {
		got, err := AllocateSubnet24("127.127.0.0/16", []string{"127.127.1.0/24"})
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if got != "127.127.2.0/24" {
			t.Errorf("got %s, want 127.127.2.0/24", got)
		}
	})

	t.Run("exhaustion", func(t *testing.T) {
		// /22 has four /24s; .0 is skipped and the rest are taken
		_, err := AllocateSubnet24("10.0.0.0/22", []string{"10.0.1.0/24", "10.0.2.0/24", "10.0.3.0/24"})
		if err == nil {
			t.Error("expected exhaustion error")
		}
	})

	t.Run("bad supernet", func(t *testing.T) {
		if _, err := AllocateSubnet24("not-a-cidr", nil); err == nil {
			t.Error("expected parse error")
		}
		if _, err := AllocateSubnet24("10.0.0.0/30", nil); err == nil {
			t.Error("expected error for supernet smaller than /24")
		}
	})
}

func TestHostIP(t *testing.T) {
	tests := []struct {
		subnet string
		offset int
		want   string
	}{
		{"172.31.5.0/24", GatewayOffset, "172.31.5.1"},
		{"172.31.5.0/24", BootServerOffset, "172.31.5.10"},
		{"172.31.5.0/24", FirstNodeOffset, "172.31.5.11"},
	}
	for _, tt := range tests {
		got, err := HostIP(tt.subnet, tt.offset)
		if err != nil {
			t.Errorf("HostIP(%s, %d): %v", tt.subnet, tt.offset, err)
			continue
		}
		if got != tt.want {
			t.Errorf("HostIP(%s, %d) = %s, want %s", tt.subnet, tt.offset, got, tt.want)
		}
	}

	if _, err := HostIP("172.31.5.0/24", 300); err == nil {
		t.Error("offset past the /24 should error")
	}
}

func TestNodeMgmtIP(t *testing.T) {
	got, err := NodeMgmtIP("172.31.7.0/24", 1)
	if err != nil || got != "172.31.7.11" {
		t.Errorf("node 1: got %s, %v", got, err)
	}
	got, _ = NodeMgmtIP("172.31.7.0/24", 2)
	if got != "172.31.7.12" {
		t.Errorf("node 2: got %s, want 172.31.7.12", got)
	}
}

func TestMACFor(t *testing.T) {
	macRe := regexp.MustCompile(`^([0-9a-f]{2}:){5}[0-9a-f]{2}$`)

	mac, err := MACFor(ifmap.UbuntuLinux, "aaaa0001", 1)
	if err != nil {
		t.Fatalf("MACFor: %v", err)
	}
	if !macRe.MatchString(mac) {
		t.Fatalf("malformed MAC %q", mac)
	}

	// Deterministic
	again, _ := MACFor(ifmap.UbuntuLinux, "aaaa0001", 1)
	if mac != again {
		t.Errorf("MAC not deterministic: %s vs %s", mac, again)
	}

	// Index in the last two octets
	hi, _ := MACFor(ifmap.UbuntuLinux, "aaaa0001", 0x0102)
	if !strings.HasSuffix(hi, ":01:02") {
		t.Errorf("MAC %q should end with :01:02", hi)
	}

	// Different models get different OUIs
	other, _ := MACFor(ifmap.AristaVEOS, "aaaa0001", 1)
	if mac[:8] == other[:8] {
		t.Errorf("OUI should differ per model: %s vs %s", mac, other)
	}

	if _, err := MACFor(ifmap.Model("made-up"), "aaaa0001", 1); err == nil {
		t.Error("unknown model should error")
	}
}

func TestDeterministicNames(t *testing.T) {
	labID := "k3x9p2q1"

	tests := []struct {
		got  string
		want string
	}{
		{MgmtBridgeName(labID), "brmk3x9p"},
		{IsolatedBridgeName(labID), "brik3x9p"},
		{LinkBridgeName(labID, 1), "brlk3x001"},
		{LinkBridgeName(labID, 42), "brlk3x042"},
		{VethName(labID, 1, SideA), "veak3x001"},
		{VethName(labID, 1, SideB), "vebk3x001"},
		{MgmtNetworkName(labID), "k3x9p2q1-mgmt"},
		{IsolatedNetworkName(labID), "k3x9p2q1-isolated"},
		{BootContainerName(labID), "k3x9p2q1-sherpa-router"},
		{ContainerName(labID, "r1"), "k3x9p2q1-r1"},
		{DiskName(labID, "r1"), "k3x9p2q1-r1.qcow2"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}

	// Interface names must fit the kernel's 15-byte limit
	for _, name := range []string{
		MgmtBridgeName(labID), IsolatedBridgeName(labID),
		LinkBridgeName(labID, 999), VethName(labID, 999, SideA),
	} {
		if len(name) > 15 {
			t.Errorf("interface name %q exceeds 15 bytes", name)
		}
	}
}
