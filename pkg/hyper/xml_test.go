package hyper

import (
	"strings"
	"testing"
)

func TestDiskTarget(t *testing.T) {
	tests := []struct {
		bus   string
		index int
		want  string
	}{
		{"virtio", 0, "vda"},
		{"virtio", 1, "vdb"},
		{"sata", 0, "sda"},
		{"ide", 2, "hdc"},
		{"virtio", 9, "vdj"},
	}
	for _, tt := range tests {
		got, err := diskTarget(tt.bus, tt.index)
		if err != nil {
			t.Errorf("diskTarget(%s, %d): %v", tt.bus, tt.index, err)
			continue
		}
		if got != tt.want {
			t.Errorf("diskTarget(%s, %d) = %s, want %s", tt.bus, tt.index, got, tt.want)
		}
	}

	if _, err := diskTarget("virtio", 10); err == nil {
		t.Error("index 10 should be rejected")
	}
	if _, err := diskTarget("floppy", 0); err == nil {
		t.Error("unknown bus should be rejected")
	}
}

func TestDomainXML(t *testing.T) {
	xml, err := DomainXML(DomainSpec{
		Name:        "k3x9p2q1-r1",
		CPUCount:    2,
		MemoryMB:    4096,
		MachineType: "pc",
		Disks: []DiskSpec{
			{Path: "/opt/sherpa/libvirt/images/k3x9p2q1-r1.qcow2", Bus: "virtio", Format: "qcow2"},
		},
		NICs: []NICSpec{
			{Kind: NICNetwork, Source: "k3x9p2q1-mgmt", MAC: "02:a1:10:aa:00:01", Model: "virtio"},
			{Kind: NICBridge, Source: "brlk3x001", Model: "virtio"},
		},
		ConsolePort: 5001,
	})
	if err != nil {
		t.Fatalf("domain xml: %v", err)
	}

	for _, want := range []string{
		`<domain type="kvm"`,
		"<name>k3x9p2q1-r1</name>",
		`unit="MiB">4096`,
		"<vcpu>2</vcpu>",
		`dev="vda"`,
		`network="k3x9p2q1-mgmt"`,
		`bridge="brlk3x001"`,
		`address="02:a1:10:aa:00:01"`,
		`mtu size="9600"`,
		`service="5001"`,
		`type="telnet"`,
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("domain xml missing %q\n%s", want, xml)
		}
	}
}

func TestDomainXMLIgnition(t *testing.T) {
	xml, err := DomainXML(DomainSpec{
		Name:     "k3x9p2q1-h1",
		CPUCount: 1,
		MemoryMB: 1024,
		Disks:    []DiskSpec{{Path: "/tmp/h1.qcow2", Bus: "virtio"}},
		NICs:     []NICSpec{{Kind: NICNetwork, Source: "k3x9p2q1-mgmt", Model: "virtio"}},

		IgnitionCfg: "/opt/sherpa/labs/k3x9p2q1/h1.ign",
	})
	if err != nil {
		t.Fatalf("domain xml: %v", err)
	}
	if !strings.Contains(xml, "-fw_cfg") {
		t.Error("ignition domains should pass -fw_cfg")
	}
	if !strings.Contains(xml, "name=opt/com.coreos/config,file=/opt/sherpa/labs/k3x9p2q1/h1.ign") {
		t.Error("ignition file path missing from qemu commandline")
	}
}

func TestIsolatedNetworkXML(t *testing.T) {
	xml, err := IsolatedNetworkXML(IsolatedNetworkSpec{Name: "k3x9p2q1-iso", Bridge: "brik3x9p"})
	if err != nil {
		t.Fatalf("isolated xml: %v", err)
	}
	for _, want := range []string{
		"<name>k3x9p2q1-iso</name>",
		`name="brik3x9p"`,
		`isolated="yes"`,
		`size="9600"`,
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("isolated xml missing %q\n%s", want, xml)
		}
	}
	if strings.Contains(xml, "<forward") {
		t.Error("isolated network must not forward")
	}
}

func TestNATNetworkXML(t *testing.T) {
	xml, err := NATNetworkXML(NATNetworkSpec{
		Name:       "k3x9p2q1-mgmt",
		Bridge:     "brmk3x9p",
		Subnet:     "172.31.5.0/24",
		BootServer: "172.31.5.10",
		Hosts: []NATHost{
			{Name: "r1", MAC: "02:a1:10:aa:00:01", IP: "172.31.5.11"},
		},
		BootRules: []NATBootRule{
			{Tag: "arista_veos", MACPrefix: "02:a1:10", BootFile: "arista/veos-ztp.sh"},
		},
	})
	if err != nil {
		t.Fatalf("nat xml: %v", err)
	}
	for _, want := range []string{
		`mode="nat"`,
		`address="172.31.5.1"`,
		`start="172.31.5.100"`,
		`end="172.31.5.249"`,
		`mac="02:ff:ff:b0:07:01"`,
		`ip="172.31.5.10"`,
		`mac="02:a1:10:aa:00:01"`,
		"dhcp-mac=set:arista_veos,02:a1:10:*:*:*",
		"dhcp-boot=tag:arista_veos,arista/veos-ztp.sh,,172.31.5.10",
		"dhcp-option=tag:arista_veos,150,172.31.5.10",
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("nat xml missing %q\n%s", want, xml)
		}
	}
}
