// Package alloc derives every host-side resource name and number a lab
// needs: lab IDs, per-lab /24s, MAC addresses, and bridge/veth names.
// All functions are pure over their inputs; the catalog's uniqueness
// checks are the final arbiter when concurrent allocations race.
package alloc

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"net"
	"time"

	"github.com/sherpa-labs/sherpa/pkg/ifmap"
	"github.com/sherpa-labs/sherpa/pkg/util"
)

// labIDAlphabet keeps IDs inside [a-z0-9], a subset of the allowed set,
// so they are safe in interface names and DNS labels.
const labIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// LabIDLength is the fixed lab identifier length.
const LabIDLength = 8

// NewLabID returns a fresh 8-char token derived from a hash of the lab
// name, current time, and random bytes. Collisions are rejected by the
// catalog's unique constraint; callers retry with a new token.
func NewLabID(name string) string {
	var nonce [8]byte
	rand.Read(nonce[:])
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%x", name, time.Now().UnixNano(), nonce)))
	id := make([]byte, LabIDLength)
	for i := 0; i < LabIDLength; i++ {
		id[i] = labIDAlphabet[int(h[i])%len(labIDAlphabet)]
	}
	return string(id)
}

// AllocateSubnet24 returns the first /24 inside supernet that is not in
// used and is not the x.x.0.0/24 network. The lowest-numbered free subnet
// wins so concurrent allocators converge on the same candidate and the
// catalog conflict check settles the race.
func AllocateSubnet24(supernet string, used []string) (string, error) {
	_, prefix, err := net.ParseCIDR(supernet)
	if err != nil {
		return "", fmt.Errorf("alloc: parse supernet %q: %w", supernet, err)
	}
	ones, bits := prefix.Mask.Size()
	if bits != 32 || ones > 24 {
		return "", fmt.Errorf("alloc: supernet %q cannot hold a /24", supernet)
	}

	usedSet := make(map[string]bool, len(used))
	for _, u := range used {
		_, n, err := net.ParseCIDR(u)
		if err != nil {
			continue
		}
		usedSet[n.String()] = true
	}

	base := prefix.IP.To4()
	count := 1 << (24 - ones) // number of /24s in the supernet
	for i := 0; i < count; i++ {
		second := int(base[1]) + (int(base[2])+i)/256
		third := (int(base[2]) + i) % 256
		if third == 0 {
			// x.x.0.0/24 is never handed out
			continue
		}
		candidate := fmt.Sprintf("%d.%d.%d.0/24", base[0], second, third)
		if !usedSet[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("alloc: no free /24 left in %s", supernet)
}

// HostIP returns subnet.network + offset as a dotted quad.
func HostIP(subnet string, offset int) (string, error) {
	_, n, err := net.ParseCIDR(subnet)
	if err != nil {
		return "", fmt.Errorf("alloc: parse subnet %q: %w", subnet, err)
	}
	ip, err := util.HostIP(n, offset)
	if err != nil {
		return "", fmt.Errorf("alloc: %w", err)
	}
	return ip.String(), nil
}

// Well-known management-network offsets.
const (
	GatewayOffset    = 1  // .1  libvirt NAT gateway
	BootServerOffset = 10 // .10 per-lab boot container
	FirstNodeOffset  = 11 // .11 node index 1, .12 index 2, ...
)

// BootServerMAC is the fixed reservation for the per-lab boot container on
// every management network.
const BootServerMAC = "02:ff:ff:b0:07:01"

// NodeMgmtIP returns the management address for a node index (1-based).
func NodeMgmtIP(mgmtSubnet string, nodeIndex uint16) (string, error) {
	return HostIP(mgmtSubnet, FirstNodeOffset+int(nodeIndex)-1)
}

// ouiTable fixes the locally administered MAC prefix per device family.
var ouiTable = map[ifmap.Model][3]byte{
	ifmap.AristaVEOS:   {0x02, 0xa1, 0x10},
	ifmap.AristaCEOS:   {0x02, 0xa1, 0x20},
	ifmap.ArubaAOSCX:   {0x02, 0xa2, 0x10},
	ifmap.CiscoIOSv:    {0x02, 0xc5, 0x10},
	ifmap.CiscoIOSXE:   {0x02, 0xc5, 0x20},
	ifmap.JuniperVEvo:  {0x02, 0x4a, 0x10},
	ifmap.CumulusLinux: {0x02, 0xcd, 0x10},
	ifmap.NokiaSRLinux: {0x02, 0x5e, 0x10},
	ifmap.UbuntuLinux:  {0x02, 0x0b, 0x10},
}

// OUIPrefix returns the model's MAC prefix as "aa:bb:cc". DHCP tag rules
// match on it to pick the per-family boot file.
func OUIPrefix(model ifmap.Model) (string, error) {
	oui, ok := ouiTable[model]
	if !ok {
		return "", fmt.Errorf("alloc: no OUI for model %q", model)
	}
	return fmt.Sprintf("%02x:%02x:%02x", oui[0], oui[1], oui[2]), nil
}

// LabIDByte folds a lab ID into the single byte embedded in node MACs.
func LabIDByte(labID string) byte {
	h := sha256.Sum256([]byte(labID))
	return h[0]
}

// MACFor returns the deterministic management MAC for a node:
// OUI(model) : byte(lab_id) : hi(index) : lo(index).
func MACFor(model ifmap.Model, labID string, nodeIndex uint16) (string, error) {
	oui, ok := ouiTable[model]
	if !ok {
		return "", fmt.Errorf("alloc: no OUI for model %q", model)
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		oui[0], oui[1], oui[2], LabIDByte(labID), byte(nodeIndex>>8), byte(nodeIndex)), nil
}

// Host interface names are capped at 15 bytes; every name below embeds a
// lab ID fragment plus a zero-padded link index and stays well under it.

// MgmtBridgeName returns the lab's management bridge name.
func MgmtBridgeName(labID string) string {
	return "brm" + util.Truncate(labID, 5)
}

// IsolatedBridgeName returns the lab's reserved-interface bridge name.
func IsolatedBridgeName(labID string) string {
	return "bri" + util.Truncate(labID, 5)
}

// LinkBridgeName returns the bridge name for a point-to-point link.
func LinkBridgeName(labID string, linkIndex uint16) string {
	return fmt.Sprintf("brl%s%03d", util.Truncate(labID, 3), linkIndex)
}

// VethSide selects one end of a veth pair.
type VethSide byte

const (
	SideA VethSide = 'a'
	SideB VethSide = 'b'
)

// VethName returns one endpoint name of a link's veth pair.
func VethName(labID string, linkIndex uint16, side VethSide) string {
	return fmt.Sprintf("ve%c%s%03d", side, util.Truncate(labID, 3), linkIndex)
}

// DockerNetworkName returns the per-link macvlan network name.
func DockerNetworkName(labID string, linkIndex uint16) string {
	return fmt.Sprintf("%s-link%03d", labID, linkIndex)
}

// MgmtNetworkName returns the lab's libvirt management network name.
func MgmtNetworkName(labID string) string {
	return labID + "-mgmt"
}

// BootContainerName returns the per-lab boot container name.
func BootContainerName(labID string) string {
	return labID + "-sherpa-router"
}

// ContainerName returns a lab node's container name.
func ContainerName(labID, node string) string {
	return labID + "-" + node
}

// DomainName returns a lab node's libvirt domain name.
func DomainName(labID, node string) string {
	return labID + "-" + node
}

// DiskName returns the per-lab clone filename for a VM node's disk.
func DiskName(labID, node string) string {
	return labID + "-" + node + ".qcow2"
}

// IsolatedNetworkName returns the lab's reserved-interface libvirt network
// name.
func IsolatedNetworkName(labID string) string {
	return labID + "-isolated"
}
