// Package catalog is the persistent store of users, labs, nodes, links, and
// the node-image catalog. It is backed by bbolt; all uniqueness and
// referential invariants are enforced at this API, inside single
// transactions, because the underlying store has no schema of its own.
package catalog

import (
	"fmt"
	"regexp"
	"time"

	"github.com/sherpa-labs/sherpa/pkg/ifmap"
)

// NodeState tracks a node through its lifecycle.
type NodeState string

const (
	StateCreated  NodeState = "created"
	StateStarting NodeState = "starting"
	StateRunning  NodeState = "running"
	StateStopped  NodeState = "stopped"
	StateFailed   NodeState = "failed"
)

// LinkKind selects the wiring mechanism for a point-to-point link.
type LinkKind string

const (
	P2pBridge LinkKind = "p2p_bridge"
	P2pVeth   LinkKind = "p2p_veth"
	P2pUdp    LinkKind = "p2p_udp"
)

// Valid reports whether k is a known link kind.
func (k LinkKind) Valid() bool {
	switch k {
	case P2pBridge, P2pVeth, P2pUdp:
		return true
	}
	return false
}

// ImageKind distinguishes how a node image boots.
type ImageKind string

const (
	KindVirtualMachine ImageKind = "virtual_machine"
	KindContainer      ImageKind = "container"
	KindUnikernel      ImageKind = "unikernel"
)

// Valid reports whether k is a known image kind.
func (k ImageKind) Valid() bool {
	switch k {
	case KindVirtualMachine, KindContainer, KindUnikernel:
		return true
	}
	return false
}

// User is an account that owns labs. Password is stored as an Argon2id
// PHC string, never in the clear.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	IsAdmin      bool      `json:"is_admin"`
	SSHKeys      []string  `json:"ssh_keys,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Lab is one isolated topology instance. Owner is immutable after creation.
type Lab struct {
	LabID             string    `json:"lab_id"` // exactly 8 chars [A-Za-z0-9-]
	Name              string    `json:"name"`   // unique per owner
	Owner             string    `json:"owner"`
	LoopbackNetwork   string    `json:"loopback_network"`   // /24 CIDR
	ManagementNetwork string    `json:"management_network"` // /24 CIDR
	CreatedAt         time.Time `json:"created_at"`
}

// Node is one VM, container, or unikernel inside a lab. Lab is immutable;
// a node cannot be moved between labs.
type Node struct {
	Name     string      `json:"name"`
	Index    uint16      `json:"index"`
	Lab      string      `json:"lab"` // lab_id
	Model    ifmap.Model `json:"model"`
	Kind     ImageKind   `json:"kind"`
	Version  string      `json:"version"`
	MgmtIPv4 string      `json:"mgmt_ipv4,omitempty"`
	State    NodeState   `json:"state"`
}

// Link is one point-to-point L2 adjacency between two node interfaces.
type Link struct {
	Index   uint16   `json:"index"`
	Lab     string   `json:"lab"`
	Kind    LinkKind `json:"kind"`
	NodeA   string   `json:"node_a"`
	NodeB   string   `json:"node_b"`
	IntA    string   `json:"int_a"`
	IntB    string   `json:"int_b"`
	BridgeA string   `json:"bridge_a,omitempty"`
	BridgeB string   `json:"bridge_b,omitempty"`
	VethA   string   `json:"veth_a,omitempty"`
	VethB   string   `json:"veth_b,omitempty"`
}

// NodeImage is one catalog entry. (Model, Kind, Version) is unique; at most
// one entry per (Model, Kind) carries Default.
type NodeImage struct {
	Model   ifmap.Model `json:"model"`
	Kind    ImageKind   `json:"kind"`
	Version string      `json:"version"`
	Default bool        `json:"default"`

	// VM resource hints
	CPUCount    int    `json:"cpu_count,omitempty"`
	CPUArch     string `json:"cpu_arch,omitempty"`
	CPUModel    string `json:"cpu_model,omitempty"`
	MemoryMB    int    `json:"memory_mb,omitempty"`
	BIOS        string `json:"bios,omitempty"`
	MachineType string `json:"machine_type,omitempty"`
	DiskBus     string `json:"disk_bus,omitempty"`
	CdromBus    string `json:"cdrom_bus,omitempty"`

	// Interface layout
	InterfacePrefix     string `json:"interface_prefix,omitempty"`
	MaxDataInterfaces   int    `json:"max_data_interfaces,omitempty"`
	FirstInterfaceIndex int    `json:"first_interface_index,omitempty"`
	DedicatedManagement bool   `json:"dedicated_management,omitempty"`
	ManagementInterface string `json:"management_interface,omitempty"`
	ReservedInterfaces  int    `json:"reserved_interfaces,omitempty"`

	// Container
	Repo string `json:"repo,omitempty"`

	// ZTP
	ZTPMethod   string `json:"ztp_method,omitempty"` // "dhcp-tftp", "dhcp-http", "none"
	ZTPUsername string `json:"ztp_username,omitempty"`
	ZTPPassword string `json:"ztp_password,omitempty"`
}

// Key returns the unique catalog key for the image.
func (i *NodeImage) Key() string {
	return imageKey(i.Model, i.Kind, i.Version)
}

func imageKey(model ifmap.Model, kind ImageKind, version string) string {
	return fmt.Sprintf("%s|%s|%s", model, kind, version)
}

var (
	labIDRe    = regexp.MustCompile(`^[A-Za-z0-9-]{8}$`)
	usernameRe = regexp.MustCompile(`^[A-Za-z0-9@._-]{3,}$`)
	nodeNameRe = regexp.MustCompile(`^[a-zA-Z0-9-]{1,63}$`)
)

// ValidLabID reports whether id is exactly 8 chars of [A-Za-z0-9-].
func ValidLabID(id string) bool {
	return labIDRe.MatchString(id)
}

// ValidUsername reports whether name is at least 3 chars of the allowed set.
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name)
}

// ValidNodeName reports whether name fits the manifest node-name rule.
func ValidNodeName(name string) bool {
	return nodeNameRe.MatchString(name)
}
