// Package nlink wraps the kernel netlink operations the pipelines need:
// lab bridges, veth pairs, enslavement, and fuzzy lookup for cleanup.
// Linux only.
package nlink

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/sherpa-labs/sherpa/pkg/util"
)

// Lab interfaces carry jumbo frames plus encapsulation headroom.
const labMTU = 9600

// groupFwdMask forwards every reserved link-local multicast group except
// STP (bit 0), pause frames (bit 1), and LACP (bit 2), so protocols like
// LLDP and LACP pass-through behave like real point-to-point wire.
const groupFwdMask uint16 = 0xFFF8

// Sentinel errors for link state mismatches.
var (
	ErrLinkNotFound = errors.New("nlink: link not found")
	ErrLinkExists   = errors.New("nlink: link already exists")
)

// OpError reports a failed netlink operation on a named interface.
type OpError struct {
	Op    string
	Iface string
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("nlink: %s %s: %v", e.Op, e.Iface, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Adapter performs netlink operations on the host.
type Adapter struct{}

// New returns a host netlink adapter.
func New() *Adapter {
	return &Adapter{}
}

func notFound(err error) bool {
	var nf netlink.LinkNotFoundError
	return errors.As(err, &nf)
}

// CreateBridge creates an admin-up bridge with the lab MTU, forwarding
// mask, and the given alias. Fails with ErrLinkExists when the name is
// taken.
func (a *Adapter) CreateBridge(name, alias string) error {
	if _, err := netlink.LinkByName(name); err == nil {
		return fmt.Errorf("%w: %s", ErrLinkExists, name)
	}

	mask := groupFwdMask
	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	attrs.MTU = labMTU
	br := &netlink.Bridge{LinkAttrs: attrs, GroupFwdMask: &mask}

	if err := netlink.LinkAdd(br); err != nil {
		return &OpError{Op: "create_bridge", Iface: name, Err: err}
	}
	if err := netlink.LinkSetAlias(br, alias); err != nil {
		return &OpError{Op: "set_alias", Iface: name, Err: err}
	}
	if err := netlink.LinkSetUp(br); err != nil {
		return &OpError{Op: "set_up", Iface: name, Err: err}
	}
	util.Debugf("nlink: bridge %s up (alias %q)", name, alias)
	return nil
}

// CreateVethPair creates both ends of a veth pair, aliased and admin-up.
func (a *Adapter) CreateVethPair(nameA, nameB, aliasA, aliasB string) error {
	for _, n := range []string{nameA, nameB} {
		if _, err := netlink.LinkByName(n); err == nil {
			return fmt.Errorf("%w: %s", ErrLinkExists, n)
		}
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = nameA
	attrs.MTU = labMTU
	veth := &netlink.Veth{LinkAttrs: attrs, PeerName: nameB}

	if err := netlink.LinkAdd(veth); err != nil {
		return &OpError{Op: "create_veth", Iface: nameA, Err: err}
	}

	sides := []struct {
		name, alias string
	}{{nameA, aliasA}, {nameB, aliasB}}
	for _, s := range sides {
		link, err := netlink.LinkByName(s.name)
		if err != nil {
			return &OpError{Op: "lookup_veth", Iface: s.name, Err: err}
		}
		if err := netlink.LinkSetMTU(link, labMTU); err != nil {
			return &OpError{Op: "set_mtu", Iface: s.name, Err: err}
		}
		if err := netlink.LinkSetAlias(link, s.alias); err != nil {
			return &OpError{Op: "set_alias", Iface: s.name, Err: err}
		}
		if err := netlink.LinkSetUp(link); err != nil {
			return &OpError{Op: "set_up", Iface: s.name, Err: err}
		}
	}
	util.Debugf("nlink: veth pair %s<->%s up", nameA, nameB)
	return nil
}

// Enslave attaches iface to bridge.
func (a *Adapter) Enslave(iface, bridge string) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		if notFound(err) {
			return fmt.Errorf("%w: %s", ErrLinkNotFound, iface)
		}
		return &OpError{Op: "lookup", Iface: iface, Err: err}
	}
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		if notFound(err) {
			return fmt.Errorf("%w: %s", ErrLinkNotFound, bridge)
		}
		return &OpError{Op: "lookup", Iface: bridge, Err: err}
	}
	if err := netlink.LinkSetMaster(link, br); err != nil {
		return &OpError{Op: "enslave", Iface: iface, Err: err}
	}
	return nil
}

// DeleteInterface removes a link by name. Deleting an absent link fails
// with ErrLinkNotFound so cleanup loops can skip it.
func (a *Adapter) DeleteInterface(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if notFound(err) {
			return fmt.Errorf("%w: %s", ErrLinkNotFound, name)
		}
		return &OpError{Op: "lookup", Iface: name, Err: err}
	}
	if err := netlink.LinkDel(link); err != nil {
		return &OpError{Op: "delete", Iface: name, Err: err}
	}
	util.Debugf("nlink: deleted %s", name)
	return nil
}

// FindByFuzzy returns the names of all host links whose name contains
// substr. Destroy uses this to sweep a lab's leftovers by ID fragment.
func (a *Adapter) FindByFuzzy(substr string) ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, &OpError{Op: "list", Iface: "*", Err: err}
	}
	var names []string
	for _, l := range links {
		if name := l.Attrs().Name; strings.Contains(name, substr) {
			names = append(names, name)
		}
	}
	return names, nil
}
