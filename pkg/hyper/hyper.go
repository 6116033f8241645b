// Package hyper drives libvirt over its local unix socket. It presents a
// small facade over the RPC surface the pipelines need, plus qemu-img for
// per-lab disk clones. The XML documents it feeds libvirt are built in
// xml.go.
package hyper

import (
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/sherpa-labs/sherpa/pkg/util"
)

const (
	defaultSocket = "/var/run/libvirt/libvirt-sock"
	dialTimeout   = 2 * time.Second
)

// Hypervisor is a connected libvirt client.
type Hypervisor struct {
	l *libvirt.Libvirt
}

// Connect dials the libvirt unix socket and opens the RPC session. An empty
// socket path uses the system default.
func Connect(socket string) (*Hypervisor, error) {
	if socket == "" {
		socket = defaultSocket
	}
	conn, err := net.DialTimeout("unix", socket, dialTimeout)
	if err != nil {
		return nil, util.NewExternalError("libvirt", "connect", socket, err)
	}
	l := libvirt.New(conn)
	if err := l.Connect(); err != nil {
		conn.Close()
		return nil, util.NewExternalError("libvirt", "connect", socket, err)
	}
	return &Hypervisor{l: l}, nil
}

// Close tears down the RPC session.
func (h *Hypervisor) Close() error {
	return h.l.Disconnect()
}

// ListDomains returns the names of all defined domains, running or not.
func (h *Hypervisor) ListDomains() ([]string, error) {
	domains, _, err := h.l.ConnectListAllDomains(1,
		libvirt.ConnectListDomainsActive|libvirt.ConnectListDomainsInactive)
	if err != nil {
		return nil, util.NewExternalError("libvirt", "list_domains", "*", err)
	}
	names := make([]string, 0, len(domains))
	for _, d := range domains {
		names = append(names, d.Name)
	}
	return names, nil
}

// ListNetworks returns the names of all defined networks.
func (h *Hypervisor) ListNetworks() ([]string, error) {
	nets, _, err := h.l.ConnectListAllNetworks(1,
		libvirt.ConnectListNetworksActive|libvirt.ConnectListNetworksInactive)
	if err != nil {
		return nil, util.NewExternalError("libvirt", "list_networks", "*", err)
	}
	names := make([]string, 0, len(nets))
	for _, n := range nets {
		names = append(names, n.Name)
	}
	return names, nil
}

// ListPools returns the names of all defined storage pools.
func (h *Hypervisor) ListPools() ([]string, error) {
	pools, _, err := h.l.ConnectListAllStoragePools(1,
		libvirt.ConnectListStoragePoolsActive|libvirt.ConnectListStoragePoolsInactive)
	if err != nil {
		return nil, util.NewExternalError("libvirt", "list_pools", "*", err)
	}
	names := make([]string, 0, len(pools))
	for _, p := range pools {
		names = append(names, p.Name)
	}
	return names, nil
}

// DefineDomain registers a domain from XML without starting it.
func (h *Hypervisor) DefineDomain(xml, name string) error {
	if _, err := h.l.DomainDefineXML(xml); err != nil {
		return util.NewExternalError("libvirt", "define_domain", name, err)
	}
	return nil
}

// StartDomain boots a defined domain.
func (h *Hypervisor) StartDomain(name string) error {
	dom, err := h.l.DomainLookupByName(name)
	if err != nil {
		return util.NewExternalError("libvirt", "lookup_domain", name, err)
	}
	if err := h.l.DomainCreate(dom); err != nil {
		return util.NewExternalError("libvirt", "start_domain", name, err)
	}
	util.Debugf("hyper: domain %s started", name)
	return nil
}

// ShutdownDomain asks the guest to power off gracefully.
func (h *Hypervisor) ShutdownDomain(name string) error {
	dom, err := h.l.DomainLookupByName(name)
	if err != nil {
		return util.NewExternalError("libvirt", "lookup_domain", name, err)
	}
	if err := h.l.DomainShutdown(dom); err != nil {
		return util.NewExternalError("libvirt", "shutdown_domain", name, err)
	}
	return nil
}

// DestroyDomain hard-stops a running domain. Stopping an already-stopped
// domain is not an error for callers; they check IsNotRunning.
func (h *Hypervisor) DestroyDomain(name string) error {
	dom, err := h.l.DomainLookupByName(name)
	if err != nil {
		return util.NewExternalError("libvirt", "lookup_domain", name, err)
	}
	if err := h.l.DomainDestroy(dom); err != nil {
		return util.NewExternalError("libvirt", "destroy_domain", name, err)
	}
	return nil
}

// UndefineDomain removes a domain definition.
func (h *Hypervisor) UndefineDomain(name string) error {
	dom, err := h.l.DomainLookupByName(name)
	if err != nil {
		return util.NewExternalError("libvirt", "lookup_domain", name, err)
	}
	if err := h.l.DomainUndefine(dom); err != nil {
		return util.NewExternalError("libvirt", "undefine_domain", name, err)
	}
	return nil
}

// DefineNetwork registers and starts a network from XML.
func (h *Hypervisor) DefineNetwork(xml, name string) error {
	net, err := h.l.NetworkDefineXML(xml)
	if err != nil {
		return util.NewExternalError("libvirt", "define_network", name, err)
	}
	if err := h.l.NetworkCreate(net); err != nil {
		return util.NewExternalError("libvirt", "start_network", name, err)
	}
	util.Debugf("hyper: network %s up", name)
	return nil
}

// RemoveNetwork stops and undefines a network.
func (h *Hypervisor) RemoveNetwork(name string) error {
	net, err := h.l.NetworkLookupByName(name)
	if err != nil {
		return util.NewExternalError("libvirt", "lookup_network", name, err)
	}
	if err := h.l.NetworkDestroy(net); err != nil {
		util.Debugf("hyper: network %s destroy: %v", name, err)
	}
	if err := h.l.NetworkUndefine(net); err != nil {
		return util.NewExternalError("libvirt", "undefine_network", name, err)
	}
	return nil
}

// CreatePool defines, builds, and starts a directory storage pool at path.
func (h *Hypervisor) CreatePool(name, path string) error {
	xml, err := PoolXML(name, path)
	if err != nil {
		return err
	}
	pool, err := h.l.StoragePoolDefineXML(xml, 0)
	if err != nil {
		return util.NewExternalError("libvirt", "define_pool", name, err)
	}
	if err := h.l.StoragePoolBuild(pool, 0); err != nil {
		return util.NewExternalError("libvirt", "build_pool", name, err)
	}
	if err := h.l.StoragePoolCreate(pool, 0); err != nil {
		return util.NewExternalError("libvirt", "start_pool", name, err)
	}
	return nil
}

// RemovePool stops and undefines a storage pool.
func (h *Hypervisor) RemovePool(name string) error {
	pool, err := h.l.StoragePoolLookupByName(name)
	if err != nil {
		return util.NewExternalError("libvirt", "lookup_pool", name, err)
	}
	if err := h.l.StoragePoolDestroy(pool); err != nil {
		util.Debugf("hyper: pool %s destroy: %v", name, err)
	}
	if err := h.l.StoragePoolUndefine(pool); err != nil {
		return util.NewExternalError("libvirt", "undefine_pool", name, err)
	}
	return nil
}

// CloneDisk clones a disk for this hypervisor's host. qemu-img runs
// locally; the method form exists so callers depend on one facade.
func (h *Hypervisor) CloneDisk(src, dst string) error {
	return CloneDisk(src, dst)
}

// CloneDisk copy-on-write clones src into dst via qemu-img, keeping src as
// the backing file so per-lab clones stay thin.
func CloneDisk(src, dst string) error {
	cmd := exec.Command("qemu-img", "create",
		"-f", "qcow2", "-F", "qcow2", "-b", src, dst)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return util.NewExternalError("qemu-img", "clone_disk", dst,
			fmt.Errorf("%v: %s", err, strings.TrimSpace(string(out))))
	}
	util.Debugf("hyper: cloned %s -> %s", src, dst)
	return nil
}

// IsNotFound reports whether err is libvirt's no-such-object class of
// failure, which destroy treats as already-clean.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no domain") ||
		strings.Contains(msg, "no network") ||
		strings.Contains(msg, "no storage pool")
}
