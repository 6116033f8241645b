package hyper

import (
	"fmt"

	"libvirt.org/go/libvirtxml"

	"github.com/sherpa-labs/sherpa/pkg/alloc"
)

// labMTU matches the bridge MTU so jumbo frames survive end to end.
const labMTU = 9600

// DiskSpec describes one attached disk or cdrom.
type DiskSpec struct {
	Path   string
	Bus    string // virtio, sata, scsi, ide
	Format string // qcow2, raw
	Cdrom  bool
	Index  int // target index within the bus, 0-9
}

// NICKind selects how a domain interface connects to the host.
type NICKind string

const (
	NICBridge  NICKind = "bridge"  // plugs into a host bridge by name
	NICNetwork NICKind = "network" // joins a named libvirt network
)

// NICSpec describes one domain interface.
type NICSpec struct {
	Kind   NICKind
	Source string // bridge or network name
	MAC    string // empty for hypervisor-assigned
	Model  string // virtio, e1000
}

// DomainSpec parameterizes the domain XML for one VM node.
type DomainSpec struct {
	Name        string
	CPUCount    int
	CPUArch     string // x86_64, aarch64
	CPUModel    string // host-passthrough when empty
	MachineType string // pc, q35, virt
	BIOS        string // loader path; empty for default
	MemoryMB    int
	Disks       []DiskSpec
	NICs        []NICSpec
	ConsolePort int    // telnet console on 127.0.0.1; 0 disables
	IgnitionCfg string // path passed via -fw_cfg; empty disables
}

// busPrefix maps a disk bus to its target device prefix.
var busPrefix = map[string]string{
	"virtio": "vd",
	"sata":   "sd",
	"scsi":   "sd",
	"ide":    "hd",
}

// diskTarget returns the guest device name for a bus and index. Index is
// capped at 9: one letter per disk, and device naming past "j" is not a
// topology any supported image uses.
func diskTarget(bus string, index int) (string, error) {
	prefix, ok := busPrefix[bus]
	if !ok {
		return "", fmt.Errorf("hyper: unknown disk bus %q", bus)
	}
	if index < 0 || index > 9 {
		return "", fmt.Errorf("hyper: disk index %d out of range 0-9", index)
	}
	return prefix + string(rune('a'+index)), nil
}

// DomainXML renders the libvirt domain document for spec.
func DomainXML(spec DomainSpec) (string, error) {
	arch := spec.CPUArch
	if arch == "" {
		arch = "x86_64"
	}
	machine := spec.MachineType
	if machine == "" {
		machine = "pc"
	}

	dom := &libvirtxml.Domain{
		Type: "kvm",
		Name: spec.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(spec.MemoryMB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{Value: uint(spec.CPUCount)},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{Arch: arch, Machine: machine, Type: "hvm"},
		},
		Devices: &libvirtxml.DomainDeviceList{},
	}

	if spec.BIOS != "" {
		dom.OS.Loader = &libvirtxml.DomainLoader{Readonly: "yes", Type: "rom", Path: spec.BIOS}
	}

	if spec.CPUModel != "" {
		dom.CPU = &libvirtxml.DomainCPU{
			Model: &libvirtxml.DomainCPUModel{Fallback: "allow", Value: spec.CPUModel},
		}
	} else {
		dom.CPU = &libvirtxml.DomainCPU{Mode: "host-passthrough"}
	}

	for _, d := range spec.Disks {
		target, err := diskTarget(d.Bus, d.Index)
		if err != nil {
			return "", err
		}
		device := "disk"
		if d.Cdrom {
			device = "cdrom"
		}
		format := d.Format
		if format == "" {
			format = "qcow2"
		}
		dom.Devices.Disks = append(dom.Devices.Disks, libvirtxml.DomainDisk{
			Device: device,
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: format},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: d.Path},
			},
			Target: &libvirtxml.DomainDiskTarget{Dev: target, Bus: d.Bus},
		})
	}

	for _, n := range spec.NICs {
		iface := libvirtxml.DomainInterface{
			Model: &libvirtxml.DomainInterfaceModel{Type: n.Model},
			MTU:   &libvirtxml.DomainInterfaceMTU{Size: labMTU},
		}
		if n.MAC != "" {
			iface.MAC = &libvirtxml.DomainInterfaceMAC{Address: n.MAC}
		}
		switch n.Kind {
		case NICBridge:
			iface.Source = &libvirtxml.DomainInterfaceSource{
				Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: n.Source},
			}
		case NICNetwork:
			iface.Source = &libvirtxml.DomainInterfaceSource{
				Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: n.Source},
			}
		default:
			return "", fmt.Errorf("hyper: unknown NIC kind %q", n.Kind)
		}
		dom.Devices.Interfaces = append(dom.Devices.Interfaces, iface)
	}

	if spec.ConsolePort > 0 {
		port := uint(0)
		dom.Devices.Serials = []libvirtxml.DomainSerial{{
			Source: &libvirtxml.DomainChardevSource{
				TCP: &libvirtxml.DomainChardevSourceTCP{
					Mode:    "bind",
					Host:    "127.0.0.1",
					Service: fmt.Sprintf("%d", spec.ConsolePort),
				},
			},
			Protocol: &libvirtxml.DomainChardevProtocol{Type: "telnet"},
			Target:   &libvirtxml.DomainSerialTarget{Port: &port},
		}}
	}

	if spec.IgnitionCfg != "" {
		dom.QEMUCommandline = &libvirtxml.DomainQEMUCommandline{
			Args: []libvirtxml.DomainQEMUCommandlineArg{
				{Value: "-fw_cfg"},
				{Value: "name=opt/com.coreos/config,file=" + spec.IgnitionCfg},
			},
		}
	}

	return dom.Marshal()
}

// IsolatedNetworkSpec parameterizes the forward-none network used for
// reserved interfaces.
type IsolatedNetworkSpec struct {
	Name   string
	Bridge string
}

// IsolatedNetworkXML renders an L2-only network: no forwarding, ports
// isolated from each other, lab MTU.
func IsolatedNetworkXML(spec IsolatedNetworkSpec) (string, error) {
	net := &libvirtxml.Network{
		Name:        spec.Name,
		Bridge:      &libvirtxml.NetworkBridge{Name: spec.Bridge, STP: "off"},
		MTU:         &libvirtxml.NetworkMTU{Size: labMTU},
		PortOptions: &libvirtxml.NetworkPortOptions{Isolated: "yes"},
	}
	return net.Marshal()
}

// NATHost is one deterministic DHCP reservation.
type NATHost struct {
	Name string
	MAC  string
	IP   string
}

// NATBootRule maps a device family's MAC prefix to its boot file.
type NATBootRule struct {
	Tag       string // tag name, one per family
	MACPrefix string // "aa:bb:cc"
	BootFile  string // option 67 value
}

// NATNetworkSpec parameterizes the per-lab management network.
type NATNetworkSpec struct {
	Name       string
	Bridge     string
	Subnet     string // /24 CIDR
	BootServer string // TFTP/HTTP server address, also option 150
	Hosts      []NATHost
	BootRules  []NATBootRule
}

// NATNetworkXML renders the management network: NAT forward, DHCP pool,
// deterministic node leases, the fixed boot-server reservation, and
// dnsmasq passthrough directives steering each family to its boot file
// via options 67 and 150.
func NATNetworkXML(spec NATNetworkSpec) (string, error) {
	gateway, err := alloc.HostIP(spec.Subnet, alloc.GatewayOffset)
	if err != nil {
		return "", fmt.Errorf("hyper: nat network gateway: %w", err)
	}
	poolStart, err := alloc.HostIP(spec.Subnet, 100)
	if err != nil {
		return "", fmt.Errorf("hyper: nat network pool: %w", err)
	}
	poolEnd, err := alloc.HostIP(spec.Subnet, 249)
	if err != nil {
		return "", fmt.Errorf("hyper: nat network pool: %w", err)
	}

	hosts := []libvirtxml.NetworkDHCPHost{{
		MAC:  alloc.BootServerMAC,
		IP:   spec.BootServer,
		Name: "boot-server",
	}}
	for _, h := range spec.Hosts {
		hosts = append(hosts, libvirtxml.NetworkDHCPHost{MAC: h.MAC, IP: h.IP, Name: h.Name})
	}

	var opts []libvirtxml.NetworkDnsmasqOption
	for _, r := range spec.BootRules {
		opts = append(opts,
			libvirtxml.NetworkDnsmasqOption{Value: fmt.Sprintf("dhcp-mac=set:%s,%s:*:*:*", r.Tag, r.MACPrefix)},
			libvirtxml.NetworkDnsmasqOption{Value: fmt.Sprintf("dhcp-boot=tag:%s,%s,,%s", r.Tag, r.BootFile, spec.BootServer)},
			libvirtxml.NetworkDnsmasqOption{Value: fmt.Sprintf("dhcp-option=tag:%s,150,%s", r.Tag, spec.BootServer)},
		)
	}

	net := &libvirtxml.Network{
		Name:    spec.Name,
		Forward: &libvirtxml.NetworkForward{Mode: "nat"},
		Bridge:  &libvirtxml.NetworkBridge{Name: spec.Bridge, STP: "off"},
		MTU:     &libvirtxml.NetworkMTU{Size: 1500},
		IPs: []libvirtxml.NetworkIP{{
			Address: gateway,
			Netmask: "255.255.255.0",
			DHCP: &libvirtxml.NetworkDHCP{
				Ranges: []libvirtxml.NetworkDHCPRange{{Start: poolStart, End: poolEnd}},
				Hosts:  hosts,
			},
		}},
	}
	if len(opts) > 0 {
		net.DnsmasqOptions = &libvirtxml.NetworkDnsmasqOptions{Option: opts}
	}
	return net.Marshal()
}

// PoolXML renders a directory-backed storage pool.
func PoolXML(name, path string) (string, error) {
	pool := &libvirtxml.StoragePool{
		Type:   "dir",
		Name:   name,
		Target: &libvirtxml.StoragePoolTarget{Path: path},
	}
	return pool.Marshal()
}
