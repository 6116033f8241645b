package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"github.com/sherpa-labs/sherpa/pkg/alloc"
	"github.com/sherpa-labs/sherpa/pkg/catalog"
	"github.com/sherpa-labs/sherpa/pkg/engine"
	"github.com/sherpa-labs/sherpa/pkg/hyper"
	"github.com/sherpa-labs/sherpa/pkg/ifmap"
	"github.com/sherpa-labs/sherpa/pkg/manifest"
	"github.com/sherpa-labs/sherpa/pkg/progress"
	"github.com/sherpa-labs/sherpa/pkg/util"
	"github.com/sherpa-labs/sherpa/pkg/ztp"
)

// subnetRetries bounds the conflict-retry loop when concurrent ups race
// for the same /24.
const subnetRetries = 3

// UpSummary counts the resources an up pipeline materialized.
type UpSummary struct {
	VMsCreated        int `json:"vms_created"`
	ContainersCreated int `json:"containers_created"`
	NetworksCreated   int `json:"networks_created"`
	BridgesCreated    int `json:"bridges_created"`
	InterfacesCreated int `json:"interfaces_created"`
}

// UpResult is the terminal payload of an up RPC.
type UpResult struct {
	LabID           string            `json:"lab_id"`
	Name            string            `json:"name"`
	Summary         UpSummary         `json:"summary"`
	PhasesCompleted []string          `json:"phases_completed"`
	Errors          []string          `json:"errors,omitempty"`
	NodeIPs         map[string]string `json:"node_ips,omitempty"`
	SSHConfigPath   string            `json:"ssh_config_path,omitempty"`
}

// upState carries everything the phases share.
type upState struct {
	labID    string
	owner    string
	m        *manifest.Manifest
	resolved map[string]*resolvedNode
	lab      *catalog.Lab
	nodes    []*catalog.Node
	links    []*catalog.Link
	result   *UpResult
	sink     progress.Sink
}

// Up runs the 13-phase pipeline. A critical-phase failure triggers the
// destroy pipeline for the partial lab before returning; non-critical
// failures are recorded in the result and the pipeline continues.
func (p *Pipeline) Up(ctx context.Context, labID, manifestText, owner string, sink progress.Sink) (*UpResult, error) {
	m, err := manifest.Parse([]byte(manifestText))
	if err != nil {
		return nil, err
	}
	if labID == "" {
		labID = alloc.NewLabID(m.Name)
	}

	st := &upState{
		labID: labID,
		owner: owner,
		m:     m,
		result: &UpResult{
			LabID:   labID,
			Name:    m.Name,
			NodeIPs: map[string]string{},
		},
		sink: sink,
	}

	phases := []struct {
		phase progress.UpPhase
		run   func(context.Context, *upState) error
	}{
		{progress.PhaseSetup, p.phaseSetup},
		{progress.PhaseValidation, p.phaseValidation},
		{progress.PhaseDatabase, p.phaseDatabase},
		{progress.PhaseLabNetwork, p.phaseLabNetwork},
		{progress.PhaseLinks, p.phaseLinks},
		{progress.PhaseContainerNetworks, p.phaseContainerNetworks},
		{progress.PhaseSharedBridges, p.phaseSharedBridges},
		{progress.PhaseZTP, p.phaseZTP},
		{progress.PhaseBootContainer, p.phaseBootContainer},
		{progress.PhaseDiskClone, p.phaseDiskClone},
		{progress.PhaseVMCreate, p.phaseNodeCreate},
		{progress.PhaseSSHConfig, p.phaseSSHConfig},
		{progress.PhaseReadiness, p.phaseReadiness},
	}

	for _, ph := range phases {
		if err := ctx.Err(); err != nil {
			p.abortUp(st, fmt.Errorf("pipeline: cancelled before %s: %w", ph.phase, err))
			return st.result, fmt.Errorf("%w: up cancelled", util.ErrFatal)
		}

		sink.Status(progress.NewPhaseStatus(ph.phase, fmt.Sprintf("phase %d/%d: %s",
			int(ph.phase), progress.TotalPhases, ph.phase)))
		util.WithPhase(ph.phase.String()).Debugf("pipeline: lab %s entering phase", st.labID)

		err := ph.run(ctx, st)
		if err == nil {
			st.result.PhasesCompleted = append(st.result.PhasesCompleted, ph.phase.String())
			sink.Status(progress.NewStatus(progress.KindDone, ph.phase.String()+" complete"))
			continue
		}

		critical := ph.phase.Critical()
		if ph.phase == progress.PhaseContainerNetworks && len(p.containerLinks(st)) > 0 {
			// Cosmetic for VM-only labs; load-bearing once a container
			// node attaches through these networks.
			critical = true
		}
		if !critical {
			util.WithLab(st.labID).Warnf("pipeline: %s: %v", ph.phase, err)
			st.result.Errors = append(st.result.Errors, fmt.Sprintf("%s: %v", ph.phase, err))
			st.result.PhasesCompleted = append(st.result.PhasesCompleted, ph.phase.String())
			continue
		}

		p.abortUp(st, fmt.Errorf("pipeline: phase %s: %w", ph.phase, err))
		if errors.Is(err, util.ErrValidationFailed) || errors.Is(err, util.ErrInvalid) {
			return st.result, err
		}
		return st.result, fmt.Errorf("%w: phase %q: %v", util.ErrFatal, ph.phase.String(), err)
	}

	sink.Status(progress.NewStatus(progress.KindDone,
		fmt.Sprintf("lab %s is up (%d VMs, %d containers)",
			st.labID, st.result.Summary.VMsCreated, st.result.Summary.ContainersCreated)))
	return st.result, nil
}

// abortUp records the failure and tears down whatever the dead pipeline
// left behind.
func (p *Pipeline) abortUp(st *upState, cause error) {
	util.WithLab(st.labID).Errorf("pipeline: aborting up: %v", cause)
	st.result.Errors = append(st.result.Errors, cause.Error())
	st.sink.Status(progress.NewStatus(progress.KindInfo,
		"up failed, destroying partial lab "+st.labID))

	// Destroy with a fresh context: the cause may be the cancellation.
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := p.Destroy(dctx, st.labID, true, st.sink); err != nil {
		util.WithLab(st.labID).Errorf("pipeline: destroy after failed up: %v", err)
	}
}

func (p *Pipeline) phaseSetup(ctx context.Context, st *upState) error {
	dir := p.cfg.LabDir(st.labID)
	if err := os.MkdirAll(p.cfg.ZTPDir(st.labID), 0o755); err != nil {
		return fmt.Errorf("create lab directory %s: %w", dir, err)
	}
	return writeLabInfo(p.cfg.LabInfoFile(st.labID), LabInfo{
		Name:      st.m.Name,
		LabID:     st.labID,
		Owner:     st.owner,
		CreatedAt: time.Now().UTC(),
	})
}

func (p *Pipeline) phaseValidation(ctx context.Context, st *upState) error {
	resolved, err := p.validate(ctx, st.m)
	if err != nil {
		return err
	}
	st.resolved = resolved
	return nil
}

func (p *Pipeline) phaseDatabase(ctx context.Context, st *upState) error {
	var lab *catalog.Lab
	for attempt := 0; ; attempt++ {
		usedLoop, err := p.store.UsedLoopbackNetworks()
		if err != nil {
			return err
		}
		usedMgmt, err := p.store.UsedManagementNetworks()
		if err != nil {
			return err
		}
		loop, err := alloc.AllocateSubnet24(p.cfg.Loopback.Supernet, usedLoop)
		if err != nil {
			return err
		}
		mgmt, err := alloc.AllocateSubnet24(p.cfg.Management.Supernet, usedMgmt)
		if err != nil {
			return err
		}

		lab = &catalog.Lab{
			LabID:             st.labID,
			Name:              st.m.Name,
			Owner:             st.owner,
			LoopbackNetwork:   loop,
			ManagementNetwork: mgmt,
			CreatedAt:         time.Now().UTC(),
		}
		err = p.store.CreateLab(lab)
		if err == nil {
			break
		}
		if errors.Is(err, util.ErrConflict) && attempt < subnetRetries {
			continue // another up took the subnet; re-read and retry
		}
		return err
	}
	st.lab = lab

	for i := range st.m.Nodes {
		spec := &st.m.Nodes[i]
		rn := st.resolved[spec.Name]
		st.nodes = append(st.nodes, &catalog.Node{
			Name:    spec.Name,
			Index:   uint16(i + 1),
			Lab:     st.labID,
			Model:   ifmap.Model(spec.Model),
			Kind:    rn.image.Kind,
			Version: rn.image.Version,
			State:   catalog.StateCreated,
		})
	}
	if err := p.store.CreateNodes(st.nodes); err != nil {
		return err
	}

	for i := range st.m.Links {
		l := &st.m.Links[i]
		kind, _ := l.LinkKind()
		src, _ := manifest.ParseEndpoint(l.Src)
		dst, _ := manifest.ParseEndpoint(l.Dst)
		st.links = append(st.links, &catalog.Link{
			Index: uint16(i + 1),
			Lab:   st.labID,
			Kind:  kind,
			NodeA: src.Node,
			NodeB: dst.Node,
			IntA:  src.Interface,
			IntB:  dst.Interface,
		})
	}
	if err := p.store.CreateLinks(st.links); err != nil {
		return err
	}

	return writeLabInfo(p.cfg.LabInfoFile(st.labID), labInfoFromLab(lab))
}

func (p *Pipeline) phaseLabNetwork(ctx context.Context, st *upState) error {
	mgmt := st.lab.ManagementNetwork
	for _, n := range st.nodes {
		ip, err := alloc.NodeMgmtIP(mgmt, n.Index)
		if err != nil {
			return err
		}
		if err := p.store.SetNodeMgmtIP(st.labID, n.Name, ip); err != nil {
			return err
		}
		n.MgmtIPv4 = ip
		st.result.NodeIPs[n.Name] = ip
	}

	bootIP, err := alloc.HostIP(mgmt, alloc.BootServerOffset)
	if err != nil {
		return err
	}

	var hosts []hyper.NATHost
	for _, n := range st.nodes {
		mac, err := alloc.MACFor(n.Model, st.labID, n.Index)
		if err != nil {
			return err
		}
		hosts = append(hosts, hyper.NATHost{Name: n.Name, MAC: mac, IP: n.MgmtIPv4})
	}

	rules, err := bootRules(st.nodes)
	if err != nil {
		return err
	}

	xml, err := hyper.NATNetworkXML(hyper.NATNetworkSpec{
		Name:       alloc.MgmtNetworkName(st.labID),
		Bridge:     alloc.MgmtBridgeName(st.labID),
		Subnet:     mgmt,
		BootServer: bootIP,
		Hosts:      hosts,
		BootRules:  rules,
	})
	if err != nil {
		return err
	}
	if err := p.hv.DefineNetwork(xml, alloc.MgmtNetworkName(st.labID)); err != nil {
		return err
	}
	st.result.Summary.NetworksCreated++

	// Containers reach the management segment over a macvlan twin of the
	// libvirt bridge.
	if err := p.eng.CreateMacvlanNetwork(ctx, alloc.MgmtNetworkName(st.labID),
		alloc.MgmtBridgeName(st.labID), mgmt); err != nil {
		return err
	}
	return nil
}

// bootRules maps the device families present in the lab to their DHCP
// boot-file tags, one rule per family.
func bootRules(nodes []*catalog.Node) ([]hyper.NATBootRule, error) {
	files := map[ifmap.Model]string{
		ifmap.AristaVEOS:  "arista/veos-ztp.sh",
		ifmap.JuniperVEvo: "juniper/junos-ztp.sh",
	}
	seen := map[ifmap.Model]bool{}
	var rules []hyper.NATBootRule
	for _, n := range nodes {
		file, ok := files[n.Model]
		if !ok || seen[n.Model] {
			continue
		}
		seen[n.Model] = true
		prefix, err := alloc.OUIPrefix(n.Model)
		if err != nil {
			return nil, err
		}
		rules = append(rules, hyper.NATBootRule{
			Tag:       string(n.Model),
			MACPrefix: prefix,
			BootFile:  file,
		})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Tag < rules[j].Tag })
	return rules, nil
}

func (p *Pipeline) phaseLinks(ctx context.Context, st *upState) error {
	sort.Slice(st.links, func(i, j int) bool { return st.links[i].Index < st.links[j].Index })
	for _, l := range st.links {
		switch l.Kind {
		case catalog.P2pBridge:
			bridge := alloc.LinkBridgeName(st.labID, l.Index)
			alias := fmt.Sprintf("%s %s:%s<->%s:%s", st.labID, l.NodeA, l.IntA, l.NodeB, l.IntB)
			if err := p.nl.CreateBridge(bridge, alias); err != nil {
				return err
			}
			st.result.Summary.BridgesCreated++

			va := alloc.VethName(st.labID, l.Index, alloc.SideA)
			vb := alloc.VethName(st.labID, l.Index, alloc.SideB)
			if err := p.nl.CreateVethPair(va, vb, l.NodeA+":"+l.IntA, l.NodeB+":"+l.IntB); err != nil {
				return err
			}
			if err := p.nl.Enslave(va, bridge); err != nil {
				return err
			}
			st.result.Summary.InterfacesCreated += 2
			l.BridgeA, l.BridgeB = bridge, bridge
			l.VethA, l.VethB = va, vb

		case catalog.P2pVeth:
			va := alloc.VethName(st.labID, l.Index, alloc.SideA)
			vb := alloc.VethName(st.labID, l.Index, alloc.SideB)
			if err := p.nl.CreateVethPair(va, vb, l.NodeA+":"+l.IntA, l.NodeB+":"+l.IntB); err != nil {
				return err
			}
			st.result.Summary.InterfacesCreated += 2
			l.VethA, l.VethB = va, vb

		case catalog.P2pUdp:
			// QEMU owns both tunnel ends; nothing on the host.
		}

		if err := p.store.UpdateLink(l); err != nil {
			return err
		}
	}
	return nil
}

// containerLinks returns the links with at least one container endpoint.
func (p *Pipeline) containerLinks(st *upState) []*catalog.Link {
	var out []*catalog.Link
	for _, l := range st.links {
		if l.Kind != catalog.P2pBridge {
			continue
		}
		for _, node := range []string{l.NodeA, l.NodeB} {
			if rn, ok := st.resolved[node]; ok && rn.image.Kind == catalog.KindContainer {
				out = append(out, l)
				break
			}
		}
	}
	return out
}

func (p *Pipeline) phaseContainerNetworks(ctx context.Context, st *upState) error {
	for _, l := range p.containerLinks(st) {
		name := alloc.DockerNetworkName(st.labID, l.Index)
		if err := p.eng.CreateMacvlanNetwork(ctx, name, l.BridgeA, ""); err != nil {
			return err
		}
	}
	return nil
}

// phaseSharedBridges backs reserved interfaces with a forward-none libvirt
// network; starting it materializes the shared bridge the reserved NICs
// attach to.
func (p *Pipeline) phaseSharedBridges(ctx context.Context, st *upState) error {
	needed := false
	for _, rn := range st.resolved {
		if rn.spec.ReservedInterfaces > 0 || rn.image.ReservedInterfaces > 0 {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}
	xml, err := hyper.IsolatedNetworkXML(hyper.IsolatedNetworkSpec{
		Name:   alloc.IsolatedNetworkName(st.labID),
		Bridge: alloc.IsolatedBridgeName(st.labID),
	})
	if err != nil {
		return err
	}
	if err := p.hv.DefineNetwork(xml, alloc.IsolatedNetworkName(st.labID)); err != nil {
		return err
	}
	st.result.Summary.NetworksCreated++
	return nil
}

func (p *Pipeline) phaseZTP(ctx context.Context, st *upState) error {
	input, err := p.ztpInput(st)
	if err != nil {
		return err
	}
	return ztp.Generate(p.cfg.ZTPDir(st.labID), *input)
}

// ztpInput assembles the generator input: the owner account (with its SSH
// keys) as the device user, credentialed from the image catalog's ZTP
// fields, plus one record per node.
func (p *Pipeline) ztpInput(st *upState) (*ztp.Input, error) {
	user, err := p.store.GetUser(st.owner)
	if err != nil {
		return nil, err
	}

	password := ""
	for _, n := range st.nodes {
		img := st.resolved[n.Name].image
		if img.ZTPPassword != "" {
			password = img.ZTPPassword
			break
		}
	}

	var records []ztp.Record
	for _, n := range st.nodes {
		mac, err := alloc.MACFor(n.Model, st.labID, n.Index)
		if err != nil {
			return nil, err
		}
		records = append(records, ztp.Record{
			Hostname: n.Name,
			Model:    n.Model,
			MAC:      mac,
			IPv4:     n.MgmtIPv4,
		})
	}

	return &ztp.Input{
		LabID:             st.labID,
		ManagementNetwork: st.lab.ManagementNetwork,
		DNS:               p.cfg.DNS,
		Users: []ztp.UserConfig{{
			Username: user.Username,
			Password: password,
			SSHKeys:  user.SSHKeys,
		}},
		Records: records,
	}, nil
}

func (p *Pipeline) phaseBootContainer(ctx context.Context, st *upState) error {
	bootIP, err := alloc.HostIP(st.lab.ManagementNetwork, alloc.BootServerOffset)
	if err != nil {
		return err
	}
	err = p.eng.RunContainer(ctx, engine.RunSpec{
		Name:  alloc.BootContainerName(st.labID),
		Image: BootImage,
		Volumes: []string{
			p.cfg.ZTPDir(st.labID) + ":/var/lib/tftpboot:ro",
		},
		Caps: []string{"NET_ADMIN"},
		Management: engine.Attachment{
			Network: alloc.MgmtNetworkName(st.labID),
			IPv4:    bootIP,
			MAC:     alloc.BootServerMAC,
		},
	})
	if err != nil {
		return err
	}
	st.result.Summary.ContainersCreated++
	return nil
}

func (p *Pipeline) phaseDiskClone(ctx context.Context, st *upState) error {
	for _, n := range st.nodes {
		rn := st.resolved[n.Name]
		if rn.image.Kind != catalog.KindVirtualMachine {
			continue
		}
		src := p.cfg.ImageDisk(string(n.Model), n.Version)
		dst := p.labDiskPath(st.labID, n.Name)
		if err := p.hv.CloneDisk(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) labDiskPath(labID, node string) string {
	return p.cfg.LibvirtImagesDir() + "/" + alloc.DiskName(labID, node)
}

// nodeLinks returns a node's links in ascending index order, which fixes
// data-interface ordering inside the guest.
func nodeLinks(st *upState, node string) []*catalog.Link {
	var out []*catalog.Link
	for _, l := range st.links {
		if l.NodeA == node || l.NodeB == node {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (p *Pipeline) phaseNodeCreate(ctx context.Context, st *upState) error {
	nodes := append([]*catalog.Node(nil), st.nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Index < nodes[j].Index })

	for _, n := range nodes {
		rn := st.resolved[n.Name]
		var err error
		switch rn.image.Kind {
		case catalog.KindVirtualMachine:
			err = p.createVM(st, n, rn)
			if err == nil {
				st.result.Summary.VMsCreated++
			}
		case catalog.KindContainer:
			err = p.createContainerNode(ctx, st, n, rn)
			if err == nil {
				st.result.Summary.ContainersCreated++
			}
		default:
			err = fmt.Errorf("pipeline: unsupported node kind %q", rn.image.Kind)
		}
		if err != nil {
			p.store.SetNodeState(st.labID, n.Name, catalog.StateFailed)
			return err
		}
		if err := p.store.SetNodeState(st.labID, n.Name, catalog.StateStarting); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) createVM(st *upState, n *catalog.Node, rn *resolvedNode) error {
	mac, err := alloc.MACFor(n.Model, st.labID, n.Index)
	if err != nil {
		return err
	}

	nicModel := "virtio"
	if rn.image.InterfacePrefix == "e1000" {
		nicModel = "e1000"
	}

	nics := []hyper.NICSpec{{
		Kind:   hyper.NICNetwork,
		Source: alloc.MgmtNetworkName(st.labID),
		MAC:    mac,
		Model:  nicModel,
	}}
	for _, l := range nodeLinks(st, n.Name) {
		if l.BridgeA == "" {
			continue // veth and udp links do not attach VMs via bridges
		}
		nics = append(nics, hyper.NICSpec{Kind: hyper.NICBridge, Source: l.BridgeA, Model: nicModel})
	}
	reserved := rn.spec.ReservedInterfaces
	if reserved == 0 {
		reserved = rn.image.ReservedInterfaces
	}
	for i := 0; i < reserved; i++ {
		nics = append(nics, hyper.NICSpec{
			Kind:   hyper.NICBridge,
			Source: alloc.IsolatedBridgeName(st.labID),
			Model:  nicModel,
		})
	}

	cpus := rn.spec.CPUCount
	if cpus == 0 {
		cpus = rn.image.CPUCount
	}
	if cpus == 0 {
		cpus = 1
	}
	mem := rn.spec.MemoryMB
	if mem == 0 {
		mem = rn.image.MemoryMB
	}
	if mem == 0 {
		mem = 2048
	}
	bus := rn.image.DiskBus
	if bus == "" {
		bus = "virtio"
	}

	spec := hyper.DomainSpec{
		Name:        alloc.DomainName(st.labID, n.Name),
		CPUCount:    cpus,
		CPUArch:     rn.image.CPUArch,
		CPUModel:    rn.image.CPUModel,
		MachineType: rn.image.MachineType,
		BIOS:        rn.image.BIOS,
		MemoryMB:    mem,
		Disks: []hyper.DiskSpec{
			{Path: p.labDiskPath(st.labID, n.Name), Bus: bus, Format: "qcow2"},
		},
		NICs:        nics,
		ConsolePort: 5000 + int(n.Index),
	}

	xml, err := hyper.DomainXML(spec)
	if err != nil {
		return err
	}
	if err := p.hv.DefineDomain(xml, spec.Name); err != nil {
		return err
	}
	return p.hv.StartDomain(spec.Name)
}

func (p *Pipeline) createContainerNode(ctx context.Context, st *upState, n *catalog.Node, rn *resolvedNode) error {
	mac, err := alloc.MACFor(n.Model, st.labID, n.Index)
	if err != nil {
		return err
	}

	var additional []engine.Attachment
	for _, l := range nodeLinks(st, n.Name) {
		if l.Kind != catalog.P2pBridge {
			continue
		}
		additional = append(additional, engine.Attachment{
			Network: alloc.DockerNetworkName(st.labID, l.Index),
		})
	}

	return p.eng.RunContainer(ctx, engine.RunSpec{
		Name:       alloc.ContainerName(st.labID, n.Name),
		Image:      fmt.Sprintf("%s:%s", rn.image.Repo, n.Version),
		Privileged: true,
		Management: engine.Attachment{
			Network: alloc.MgmtNetworkName(st.labID),
			IPv4:    n.MgmtIPv4,
			MAC:     mac,
		},
		Additional: additional,
	})
}

func (p *Pipeline) phaseSSHConfig(ctx context.Context, st *upState) error {
	path := p.cfg.LabDir(st.labID) + "/ssh_config"
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "# lab %s (%s)\n", st.labID, st.m.Name)
	for _, n := range st.nodes {
		fmt.Fprintf(f, "\nHost %s-%s\n    HostName %s\n    User %s\n    StrictHostKeyChecking no\n    UserKnownHostsFile /dev/null\n",
			st.labID, n.Name, n.MgmtIPv4, st.owner)
	}
	st.result.SSHConfigPath = path
	return nil
}

func (p *Pipeline) phaseReadiness(ctx context.Context, st *upState) error {
	var unreachable []string
	for _, n := range st.nodes {
		st.sink.Status(progress.NewStatus(progress.KindWaiting,
			fmt.Sprintf("waiting for %s (%s:22)", n.Name, n.MgmtIPv4)))
		util.WithNode(n.Name).Debugf("pipeline: waiting for ssh on %s", n.MgmtIPv4)
		if p.waitSSH(ctx, n.MgmtIPv4) {
			if err := p.store.SetNodeState(st.labID, n.Name, catalog.StateRunning); err != nil {
				return err
			}
			n.State = catalog.StateRunning
		} else {
			unreachable = append(unreachable, n.Name)
		}
	}
	if len(unreachable) == len(st.nodes) {
		return fmt.Errorf("no node became reachable: %v", unreachable)
	}
	if len(unreachable) > 0 {
		return fmt.Errorf("nodes not reachable within timeout: %v", unreachable)
	}
	return nil
}

// waitSSH polls TCP :22 until the node answers or the per-node timeout
// lapses. A successful connect is enough; no handshake is attempted.
func (p *Pipeline) waitSSH(ctx context.Context, ip string) bool {
	deadline := time.Now().Add(p.ReadinessTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip, "22"), 2*time.Second)
		if err == nil {
			conn.Close()
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.ReadinessSleep):
		}
	}
	return false
}
