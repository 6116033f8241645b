package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sherpa-labs/sherpa/pkg/progress"
	"github.com/sherpa-labs/sherpa/pkg/util"
)

// ResourceError records one failed tear-down step.
type ResourceError struct {
	ResourceType string `json:"resource_type"`
	ResourceName string `json:"resource_name"`
	Message      string `json:"message"`
}

// DestroySummary is the canonical outcome of destroy and clean. Success
// means no step failed; partial failure is reported, never hidden.
type DestroySummary struct {
	LabID string `json:"lab_id"`

	ContainersDestroyed      []string `json:"containers_destroyed"`
	ContainersFailed         []string `json:"containers_failed,omitempty"`
	VMsDestroyed             []string `json:"vms_destroyed"`
	VMsFailed                []string `json:"vms_failed,omitempty"`
	DockerNetworksDestroyed  []string `json:"docker_networks_destroyed"`
	DockerNetworksFailed     []string `json:"docker_networks_failed,omitempty"`
	LibvirtNetworksDestroyed []string `json:"libvirt_networks_destroyed"`
	LibvirtNetworksFailed    []string `json:"libvirt_networks_failed,omitempty"`
	InterfacesDestroyed      []string `json:"interfaces_destroyed"`
	InterfacesFailed         []string `json:"interfaces_failed,omitempty"`

	CatalogDeleted      bool `json:"catalog_deleted"`
	LabDirectoryDeleted bool `json:"lab_directory_deleted"`

	Errors  []ResourceError `json:"errors,omitempty"`
	Success bool            `json:"success"`
}

func (s *DestroySummary) fail(resourceType, name string, err error) {
	s.Errors = append(s.Errors, ResourceError{
		ResourceType: resourceType,
		ResourceName: name,
		Message:      err.Error(),
	})
}

// Destroy tears down every host resource carrying the lab's ID, then the
// catalog rows and the lab directory. Every step is attempted regardless
// of earlier failures; the summary carries the full accounting. With
// tolerateMissing (the admin clean path and auto-destroy), a lab unknown
// to the catalog is not an error.
func (p *Pipeline) Destroy(ctx context.Context, labID string, tolerateMissing bool, sink progress.Sink) (*DestroySummary, error) {
	sum := &DestroySummary{LabID: labID}

	if _, err := p.store.GetLab(labID); err != nil {
		if !errors.Is(err, util.ErrNotFound) {
			return nil, err
		}
		// Destroy proper still sweeps: the catalog row may be gone while
		// host resources linger. The on-disk record, when it survived,
		// still names the lab for the log trail.
		if info, ierr := readLabInfo(p.cfg.LabInfoFile(labID)); ierr == nil {
			util.WithLab(labID).Infof("pipeline: destroying catalog-less lab %q (owner %s)", info.Name, info.Owner)
		} else if !tolerateMissing {
			util.WithLab(labID).Debugf("pipeline: destroy without catalog row")
		}
	}

	sink.Status(progress.NewStatus(progress.KindProgress, "destroying lab "+labID))

	p.destroyContainers(ctx, labID, sum)
	p.destroyVMs(labID, sum)
	p.destroyDockerNetworks(ctx, labID, sum)
	p.destroyLibvirtNetworks(labID, sum)
	p.destroyInterfaces(labID, sum)
	p.destroyCatalog(labID, sum)
	p.destroyLabDir(labID, sum)

	sum.Success = len(sum.Errors) == 0
	kind := progress.KindDone
	msg := "lab " + labID + " destroyed"
	if !sum.Success {
		kind = progress.KindInfo
		msg = fmt.Sprintf("lab %s destroyed with %d failures", labID, len(sum.Errors))
	}
	sink.Status(progress.NewStatus(kind, msg))
	return sum, nil
}

func (p *Pipeline) destroyContainers(ctx context.Context, labID string, sum *DestroySummary) {
	names, err := p.eng.ListContainers(ctx)
	if err != nil {
		sum.fail("container", "*", err)
		return
	}
	for _, name := range names {
		if !strings.HasPrefix(name, labID+"-") {
			continue
		}
		if err := p.eng.RemoveContainer(ctx, name, true); err != nil {
			sum.ContainersFailed = append(sum.ContainersFailed, name)
			sum.fail("container", name, err)
			continue
		}
		sum.ContainersDestroyed = append(sum.ContainersDestroyed, name)
	}
}

func (p *Pipeline) destroyVMs(labID string, sum *DestroySummary) {
	names, err := p.hv.ListDomains()
	if err != nil {
		sum.fail("vm", "*", err)
		return
	}
	for _, name := range names {
		if !strings.HasPrefix(name, labID+"-") {
			continue
		}
		// Hard-stop; a stopped domain just fails the destroy call and
		// proceeds to undefine.
		if err := p.hv.DestroyDomain(name); err != nil {
			util.WithLab(labID).Debugf("pipeline: destroy domain %s: %v", name, err)
		}
		if err := p.hv.UndefineDomain(name); err != nil {
			sum.VMsFailed = append(sum.VMsFailed, name)
			sum.fail("vm", name, err)
			continue
		}
		sum.VMsDestroyed = append(sum.VMsDestroyed, name)
	}

	disks, err := filepath.Glob(filepath.Join(p.cfg.LibvirtImagesDir(), labID+"-*.qcow2"))
	if err == nil {
		for _, disk := range disks {
			if err := os.Remove(disk); err != nil {
				sum.fail("disk", disk, err)
			}
		}
	}
}

func (p *Pipeline) destroyDockerNetworks(ctx context.Context, labID string, sum *DestroySummary) {
	names, err := p.eng.ListNetworks(ctx)
	if err != nil {
		sum.fail("docker_network", "*", err)
		return
	}
	for _, name := range names {
		if !strings.Contains(name, labID) {
			continue
		}
		if err := p.eng.RemoveNetwork(ctx, name); err != nil {
			sum.DockerNetworksFailed = append(sum.DockerNetworksFailed, name)
			sum.fail("docker_network", name, err)
			continue
		}
		sum.DockerNetworksDestroyed = append(sum.DockerNetworksDestroyed, name)
	}
}

func (p *Pipeline) destroyLibvirtNetworks(labID string, sum *DestroySummary) {
	names, err := p.hv.ListNetworks()
	if err != nil {
		sum.fail("libvirt_network", "*", err)
		return
	}
	for _, name := range names {
		if !strings.Contains(name, labID) {
			continue
		}
		if err := p.hv.RemoveNetwork(name); err != nil {
			sum.LibvirtNetworksFailed = append(sum.LibvirtNetworksFailed, name)
			sum.fail("libvirt_network", name, err)
			continue
		}
		sum.LibvirtNetworksDestroyed = append(sum.LibvirtNetworksDestroyed, name)
	}

	// Stale per-lab storage pools from older runs are swept with the
	// networks.
	pools, err := p.hv.ListPools()
	if err != nil {
		sum.fail("libvirt_pool", "*", err)
		return
	}
	for _, name := range pools {
		if !strings.Contains(name, labID) {
			continue
		}
		if err := p.hv.RemovePool(name); err != nil {
			sum.fail("libvirt_pool", name, err)
		}
	}
}

// destroyInterfaces sweeps the lab's bridges and veths by the ID
// fragments embedded in their names.
func (p *Pipeline) destroyInterfaces(labID string, sum *DestroySummary) {
	fragments := []string{
		util.Truncate(labID, 5), // brm/bri suffix
		util.Truncate(labID, 3), // brl/vea/veb infix
	}
	seen := map[string]bool{}
	for _, frag := range fragments {
		names, err := p.nl.FindByFuzzy(frag)
		if err != nil {
			sum.fail("interface", "*", err)
			return
		}
		for _, name := range names {
			if seen[name] || !labInterface(name, labID) {
				continue
			}
			seen[name] = true
			if err := p.nl.DeleteInterface(name); err != nil {
				sum.InterfacesFailed = append(sum.InterfacesFailed, name)
				sum.fail("interface", name, err)
				continue
			}
			sum.InterfacesDestroyed = append(sum.InterfacesDestroyed, name)
		}
	}
}

// labInterface reports whether a host link name belongs to the lab's
// deterministic namespace. The fuzzy match alone would also hit foreign
// links whose names merely contain the fragment.
func labInterface(name, labID string) bool {
	frag5 := util.Truncate(labID, 5)
	frag3 := util.Truncate(labID, 3)
	switch {
	case name == "brm"+frag5 || name == "bri"+frag5:
		return true
	case strings.HasPrefix(name, "brl"+frag3),
		strings.HasPrefix(name, "vea"+frag3),
		strings.HasPrefix(name, "veb"+frag3):
		return true
	}
	return false
}

func (p *Pipeline) destroyCatalog(labID string, sum *DestroySummary) {
	err := p.store.CascadeDeleteLab(labID)
	if err == nil {
		sum.CatalogDeleted = true
		return
	}
	if errors.Is(err, util.ErrNotFound) {
		return // second destroy, nothing recorded
	}
	sum.fail("catalog", labID, err)
}

func (p *Pipeline) destroyLabDir(labID string, sum *DestroySummary) {
	dir := p.cfg.LabDir(labID)
	if err := os.RemoveAll(dir); err != nil {
		sum.fail("lab_directory", dir, err)
		return
	}
	sum.LabDirectoryDeleted = true
}
