package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sherpa-labs/sherpa/pkg/alloc"
	"github.com/sherpa-labs/sherpa/pkg/catalog"
	"github.com/sherpa-labs/sherpa/pkg/ifmap"
	"github.com/sherpa-labs/sherpa/pkg/progress"
	"github.com/sherpa-labs/sherpa/pkg/util"
)

// DownResult reports a lab stop operation.
type DownResult struct {
	LabID   string   `json:"lab_id"`
	Stopped []string `json:"stopped"`
	Errors  []string `json:"errors,omitempty"`
}

// Down stops every node workload in the lab without releasing any
// resource: domains get a graceful shutdown, containers a stop, and the
// catalog records the stopped state. Per-node failures are reported but
// do not halt the sweep.
func (p *Pipeline) Down(ctx context.Context, labID string, sink progress.Sink) (*DownResult, error) {
	lab, err := p.store.GetLab(labID)
	if err != nil {
		return nil, err
	}
	nodes, err := p.store.ListNodes(labID)
	if err != nil {
		return nil, err
	}

	sink.Status(progress.NewStatus(progress.KindProgress, "stopping lab "+lab.Name))
	res := &DownResult{LabID: labID}

	if err := p.eng.StopContainer(ctx, alloc.BootContainerName(labID)); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("boot container: %v", err))
	}

	for _, n := range nodes {
		var err error
		switch n.Kind {
		case catalog.KindVirtualMachine:
			err = p.hv.ShutdownDomain(alloc.DomainName(labID, n.Name))
		case catalog.KindContainer:
			err = p.eng.StopContainer(ctx, alloc.ContainerName(labID, n.Name))
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", n.Name, err))
			continue
		}
		if err := p.store.SetNodeState(labID, n.Name, catalog.StateStopped); err != nil {
			return res, err
		}
		res.Stopped = append(res.Stopped, n.Name)
	}

	sink.Status(progress.NewStatus(progress.KindDone,
		fmt.Sprintf("lab %s stopped (%d nodes)", labID, len(res.Stopped))))
	return res, nil
}

// ResumeResult reports a lab resume operation.
type ResumeResult struct {
	LabID   string   `json:"lab_id"`
	Started []string `json:"started"`
	Errors  []string `json:"errors,omitempty"`
}

// Resume restarts a stopped lab's workloads in node-index order, boot
// container first so DHCP answers before the first guest asks.
func (p *Pipeline) Resume(ctx context.Context, labID string, sink progress.Sink) (*ResumeResult, error) {
	lab, err := p.store.GetLab(labID)
	if err != nil {
		return nil, err
	}
	nodes, err := p.store.ListNodes(labID)
	if err != nil {
		return nil, err
	}

	sink.Status(progress.NewStatus(progress.KindProgress, "resuming lab "+lab.Name))
	res := &ResumeResult{LabID: labID}

	if err := p.eng.StartContainer(ctx, alloc.BootContainerName(labID)); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("boot container: %v", err))
	}

	for _, n := range nodes {
		var err error
		switch n.Kind {
		case catalog.KindVirtualMachine:
			err = p.hv.StartDomain(alloc.DomainName(labID, n.Name))
		case catalog.KindContainer:
			err = p.eng.StartContainer(ctx, alloc.ContainerName(labID, n.Name))
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", n.Name, err))
			continue
		}
		if err := p.store.SetNodeState(labID, n.Name, catalog.StateStarting); err != nil {
			return res, err
		}
		res.Started = append(res.Started, n.Name)
	}

	sink.Status(progress.NewStatus(progress.KindDone,
		fmt.Sprintf("lab %s resuming (%d nodes)", labID, len(res.Started))))
	return res, nil
}

// InspectResult is the full catalog view of one lab.
type InspectResult struct {
	Lab   *catalog.Lab    `json:"lab"`
	Nodes []*catalog.Node `json:"nodes"`
	Links []*catalog.Link `json:"links"`
}

// Inspect reads a lab's catalog state. Nothing on the host is queried;
// the catalog is the source of truth for topology and recorded state.
func (p *Pipeline) Inspect(labID string) (*InspectResult, error) {
	lab, err := p.store.GetLab(labID)
	if err != nil {
		return nil, err
	}
	nodes, err := p.store.ListNodes(labID)
	if err != nil {
		return nil, err
	}
	links, err := p.store.ListLinks(labID)
	if err != nil {
		return nil, err
	}
	return &InspectResult{Lab: lab, Nodes: nodes, Links: links}, nil
}

// ResolveLab accepts either a lab ID or a lab name owned by username and
// returns the lab.
func (p *Pipeline) ResolveLab(ref, username string) (*catalog.Lab, error) {
	if lab, err := p.store.GetLab(ref); err == nil {
		return lab, nil
	}
	return p.store.FindLabByName(username, ref)
}

// ListImages returns catalog images, optionally filtered by model and
// kind (empty values match everything).
func (p *Pipeline) ListImages(model ifmap.Model, kind catalog.ImageKind) ([]*catalog.NodeImage, error) {
	if model != "" && !model.Valid() {
		return nil, fmt.Errorf("%w: unknown model %q", util.ErrInvalid, model)
	}
	if kind != "" && !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown image kind %q", util.ErrInvalid, kind)
	}
	return p.store.ListImages(model, kind)
}

// ImportImage brings an image into the store and registers it in the
// catalog. For VM images src is a local qcow2 copied into the image tree;
// for container images src is an image reference pulled through the
// engine, or a local tar archive loaded into it. With makeDefault the
// entry becomes the (model, kind) default.
func (p *Pipeline) ImportImage(ctx context.Context, model ifmap.Model, kind catalog.ImageKind, version, src string, makeDefault bool, sink progress.Sink) (*catalog.NodeImage, error) {
	if !model.Valid() {
		return nil, fmt.Errorf("%w: unknown model %q", util.ErrInvalid, model)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown image kind %q", util.ErrInvalid, kind)
	}
	if version == "" {
		return nil, fmt.Errorf("%w: image version is required", util.ErrInvalid)
	}

	img := &catalog.NodeImage{
		Model:   model,
		Kind:    kind,
		Version: version,
		Default: makeDefault,
	}

	switch kind {
	case catalog.KindVirtualMachine:
		if err := p.importDisk(src, model, version, sink); err != nil {
			return nil, err
		}
		img.DiskBus = "virtio"
	case catalog.KindContainer:
		repo, err := p.importContainerImage(ctx, src, version, sink)
		if err != nil {
			return nil, err
		}
		img.Repo = repo
	default:
		return nil, fmt.Errorf("%w: import of %s images is not supported", util.ErrInvalid, kind)
	}

	if err := p.store.CreateImage(img); err != nil {
		return nil, err
	}
	sink.Status(progress.NewStatus(progress.KindDone,
		fmt.Sprintf("image %s/%s %s imported", model, kind, version)))
	return img, nil
}

func (p *Pipeline) importDisk(src string, model ifmap.Model, version string, sink progress.Sink) error {
	if src == "" {
		return fmt.Errorf("%w: VM import requires a source qcow2 path", util.ErrInvalid)
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: source disk %s", util.ErrNotFound, src)
	}

	dst := p.cfg.ImageDisk(string(model), version)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("pipeline: create image directory: %w", err)
	}
	sink.Status(progress.NewStatus(progress.KindProgress,
		fmt.Sprintf("copying %s to the image store", filepath.Base(src))))
	return copyFile(src, dst)
}

// importContainerImage pulls a reference or loads a tar, returning the
// repo to record in the catalog.
func (p *Pipeline) importContainerImage(ctx context.Context, src, version string, sink progress.Sink) (string, error) {
	if src == "" {
		return "", fmt.Errorf("%w: container import requires an image reference or tar path", util.ErrInvalid)
	}
	if _, err := os.Stat(src); err == nil {
		sink.Status(progress.NewStatus(progress.KindProgress, "loading "+filepath.Base(src)))
		if err := p.eng.LoadImage(ctx, src); err != nil {
			return "", err
		}
		// The archive must carry the tag the catalog will resolve to.
		repo := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
		return repo, nil
	}

	sink.Status(progress.NewStatus(progress.KindProgress, "pulling "+src))
	ref := src
	repo := src
	if i := strings.LastIndex(src, ":"); i > strings.LastIndex(src, "/") {
		repo = src[:i]
	} else {
		ref = src + ":" + version
	}
	if err := p.eng.PullImage(ctx, ref); err != nil {
		return "", err
	}
	return repo, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("pipeline: open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("pipeline: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("pipeline: copy to %s: %w", dst, err)
	}
	return out.Close()
}

// EnsureStorage makes sure libvirt has a pool over the clone directory so
// defined domains can reference their disks. Already-present pools are
// fine.
func (p *Pipeline) EnsureStorage() error {
	pools, err := p.hv.ListPools()
	if err != nil {
		return err
	}
	for _, name := range pools {
		if name == "sherpa-images" {
			return nil
		}
	}
	if err := os.MkdirAll(p.cfg.LibvirtImagesDir(), 0o755); err != nil {
		return fmt.Errorf("pipeline: create clone directory: %w", err)
	}
	return p.hv.CreatePool("sherpa-images", p.cfg.LibvirtImagesDir())
}
