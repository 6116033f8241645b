package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/sherpa-labs/sherpa/pkg/catalog"
	"github.com/sherpa-labs/sherpa/pkg/ifmap"
	"github.com/sherpa-labs/sherpa/pkg/manifest"
	"github.com/sherpa-labs/sherpa/pkg/util"
)

// resolvedNode pairs a manifest node with its resolved catalog image.
type resolvedNode struct {
	spec  *manifest.NodeSpec
	image *catalog.NodeImage
}

// validate runs the full pre-pipeline check: static manifest rules, then
// the dynamic checks against the image catalog, the disk store, and the
// container engine. Nothing on the host is touched. On success it returns
// the resolved node set keyed by node name.
func (p *Pipeline) validate(ctx context.Context, m *manifest.Manifest) (map[string]*resolvedNode, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	v := &util.ValidationBuilder{}
	resolved := make(map[string]*resolvedNode, len(m.Nodes))

	for i := range m.Nodes {
		n := &m.Nodes[i]
		model := ifmap.Model(n.Model)

		img, err := p.resolveImage(model, n.Version)
		if err != nil {
			v.AddErrorf("node %q: %v", n.Name, err)
			continue
		}

		switch img.Kind {
		case catalog.KindVirtualMachine:
			disk := p.cfg.ImageDisk(string(model), img.Version)
			if _, err := os.Stat(disk); err != nil {
				v.AddErrorf("node %q: disk image %s not found", n.Name, disk)
			}
		case catalog.KindContainer:
			ref := fmt.Sprintf("%s:%s", img.Repo, img.Version)
			ok, err := p.eng.HasImage(ctx, ref)
			if err != nil {
				v.AddErrorf("node %q: check container image %s: %v", n.Name, ref, err)
			} else if !ok {
				v.AddErrorf("node %q: container image %s not present locally", n.Name, ref)
			}
		}

		resolved[n.Name] = &resolvedNode{spec: n, image: img}
	}

	// Link budget: links per node must fit inside the model's data
	// vocabulary minus its reserved tail.
	counts := m.LinksByNode()
	for name, rn := range resolved {
		reserved := rn.spec.ReservedInterfaces
		if reserved == 0 {
			reserved = rn.image.ReservedInterfaces
		}
		budget := ifmap.MaxDataInterfaces(ifmap.Model(rn.spec.Model)) - reserved
		if counts[name] > budget {
			v.AddErrorf("node %q: %d links exceed the %d usable interfaces (%d reserved)",
				name, counts[name], budget, reserved)
		}
	}

	if err := v.Build(); err != nil {
		return nil, err
	}
	return resolved, nil
}

// resolveImage finds the catalog entry for a node, trying the declared
// version then the per-kind default. The manifest does not state kind;
// the catalog is searched VM first, then container, then unikernel.
func (p *Pipeline) resolveImage(model ifmap.Model, version string) (*catalog.NodeImage, error) {
	kinds := []catalog.ImageKind{
		catalog.KindVirtualMachine,
		catalog.KindContainer,
		catalog.KindUnikernel,
	}
	var lastErr error
	for _, kind := range kinds {
		img, err := p.store.ResolveImage(model, kind, version)
		if err == nil {
			return img, nil
		}
		lastErr = err
	}
	if version != "" {
		return nil, fmt.Errorf("no image for %s version %q: %w", model, version, lastErr)
	}
	return nil, fmt.Errorf("no default image for %s: %w", model, lastErr)
}
