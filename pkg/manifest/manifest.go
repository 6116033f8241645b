// Package manifest parses and statically validates the declarative lab
// manifest submitted with an up RPC. Checks that need the image catalog or
// the host (image presence, version resolution) live in the pipeline's
// validator; everything knowable from the manifest text alone is here.
package manifest

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/sherpa-labs/sherpa/pkg/catalog"
	"github.com/sherpa-labs/sherpa/pkg/ifmap"
	"github.com/sherpa-labs/sherpa/pkg/util"
)

// Manifest is the declarative lab description.
type Manifest struct {
	Name  string     `toml:"name"`
	Nodes []NodeSpec `toml:"nodes"`
	Links []LinkSpec `toml:"links"`
}

// NodeSpec declares one node. Version empty means "catalog default".
type NodeSpec struct {
	Name               string `toml:"name"`
	Model              string `toml:"model"`
	Version            string `toml:"version"`
	CPUCount           int    `toml:"cpu_count"`
	MemoryMB           int    `toml:"memory"`
	ReservedInterfaces int    `toml:"reserved_interfaces"`
}

// LinkSpec declares one point-to-point link as "node::iface" endpoints.
type LinkSpec struct {
	Src  string `toml:"src"`
	Dst  string `toml:"dst"`
	Kind string `toml:"kind"` // default p2p_bridge
}

// Endpoint is one parsed side of a link.
type Endpoint struct {
	Node      string
	Interface string
}

// Parse decodes a TOML manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	return &m, nil
}

// ParseEndpoint splits "node::iface".
func ParseEndpoint(s string) (Endpoint, error) {
	parts := strings.SplitN(s, "::", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Endpoint{}, fmt.Errorf("manifest: invalid endpoint %q (expected node::interface)", s)
	}
	return Endpoint{Node: parts[0], Interface: parts[1]}, nil
}

// LinkKind resolves the wire kind string, defaulting to p2p_bridge.
func (l *LinkSpec) LinkKind() (catalog.LinkKind, error) {
	if l.Kind == "" {
		return catalog.P2pBridge, nil
	}
	k := catalog.LinkKind(l.Kind)
	if !k.Valid() {
		return "", fmt.Errorf("manifest: unknown link kind %q", l.Kind)
	}
	return k, nil
}

// Validate runs every static check. It accumulates problems and reports
// them all at once so the user fixes the manifest in one pass.
func (m *Manifest) Validate() error {
	v := &util.ValidationBuilder{}

	if m.Name == "" {
		v.AddError("lab name must not be empty")
	}
	if len(m.Nodes) == 0 {
		v.AddError("manifest declares no nodes")
	}

	nodes := make(map[string]*NodeSpec, len(m.Nodes))
	for i := range m.Nodes {
		n := &m.Nodes[i]
		if !catalog.ValidNodeName(n.Name) {
			v.AddErrorf("node %q: name must be 1-63 chars of [a-zA-Z0-9-]", n.Name)
			continue
		}
		if _, dup := nodes[n.Name]; dup {
			v.AddErrorf("node %q declared twice", n.Name)
			continue
		}
		model := ifmap.Model(n.Model)
		if !model.Valid() {
			v.AddErrorf("node %q: unknown model %q", n.Name, n.Model)
		}
		nodes[n.Name] = n
	}

	// (node, interface) pairs may appear in at most one link
	usedIfaces := map[string]int{}
	for i := range m.Links {
		l := &m.Links[i]
		if _, err := l.LinkKind(); err != nil {
			v.AddErrorf("link %d: %v", i, err)
		}

		src, srcErr := ParseEndpoint(l.Src)
		if srcErr != nil {
			v.AddErrorf("link %d: %v", i, srcErr)
		}
		dst, dstErr := ParseEndpoint(l.Dst)
		if dstErr != nil {
			v.AddErrorf("link %d: %v", i, dstErr)
		}
		if srcErr != nil || dstErr != nil {
			continue
		}

		if src.Node == dst.Node && src.Interface == dst.Interface {
			v.AddErrorf("link %d: both endpoints are %s::%s", i, src.Node, src.Interface)
		}

		for _, ep := range []Endpoint{src, dst} {
			n, ok := nodes[ep.Node]
			if !ok {
				v.AddErrorf("link %d: endpoint node %q is not declared", i, ep.Node)
				continue
			}
			model := ifmap.Model(n.Model)
			if !model.Valid() {
				continue // already reported above
			}
			if ifmap.IsManagement(model, ep.Interface) {
				v.AddErrorf("link %d: %s::%s is the management interface and cannot carry links",
					i, ep.Node, ep.Interface)
				continue
			}
			if _, err := ifmap.InterfaceToIndex(model, ep.Interface); err != nil {
				v.AddErrorf("link %d: interface %q is not valid for %s (model %s)",
					i, ep.Interface, ep.Node, model)
				continue
			}
			key := ep.Node + "::" + ep.Interface
			if prev, dup := usedIfaces[key]; dup {
				v.AddErrorf("link %d: %s already used by link %d", i, key, prev)
			} else {
				usedIfaces[key] = i
			}
		}
	}

	return v.Build()
}

// LinksByNode counts link endpoints per node name.
func (m *Manifest) LinksByNode() map[string]int {
	counts := map[string]int{}
	for _, l := range m.Links {
		if src, err := ParseEndpoint(l.Src); err == nil {
			counts[src.Node]++
		}
		if dst, err := ParseEndpoint(l.Dst); err == nil {
			counts[dst.Node]++
		}
	}
	return counts
}
