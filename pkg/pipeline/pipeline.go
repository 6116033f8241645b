// Package pipeline orchestrates lab lifecycle: the 13-phase up sequence,
// the symmetric destroy sweep, and the smaller down/resume/inspect
// operations. Host subsystems are reached through the narrow adapter
// interfaces below so tests drive the pipelines against fakes.
package pipeline

import (
	"context"
	"time"

	"github.com/sherpa-labs/sherpa/pkg/catalog"
	"github.com/sherpa-labs/sherpa/pkg/config"
	"github.com/sherpa-labs/sherpa/pkg/engine"
)

// Netlink is the host link surface the pipelines use.
type Netlink interface {
	CreateBridge(name, alias string) error
	CreateVethPair(nameA, nameB, aliasA, aliasB string) error
	Enslave(iface, bridge string) error
	DeleteInterface(name string) error
	FindByFuzzy(substr string) ([]string, error)
}

// Hypervisor is the libvirt surface the pipelines use.
type Hypervisor interface {
	ListDomains() ([]string, error)
	DefineDomain(xml, name string) error
	StartDomain(name string) error
	ShutdownDomain(name string) error
	DestroyDomain(name string) error
	UndefineDomain(name string) error
	ListNetworks() ([]string, error)
	DefineNetwork(xml, name string) error
	RemoveNetwork(name string) error
	ListPools() ([]string, error)
	CreatePool(name, path string) error
	RemovePool(name string) error
	CloneDisk(src, dst string) error
}

// Containers is the Docker surface the pipelines use.
type Containers interface {
	RunContainer(ctx context.Context, spec engine.RunSpec) error
	CreateMacvlanNetwork(ctx context.Context, name, parentBridge, ipv4Prefix string) error
	RemoveNetwork(ctx context.Context, name string) error
	ListNetworks(ctx context.Context) ([]string, error)
	ListContainers(ctx context.Context) ([]string, error)
	StartContainer(ctx context.Context, name string) error
	StopContainer(ctx context.Context, name string) error
	RemoveContainer(ctx context.Context, name string, force bool) error
	HasImage(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	LoadImage(ctx context.Context, path string) error
}

// BootImage is the container image for the per-lab dnsmasq/tftp/http
// boot server.
const BootImage = "sherpa/sherpa-router:latest"

// Pipeline runs lab operations against one host.
type Pipeline struct {
	cfg   *config.Config
	store *catalog.Store
	nl    Netlink
	hv    Hypervisor
	eng   Containers

	// Readiness polling knobs; tests shrink them.
	ReadinessTimeout time.Duration
	ReadinessSleep   time.Duration
}

// New wires a pipeline.
func New(cfg *config.Config, store *catalog.Store, nl Netlink, hv Hypervisor, eng Containers) *Pipeline {
	return &Pipeline{
		cfg:              cfg,
		store:            store,
		nl:               nl,
		hv:               hv,
		eng:              eng,
		ReadinessTimeout: 600 * time.Second,
		ReadinessSleep:   10 * time.Second,
	}
}
