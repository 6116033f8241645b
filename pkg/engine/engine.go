// Package engine wraps the Docker API for container nodes, the per-lab
// boot container, and the Docker networks that patch containers into lab
// links. Interface ordering inside a container follows the order its
// networks are attached, so attachments after start happen strictly in
// manifest link order.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/sherpa-labs/sherpa/pkg/util"
)

// Engine is a connected Docker client.
type Engine struct {
	cli *client.Client
}

// Connect opens a Docker client from the environment (DOCKER_HOST or the
// default unix socket), negotiating the API version with the daemon.
func Connect() (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, util.NewExternalError("docker", "connect", "", err)
	}
	return &Engine{cli: cli}, nil
}

// Close releases the client transport.
func (e *Engine) Close() error {
	return e.cli.Close()
}

// Attachment joins a container to one named network, optionally pinning
// its address and MAC on that network.
type Attachment struct {
	Network string
	IPv4    string
	MAC     string
}

// RunSpec describes one container to create and start.
type RunSpec struct {
	Name       string
	Image      string
	Env        []string
	Volumes    []string // bind mounts, "host:container[:mode]"
	Caps       []string // e.g. NET_ADMIN
	Command    []string
	Privileged bool

	// Management is the only network present at create time; Additional
	// are attached after start, in order.
	Management Attachment
	Additional []Attachment
}

func endpoint(a Attachment) *network.EndpointSettings {
	ep := &network.EndpointSettings{}
	if a.IPv4 != "" {
		ep.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: a.IPv4}
	}
	if a.MAC != "" {
		ep.MacAddress = a.MAC
	}
	return ep
}

// RunContainer creates and starts a container per spec. A failure to
// attach an additional network is returned but the container is left
// running; destroy's forced removal is the cleanup path.
func (e *Engine) RunContainer(ctx context.Context, spec RunSpec) error {
	cfg := &container.Config{
		Image:    spec.Image,
		Env:      spec.Env,
		Cmd:      strslice.StrSlice(spec.Command),
		Hostname: spec.Name,
	}
	host := &container.HostConfig{
		Binds:      spec.Volumes,
		CapAdd:     strslice.StrSlice(spec.Caps),
		Privileged: spec.Privileged,
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			spec.Management.Network: endpoint(spec.Management),
		},
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, host, netCfg, nil, spec.Name)
	if err != nil {
		return util.NewExternalError("docker", "create_container", spec.Name, err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return util.NewExternalError("docker", "start_container", spec.Name, err)
	}
	util.Debugf("engine: container %s running", spec.Name)

	for _, a := range spec.Additional {
		if err := e.cli.NetworkConnect(ctx, a.Network, resp.ID, endpoint(a)); err != nil {
			return util.NewExternalError("docker", "attach_network",
				fmt.Sprintf("%s->%s", spec.Name, a.Network), err)
		}
	}
	return nil
}

// CreateMacvlanNetwork creates a macvlan network on top of an existing
// host bridge. With an empty ipv4Prefix the null IPAM driver keeps Docker
// from assigning addresses and the guests speak raw L2 across the lab
// link; with a prefix, containers can take addresses on the segment.
func (e *Engine) CreateMacvlanNetwork(ctx context.Context, name, parentBridge, ipv4Prefix string) error {
	ipam := &network.IPAM{Driver: "null"}
	if ipv4Prefix != "" {
		ipam = &network.IPAM{Config: []network.IPAMConfig{{Subnet: ipv4Prefix}}}
	}
	_, err := e.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "macvlan",
		Options: map[string]string{
			"parent": parentBridge,
		},
		IPAM: ipam,
	})
	if err != nil {
		return util.NewExternalError("docker", "create_macvlan_network", name, err)
	}
	return nil
}

// RemoveNetwork deletes a Docker network by name.
func (e *Engine) RemoveNetwork(ctx context.Context, name string) error {
	if err := e.cli.NetworkRemove(ctx, name); err != nil {
		return util.NewExternalError("docker", "remove_network", name, err)
	}
	return nil
}

// ListNetworks returns the names of all Docker networks.
func (e *Engine) ListNetworks(ctx context.Context) ([]string, error) {
	nets, err := e.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, util.NewExternalError("docker", "list_networks", "*", err)
	}
	names := make([]string, 0, len(nets))
	for _, n := range nets {
		names = append(names, n.Name)
	}
	return names, nil
}

// ListContainers returns the names of all containers, running or not.
func (e *Engine) ListContainers(ctx context.Context) ([]string, error) {
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, util.NewExternalError("docker", "list_containers", "*", err)
	}
	var names []string
	for _, c := range containers {
		for _, n := range c.Names {
			if len(n) > 0 && n[0] == '/' {
				n = n[1:]
			}
			names = append(names, n)
		}
	}
	return names, nil
}

// StartContainer starts a stopped container by name.
func (e *Engine) StartContainer(ctx context.Context, name string) error {
	if err := e.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return util.NewExternalError("docker", "start_container", name, err)
	}
	return nil
}

// StopContainer stops a container with the daemon's default grace period.
func (e *Engine) StopContainer(ctx context.Context, name string) error {
	if err := e.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return util.NewExternalError("docker", "stop_container", name, err)
	}
	return nil
}

// RemoveContainer deletes a container, forcing removal of a running one
// when force is set.
func (e *Engine) RemoveContainer(ctx context.Context, name string, force bool) error {
	err := e.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: force})
	if err != nil {
		return util.NewExternalError("docker", "remove_container", name, err)
	}
	return nil
}

// PullImage pulls ref and drains the progress stream.
func (e *Engine) PullImage(ctx context.Context, ref string) error {
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return util.NewExternalError("docker", "pull_image", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return util.NewExternalError("docker", "pull_image", ref, err)
	}
	util.Debugf("engine: pulled %s", ref)
	return nil
}

// LoadImage streams a tar archive from path into the daemon.
func (e *Engine) LoadImage(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return util.NewExternalError("docker", "load_image", path, err)
	}
	defer f.Close()
	resp, err := e.cli.ImageLoad(ctx, f, true)
	if err != nil {
		return util.NewExternalError("docker", "load_image", path, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return util.NewExternalError("docker", "load_image", path, err)
	}
	return nil
}

// HasImage reports whether ref exists locally.
func (e *Engine) HasImage(ctx context.Context, ref string) (bool, error) {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, util.NewExternalError("docker", "inspect_image", ref, err)
	}
	return true, nil
}

// IsNotFound reports whether err is the daemon's no-such-object answer.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}
