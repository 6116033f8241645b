package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sherpa-labs/sherpa/pkg/catalog"
	"github.com/sherpa-labs/sherpa/pkg/config"
	"github.com/sherpa-labs/sherpa/pkg/engine"
	"github.com/sherpa-labs/sherpa/pkg/ifmap"
	"github.com/sherpa-labs/sherpa/pkg/progress"
	"github.com/sherpa-labs/sherpa/pkg/util"
)

const miniManifest = `
name = "mini"

[[nodes]]
name = "r1"
model = "ubuntu_linux"

[[nodes]]
name = "r2"
model = "ubuntu_linux"

[[links]]
src = "r1::eth1"
dst = "r2::eth1"
`

type fakeNetlink struct {
	bridges  []string
	veths    []string
	enslaved map[string]string
	deleted  []string

	failBridge error
}

func (f *fakeNetlink) CreateBridge(name, alias string) error {
	if f.failBridge != nil {
		return f.failBridge
	}
	f.bridges = append(f.bridges, name)
	return nil
}

func (f *fakeNetlink) CreateVethPair(a, b, aliasA, aliasB string) error {
	f.veths = append(f.veths, a, b)
	return nil
}

func (f *fakeNetlink) Enslave(iface, bridge string) error {
	if f.enslaved == nil {
		f.enslaved = map[string]string{}
	}
	f.enslaved[iface] = bridge
	return nil
}

func (f *fakeNetlink) DeleteInterface(name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeNetlink) FindByFuzzy(substr string) ([]string, error) {
	var out []string
	for _, n := range append(append([]string{}, f.bridges...), f.veths...) {
		if strings.Contains(n, substr) && !contains(f.deleted, n) {
			out = append(out, n)
		}
	}
	return out, nil
}

type fakeHypervisor struct {
	domains  map[string]bool // name -> running
	networks []string
	pools    []string
	clones   map[string]string // dst -> src

	failDefineNetwork error
	failStartDomain   error
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{domains: map[string]bool{}, clones: map[string]string{}}
}

func (f *fakeHypervisor) ListDomains() ([]string, error) {
	var out []string
	for name := range f.domains {
		out = append(out, name)
	}
	return out, nil
}

func (f *fakeHypervisor) DefineDomain(xml, name string) error {
	f.domains[name] = false
	return nil
}

func (f *fakeHypervisor) StartDomain(name string) error {
	if f.failStartDomain != nil {
		return f.failStartDomain
	}
	if _, ok := f.domains[name]; !ok {
		return fmt.Errorf("no domain %s", name)
	}
	f.domains[name] = true
	return nil
}

func (f *fakeHypervisor) ShutdownDomain(name string) error {
	f.domains[name] = false
	return nil
}

func (f *fakeHypervisor) DestroyDomain(name string) error {
	f.domains[name] = false
	return nil
}

func (f *fakeHypervisor) UndefineDomain(name string) error {
	delete(f.domains, name)
	return nil
}

func (f *fakeHypervisor) ListNetworks() ([]string, error) {
	return append([]string{}, f.networks...), nil
}

func (f *fakeHypervisor) DefineNetwork(xml, name string) error {
	if f.failDefineNetwork != nil {
		return f.failDefineNetwork
	}
	f.networks = append(f.networks, name)
	return nil
}

func (f *fakeHypervisor) RemoveNetwork(name string) error {
	f.networks = remove(f.networks, name)
	return nil
}

func (f *fakeHypervisor) ListPools() ([]string, error) {
	return append([]string{}, f.pools...), nil
}

func (f *fakeHypervisor) CreatePool(name, path string) error {
	f.pools = append(f.pools, name)
	return nil
}

func (f *fakeHypervisor) RemovePool(name string) error {
	f.pools = remove(f.pools, name)
	return nil
}

func (f *fakeHypervisor) CloneDisk(src, dst string) error {
	f.clones[dst] = src
	return nil
}

type fakeEngine struct {
	containers map[string]bool // name -> running
	networks   []string
	images     map[string]bool
	loaded     []string
	pulled     []string

	failLinkNetwork error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: map[string]bool{}, images: map[string]bool{}}
}

func (f *fakeEngine) RunContainer(ctx context.Context, spec engine.RunSpec) error {
	f.containers[spec.Name] = true
	return nil
}

func (f *fakeEngine) CreateMacvlanNetwork(ctx context.Context, name, parent, prefix string) error {
	if f.failLinkNetwork != nil && strings.Contains(name, "-link") {
		return f.failLinkNetwork
	}
	f.networks = append(f.networks, name)
	return nil
}

func (f *fakeEngine) RemoveNetwork(ctx context.Context, name string) error {
	f.networks = remove(f.networks, name)
	return nil
}

func (f *fakeEngine) ListNetworks(ctx context.Context) ([]string, error) {
	return append([]string{}, f.networks...), nil
}

func (f *fakeEngine) ListContainers(ctx context.Context) ([]string, error) {
	var out []string
	for name := range f.containers {
		out = append(out, name)
	}
	return out, nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, name string) error {
	if _, ok := f.containers[name]; !ok {
		return fmt.Errorf("no container %s", name)
	}
	f.containers[name] = true
	return nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, name string) error {
	if _, ok := f.containers[name]; !ok {
		return fmt.Errorf("no container %s", name)
	}
	f.containers[name] = false
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, name string, force bool) error {
	delete(f.containers, name)
	return nil
}

func (f *fakeEngine) HasImage(ctx context.Context, ref string) (bool, error) {
	return f.images[ref], nil
}

func (f *fakeEngine) PullImage(ctx context.Context, ref string) error {
	f.pulled = append(f.pulled, ref)
	f.images[ref] = true
	return nil
}

func (f *fakeEngine) LoadImage(ctx context.Context, path string) error {
	f.loaded = append(f.loaded, path)
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	var out []string
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

type testEnv struct {
	p   *Pipeline
	cfg *config.Config
	st  *catalog.Store
	nl  *fakeNetlink
	hv  *fakeHypervisor
	eng *fakeEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.ServerRoot = t.TempDir()
	// Loopback ranges make the readiness dial fail instantly instead of
	// timing out against a routable address.
	cfg.Management.Supernet = "127.131.0.0/16"
	cfg.Loopback.Supernet = "127.127.0.0/16"

	store, err := catalog.Open(filepath.Join(cfg.ServerRoot, "data"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.CreateUser(&catalog.User{
		Username:     "alice",
		PasswordHash: "x",
		SSHKeys:      []string{"ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIPEwUTTjCDMiyFC8EyhY589vNmVlHThKAODbtrR1SsKw alice"},
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := store.CreateImage(&catalog.NodeImage{
		Model:   ifmap.UbuntuLinux,
		Kind:    catalog.KindVirtualMachine,
		Version: "24.04",
		Default: true,
	}); err != nil {
		t.Fatalf("create image: %v", err)
	}
	disk := cfg.ImageDisk("ubuntu_linux", "24.04")
	if err := os.MkdirAll(filepath.Dir(disk), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(disk, []byte("qcow2"), 0o644); err != nil {
		t.Fatal(err)
	}

	nl := &fakeNetlink{}
	hv := newFakeHypervisor()
	eng := newFakeEngine()
	p := New(cfg, store, nl, hv, eng)
	p.ReadinessTimeout = 20 * time.Millisecond
	p.ReadinessSleep = 5 * time.Millisecond

	return &testEnv{p: p, cfg: cfg, st: store, nl: nl, hv: hv, eng: eng}
}

func TestUpMiniLab(t *testing.T) {
	env := newTestEnv(t)
	sink := &progress.Collector{}

	res, err := env.p.Up(context.Background(), "testlab0", miniManifest, "alice", sink)
	if err != nil {
		t.Fatalf("up: %v", err)
	}

	if res.Summary.VMsCreated != 2 {
		t.Errorf("VMsCreated = %d, want 2", res.Summary.VMsCreated)
	}
	if res.Summary.NetworksCreated != 1 {
		t.Errorf("NetworksCreated = %d, want 1", res.Summary.NetworksCreated)
	}
	if res.Summary.BridgesCreated != 1 {
		t.Errorf("BridgesCreated = %d, want 1", res.Summary.BridgesCreated)
	}
	if res.Summary.InterfacesCreated != 2 {
		t.Errorf("InterfacesCreated = %d, want 2", res.Summary.InterfacesCreated)
	}
	if res.Summary.ContainersCreated != 1 {
		t.Errorf("ContainersCreated = %d, want 1 (boot container)", res.Summary.ContainersCreated)
	}

	if len(res.PhasesCompleted) != progress.TotalPhases {
		t.Errorf("PhasesCompleted = %d phases, want %d: %v",
			len(res.PhasesCompleted), progress.TotalPhases, res.PhasesCompleted)
	}

	// Nothing answers :22 in the test, so readiness reports but does not fail
	// the pipeline.
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, "readiness") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a readiness error in %v", res.Errors)
	}

	if res.NodeIPs["r1"] != "127.131.1.11" || res.NodeIPs["r2"] != "127.131.1.12" {
		t.Errorf("unexpected node IPs: %v", res.NodeIPs)
	}

	lab, err := env.st.GetLab("testlab0")
	if err != nil {
		t.Fatalf("lab not in catalog: %v", err)
	}
	if lab.Owner != "alice" || lab.ManagementNetwork != "127.131.1.0/24" {
		t.Errorf("lab = %+v", lab)
	}

	if !env.hv.domains["testlab0-r1"] || !env.hv.domains["testlab0-r2"] {
		t.Errorf("domains not running: %v", env.hv.domains)
	}
	if !env.eng.containers["testlab0-sherpa-router"] {
		t.Errorf("boot container not running: %v", env.eng.containers)
	}
	if env.nl.enslaved["veates001"] != "brltes001" {
		t.Errorf("veth side a not enslaved: %v", env.nl.enslaved)
	}

	if len(env.hv.clones) != 2 {
		t.Errorf("clones = %v, want 2", env.hv.clones)
	}

	if _, err := os.Stat(res.SSHConfigPath); err != nil {
		t.Errorf("ssh config missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.ZTPDir("testlab0"), "dnsmasq", "dnsmasq.conf")); err != nil {
		t.Errorf("dnsmasq.conf missing: %v", err)
	}
}

func TestUpValidationFailureTouchesNothing(t *testing.T) {
	env := newTestEnv(t)

	bad := strings.Replace(miniManifest, "ubuntu_linux", "vax_8600", 2)
	_, err := env.p.Up(context.Background(), "testlab1", bad, "alice", progress.NullSink{})
	if !errors.Is(err, util.ErrValidationFailed) {
		t.Fatalf("err = %v, want validation failure", err)
	}

	if _, err := env.st.GetLab("testlab1"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("lab should not exist after validation failure, got %v", err)
	}
	if len(env.nl.bridges) != 0 || len(env.hv.networks) != 0 || len(env.eng.containers) != 0 {
		t.Errorf("host touched: bridges=%v networks=%v containers=%v",
			env.nl.bridges, env.hv.networks, env.eng.containers)
	}
}

func TestUpCriticalFailureDestroysPartialLab(t *testing.T) {
	env := newTestEnv(t)
	env.hv.failDefineNetwork = errors.New("libvirt down")

	_, err := env.p.Up(context.Background(), "testlab2", miniManifest, "alice", progress.NullSink{})
	if !errors.Is(err, util.ErrFatal) {
		t.Fatalf("err = %v, want fatal", err)
	}

	if _, err := env.st.GetLab("testlab2"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("lab should be gone after auto-destroy, got %v", err)
	}
	if _, err := os.Stat(env.cfg.LabDir("testlab2")); !os.IsNotExist(err) {
		t.Errorf("lab directory should be gone, stat err = %v", err)
	}
}

func TestDestroy(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.p.Up(context.Background(), "testlab3", miniManifest, "alice", progress.NullSink{}); err != nil {
		t.Fatalf("up: %v", err)
	}

	sum, err := env.p.Destroy(context.Background(), "testlab3", false, progress.NullSink{})
	if err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if !sum.Success {
		t.Fatalf("destroy not successful: %+v", sum.Errors)
	}
	if len(sum.VMsDestroyed) != 2 {
		t.Errorf("VMsDestroyed = %v, want 2", sum.VMsDestroyed)
	}
	if len(sum.ContainersDestroyed) != 1 {
		t.Errorf("ContainersDestroyed = %v, want 1", sum.ContainersDestroyed)
	}
	if !sum.CatalogDeleted || !sum.LabDirectoryDeleted {
		t.Errorf("catalog/dir not deleted: %+v", sum)
	}
	if len(env.hv.domains) != 0 || len(env.eng.containers) != 0 {
		t.Errorf("host resources remain: %v %v", env.hv.domains, env.eng.containers)
	}

	t.Run("idempotent", func(t *testing.T) {
		sum, err := env.p.Destroy(context.Background(), "testlab3", true, progress.NullSink{})
		if err != nil {
			t.Fatalf("second destroy: %v", err)
		}
		if !sum.Success {
			t.Fatalf("second destroy not successful: %+v", sum.Errors)
		}
		if len(sum.VMsDestroyed) != 0 || len(sum.ContainersDestroyed) != 0 {
			t.Errorf("second destroy found resources: %+v", sum)
		}
	})
}

func TestDownAndResume(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.p.Up(context.Background(), "testlab4", miniManifest, "alice", progress.NullSink{}); err != nil {
		t.Fatalf("up: %v", err)
	}

	down, err := env.p.Down(context.Background(), "testlab4", progress.NullSink{})
	if err != nil {
		t.Fatalf("down: %v", err)
	}
	if len(down.Stopped) != 2 || len(down.Errors) != 0 {
		t.Fatalf("down = %+v", down)
	}
	nodes, _ := env.st.ListNodes("testlab4")
	for _, n := range nodes {
		if n.State != catalog.StateStopped {
			t.Errorf("node %s state = %s, want stopped", n.Name, n.State)
		}
	}
	if env.eng.containers["testlab4-sherpa-router"] {
		t.Error("boot container still running after down")
	}

	res, err := env.p.Resume(context.Background(), "testlab4", progress.NullSink{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(res.Started) != 2 || len(res.Errors) != 0 {
		t.Fatalf("resume = %+v", res)
	}
	nodes, _ = env.st.ListNodes("testlab4")
	for _, n := range nodes {
		if n.State != catalog.StateStarting {
			t.Errorf("node %s state = %s, want starting", n.Name, n.State)
		}
	}
	if !env.hv.domains["testlab4-r1"] {
		t.Error("domain r1 not running after resume")
	}
}

func TestInspect(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.p.Up(context.Background(), "testlab5", miniManifest, "alice", progress.NullSink{}); err != nil {
		t.Fatalf("up: %v", err)
	}

	res, err := env.p.Inspect("testlab5")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if res.Lab.Name != "mini" || len(res.Nodes) != 2 || len(res.Links) != 1 {
		t.Errorf("inspect = lab %q, %d nodes, %d links", res.Lab.Name, len(res.Nodes), len(res.Links))
	}
	if res.Links[0].BridgeA == "" || res.Links[0].VethA == "" {
		t.Errorf("link wiring not recorded: %+v", res.Links[0])
	}

	if _, err := env.p.Inspect("no-such-l"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestImportImage(t *testing.T) {
	env := newTestEnv(t)

	t.Run("vm disk", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "ceos.qcow2")
		if err := os.WriteFile(src, []byte("disk"), 0o644); err != nil {
			t.Fatal(err)
		}
		img, err := env.p.ImportImage(context.Background(), ifmap.AristaVEOS,
			catalog.KindVirtualMachine, "4.32.1F", src, true, progress.NullSink{})
		if err != nil {
			t.Fatalf("import: %v", err)
		}
		if !img.Default {
			t.Error("image not default")
		}
		if _, err := os.Stat(env.cfg.ImageDisk("arista_veos", "4.32.1F")); err != nil {
			t.Errorf("disk not copied: %v", err)
		}
		if _, err := env.st.ResolveImage(ifmap.AristaVEOS, catalog.KindVirtualMachine, ""); err != nil {
			t.Errorf("default not resolvable: %v", err)
		}
	})

	t.Run("container pull", func(t *testing.T) {
		img, err := env.p.ImportImage(context.Background(), ifmap.AristaCEOS,
			catalog.KindContainer, "4.32.0F", "ceosimage:4.32.0F", false, progress.NullSink{})
		if err != nil {
			t.Fatalf("import: %v", err)
		}
		if img.Repo != "ceosimage" {
			t.Errorf("repo = %q, want ceosimage", img.Repo)
		}
		if len(env.eng.pulled) != 1 || env.eng.pulled[0] != "ceosimage:4.32.0F" {
			t.Errorf("pulled = %v", env.eng.pulled)
		}
	})

	t.Run("bad model", func(t *testing.T) {
		_, err := env.p.ImportImage(context.Background(), "vax_8600",
			catalog.KindVirtualMachine, "1.0", "x", false, progress.NullSink{})
		if !errors.Is(err, util.ErrInvalid) {
			t.Errorf("err = %v, want invalid", err)
		}
	})
}

const mixedManifest = `
name = "mixed"

[[nodes]]
name = "r1"
model = "ubuntu_linux"

[[nodes]]
name = "c1"
model = "arista_ceos"

[[links]]
src = "r1::eth1"
dst = "c1::Ethernet1"
`

// addCEOSImage registers a container image so manifests can mix VM and
// container nodes.
func addCEOSImage(t *testing.T, env *testEnv) {
	t.Helper()
	if err := env.st.CreateImage(&catalog.NodeImage{
		Model:   ifmap.AristaCEOS,
		Kind:    catalog.KindContainer,
		Version: "4.32.0F",
		Repo:    "ceosimage",
		Default: true,
	}); err != nil {
		t.Fatalf("create ceos image: %v", err)
	}
	env.eng.images["ceosimage:4.32.0F"] = true
}

func TestUpMixedLab(t *testing.T) {
	env := newTestEnv(t)
	addCEOSImage(t, env)

	res, err := env.p.Up(context.Background(), "testlab6", mixedManifest, "alice", progress.NullSink{})
	if err != nil {
		t.Fatalf("up: %v", err)
	}

	if res.Summary.VMsCreated != 1 {
		t.Errorf("VMsCreated = %d, want 1", res.Summary.VMsCreated)
	}
	if res.Summary.ContainersCreated != 2 {
		t.Errorf("ContainersCreated = %d, want 2 (boot + c1)", res.Summary.ContainersCreated)
	}
	if !env.eng.containers["testlab6-c1"] {
		t.Errorf("container node not running: %v", env.eng.containers)
	}
	if !env.hv.domains["testlab6-r1"] {
		t.Errorf("vm node not running: %v", env.hv.domains)
	}
	// The cross-kind link needs a docker network riding the link bridge.
	if !contains(env.eng.networks, "testlab6-link001") {
		t.Errorf("link network missing: %v", env.eng.networks)
	}
}

func TestUpContainerNetworkFailureIsFatal(t *testing.T) {
	env := newTestEnv(t)
	addCEOSImage(t, env)
	env.eng.failLinkNetwork = errors.New("docker daemon gone")

	_, err := env.p.Up(context.Background(), "testlab7", mixedManifest, "alice", progress.NullSink{})
	if !errors.Is(err, util.ErrFatal) {
		t.Fatalf("err = %v, want fatal", err)
	}

	if _, err := env.st.GetLab("testlab7"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("lab should be gone after auto-destroy, got %v", err)
	}
	if _, err := os.Stat(env.cfg.LabDir("testlab7")); !os.IsNotExist(err) {
		t.Errorf("lab directory should be gone, stat err = %v", err)
	}
}

// A VM-only lab tolerates the same failure: the container attach
// networks are cosmetic when nothing attaches through them.
func TestUpVMOnlyLabToleratesContainerNetworkFailure(t *testing.T) {
	env := newTestEnv(t)
	env.eng.failLinkNetwork = errors.New("docker daemon gone")

	res, err := env.p.Up(context.Background(), "testlab8", miniManifest, "alice", progress.NullSink{})
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if res.Summary.VMsCreated != 2 {
		t.Errorf("VMsCreated = %d, want 2", res.Summary.VMsCreated)
	}
}

func TestUpReservedInterfacesDefineIsolatedNetwork(t *testing.T) {
	env := newTestEnv(t)

	reserved := strings.Replace(miniManifest,
		`model = "ubuntu_linux"

[[nodes]]`,
		`model = "ubuntu_linux"
reserved_interfaces = 2

[[nodes]]`, 1)

	res, err := env.p.Up(context.Background(), "testlab9", reserved, "alice", progress.NullSink{})
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if !contains(env.hv.networks, "testlab9-isolated") {
		t.Errorf("isolated network missing: %v", env.hv.networks)
	}
	if res.Summary.NetworksCreated != 2 {
		t.Errorf("NetworksCreated = %d, want 2", res.Summary.NetworksCreated)
	}
}

func TestEnsureStorage(t *testing.T) {
	env := newTestEnv(t)
	if err := env.p.EnsureStorage(); err != nil {
		t.Fatalf("ensure storage: %v", err)
	}
	if !contains(env.hv.pools, "sherpa-images") {
		t.Fatalf("pool not created: %v", env.hv.pools)
	}

	// Second call is a no-op.
	if err := env.p.EnsureStorage(); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if len(env.hv.pools) != 1 {
		t.Errorf("pools = %v, want one", env.hv.pools)
	}
}
