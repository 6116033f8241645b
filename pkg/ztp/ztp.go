// Package ztp renders zero-touch-provisioning artifacts for a lab: one
// config file per node in a per-family subdirectory, the shared bootstrap
// scripts, and the dnsmasq.conf the boot container serves them with.
//
// Generation is a pure function of its inputs. Maps are never ranged
// directly and no timestamps are embedded, so regenerating with equal
// inputs produces byte-identical trees.
package ztp

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/sherpa-labs/sherpa/pkg/alloc"
	"github.com/sherpa-labs/sherpa/pkg/ifmap"
	"github.com/sherpa-labs/sherpa/pkg/util"
)

// DHCP pool bounds inside the management /24, below the broadcast and
// clear of the deterministic node range that starts at .11.
const (
	poolStartOffset = 100
	poolEndOffset   = 249
)

// UserConfig is one account pushed into every rendered device config.
type UserConfig struct {
	Username string
	Password string
	SSHKeys  []string
}

// Record is one node's ZTP identity.
type Record struct {
	Hostname string
	Model    ifmap.Model
	MAC      string
	IPv4     string
}

// Input carries everything the generator needs for one lab.
type Input struct {
	LabID             string
	ManagementNetwork string // /24 CIDR
	DNS               []string
	Users             []UserConfig
	Records           []Record
}

// deviceParams is the parameter set shared by the per-node templates.
type deviceParams struct {
	Hostname      string
	MgmtInterface string
	DNS           []string
	Users         []userParams
	BootServerIP  string
}

type userParams struct {
	Username     string
	Password     string
	SSHKeys      []string
	SSHKeyHashes []string
}

type familyParams struct {
	Tag       string
	OUIPrefix string
	BootFile  string // empty when the family pulls no option-67 file
}

type hostParams struct {
	Hostname string
	MAC      string
	IPv4     string
}

type dnsmasqParams struct {
	PoolStart     string
	PoolEnd       string
	GatewayIP     string
	BootServerIP  string
	BootServerMAC string
	DNS           []string
	Families      []familyParams
	Hosts         []hostParams
}

var funcs = template.FuncMap{
	"join": strings.Join,
}

// family groups the per-model rendering rules.
type family struct {
	dir      string
	suffix   string // per-node file suffix; empty means no per-node file
	tmpl     string
	bootFile string // option-67 value for the family tag
}

var families = map[ifmap.Model]family{
	ifmap.AristaVEOS:   {dir: "arista", suffix: "-startup-config", tmpl: aristaStartupConfig, bootFile: "veos-ztp.sh"},
	ifmap.AristaCEOS:   {dir: "arista", suffix: "-startup-config", tmpl: aristaStartupConfig},
	ifmap.ArubaAOSCX:   {dir: "aruba", suffix: "-aos-config.txt", tmpl: arubaConfig, bootFile: "aos-config.txt"},
	ifmap.CumulusLinux: {dir: "cumulus", suffix: "-cumulus-config.txt", tmpl: cumulusConfig, bootFile: "cumulus-config.txt"},
	ifmap.CiscoIOSv:    {dir: "cisco", suffix: "-ios_config.txt", tmpl: ciscoIOSConfig, bootFile: "ios_config.txt"},
	ifmap.CiscoIOSXE:   {dir: "cisco", suffix: "-iosxe_config.txt", tmpl: ciscoIOSConfig, bootFile: "iosxe_config.txt"},
	ifmap.JuniperVEvo:  {dir: "juniper", suffix: "-juniper.conf", tmpl: junosConfig, bootFile: "junos-ztp.sh"},
}

// Generate renders the full ZTP tree under dir (the lab's ztp/ directory).
func Generate(dir string, in Input) error {
	boot, err := alloc.HostIP(in.ManagementNetwork, alloc.BootServerOffset)
	if err != nil {
		return fmt.Errorf("ztp: boot server address: %w", err)
	}
	gateway, err := alloc.HostIP(in.ManagementNetwork, alloc.GatewayOffset)
	if err != nil {
		return fmt.Errorf("ztp: gateway address: %w", err)
	}

	users, err := buildUsers(in.Users)
	if err != nil {
		return err
	}

	// Shared bootstrap scripts, rendered once regardless of node count.
	scripts := []struct {
		path string
		tmpl string
	}{
		{filepath.Join("arista", "veos-ztp.sh"), veosZTPScript},
		{filepath.Join("juniper", "junos-ztp.sh"), junosZTPScript},
	}
	for _, s := range scripts {
		if err := renderFile(dir, s.path, s.tmpl, struct{ BootServerIP string }{boot}); err != nil {
			return err
		}
	}

	for _, rec := range in.Records {
		fam, ok := families[rec.Model]
		if !ok || fam.suffix == "" {
			continue // no per-node artifact (plain Linux, SR Linux)
		}
		mgmt, err := ifmap.ManagementInterface(rec.Model)
		if err != nil {
			return fmt.Errorf("ztp: %w", err)
		}
		params := deviceParams{
			Hostname:      rec.Hostname,
			MgmtInterface: mgmt,
			DNS:           in.DNS,
			Users:         users,
			BootServerIP:  boot,
		}
		path := filepath.Join(fam.dir, rec.Hostname+fam.suffix)
		if err := renderFile(dir, path, fam.tmpl, params); err != nil {
			return err
		}
	}

	dp, err := buildDnsmasq(in, boot, gateway)
	if err != nil {
		return err
	}
	return renderFile(dir, filepath.Join("dnsmasq", "dnsmasq.conf"), dnsmasqConf, dp)
}

func buildUsers(in []UserConfig) ([]userParams, error) {
	users := make([]userParams, 0, len(in))
	for _, u := range in {
		up := userParams{Username: u.Username, Password: u.Password, SSHKeys: u.SSHKeys}
		for _, key := range u.SSHKeys {
			h, err := HashSSHKeyMD5(key)
			if err != nil {
				return nil, fmt.Errorf("ztp: user %s: %w", u.Username, err)
			}
			up.SSHKeyHashes = append(up.SSHKeyHashes, h)
		}
		users = append(users, up)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func buildDnsmasq(in Input, boot, gateway string) (*dnsmasqParams, error) {
	poolStart, err := alloc.HostIP(in.ManagementNetwork, poolStartOffset)
	if err != nil {
		return nil, fmt.Errorf("ztp: pool start: %w", err)
	}
	poolEnd, err := alloc.HostIP(in.ManagementNetwork, poolEndOffset)
	if err != nil {
		return nil, fmt.Errorf("ztp: pool end: %w", err)
	}

	var fams []familyParams
	for _, model := range ifmap.AllModels {
		fam, ok := families[model]
		if !ok {
			continue
		}
		prefix, err := alloc.OUIPrefix(model)
		if err != nil {
			return nil, fmt.Errorf("ztp: %w", err)
		}
		bootFile := ""
		if fam.bootFile != "" {
			bootFile = fam.dir + "/" + fam.bootFile
		}
		fams = append(fams, familyParams{
			Tag:       string(model),
			OUIPrefix: prefix,
			BootFile:  bootFile,
		})
	}

	hosts := make([]hostParams, 0, len(in.Records))
	for _, rec := range in.Records {
		hosts = append(hosts, hostParams{Hostname: rec.Hostname, MAC: rec.MAC, IPv4: rec.IPv4})
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Hostname < hosts[j].Hostname })

	return &dnsmasqParams{
		PoolStart:     poolStart,
		PoolEnd:       poolEnd,
		GatewayIP:     gateway,
		BootServerIP:  boot,
		BootServerMAC: alloc.BootServerMAC,
		DNS:           in.DNS,
		Families:      fams,
		Hosts:         hosts,
	}, nil
}

// renderFile executes tmpl into dir/rel, creating parents as needed.
func renderFile(dir, rel, tmpl string, data any) error {
	t, err := template.New(filepath.Base(rel)).Funcs(funcs).Parse(tmpl)
	if err != nil {
		return fmt.Errorf("ztp: parse template %s: %w", rel, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return fmt.Errorf("ztp: render %s: %w", rel, err)
	}
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ztp: mkdir for %s: %w", rel, err)
	}
	mode := os.FileMode(0o644)
	if strings.HasSuffix(rel, ".sh") {
		mode = 0o755
	}
	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("ztp: write %s: %w", rel, err)
	}
	util.Debugf("ztp: rendered %s (%d bytes)", rel, buf.Len())
	return nil
}

// HashSSHKeyMD5 digests the binary blob of an OpenSSH public key with MD5,
// the format Cisco stores under ip ssh pubkey-chain.
func HashSSHKeyMD5(key string) (string, error) {
	fields := strings.Fields(key)
	blob := ""
	switch {
	case len(fields) >= 2:
		blob = fields[1]
	case len(fields) == 1:
		blob = fields[0]
	default:
		return "", fmt.Errorf("empty ssh key")
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("decode ssh key: %w", err)
	}
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:]), nil
}
