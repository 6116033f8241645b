// Package config loads the server-wide configuration and describes the
// fixed filesystem layout under the server root.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/sherpa-labs/sherpa/pkg/util"
)

// Defaults applied when the config file omits a value.
const (
	DefaultServerRoot       = "/opt/sherpa"
	DefaultPort             = 3030
	DefaultManagementSuper  = "172.31.0.0/16"
	DefaultLoopbackSuper    = "127.127.0.0/16"
	DefaultCertValidityDays = 365
	DefaultLogLevel         = "info"
)

// Config is the server-wide configuration, read once at boot from
// <root>/config/sherpa.toml. Lab manifests never mutate it.
type Config struct {
	ServerRoot string        `toml:"server_root"`
	Port       int           `toml:"port"`
	LogLevel   string        `toml:"log_level"`
	Management NetworkConfig `toml:"management"`
	Loopback   NetworkConfig `toml:"loopback"`
	DNS        []string      `toml:"dns"`
	TLS        TLSConfig     `toml:"tls"`
}

// NetworkConfig names a supernet that per-lab /24s are carved from.
type NetworkConfig struct {
	Supernet string `toml:"supernet"`
}

// TLSConfig controls the server's TLS listener and cert generation.
type TLSConfig struct {
	Enabled          bool     `toml:"enabled"`
	AutoGenerateCert bool     `toml:"auto_generate_cert"`
	CertValidityDays int      `toml:"cert_validity_days"`
	SANs             []string `toml:"sans"`
	CertEndpoint     bool     `toml:"cert_endpoint"`
}

// Default returns a config with every field at its built-in default.
func Default() *Config {
	return &Config{
		ServerRoot: DefaultServerRoot,
		Port:       DefaultPort,
		LogLevel:   DefaultLogLevel,
		Management: NetworkConfig{Supernet: DefaultManagementSuper},
		Loopback:   NetworkConfig{Supernet: DefaultLoopbackSuper},
		DNS:        []string{"1.1.1.1", "8.8.8.8"},
		TLS: TLSConfig{
			Enabled:          true,
			AutoGenerateCert: true,
			CertValidityDays: DefaultCertValidityDays,
			CertEndpoint:     true,
		},
	}
}

// Load reads the config file under root, applying defaults for anything
// missing. A missing file is not an error; the defaults stand.
func Load(root string) (*Config, error) {
	cfg := Default()
	if root != "" {
		cfg.ServerRoot = root
	}

	path := filepath.Join(cfg.ServerRoot, "config", "sherpa.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	// Re-apply defaults the file may have zeroed
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.Management.Supernet == "" {
		cfg.Management.Supernet = DefaultManagementSuper
	}
	if cfg.Loopback.Supernet == "" {
		cfg.Loopback.Supernet = DefaultLoopbackSuper
	}
	if cfg.TLS.CertValidityDays == 0 {
		cfg.TLS.CertValidityDays = DefaultCertValidityDays
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !util.IsValidIPv4CIDR(c.Management.Supernet) {
		return fmt.Errorf("config: management supernet %q is not valid IPv4 CIDR", c.Management.Supernet)
	}
	if !util.IsValidIPv4CIDR(c.Loopback.Supernet) {
		return fmt.Errorf("config: loopback supernet %q is not valid IPv4 CIDR", c.Loopback.Supernet)
	}
	if util.SameSubnet(c.Management.Supernet, c.Loopback.Supernet) {
		return fmt.Errorf("config: management and loopback supernets overlap (%s)", c.Management.Supernet)
	}
	for _, dns := range c.DNS {
		if !util.IsValidIPv4(dns) {
			return fmt.Errorf("config: dns server %q is not a valid IPv4 address", dns)
		}
	}
	if c.Port < 1 || c.Port > 65534 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	return nil
}

// Save writes the config file under the server root.
func (c *Config) Save() error {
	dir := filepath.Join(c.ServerRoot, "config")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}
	f, err := os.Create(filepath.Join(dir, "sherpa.toml"))
	if err != nil {
		return fmt.Errorf("config: write sherpa.toml: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("config: encode sherpa.toml: %w", err)
	}
	return nil
}

// Layout accessors. Every path under the server root is derived here so the
// rest of the code never assembles directory names by hand.

func (c *Config) SSHDir() string           { return filepath.Join(c.ServerRoot, "ssh") }
func (c *Config) ImagesDir() string        { return filepath.Join(c.ServerRoot, "images") }
func (c *Config) BlankDiskDir() string     { return filepath.Join(c.ServerRoot, "images", "blank_disk") }
func (c *Config) ContainersDir() string    { return filepath.Join(c.ServerRoot, "containers") }
func (c *Config) BinsDir() string          { return filepath.Join(c.ServerRoot, "bins") }
func (c *Config) LabsDir() string          { return filepath.Join(c.ServerRoot, "labs") }
func (c *Config) RunDir() string           { return filepath.Join(c.ServerRoot, "run") }
func (c *Config) LogsDir() string          { return filepath.Join(c.ServerRoot, "logs") }
func (c *Config) CertsDir() string         { return filepath.Join(c.ServerRoot, ".certs") }
func (c *Config) SecretDir() string        { return filepath.Join(c.ServerRoot, ".secret") }
func (c *Config) LibvirtImagesDir() string { return filepath.Join(c.ServerRoot, "libvirt", "images") }

// PidFile is the daemon supervisor's pid file.
func (c *Config) PidFile() string { return filepath.Join(c.RunDir(), "sherpad.pid") }

// LogFile is the daemonized server's log destination.
func (c *Config) LogFile() string { return filepath.Join(c.LogsDir(), "sherpad.log") }

// JWTSecretFile holds the HS256 signing secret, mode 0600.
func (c *Config) JWTSecretFile() string { return filepath.Join(c.SecretDir(), "jwt.secret") }

// ServerCertFile and ServerKeyFile are the TLS material paths.
func (c *Config) ServerCertFile() string { return filepath.Join(c.CertsDir(), "server.crt") }
func (c *Config) ServerKeyFile() string  { return filepath.Join(c.CertsDir(), "server.key") }

// ImageDisk returns the base qcow2 path for a VM image.
func (c *Config) ImageDisk(model, version string) string {
	return filepath.Join(c.ImagesDir(), model, version, "virtioa.qcow2")
}

// LabDir returns the per-lab state directory.
func (c *Config) LabDir(labID string) string {
	return filepath.Join(c.LabsDir(), labID)
}

// LabInfoFile returns the per-lab metadata file path.
func (c *Config) LabInfoFile(labID string) string {
	return filepath.Join(c.LabDir(labID), "lab-info.toml")
}

// ZTPDir returns the per-lab ZTP artifact tree root.
func (c *Config) ZTPDir(labID string) string {
	return filepath.Join(c.LabDir(labID), "ztp")
}

// EnsureLayout creates every directory of the fixed layout. The secret and
// cert dirs get restrictive modes.
func (c *Config) EnsureLayout() error {
	dirs := []struct {
		path string
		mode os.FileMode
	}{
		{filepath.Join(c.ServerRoot, "config"), 0755},
		{c.SSHDir(), 0755},
		{c.ImagesDir(), 0755},
		{c.BlankDiskDir(), 0755},
		{c.ContainersDir(), 0755},
		{c.BinsDir(), 0755},
		{c.LabsDir(), 0755},
		{c.RunDir(), 0755},
		{c.LogsDir(), 0755},
		{c.CertsDir(), 0755},
		{c.SecretDir(), 0700},
		{c.LibvirtImagesDir(), 0755},
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d.path, d.mode); err != nil {
			return fmt.Errorf("config: create %s: %w", d.path, err)
		}
	}
	return nil
}
