// Package config defines the node's CLI surface: provider selection,
// cluster address, worker pool sizing, the Store's shape, and
// statistics/retry timing. Flags are bound via cobra; an optional YAML
// file can seed the same fields.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NoopProvider is the sentinel Provider value meaning "use the
// built-in no-op provider" rather than loading a replication backend.
const NoopProvider = "none"

// Config is the full set of knobs the node needs to start.
type Config struct {
	Provider string `yaml:"provider"`
	Address  string `yaml:"address"`
	Options  string `yaml:"options"`

	Name    string `yaml:"name"`
	DataDir string `yaml:"dataDir"`

	BaseHost string `yaml:"baseHost"`
	BasePort int    `yaml:"basePort"`

	Masters int `yaml:"masters"`
	Slaves  int `yaml:"slaves"`

	Size    int `yaml:"size"`
	Records int `yaml:"records"`
	Ops     int `yaml:"ops"`

	DelayMS  int `yaml:"delayMs"`
	PeriodS  int `yaml:"periodS"`
	Bootstrap *bool `yaml:"bootstrap,omitempty"`
}

// Default returns the node's out-of-the-box configuration.
func Default() Config {
	return Config{
		Provider: NoopProvider,
		Name:     "repnode",
		DataDir:  "./data",
		BaseHost: "127.0.0.1",
		BasePort: 4567,
		Masters:  1,
		Slaves:   1,
		Size:     0,
		Records:  1000,
		Ops:      1,
		DelayMS:  0,
		PeriodS:  10,
	}
}

// SSTPort is the dedicated SST rendezvous port: base port + 2.
func (c Config) SSTPort() int { return c.BasePort + 2 }

// ControlPort is the provider's own join control-plane port, one above
// the replication bind port (pkg/provider's Raft implementation).
func (c Config) ControlPort() int { return c.BasePort + 1 }

// ListenAddr is the host:port the replication transport binds to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BaseHost, c.BasePort)
}

// SSTAddr is the host:port the SST joiner listens on.
func (c Config) SSTAddr() string {
	return fmt.Sprintf("%s:%d", c.BaseHost, c.SSTPort())
}

// MetricsAddr is the host:port the /metrics, /health, /ready and /live
// HTTP endpoints are served on: base port + 3.
func (c Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.BaseHost, c.BasePort+3)
}

// ShouldBootstrap resolves the bootstrap flag's default: true iff no
// address was given, unless overridden explicitly.
func (c Config) ShouldBootstrap() bool {
	if c.Bootstrap != nil {
		return *c.Bootstrap
	}
	return c.Address == ""
}

// LoadFile merges a YAML configuration file onto base, returning the
// merged result. Fields absent from the file keep base's value since
// yaml.Unmarshal only overwrites keys it finds.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
