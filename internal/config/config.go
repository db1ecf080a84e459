package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/dim/internal/membership"
	"github.com/3cpo-dev/dim/internal/scheduler"
	"github.com/3cpo-dev/dim/internal/transport"
)

type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Lease     LeaseConfig     `yaml:"lease"`
	Store     StoreConfig     `yaml:"store"`
	RPC       RPCConfig       `yaml:"rpc"`
	Workload  WorkloadConfig  `yaml:"workload"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type NodeConfig struct {
	ID      string `yaml:"id"`
	Service string `yaml:"service"`
	Listen  string `yaml:"listen"`
	// Advertise is the address peers use; defaults to Listen.
	Advertise string `yaml:"advertise"`
}

type ClusterConfig struct {
	Peers        []membership.Peer `yaml:"peers"`
	PollInterval time.Duration     `yaml:"poll_interval"`
	PingTimeout  time.Duration     `yaml:"ping_timeout"`
	MaxFailures  int               `yaml:"max_failures"`
}

type LeaseConfig struct {
	TTLSeconds            int    `yaml:"ttl_seconds"`
	RefreshCron           string `yaml:"refresh_cron"`
	HealthcheckCron       string `yaml:"healthcheck_cron"`
	LeaderHealthcheckCron string `yaml:"leader_healthcheck_cron"`
	PingTimeoutMS         int    `yaml:"ping_timeout_ms"`
}

func (l LeaseConfig) TTL() time.Duration { return time.Duration(l.TTLSeconds) * time.Second }

func (l LeaseConfig) PingTimeout() time.Duration {
	return time.Duration(l.PingTimeoutMS) * time.Millisecond
}

// Store drivers.
const (
	DriverMemory = "memory"
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

type StoreConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RPCConfig struct {
	Timeout time.Duration       `yaml:"timeout"`
	Token   string              `yaml:"token"`
	TLS     transport.TLSConfig `yaml:"tls"`
}

type WorkloadConfig struct {
	// Configurations is the YAML list of desired configurations.
	Configurations string        `yaml:"configurations"`
	Grace          time.Duration `yaml:"grace"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

type TelemetryConfig struct {
	Metrics bool `yaml:"metrics"`
}

// DefaultPath resolves $XDG_CONFIG_HOME/dim/config.yaml or
// ~/.config/dim/config.yaml.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "dim", "config.yaml")
}

// Load reads YAML configuration from a path, merges secrets.env from the
// same directory and the DIM_* environment, fills defaults and validates.
// If path is empty, DefaultPath is used.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = DefaultPath()
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	// Merge secrets from secrets.env if present to avoid storing tokens in YAML
	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	cfg.MergeSecrets(secrets)

	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// MergeSecrets applies secrets, then the environment, over the YAML values.
func (c *Config) MergeSecrets(secrets map[string]string) {
	if secrets == nil {
		secrets = map[string]string{}
	}
	for _, k := range []string{"DIM_RPC_TOKEN", "DIM_STORE_PASSWORD"} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	if t := secrets["DIM_RPC_TOKEN"]; t != "" {
		c.RPC.Token = t
	}
	if p := secrets["DIM_STORE_PASSWORD"]; p != "" {
		c.Store.Password = p
	}
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.Node.ID == "" {
		c.Node.ID = "node-" + uuid.NewString()[:8]
	}
	if c.Node.Service == "" {
		c.Node.Service = "dim"
	}
	if c.Node.Listen == "" {
		c.Node.Listen = "127.0.0.1:7420"
	}
	if c.Node.Advertise == "" {
		c.Node.Advertise = c.Node.Listen
	}
	if len(c.Cluster.Peers) == 0 {
		c.Cluster.Peers = []membership.Peer{{ID: c.Node.ID, Addr: c.Node.Advertise}}
	}
	if c.Cluster.PollInterval <= 0 {
		c.Cluster.PollInterval = 2 * time.Second
	}
	if c.Cluster.PingTimeout <= 0 {
		c.Cluster.PingTimeout = time.Second
	}
	if c.Cluster.MaxFailures <= 0 {
		c.Cluster.MaxFailures = 2
	}
	if c.Lease.TTLSeconds == 0 {
		c.Lease.TTLSeconds = 30
	}
	if c.Lease.RefreshCron == "" {
		c.Lease.RefreshCron = "*/15 * * * * *"
	}
	if c.Lease.HealthcheckCron == "" {
		c.Lease.HealthcheckCron = "*/10 * * * * *"
	}
	if c.Lease.LeaderHealthcheckCron == "" {
		c.Lease.LeaderHealthcheckCron = "*/5 * * * * *"
	}
	if c.Lease.PingTimeoutMS == 0 {
		c.Lease.PingTimeoutMS = 1000
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.RPC.Timeout <= 0 {
		c.RPC.Timeout = 5 * time.Second
	}
	if c.Workload.Grace <= 0 {
		c.Workload.Grace = 5 * time.Second
	}
}

// Validate checks a defaulted configuration. The refresh cadence has to stay
// well below the lease TTL, ideally half of it; that is not checked because
// cron expressions have no fixed period.
func (c Config) Validate() error {
	if c.Node.Service == "" {
		return fmt.Errorf("node.service required")
	}
	if c.Lease.TTLSeconds <= 0 {
		return fmt.Errorf("lease.ttl_seconds must be positive")
	}
	if c.Lease.PingTimeoutMS <= 0 {
		return fmt.Errorf("lease.ping_timeout_ms must be positive")
	}
	for _, spec := range []string{c.Lease.RefreshCron, c.Lease.HealthcheckCron, c.Lease.LeaderHealthcheckCron} {
		if err := scheduler.Validate(spec); err != nil {
			return fmt.Errorf("lease: %w", err)
		}
	}
	switch c.Store.Driver {
	case DriverMemory, DriverBadger, DriverSQLite:
	case DriverRedis:
		if c.Store.Addr == "" {
			return fmt.Errorf("store.addr required for redis")
		}
	default:
		return fmt.Errorf("store.driver %q: want memory, badger, sqlite or redis", c.Store.Driver)
	}
	if c.Store.Driver == DriverSQLite && c.Store.Path == "" {
		return fmt.Errorf("store.path required for sqlite")
	}
	seen := map[string]bool{}
	for _, p := range c.Cluster.Peers {
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("cluster.peers: id and addr required")
		}
		if seen[p.ID] {
			return fmt.Errorf("cluster.peers: duplicate id %q", p.ID)
		}
		seen[p.ID] = true
	}
	if !seen[c.Node.ID] {
		return fmt.Errorf("cluster.peers must list this node (%s)", c.Node.ID)
	}
	return nil
}
