package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("DIM_RPC_TOKEN", "")
	t.Setenv("DIM_STORE_PASSWORD", "")
	dir := t.TempDir()
	path := write(t, dir, "config.yaml", `
node:
  id: n1
  service: workers
  listen: 0.0.0.0:7420
  advertise: 10.0.0.1:7420
cluster:
  poll_interval: 500ms
  peers:
    - {id: n1, addr: 10.0.0.1:7420}
    - {id: n2, addr: 10.0.0.2:7420}
lease:
  ttl_seconds: 20
store:
  driver: redis
  addr: 10.0.0.9:6379
  password: from-yaml
rpc:
  token: from-yaml
workload:
  configurations: /etc/dim/configurations.yaml
telemetry:
  metrics: true
`)
	write(t, dir, "secrets.env", "# rpc token\nDIM_RPC_TOKEN=from-secrets\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "n1", cfg.Node.ID)
	assert.Equal(t, "workers", cfg.Node.Service)
	assert.Equal(t, 500*time.Millisecond, cfg.Cluster.PollInterval)
	assert.Len(t, cfg.Cluster.Peers, 2)
	assert.Equal(t, 20*time.Second, cfg.Lease.TTL())
	assert.Equal(t, "*/15 * * * * *", cfg.Lease.RefreshCron)
	assert.Equal(t, "*/10 * * * * *", cfg.Lease.HealthcheckCron)
	assert.Equal(t, "*/5 * * * * *", cfg.Lease.LeaderHealthcheckCron)
	assert.Equal(t, time.Second, cfg.Lease.PingTimeout())
	assert.Equal(t, "from-secrets", cfg.RPC.Token)
	assert.Equal(t, "from-yaml", cfg.Store.Password)
	assert.True(t, cfg.Telemetry.Metrics)

	t.Setenv("DIM_STORE_PASSWORD", "from-env")
	t.Setenv("DIM_RPC_TOKEN", "env-token")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Store.Password)
	assert.Equal(t, "env-token", cfg.RPC.Token)
}

func TestDefaults(t *testing.T) {
	var cfg Config
	cfg.Defaults()
	require.NoError(t, cfg.Validate())
	assert.True(t, strings.HasPrefix(cfg.Node.ID, "node-"))
	assert.Len(t, cfg.Node.ID, len("node-")+8)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	require.Len(t, cfg.Cluster.Peers, 1)
	assert.Equal(t, cfg.Node.ID, cfg.Cluster.Peers[0].ID)
	assert.Equal(t, cfg.Node.Listen, cfg.Cluster.Peers[0].Addr)
	assert.Equal(t, 30, cfg.Lease.TTLSeconds)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		var c Config
		c.Node.ID = "n1"
		c.Defaults()
		return c
	}
	cases := map[string]func(*Config){
		"negative ttl":        func(c *Config) { c.Lease.TTLSeconds = -1 },
		"bad cron":            func(c *Config) { c.Lease.RefreshCron = "*/15 * * * *" },
		"unknown driver":      func(c *Config) { c.Store.Driver = "etcd" },
		"redis without addr":  func(c *Config) { c.Store.Driver = DriverRedis },
		"sqlite without path": func(c *Config) { c.Store.Driver = DriverSQLite },
		"self not a peer": func(c *Config) {
			c.Cluster.Peers[0].ID = "other"
		},
		"duplicate peer": func(c *Config) {
			c.Cluster.Peers = append(c.Cluster.Peers, c.Cluster.Peers[0])
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, base().Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := write(t, t.TempDir(), "config.yaml", "node: [unclosed")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "dim", "config.yaml"), DefaultPath())
}

func TestLoadSecretsEnv(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "secrets.env", "A=1\n\n# comment\nB = \"two\"\nnot-a-pair\n")
	s, err := LoadSecretsEnv(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "two"}, s)

	s, err = LoadSecretsEnv(filepath.Join(dir, "absent.env"))
	require.NoError(t, err)
	assert.Empty(t, s)
}
