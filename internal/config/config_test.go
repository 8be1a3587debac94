package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramcache/dramcache/internal/transport"
	"github.com/dramcache/dramcache/testutil"
)

func TestLoadMasterConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: ":9090"
shard_count: 64
lease_ttl: "5s"
pending_ttl: "2m"
sweep_interval: "250ms"
node_ttl: "15s"
alignment: 4Ki
eviction:
  high_watermark: 0.1
  target_free_ratio: 0.25
  interval: "500ms"
  scan_limit: 32
auth:
  secret: "cluster-secret"
loki:
  url: "http://loki:3100"
  labels:
    cluster: prod
  batch_size: 50
  flush_interval: "3s"
tracing:
  enabled: true
log_level: debug
`
	configPath := testutil.TempFile(t, dir, "master.yaml", content)

	cfg, err := LoadMasterConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 64, cfg.ShardCount)
	assert.Equal(t, "cluster-secret", cfg.Auth.Secret)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://loki:3100", cfg.Loki.URL)
	assert.Equal(t, map[string]string{"cluster": "prod"}, cfg.Loki.Labels)
	assert.Equal(t, 50, cfg.Loki.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Loki.Interval())
	assert.True(t, cfg.Tracing.Enabled)

	svc := cfg.ServiceConfig()
	assert.Equal(t, 64, svc.ShardCount)
	assert.Equal(t, 5*time.Second, svc.LeaseTTL)
	assert.Equal(t, 2*time.Minute, svc.PendingTTL)
	assert.Equal(t, 250*time.Millisecond, svc.SweepInterval)
	assert.Equal(t, 15*time.Second, svc.NodeTTL)
	assert.Equal(t, uint64(4096), svc.Alignment)
	assert.Equal(t, 0.1, svc.Eviction.HighWatermark)
	assert.Equal(t, 0.25, svc.Eviction.TargetFreeRatio)
	assert.Equal(t, 500*time.Millisecond, svc.Eviction.Interval)
	assert.Equal(t, 32, svc.Eviction.ScanLimit)
}

func TestLoadMasterConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "master.yaml", "log_level: info\n")

	cfg, err := LoadMasterConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultMasterListen, cfg.Listen)
	assert.Equal(t, 1024, cfg.ShardCount)
	assert.Empty(t, cfg.Auth.Secret)

	svc := cfg.ServiceConfig()
	assert.Equal(t, 60*time.Second, svc.LeaseTTL)
	assert.Equal(t, 30*time.Minute, svc.SoftPinTTL)
	assert.Equal(t, 10*time.Minute, svc.PendingTTL)
	assert.Equal(t, time.Second, svc.SweepInterval)
	assert.Equal(t, 30*time.Second, svc.NodeTTL)
	assert.Equal(t, 0.20, svc.Eviction.HighWatermark)
	assert.Equal(t, 0.30, svc.Eviction.TargetFreeRatio)
	assert.Equal(t, time.Second, svc.Eviction.Interval)
}

func TestLoadMasterConfig_FileNotFound(t *testing.T) {
	_, err := LoadMasterConfig("/nonexistent/path/master.yaml")
	assert.Error(t, err)
}

func TestLoadMasterConfig_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "master.yaml", "listen: [invalid yaml\n")

	_, err := LoadMasterConfig(configPath)
	assert.Error(t, err)
}

func TestMasterConfig_Validate(t *testing.T) {
	valid := func() MasterConfig {
		cfg := MasterConfig{}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*MasterConfig)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*MasterConfig) {},
		},
		{
			name:    "missing listen",
			mutate:  func(c *MasterConfig) { c.Listen = "" },
			wantErr: "listen",
		},
		{
			name:    "negative shard count",
			mutate:  func(c *MasterConfig) { c.ShardCount = -1 },
			wantErr: "shard_count",
		},
		{
			name:    "bad lease ttl",
			mutate:  func(c *MasterConfig) { c.LeaseTTL = "soon" },
			wantErr: "lease_ttl",
		},
		{
			name:    "zero pending ttl",
			mutate:  func(c *MasterConfig) { c.PendingTTL = "0s" },
			wantErr: "pending_ttl",
		},
		{
			name:    "watermark above one",
			mutate:  func(c *MasterConfig) { c.Eviction.HighWatermark = 1.5 },
			wantErr: "high_watermark",
		},
		{
			name:    "target below watermark",
			mutate:  func(c *MasterConfig) { c.Eviction.TargetFreeRatio = 0.1 },
			wantErr: "target_free_ratio",
		},
		{
			name:    "alignment not power of two",
			mutate:  func(c *MasterConfig) { c.Alignment = 48 },
			wantErr: "alignment",
		},
		{
			name:   "loki enabled",
			mutate: func(c *MasterConfig) { c.Loki = LokiConfig{URL: "http://loki:3100", FlushInterval: "2s"} },
		},
		{
			name:    "loki url without scheme",
			mutate:  func(c *MasterConfig) { c.Loki.URL = "loki:3100" },
			wantErr: "loki.url",
		},
		{
			name:    "loki bad flush interval",
			mutate:  func(c *MasterConfig) { c.Loki = LokiConfig{URL: "http://loki:3100", FlushInterval: "often"} },
			wantErr: "loki.flush_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadNodeConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
name: node-1
master: "http://master:7070"
capacity: 4Gi
lock_memory: true
keepalive_interval: "2s"
transport:
  order: [rdma, tcp]
  nodes:
    node-2:
      disabled: [rdma]
    node-3:
      preferred: [tcp]
  tcp:
    listen: ":7100"
    advertise: "10.0.0.1:7100"
    compression: true
    chunk_size: 256Ki
  rdma:
    enabled: true
    devices:
      - name: mlx5_0
        address: "fab://node-1/mlx5_0"
topology:
  file: "/etc/dramcache/topology.json"
  location: "cpu:1"
auth:
  token: "node-token"
admin_listen: "127.0.0.1:7072"
tracing:
  enabled: true
  buffer_size: 4Mi
`
	configPath := testutil.TempFile(t, dir, "node.yaml", content)

	cfg, err := LoadNodeConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "node-1", cfg.Name)
	assert.Equal(t, "http://master:7070", cfg.Master)
	assert.Equal(t, uint64(4<<30), cfg.Capacity.Bytes())
	assert.True(t, cfg.LockMemory)
	assert.Equal(t, 2*time.Second, cfg.KeepAlive())
	assert.Equal(t, []transport.BackendType{transport.BackendRDMA, transport.BackendTCP}, cfg.BackendOrder())
	assert.Equal(t, map[string]transport.NodeBackendConfig{
		"node-2": {Preferred: []transport.BackendType{}, Disabled: []transport.BackendType{transport.BackendRDMA}},
		"node-3": {Preferred: []transport.BackendType{transport.BackendTCP}, Disabled: []transport.BackendType{}},
	}, cfg.NodeBackends())
	assert.True(t, cfg.Transport.TCP.IsEnabled())
	assert.Equal(t, "10.0.0.1:7100", cfg.Transport.TCP.Advertise)
	assert.True(t, cfg.Transport.TCP.Compression)
	assert.Equal(t, uint64(256<<10), cfg.Transport.TCP.ChunkSize.Bytes())
	require.Len(t, cfg.Transport.RDMA.Devices, 1)
	assert.Equal(t, "mlx5_0", cfg.Transport.RDMA.Devices[0].Name)
	assert.Equal(t, "/etc/dramcache/topology.json", cfg.Topology.File)
	assert.Equal(t, "cpu:1", cfg.Topology.Location)
	assert.Equal(t, "node-token", cfg.Auth.Token)
	assert.Equal(t, "127.0.0.1:7072", cfg.AdminListen)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, uint64(4<<20), cfg.Tracing.BufferSize.Bytes())
}

func TestLoadNodeConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
name: node-2
master: "http://localhost:7070"
capacity: 64Mi
`
	configPath := testutil.TempFile(t, dir, "node.yaml", content)

	cfg, err := LoadNodeConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.KeepAlive())
	assert.Equal(t, DefaultLocation, cfg.Topology.Location)
	assert.Equal(t, DefaultTCPListen, cfg.Transport.TCP.Listen)
	assert.False(t, cfg.Transport.RDMA.Enabled)
	assert.Equal(t, []transport.BackendType{
		transport.BackendLocal, transport.BackendRDMA, transport.BackendTCP,
	}, cfg.BackendOrder())
}

func TestLoadNodeConfig_TCPDisabled(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
name: node-3
master: "http://localhost:7070"
capacity: 64Mi
transport:
  tcp:
    enabled: false
  rdma:
    enabled: true
    devices:
      - name: mlx5_0
        address: "fab://node-3"
`
	configPath := testutil.TempFile(t, dir, "node.yaml", content)

	cfg, err := LoadNodeConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.False(t, cfg.Transport.TCP.IsEnabled())
	assert.Empty(t, cfg.Transport.TCP.Listen)
}

func TestLoadNodeConfig_InvalidCapacity(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "node.yaml", "name: n\ncapacity: lots\n")

	_, err := LoadNodeConfig(configPath)
	assert.Error(t, err)
}

func TestNodeConfig_Validate(t *testing.T) {
	valid := func() NodeConfig {
		cfg := NodeConfig{
			Name:     "node-1",
			Master:   "http://master:7070",
			Capacity: 1 << 20,
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*NodeConfig)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*NodeConfig) {},
		},
		{
			name:    "missing master",
			mutate:  func(c *NodeConfig) { c.Master = "" },
			wantErr: "master is required",
		},
		{
			name:    "master not a url",
			mutate:  func(c *NodeConfig) { c.Master = "master:7070" },
			wantErr: "http(s) URL",
		},
		{
			name:    "zero capacity",
			mutate:  func(c *NodeConfig) { c.Capacity = 0 },
			wantErr: "capacity",
		},
		{
			name:    "bad keepalive",
			mutate:  func(c *NodeConfig) { c.KeepAliveInterval = "often" },
			wantErr: "keepalive_interval",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *NodeConfig) { c.Transport.Order = []string{"tcp", "carrier-pigeon"} },
			wantErr: "carrier-pigeon",
		},
		{
			name: "unknown peer backend",
			mutate: func(c *NodeConfig) {
				c.Transport.Nodes = map[string]NodeTransportConfig{"node-2": {Disabled: []string{"udp"}}}
			},
			wantErr: "transport.nodes.node-2.disabled",
		},
		{
			name: "no transport",
			mutate: func(c *NodeConfig) {
				disabled := false
				c.Transport.TCP.Enabled = &disabled
			},
			wantErr: "at least one",
		},
		{
			name:    "rdma without devices",
			mutate:  func(c *NodeConfig) { c.Transport.RDMA.Enabled = true },
			wantErr: "devices",
		},
		{
			name: "rdma device without address",
			mutate: func(c *NodeConfig) {
				c.Transport.RDMA.Enabled = true
				c.Transport.RDMA.Devices = []RDMADeviceConfig{{Name: "mlx5_0"}}
			},
			wantErr: "devices[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyLogLevel(t *testing.T) {
	// Save original level to restore after test
	originalLevel := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(originalLevel)

	tests := []struct {
		name          string
		level         string
		expectApplied bool
		expectLevel   zerolog.Level
	}{
		{name: "empty level", level: ""},
		{name: "trace level", level: "trace", expectApplied: true, expectLevel: zerolog.TraceLevel},
		{name: "debug level", level: "debug", expectApplied: true, expectLevel: zerolog.DebugLevel},
		{name: "info level", level: "info", expectApplied: true, expectLevel: zerolog.InfoLevel},
		{name: "warn level", level: "warn", expectApplied: true, expectLevel: zerolog.WarnLevel},
		{name: "error level", level: "error", expectApplied: true, expectLevel: zerolog.ErrorLevel},
		{name: "invalid level", level: "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Reset to known state before each test
			zerolog.SetGlobalLevel(zerolog.InfoLevel)

			applied := ApplyLogLevel(tt.level)
			assert.Equal(t, tt.expectApplied, applied)

			if tt.expectApplied {
				assert.Equal(t, tt.expectLevel, zerolog.GlobalLevel())
			}
		})
	}
}
