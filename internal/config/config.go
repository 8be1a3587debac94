// Package config handles configuration loading and validation for dramcache.
package config

import (
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/dramcache/dramcache/internal/master"
	"github.com/dramcache/dramcache/internal/transport"
	"github.com/dramcache/dramcache/pkg/bytesize"
)

// Defaults not owned by another package.
const (
	DefaultMasterListen      = ":7070"
	DefaultKeepAliveInterval = "5s"
	DefaultLocation          = "cpu:0"
	DefaultTCPListen         = ":7071"
)

// EvictionConfig holds memory-pressure eviction settings.
type EvictionConfig struct {
	HighWatermark   float64 `yaml:"high_watermark"`    // Free ratio that triggers eviction (default: 0.20)
	TargetFreeRatio float64 `yaml:"target_free_ratio"` // Free ratio eviction stops at (default: 0.30)
	Interval        string  `yaml:"interval"`          // Duration string, e.g. "1s"
	ScanLimit       int     `yaml:"scan_limit"`
}

// AuthConfig holds cluster token settings.
type AuthConfig struct {
	Secret string `yaml:"secret,omitempty"` // Master: HS256 signing secret; empty disables auth
	Token  string `yaml:"token,omitempty"`  // Node/client: bearer token presented to the master
}

// LokiConfig enables log shipping to Grafana Loki.
type LokiConfig struct {
	URL           string            `yaml:"url"` // e.g. "http://loki:3100"; disabled when empty
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"` // Default: 5s
}

// TracingConfig enables the in-memory runtime trace served at /debug/trace.
type TracingConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BufferSize bytesize.Size `yaml:"buffer_size"` // Default: 10Mi
}

// MasterConfig holds configuration for the master daemon.
type MasterConfig struct {
	Listen        string         `yaml:"listen"`
	ShardCount    int            `yaml:"shard_count"`
	LeaseTTL      string         `yaml:"lease_ttl"`
	SoftPinTTL    string         `yaml:"soft_pin_ttl"`
	PendingTTL    string         `yaml:"pending_ttl"`
	SweepInterval string         `yaml:"sweep_interval"`
	NodeTTL       string         `yaml:"node_ttl"`
	Alignment     bytesize.Size  `yaml:"alignment"`
	Eviction      EvictionConfig `yaml:"eviction"`
	Auth          AuthConfig     `yaml:"auth"`
	Tracing       TracingConfig  `yaml:"tracing"`
	Loki          LokiConfig     `yaml:"loki"`
	LogLevel      string         `yaml:"log_level"` // trace, debug, info, warn, error
}

// TCPConfig holds TCP transport settings.
type TCPConfig struct {
	Enabled     *bool         `yaml:"enabled,omitempty"` // Default: true
	Listen      string        `yaml:"listen"`
	Advertise   string        `yaml:"advertise"` // Address published to peers; defaults to the listener
	Compression bool          `yaml:"compression"`
	ChunkSize   bytesize.Size `yaml:"chunk_size"`
}

// IsEnabled returns whether the TCP transport is enabled (default true).
func (c TCPConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RDMADeviceConfig names one RDMA device and its fabric address.
type RDMADeviceConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// RDMAConfig holds RDMA transport settings.
type RDMAConfig struct {
	Enabled    bool               `yaml:"enabled"`
	Devices    []RDMADeviceConfig `yaml:"devices"`
	MaxRegions int                `yaml:"max_regions"`
}

// NodeTransportConfig overrides backend selection for transfers to one peer.
type NodeTransportConfig struct {
	Preferred []string `yaml:"preferred"` // Replaces transport.order for this peer
	Disabled  []string `yaml:"disabled"`
}

// TransportConfig holds transfer engine settings.
type TransportConfig struct {
	Order []string                       `yaml:"order"` // Backend preference, e.g. [rdma, tcp]
	Nodes map[string]NodeTransportConfig `yaml:"nodes"` // Per-peer overrides keyed by node name
	TCP   TCPConfig                      `yaml:"tcp"`
	RDMA  RDMAConfig                     `yaml:"rdma"`
}

// TopologyConfig locates the NIC preference matrix.
type TopologyConfig struct {
	File     string `yaml:"file"`     // JSON matrix; discovered from sysfs when empty
	Location string `yaml:"location"` // Location of this node's segment (default: "cpu:0")
}

// NodeConfig holds configuration for a storage node.
type NodeConfig struct {
	Name              string          `yaml:"name"`
	Master            string          `yaml:"master"` // Master base URL, e.g. "http://master:7070"
	Capacity          bytesize.Size   `yaml:"capacity"`
	LockMemory        bool            `yaml:"lock_memory"`
	KeepAliveInterval string          `yaml:"keepalive_interval"`
	Transport         TransportConfig `yaml:"transport"`
	Topology          TopologyConfig  `yaml:"topology"`
	Auth              AuthConfig      `yaml:"auth"`
	AdminListen       string          `yaml:"admin_listen"` // Health, metrics and trace endpoint; disabled when empty
	Tracing           TracingConfig   `yaml:"tracing"`
	Loki              LokiConfig      `yaml:"loki"`
	LogLevel          string          `yaml:"log_level"`
}

// LoadMasterConfig loads master configuration from a YAML file.
func LoadMasterConfig(path string) (*MasterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &MasterConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *MasterConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultMasterListen
	}
	if c.ShardCount == 0 {
		c.ShardCount = 1024
	}
	if c.LeaseTTL == "" {
		c.LeaseTTL = master.DefaultLeaseTTL.String()
	}
	if c.SoftPinTTL == "" {
		c.SoftPinTTL = master.DefaultSoftPinTTL.String()
	}
	if c.PendingTTL == "" {
		c.PendingTTL = master.DefaultPendingTTL.String()
	}
	if c.SweepInterval == "" {
		c.SweepInterval = master.DefaultSweepInterval.String()
	}
	if c.NodeTTL == "" {
		c.NodeTTL = master.DefaultNodeTTL.String()
	}
	if c.Eviction.HighWatermark == 0 {
		c.Eviction.HighWatermark = master.DefaultHighWatermark
	}
	if c.Eviction.TargetFreeRatio == 0 {
		c.Eviction.TargetFreeRatio = master.DefaultTargetFreeRatio
	}
	if c.Eviction.Interval == "" {
		c.Eviction.Interval = master.DefaultEvictInterval.String()
	}
}

// Validate checks if the master configuration is valid.
func (c *MasterConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.ShardCount < 1 {
		return fmt.Errorf("shard_count must be positive")
	}
	durations := []struct {
		name  string
		value string
	}{
		{"lease_ttl", c.LeaseTTL},
		{"soft_pin_ttl", c.SoftPinTTL},
		{"pending_ttl", c.PendingTTL},
		{"sweep_interval", c.SweepInterval},
		{"node_ttl", c.NodeTTL},
		{"eviction.interval", c.Eviction.Interval},
	}
	for _, d := range durations {
		if err := validateDuration(d.name, d.value); err != nil {
			return err
		}
	}
	hw, target := c.Eviction.HighWatermark, c.Eviction.TargetFreeRatio
	if hw <= 0 || hw >= 1 {
		return fmt.Errorf("eviction.high_watermark must be between 0 and 1")
	}
	if target < hw || target >= 1 {
		return fmt.Errorf("eviction.target_free_ratio must be between high_watermark and 1")
	}
	if a := c.Alignment.Bytes(); a != 0 && a&(a-1) != 0 {
		return fmt.Errorf("alignment must be a power of two")
	}
	return c.Loki.validate()
}

// ServiceConfig converts the file settings into master service settings.
// Call Validate first; unparsable durations fall back to service defaults.
func (c *MasterConfig) ServiceConfig() master.Config {
	return master.Config{
		ShardCount:    c.ShardCount,
		LeaseTTL:      duration(c.LeaseTTL),
		SoftPinTTL:    duration(c.SoftPinTTL),
		PendingTTL:    duration(c.PendingTTL),
		NodeTTL:       duration(c.NodeTTL),
		SweepInterval: duration(c.SweepInterval),
		Alignment:     c.Alignment.Bytes(),
		Eviction: master.EvictionConfig{
			HighWatermark:   c.Eviction.HighWatermark,
			TargetFreeRatio: c.Eviction.TargetFreeRatio,
			Interval:        duration(c.Eviction.Interval),
			ScanLimit:       c.Eviction.ScanLimit,
		},
	}
}

// LoadNodeConfig loads storage node configuration from a YAML file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &NodeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *NodeConfig) applyDefaults() {
	if c.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Name = host
		}
	}
	if c.KeepAliveInterval == "" {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.Topology.Location == "" {
		c.Topology.Location = DefaultLocation
	}
	if c.Transport.TCP.IsEnabled() && c.Transport.TCP.Listen == "" {
		c.Transport.TCP.Listen = DefaultTCPListen
	}
	if len(c.Transport.Order) == 0 {
		c.Transport.Order = []string{
			string(transport.BackendLocal),
			string(transport.BackendRDMA),
			string(transport.BackendTCP),
		}
	}
	// Expand home directory in topology path
	if strings.HasPrefix(c.Topology.File, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.Topology.File = filepath.Join(homeDir, c.Topology.File[2:])
		}
	}
}

// Validate checks if the node configuration is valid.
func (c *NodeConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Master == "" {
		return fmt.Errorf("master is required")
	}
	u, err := url.Parse(c.Master)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("master must be an http(s) URL, got %q", c.Master)
	}
	if c.Capacity == 0 {
		return fmt.Errorf("capacity is required")
	}
	if err := validateDuration("keepalive_interval", c.KeepAliveInterval); err != nil {
		return err
	}
	if err := validateBackends("transport.order", c.Transport.Order); err != nil {
		return err
	}
	for _, node := range slices.Sorted(maps.Keys(c.Transport.Nodes)) {
		nc := c.Transport.Nodes[node]
		if err := validateBackends("transport.nodes."+node+".preferred", nc.Preferred); err != nil {
			return err
		}
		if err := validateBackends("transport.nodes."+node+".disabled", nc.Disabled); err != nil {
			return err
		}
	}
	if !c.Transport.TCP.IsEnabled() && !c.Transport.RDMA.Enabled {
		return fmt.Errorf("at least one of transport.tcp and transport.rdma must be enabled")
	}
	if c.Transport.RDMA.Enabled {
		if len(c.Transport.RDMA.Devices) == 0 {
			return fmt.Errorf("transport.rdma.devices is required when rdma is enabled")
		}
		for i, d := range c.Transport.RDMA.Devices {
			if d.Name == "" || d.Address == "" {
				return fmt.Errorf("transport.rdma.devices[%d]: name and address are required", i)
			}
		}
	}
	return c.Loki.validate()
}

func (c LokiConfig) validate() error {
	if c.URL == "" {
		return nil
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("loki.url must be an http(s) URL, got %q", c.URL)
	}
	if c.FlushInterval != "" {
		return validateDuration("loki.flush_interval", c.FlushInterval)
	}
	return nil
}

// Interval returns the parsed flush interval, zero when unset.
func (c LokiConfig) Interval() time.Duration {
	return duration(c.FlushInterval)
}

func validateBackends(field string, names []string) error {
	for _, name := range names {
		switch transport.BackendType(name) {
		case transport.BackendLocal, transport.BackendRDMA, transport.BackendTCP:
		default:
			return fmt.Errorf("%s: unknown backend %q", field, name)
		}
	}
	return nil
}

// BackendOrder returns the configured backend preference.
func (c *NodeConfig) BackendOrder() []transport.BackendType {
	return backendTypes(c.Transport.Order)
}

// NodeBackends returns the per-peer backend overrides.
func (c *NodeConfig) NodeBackends() map[string]transport.NodeBackendConfig {
	out := make(map[string]transport.NodeBackendConfig, len(c.Transport.Nodes))
	for node, nc := range c.Transport.Nodes {
		out[node] = transport.NodeBackendConfig{
			Preferred: backendTypes(nc.Preferred),
			Disabled:  backendTypes(nc.Disabled),
		}
	}
	return out
}

func backendTypes(names []string) []transport.BackendType {
	out := make([]transport.BackendType, 0, len(names))
	for _, name := range names {
		out = append(out, transport.BackendType(name))
	}
	return out
}

// KeepAlive returns the parsed keepalive interval.
func (c *NodeConfig) KeepAlive() time.Duration {
	return duration(c.KeepAliveInterval)
}

// ApplyLogLevel sets the global zerolog level. Returns false when level is
// empty or unknown.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}

func validateDuration(name, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	return nil
}

func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
