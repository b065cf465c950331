package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the node configuration. It is loaded once at startup and read-only afterwards.
type Config struct {
	Node         NodeConfig
	Project      ProjectConfig
	Offload      OffloadConfig
	Load         LoadConfig
	Registry     RegistryConfig
	Discovery    DiscoveryConfig
	Connectivity ConnectivityConfig
	NATS         NATSConfig
	History      HistoryConfig
	Log          LogConfig
}

// NodeConfig identifies this node and where peers reach it
type NodeConfig struct {
	ID            string
	ListenAddr    string
	AdvertiseHost string
	AdvertisePort int
}

// ProjectConfig is the identity WAN probes must match
type ProjectConfig struct {
	Name    string
	Version string
}

// OffloadConfig controls when and how work leaves this node
type OffloadConfig struct {
	CPUThreshold     float64
	SharedSecret     string
	RPCTimeout       time.Duration
	LoadQueryTimeout time.Duration
}

// LoadConfig configures local CPU sampling
type LoadConfig struct {
	SampleInterval time.Duration
}

// RegistryConfig bounds consecutive failures before a peer is dropped
type RegistryConfig struct {
	MaxFailures int
}

// DiscoveryConfig groups LAN and WAN discovery
type DiscoveryConfig struct {
	LAN LANConfig
	WAN WANConfig
}

// LANConfig configures mDNS advertisement and browsing
type LANConfig struct {
	Enabled         bool
	Service         string
	Domain          string
	RefreshInterval time.Duration
	BrowseWindow    time.Duration
}

// WANConfig configures static peers and the opt-in subnet scan
type WANConfig struct {
	StaticPeers      []string
	RefreshInterval  time.Duration
	ScanEnabled      bool
	ProbeConcurrency int
	ProbeTimeout     time.Duration
	PublicIPURL      string
}

// ConnectivityConfig configures the internet reachability check
type ConnectivityConfig struct {
	ProbeAddr string
	Timeout   time.Duration
}

// NATSConfig configures the optional load gossip bus. An empty URL disables it.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// HistoryConfig configures the submission history database
type HistoryConfig struct {
	DBPath    string
	Retention time.Duration
}

// LogConfig selects the production or development logger
type LogConfig struct {
	Production bool
}

// LANStaleness is the staleness TTL of LAN peers
func (c *Config) LANStaleness() time.Duration {
	return 2 * c.Discovery.LAN.RefreshInterval
}

// WANStaleness is the staleness TTL of static and probed peers
func (c *Config) WANStaleness() time.Duration {
	return 2 * c.Discovery.WAN.RefreshInterval
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "taskfabric-node"
	}

	v.SetDefault("node.id", hostname)
	v.SetDefault("node.listen_addr", ":7520")
	v.SetDefault("node.advertise_host", "")
	v.SetDefault("node.advertise_port", 7520)

	v.SetDefault("project.name", "distributed-task-system")
	v.SetDefault("project.version", "1.0")

	v.SetDefault("offload.cpu_threshold", 0.5)
	v.SetDefault("offload.shared_secret", "")
	v.SetDefault("offload.rpc_timeout", 12*time.Second)
	v.SetDefault("offload.load_query_timeout", 2*time.Second)

	v.SetDefault("load.sample_interval", 5*time.Second)

	v.SetDefault("registry.max_failures", 3)

	v.SetDefault("discovery.lan.enabled", true)
	v.SetDefault("discovery.lan.service", "_tasknode._tcp")
	v.SetDefault("discovery.lan.domain", "local.")
	v.SetDefault("discovery.lan.refresh_interval", 30*time.Second)
	v.SetDefault("discovery.lan.browse_window", 5*time.Second)

	v.SetDefault("discovery.wan.static_peers", []string{})
	v.SetDefault("discovery.wan.refresh_interval", 5*time.Minute)
	v.SetDefault("discovery.wan.scan_enabled", false)
	v.SetDefault("discovery.wan.probe_concurrency", 10)
	v.SetDefault("discovery.wan.probe_timeout", time.Second)
	v.SetDefault("discovery.wan.public_ip_url", "https://httpbin.org/ip")

	v.SetDefault("connectivity.probe_addr", "8.8.8.8:53")
	v.SetDefault("connectivity.timeout", 2*time.Second)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "taskfabric.load")

	v.SetDefault("history.db_path", ":memory:")
	v.SetDefault("history.retention", 30*24*time.Hour)

	v.SetDefault("log.production", false)
}

// Load reads ./config/config.yaml (or the file at path when non-empty), applies
// TASKFABRIC_* environment overrides and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("taskfabric")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Node: NodeConfig{
			ID:            v.GetString("node.id"),
			ListenAddr:    v.GetString("node.listen_addr"),
			AdvertiseHost: v.GetString("node.advertise_host"),
			AdvertisePort: v.GetInt("node.advertise_port"),
		},
		Project: ProjectConfig{
			Name:    v.GetString("project.name"),
			Version: v.GetString("project.version"),
		},
		Offload: OffloadConfig{
			CPUThreshold:     v.GetFloat64("offload.cpu_threshold"),
			SharedSecret:     v.GetString("offload.shared_secret"),
			RPCTimeout:       v.GetDuration("offload.rpc_timeout"),
			LoadQueryTimeout: v.GetDuration("offload.load_query_timeout"),
		},
		Load: LoadConfig{
			SampleInterval: v.GetDuration("load.sample_interval"),
		},
		Registry: RegistryConfig{
			MaxFailures: v.GetInt("registry.max_failures"),
		},
		Discovery: DiscoveryConfig{
			LAN: LANConfig{
				Enabled:         v.GetBool("discovery.lan.enabled"),
				Service:         v.GetString("discovery.lan.service"),
				Domain:          v.GetString("discovery.lan.domain"),
				RefreshInterval: v.GetDuration("discovery.lan.refresh_interval"),
				BrowseWindow:    v.GetDuration("discovery.lan.browse_window"),
			},
			WAN: WANConfig{
				StaticPeers:      v.GetStringSlice("discovery.wan.static_peers"),
				RefreshInterval:  v.GetDuration("discovery.wan.refresh_interval"),
				ScanEnabled:      v.GetBool("discovery.wan.scan_enabled"),
				ProbeConcurrency: v.GetInt("discovery.wan.probe_concurrency"),
				ProbeTimeout:     v.GetDuration("discovery.wan.probe_timeout"),
				PublicIPURL:      v.GetString("discovery.wan.public_ip_url"),
			},
		},
		Connectivity: ConnectivityConfig{
			ProbeAddr: v.GetString("connectivity.probe_addr"),
			Timeout:   v.GetDuration("connectivity.timeout"),
		},
		NATS: NATSConfig{
			URL:           v.GetString("nats.url"),
			SubjectPrefix: v.GetString("nats.subject_prefix"),
		},
		History: HistoryConfig{
			DBPath:    v.GetString("history.db_path"),
			Retention: v.GetDuration("history.retention"),
		},
		Log: LogConfig{
			Production: v.GetBool("log.production"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("%w: node.id must not be empty", ErrInvalidConfig)
	}
	if c.Node.AdvertisePort <= 0 || c.Node.AdvertisePort > 65535 {
		return fmt.Errorf("%w: node.advertise_port %d out of range", ErrInvalidConfig, c.Node.AdvertisePort)
	}
	if c.Offload.CPUThreshold <= 0 || c.Offload.CPUThreshold > 1 {
		return fmt.Errorf("%w: offload.cpu_threshold must be in (0, 1], got %v", ErrInvalidConfig, c.Offload.CPUThreshold)
	}
	if c.Discovery.WAN.ProbeConcurrency < 1 {
		return fmt.Errorf("%w: discovery.wan.probe_concurrency must be at least 1", ErrInvalidConfig)
	}

	durations := map[string]time.Duration{
		"offload.rpc_timeout":            c.Offload.RPCTimeout,
		"offload.load_query_timeout":     c.Offload.LoadQueryTimeout,
		"load.sample_interval":           c.Load.SampleInterval,
		"discovery.lan.refresh_interval": c.Discovery.LAN.RefreshInterval,
		"discovery.lan.browse_window":    c.Discovery.LAN.BrowseWindow,
		"discovery.wan.refresh_interval": c.Discovery.WAN.RefreshInterval,
		"discovery.wan.probe_timeout":    c.Discovery.WAN.ProbeTimeout,
		"connectivity.timeout":           c.Connectivity.Timeout,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, key)
		}
	}
	return nil
}

// ErrInvalidConfig is returned when a configuration value is out of range
var ErrInvalidConfig = errors.New("invalid configuration")
