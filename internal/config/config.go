package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration that unmarshals from YAML strings such as "1s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// CaptureConfig selects where packets come from.
type CaptureConfig struct {
	Interface   string `yaml:"interface"`
	ReadFile    string `yaml:"read_file"`
	SnapshotLen int32  `yaml:"snapshot_len"`
	Promiscuous bool   `yaml:"promiscuous"`
}

// TrackerConfig holds the connection table settings.
type TrackerConfig struct {
	RefreshInterval   Duration `yaml:"refresh_interval"`
	RemoveTimeout     Duration `yaml:"remove_timeout"`
	LockTimeout       Duration `yaml:"lock_timeout"`
	RateWindow        Duration `yaml:"rate_window"`
	DetectExisting    bool     `yaml:"detect_existing"`
	LocalNetworks     []string `yaml:"local_networks"`
	LocalNetworksFile string   `yaml:"local_networks_file"`
	ServerAddresses   []string `yaml:"server_addresses"`
}

// ResolverConfig controls asynchronous name resolution.
type ResolverConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Timeout      Duration `yaml:"timeout"`
	MaxInflight  int64    `yaml:"max_inflight"`
	ServicesFile string   `yaml:"services_file"`
	// CacheSize bounds the number of cached hostnames per outcome.
	CacheSize int `yaml:"cache_size"`
	// CacheTTL is how long a resolved name is kept; NegativeTTL is how long
	// a failed lookup is remembered before it is retried.
	CacheTTL    Duration `yaml:"cache_ttl"`
	NegativeTTL Duration `yaml:"negative_ttl"`
}

// GobConfig holds the gob archive sink settings.
type GobConfig struct {
	RootPath string `yaml:"root_path"`
}

// ClickHouseConfig holds the ClickHouse connection details.
type ClickHouseConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Database  string `yaml:"database"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BatchSize int    `yaml:"batch_size"`
}

// SinkDef defines a single disposal sink.
type SinkDef struct {
	Type       string           `yaml:"type"`
	Enabled    bool             `yaml:"enabled"`
	Gob        GobConfig        `yaml:"gob"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// CollectorConfig configures what happens to connections removed from the table.
type CollectorConfig struct {
	QueueSize int       `yaml:"queue_size"`
	Sinks     []SinkDef `yaml:"sinks"`
}

// ProbeConfig holds the NATS transport settings.
type ProbeConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// APIConfig holds the HTTP API settings.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig holds the logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	File   string `yaml:"file"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Capture   CaptureConfig   `yaml:"capture"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Collector CollectorConfig `yaml:"collector"`
	Probe     ProbeConfig     `yaml:"probe"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns a configuration that works without a config file.
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			SnapshotLen: 1600,
		},
		Tracker: TrackerConfig{
			RefreshInterval: Duration(time.Second),
			RemoveTimeout:   Duration(10 * time.Second),
			LockTimeout:     Duration(2 * time.Second),
			RateWindow:      Duration(3 * time.Second),
			DetectExisting:  true,
		},
		Resolver: ResolverConfig{
			Enabled:      true,
			Timeout:      Duration(2 * time.Second),
			MaxInflight:  32,
			ServicesFile: "/etc/services",
			CacheSize:    4096,
			CacheTTL:     Duration(time.Hour),
			NegativeTTL:  Duration(time.Minute),
		},
		Collector: CollectorConfig{
			QueueSize: 1024,
			Sinks:     []SinkDef{{Type: "log", Enabled: true}},
		},
		Probe: ProbeConfig{
			NATSURL: "nats://127.0.0.1:4222",
			Subject: "ct.packets",
		},
		API: APIConfig{
			ListenAddr: ":8080",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads the configuration from a YAML file on top of Default and
// validates the result.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that the tracker cannot run without.
func (c *Config) Validate() error {
	if c.Tracker.RefreshInterval <= 0 {
		return fmt.Errorf("%w: tracker.refresh_interval must be positive", ErrInvalid)
	}
	if c.Tracker.LockTimeout <= 0 {
		return fmt.Errorf("%w: tracker.lock_timeout must be positive", ErrInvalid)
	}
	if c.Tracker.RemoveTimeout < 0 {
		return fmt.Errorf("%w: tracker.remove_timeout must not be negative", ErrInvalid)
	}
	if c.Tracker.RateWindow <= 0 {
		return fmt.Errorf("%w: tracker.rate_window must be positive", ErrInvalid)
	}
	if c.Capture.Interface != "" && c.Capture.ReadFile != "" {
		return fmt.Errorf("%w: capture.interface and capture.read_file are mutually exclusive", ErrInvalid)
	}
	if c.Resolver.Enabled && c.Resolver.MaxInflight <= 0 {
		return fmt.Errorf("%w: resolver.max_inflight must be positive", ErrInvalid)
	}
	if c.Resolver.Enabled && c.Resolver.CacheSize <= 0 {
		return fmt.Errorf("%w: resolver.cache_size must be positive", ErrInvalid)
	}
	for i, s := range c.Collector.Sinks {
		if s.Type == "" {
			return fmt.Errorf("%w: collector.sinks[%d] has no type", ErrInvalid, i)
		}
	}
	return nil
}
