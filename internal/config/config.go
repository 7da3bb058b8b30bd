// Package config loads the mesh core's runtime configuration: node
// identity, MAC timing parameters, MLE timers, network-data and radio
// settings, plus the ambient services (settings backing store, notifier,
// diagnostics API).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML as a human-readable
// string ("1s", "16us", "2m30s") via time.ParseDuration, rather than the
// bare integer-nanoseconds yaml.v3 would otherwise require.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ns int64
	if err := value.Decode(&ns); err == nil {
		*d = Duration(ns)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string (e.g. \"1s\") or an integer count of nanoseconds: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Config is the top-level configuration document.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Mac         MacConfig         `yaml:"mac"`
	Mle         MleConfig         `yaml:"mle"`
	NetworkData NetworkDataConfig `yaml:"network_data"`
	Radio       RadioConfig       `yaml:"radio"`
	Settings    SettingsConfig    `yaml:"settings"`
	Notifier    NotifierConfig    `yaml:"notifier"`
	Diag        DiagConfig        `yaml:"diag"`
	Log         LogConfig         `yaml:"log"`
}

// NodeConfig identifies this node on the mesh.
type NodeConfig struct {
	ExtAddressHex string `yaml:"ext_address"`
	NetworkKeyHex string `yaml:"network_key"`
	PanID         uint16 `yaml:"pan_id"`
	Channel       uint8  `yaml:"channel"`
	RxOnWhenIdle  bool   `yaml:"rx_on_when_idle"`
	FtdCapable    bool   `yaml:"ftd_capable"`
	LeaderWeight  uint8  `yaml:"leader_weight"`
}

// MacConfig carries the CSMA/CA and retry parameters of §4.4.
type MacConfig struct {
	MinBackoffExponent uint8    `yaml:"min_backoff_exponent"`
	MaxBackoffExponent uint8    `yaml:"max_backoff_exponent"`
	MaxCsmaBackoffs    uint8    `yaml:"max_csma_backoffs"`
	MaxFrameRetries    uint8    `yaml:"max_frame_retries"`
	AckWaitSymbols     uint32   `yaml:"ack_wait_symbols"`
	SymbolPeriod       Duration `yaml:"symbol_period"`
	DuplicateWindow    Duration `yaml:"duplicate_window"`
}

// MleConfig carries MLE timing and attach parameters of §4.6.
type MleConfig struct {
	ParentResponseWindow Duration `yaml:"parent_response_window"`
	TrickleMin           Duration `yaml:"trickle_min"`
	TrickleMax           Duration `yaml:"trickle_max"`
	MaxNeighborAge       Duration `yaml:"max_neighbor_age"`
	ChildTimeout         Duration `yaml:"child_timeout"`
	MaxChildren          int      `yaml:"max_children"`
	MaxRouters           int      `yaml:"max_routers"`
}

// NetworkDataConfig carries network-data / steering-filter parameters of §4.7.
type NetworkDataConfig struct {
	SteeringFilterBits int `yaml:"steering_filter_bits"`
}

// RadioConfig carries multi-radio link-preference parameters of §4.9.
type RadioConfig struct {
	TrelEnabled      bool  `yaml:"trel_enabled"`
	TrelProbePercent int   `yaml:"trel_probe_percent"`
	HighPreference   uint8 `yaml:"high_preference"`
}

// SettingsConfig selects the settings backing store (spec §4.11).
type SettingsConfig struct {
	Backend string `yaml:"backend"` // "memory" or "postgres"
	DSN     string `yaml:"dsn"`
}

// NotifierConfig wires the state-change event bus (SPEC_FULL ambient stack).
type NotifierConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DiagConfig controls the read-only diagnostics HTTP surface.
type DiagConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Default returns a Config populated with the same defaults the OpenThread
// stack ships (min_be=3, max_be=5, 4 csma backoffs, 54-symbol ack wait).
func Default() Config {
	return Config{
		Node: NodeConfig{
			PanID:        0xffff,
			Channel:      11,
			RxOnWhenIdle: true,
			FtdCapable:   true,
			LeaderWeight: 64,
		},
		Mac: MacConfig{
			MinBackoffExponent: 3,
			MaxBackoffExponent: 5,
			MaxCsmaBackoffs:    4,
			MaxFrameRetries:    3,
			AckWaitSymbols:     54,
			SymbolPeriod:       Duration(16 * time.Microsecond),
			DuplicateWindow:    Duration(2 * time.Second),
		},
		Mle: MleConfig{
			ParentResponseWindow: Duration(time.Second),
			TrickleMin:           Duration(10 * time.Second),
			TrickleMax:           Duration(20 * time.Second),
			MaxNeighborAge:       Duration(110 * time.Second),
			ChildTimeout:         Duration(240 * time.Second),
			MaxChildren:          32,
			MaxRouters:           32,
		},
		NetworkData: NetworkDataConfig{
			SteeringFilterBits: 16,
		},
		Radio: RadioConfig{
			TrelEnabled:      false,
			TrelProbePercent: 10,
			HighPreference:   10,
		},
		Settings: SettingsConfig{
			Backend: "memory",
		},
		Notifier: NotifierConfig{
			SubjectPrefix: "mesh",
		},
		Diag: DiagConfig{
			ListenAddr: "127.0.0.1:8802",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML document from filename, applies it over Default(),
// then applies environment overrides.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("MESHCORE_SETTINGS_DSN"); dsn != "" {
		c.Settings.DSN = dsn
		c.Settings.Backend = "postgres"
	}
	if url := os.Getenv("MESHCORE_NATS_URL"); url != "" {
		c.Notifier.NATSURL = url
	}
	if level := os.Getenv("MESHCORE_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if addr := os.Getenv("MESHCORE_DIAG_ADDR"); addr != "" {
		c.Diag.ListenAddr = addr
	}
}

func (c *Config) validate() error {
	if c.Node.Channel < 11 || c.Node.Channel > 26 {
		return fmt.Errorf("channel %d out of 802.15.4 2.4GHz range (11-26)", c.Node.Channel)
	}
	if c.Mac.MinBackoffExponent > c.Mac.MaxBackoffExponent {
		return fmt.Errorf("min_backoff_exponent (%d) exceeds max_backoff_exponent (%d)",
			c.Mac.MinBackoffExponent, c.Mac.MaxBackoffExponent)
	}
	if c.NetworkData.SteeringFilterBits <= 0 || c.NetworkData.SteeringFilterBits > 256 {
		return fmt.Errorf("steering_filter_bits out of range: %d", c.NetworkData.SteeringFilterBits)
	}
	switch c.Settings.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown settings backend: %q", c.Settings.Backend)
	}
	return nil
}
