package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"orientlink/pkg/protocol"
)

const DefaultConfigPath = "orientlink.toml"

type Config struct {
	Stream     StreamConfig   `toml:"stream"`
	Listener   ListenerConfig `toml:"listener"`
	Sender     SenderConfig   `toml:"sender"`
	Log        LogConfig      `toml:"log"`
	Bridge     BridgeConfig   `toml:"bridge"`
	Forward    ForwardConfig  `toml:"forward"`
	configPath string         `toml:"-"`
}

// StreamConfig is shared by both roles.
type StreamConfig struct {
	Addr    string `toml:"addr"`
	Framing string `toml:"framing"`
}

type ListenerConfig struct {
	ReadBuf int `toml:"read_buf"`
}

type SenderConfig struct {
	Interval        string  `toml:"interval"`
	StartupDelay    string  `toml:"startup_delay"`
	DialTimeout     string  `toml:"dial_timeout"`
	ConnectRetry    string  `toml:"connect_retry"`
	ConnectRetryMax string  `toml:"connect_retry_max"`
	ConnectAttempts int     `toml:"connect_attempts"`
	Count           int     `toml:"count"`
	Min             float64 `toml:"min"`
	Max             float64 `toml:"max"`
	Precision       int     `toml:"precision"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Record string `toml:"record,omitempty"`
}

type BridgeConfig struct {
	Enabled bool   `toml:"enabled"`
	WSAddr  string `toml:"ws_addr"`
	Name    string `toml:"name"`
	Frame   string `toml:"frame_id"`
	Parent  string `toml:"parent_frame"`
}

type ForwardConfig struct {
	Kind string `toml:"kind,omitempty"`
	Path string `toml:"path,omitempty"`
	Baud int    `toml:"baud,omitempty"`
}

func Default() Config {
	return Config{
		Stream: StreamConfig{
			Addr:    "127.0.0.1:4120",
			Framing: string(protocol.FramingRaw),
		},
		Listener: ListenerConfig{
			ReadBuf: 1024,
		},
		Sender: SenderConfig{
			Interval:        "500ms",
			StartupDelay:    "0s",
			DialTimeout:     "5s",
			ConnectRetry:    "100ms",
			ConnectRetryMax: "2s",
			Min:             protocol.DefaultMin,
			Max:             protocol.DefaultMax,
			Precision:       protocol.DefaultPrecision,
		},
		Log: LogConfig{
			Level: "info",
		},
		Bridge: BridgeConfig{
			WSAddr: "127.0.0.1:8765",
			Name:   "orientlink",
			Frame:  "sensor",
			Parent: "world",
		},
		Forward: ForwardConfig{
			Baud: 115200,
		},
	}
}

func Load(path string) (Config, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, os.ErrNotExist
	}
	return cfg, nil
}

// LoadOrDefault returns defaults when path does not exist. The bool
// reports whether a file was read.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize()
			return cfg, false, nil
		}
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.configPath = path
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}

func (cfg *Config) Save(path string) error {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	cfg.configPath = path
	return nil
}

func (cfg *Config) ConfigPath() string {
	return cfg.configPath
}

func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.Stream.Addr) == "" {
		return fmt.Errorf("stream.addr is empty")
	}
	if _, err := protocol.ParseFraming(cfg.Stream.Framing); err != nil {
		return fmt.Errorf("stream.framing: %w", err)
	}
	if cfg.Listener.ReadBuf <= 0 {
		return fmt.Errorf("listener.read_buf must be positive: %d", cfg.Listener.ReadBuf)
	}

	durations := map[string]string{
		"sender.interval":          cfg.Sender.Interval,
		"sender.startup_delay":     cfg.Sender.StartupDelay,
		"sender.dial_timeout":      cfg.Sender.DialTimeout,
		"sender.connect_retry":     cfg.Sender.ConnectRetry,
		"sender.connect_retry_max": cfg.Sender.ConnectRetryMax,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative: %s", key, value)
		}
	}
	if cfg.Sender.Min > cfg.Sender.Max {
		return fmt.Errorf("sender.min %.2f is greater than sender.max %.2f", cfg.Sender.Min, cfg.Sender.Max)
	}
	if cfg.Sender.Precision < 0 || cfg.Sender.Precision > 6 {
		return fmt.Errorf("sender.precision out of range: %d", cfg.Sender.Precision)
	}
	if cfg.Sender.ConnectAttempts < 0 {
		return fmt.Errorf("sender.connect_attempts must not be negative")
	}
	if cfg.Sender.Count < 0 {
		return fmt.Errorf("sender.count must not be negative")
	}

	switch cfg.Forward.Kind {
	case "":
	case "file", "serial":
		if cfg.Forward.Path == "" {
			return fmt.Errorf("forward.path is required for kind %q", cfg.Forward.Kind)
		}
		if cfg.Forward.Kind == "serial" && cfg.Forward.Baud <= 0 {
			return fmt.Errorf("forward.baud must be positive")
		}
	default:
		return fmt.Errorf("forward.kind %q is not one of file, serial", cfg.Forward.Kind)
	}
	return nil
}

func (cfg *Config) normalize() {
	def := Default()

	if cfg.Stream.Addr == "" {
		cfg.Stream.Addr = def.Stream.Addr
	}
	cfg.Stream.Framing = strings.ToLower(strings.TrimSpace(cfg.Stream.Framing))
	if cfg.Stream.Framing == "" {
		cfg.Stream.Framing = def.Stream.Framing
	}
	if cfg.Listener.ReadBuf == 0 {
		cfg.Listener.ReadBuf = def.Listener.ReadBuf
	}

	if cfg.Sender.Interval == "" {
		cfg.Sender.Interval = def.Sender.Interval
	}
	if cfg.Sender.StartupDelay == "" {
		cfg.Sender.StartupDelay = def.Sender.StartupDelay
	}
	if cfg.Sender.DialTimeout == "" {
		cfg.Sender.DialTimeout = def.Sender.DialTimeout
	}
	if cfg.Sender.ConnectRetry == "" {
		cfg.Sender.ConnectRetry = def.Sender.ConnectRetry
	}
	if cfg.Sender.ConnectRetryMax == "" {
		cfg.Sender.ConnectRetryMax = def.Sender.ConnectRetryMax
	}
	if cfg.Sender.Min == 0 && cfg.Sender.Max == 0 {
		cfg.Sender.Min = def.Sender.Min
		cfg.Sender.Max = def.Sender.Max
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}

	if cfg.Bridge.WSAddr == "" {
		cfg.Bridge.WSAddr = def.Bridge.WSAddr
	}
	if cfg.Bridge.Name == "" {
		cfg.Bridge.Name = def.Bridge.Name
	}
	if cfg.Bridge.Frame == "" {
		cfg.Bridge.Frame = def.Bridge.Frame
	}
	if cfg.Bridge.Parent == "" {
		cfg.Bridge.Parent = def.Bridge.Parent
	}

	cfg.Forward.Kind = strings.ToLower(strings.TrimSpace(cfg.Forward.Kind))
	if cfg.Forward.Baud == 0 {
		cfg.Forward.Baud = def.Forward.Baud
	}
}

// Framing returns the validated stream framing.
func (cfg *Config) Framing() protocol.Framing {
	f, err := protocol.ParseFraming(cfg.Stream.Framing)
	if err != nil {
		return protocol.FramingRaw
	}
	return f
}

// Duration parses one of the sender duration strings, falling back to def.
func Duration(value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return def
	}
	return d
}
