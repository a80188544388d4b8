// Package config loads verbsctl configuration from defaults, an optional YAML
// file and VERBSCTL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/verbs-go/verbs"
)

// EnvPrefix prefixes every environment override, e.g. VERBSCTL_QP_DEPTH.
const EnvPrefix = "VERBSCTL"

// Provider names accepted in the provider key.
const (
	ProviderLoopback = "loopback"
	ProviderIBVerbs  = "ibverbs"
)

// Config is the verbsctl configuration.
type Config struct {
	// Provider selects the verbs backend.
	Provider string `mapstructure:"provider" yaml:"provider"`

	// Device is the RDMA device name; empty selects the first one.
	Device string `mapstructure:"device" yaml:"device"`

	// Port is the physical port queue pairs bind to.
	Port int `mapstructure:"port" yaml:"port"`

	QPDepth       int `mapstructure:"qp_depth" yaml:"qp_depth"`
	CQDepth       int `mapstructure:"cq_depth" yaml:"cq_depth"`
	MaxSGE        int `mapstructure:"max_sge" yaml:"max_sge"`
	MaxInlineData int `mapstructure:"max_inline_data" yaml:"max_inline_data"`

	Handshake HandshakeConfig `mapstructure:"handshake" yaml:"handshake"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// HandshakeConfig configures the connection manager endpoint.
type HandshakeConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn or error.
	Level string `mapstructure:"level" yaml:"level"`
	// Development switches to the zap development encoder.
	Development bool `mapstructure:"development" yaml:"development"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Options are command line overrides applied after the file and environment.
type Options struct {
	Provider    string
	Device      string
	LogLevel    string
	MetricsAddr string
}

// Load reads configuration. An empty configPath searches ./verbsctl.yaml,
// /etc/verbsctl and $HOME/.verbsctl and tolerates a missing file.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("verbsctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/verbsctl")
		v.AddConfigPath("$HOME/.verbsctl")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Provider != "" {
		v.Set("provider", opts.Provider)
	}
	if opts.Device != "" {
		v.Set("device", opts.Device)
	}
	if opts.LogLevel != "" {
		v.Set("log.level", opts.LogLevel)
	}
	if opts.MetricsAddr != "" {
		v.Set("metrics.addr", opts.MetricsAddr)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration Load produces with no file or overrides.
func Default() Config {
	d := verbs.DefaultConfig()
	return Config{
		Provider:      ProviderLoopback,
		Port:          int(d.Port),
		QPDepth:       d.QPDepth,
		CQDepth:       d.CQDepth,
		MaxSGE:        d.MaxSGE,
		MaxInlineData: d.MaxInlineData,
		Handshake:     HandshakeConfig{Port: d.HandshakePort},
		Log:           LogConfig{Level: "info"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("provider", d.Provider)
	v.SetDefault("device", d.Device)
	v.SetDefault("port", d.Port)
	v.SetDefault("qp_depth", d.QPDepth)
	v.SetDefault("cq_depth", d.CQDepth)
	v.SetDefault("max_sge", d.MaxSGE)
	v.SetDefault("max_inline_data", d.MaxInlineData)
	v.SetDefault("handshake.host", d.Handshake.Host)
	v.SetDefault("handshake.port", d.Handshake.Port)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

func (c *Config) validate() error {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	switch c.Provider {
	case ProviderLoopback, ProviderIBVerbs:
	default:
		return fmt.Errorf("unknown provider %q (want %s or %s)", c.Provider, ProviderLoopback, ProviderIBVerbs)
	}
	if c.Port < 1 || c.Port > 255 {
		return fmt.Errorf("port must be between 1 and 255, got %d", c.Port)
	}
	if c.QPDepth <= 0 {
		return fmt.Errorf("qp_depth must be positive, got %d", c.QPDepth)
	}
	if c.CQDepth <= 0 {
		return fmt.Errorf("cq_depth must be positive, got %d", c.CQDepth)
	}
	if c.MaxSGE <= 0 {
		return fmt.Errorf("max_sge must be positive, got %d", c.MaxSGE)
	}
	if c.MaxInlineData < 0 {
		return fmt.Errorf("max_inline_data must not be negative, got %d", c.MaxInlineData)
	}
	if c.Handshake.Port < 1 || c.Handshake.Port > 65535 {
		return fmt.Errorf("handshake.port must be between 1 and 65535, got %d", c.Handshake.Port)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses Log.Level.
func (c Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return lvl, fmt.Errorf("invalid log.level: %w", err)
	}
	return lvl, nil
}

// Verbs converts c to the device configuration.
func (c Config) Verbs() verbs.Config {
	return verbs.Config{
		DeviceName:    c.Device,
		Port:          uint8(c.Port),
		QPDepth:       c.QPDepth,
		CQDepth:       c.CQDepth,
		MaxSGE:        c.MaxSGE,
		MaxInlineData: c.MaxInlineData,
		HandshakePort: c.Handshake.Port,
	}
}

// Dump writes c as YAML.
func Dump(w io.Writer, c Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
