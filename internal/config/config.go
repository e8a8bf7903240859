package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every flag name (upper-cased, dashes replaced
// with underscores) to form its environment variable, e.g. SEMABROKER_PORT.
const EnvPrefix = "SEMABROKER"

const (
	DefaultHost            = "localhost"
	DefaultPort            = 12345
	DefaultWriteTimeout    = 5 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultOutboxSize      = 64
	DefaultGCInterval      = 5 * time.Second
	DefaultGCMaxIdle       = 60 * time.Second
	DefaultLogFormat       = "text"
)

type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxConnections  int
	OutboxSize      int
	GCInterval      time.Duration
	GCMaxIdle       time.Duration
	TLSCert         string
	TLSKey          string
	MetricsListen   string
	LogFormat       string
	Debug           bool
	ConfigFile      string
}

// Addr returns the host:port the broker binds to.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RegisterFlags defines every broker flag on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("host", DefaultHost, "Bind address")
	fs.Int("port", DefaultPort, "Bind port")
	fs.Duration("read-timeout", 0, "Idle read timeout per connection (0 = none)")
	fs.Duration("write-timeout", DefaultWriteTimeout, "Per-write deadline (0 = none)")
	fs.Duration("shutdown-timeout", DefaultShutdownTimeout, "Graceful shutdown drain timeout (0 = wait forever)")
	fs.Int("max-connections", 0, "Maximum concurrent connections (0 = unlimited)")
	fs.Int("outbox-size", DefaultOutboxSize, "Outbound messages buffered per connection before it is dropped as a slow consumer")
	fs.Duration("gc-interval", DefaultGCInterval, "Idle semaphore eviction interval")
	fs.Duration("gc-max-idle", DefaultGCMaxIdle, "Idle time before an unlocked semaphore is evicted (0 = never)")
	fs.String("tls-cert", "", "Path to TLS certificate PEM file")
	fs.String("tls-key", "", "Path to TLS private key PEM file")
	fs.String("metrics-listen", "", "HTTP address serving /metrics and /stats (empty disables)")
	fs.String("log-format", DefaultLogFormat, "Log format (text, json)")
	fs.Bool("debug", false, "Enable debug logging")
	fs.StringP("config", "c", "", "Path to YAML config file")
}

// Bind wires fs and the SEMABROKER_* environment into v.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

// ReadFile loads the config file named by the "config" key, if any.
func ReadFile(v *viper.Viper) error {
	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

// FromViper builds a validated Config from the merged flag, env and file
// values held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Host:            v.GetString("host"),
		Port:            v.GetInt("port"),
		ReadTimeout:     v.GetDuration("read-timeout"),
		WriteTimeout:    v.GetDuration("write-timeout"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
		MaxConnections:  v.GetInt("max-connections"),
		OutboxSize:      v.GetInt("outbox-size"),
		GCInterval:      v.GetDuration("gc-interval"),
		GCMaxIdle:       v.GetDuration("gc-max-idle"),
		TLSCert:         v.GetString("tls-cert"),
		TLSKey:          v.GetString("tls-key"),
		MetricsListen:   v.GetString("metrics-listen"),
		LogFormat:       strings.ToLower(strings.TrimSpace(v.GetString("log-format"))),
		Debug:           v.GetBool("debug"),
		ConfigFile:      v.ConfigFileUsed(),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses args on a fresh flag set, applies SEMABROKER_* environment
// overrides and the optional config file, and validates the result.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("semabroker", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	v := viper.New()
	if err := Bind(v, fs); err != nil {
		return nil, err
	}
	if err := ReadFile(v); err != nil {
		return nil, err
	}
	return FromViper(v)
}

// Watch re-reads the config file on change and hands the new, validated
// Config to onChange. Invalid edits are reported to onError and otherwise
// ignored.
func Watch(v *viper.Viper, onChange func(*Config, fsnotify.Event), onError func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := FromViper(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg, e)
	})
	v.WatchConfig()
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("--port must be 0-65535 (got %d)", c.Port)
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("--read-timeout must be >= 0 (got %s)", c.ReadTimeout)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("--write-timeout must be >= 0 (got %s)", c.WriteTimeout)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("--shutdown-timeout must be >= 0 (got %s)", c.ShutdownTimeout)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("--max-connections must be >= 0 (got %d)", c.MaxConnections)
	}
	if c.OutboxSize <= 0 {
		return fmt.Errorf("--outbox-size must be > 0 (got %d)", c.OutboxSize)
	}
	if c.GCInterval <= 0 {
		return fmt.Errorf("--gc-interval must be > 0")
	}
	if c.GCMaxIdle < 0 {
		return fmt.Errorf("--gc-max-idle must be >= 0 (got %s)", c.GCMaxIdle)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("--log-format must be text or json (got %q)", c.LogFormat)
	}
	return nil
}
