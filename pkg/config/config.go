package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/gattlink/internal/decoder"
	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/gatt/goble"
)

// Output formats accepted by OutputFormat.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	DialTimeout    time.Duration `yaml:"dial_timeout" default:"30s"`
	EventBuffer    int           `yaml:"event_buffer" default:"64"`
	HistorySize    int           `yaml:"history_size" default:"128"`
	HeartRateFlags string        `yaml:"heart_rate_flags" default:"properties"`
	OutputFormat   string        `yaml:"output_format" default:"text"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout must not be negative, got %s", c.ConnectTimeout)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive, got %s", c.DialTimeout)
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event_buffer must be positive, got %d", c.EventBuffer)
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("history_size must be positive, got %d", c.HistorySize)
	}
	if _, err := decoder.ParseFlagSource(c.HeartRateFlags); err != nil {
		return fmt.Errorf("heart_rate_flags: %w", err)
	}
	switch strings.ToLower(c.OutputFormat) {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("output_format must be %q or %q, got %q", FormatText, FormatJSON, c.OutputFormat)
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// MachineOptions maps the lifecycle settings onto gatt.Options.
func (c *Config) MachineOptions() *gatt.Options {
	flags, err := decoder.ParseFlagSource(c.HeartRateFlags)
	if err != nil {
		flags = decoder.FlagsFromProperties
	}
	return &gatt.Options{
		ConnectTimeout: c.ConnectTimeout,
		HeartRateFlags: flags,
	}
}

// TransportOptions maps the radio settings onto goble.Options.
func (c *Config) TransportOptions() *goble.Options {
	return &goble.Options{DialTimeout: c.DialTimeout}
}
