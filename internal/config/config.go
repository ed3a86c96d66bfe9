package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/FlameInTheDark/mcpbridge/internal/version"
)

// EnvPath names the environment variable the shared library reads its
// configuration path from.
const EnvPath = "MCPBRIDGE_CONFIG"

const (
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// ServerConfig is the default connection target used by mcpctl.
type ServerConfig struct {
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Transport string            `yaml:"transport,omitempty"` // "sse" or "streamable-http"
}

// Legacy reports whether the server uses the legacy SSE transport.
func (s ServerConfig) Legacy() bool {
	return s.Transport == TransportSSE
}

type Config struct {
	Client struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"client"`
	ProtocolVersion   string       `yaml:"protocol_version"`
	ValidateArguments bool         `yaml:"validate_arguments"`
	LogLevel          string       `yaml:"log_level"` // debug, info, warn, error
	Server            ServerConfig `yaml:"server"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv loads the file named by MCPBRIDGE_CONFIG, or returns defaults when
// the variable is unset.
func FromEnv() (*Config, error) {
	path := os.Getenv(EnvPath)
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.Client.Name == "" {
		c.Client.Name = "mcpbridge"
	}
	if c.Client.Version == "" {
		c.Client.Version = version.Version
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Transport == "" {
		c.Server.Transport = TransportStreamableHTTP
	}
}

func (c *Config) validate() error {
	switch c.Server.Transport {
	case TransportSSE, TransportStreamableHTTP:
	default:
		return fmt.Errorf("unknown server transport: %s", c.Server.Transport)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level returns the slog level for LogLevel.
func (c *Config) Level() slog.Level {
	l, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// Logger builds the stderr logger every component derives from.
func (c *Config) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.Level()}))
}
