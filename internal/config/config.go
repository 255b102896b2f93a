// Package config provides configuration parsing and validation for the
// messenger core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Storage   StorageConfig   `yaml:"storage"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ListenConfig controls the TCP listener the host side binds.
type ListenConfig struct {
	Address string `yaml:"address"`
}

// StorageConfig names the directories the process reads and writes to.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	DownloadDir string `yaml:"download_dir"`
	TempDir     string `yaml:"temp_dir"`
}

// SessionConfig tunes the handshake and encrypted-loop engine.
type SessionConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	OutboundSoftCap   int           `yaml:"outbound_soft_cap"`
	PersistInterval   time.Duration `yaml:"persist_interval"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimitConfig optionally throttles each session's connection in both
// directions, using a token bucket; zero RatePerSecond disables limiting.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// DefaultListenAddr is the frozen default port per the external
// interface contract.
const DefaultListenAddr = ":12345"

// Default returns a Config populated with the process defaults.
func Default() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		Listen: ListenConfig{Address: DefaultListenAddr},
		Storage: StorageConfig{
			DataDir:     dataDir,
			DownloadDir: filepath.Join(dataDir, "downloads"),
			TempDir:     filepath.Join(dataDir, "tmp"),
		},
		Session: SessionConfig{
			HandshakeTimeout:  15 * time.Second,
			KeepaliveInterval: 30 * time.Second,
			OutboundSoftCap:   1024,
			PersistInterval:   30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultDataDir returns the platform per-user data directory for this
// application: $XDG_DATA_HOME (or ~/.local/share) on Linux, and
// os.UserConfigDir elsewhere. If none can be resolved it returns the
// relative path ".p2pmsg".
func DefaultDataDir() string {
	if runtime.GOOS == "linux" {
		if base := os.Getenv("XDG_DATA_HOME"); base != "" {
			return filepath.Join(base, "p2pmsg")
		}
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			return filepath.Join(home, ".local", "share", "p2pmsg")
		}
	}
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		return ".p2pmsg"
	}
	return filepath.Join(base, "p2pmsg")
}

// Load reads and parses a YAML configuration file, starting from
// Default() and overlaying whatever the file sets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes, expanding ${VAR}/$VAR environment
// references first, and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for internally inconsistent or
// missing required values.
func (c *Config) Validate() error {
	var errs []string

	if c.Storage.DataDir == "" {
		errs = append(errs, "storage.data_dir is required")
	}
	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s", c.Logging.Format))
	}
	if c.Session.HandshakeTimeout <= 0 {
		errs = append(errs, "session.handshake_timeout must be positive")
	}
	if c.Session.OutboundSoftCap <= 0 {
		errs = append(errs, "session.outbound_soft_cap must be positive")
	}
	if c.RateLimit.RatePerSecond < 0 {
		errs = append(errs, "rate_limit.rate_per_second must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}
