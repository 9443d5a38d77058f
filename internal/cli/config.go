// Package cli holds the configuration and logging shared by the comlink
// commands.
package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Transport modes.
const (
	ModeStdio = "stdio"
	ModeTCP   = "tcp"
	ModeGRPC  = "grpc"
)

// LogLevelEnv overrides the configured log level.
const LogLevelEnv = "COMLINK_LOG_LEVEL"

// Config is the command configuration.
type Config struct {
	Mode            string
	Address         string
	Command         []string
	Name            string
	LogLevel        string
	MaxFragmentSize int
	CloseTimeout    time.Duration
	CallTimeout     time.Duration
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeStdio,
		Address:         "127.0.0.1:7700",
		Command:         []string{"comlinkd", "-mode", ModeStdio},
		Name:            "comlinkd",
		LogLevel:        "info",
		MaxFragmentSize: 32 * 1024,
		CloseTimeout:    5 * time.Second,
		CallTimeout:     10 * time.Second,
	}
}

type fileConfig struct {
	Mode            string   `toml:"mode"`
	Address         string   `toml:"address"`
	Command         []string `toml:"command"`
	Name            string   `toml:"name"`
	LogLevel        string   `toml:"log_level"`
	MaxFragmentSize int      `toml:"max_fragment_size"`
	CloseTimeout    string   `toml:"close_timeout"`
	CallTimeout     string   `toml:"call_timeout"`
}

// Load reads the TOML file at path over the defaults. An empty path yields
// the defaults. The LogLevelEnv environment variable wins over the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = decodeFile(path, cfg); err != nil {
			return Config{}, err
		}
	}
	if lvl := strings.TrimSpace(os.Getenv(LogLevelEnv)); lvl != "" {
		cfg.LogLevel = lvl
	}
	return cfg, cfg.Validate()
}

func decodeFile(path string, cfg Config) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("mode") {
		cfg.Mode = strings.ToLower(strings.TrimSpace(raw.Mode))
	}
	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("command") {
		cfg.Command = raw.Command
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("max_fragment_size") {
		cfg.MaxFragmentSize = raw.MaxFragmentSize
	}
	if meta.IsDefined("close_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CloseTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse close_timeout: %w", err)
		}
		cfg.CloseTimeout = d
	}
	if meta.IsDefined("call_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CallTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse call_timeout: %w", err)
		}
		cfg.CallTimeout = d
	}
	return cfg, nil
}

// Validate checks the mode and the values it needs.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeStdio:
	case ModeTCP, ModeGRPC:
		if c.Address == "" {
			return fmt.Errorf("mode %s requires an address", c.Mode)
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.MaxFragmentSize < 0 {
		return fmt.Errorf("max_fragment_size must not be negative")
	}
	return nil
}
