package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValidationMode int

const (
	// ValidationEmulator needs what the card emulator needs: card, store
	// and database key.
	ValidationEmulator ValidationMode = iota
	// ValidationTerminal needs the terminal keys and ids.
	ValidationTerminal
)

type Config struct {
	Card     CardConfig     `yaml:"card"`
	Keys     KeysConfig     `yaml:"keys"`
	Terminal TerminalConfig `yaml:"terminal"`
	Emulator EmulatorConfig `yaml:"emulator"`
	Log      LogConfig      `yaml:"log"`
}

type CardConfig struct {
	ID       string `yaml:"id"`
	StoreDir string `yaml:"store_dir"`
}

// KeysConfig points at files holding 32-byte secp256k1 private keys as hex.
type KeysConfig struct {
	DatabaseKeyFile  string `yaml:"database_key_file"`
	CardKeyFile      string `yaml:"card_key_file"`
	ReceptionKeyFile string `yaml:"reception_key_file"`
	CarKeyFile       string `yaml:"car_key_file"`
}

type TerminalConfig struct {
	ReceptionID string `yaml:"reception_id"`
	CarID       string `yaml:"car_id"`
	ReaderIndex *int   `yaml:"reader_index"`
}

type EmulatorConfig struct {
	Socket      string `yaml:"socket"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const DefaultSocket = "/tmp/carcard.sock"

func Load(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.applyDefaults()
	cfg.resolvePaths(path)
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Emulator.Socket) == "" {
		c.Emulator.Socket = DefaultSocket
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate(mode ValidationMode) error {
	if err := c.validateCommon(); err != nil {
		return err
	}

	switch mode {
	case ValidationEmulator:
		return c.validateEmulator()
	case ValidationTerminal:
		return c.validateTerminal()
	default:
		return fmt.Errorf("unsupported validation mode: %d", mode)
	}
}

func (c *Config) validateCommon() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	if err := requireFile(c.Keys.DatabaseKeyFile, "config.keys.database_key_file"); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateEmulator() error {
	if strings.TrimSpace(c.Card.ID) == "" {
		return fmt.Errorf("config.card.id is required")
	}
	if strings.TrimSpace(c.Card.StoreDir) == "" {
		return fmt.Errorf("config.card.store_dir is required")
	}
	if c.Keys.CardKeyFile != "" {
		if err := validateReadableFile(c.Keys.CardKeyFile, "config.keys.card_key_file"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateTerminal() error {
	if strings.TrimSpace(c.Terminal.ReceptionID) == "" {
		return fmt.Errorf("config.terminal.reception_id is required")
	}
	if strings.TrimSpace(c.Terminal.CarID) == "" {
		return fmt.Errorf("config.terminal.car_id is required")
	}
	if err := requireFile(c.Keys.ReceptionKeyFile, "config.keys.reception_key_file"); err != nil {
		return err
	}
	if err := requireFile(c.Keys.CarKeyFile, "config.keys.car_key_file"); err != nil {
		return err
	}
	if c.Terminal.ReaderIndex != nil && *c.Terminal.ReaderIndex < 0 {
		return fmt.Errorf("config.terminal.reader_index must be >= 0")
	}
	return nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Card.StoreDir = resolvePath(configDir, c.Card.StoreDir)
	c.Keys.DatabaseKeyFile = resolvePath(configDir, c.Keys.DatabaseKeyFile)
	c.Keys.CardKeyFile = resolvePath(configDir, c.Keys.CardKeyFile)
	c.Keys.ReceptionKeyFile = resolvePath(configDir, c.Keys.ReceptionKeyFile)
	c.Keys.CarKeyFile = resolvePath(configDir, c.Keys.CarKeyFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func requireFile(path string, field string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return validateReadableFile(path, field)
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}

// LoadKeyHexFile reads a 32-byte private key written as hex.
func LoadKeyHexFile(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key file %s: expected 32 bytes, got %d", path, len(key))
	}
	return key, nil
}
