package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/deuxdrop/deuxdrop-go/pkg/ident"
)

// Config is the daemon configuration, loadable from YAML with flag
// overrides applied by the caller.
type Config struct {
	// Tag names this server's role in its self-ident.
	Tag string `yaml:"tag"`
	// Host is the externally reachable hostname published in the
	// self-ident.
	Host string `yaml:"host"`
	// Port is the websocket listen port.
	Port uint16 `yaml:"port"`
	// DataDir holds the storage engine's files.
	DataDir string `yaml:"dataDir"`
	// MinimumFreeGB aborts startup when the data volume is too full.
	MinimumFreeGB int `yaml:"minimumFreeGB"`
	// MaxAuthAgeDays bounds the age of longterm authorizations accepted
	// from self-idents. Zero accepts any age.
	MaxAuthAgeDays int `yaml:"maxAuthAgeDays"`
	// IdentityFile is where the server keyring lives.
	IdentityFile string `yaml:"identityFile"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Tag:          "transit",
		Host:         "localhost",
		Port:         7787,
		DataDir:      "./data",
		IdentityFile: "./identity.json",
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: host must not be empty")
	}
	if c.Port == 0 {
		return fmt.Errorf("config: port must not be zero")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir must not be empty")
	}
	return nil
}

// ServerInfo is the endpoint description published in the self-ident.
func (c Config) ServerInfo() ident.ServerInfo {
	return ident.ServerInfo{
		Tag:  c.Tag,
		Host: c.Host,
		Port: c.Port,
	}
}

// MaxAuthAge converts the configured bound to a duration.
func (c Config) MaxAuthAge() time.Duration {
	return time.Duration(c.MaxAuthAgeDays) * 24 * time.Hour
}

// ListenAddr is the host:port the daemon binds.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
