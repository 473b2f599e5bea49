package fablib

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/fabric-testbed/fablib-go/pkg/bastion"
)

// Config holds everything needed to talk to the testbed: the orchestrator
// endpoint, bastion credentials, and the keypair installed on slice nodes.
type Config struct {
	// OrchestratorHost is the slice orchestration service endpoint.
	OrchestratorHost string `yaml:"orchestrator_host"`

	// Project is the testbed project slices are created under.
	Project string `yaml:"project"`

	Bastion struct {
		Host          string `yaml:"host"`
		User          string `yaml:"user"`
		KeyFile       string `yaml:"key_file"`
		KeyPassphrase string `yaml:"key_passphrase,omitempty"`
	} `yaml:"bastion"`

	Slice struct {
		// User is the login account on provisioned nodes.
		User string `yaml:"user"`
		// KeyFile is the private half of the keypair installed on nodes.
		KeyFile string `yaml:"key_file"`
		// PublicKeyFile is the half handed to the orchestrator at submit.
		PublicKeyFile string `yaml:"public_key_file"`
	} `yaml:"slice"`

	LogLevel string `yaml:"log_level,omitempty"`
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fablib.yaml"
	}
	return filepath.Join(home, ".fablib", "config.yaml")
}

// LoadConfig reads configuration from the default location.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigPath())
}

// LoadConfigFrom reads configuration from a specific path.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields without which no operation can succeed.
func (c *Config) Validate() error {
	if c.OrchestratorHost == "" {
		return fmt.Errorf("orchestrator_host is required")
	}
	if c.Bastion.Host == "" || c.Bastion.User == "" || c.Bastion.KeyFile == "" {
		return fmt.Errorf("bastion host, user and key_file are required")
	}
	if c.Slice.User == "" || c.Slice.KeyFile == "" {
		return fmt.Errorf("slice user and key_file are required")
	}
	return nil
}

// BastionConfig converts the bastion section for the transport layer.
func (c *Config) BastionConfig() bastion.Config {
	return bastion.Config{
		Host:          c.Bastion.Host,
		User:          c.Bastion.User,
		KeyFile:       c.Bastion.KeyFile,
		KeyPassphrase: c.Bastion.KeyPassphrase,
	}
}

// SlicePublicKey reads the public key submitted with slice requests.
func (c *Config) SlicePublicKey() (string, error) {
	path := c.Slice.PublicKeyFile
	if path == "" {
		path = c.Slice.KeyFile + ".pub"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading public key %s: %w", path, err)
	}
	return string(data), nil
}
