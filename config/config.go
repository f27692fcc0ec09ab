package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// APIKeyConfig binds a gateway API key to the principal it acts for. The
// principal is a bech32 address; requests authenticated with the key are
// executed with that identity as the verified signer.
type APIKeyConfig struct {
	Key       string `toml:"Key"`
	Secret    string `toml:"Secret"`
	Principal string `toml:"Principal"`
}

type Config struct {
	ListenAddress string         `toml:"ListenAddress"`
	DataDir       string         `toml:"DataDir"`
	DomainTag     string         `toml:"DomainTag"`
	Env           string         `toml:"Env"`
	LogFile       string         `toml:"LogFile"`
	APIKeys       []APIKeyConfig `toml:"APIKeys"`
}

const (
	defaultListenAddress = ":8545"
	defaultDataDir       = "./escrowd-data"
	// defaultDomainTag is the registration identity escrow vault addresses
	// are derived under. Changing it on a live deployment orphans every
	// existing vault, so it is configuration, not a hardcoded global.
	defaultDomainTag = "escrow"
)

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks fields that have no sensible fallback.
func (c *Config) Validate() error {
	for i, key := range c.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("config: APIKeys[%d] needs both Key and Secret", i)
		}
		if strings.TrimSpace(key.Principal) == "" {
			return fmt.Errorf("config: APIKeys[%d] needs a Principal address", i)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaultDataDir
	}
	if strings.TrimSpace(cfg.DomainTag) == "" {
		cfg.DomainTag = defaultDomainTag
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
