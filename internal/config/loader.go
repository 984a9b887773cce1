package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the engine reads
const EnvPrefix = "ORGBACKUP"

// NewViper returns a viper instance reading path, or searching the usual
// locations for orgbackup.yaml when path is empty
func NewViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("orgbackup")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/orgbackup")
		v.AddConfigPath("/etc/orgbackup")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration through v, applies environment overrides and
// defaults, and validates the result. A missing config file is not an error
// when no explicit path was given.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	c := base()
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	c.LoadFromEnvironment()
	c.SetDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile is Load for a single file path
func LoadFile(path string) (*Config, error) {
	return Load(NewViper(path))
}

// Marshal renders c as YAML
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return data, nil
}

// WriteDefault writes the default configuration to path. An existing file
// is left alone unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists: %s", path)
		}
	}

	data, err := Default().Marshal()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}
