package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/fieldvoice/fieldvoice/internal/logging"
)

var ErrConfigNotFound = errors.New("config not found")

const TokenEnvVar = "FIELDVOICE_TOKEN"

func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}

	dir := filepath.Join(configDir, "fieldvoice")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

func GetConfigPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(configPath)
}

// LoadFile decodes path over the defaults, so keys missing from the file keep
// their default values.
func LoadFile(configPath string) (*Config, error) {
	log := logging.WithComponent("config")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w at %s: run fieldvoice configure", ErrConfigNotFound, configPath)
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		log.Warn().Interface("keys", undecoded).Msg("ignoring unknown config keys")
	}

	LoadEnv(filepath.Dir(configPath))

	log.Debug().Str("path", configPath).Msg("configuration loaded")
	return config, nil
}

// LoadEnv reads .env files from the working directory and dir. Variables
// already set in the environment are not overridden.
func LoadEnv(dir string) {
	for _, path := range []string{".env", filepath.Join(dir, ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			log := logging.WithComponent("config")
			log.Warn().Err(err).Str("path", path).Msg("failed to load env file")
		}
	}
}

// Save writes c to the default config path.
func Save(c *Config) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	return SaveFile(configPath, c)
}

func SaveFile(configPath string, c *Config) error {
	var buf bytes.Buffer
	buf.WriteString("# fieldvoice configuration\n")
	buf.WriteString("# Changes are picked up by a running `fieldvoice serve` without restart.\n")
	buf.WriteString("# The server token may be left empty and provided as " + TokenEnvVar + ".\n\n")
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, configPath); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}
