// Package config loads the CLI configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config holds the cryptstore CLI settings.
type Config struct {
	// DataPath is the directory for the record store and key files.
	DataPath string `yaml:"dataPath"`
	// ChainID domain-separates decryption grants per deployment.
	ChainID uint64 `yaml:"chainId"`
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// Defaults applied when the file omits a field.
const (
	defaultDataPath = "data"
	defaultChainID  = 31337
)

// Load reads the YAML config at path. A missing file yields the
// defaults rather than an error.
func Load(path string) (Config, error) {
	config := Config{
		DataPath: defaultDataPath,
		ChainID:  defaultChainID,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}

	if config.DataPath == "" {
		config.DataPath = defaultDataPath
	}
	if config.ChainID == 0 {
		config.ChainID = defaultChainID
	}

	return config, nil
}
