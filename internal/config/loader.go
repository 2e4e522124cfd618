package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigLoader handles loading and parsing engine configuration
type ConfigLoader struct {
	configPath string
}

// NewConfigLoader creates a new configuration loader
func NewConfigLoader(configPath string) *ConfigLoader {
	return &ConfigLoader{
		configPath: configPath,
	}
}

// LoadConfig loads the configuration from defaults, then file, then environment
func (cl *ConfigLoader) LoadConfig() (*EngineConfig, error) {
	config := &EngineConfig{}

	if cl.configPath != "" {
		if err := cl.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.SetDefaults()
	config.LoadFromEnvironment()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// loadFromFile loads configuration from a YAML file; a missing file is not an error
func (cl *ConfigLoader) loadFromFile(config *EngineConfig) error {
	if _, err := os.Stat(cl.configPath); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(cl.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cl.configPath, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// SaveConfig saves the configuration to a YAML file
func (cl *ConfigLoader) SaveConfig(config *EngineConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cl.configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// 0600: the file may carry database and storage credentials
	if err := os.WriteFile(cl.configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadConfigFromBytes loads configuration from YAML bytes
func LoadConfigFromBytes(data []byte) (*EngineConfig, error) {
	config := &EngineConfig{}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.SetDefaults()
	config.LoadFromEnvironment()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// GenerateDefaultConfig returns a configuration with every default applied
func GenerateDefaultConfig() *EngineConfig {
	config := &EngineConfig{}
	config.Database.Username = "backup"
	config.Database.Database = "blog"
	config.SetDefaults()
	return config
}
