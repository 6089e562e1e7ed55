package config

import (
	"gopkg.in/yaml.v3"
)

// Dump renders cfg as YAML using the same keys the config file accepts.
func Dump(cfg ConfigDefaults) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Parse decodes YAML produced by Dump on top of the defaults.
func Parse(data []byte) (ConfigDefaults, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ConfigDefaults{}, err
	}
	return cfg, nil
}
