package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// persistConfig writes cfg to path as indented JSON, creating parent
// directories as needed (SPEC_FULL.md §3, "Config persistence").
func persistConfig(path string, cfg TransposeConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("service: marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("service: create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("service: write config: %w", err)
	}
	return nil
}

// LoadPersistedConfig reads a config previously written by persistConfig.
// If path does not exist, it returns TransposeConfig{Enable: false}, nil
// (SPEC_FULL.md §3, "falling back to TransposeConfig{Enable: false}").
func LoadPersistedConfig(path string) (TransposeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return TransposeConfig{Enable: false}, nil
		}
		return TransposeConfig{}, fmt.Errorf("service: read config: %w", err)
	}

	var cfg TransposeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return TransposeConfig{}, fmt.Errorf("service: unmarshal config: %w", err)
	}
	return cfg, nil
}
