package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// Load reads the YAML file at path (if it exists) and applies env overrides on top.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := read(path, &cfg); err != nil {
		return nil, err
	}
	cfg.MDR.AutoIncidentMinSeverity = strings.ToLower(strings.TrimSpace(cfg.MDR.AutoIncidentMinSeverity))
	return &cfg, nil
}

func LoadAgent(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := read(path, &cfg); err != nil {
		return nil, err
	}
	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	return &cfg, nil
}

func read(path string, dst any) error {
	path = strings.TrimSpace(path)
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, dst); err != nil {
				return fmt.Errorf("read config %s: %w", path, err)
			}
			return nil
		}
	}
	if err := cleanenv.ReadEnv(dst); err != nil {
		return fmt.Errorf("read env config: %w", err)
	}
	return nil
}
