package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DefaultKernel string          `yaml:"default_kernel"`
	SandboxRoot   string          `yaml:"sandbox_root"`
	Execution     ExecutionConfig `yaml:"execution"`
	Sessions      SessionsConfig  `yaml:"sessions"`
	History       HistoryConfig   `yaml:"history"`
}

type ExecutionConfig struct {
	TimeoutSeconds        int64 `yaml:"timeout_seconds"`
	StartupTimeoutSeconds int64 `yaml:"startup_timeout_seconds"`
	PollIntervalMillis    int64 `yaml:"poll_interval_millis"`
}

type SessionsConfig struct {
	MaxSessions        int   `yaml:"max_sessions"`
	IdleTimeoutSeconds int64 `yaml:"idle_timeout_seconds"` // 0 disables the idle reaper
}

type HistoryConfig struct {
	Disabled     bool   `yaml:"disabled"`
	DatabasePath string `yaml:"database_path"`
	MaxRetained  int    `yaml:"max_retained"`
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "kernelhub", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "kernelhub", "config.yaml"), nil
}

func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}
	if strings.TrimSpace(cfg.DefaultKernel) == "" {
		legacyCfg := struct {
			Kernel string `yaml:"kernel"`
		}{}
		if err := yaml.Unmarshal(b, &legacyCfg); err == nil && strings.TrimSpace(legacyCfg.Kernel) != "" {
			cfg.DefaultKernel = legacyCfg.Kernel
		}
	}

	cfg.DefaultKernel = strings.TrimSpace(cfg.DefaultKernel)
	cfg.SandboxRoot = strings.TrimSpace(cfg.SandboxRoot)
	return cfg, path, nil
}
