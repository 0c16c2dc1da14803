package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all flint server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	DBPath          string `json:"db_path"`
	WorkflowDir     string `json:"workflow_dir"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	VaultPassphrase string `json:"vault_passphrase,omitempty"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":4200",
		DBPath:      filepath.Join(flintDir(), "flint.db"),
		WorkflowDir: filepath.Join(flintDir(), "workflows"),
		LogLevel:    "info",
		PoolSize:    10,
	}
}

func flintDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flint"
	}
	return filepath.Join(home, ".flint")
}

func settingsPath() string {
	return filepath.Join(flintDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLINT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLINT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLINT_WORKFLOW_DIR"); v != "" {
		cfg.WorkflowDir = v
	}
	if v := os.Getenv("FLINT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLINT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLINT_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}

	return cfg
}
