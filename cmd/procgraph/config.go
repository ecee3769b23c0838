package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds the procgraph CLI configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	LogFormat     string `json:"log_format"`
	PoolSize      int    `json:"pool_size"`
	Pedantic      bool   `json:"pedantic"`
	ConditionLang string `json:"condition_lang"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(procgraphDir(), "procgraph.db"),
		LogLevel:      "info",
		LogFormat:     "text",
		PoolSize:      4,
		Pedantic:      true,
		ConditionLang: "cel",
	}
}

func procgraphDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".procgraph"
	}
	return filepath.Join(home, ".procgraph")
}

func settingsPath() string {
	return filepath.Join(procgraphDir(), "settings.json")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

// loadConfigFrom layers the settings file at path and the PROCGRAPH_*
// variables returned by getenv over the defaults.
func loadConfigFrom(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := getenv("PROCGRAPH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("PROCGRAPH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("PROCGRAPH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("PROCGRAPH_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := getenv("PROCGRAPH_PEDANTIC"); v != "" {
		cfg.Pedantic = v == "true" || v == "1"
	}
	if v := getenv("PROCGRAPH_CONDITION_LANG"); v != "" {
		cfg.ConditionLang = v
	}

	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	return cfg
}

// dsn turns the configured database path into a libSQL file URI.
func (c Config) dsn() string {
	return "file:" + c.DBPath
}
