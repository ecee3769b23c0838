package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"), envMap(nil))
	assert.Equal(t, defaultConfig(), cfg)
	assert.Equal(t, "cel", cfg.ConditionLang)
	assert.True(t, cfg.Pedantic)
}

func TestLoadConfig_Layers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log_level":"debug","pool_size":8,"condition_lang":"expr","db_path":"/tmp/from-file.db"}`), 0o600))

	cfg := loadConfigFrom(path, envMap(map[string]string{
		"PROCGRAPH_DB_PATH":    "/tmp/from-env.db",
		"PROCGRAPH_PEDANTIC":   "false",
		"PROCGRAPH_LOG_FORMAT": "json",
	}))
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, "expr", cfg.ConditionLang)
	assert.Equal(t, "/tmp/from-env.db", cfg.DBPath)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.False(t, cfg.Pedantic)
	assert.Equal(t, "file:/tmp/from-env.db", cfg.dsn())
}

func TestLoadConfig_BadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))

	cfg := loadConfigFrom(path, envMap(map[string]string{
		"PROCGRAPH_POOL_SIZE": "many",
		"PROCGRAPH_PEDANTIC":  "1",
	}))
	assert.Equal(t, defaultConfig().PoolSize, cfg.PoolSize)
	assert.True(t, cfg.Pedantic)

	cfg = loadConfigFrom(path, envMap(map[string]string{"PROCGRAPH_POOL_SIZE": "0"}))
	assert.Equal(t, 1, cfg.PoolSize)
}

func TestFlagsOverrideConfig(t *testing.T) {
	cfg := testConfig(t)
	cmd := newRootCmd(cfg)
	cmd.SetArgs([]string{"version", "--pool-size", "16", "--condition-lang", "jq"})
	cmd.SetOut(io.Discard)
	require.NoError(t, cmd.Execute())

	f := cmd.PersistentFlags()
	n, err := f.GetInt("pool-size")
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	lang, err := f.GetString("condition-lang")
	require.NoError(t, err)
	assert.Equal(t, "jq", lang)
	db, err := f.GetString("db")
	require.NoError(t, err)
	assert.Equal(t, cfg.DBPath, db)
}
