package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"ENGINE_HOST", "ENGINE_PORT", "PORT", "ATAT_CONFIG"} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_DATA_HOME", "/data")
	cfg, err := Load(writeFile(t, "engine:\n  port: 9100\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultEngineHost, cfg.Engine.Host)
	assert.Equal(t, 9100, cfg.Engine.Port)
	assert.Equal(t, "127.0.0.1:9100", cfg.Engine.Addr())
	assert.Equal(t, DefaultEngineTimeout, cfg.Engine.Timeout)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTP.Addr)
	assert.Equal(t, DefaultRateBurst, cfg.HTTP.RateBurst)
	assert.Equal(t, "/data/atat/history.db", cfg.Store.DBPath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEmptyFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultEnginePort, cfg.Engine.Port)
}

func TestLoadParsesDurations(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, "engine:\n  timeout: 5s\nmock:\n  enabled: true\n  scan_duration: 250ms\n"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Engine.Timeout)
	assert.True(t, cfg.Mock.Enabled)
	assert.Equal(t, 250*time.Millisecond, cfg.Mock.ScanDuration)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeFile(t, "engine:\n  hostname: x\n"))
	assert.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"port":        "engine:\n  port: 70000\n",
		"timeout":     "engine:\n  timeout: -1s\n",
		"http addr":   "http:\n  addr: nonsense\n",
		"rate":        "http:\n  rate_limit: -2\n",
		"log format":  "log:\n  format: xml\n",
		"scan length": "mock:\n  scan_duration: -1s\n",
	}
	for name, body := range cases {
		_, err := Load(writeFile(t, body))
		assert.Error(t, err, name)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENGINE_HOST", "engine.internal")
	t.Setenv("ENGINE_PORT", "9200")
	t.Setenv("PORT", "4000")

	cfg, err := Load(writeFile(t, "http:\n  addr: 0.0.0.0:3001\n"))
	require.NoError(t, err)
	assert.Equal(t, "engine.internal:9200", cfg.Engine.Addr())
	assert.Equal(t, "0.0.0.0:4000", cfg.HTTP.Addr)
}

func TestEnvOverrideRejectsBadPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENGINE_PORT", "nine")
	_, err := Load(writeFile(t, ""))
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Engine.Port = 9300
	cfg.Mock.Enabled = true
	cfg.Mock.Preload = true
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSaveRejectsInvalid(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Engine.Port = 0
	assert.Error(t, Save(path, cfg))
	assert.Error(t, Save(path, nil))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadOrInitCreatesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "atat", "config.yaml")
	cfg, err := LoadOrInit(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultRateLimit, cfg.HTTP.RateLimit)

	_, err = os.Stat(path)
	require.NoError(t, err)

	again, err := LoadOrInit(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestDefaultConfigPath(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_CONFIG_HOME", "/cfg")
	assert.Equal(t, "/cfg/atat/config.yaml", DefaultConfigPath())

	t.Setenv("ATAT_CONFIG", "/elsewhere.yaml")
	assert.Equal(t, "/elsewhere.yaml", DefaultConfigPath())
}

func TestFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENGINE_PORT", "9400")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 9400, cfg.Engine.Port)
	assert.Equal(t, DefaultRateLimit, cfg.HTTP.RateLimit)

	t.Setenv("ENGINE_PORT", "0")
	_, err = FromEnv()
	assert.Error(t, err)
}
