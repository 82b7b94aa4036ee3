package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir 切换工作目录并在测试结束时恢复（等价于 Go 1.24 的 t.Chdir）
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.Presence.Window)
	assert.Equal(t, 7*24*time.Hour, cfg.Delivery.OfflineTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Delivery.GroupReadTTL)
	assert.Equal(t, 64<<10, cfg.Delivery.MaxBodyBytes)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, []string{"nats://127.0.0.1:4222"}, cfg.NATS.Servers)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	yaml := []byte("database:\n  driver: sqlite\n  dsn: \"file::memory:\"\npresence:\n  window: 1h\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("IM_SNOWFLAKE_MACHINE_ID", "9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, time.Hour, cfg.Presence.Window)
	assert.Equal(t, int64(9), cfg.Snowflake.MachineID)
}

func TestValidateRejectsEmptyWindow(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{DSN: "x"}, Delivery: DeliveryConfig{OfflineTTL: time.Hour}}
	require.Error(t, cfg.Validate())
}
