package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chtemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chtemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 2.0, cfg.Gate.TolerancePct, 0.001)
	assert.InDelta(t, 0.5, cfg.Gate.RateTolerancePts, 0.001)
	assert.InDelta(t, 1.0, cfg.Gate.DollarsImprovePct, 0.001)
	assert.Equal(t, 50, cfg.Gate.LowSampleThreshold)
	assert.InDelta(t, 0.15, cfg.Drift.Threshold, 0.001)
	assert.Equal(t, 7, cfg.Drift.RecentWindowDays)
	assert.Equal(t, 30, cfg.Drift.BaselineDays)
	assert.Equal(t, 1, cfg.Backtest.DailyWindowDays)
	assert.Equal(t, 90, cfg.Backtest.WeeklyWindowDays)
	assert.Equal(t, 7, cfg.Backtest.HorizonDays)
	assert.Equal(t, 240, cfg.Retrain.TimeoutMin)
	assert.Equal(t, 15, cfg.Retrain.ReaperIntervalMin)
	assert.Equal(t, 4096, cfg.Shadow.BufferSize)
	assert.Equal(t, 500, cfg.Shadow.FlushBatchSize)
	assert.Equal(t, []int{7, 14, 30}, cfg.Shadow.WindowsDays)
	assert.Equal(t, 45, cfg.Alerts.StaleChampionDays)
	assert.Equal(t, 360, cfg.Alerts.CheckIntervalMin)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chtemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
server:
  port: 9090
drift:
  threshold: 0.25
  tenant_thresholds:
    volatile-tenant: 0.40
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.InDelta(t, 0.25, cfg.Drift.Threshold, 0.001)
	assert.InDelta(t, 0.40, cfg.Drift.TenantThresholds["volatile-tenant"], 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 240, cfg.Retrain.TimeoutMin)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chtemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("GOVERNOR_STORE_DRIVER", "postgres")
	t.Setenv("GOVERNOR_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chtemp(t)

	t.Setenv("GOVERNOR_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func validConfig() *Config {
	return &Config{
		Store:   StoreConfig{Driver: "sqlite"},
		Server:  ServerConfig{Port: 8080},
		Gate:    GateConfig{TolerancePct: 2.0, RateTolerancePts: 0.5, DollarsImprovePct: 1.0},
		Drift:   DriftConfig{Threshold: 0.15},
		Retrain: RetrainConfig{TimeoutMin: 240},
	}
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_PostgresRequiresURL(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_AggregatesProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "mysql"
	cfg.Server.Port = 0
	cfg.Drift.Threshold = 1.5
	cfg.Retrain.TimeoutMin = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
	assert.Contains(t, err.Error(), "server.port must be between 1 and 65535")
	assert.Contains(t, err.Error(), "drift.threshold must be in (0, 1]")
	assert.Contains(t, err.Error(), "retrain.timeout_min must be > 0")
}

func TestValidate_TenantThresholdBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Drift.TenantThresholds = map[string]float64{"acme": 2.0}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drift.tenant_thresholds[acme]")
}

func TestDriftThresholdFor(t *testing.T) {
	cfg := DriftConfig{
		Threshold:        0.15,
		TenantThresholds: map[string]float64{"volatile-tenant": 0.30},
	}

	assert.InDelta(t, 0.30, cfg.DriftThresholdFor("volatile-tenant"), 0.001)
	assert.InDelta(t, 0.15, cfg.DriftThresholdFor("acme"), 0.001)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
