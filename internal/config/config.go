package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Gate      GateConfig      `yaml:"gate" mapstructure:"gate"`
	Drift     DriftConfig     `yaml:"drift" mapstructure:"drift"`
	Backtest  BacktestConfig  `yaml:"backtest" mapstructure:"backtest"`
	Retrain   RetrainConfig   `yaml:"retrain" mapstructure:"retrain"`
	Shadow    ShadowConfig    `yaml:"shadow" mapstructure:"shadow"`
	Alerts    AlertsConfig    `yaml:"alerts" mapstructure:"alerts"`
	Trainer   TrainerConfig   `yaml:"trainer" mapstructure:"trainer"`
	Evaluator EvaluatorConfig `yaml:"evaluator" mapstructure:"evaluator"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the governance API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// GateConfig holds the promotion gate tolerances. All rules are
// fail-closed: a missing input blocks promotion, it never defaults to
// pass.
type GateConfig struct {
	TolerancePct       float64 `yaml:"tolerance_pct" mapstructure:"tolerance_pct"`
	RateTolerancePts   float64 `yaml:"rate_tolerance_pts" mapstructure:"rate_tolerance_pts"`
	DollarsImprovePct  float64 `yaml:"dollars_improve_pct" mapstructure:"dollars_improve_pct"`
	DollarsSlackPct    float64 `yaml:"dollars_slack_pct" mapstructure:"dollars_slack_pct"`
	LowSampleThreshold int     `yaml:"low_sample_threshold" mapstructure:"low_sample_threshold"`
}

// DriftConfig configures the champion drift detector.
type DriftConfig struct {
	Threshold        float64            `yaml:"threshold" mapstructure:"threshold"`
	TenantThresholds map[string]float64 `yaml:"tenant_thresholds" mapstructure:"tenant_thresholds"`
	RecentWindowDays int                `yaml:"recent_window_days" mapstructure:"recent_window_days"`
	BaselineDays     int                `yaml:"baseline_days" mapstructure:"baseline_days"`
	CheckIntervalMin int                `yaml:"check_interval_min" mapstructure:"check_interval_min"`
}

// BacktestConfig configures the continuous backtester.
type BacktestConfig struct {
	DailyWindowDays  int `yaml:"daily_window_days" mapstructure:"daily_window_days"`
	WeeklyWindowDays int `yaml:"weekly_window_days" mapstructure:"weekly_window_days"`
	HorizonDays      int `yaml:"horizon_days" mapstructure:"horizon_days"`
}

// RetrainConfig configures the retraining orchestrator and reaper.
type RetrainConfig struct {
	TimeoutMin        int `yaml:"timeout_min" mapstructure:"timeout_min"`
	ReaperIntervalMin int `yaml:"reaper_interval_min" mapstructure:"reaper_interval_min"`
}

// ShadowConfig configures the shadow comparator.
type ShadowConfig struct {
	BufferSize       int   `yaml:"buffer_size" mapstructure:"buffer_size"`
	FlushIntervalSec int   `yaml:"flush_interval_sec" mapstructure:"flush_interval_sec"`
	FlushBatchSize   int   `yaml:"flush_batch_size" mapstructure:"flush_batch_size"`
	WindowsDays      []int `yaml:"windows_days" mapstructure:"windows_days"`
}

// AlertsConfig configures alert emission. Delivery and rendering are
// external; this engine only posts payloads to the webhook.
type AlertsConfig struct {
	WebhookURL    string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	RatePerMinute float64 `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`

	// StaleChampionDays flags champions that have served unchanged for
	// too long without a completed retraining run. Zero disables the
	// check.
	StaleChampionDays int `yaml:"stale_champion_days" mapstructure:"stale_champion_days"`
	CheckIntervalMin  int `yaml:"check_interval_min" mapstructure:"check_interval_min"`
}

// TrainerConfig holds the external trainer endpoint.
type TrainerConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// EvaluatorConfig holds the external metrics evaluator endpoint.
type EvaluatorConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GOVERNOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("gate.tolerance_pct", 2.0)
	v.SetDefault("gate.rate_tolerance_pts", 0.5)
	v.SetDefault("gate.dollars_improve_pct", 1.0)
	v.SetDefault("gate.dollars_slack_pct", 0.5)
	v.SetDefault("gate.low_sample_threshold", 50)
	v.SetDefault("drift.threshold", 0.15)
	v.SetDefault("drift.recent_window_days", 7)
	v.SetDefault("drift.baseline_days", 30)
	v.SetDefault("drift.check_interval_min", 60)
	v.SetDefault("backtest.daily_window_days", 1)
	v.SetDefault("backtest.weekly_window_days", 90)
	v.SetDefault("backtest.horizon_days", 7)
	v.SetDefault("retrain.timeout_min", 240)
	v.SetDefault("retrain.reaper_interval_min", 15)
	v.SetDefault("shadow.buffer_size", 4096)
	v.SetDefault("shadow.flush_interval_sec", 5)
	v.SetDefault("shadow.flush_batch_size", 500)
	v.SetDefault("shadow.windows_days", []int{7, 14, 30})
	v.SetDefault("alerts.rate_per_minute", 6)
	v.SetDefault("alerts.burst", 3)
	v.SetDefault("alerts.stale_champion_days", 45)
	v.SetDefault("alerts.check_interval_min", 360)
	v.SetDefault("trainer.timeout_secs", 120)
	v.SetDefault("evaluator.timeout_secs", 60)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a running engine cannot work without.
// Problems are aggregated so one pass surfaces them all.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be between 1 and 65535")
	}
	if c.Gate.TolerancePct < 0 || c.Gate.RateTolerancePts < 0 || c.Gate.DollarsImprovePct < 0 {
		problems = append(problems, "gate tolerances must be >= 0")
	}
	if c.Drift.Threshold <= 0 || c.Drift.Threshold > 1 {
		problems = append(problems, "drift.threshold must be in (0, 1]")
	}
	for tenant, threshold := range c.Drift.TenantThresholds {
		if threshold <= 0 || threshold > 1 {
			problems = append(problems, fmt.Sprintf("drift.tenant_thresholds[%s] must be in (0, 1]", tenant))
		}
	}
	if c.Retrain.TimeoutMin <= 0 {
		problems = append(problems, "retrain.timeout_min must be > 0")
	}

	if len(problems) > 0 {
		return eris.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// DriftThresholdFor returns the drift threshold for a tenant, using the
// per-tenant override when configured.
func (c *DriftConfig) DriftThresholdFor(tenantID string) float64 {
	if t, ok := c.TenantThresholds[tenantID]; ok && t > 0 {
		return t
	}
	return c.Threshold
}
