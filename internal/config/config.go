// Package config loads the engine's YAML configuration and layers
// environment overrides on top, the way the teacher's scheduler and
// guards configs do (gopkg.in/yaml.v3, §9's "explicit initialization").
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables named across spec.md §4.
type Config struct {
	Symbol string `yaml:"symbol"`

	DedupeWindowSec int `yaml:"dedupe_window_sec"`

	SignalLookbackSec    int `yaml:"signal_lookback_sec"`
	ZoneLookbackSec      int `yaml:"zone_lookback_sec"`
	ZoneTouchLookbackSec int `yaml:"zone_touch_lookback_sec"`
	FVGLookbackSec       int `yaml:"fvg_lookback_sec"`
	SignalMaxAgeSec      int `yaml:"signal_max_age_sec"`

	QTrendMaxAgeSec  int  `yaml:"qtrend_max_age_sec"`
	QTrendTFFallback bool `yaml:"qtrend_tf_fallback"`

	ConfluenceWindowSec int `yaml:"confluence_window_sec"`

	EntryPostSignalWaitSec int `yaml:"entry_post_signal_wait_sec"`
	EntryMaxWaitSec        int `yaml:"entry_max_wait_sec"`
	EntryHardTTLSec        int `yaml:"entry_hard_ttl_sec"`
	EntryProcessingMaxHoldSec int `yaml:"entry_processing_max_hold_sec"`
	EntryCooldownSec       int `yaml:"entry_cooldown_sec"`

	DelayedEntryEnabled             bool    `yaml:"delayed_entry_enabled"`
	DelayedEntryMinRetryIntervalSec int     `yaml:"delayed_entry_min_retry_interval_sec"`
	DelayedEntryMaxAttempts         int     `yaml:"delayed_entry_max_attempts"`

	AIEntryThrottleSec         int     `yaml:"ai_entry_throttle_sec"`
	AIEntryMinScore            int     `yaml:"ai_entry_min_score"`
	AIEntryMinScoreStrongAligned int   `yaml:"ai_entry_min_score_strong_aligned"`
	AddonMinAIScore            int     `yaml:"addon_min_ai_score"`
	AddonSessionCap            int     `yaml:"addon_session_cap"`

	SpreadHardCapPoints   float64 `yaml:"spread_hard_cap_points"`
	SpreadMaxATRRatio     float64 `yaml:"spread_max_atr_ratio"`
	SpreadMaxATRRatioMin  float64 `yaml:"spread_max_atr_ratio_min"`
	SpreadMaxATRRatioMax  float64 `yaml:"spread_max_atr_ratio_max"`
	SpreadSoftMinAtrToSpread float64 `yaml:"spread_soft_min_atr_to_spread"`

	LRREVHardMin       float64 `yaml:"lrr_ev_hard_min"`
	LRRDistHardReject  float64 `yaml:"lrr_dist_hard_reject"`
	LRRVolPanicRatio   float64 `yaml:"lrr_vol_panic_ratio"`
	SpreadSpikeMultiple float64 `yaml:"spread_spike_multiple"`

	DriftLimitATRMult    float64 `yaml:"drift_limit_atr_mult"`
	DriftLimitATRMultMin float64 `yaml:"drift_limit_atr_mult_min"`
	DriftLimitATRMultMax float64 `yaml:"drift_limit_atr_mult_max"`
	DriftMinPoints       float64 `yaml:"drift_min_points"`
	DriftMaxPoints       float64 `yaml:"drift_max_points"`
	DriftHardBlock       bool    `yaml:"drift_hard_block"`

	ATRFloorMult    float64 `yaml:"atr_floor_mult"`
	ATRSpikeCapMult float64 `yaml:"atr_spike_cap_mult"`

	BreakevenBandSpreadMult float64 `yaml:"breakeven_band_spread_mult"`
	BreakevenBandATRMult    float64 `yaml:"breakeven_band_atr_mult"`
	MaxDevelopmentSec       int     `yaml:"max_development_sec"`
	AICloseThrottleSec      int     `yaml:"ai_close_throttle_sec"`
	AICloseMinConfidence    int     `yaml:"ai_close_min_confidence"`
	AICloseFallbackPolicy   string  `yaml:"ai_close_fallback_policy"` // "hold" | "default_close"
	MgmtSettleWaitSec       int     `yaml:"mgmt_settle_wait_sec"`
	MgmtRingSize            int     `yaml:"mgmt_ring_size"`

	APITimeoutSec   int `yaml:"api_timeout_sec"`
	APIRetryCount   int `yaml:"api_retry_count"`
	APIRetryWaitSec int `yaml:"api_retry_wait_sec"`

	OracleBaseURL       string  `yaml:"oracle_base_url"`
	OracleAPIKey        string  `yaml:"oracle_api_key"`
	OracleModel         string  `yaml:"oracle_model"`
	OracleRateLimitPerSec float64 `yaml:"oracle_rate_limit_per_sec"`
	OracleRateLimitBurst  int     `yaml:"oracle_rate_limit_burst"`

	HeartbeatTimeoutSec int    `yaml:"heartbeat_timeout_sec"`
	HeartbeatStaleMode  string `yaml:"heartbeat_stale_mode"` // "freeze" | "ignore"

	CacheFlushIntervalSec int `yaml:"cache_flush_interval_sec"`
	CacheFlushForceSec    int `yaml:"cache_flush_force_sec"`
	MetricsKeepDays       int `yaml:"metrics_keep_days"`
	MetricsMaxExamples    int `yaml:"metrics_max_examples"`

	AutoTuneEnabled       bool    `yaml:"auto_tune_enabled"`
	AutoTuneIntervalSec   int     `yaml:"auto_tune_interval_sec"`
	AutoTuneMinSamples    int     `yaml:"auto_tune_min_samples"`
	AutoTunePercentile    float64 `yaml:"auto_tune_percentile"`

	WebhookTokenEnabled bool   `yaml:"webhook_token_enabled"`
	WebhookToken        string `yaml:"webhook_token"`

	HTTPHost string `yaml:"http_host"`
	HTTPPort int    `yaml:"http_port"`

	BusURL       string `yaml:"bus_url"`
	CachePath    string `yaml:"cache_path"`
	MetricsPath  string `yaml:"metrics_path"`
	EnvFilePath  string `yaml:"env_file_path"`

	AuditDBEnabled    bool          `yaml:"audit_db_enabled"`
	AuditDBDSN        string        `yaml:"audit_db_dsn"`
	AuditDBTimeoutSec int           `yaml:"audit_db_timeout_sec"`

	AssumeActionIsQTrend bool `yaml:"assume_action_is_qtrend"`
}

// Default returns the defaults named throughout spec.md §3/§4.
func Default() Config {
	return Config{
		Symbol: "XAUUSD",

		DedupeWindowSec: 120,

		SignalLookbackSec:    1200,
		ZoneLookbackSec:      1200,
		ZoneTouchLookbackSec: 1200,
		FVGLookbackSec:       1200,
		SignalMaxAgeSec:      1200,

		QTrendMaxAgeSec:  300,
		QTrendTFFallback: false,

		ConfluenceWindowSec: 600,

		EntryPostSignalWaitSec:    3,
		EntryMaxWaitSec:           30,
		EntryHardTTLSec:           600,
		EntryProcessingMaxHoldSec: 30,
		EntryCooldownSec:          60,

		DelayedEntryEnabled:             true,
		DelayedEntryMinRetryIntervalSec: 20,
		DelayedEntryMaxAttempts:         3,

		AIEntryThrottleSec:           15,
		AIEntryMinScore:              75,
		AIEntryMinScoreStrongAligned: 65,
		AddonMinAIScore:              75,
		AddonSessionCap:              5,

		SpreadHardCapPoints:     90,
		SpreadMaxATRRatio:       0.10,
		SpreadMaxATRRatioMin:    0.05,
		SpreadMaxATRRatioMax:    0.40,
		SpreadSoftMinAtrToSpread: 10,

		LRREVHardMin:        10,
		LRRDistHardReject:   5,
		LRRVolPanicRatio:    2.0,
		SpreadSpikeMultiple: 2.5,

		DriftLimitATRMult:    3.0,
		DriftLimitATRMultMin: 1.0,
		DriftLimitATRMultMax: 8.0,
		DriftMinPoints:       20,
		DriftMaxPoints:       400,
		DriftHardBlock:       true,

		ATRFloorMult:    0.7,
		ATRSpikeCapMult: 1.6,

		BreakevenBandSpreadMult: 1.5,
		BreakevenBandATRMult:    0.10,
		MaxDevelopmentSec:       1800,
		AICloseThrottleSec:      20,
		AICloseMinConfidence:    70,
		AICloseFallbackPolicy:   "hold",
		MgmtSettleWaitSec:       3,
		MgmtRingSize:            12,

		APITimeoutSec:   20,
		APIRetryCount:   3,
		APIRetryWaitSec: 2,

		OracleBaseURL:         "https://api.openai.com/v1",
		OracleModel:           "gpt-4o-mini",
		OracleRateLimitPerSec: 2,
		OracleRateLimitBurst:  4,

		HeartbeatTimeoutSec: 10,
		HeartbeatStaleMode:  "freeze",

		CacheFlushIntervalSec: 5,
		CacheFlushForceSec:    10,
		MetricsKeepDays:       14,
		MetricsMaxExamples:    80,

		AutoTuneEnabled:     true,
		AutoTuneIntervalSec: 86400,
		AutoTuneMinSamples:  80,
		AutoTunePercentile:  0.98,

		WebhookTokenEnabled: true,

		HTTPHost: "127.0.0.1",
		HTTPPort: 8081,

		BusURL:      "ws://127.0.0.1:8787/bus",
		CachePath:   "data/signal_cache.json",
		MetricsPath: "data/metrics.json",
		EnvFilePath: ".env",

		AuditDBEnabled:    false,
		AuditDBTimeoutSec: 5,

		AssumeActionIsQTrend: false,
	}
}

// Load reads a YAML file on top of Default(), then applies a fixed
// set of environment overrides (mirrors the teacher's
// DefaultServerConfig HTTP_PORT pattern).
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnv(cfg), nil
			}
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return applyEnv(cfg), nil
}

func applyEnv(cfg Config) Config {
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = p
		}
	}
	if v := os.Getenv("WEBHOOK_TOKEN"); v != "" {
		cfg.WebhookToken = v
	}
	if v := os.Getenv("BUS_URL"); v != "" {
		cfg.BusURL = v
	}
	if v := os.Getenv("ORACLE_API_KEY"); v != "" {
		cfg.OracleAPIKey = v
	}
	if v := os.Getenv("PG_DSN"); v != "" {
		cfg.AuditDBDSN = v
		cfg.AuditDBEnabled = true
	}
	return cfg
}

func (c Config) entryMaxWait() time.Duration  { return time.Duration(c.EntryMaxWaitSec) * time.Second }
func (c Config) entryHardTTL() time.Duration  { return time.Duration(c.EntryHardTTLSec) * time.Second }

// EntryMaxWait and EntryHardTTL exported duration helpers.
func (c Config) EntryMaxWait() time.Duration { return c.entryMaxWait() }
func (c Config) EntryHardTTL() time.Duration { return c.entryHardTTL() }

// Tunable holds the two risk parameters the auto-tuner (C13) rewrites
// at runtime (§4.13): SPREAD_MAX_ATR_RATIO and DRIFT_LIMIT_ATR_MULT.
// Everything else in Config is fixed for the process lifetime; these
// two are the only values the spec requires to update "immediately"
// without a restart, so they live behind their own small mutex rather
// than making the whole Config hot-swappable.
type Tunable struct {
	mu                sync.RWMutex
	spreadMaxATRRatio float64
	driftLimitATRMult float64
}

// NewTunable seeds a Tunable from a Config's static defaults.
func NewTunable(cfg Config) *Tunable {
	return &Tunable{spreadMaxATRRatio: cfg.SpreadMaxATRRatio, driftLimitATRMult: cfg.DriftLimitATRMult}
}

// SpreadMaxATRRatio and DriftLimitATRMult return the current values.
func (t *Tunable) SpreadMaxATRRatio() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.spreadMaxATRRatio
}

func (t *Tunable) DriftLimitATRMult() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.driftLimitATRMult
}

// Set updates both values atomically with respect to readers.
func (t *Tunable) Set(spreadMaxATRRatio, driftLimitATRMult float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spreadMaxATRRatio = spreadMaxATRRatio
	t.driftLimitATRMult = driftLimitATRMult
}
