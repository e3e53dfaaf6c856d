package autotune

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/goldbrain/engine/internal/config"
)

// Metrics receives tuning-run observations, narrow for testability.
type Metrics interface {
	RecordAutoTune(spreadMaxATRRatio, driftLimitATRMult float64, sampleCount int, now time.Time)
}

type noopMetrics struct{}

func (noopMetrics) RecordAutoTune(float64, float64, int, time.Time) {}

// Tuner runs the §4.13 periodic job: on Run() it recomputes both
// parameters from the Store's samples, applies them to Tunable
// in-memory, and rewrites EnvPath atomically, preserving the file's
// existing key order the way a deploy's env file expects.
type Tuner struct {
	Store      *Store
	Tunable    *config.Tunable
	Config     config.Config
	EnvPath    string
	Metrics    Metrics
	Log        zerolog.Logger
	Now        func() time.Time
}

// New constructs a Tuner. Metrics/Now may be left nil.
func New(store *Store, tunable *config.Tunable, cfg config.Config, envPath string, metrics Metrics, log zerolog.Logger) *Tuner {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Tuner{Store: store, Tunable: tunable, Config: cfg, EnvPath: envPath, Metrics: metrics, Log: log, Now: time.Now}
}

// Run executes one tuning pass. Safe to call on startup and on every
// AUTO_TUNE_INTERVAL_SEC tick; a no-op (returns false) below
// AUTO_TUNE_MIN_SAMPLES.
func (t *Tuner) Run() bool {
	if !t.Config.AutoTuneEnabled {
		return false
	}
	now := t.Now
	if now == nil {
		now = time.Now
	}
	samples := t.Store.Samples()
	spreadRatio, driftMult, ok := Compute(
		samples,
		t.Config.AutoTunePercentile,
		t.Config.SpreadMaxATRRatioMin, t.Config.SpreadMaxATRRatioMax,
		t.Config.DriftLimitATRMultMin, t.Config.DriftLimitATRMultMax,
		t.Config.AutoTuneMinSamples,
	)
	if !ok {
		t.Log.Debug().Int("samples", len(samples)).Msg("auto-tune skipped: insufficient samples")
		return false
	}

	t.Tunable.Set(spreadRatio, driftMult)
	if err := t.writeEnv(spreadRatio, driftMult); err != nil {
		t.Log.Warn().Err(err).Msg("auto-tune env rewrite failed, memory value still updated")
	}
	t.Metrics.RecordAutoTune(spreadRatio, driftMult, len(samples), now())
	t.Log.Info().Float64("spread_max_atr_ratio", spreadRatio).Float64("drift_limit_atr_mult", driftMult).
		Int("samples", len(samples)).Msg("auto-tune applied")
	return true
}

// RunLoop blocks, calling Run() once immediately and then on every
// AUTO_TUNE_INTERVAL_SEC tick, until stop is closed.
func (t *Tuner) RunLoop(stop <-chan struct{}) {
	t.Run()
	interval := time.Duration(t.Config.AutoTuneIntervalSec) * time.Second
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Run()
		case <-stop:
			return
		}
	}
}

const (
	envKeySpreadMaxATRRatio = "SPREAD_MAX_ATR_RATIO"
	envKeyDriftLimitATRMult = "DRIFT_LIMIT_ATR_MULT"
)

// writeEnv rewrites t.EnvPath atomically (write temp, rename),
// preserving existing KEY=VALUE line order and appending the two
// tuned keys if they are not already present.
func (t *Tuner) writeEnv(spreadRatio, driftMult float64) error {
	if t.EnvPath == "" {
		return nil
	}
	lines, err := readEnvLines(t.EnvPath)
	if err != nil {
		return fmt.Errorf("read env file %s: %w", t.EnvPath, err)
	}

	updates := map[string]string{
		envKeySpreadMaxATRRatio: strconv.FormatFloat(spreadRatio, 'f', -1, 64),
		envKeyDriftLimitATRMult: strconv.FormatFloat(driftMult, 'f', -1, 64),
	}
	seen := make(map[string]bool, len(updates))

	out := make([]string, 0, len(lines)+len(updates))
	for _, line := range lines {
		key, ok := envKey(line)
		if ok {
			if newVal, tracked := updates[key]; tracked {
				out = append(out, key+"="+newVal)
				seen[key] = true
				continue
			}
		}
		out = append(out, line)
	}
	for _, key := range []string{envKeySpreadMaxATRRatio, envKeyDriftLimitATRMult} {
		if !seen[key] {
			out = append(out, key+"="+updates[key])
		}
	}

	dir := filepath.Dir(t.EnvPath)
	tmp, err := os.CreateTemp(dir, ".env-tune-*")
	if err != nil {
		return fmt.Errorf("create temp env file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	for _, line := range out {
		if _, err := w.WriteString(line + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("write temp env file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush temp env file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp env file: %w", err)
	}
	if err := os.Rename(tmpPath, t.EnvPath); err != nil {
		return fmt.Errorf("rename temp env file: %w", err)
	}
	return nil
}

func readEnvLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// envKey extracts the KEY from a "KEY=VALUE" line; comments and blank
// lines are passed through unmodified.
func envKey(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", false
	}
	idx := strings.Index(line, "=")
	if idx <= 0 {
		return "", false
	}
	return strings.TrimSpace(line[:idx]), true
}
