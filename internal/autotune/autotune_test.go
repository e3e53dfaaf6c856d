package autotune

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/goldbrain/engine/internal/config"
)

func TestStoreRecordSampleWrapsRing(t *testing.T) {
	s := NewStore(3)
	s.RecordSample(1, 1)
	s.RecordSample(2, 2)
	s.RecordSample(3, 3)
	s.RecordSample(4, 4)
	require.Equal(t, 3, s.Len())
}

func TestComputeRequiresMinSamples(t *testing.T) {
	samples := []Sample{{SpreadToATR: 0.1, DriftToATR: 1}}
	_, _, ok := Compute(samples, 0.98, 0.05, 0.4, 1.0, 8.0, 10)
	require.False(t, ok)
}

func TestComputeClampsToBounds(t *testing.T) {
	samples := make([]Sample, 100)
	for i := range samples {
		samples[i] = Sample{SpreadToATR: 0.50, DriftToATR: 0.2}
	}
	spreadRatio, driftMult, ok := Compute(samples, 0.98, 0.05, 0.4, 1.0, 8.0, 80)
	require.True(t, ok)
	require.Equal(t, 0.4, spreadRatio) // 0.50 clamped down to max 0.4
	require.Equal(t, 1.0, driftMult)   // 0.2 clamped up to min 1.0
}

func TestComputePercentileWithinRange(t *testing.T) {
	samples := make([]Sample, 100)
	for i := range samples {
		samples[i] = Sample{SpreadToATR: float64(i+1) / 100.0, DriftToATR: float64(i+1) / 50.0}
	}
	spreadRatio, driftMult, ok := Compute(samples, 0.98, 0.0, 10.0, 0.0, 10.0, 80)
	require.True(t, ok)
	require.InDelta(t, 0.98, spreadRatio, 1e-9)
	require.InDelta(t, 1.96, driftMult, 1e-9)
}

func TestTunerRunAppliesAndPersists(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("SOME_OTHER_KEY=1\n"), 0o644))

	store := NewStore(200)
	for i := 0; i < 100; i++ {
		store.RecordSample(0.5, 0.2)
	}
	cfg := config.Default()
	tunable := config.NewTunable(cfg)
	tuner := New(store, tunable, cfg, envPath, nil, zerolog.Nop())
	tuner.Now = func() time.Time { return time.Unix(0, 0) }

	ok := tuner.Run()
	require.True(t, ok)
	require.Equal(t, cfg.SpreadMaxATRRatioMax, tunable.SpreadMaxATRRatio())
	require.Equal(t, cfg.DriftLimitATRMultMin, tunable.DriftLimitATRMult())

	data, err := os.ReadFile(envPath)
	require.NoError(t, err)
	content := string(data)
	require.Contains(t, content, "SOME_OTHER_KEY=1")
	require.Contains(t, content, "SPREAD_MAX_ATR_RATIO=")
	require.Contains(t, content, "DRIFT_LIMIT_ATR_MULT=")
}

func TestTunerRunSkippedWhenDisabled(t *testing.T) {
	store := NewStore(200)
	for i := 0; i < 100; i++ {
		store.RecordSample(0.5, 0.2)
	}
	cfg := config.Default()
	cfg.AutoTuneEnabled = false
	tunable := config.NewTunable(cfg)
	tuner := New(store, tunable, cfg, "", nil, zerolog.Nop())

	require.False(t, tuner.Run())
}

func TestWriteEnvRewriteIsIdempotentOnRerun(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")

	store := NewStore(200)
	for i := 0; i < 100; i++ {
		store.RecordSample(0.5, 0.2)
	}
	cfg := config.Default()
	tunable := config.NewTunable(cfg)
	tuner := New(store, tunable, cfg, envPath, nil, zerolog.Nop())

	require.True(t, tuner.Run())
	first, err := os.ReadFile(envPath)
	require.NoError(t, err)

	require.True(t, tuner.Run())
	second, err := os.ReadFile(envPath)
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))
}
