package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRecordWebhookAndBlocked(t *testing.T) {
	s := New(14, 80, prometheus.NewRegistry())
	now := time.Now()
	s.RecordWebhook("XAUUSD", now)
	s.RecordBlocked("XAUUSD", "blocked_spread", "ex1", now)
	snap := s.Snapshot()
	day := dayKey(now)
	require.Equal(t, 1, snap[day]["XAUUSD"].Webhooks)
	require.Equal(t, 1, snap[day]["XAUUSD"].Blocked["blocked_spread"])
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	s := New(14, 80, prometheus.NewRegistry())
	now := time.Now()
	s.RecordWebhook("XAUUSD", now)
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, s.Flush(path))
	require.False(t, s.Dirty())

	loaded := New(14, 80, prometheus.NewRegistry())
	require.NoError(t, loaded.Load(path))
	snap := loaded.Snapshot()
	require.Equal(t, 1, snap[dayKey(now)]["XAUUSD"].Webhooks)
}

func TestPruneDropsOldDays(t *testing.T) {
	s := New(1, 80, prometheus.NewRegistry())
	old := time.Now().AddDate(0, 0, -10)
	s.RecordWebhook("XAUUSD", old)
	s.Prune(time.Now())
	snap := s.Snapshot()
	_, ok := snap[dayKey(old)]
	require.False(t, ok)
}

func TestFlushAndLoadRoundTripsAutoTuneState(t *testing.T) {
	s := New(14, 80, prometheus.NewRegistry())
	now := time.Now()
	s.RecordAutoTune(0.22, 3.5, 120, now)
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, s.Flush(path))

	loaded := New(14, 80, prometheus.NewRegistry())
	require.NoError(t, loaded.Load(path))
	got := loaded.AutoTuneSnapshot()
	require.Equal(t, 0.22, got.SpreadMaxATRRatio)
	require.Equal(t, 3.5, got.DriftLimitATRMult)
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	s := New(14, 80, prometheus.NewRegistry())
	require.NoError(t, s.Load(filepath.Join(os.TempDir(), "nonexistent-goldbrain-metrics.json")))
}
