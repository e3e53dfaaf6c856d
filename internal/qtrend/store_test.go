package qtrend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goldbrain/engine/internal/signal"
)

func TestUpdateFromSignalIgnoresNonQTrend(t *testing.T) {
	s := New(300*time.Second, false)
	s.UpdateFromSignal(signal.Signal{Symbol: "XAUUSD", Source: "Zones", Side: signal.SideBuy, TF: "m5"})
	_, ok := s.Get("XAUUSD", "m5", time.Now())
	require.False(t, ok)
}

func TestGetExpiresPastMaxAge(t *testing.T) {
	s := New(10*time.Second, false)
	now := time.Unix(100_000, 0)
	s.UpdateFromSignal(signal.Signal{Symbol: "XAUUSD", Source: "Q-Trend", Side: signal.SideBuy, TF: "m5", SignalTime: now.Unix() - 5})
	_, ok := s.Get("XAUUSD", "m5", now)
	require.True(t, ok)

	_, ok = s.Get("XAUUSD", "m5", now.Add(20*time.Second))
	require.False(t, ok)
}

func TestGetFallbackAcrossTF(t *testing.T) {
	s := New(300*time.Second, true)
	now := time.Unix(100_000, 0)
	s.UpdateFromSignal(signal.Signal{Symbol: "XAUUSD", Source: "Q-Trend", Side: signal.SideSell, TF: "h1", SignalTime: now.Unix() - 10})

	ctx, ok := s.Get("XAUUSD", "m5", now)
	require.True(t, ok)
	require.Equal(t, signal.SideSell, ctx.Side)
}

func TestReplacedByNewerSignal(t *testing.T) {
	s := New(300*time.Second, false)
	now := time.Unix(100_000, 0)
	s.UpdateFromSignal(signal.Signal{Symbol: "XAUUSD", Source: "Q-Trend", Side: signal.SideBuy, TF: "m5", SignalTime: now.Unix() - 10})
	s.UpdateFromSignal(signal.Signal{Symbol: "XAUUSD", Source: "Q-Trend", Side: signal.SideSell, TF: "m5", SignalTime: now.Unix() - 1})

	ctx, ok := s.Get("XAUUSD", "m5", now)
	require.True(t, ok)
	require.Equal(t, signal.SideSell, ctx.Side)
}
