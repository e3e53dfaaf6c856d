package cache

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/goldbrain/engine/internal/signal"
)

func newTestCache() *Cache {
	return New(DefaultRetention(), zerolog.Nop())
}

func TestAppendDedupeExclusivity(t *testing.T) {
	c := newTestCache()
	s := signal.Signal{Symbol: "XAUUSD", Source: "Lorentzian", Event: "entry", SignalTime: 1000, ReceiveTime: 1000}

	require.True(t, c.Append(s, 120*time.Second))
	require.False(t, c.Append(s, 120*time.Second), "second append of identical signal must be rejected as duplicate")
	require.Len(t, c.Snapshot("XAUUSD"), 1)
}

func TestPruneRetainsWithinWindowOnly(t *testing.T) {
	c := newTestCache()
	now := time.Unix(10_000, 0)
	fresh := signal.Signal{Symbol: "XAUUSD", Source: "Zones", Event: "zone_touch", ReceiveTime: now.Unix() - 100}
	stale := signal.Signal{Symbol: "XAUUSD", Source: "Zones", Event: "zone_touch", ReceiveTime: now.Unix() - 5000}

	c.Append(fresh, time.Second)
	c.Append(stale, time.Second)
	c.Prune(now)

	snap := c.Snapshot("XAUUSD")
	require.Len(t, snap, 1)
	require.Equal(t, fresh.ReceiveTime, snap[0].ReceiveTime)
}

func TestInWindowUsesBucketIndex(t *testing.T) {
	c := newTestCache()
	center := int64(5000)
	for i, ts := range []int64{4800, 4950, 5050, 5600} {
		s := signal.Signal{Symbol: "XAUUSD", Source: "Q-Trend", Event: "e", SignalTime: ts, ReceiveTime: ts}
		require.True(t, c.Append(s, time.Second), i)
	}
	got := c.InWindow("XAUUSD", center, 200*time.Second)
	require.Len(t, got, 3)
}

func TestAppendPrunesStaleEntriesWithoutExplicitPruneCall(t *testing.T) {
	c := newTestCache()
	stale := signal.Signal{Symbol: "XAUUSD", Source: "Zones", Event: "zone_touch", ReceiveTime: 0}
	fresh := signal.Signal{Symbol: "XAUUSD", Source: "Zones", Event: "zone_touch", ReceiveTime: 5000}

	require.True(t, c.Append(stale, time.Second))
	require.True(t, c.Append(fresh, time.Second))

	snap := c.Snapshot("XAUUSD")
	require.Len(t, snap, 1, "appending fresh must prune the now-stale entry without a separate Prune/flush call")
	require.Equal(t, fresh.ReceiveTime, snap[0].ReceiveTime)
}

func TestFilterFreshRespectsMaxAge(t *testing.T) {
	ret := DefaultRetention()
	ret.MaxAge = 100 * time.Second
	c := New(ret, zerolog.Nop())
	now := time.Unix(100_000, 0)
	c.Append(signal.Signal{Symbol: "XAUUSD", Source: "Q-Trend", SignalTime: now.Unix() - 50, ReceiveTime: now.Unix() - 50}, time.Second)
	c.Append(signal.Signal{Symbol: "XAUUSD", Source: "Q-Trend", SignalTime: now.Unix() - 500, ReceiveTime: now.Unix() - 500}, time.Second)

	fresh := c.FilterFresh("XAUUSD", now)
	require.Len(t, fresh, 1)
}
