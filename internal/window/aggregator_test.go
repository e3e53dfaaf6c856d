package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goldbrain/engine/internal/signal"
)

func TestAggregateSplitsBySide(t *testing.T) {
	center := int64(1000)
	candidates := []signal.Signal{
		{Symbol: "XAUUSD", Source: signal.SourceQTrend, Event: "flip", Side: signal.SideBuy, SignalTime: 990},
		{Symbol: "XAUUSD", Source: signal.SourceZones, Event: "zone_touch", Side: signal.SideSell, SignalTime: 1005},
		{Symbol: "XAUUSD", Source: signal.SourceFVG, Event: "fvg_touch", Side: signal.SideNone, SignalTime: 995},
		{Symbol: "XAUUSD", Source: "OSGFC", Event: "osg", Side: signal.SideBuy, SignalTime: 996}, // disallowed source for window
	}
	res := Aggregate(candidates, "XAUUSD", center, signal.SideBuy, 30*time.Second)
	require.Equal(t, 1, res.AlignedCount())
	require.Equal(t, 1, res.OpposedCount())
	require.Equal(t, 1, res.NeutralCount())
}

func TestAggregateDedupesKeepingLatest(t *testing.T) {
	center := int64(1000)
	candidates := []signal.Signal{
		{Symbol: "XAUUSD", Source: signal.SourceZones, Event: "zone_touch", Side: signal.SideBuy, SignalTime: 990, Price: 1},
		{Symbol: "XAUUSD", Source: signal.SourceZones, Event: "zone_touch", Side: signal.SideBuy, SignalTime: 998, Price: 2},
	}
	res := Aggregate(candidates, "XAUUSD", center, signal.SideBuy, 30*time.Second)
	require.Equal(t, 1, res.AlignedCount())
	require.Equal(t, float64(2), res.Aligned[0].Price)
}

func TestAggregateExcludesOutOfWindow(t *testing.T) {
	candidates := []signal.Signal{
		{Symbol: "XAUUSD", Source: signal.SourceQTrend, Event: "flip", Side: signal.SideBuy, SignalTime: 500},
	}
	res := Aggregate(candidates, "XAUUSD", 1000, signal.SideBuy, 30*time.Second)
	require.Equal(t, 0, res.AlignedCount())
}
