package confluence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goldbrain/engine/internal/signal"
)

func TestBuildPrefersStrongAnchor(t *testing.T) {
	fresh := []signal.Signal{
		{Source: signal.SourceQTrend, Side: signal.SideBuy, SignalTime: 1000},
		{Source: signal.SourceQTrendStrong, Side: signal.SideBuy, SignalTime: 1000},
	}
	stats, ok := Build(fresh, 600*time.Second)
	require.True(t, ok)
	require.Equal(t, signal.SourceQTrendStrong, stats.AnchorSource)
}

func TestBuildAggregatesConfirmAndOppose(t *testing.T) {
	fresh := []signal.Signal{
		{Source: signal.SourceQTrend, Side: signal.SideBuy, SignalTime: 1000},
		{Source: signal.SourceZones, Event: "zone_retrace_touch", Side: signal.SideBuy, Confirmed: signal.ConfirmedBarClose, SignalTime: 1050},
		{Source: signal.SourceFVG, Event: "fvg_touch", Side: signal.SideSell, Confirmed: signal.ConfirmedIntrabar, SignalTime: 1100},
	}
	stats, ok := Build(fresh, 600*time.Second)
	require.True(t, ok)
	require.InDelta(t, 0.7, stats.ConfirmBySource[signal.SourceZones], 1e-9)
	require.InDelta(t, 0.42, stats.OpposeBySource[signal.SourceFVG], 1e-9)
}

func TestCancelDueToOppositeBarClose(t *testing.T) {
	fresh := []signal.Signal{
		{Source: signal.SourceQTrend, Side: signal.SideBuy, SignalTime: 1000},
		{Source: "Lorentzian", SignalType: signal.KindEntryTrigger, Side: signal.SideSell, Confirmed: signal.ConfirmedBarClose, SignalTime: 1050},
	}
	stats, ok := Build(fresh, 600*time.Second)
	require.True(t, ok)
	require.True(t, stats.Cancelled)
	require.Equal(t, "cancel_due_to_opposite_bar_close", stats.CancelReason)
}

func TestBuildNoAnchor(t *testing.T) {
	_, ok := Build([]signal.Signal{{Source: signal.SourceZones}}, 0)
	require.False(t, ok)
}
