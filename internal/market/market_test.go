package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpreadMedianConverges(t *testing.T) {
	p := New()
	for i := 0; i < 200; i++ {
		p.OnTick("XAUUSD", 2650.0, 2650.20, 0.01, time.Now())
	}
	snap := p.GetMarket("XAUUSD")
	require.InDelta(t, 0.20, snap.SpreadMedian, 0.05)
}

func TestATREffectiveClamps(t *testing.T) {
	require.Equal(t, 16.0, ATREffective(20, 10, 0.7, 1.6)) // capped at 1.6x24h
	require.Equal(t, 7.0, ATREffective(1, 10, 0.7, 1.6))  // floored at 0.7x24h
	require.Equal(t, 9.0, ATREffective(9, 10, 0.7, 1.6))  // passthrough
}

func TestSwingExtremes(t *testing.T) {
	p := New()
	bars := []Bar{
		{High: 10, Low: 1}, {High: 12, Low: 2}, {High: 9, Low: 0.5},
	}
	for _, b := range bars {
		p.OnBarClose("XAUUSD", b)
	}
	snap := p.GetMarket("XAUUSD")
	require.Equal(t, 0.5, snap.SwingLowM5)
	require.Equal(t, 12.0, snap.SwingHighM5)
}

func TestSMASlopeExcludesFormingBar(t *testing.T) {
	p := New()
	for i := 0; i < 25; i++ {
		p.OnBarClose("XAUUSD", Bar{Close: float64(i), High: float64(i), Low: float64(i)})
	}
	snap := p.GetMarket("XAUUSD")
	require.Equal(t, SlopeUp, snap.SMASlope)
}
