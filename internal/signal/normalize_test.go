package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeCanonicalSource(t *testing.T) {
	recv := time.Unix(1700000000, 0)
	sig, err := Normalize(RawPayload{
		Symbol: "OANDA:XAUUSD",
		Source: "qtrend",
		Side:   "buy",
		TF:     "5",
		Event:  "Trend_Flip",
	}, recv)
	require.NoError(t, err)
	require.Equal(t, "XAUUSD", sig.Symbol)
	require.Equal(t, SourceQTrend, sig.Source)
	require.Equal(t, SideBuy, sig.Side)
	require.Equal(t, "m5", sig.TF)
	require.Equal(t, "trend_flip", sig.Event)
	require.Equal(t, recv.Unix(), sig.SignalTime)
}

func TestNormalizeStrongVariant(t *testing.T) {
	recv := time.Unix(1700000000, 0)
	sig, err := Normalize(RawPayload{Symbol: "XAUUSD", Source: "qtrend", Strength: "strong"}, recv)
	require.NoError(t, err)
	require.Equal(t, SourceQTrendStrong, sig.Source)
}

func TestNormalizeActionAsSideAlias(t *testing.T) {
	sig, err := Normalize(RawPayload{Symbol: "XAUUSD", Action: "sell"}, time.Unix(1, 0))
	require.NoError(t, err)
	require.Equal(t, SideSell, sig.Side)
}

func TestNormalizeSignalTimeImmutableAcrossPasses(t *testing.T) {
	recv := time.Unix(1700000000, 0)
	raw := RawPayload{Symbol: "XAUUSD", Source: "Lorentzian", Time: "1700000500"}
	first, err := Normalize(raw, recv)
	require.NoError(t, err)

	// Re-normalizing the same payload with a later receive time must
	// not change the derived signal_time, since it is parsed
	// identically from the explicit `time` field both times.
	second, err := Normalize(raw, recv.Add(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, first.SignalTime, second.SignalTime)
}

func TestNormalizeMissingSymbol(t *testing.T) {
	_, err := Normalize(RawPayload{}, time.Now())
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNormalizeTimeframeMinutes(t *testing.T) {
	require.Equal(t, "h1", normalizeTF("60"))
	require.Equal(t, "h4", normalizeTF("240"))
	require.Equal(t, "d1", normalizeTF("1440"))
	require.Equal(t, "m5", normalizeTF("5"))
	require.Equal(t, "", normalizeTF(""))
}

func TestNormalizeEpochMillis(t *testing.T) {
	recv := time.Unix(1700000000, 0)
	sig, err := Normalize(RawPayload{Symbol: "XAUUSD", Time: "1700000123000"}, recv)
	require.NoError(t, err)
	require.Equal(t, int64(1700000123), sig.SignalTime)
}
