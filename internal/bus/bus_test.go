package bus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	symbol, kind string
	calls        int
}

func (f *fakeRecorder) RecordSendFailure(symbol, kind string) {
	f.symbol, f.kind = symbol, kind
	f.calls++
}

func TestPublishWithoutConnectionRecordsFailure(t *testing.T) {
	rec := &fakeRecorder{}
	c := New("ws://example.invalid/bus", zerolog.Nop(), rec)
	c.PublishOrder(OrderMessage{Symbol: "XAUUSD", Action: "BUY"})
	require.Equal(t, 1, rec.calls)
	require.Equal(t, "XAUUSD", rec.symbol)
	require.Equal(t, TypeOrder, rec.kind)
}

func TestIsFreshDisabledAlwaysTrue(t *testing.T) {
	c := New("", zerolog.Nop(), nil)
	require.True(t, c.IsFresh(false, time.Second, time.Now()))
}

func TestIsFreshNoHeartbeatYetIsStale(t *testing.T) {
	c := New("", zerolog.Nop(), nil)
	require.False(t, c.IsFresh(true, 10*time.Second, time.Now()))
}

func TestIsFreshWithinTimeout(t *testing.T) {
	c := New("", zerolog.Nop(), nil)
	now := time.Now()
	c.OnHeartbeat(HeartbeatPayload{Positions: 1, NetSide: "buy"}, now)
	require.True(t, c.IsFresh(true, 10*time.Second, now.Add(5*time.Second)))
	require.False(t, c.IsFresh(true, 10*time.Second, now.Add(11*time.Second)))
}
