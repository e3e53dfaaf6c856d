package management

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/goldbrain/engine/internal/bus"
	"github.com/goldbrain/engine/internal/config"
	"github.com/goldbrain/engine/internal/market"
	"github.com/goldbrain/engine/internal/oracle"
	"github.com/goldbrain/engine/internal/signal"
)

type fakePositions struct {
	open            int
	side            signal.Side
	fresh           bool
	holdingSec      int64
	pnlPoints       float64
	inProfitProtect bool
}

func (f fakePositions) PositionsOpen(string) int              { return f.open }
func (f fakePositions) NetSide(string) signal.Side            { return f.side }
func (f fakePositions) HeartbeatFresh(time.Time) bool         { return f.fresh }
func (f fakePositions) HoldingSeconds(string, time.Time) int64 { return f.holdingSec }
func (f fakePositions) OpenPnLPoints(string) float64          { return f.pnlPoints }
func (f fakePositions) InProfitProtect(string) bool           { return f.inProfitProtect }

type fakeMetrics struct {
	decisions []string
	failures  int
}

func (f *fakeMetrics) RecordMgmtDecision(_, phase string, _ int, isClose bool, _ string, _ time.Time) {
	action := "HOLD"
	if isClose {
		action = "CLOSE"
	}
	f.decisions = append(f.decisions, phase+":"+action)
}
func (f *fakeMetrics) RecordAIValidationFail(string, time.Time) { f.failures++ }
func (f *fakeMetrics) RecordSendOK(string, time.Time)           {}

type fakeOracleCaller struct{ response string }

func (f fakeOracleCaller) CallJSON(ctx context.Context, system, prompt string) (string, error) {
	return f.response, nil
}

// fakeAuditRecorder captures the wire reason each PublishClose/Hold
// passes through bus.Client.audit, which is the one seam that sees
// the literal CloseOrHoldMessage.Reason sent for a symbol.
type fakeAuditRecorder struct {
	reasons []string
}

func (f *fakeAuditRecorder) RecordDecision(symbol, kind, action, reason string, confidence int, at time.Time) {
	f.reasons = append(f.reasons, reason)
}

func newTestEngine(t *testing.T, positions fakePositions, oracleResponse string) (*Engine, *fakeMetrics, *fakeAuditRecorder) {
	t.Helper()
	cfg := config.Default()
	cfg.EntryPostSignalWaitSec = 0

	m := market.New()
	m.OnTick("XAUUSD", 2000.00, 2000.05, 0.01, time.Now())
	for i := 0; i < 20; i++ {
		m.OnBarClose("XAUUSD", market.Bar{Open: 2000, High: 2001, Low: 1999, Close: 2000.2})
	}

	fm := &fakeMetrics{}
	fa := &fakeAuditRecorder{}
	oc := oracle.DefaultConfig()
	oc.RetryWait = time.Millisecond
	oc.RateLimitPerSec = 1000
	oc.RateLimitBurst = 1000
	ad := oracle.New(fakeOracleCaller{response: oracleResponse}, oc, zerolog.Nop(), nil)
	busClient := bus.New("", zerolog.Nop(), nil)
	busClient.SetAuditRecorder(fa)

	e := New(Dependencies{
		Market:    m,
		Oracle:    ad,
		Bus:       busClient,
		Metrics:   fm,
		Positions: positions,
		Config:    cfg,
		Log:       zerolog.Nop(),
	})
	return e, fm, fa
}

func touchSignal(side signal.Side, now time.Time) signal.Signal {
	return signal.Signal{
		Symbol:      "XAUUSD",
		Source:      signal.SourceZones,
		SignalType:  signal.KindStructure,
		Event:       "zone_retrace_touch",
		Side:        side,
		Confirmed:   signal.ConfirmedBarClose,
		TF:          "m5",
		SignalTime:  now.Unix(),
		ReceiveTime: now.Unix(),
	}
}

func TestHandleSignalSkippedWhenFlat(t *testing.T) {
	e, _, _ := newTestEngine(t, fakePositions{open: 0, fresh: true}, `{}`)
	scheduled := e.HandleSignal(context.Background(), touchSignal(signal.SideSell, time.Now()))
	require.False(t, scheduled)
}

func TestHandleSignalSchedulesWhenPositionsOpen(t *testing.T) {
	e, _, _ := newTestEngine(t, fakePositions{open: 1, side: signal.SideBuy, fresh: true}, `{}`)
	scheduled := e.HandleSignal(context.Background(), touchSignal(signal.SideSell, time.Now()))
	require.True(t, scheduled)
	e.mu.Lock()
	_, ok := e.windows["XAUUSD"]
	e.mu.Unlock()
	require.True(t, ok)
}

func TestRunDecisionPublishesCloseOnHighConfidence(t *testing.T) {
	now := time.Now()
	positions := fakePositions{open: 1, side: signal.SideBuy, fresh: true, holdingSec: 60}
	e, fm, _ := newTestEngine(t, positions, `{"confidence":82,"trail_mode":"TIGHT","tp_mode":"TIGHT","reason":"reversal_confluence"}`)

	e.HandleSignal(context.Background(), touchSignal(signal.SideSell, now))
	e.runDecision(context.Background(), "XAUUSD")

	require.Len(t, fm.decisions, 1)
	require.Contains(t, fm.decisions[0], "CLOSE")
}

func TestRunDecisionPublishesHoldOnLowConfidence(t *testing.T) {
	now := time.Now()
	positions := fakePositions{open: 1, side: signal.SideBuy, fresh: true, holdingSec: 60}
	e, fm, _ := newTestEngine(t, positions, `{"confidence":20,"trail_mode":"NORMAL","tp_mode":"NORMAL","reason":"no_reversal"}`)

	e.HandleSignal(context.Background(), touchSignal(signal.SideSell, now))
	e.runDecision(context.Background(), "XAUUSD")

	require.Len(t, fm.decisions, 1)
	require.Contains(t, fm.decisions[0], "HOLD")
}

func TestRunDecisionSkippedWhenHeartbeatStale(t *testing.T) {
	now := time.Now()
	positions := fakePositions{open: 1, side: signal.SideBuy, fresh: false, holdingSec: 60}
	e, fm, _ := newTestEngine(t, positions, `{"confidence":90,"trail_mode":"TIGHT","tp_mode":"TIGHT","reason":"x"}`)

	e.HandleSignal(context.Background(), touchSignal(signal.SideSell, now))
	e.runDecision(context.Background(), "XAUUSD")

	require.Empty(t, fm.decisions)
}

func TestFallbackHoldOnMalformedSchema(t *testing.T) {
	now := time.Now()
	positions := fakePositions{open: 1, side: signal.SideBuy, fresh: true, holdingSec: 60}
	e, fm, fa := newTestEngine(t, positions, `{"confidence":"not-a-number"}`)

	e.HandleSignal(context.Background(), touchSignal(signal.SideSell, now))
	e.runDecision(context.Background(), "XAUUSD")

	require.Equal(t, 1, fm.failures)
	require.Len(t, fm.decisions, 1)
	require.Contains(t, fm.decisions[0], "HOLD")
	require.Equal(t, []string{bus.ReasonAIFallbackHold}, fa.reasons)
}

func TestFallbackDefaultClosePolicy(t *testing.T) {
	now := time.Now()
	positions := fakePositions{open: 1, side: signal.SideBuy, fresh: true, holdingSec: 60}
	e, fm, fa := newTestEngine(t, positions, `not json at all`)
	e.deps.Config.AICloseFallbackPolicy = "default_close"

	e.HandleSignal(context.Background(), touchSignal(signal.SideSell, now))
	e.runDecision(context.Background(), "XAUUSD")

	require.Len(t, fm.decisions, 1)
	require.Contains(t, fm.decisions[0], "CLOSE")
	require.Equal(t, []string{"default_close"}, fa.reasons)
}

func TestIsReversalLikeRequiresOppositeConfirmedSide(t *testing.T) {
	now := time.Now()
	s := touchSignal(signal.SideSell, now)
	require.True(t, isReversalLike(s, signal.SideBuy))
	require.False(t, isReversalLike(s, signal.SideSell))
	s.Confirmed = signal.ConfirmedIntrabar
	s.Strength = signal.StrengthNone
	require.False(t, isReversalLike(s, signal.SideBuy))
}

func TestPhaseProfitProtectTakesPrecedence(t *testing.T) {
	require.Equal(t, "PROFIT_PROTECT", phase(10, true, true, 1800))
	require.Equal(t, "PROFIT_PROTECT", phase(1800, false, false, 1800))
	require.Equal(t, "DEVELOPMENT", phase(10, true, false, 1800))
}
