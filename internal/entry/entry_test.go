package entry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/goldbrain/engine/internal/bus"
	"github.com/goldbrain/engine/internal/cache"
	"github.com/goldbrain/engine/internal/config"
	"github.com/goldbrain/engine/internal/market"
	"github.com/goldbrain/engine/internal/oracle"
	"github.com/goldbrain/engine/internal/outcome"
	"github.com/goldbrain/engine/internal/qtrend"
	"github.com/goldbrain/engine/internal/signal"
)

type fakePositions struct {
	open    int
	side    signal.Side
	fresh   bool
}

func (f fakePositions) PositionsOpen(string) int          { return f.open }
func (f fakePositions) NetSide(string) signal.Side        { return f.side }
func (f fakePositions) HeartbeatFresh(time.Time) bool     { return f.fresh }

type fakeMetrics struct {
	blocked []string
}

func (f *fakeMetrics) RecordEntryAttempt(string, bool, time.Time)     {}
func (f *fakeMetrics) RecordBlocked(_, reason, _ string, _ time.Time) { f.blocked = append(f.blocked, reason) }
func (f *fakeMetrics) RecordAIScore(string, int, time.Time)           {}
func (f *fakeMetrics) RecordGuard(string, string, float64, time.Time) {}
func (f *fakeMetrics) RecordSendOK(string, time.Time)                 {}

type fakeOracleCaller struct{ response string }

func (f fakeOracleCaller) CallJSON(ctx context.Context, system, prompt string) (string, error) {
	return f.response, nil
}

func newTestEngine(t *testing.T, positions fakePositions, oracleResponse string) (*Engine, *fakeMetrics) {
	t.Helper()
	cfg := config.Default()
	cfg.EntryPostSignalWaitSec = 0
	m := market.New()
	m.OnTick("XAUUSD", 2000.00, 2000.05, 0.01, time.Now())
	for i := 0; i < 20; i++ {
		m.OnBarClose("XAUUSD", market.Bar{Open: 2000, High: 2001, Low: 1999, Close: 2000.2})
	}
	fm := &fakeMetrics{}
	oc := oracle.DefaultConfig()
	oc.RetryWait = time.Millisecond
	oc.RateLimitPerSec = 1000
	oc.RateLimitBurst = 1000
	ad := oracle.New(fakeOracleCaller{response: oracleResponse}, oc, zerolog.Nop(), nil)
	busClient := bus.New("", zerolog.Nop(), nil)

	e := New(Dependencies{
		Cache:     cache.New(cache.DefaultRetention(), zerolog.Nop()),
		QTrend:    qtrend.New(300*time.Second, false),
		Market:    m,
		Oracle:    ad,
		Bus:       busClient,
		Metrics:   fm,
		Positions: positions,
		Config:    cfg,
		Log:       zerolog.Nop(),
	})
	return e, fm
}

func lorentzianTrigger(side signal.Side, price float64, now time.Time) signal.Signal {
	return signal.Signal{
		Symbol:     "XAUUSD",
		Source:     signal.SourceLorentzian,
		SignalType: signal.KindEntryTrigger,
		Side:       side,
		Price:      price,
		TF:         "m5",
		SignalTime: now.Unix(),
		ReceiveTime: now.Unix(),
	}
}

func TestHandleTriggerThenEvaluateSucceeds(t *testing.T) {
	now := time.Now()
	e, fm := newTestEngine(t, fakePositions{fresh: true}, `{"confluence_score":90,"lot_multiplier":1.2,"reason":"aligned"}`)
	trig := lorentzianTrigger(signal.SideBuy, 2000.2, now)

	res := e.HandleTrigger(context.Background(), trig)
	require.Equal(t, outcome.OK, res.Code)

	e.runEvaluation(context.Background(), "XAUUSD")

	e.mu.Lock()
	state := e.state["XAUUSD"]
	e.mu.Unlock()
	require.Equal(t, StatePlaced, state)
	require.Empty(t, fm.blocked)
}

func TestHandleTriggerDedupeAfterOrderSent(t *testing.T) {
	now := time.Now()
	e, _ := newTestEngine(t, fakePositions{fresh: true}, `{"confluence_score":90,"lot_multiplier":1.0,"reason":"ok"}`)
	trig := lorentzianTrigger(signal.SideBuy, 2000.2, now)

	e.HandleTrigger(context.Background(), trig)
	e.runEvaluation(context.Background(), "XAUUSD")

	res := e.HandleTrigger(context.Background(), trig)
	require.Equal(t, outcome.TriggerAlreadyProcessed, res.Code)
}

func TestHandleTriggerInvalidSide(t *testing.T) {
	e, _ := newTestEngine(t, fakePositions{fresh: true}, `{}`)
	trig := lorentzianTrigger(signal.SideNone, 2000.2, time.Now())
	res := e.HandleTrigger(context.Background(), trig)
	require.Equal(t, outcome.InvalidTrigger, res.Code)
}

func TestEvaluateBlockedByLowAIScore(t *testing.T) {
	now := time.Now()
	e, fm := newTestEngine(t, fakePositions{fresh: true}, `{"confluence_score":10,"lot_multiplier":1.0,"reason":"weak"}`)
	trig := lorentzianTrigger(signal.SideBuy, 2000.2, now)

	e.HandleTrigger(context.Background(), trig)
	e.runEvaluation(context.Background(), "XAUUSD")

	require.Contains(t, fm.blocked, string(outcome.BlockedAIScore))
}

func TestEvaluateBlockedByStaleHeartbeat(t *testing.T) {
	now := time.Now()
	e, fm := newTestEngine(t, fakePositions{fresh: false}, `{}`)
	trig := lorentzianTrigger(signal.SideBuy, 2000.2, now)

	e.HandleTrigger(context.Background(), trig)
	e.runEvaluation(context.Background(), "XAUUSD")

	require.Contains(t, fm.blocked, string(outcome.FrozenByHeartbeat))
}

func TestTriggerKeyExcludesReceiveTime(t *testing.T) {
	now := time.Now()
	a := lorentzianTrigger(signal.SideBuy, 2000.2, now)
	b := a
	b.ReceiveTime = now.Add(5 * time.Second).Unix()
	require.Equal(t, TriggerKey(a), TriggerKey(b))
}

func TestCheckCooldownBlocksWithinWindow(t *testing.T) {
	now := time.Now()
	r := checkCooldown(now, now.Add(-10*time.Second), 60*time.Second)
	require.True(t, r.blocked)
	require.Equal(t, outcome.BlockedCooldown, r.code)
}

func TestCheckDriftGuardClampsLimit(t *testing.T) {
	res, limit, drift := checkDriftGuard("XAUUSD", 2000.0, 2000.0+50*0.10, 0.005, 20, driftConfig{ATRMult: 3, MinPoints: 20, MaxPoints: 400, HardBlock: true})
	require.InDelta(t, 400, limit, 1e-9) // clamp(20*3/0.10 = 600, [20,400]) = 400, clamped to the max
	require.InDelta(t, 50, drift, 1e-9)
	require.False(t, res.blocked)
}
