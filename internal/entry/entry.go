// Package entry implements the Entry Engine (C7): the Lorentzian
// trigger aggregation window, the ordered pre-AI guard chain, the AI
// gate, per-symbol processing lock, add-on/pyramid policy and delayed
// re-evaluation of §4.7.
package entry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goldbrain/engine/internal/bus"
	"github.com/goldbrain/engine/internal/cache"
	"github.com/goldbrain/engine/internal/config"
	"github.com/goldbrain/engine/internal/confluence"
	"github.com/goldbrain/engine/internal/market"
	"github.com/goldbrain/engine/internal/oracle"
	"github.com/goldbrain/engine/internal/outcome"
	"github.com/goldbrain/engine/internal/qtrend"
	"github.com/goldbrain/engine/internal/signal"
	"github.com/goldbrain/engine/internal/window"
)

// State is the per-symbol entry state machine of §4.7.1.
type State string

const (
	StateIdle           State = "IDLE"
	StateAggregating    State = "AGGREGATING"
	StateEvaluating     State = "EVALUATING"
	StatePlaced         State = "PLACED"
	StateBlocked        State = "BLOCKED"
	StateDelayedPending State = "DELAYED_PENDING"
)

// PendingEntry is the §3 "Pending Entry" record.
type PendingEntry struct {
	Trigger             signal.Signal
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Attempts            int
	LastAttemptAt       time.Time
	LastRetrySignal     signal.Signal
	LastAttemptContext  string
	IsAddon             bool
}

// AggregationState is the §3 "Entry Aggregation State" record.
type AggregationState struct {
	CreatedAt    time.Time
	DueAt        time.Time
	MaxDueAt     time.Time
	Trigger      signal.Signal
	TriggerCount int
	running      bool
}

type processingLock struct {
	acquiredAt time.Time
	context    string
}

type addonSession struct {
	side      signal.Side
	count     int
	updatedAt time.Time
}

// Metrics receives observations the engine produces, kept narrow so
// tests can fake it.
type Metrics interface {
	RecordEntryAttempt(symbol string, ok bool, now time.Time)
	RecordBlocked(symbol, reason, example string, now time.Time)
	RecordAIScore(symbol string, score int, now time.Time)
	RecordGuard(symbol, name string, value float64, now time.Time)
	RecordSendOK(symbol string, now time.Time)
}

type noopMetrics struct{}

func (noopMetrics) RecordEntryAttempt(string, bool, time.Time)  {}
func (noopMetrics) RecordBlocked(string, string, string, time.Time) {}
func (noopMetrics) RecordAIScore(string, int, time.Time)        {}
func (noopMetrics) RecordGuard(string, string, float64, time.Time) {}
func (noopMetrics) RecordSendOK(string, time.Time)              {}

// PositionsView answers the broker-state questions the entry gates
// need, sourced from the Liveness Monitor's heartbeat cache (§6.3).
type PositionsView interface {
	PositionsOpen(symbol string) int
	NetSide(symbol string) signal.Side
	HeartbeatFresh(now time.Time) bool
}

// SampleRecorder feeds the §4.13 auto-tuner's percentile windows.
// Satisfied by *autotune.Store without an import — entry has no
// reason to know about the tuner beyond this narrow seam.
type SampleRecorder interface {
	RecordSample(spreadToATR, driftToATR float64)
}

type noopSampleRecorder struct{}

func (noopSampleRecorder) RecordSample(float64, float64) {}

// Dependencies bundles the engine's collaborators, built once at
// startup per §9's "explicit initialization, no hidden singletons".
type Dependencies struct {
	Cache     *cache.Cache
	QTrend    *qtrend.Store
	Market    *market.Provider
	Oracle    *oracle.Adapter
	Bus       *bus.Client
	Metrics   Metrics
	Positions PositionsView
	Config    config.Config
	Tunable   *config.Tunable // auto-tuner (C13) live overrides; nil uses Config's static values
	Samples   SampleRecorder  // auto-tuner (C13) sample feed; nil is a no-op
	Log       zerolog.Logger
	Now       func() time.Time
}

// Engine is the mutex-guarded, per-symbol Entry Engine. Each exported
// symbol's state lives behind engine-wide maps guarded by a single
// mutex, per §5's "fine-grained locks, no hierarchy across mutexes
// held across a blocking call".
type Engine struct {
	deps Dependencies

	mu            sync.Mutex
	state         map[string]State
	pending       map[string]*PendingEntry
	aggregations  map[string]*AggregationState
	processed     map[string]map[string]time.Time // symbol -> dedupeKey -> processedAt
	locks         map[string]*processingLock
	addon         map[string]*addonSession
	lastOrderSent map[string]time.Time
	aiThrottle    map[string]time.Time
}

// New constructs an Engine. deps.Metrics/deps.Now may be left nil to
// use no-op/real-clock defaults.
func New(deps Dependencies) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Samples == nil {
		deps.Samples = noopSampleRecorder{}
	}
	return &Engine{
		deps:          deps,
		state:         make(map[string]State),
		pending:       make(map[string]*PendingEntry),
		aggregations:  make(map[string]*AggregationState),
		processed:     make(map[string]map[string]time.Time),
		locks:         make(map[string]*processingLock),
		addon:         make(map[string]*addonSession),
		lastOrderSent: make(map[string]time.Time),
		aiThrottle:    make(map[string]time.Time),
	}
}

// TriggerKey is the deterministic dedupe key of §4.7.2 gate 1: it
// deliberately excludes receive_time so two near-simultaneous webhooks
// for the same (symbol, action, signal_time) collide.
func TriggerKey(s signal.Signal) string {
	action := "NONE"
	switch s.Side {
	case signal.SideBuy:
		action = "BUY"
	case signal.SideSell:
		action = "SELL"
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s|%.3f|%.5f", s.Symbol, action, s.TF, s.Source, s.Event, float64(s.SignalTime), s.Price)
}

func (e *Engine) markProcessed(symbol, key string, at time.Time) {
	m := e.processed[symbol]
	if m == nil {
		m = make(map[string]time.Time)
		e.processed[symbol] = m
	}
	m[key] = at
}

func (e *Engine) isProcessed(symbol, key string) bool {
	m := e.processed[symbol]
	if m == nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// pruneProcessedLocked drops processed-trigger entries older than the
// hard TTL, per §5's "TTL-based pruning occurs on each access".
func (e *Engine) pruneProcessedLocked(symbol string, now time.Time, ttl time.Duration) {
	m := e.processed[symbol]
	for k, at := range m {
		if now.Sub(at) > ttl {
			delete(m, k)
		}
	}
}

// HandleTrigger implements the IDLE/AGGREGATING transitions of
// §4.7.1. Called with a just-normalized Lorentzian entry_trigger
// signal. Returns immediately; evaluation runs on a deferred worker.
func (e *Engine) HandleTrigger(ctx context.Context, trig signal.Signal) outcome.Result {
	now := e.deps.Now()
	cfg := e.deps.Config

	e.mu.Lock()
	e.pruneProcessedLocked(trig.Symbol, now, cfg.EntryHardTTL())
	key := TriggerKey(trig)
	if e.isProcessed(trig.Symbol, key) {
		e.mu.Unlock()
		return outcome.Result{Code: outcome.TriggerAlreadyProcessed, Message: "Trigger already processed"}
	}
	if lock, busy := e.locks[trig.Symbol]; busy {
		if now.Sub(lock.acquiredAt) < time.Duration(cfg.EntryProcessingMaxHoldSec)*time.Second {
			e.mu.Unlock()
			return outcome.Result{Code: outcome.EntryLocked, Message: "Entry processing locked"}
		}
		delete(e.locks, trig.Symbol) // stale lock, auto-unlock per §3
	}
	if trig.Side != signal.SideBuy && trig.Side != signal.SideSell {
		e.mu.Unlock()
		return outcome.Result{Code: outcome.InvalidTrigger, Message: "Invalid trigger"}
	}

	wait := time.Duration(cfg.EntryPostSignalWaitSec) * time.Second
	maxWait := cfg.EntryMaxWait()

	agg, exists := e.aggregations[trig.Symbol]
	if !exists {
		maxDue := now.Add(maxWait)
		agg = &AggregationState{
			CreatedAt: now,
			DueAt:     minTime(now.Add(wait), maxDue),
			MaxDueAt:  maxDue,
			Trigger:   trig,
		}
		e.aggregations[trig.Symbol] = agg
		e.state[trig.Symbol] = StateAggregating
	} else {
		agg.DueAt = minTime(now.Add(wait), agg.MaxDueAt)
		agg.TriggerCount++
		agg.Trigger = trig
	}
	shouldSchedule := !agg.running
	agg.running = true

	pe, ok := e.pending[trig.Symbol]
	if !ok {
		pe = &PendingEntry{Trigger: trig, CreatedAt: now, ExpiresAt: agg.MaxDueAt}
		e.pending[trig.Symbol] = pe
	} else {
		pe.Trigger = trig
	}
	delay := agg.DueAt.Sub(now)
	e.mu.Unlock()

	if shouldSchedule {
		time.AfterFunc(delay, func() {
			e.runEvaluation(context.Background(), trig.Symbol)
		})
	}

	return outcome.Result{Code: outcome.OK, Message: "Entry deferred"}
}

func (e *Engine) spreadMaxATRRatio() float64 {
	if e.deps.Tunable != nil {
		return e.deps.Tunable.SpreadMaxATRRatio()
	}
	return e.deps.Config.SpreadMaxATRRatio
}

func (e *Engine) driftLimitATRMult() float64 {
	if e.deps.Tunable != nil {
		return e.deps.Tunable.DriftLimitATRMult()
	}
	return e.deps.Config.DriftLimitATRMult
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// Aggregate runs the Window Aggregator (C5) over the cache's fresh
// signals for symbol, centered on the trigger's effective time.
func (e *Engine) Aggregate(symbol string, center int64, side signal.Side) window.Result {
	fresh := e.deps.Cache.FilterFresh(symbol, e.deps.Now())
	return window.Aggregate(fresh, symbol, center, side, time.Duration(e.deps.Config.ConfluenceWindowSec)*time.Second)
}

// ConfluenceFor builds C6 confluence stats from the cache's fresh
// signals for symbol.
func (e *Engine) ConfluenceFor(symbol string) (confluence.Stats, bool) {
	fresh := e.deps.Cache.FilterFresh(symbol, e.deps.Now())
	return confluence.Build(fresh, time.Duration(e.deps.Config.ConfluenceWindowSec)*time.Second)
}

// PendingSnapshot reports, per symbol, the state machine state and
// whether a pending entry is outstanding — the "pending entries" view
// surfaced at GET /status.
func (e *Engine) PendingSnapshot() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.state))
	for symbol, st := range e.state {
		out[symbol] = string(st)
	}
	return out
}
