// Package metrics implements the §3/§4.12 rolling daily metrics map,
// flushed to disk with the same atomic temp-then-rename pattern as the
// signal cache, and dual-exposed as Prometheus gauges/counters the way
// the teacher's metrics registry does.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goldbrain/engine/internal/oracle"
)

// GuardStat accumulates count/sum/min/max for a named guard
// observation (e.g. spread_points at entry time).
type GuardStat struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

func (g *GuardStat) observe(v float64) {
	if g.Count == 0 {
		g.Min, g.Max = v, v
	} else {
		if v < g.Min {
			g.Min = v
		}
		if v > g.Max {
			g.Max = v
		}
	}
	g.Count++
	g.Sum += v
}

// MgmtStats tracks the management-engine counters of §3.
type MgmtStats struct {
	Decisions       int            `json:"decisions"`
	Close           int            `json:"close"`
	Hold            int            `json:"hold"`
	PhaseCounts     map[string]int `json:"phase_counts"`
	ConfidenceHist  map[string]int `json:"confidence_hist"`
	Examples        []string       `json:"examples"`
}

// SymbolDay is the per-(day,symbol) metrics bucket of §3.
type SymbolDay struct {
	Webhooks       int                   `json:"webhooks"`
	Duplicates     int                   `json:"duplicates"`
	EntryAttempts  int                   `json:"entry_attempts"`
	EntryOK        int                   `json:"entry_ok"`
	Blocked        map[string]int        `json:"blocked"`
	AIScoreHist    map[string]int        `json:"ai_score_hist"`
	GuardStats     map[string]*GuardStat `json:"guard_stats"`
	Examples       []string              `json:"examples"`
	OpenAICalls    int                   `json:"openai_calls"`
	OpenAIFailures int                   `json:"openai_failures"`
	ZMQSendOK      int                   `json:"zmq_send_ok"`
	ZMQSendFail    int                   `json:"zmq_send_fail"`
	AIValidationFail int                 `json:"ai_validation_fail"`
	Mgmt           MgmtStats             `json:"mgmt"`
}

func newSymbolDay() *SymbolDay {
	return &SymbolDay{
		Blocked:     map[string]int{},
		AIScoreHist: map[string]int{},
		GuardStats:  map[string]*GuardStat{},
		Mgmt: MgmtStats{
			PhaseCounts:    map[string]int{},
			ConfidenceHist: map[string]int{},
		},
	}
}

const maxExamplesDefault = 80

// Store is the mutex-serialized rolling metrics map, keyed
// by_day[YYYY-MM-DD][symbol].
type Store struct {
	mu           sync.Mutex
	byDay        map[string]map[string]*SymbolDay
	keepDays     int
	maxExamples  int
	dirty        bool

	promWebhooks   *prometheus.CounterVec
	promBlocked    *prometheus.CounterVec
	promOracle     *prometheus.HistogramVec
	promSendFail   *prometheus.CounterVec
	promAutoTune   *prometheus.GaugeVec
	gatherer       prometheus.Gatherer

	autoTune AutoTuneState
}

// AutoTuneState is the §4.13 "last applied values" summary, kept
// outside the by-day map since it is a process-lifetime fact, not a
// per-day bucket.
type AutoTuneState struct {
	SpreadMaxATRRatio float64   `json:"spread_max_atr_ratio"`
	DriftLimitATRMult float64   `json:"drift_limit_atr_mult"`
	SampleCount       int       `json:"sample_count"`
	AppliedAt         time.Time `json:"applied_at"`
}

// New constructs an empty Store and registers its Prometheus series.
func New(keepDays, maxExamples int, reg prometheus.Registerer) *Store {
	if keepDays <= 0 {
		keepDays = 14
	}
	if maxExamples <= 0 {
		maxExamples = maxExamplesDefault
	}
	s := &Store{
		byDay:       make(map[string]map[string]*SymbolDay),
		keepDays:    keepDays,
		maxExamples: maxExamples,
		promWebhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goldbrain_webhooks_total",
			Help: "Total normalized webhooks received, by symbol.",
		}, []string{"symbol"}),
		promBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goldbrain_blocked_total",
			Help: "Total entry/management blocks, by symbol and outcome code.",
		}, []string{"symbol", "reason"}),
		promOracle: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "goldbrain_oracle_latency_seconds",
			Help:    "Oracle call latency, by kind and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "ok"}),
		promSendFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goldbrain_bus_send_failures_total",
			Help: "Bus publish failures, by symbol and message kind.",
		}, []string{"symbol", "kind"}),
		promAutoTune: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "goldbrain_autotune_value",
			Help: "Last auto-tuned risk parameter values.",
		}, []string{"param"}),
	}
	if reg != nil {
		reg.MustRegister(s.promWebhooks, s.promBlocked, s.promOracle, s.promSendFail, s.promAutoTune)
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		s.gatherer = g
	}
	return s
}

// Gatherer returns the Prometheus registry backing this store, for a
// promhttp exposition handler. Nil if New was called with a
// Registerer that isn't also a Gatherer (or with nil).
func (s *Store) Gatherer() prometheus.Gatherer {
	return s.gatherer
}

// RecordAutoTune implements autotune.Metrics: records the last
// applied tuning values for both JSON export and Prometheus.
func (s *Store) RecordAutoTune(spreadMaxATRRatio, driftLimitATRMult float64, sampleCount int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoTune = AutoTuneState{
		SpreadMaxATRRatio: spreadMaxATRRatio,
		DriftLimitATRMult: driftLimitATRMult,
		SampleCount:       sampleCount,
		AppliedAt:         now,
	}
	s.dirty = true
	s.promAutoTune.WithLabelValues("spread_max_atr_ratio").Set(spreadMaxATRRatio)
	s.promAutoTune.WithLabelValues("drift_limit_atr_mult").Set(driftLimitATRMult)
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

func (s *Store) bucket(now time.Time, symbol string) *SymbolDay {
	day := dayKey(now)
	bySymbol, ok := s.byDay[day]
	if !ok {
		bySymbol = make(map[string]*SymbolDay)
		s.byDay[day] = bySymbol
	}
	sd, ok := bySymbol[symbol]
	if !ok {
		sd = newSymbolDay()
		bySymbol[symbol] = sd
	}
	return sd
}

// RecordWebhook increments the webhook counter for (day(now), symbol).
func (s *Store) RecordWebhook(symbol string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(now, symbol).Webhooks++
	s.dirty = true
	s.promWebhooks.WithLabelValues(symbol).Inc()
}

// RecordDuplicate increments the duplicate-webhook counter.
func (s *Store) RecordDuplicate(symbol string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(now, symbol).Duplicates++
	s.dirty = true
}

// RecordEntryAttempt increments entry_attempts, and entry_ok if ok.
func (s *Store) RecordEntryAttempt(symbol string, ok bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd := s.bucket(now, symbol)
	sd.EntryAttempts++
	if ok {
		sd.EntryOK++
	}
	s.dirty = true
}

// RecordBlocked increments blocked[reason] and appends a bounded
// audit example.
func (s *Store) RecordBlocked(symbol, reason, example string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd := s.bucket(now, symbol)
	sd.Blocked[reason]++
	sd.Examples = appendBounded(sd.Examples, example, s.maxExamples)
	s.dirty = true
	s.promBlocked.WithLabelValues(symbol, reason).Inc()
}

// RecordAIScore buckets a confluence score into a decile histogram.
func (s *Store) RecordAIScore(symbol string, score int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd := s.bucket(now, symbol)
	sd.AIScoreHist[scoreBucket(score)]++
	s.dirty = true
}

func scoreBucket(score int) string {
	lo := (score / 10) * 10
	return fmt.Sprintf("%d-%d", lo, lo+9)
}

// RecordGuard observes a numeric guard value (spread points, drift
// points, etc.) under name.
func (s *Store) RecordGuard(symbol, name string, value float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd := s.bucket(now, symbol)
	g, ok := sd.GuardStats[name]
	if !ok {
		g = &GuardStat{}
		sd.GuardStats[name] = g
	}
	g.observe(value)
	s.dirty = true
}

// RecordOracleCall implements oracle.Recorder.
func (s *Store) RecordOracleCall(kind oracle.Kind, ok bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promOracle.WithLabelValues(string(kind), fmt.Sprintf("%v", ok)).Observe(latency.Seconds())
}

// RecordOpenAI increments the call/failure counters.
func (s *Store) RecordOpenAI(symbol string, ok bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd := s.bucket(now, symbol)
	sd.OpenAICalls++
	if !ok {
		sd.OpenAIFailures++
	}
	s.dirty = true
}

// RecordAIValidationFail increments ai_validation_fail.
func (s *Store) RecordAIValidationFail(symbol string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(now, symbol).AIValidationFail++
	s.dirty = true
}

// RecordSendFailure implements bus.SendFailureRecorder.
func (s *Store) RecordSendFailure(symbol, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	sd := s.bucket(now, symbol)
	sd.ZMQSendFail++
	s.dirty = true
	s.promSendFail.WithLabelValues(symbol, kind).Inc()
}

// RecordSendOK increments zmq_send_ok.
func (s *Store) RecordSendOK(symbol string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(now, symbol).ZMQSendOK++
	s.dirty = true
}

// RecordMgmtDecision updates the management counters/examples.
func (s *Store) RecordMgmtDecision(symbol, phase string, confidence int, isClose bool, example string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd := s.bucket(now, symbol)
	sd.Mgmt.Decisions++
	if isClose {
		sd.Mgmt.Close++
	} else {
		sd.Mgmt.Hold++
	}
	sd.Mgmt.PhaseCounts[phase]++
	sd.Mgmt.ConfidenceHist[scoreBucket(confidence)]++
	sd.Mgmt.Examples = appendBounded(sd.Mgmt.Examples, example, s.maxExamples)
	s.dirty = true
}

func appendBounded(ring []string, v string, max int) []string {
	ring = append(ring, v)
	if len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return ring
}

// Prune drops days older than keepDays relative to now.
func (s *Store) Prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.AddDate(0, 0, -s.keepDays)
	for day := range s.byDay {
		t, err := time.Parse("2006-01-02", day)
		if err != nil || t.Before(cutoff) {
			delete(s.byDay, day)
			s.dirty = true
		}
	}
}

// Dirty reports whether unflushed writes exist.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// ClearDirty resets the dirty flag after a successful flush.
func (s *Store) ClearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

// Snapshot returns a deep copy (safe to encode outside the lock) of
// the by_day map, taken by a JSON round trip under the lock. JSON
// encoding of the result orders days by key.
func (s *Store) Snapshot() map[string]map[string]*SymbolDay {
	s.mu.Lock()
	data, err := json.Marshal(s.byDay)
	s.mu.Unlock()
	out := make(map[string]map[string]*SymbolDay)
	if err == nil {
		_ = json.Unmarshal(data, &out)
	}
	return out
}

// AutoTuneSnapshot returns the last-applied auto-tune values, for the
// GET /metrics response.
func (s *Store) AutoTuneSnapshot() AutoTuneState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoTune
}

// persistedMetrics is the on-disk envelope Flush/Load use, so the
// last-applied auto-tune values survive a restart alongside the
// by-day rolling counters rather than living only in the Prometheus
// gauges, which reset on process start.
type persistedMetrics struct {
	ByDay    map[string]map[string]*SymbolDay `json:"by_day"`
	AutoTune AutoTuneState                     `json:"auto_tune"`
}

// Flush atomically writes the metrics map to path (write-temp then
// rename), mirroring the signal cache's flush discipline (§4.12).
func (s *Store) Flush(path string) error {
	snap := s.Snapshot()
	autoTune := s.AutoTuneSnapshot()
	days := make([]string, 0, len(snap))
	for d := range snap {
		days = append(days, d)
	}
	sort.Strings(days)

	data, err := json.MarshalIndent(persistedMetrics{ByDay: snap, AutoTune: autoTune}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir metrics dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metrics temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename metrics temp: %w", err)
	}
	s.ClearDirty()
	return nil
}

// Load restores the metrics map from a previously flushed file. A
// missing file is not an error (fresh start).
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read metrics: %w", err)
	}
	var loaded persistedMetrics
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parse metrics: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDay = loaded.ByDay
	s.autoTune = loaded.AutoTune
	return nil
}
