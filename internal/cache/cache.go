// Package cache implements the per-symbol Signal Cache (§4.2): an
// ordered, deduped, retention-classed store of normalized signals,
// with an optional bucket index for O(windows) range queries.
package cache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goldbrain/engine/internal/signal"
)

// Retention holds the per-event-class lookback windows of §4.2.
type Retention struct {
	ZoneLookback      time.Duration
	ZoneTouchLookback time.Duration
	FVGLookback       time.Duration
	SignalLookback    time.Duration
	MaxAge            time.Duration // used by FilterFresh
}

// DefaultRetention mirrors the defaults named in §4.2/§3.
func DefaultRetention() Retention {
	return Retention{
		ZoneLookback:      1200 * time.Second,
		ZoneTouchLookback: 1200 * time.Second,
		FVGLookback:       1200 * time.Second,
		SignalLookback:    1200 * time.Second,
		MaxAge:            1200 * time.Second,
	}
}

// classFor returns the retention duration that applies to s.
func (r Retention) classFor(s signal.Signal) time.Duration {
	switch {
	case s.IsZonePresenceEvent():
		return r.ZoneLookback
	case s.IsZoneTouchEvent():
		return r.ZoneTouchLookback
	case s.Source == signal.SourceFVG:
		return r.FVGLookback
	default:
		return r.SignalLookback
	}
}

// anchorTime returns the timestamp retention is measured against for
// s: receive_time, for every retention class. FilterFresh applies its
// own rule (see there).
func (r Retention) anchorTime(s signal.Signal) int64 {
	return s.ReceiveTime
}

const dedupeWindowDefault = 120 * time.Second

const bucketSecDefault = 60

// entry wraps a Signal with its dedupe key computed once.
type entry struct {
	sig signal.Signal
	key string
}

// Cache is a mutex-serialized, per-symbol Signal store.
type Cache struct {
	mu        sync.Mutex
	bySymbol  map[string][]entry
	seenKeys  map[string]map[string]int64 // symbol -> dedupeKey -> first-seen receive_time
	retention Retention
	bucketSec int64
	buckets   map[string]map[int64][]int // symbol -> bucketID -> indices into bySymbol[symbol]
	dirty     bool
	log       zerolog.Logger
}

// New constructs an empty Cache.
func New(retention Retention, log zerolog.Logger) *Cache {
	return &Cache{
		bySymbol:  make(map[string][]entry),
		seenKeys:  make(map[string]map[string]int64),
		buckets:   make(map[string]map[int64][]int),
		retention: retention,
		bucketSec: bucketSecDefault,
		log:       log,
	}
}

// Append stores s unless an entry still in the cache shares its dedupe
// key; such an entry is a duplicate whatever its age. dedupeWindow is
// defaulted when non-positive but does not otherwise affect the
// result. A successful append prunes
// expired entries immediately, using the appended signal's own
// receive_time as the reference clock, rather than waiting for the
// background flush tick. Returns true if appended.
func (c *Cache) Append(s signal.Signal, dedupeWindow time.Duration) bool {
	if dedupeWindow <= 0 {
		dedupeWindow = dedupeWindowDefault
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := s.DedupeKey()
	seen := c.seenKeys[s.Symbol]
	if seen == nil {
		seen = make(map[string]int64)
		c.seenKeys[s.Symbol] = seen
	}
	if _, dup := seen[key]; dup {
		return false
	}

	seen[key] = s.ReceiveTime
	idx := len(c.bySymbol[s.Symbol])
	c.bySymbol[s.Symbol] = append(c.bySymbol[s.Symbol], entry{sig: s, key: key})
	c.indexBucket(s.Symbol, s, idx)
	c.dirty = true
	c.pruneLocked(time.Unix(s.ReceiveTime, 0))
	return true
}

func (c *Cache) indexBucket(symbol string, s signal.Signal, idx int) {
	bucketID := s.ReceiveTime / c.bucketSec
	m := c.buckets[symbol]
	if m == nil {
		m = make(map[int64][]int)
		c.buckets[symbol] = m
	}
	m[bucketID] = append(m[bucketID], idx)
}

// Prune removes expired signals for every symbol per §4.2's
// retention classes, and rebuilds the bucket index for affected
// symbols. Safe to call from the flush timer or on every append.
func (c *Cache) Prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
}

func (c *Cache) pruneLocked(now time.Time) {
	nowU := now.Unix()
	for symbol, entries := range c.bySymbol {
		kept := entries[:0:0]
		seen := make(map[string]int64)
		for _, e := range entries {
			age := nowU - c.retention.anchorTime(e.sig)
			if time.Duration(age)*time.Second < c.retention.classFor(e.sig) {
				kept = append(kept, e)
				seen[e.key] = e.sig.ReceiveTime
			}
		}
		c.bySymbol[symbol] = kept
		c.seenKeys[symbol] = seen
		c.rebuildBucketsLocked(symbol)
	}
}

func (c *Cache) rebuildBucketsLocked(symbol string) {
	m := make(map[int64][]int)
	for idx, e := range c.bySymbol[symbol] {
		bucketID := e.sig.ReceiveTime / c.bucketSec
		m[bucketID] = append(m[bucketID], idx)
	}
	c.buckets[symbol] = m
}

// FilterFresh returns a snapshot copy of signals for symbol whose
// effective age (receive_time for zone presence and zone touch events,
// otherwise signal_time when set, else receive_time) is within the
// retention window's MaxAge.
func (c *Cache) FilterFresh(symbol string, now time.Time) []signal.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowU := now.Unix()
	var out []signal.Signal
	for _, e := range c.bySymbol[symbol] {
		ts := e.sig.EffectiveTime()
		if e.sig.IsZonePresenceEvent() || e.sig.IsZoneTouchEvent() {
			ts = e.sig.ReceiveTime
		}
		if time.Duration(nowU-ts)*time.Second <= c.retention.MaxAge {
			out = append(out, e.sig)
		}
	}
	return out
}

// Snapshot returns a defensive copy of all cached signals for symbol,
// regardless of freshness.
func (c *Cache) Snapshot(symbol string) []signal.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.bySymbol[symbol]
	out := make([]signal.Signal, len(entries))
	for i, e := range entries {
		out[i] = e.sig
	}
	return out
}

// InWindow returns the signals for symbol within the bucket index
// covering [center-window, center+window], using the bucket index
// when available (O(windows)) rather than scanning the whole cache.
func (c *Cache) InWindow(symbol string, center int64, window time.Duration) []signal.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()

	windowSec := int64(window / time.Second)
	lo := (center - windowSec) / c.bucketSec
	hi := (center + windowSec) / c.bucketSec

	entries := c.bySymbol[symbol]
	bm := c.buckets[symbol]
	seenIdx := make(map[int]bool)
	var out []signal.Signal
	for b := lo; b <= hi; b++ {
		for _, idx := range bm[b] {
			if seenIdx[idx] || idx >= len(entries) {
				continue
			}
			seenIdx[idx] = true
			e := entries[idx]
			if abs64(e.sig.EffectiveTime()-center) <= windowSec {
				out = append(out, e.sig)
			}
		}
	}
	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Dirty reports whether the cache has unflushed appends since the
// last call to ClearDirty.
func (c *Cache) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// ClearDirty resets the dirty flag after a successful flush.
func (c *Cache) ClearDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = false
}

// AllSymbols returns every symbol with at least one cached signal.
func (c *Cache) AllSymbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.bySymbol))
	for symbol := range c.bySymbol {
		out = append(out, symbol)
	}
	return out
}

// AllSignals returns a flat snapshot of every signal across every
// symbol, used by persistence flush.
func (c *Cache) AllSignals() []signal.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signal.Signal
	for _, entries := range c.bySymbol {
		for _, e := range entries {
			out = append(out, e.sig)
		}
	}
	return out
}

// LoadAll adds persisted signals to the current cache contents (used
// on startup recovery, §4.12), then prunes as of now. Each signal is
// re-appended through the normal dedupe path so invariants hold after
// reload.
func (c *Cache) LoadAll(signals []signal.Signal, dedupeWindow time.Duration, now time.Time) {
	for _, s := range signals {
		if s.ReceiveTime == 0 {
			s.ReceiveTime = now.Unix()
		}
		c.Append(s, dedupeWindow)
	}
	c.Prune(now)
}
