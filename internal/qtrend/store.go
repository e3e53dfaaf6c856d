// Package qtrend implements the Q-Trend Context Store (§4.3): the
// latest trend direction/strength per (symbol, timeframe), with
// max-age freshness and optional cross-timeframe fallback.
package qtrend

import (
	"sync"
	"time"

	"github.com/goldbrain/engine/internal/signal"
)

// Context is the latest known Q-Trend state for a (symbol, tf) pair.
type Context struct {
	Symbol    string
	TF        string
	Side      signal.Side
	Strength  signal.Strength
	UpdatedAt int64
	Price     float64
	Confirmed signal.Confirmed
	Event     string
	Source    string
}

type key struct {
	symbol string
	tf     string
}

// Store holds at most one Context per (symbol, tf), replaced on
// newer Q-Trend signals.
type Store struct {
	mu         sync.Mutex
	entries    map[key]Context
	maxAge     time.Duration
	tfFallback bool
}

// New constructs a Store with the given max-age and fallback policy.
func New(maxAge time.Duration, tfFallback bool) *Store {
	if maxAge <= 0 {
		maxAge = 300 * time.Second
	}
	return &Store{entries: make(map[key]Context), maxAge: maxAge, tfFallback: tfFallback}
}

// UpdateFromSignal updates the store only when s is a Q-Trend signal
// with a directional side; other signals are ignored.
func (s *Store) UpdateFromSignal(sig signal.Signal) {
	if sig.Source != signal.SourceQTrend && sig.Source != signal.SourceQTrendStrong {
		return
	}
	if sig.Side != signal.SideBuy && sig.Side != signal.SideSell {
		return
	}
	strength := sig.Strength
	if sig.Source == signal.SourceQTrendStrong {
		strength = signal.StrengthStrong
	} else if strength == signal.StrengthNone {
		strength = signal.StrengthNormal
	}

	ctx := Context{
		Symbol:    sig.Symbol,
		TF:        sig.TF,
		Side:      sig.Side,
		Strength:  strength,
		UpdatedAt: sig.EffectiveTime(),
		Price:     sig.Price,
		Confirmed: sig.Confirmed,
		Event:     sig.Event,
		Source:    sig.Source,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{symbol: sig.Symbol, tf: sig.TF}
	if existing, ok := s.entries[k]; !ok || ctx.UpdatedAt >= existing.UpdatedAt {
		s.entries[k] = ctx
	}
}

// Get returns the context for (symbol, tf) if fresh as of now. An
// empty tf means "any tf, prefer an entry tagged unknown-tf, else the
// freshest if fallback is enabled".
func (s *Store) Get(symbol, tf string, now time.Time) (Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tf != "" {
		if ctx, ok := s.entries[key{symbol: symbol, tf: tf}]; ok && s.fresh(ctx, now) {
			return ctx, true
		}
	}
	if ctx, ok := s.entries[key{symbol: symbol, tf: ""}]; ok && s.fresh(ctx, now) {
		return ctx, true
	}
	if !s.tfFallback {
		return Context{}, false
	}

	var best Context
	found := false
	for k, ctx := range s.entries {
		if k.symbol != symbol || !s.fresh(ctx, now) {
			continue
		}
		if !found || ctx.UpdatedAt > best.UpdatedAt {
			best = ctx
			found = true
		}
	}
	return best, found
}

func (s *Store) fresh(ctx Context, now time.Time) bool {
	return now.Unix()-ctx.UpdatedAt <= int64(s.maxAge/time.Second)
}
