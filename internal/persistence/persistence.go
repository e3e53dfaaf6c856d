// Package persistence implements the §4.12 signal-cache flush/recovery
// cycle and declares the audit-trail port its postgres subpackage
// fulfills.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goldbrain/engine/internal/signal"
)

// SignalCache is the subset of cache.Cache the flusher needs, kept
// narrow so tests can fake it without constructing a real cache.
type SignalCache interface {
	AllSignals() []signal.Signal
	Dirty() bool
	ClearDirty()
	LoadAll(signals []signal.Signal, dedupeWindow time.Duration, now time.Time)
}

// FlushSignalCache writes every cached signal to path using the
// write-temp-then-rename pattern (§4.12, §6.4), and clears the dirty
// flag on success. A no-op when the cache has no unflushed writes.
func FlushSignalCache(c SignalCache, path string) error {
	if !c.Dirty() {
		return nil
	}
	signals := c.AllSignals()
	data, err := json.MarshalIndent(signals, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal signal cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir cache dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename cache temp: %w", err)
	}
	c.ClearDirty()
	return nil
}

// LoadSignalCache restores a previously flushed cache file on
// startup, re-normalizing each signal's symbol to uppercase and
// stamping a receive_time when absent, per §4.12's recovery contract.
// A missing file is not an error.
func LoadSignalCache(c SignalCache, path string, dedupeWindow time.Duration, now time.Time) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read signal cache: %w", err)
	}
	var signals []signal.Signal
	if err := json.Unmarshal(data, &signals); err != nil {
		return fmt.Errorf("parse signal cache: %w", err)
	}
	for i := range signals {
		signals[i].Symbol = strings.ToUpper(signals[i].Symbol)
	}
	c.LoadAll(signals, dedupeWindow, now)
	return nil
}

// Decision is a single ORDER/CLOSE/HOLD emitted by the engine,
// persisted as a supplemental audit trail (§4.10/§4.12 extension —
// the wire bus itself is fire-and-forget and keeps none of this).
type Decision struct {
	ID         int64
	Timestamp  time.Time
	Symbol     string
	Kind       string // "ORDER" | "CLOSE" | "HOLD"
	Action     string // "BUY" | "SELL" | ""
	Reason     string
	Confidence int
	Attributes map[string]interface{}
	CreatedAt  time.Time
}

// TimeRange bounds a query by [From, To].
type TimeRange struct {
	From, To time.Time
}

// AuditRepo is the port the engine's decision log writes through; the
// postgres subpackage is the only implementation shipped here.
type AuditRepo interface {
	Insert(ctx context.Context, d Decision) error
	ListBySymbol(ctx context.Context, symbol string, tr TimeRange, limit int) ([]Decision, error)
	GetLatest(ctx context.Context, limit int) ([]Decision, error)
	CountByKind(ctx context.Context, tr TimeRange) (map[string]int64, error)
}
