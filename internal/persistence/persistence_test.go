package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goldbrain/engine/internal/signal"
)

type fakeCache struct {
	signals []signal.Signal
	dirty   bool
	loaded  []signal.Signal
}

func (f *fakeCache) AllSignals() []signal.Signal { return f.signals }
func (f *fakeCache) Dirty() bool                 { return f.dirty }
func (f *fakeCache) ClearDirty()                 { f.dirty = false }
func (f *fakeCache) LoadAll(signals []signal.Signal, dedupeWindow time.Duration, now time.Time) {
	f.loaded = signals
}

func TestFlushSignalCacheSkipsWhenClean(t *testing.T) {
	c := &fakeCache{dirty: false}
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, FlushSignalCache(c, path))
	_, err := os.Stat(path)
	require.Error(t, err) // never wrote since not dirty
}

func TestFlushSignalCacheWritesAndClearsDirty(t *testing.T) {
	c := &fakeCache{dirty: true, signals: []signal.Signal{{Symbol: "XAUUSD", Source: "Lorentzian"}}}
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, FlushSignalCache(c, path))
	require.False(t, c.Dirty())
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestLoadSignalCacheMissingFileIsNoop(t *testing.T) {
	c := &fakeCache{}
	err := LoadSignalCache(c, filepath.Join(t.TempDir(), "missing.json"), 120*time.Second, time.Now())
	require.NoError(t, err)
}

func TestLoadSignalCacheUppercasesSymbol(t *testing.T) {
	write := &fakeCache{dirty: true, signals: []signal.Signal{{Symbol: "xauusd"}}}
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, FlushSignalCache(write, path))

	read := &fakeCache{}
	require.NoError(t, LoadSignalCache(read, path, 120*time.Second, time.Now()))
	require.Len(t, read.loaded, 1)
	require.Equal(t, "XAUUSD", read.loaded[0].Symbol)
}
