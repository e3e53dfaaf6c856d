package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	responses []string
	errs      []error
	calls     int
}

func (f *fakeCaller) CallJSON(ctx context.Context, system, prompt string) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func testConfig() Config {
	c := DefaultConfig()
	c.RetryWait = time.Millisecond
	c.Timeout = time.Second
	c.RateLimitPerSec = 1000
	c.RateLimitBurst = 1000
	return c
}

func TestCallJSONStripsMarkdownFences(t *testing.T) {
	caller := &fakeCaller{responses: []string{"```json\n{\"confluence_score\":80,\"lot_multiplier\":1.0,\"reason\":\"ok\"}\n```"}}
	a := New(caller, testConfig(), zerolog.Nop(), nil)
	obj, err := a.CallJSON(context.Background(), "prompt", KindEntryScore, "XAUUSD")
	require.NoError(t, err)
	score, ok := ParseEntryScore(obj)
	require.True(t, ok)
	require.Equal(t, 80, score.ConfluenceScore)
}

func TestCallJSONRetriesThenSucceeds(t *testing.T) {
	caller := &fakeCaller{
		errs:      []error{context.DeadlineExceeded, nil},
		responses: []string{"", "{\"confidence\":75,\"reason\":\"x\",\"trail_mode\":\"NORMAL\",\"tp_mode\":\"TIGHT\"}"},
	}
	a := New(caller, testConfig(), zerolog.Nop(), nil)
	obj, err := a.CallJSON(context.Background(), "prompt", KindCloseHold, "XAUUSD")
	require.NoError(t, err)
	dec, ok := ParseCloseHold(obj)
	require.True(t, ok)
	require.Equal(t, 75, dec.Confidence)
}

func TestParseEntryScoreRejectsOutOfBounds(t *testing.T) {
	_, ok := ParseEntryScore(map[string]any{"confluence_score": 150, "lot_multiplier": 1.0})
	require.False(t, ok)
}

func TestParseCloseHoldRejectsBadMode(t *testing.T) {
	_, ok := ParseCloseHold(map[string]any{"confidence": 80, "trail_mode": "LOOSE", "tp_mode": "TIGHT"})
	require.False(t, ok)
}
