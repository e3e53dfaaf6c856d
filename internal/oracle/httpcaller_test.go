package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPCallerPostsChatCompletionAndReturnsContent(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"confluence_score\":80}"}}]}`))
	}))
	defer srv.Close()

	caller := NewHTTPCaller(srv.URL, "test-key", "gpt-test", time.Second)
	content, err := caller.CallJSON(context.Background(), "system", "user")
	require.NoError(t, err)
	require.Equal(t, `{"confluence_score":80}`, content)
	require.Equal(t, "Bearer test-key", gotAuth)
	require.Equal(t, "/chat/completions", gotPath)
}

func TestHTTPCallerSurfacesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	caller := NewHTTPCaller(srv.URL, "test-key", "gpt-test", time.Second)
	_, err := caller.CallJSON(context.Background(), "system", "user")
	require.Error(t, err)
}
