package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/goldbrain/engine/internal/outcome"
)

// writeResult writes a §6.1 plain-text response body with the given
// HTTP status. Bodies are short human strings or outcome codes, never
// a JSON envelope — matching the spec's literal "OK"/"Stored"/... set.
func writeResult(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// writeOutcome maps an outcome.Result onto its §6.1 HTTP status/body pair.
func writeOutcome(w http.ResponseWriter, res outcome.Result) {
	body := res.Message
	if body == "" {
		body = string(res.Code)
	}
	writeResult(w, res.HTTPStatus(), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
