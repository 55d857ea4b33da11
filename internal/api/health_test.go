package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// Without a pool the probe is pure liveness; the database ping path needs
// a container and is covered by the integration tests.
func TestHealthz_Liveness(t *testing.T) {
	w := httptest.NewRecorder()
	healthz(nil, discardLogger())(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}
