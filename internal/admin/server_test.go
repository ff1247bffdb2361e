package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bridgesim/internal/metrics"
	"bridgesim/internal/scenario"
	"bridgesim/internal/sim"
)

func newTestServer(t *testing.T) (*Server, *sim.Runner) {
	t.Helper()
	sc, ok := scenario.Get("lock-and-mint")
	if !ok {
		t.Fatalf("lock-and-mint scenario missing")
	}
	prom := metrics.NewPromObserver()
	r, err := sim.NewRunner(sc.Config, sim.WithObserver(prom))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return NewServer(r, prom.Registry()), r
}

func TestHandleStatus(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status OK, got %v", w.Code)
	}
	var st sim.Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Scenario != "lock-and-mint" || st.Tick != 0 {
		t.Errorf("unexpected status %+v", st)
	}
	if len(st.Bridges) != 1 || len(st.Chains) != 2 {
		t.Errorf("expected 2 chains and 1 bridge, got %d and %d", len(st.Chains), len(st.Bridges))
	}
}

func TestHandleAdvance(t *testing.T) {
	server, r := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/advance?ticks=3", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status OK, got %v: %s", w.Code, w.Body.String())
	}
	if r.Now() != 3 {
		t.Errorf("Expected tick 3, got %d", r.Now())
	}

	for _, bad := range []string{"0", "-2", "x"} {
		w = httptest.NewRecorder()
		server.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/advance?ticks="+bad, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("ticks=%s: expected 400, got %v", bad, w.Code)
		}
	}
	if r.Now() != 3 {
		t.Errorf("rejected requests advanced the runner to %d", r.Now())
	}
}

func TestHandleAdvanceRequiresPost(t *testing.T) {
	server, _ := newTestServer(t)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/advance", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %v", w.Code)
	}
}

func TestHandleResultAfterCompletion(t *testing.T) {
	server, r := newTestServer(t)
	if _, err := r.RunToCompletion(context.Background(), 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/result", nil))
	var res sim.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Complete {
		t.Errorf("Expected complete result")
	}
	if o, ok := res.Outcome(sim.OutcomeTransfer, "t1"); !ok || o.State != "complete" {
		t.Errorf("unexpected t1 outcome %+v", o)
	}
}

func TestHandleMetricsAndIndex(t *testing.T) {
	server, r := newTestServer(t)
	if _, err := r.RunToCompletion(context.Background(), 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status OK, got %v", w.Code)
	}
	if !strings.Contains(w.Body.String(), "bridgesim_transfer_latency_seconds") {
		t.Errorf("latency histogram missing from /metrics")
	}

	w = httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "lock-and-mint") {
		t.Errorf("index did not render the scenario: %v", w.Code)
	}
}

func TestMetricsDisabledWithoutRegistry(t *testing.T) {
	sc, _ := scenario.Get("lock-and-mint")
	r, err := sim.NewRunner(sc.Config)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	server := NewServer(r, nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %v", w.Code)
	}
}
