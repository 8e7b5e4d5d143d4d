package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetrics_noop(t *testing.T) {
	var m *Metrics
	m.IncRequests()
	m.IncErrors()
	m.IncTransitions("idle", "ready", "api")
	m.IncWebhookEvents("mux", "transitioned")
	m.IncSignatureFailures("mux", "invalid_signature")
	m.IncRecreations("created")
	m.IncIntegrityFaults()
	m.SetActiveSessions(3)
}

func TestHandler_exposes_counters(t *testing.T) {
	m := New()
	m.IncTransitions("live", "ending", "api")
	m.IncRecreations("created")

	called := false
	srv := httptest.NewServer(m.Handler(func() {
		called = true
		m.SetActiveSessions(2)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !called {
		t.Error("updateGauges should run before each scrape")
	}
	for _, want := range []string{
		`broadcast_session_transitions_total{from="live",source="api",to="ending"} 1`,
		`broadcast_recreations_total{outcome="created"} 1`,
		`broadcast_active_sessions 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRequestMiddleware_counts_errors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "broadcast_requests_total 1") || !strings.Contains(body, "broadcast_errors_total 1") {
		t.Errorf("expected one request and one error counted:\n%s", body)
	}
}
