package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthzReportsComponentStatus(t *testing.T) {
	components := map[string]func() bool{
		"engine":    func() bool { return true },
		"scheduler": func() bool { return false },
	}
	s := New(nil, components, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != "degraded" {
		t.Fatalf("expected degraded status with one failing component, got %q", body.Status)
	}
	if !body.Components["engine"].OK || body.Components["scheduler"].OK {
		t.Fatalf("unexpected component readings: %+v", body.Components)
	}
}

func TestStatusWithoutEngineReturnsServiceUnavailable(t *testing.T) {
	s := New(nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/status/abc-123", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMetricsEndpointServesPrometheusExposition(t *testing.T) {
	s := New(nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected non-empty prometheus exposition body")
	}
}
