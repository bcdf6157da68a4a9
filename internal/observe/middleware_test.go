package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMiddleware_RecordsRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions/abc/live", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}

	rm := collect(t, reader)
	found := findMetric(rm, "callwarden.http.request.duration")
	if found == nil {
		t.Fatal("callwarden.http.request.duration not found after a request")
	}
	hist, ok := found.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data type = %T, want Histogram[float64]", found.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	if hist.DataPoints[0].Count != 1 {
		t.Errorf("count = %d, want 1", hist.DataPoints[0].Count)
	}
}

func TestMiddleware_PreservesDownstreamBody(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("body = %q, want %q", rec.Body.String(), `{"ok":true}`)
	}
}
