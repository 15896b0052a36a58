package health

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type fakeReporter struct {
	ready bool
	parts []int32
}

func (f fakeReporter) Readiness() (bool, []int32) { return f.ready, f.parts }

func TestReadiness_Handler(t *testing.T) {
	cases := []struct {
		name     string
		rr       ReadinessReporter
		wantCode int
		wantBody string
	}{
		{"ready", fakeReporter{ready: true, parts: []int32{0, 2}}, http.StatusOK, `{"status":"ready","partitions":[0,2]}`},
		{"not ready", fakeReporter{parts: []int32{1}}, http.StatusServiceUnavailable, `{"status":"not_ready"}`},
		{"always", AlwaysReady{}, http.StatusOK, `{"status":"ready"}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Readiness(c.rr)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != c.wantCode {
				t.Fatalf("status=%d want %d", rec.Code, c.wantCode)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != c.wantBody {
				t.Fatalf("body=%s want %s", got, c.wantBody)
			}
		})
	}
}
