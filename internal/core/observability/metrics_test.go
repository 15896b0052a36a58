package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestFinderStats_RegisteredAndIncremented(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)

	var s FinderStats
	s.IncComputeCalls()
	s.IncComputeCalls()
	s.IncStoreMisses()
	s.IncDecodeFailures()
	s.IncStaleServed()
	ObserveStoreOp("get", nil, 0.001)
	ObserveStoreOp("update", errors.New("boom"), 0.002)
	ObserveMerge("ok")
	ObserveHTTP("GET", "/critical-images", 200, 0.003)

	// scrape from a dedicated handler bound to our registry
	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("metrics scrape: %v", err)
	}
	t.Cleanup(func() {
		if cerr := resp.Body.Close(); cerr != nil {
			t.Fatalf("close body: %v", cerr)
		}
	})
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	out := string(b)

	for _, want := range []string{
		`critical_images_compute_calls_total 2`,
		`critical_images_store_misses_total 1`,
		`critical_images_decode_failures_total 1`,
		`critical_images_stale_served_total 1`,
		`critical_images_merge_total{result="ok"} 1`,
		`property_store_op_total{op="get",result="ok"} 1`,
		`property_store_op_total{op="update",result="error"} 1`,
		`property_store_op_duration_seconds_bucket{op="get"`,
		`http_requests_total{code="200",method="GET",route="/critical-images"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in metrics; got:\n%s", want, out)
		}
	}
}

func TestInit_DisabledDoesNotRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, false)
	FinderStats{}.IncComputeCalls()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) != 0 {
		t.Fatalf("expected empty registry, got %d families", len(mfs))
	}
}
