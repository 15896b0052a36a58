package kafkafeed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/critical-images/internal/beacon"
	"github.com/mohammed-shakir/critical-images/internal/critical"
)

type failingRecorder struct{ err error }

func (f failingRecorder) Record(beacon.Beacon) error { return f.err }

func newRunner(t *testing.T, rec Recorder) (*Runner, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	r := New(Config{Enabled: true}, rec, Options{Register: reg})
	return r, reg
}

func message(t *testing.T, w WireBeacon, ts time.Time) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 1, Timestamp: ts, Value: b}
}

func TestHandleMessage_RecordsIntoAggregator(t *testing.T) {
	agg, err := beacon.New()
	if err != nil {
		t.Fatalf("beacon.New: %v", err)
	}
	r, _ := newRunner(t, agg)

	ts := time.Now().Add(-time.Second).UTC()
	w := WireBeacon{
		URL:    "https://example.com/",
		Device: "mobile",
		Nonce:  "n-1",
		Images: []beacon.Image{{URL: "https://example.com/hero.jpg", InViewport: true}},
	}
	if err := r.handleMessage(context.Background(), message(t, w, ts)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	// redelivery of the same message is absorbed by nonce dedupe
	if err := r.handleMessage(context.Background(), message(t, w, ts)); err != nil {
		t.Fatalf("second handleMessage: %v", err)
	}

	b, ok := agg.Drain(critical.NewPage("https://example.com/", "mobile"))
	if !ok || b.Loads != 1 {
		t.Fatalf("drain ok=%v loads=%d want one load", ok, b.Loads)
	}
	if !b.Deltas[0].At.Equal(ts) {
		t.Fatalf("beacon without ts should take the message timestamp; got %v", b.Deltas[0].At)
	}
	if got := testutil.ToFloat64(r.ms.msgs.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok=%v want 1", got)
	}
	if got := testutil.ToFloat64(r.ms.msgs.WithLabelValues("duplicate")); got != 1 {
		t.Fatalf("duplicate=%v want 1", got)
	}
	if lag := testutil.ToFloat64(r.ms.lagGauge); lag <= 0 {
		t.Fatalf("lag gauge=%v want > 0", lag)
	}
}

func TestHandleMessage_PoisonMessagesAreSkipped(t *testing.T) {
	agg, _ := beacon.New()
	r, _ := newRunner(t, agg)

	bad := &sarama.ConsumerMessage{Value: []byte("{not json")}
	if err := r.handleMessage(context.Background(), bad); err != nil {
		t.Fatalf("undecodable message must be skipped, got %v", err)
	}
	if err := r.handleMessage(context.Background(), message(t, WireBeacon{}, time.Time{})); err != nil {
		t.Fatalf("invalid beacon must be skipped, got %v", err)
	}
	if got := testutil.ToFloat64(r.ms.msgs.WithLabelValues("invalid")); got != 2 {
		t.Fatalf("invalid=%v want 2", got)
	}
	if agg.Size() != 0 {
		t.Fatalf("nothing should be recorded")
	}
}

func TestHandleMessage_RecorderFailureIsReturned(t *testing.T) {
	boom := errors.New("boom")
	r, _ := newRunner(t, failingRecorder{err: boom})

	err := r.handleMessage(context.Background(), message(t, WireBeacon{URL: "https://example.com/"}, time.Now()))
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	if got := testutil.ToFloat64(r.ms.msgs.WithLabelValues("error")); got != 1 {
		t.Fatalf("error=%v want 1", got)
	}
}

func TestMetricsRegistered(t *testing.T) {
	_, reg := newRunner(t, failingRecorder{})
	n, err := testutil.GatherAndCount(reg, "beacon_processing_seconds", "beacon_lag_seconds")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 2 {
		t.Fatalf("registered series=%d want 2", n)
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	r := New(Config{Enabled: false}, nil, Options{})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ready, _ := r.Readiness(); ready {
		t.Fatalf("disabled runner must not report ready")
	}
	r.Stop()
}

func TestWireBeacon_Page(t *testing.T) {
	w := WireBeacon{URL: "HTTPS://Example.com/a#frag", Device: ""}
	if got, want := w.Page().Key(), "desktop|https://example.com/a"; got != want {
		t.Fatalf("key=%q want %q", got, want)
	}
}
