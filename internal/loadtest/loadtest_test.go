package loadtest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestParseSnapshotSumsLabels(t *testing.T) {
	body := `# HELP fitmatch_relay_messages_total x
# TYPE fitmatch_relay_messages_total counter
fitmatch_relay_messages_total{outcome="accepted"} 10
fitmatch_relay_messages_total{outcome="rejected"} 2
fitmatch_relay_connections 4
fitmatch_relay_rooms 2
`
	snap, err := parseSnapshot(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parseSnapshot: %v", err)
	}
	if snap.messagesTotal != 12 || snap.connections != 4 || snap.rooms != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestParseSnapshotReadsHistogram(t *testing.T) {
	body := `# TYPE fitmatch_relay_history_latency_seconds histogram
fitmatch_relay_history_latency_seconds_bucket{le="0.1"} 3
fitmatch_relay_history_latency_seconds_bucket{le="+Inf"} 4
fitmatch_relay_history_latency_seconds_sum 0.25
fitmatch_relay_history_latency_seconds_count 4
`
	snap, err := parseSnapshot(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parseSnapshot: %v", err)
	}
	if snap.historySum != 0.25 || snap.historyCount != 4 {
		t.Fatalf("unexpected histogram snapshot sum=%v count=%v", snap.historySum, snap.historyCount)
	}
}

func TestParseSnapshotRejectsMalformed(t *testing.T) {
	if _, err := parseSnapshot(strings.NewReader("fitmatch_relay_connections{broken 1\n")); err == nil {
		t.Fatal("expected an error for malformed exposition")
	}
}

func TestScraperAgainstRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	conns := prometheus.NewGauge(prometheus.GaugeOpts{Name: "fitmatch_relay_connections"})
	reg.MustRegister(conns)
	conns.Set(7)

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	s := NewScraper(srv.URL, time.Hour)
	s.scrapeOnce()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) != 1 || s.snapshots[0].connections != 7 {
		t.Fatalf("unexpected snapshots %+v", s.snapshots)
	}
}

func TestScraperSkipsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := NewScraper(url, time.Hour)
	s.scrapeOnce()
	if len(s.snapshots) != 0 {
		t.Fatal("expected no snapshot from a closed server")
	}
}

func TestPercentiles(t *testing.T) {
	if _, ok := Percentiles(nil); ok {
		t.Fatal("expected false for no samples")
	}

	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	p, ok := Percentiles(ds)
	if !ok {
		t.Fatal("expected a summary")
	}
	if p.Count != 100 || p.P50 != 51*time.Millisecond || p.P95 != 95*time.Millisecond ||
		p.P99 != 99*time.Millisecond || p.Max != 100*time.Millisecond {
		t.Fatalf("unexpected summary %+v", p)
	}
	if p.Avg != 50500*time.Microsecond {
		t.Fatalf("unexpected avg %v", p.Avg)
	}
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	c.AddConnect(time.Millisecond)
	c.AddSent()
	c.AddSent()
	c.AddDelivery(time.Millisecond)
	c.AddError()

	if c.ConnectionCount() != 1 || c.ErrorCount() != 1 {
		t.Fatalf("unexpected counts conns=%d errs=%d", c.ConnectionCount(), c.ErrorCount())
	}
	if sent, delivered := c.Counts(); sent != 2 || delivered != 1 {
		t.Fatalf("unexpected sent=%d delivered=%d", sent, delivered)
	}
}
