package loadtest

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// snapshot holds the tracked relay metrics at a point in time.
type snapshot struct {
	timestamp     time.Time
	connections   float64
	rooms         float64
	messagesTotal float64
	notifications float64
	historySum    float64
	historyCount  float64
}

// Scraper periodically fetches the relay's /metrics endpoint and records
// snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the scraper and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// The relay may not be up yet.
		return
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	snap.timestamp = time.Now()

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// parseSnapshot reads Prometheus text exposition. Labelled series of the same
// metric are summed.
func parseSnapshot(r io.Reader) (snapshot, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return snapshot{}, fmt.Errorf("parse metrics: %w", err)
	}

	var snap snapshot
	snap.connections = seriesSum(families["fitmatch_relay_connections"])
	snap.rooms = seriesSum(families["fitmatch_relay_rooms"])
	snap.messagesTotal = seriesSum(families["fitmatch_relay_messages_total"])
	snap.notifications = seriesSum(families["fitmatch_relay_notifications_total"])
	if mf := families["fitmatch_relay_history_latency_seconds"]; mf != nil {
		for _, m := range mf.GetMetric() {
			snap.historySum += m.GetHistogram().GetSampleSum()
			snap.historyCount += float64(m.GetHistogram().GetSampleCount())
		}
	}
	return snap, nil
}

// seriesSum adds up every series of a gauge, counter or untyped family. A
// missing family sums to zero.
func seriesSum(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Gauge != nil:
			total += m.GetGauge().GetValue()
		case m.Counter != nil:
			total += m.GetCounter().GetValue()
		case m.Untyped != nil:
			total += m.GetUntyped().GetValue()
		}
	}
	return total
}

// Report prints initial, final, delta and peak for each tracked metric.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Relay Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Relay Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Rooms", func(s snapshot) float64 { return s.rooms }},
		{"Messages", func(s snapshot) float64 { return s.messagesTotal }},
		{"Notifications", func(s snapshot) float64 { return s.notifications }},
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.extract(first), r.extract(last)
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peakValue(snaps, r.extract))
	}

	fmt.Println()
	if n := last.historyCount - first.historyCount; n > 0 {
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", "History Latency",
			(last.historySum-first.historySum)/n, n)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "History Latency")
	}
}

func peakValue(snaps []snapshot, extract func(snapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
