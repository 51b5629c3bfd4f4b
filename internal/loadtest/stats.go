// Package loadtest collects client-side measurements from many simulated chat
// users and server-side metrics scraped from the relay, and prints a summary
// report with percentile distributions.
package loadtest

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates measurements from concurrent load test clients. All
// methods are goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	deliveries       []time.Duration
	sent             int
	errors           int
	connections      int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a relay metrics scraper whose report is appended to
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a connection that registered within d.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddSent counts one sent chat message.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivery records the time from send to receipt by the peer.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveries = append(c.deliveries, d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Counts returns the sent and delivered message totals.
func (c *Collector) Counts() (sent, delivered int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, len(c.deliveries)
}

// Report prints the collected metrics to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}
	if c.sent > 0 {
		fmt.Printf("Messages:     %d sent, %d delivered (%.2f%%)\n",
			c.sent, len(c.deliveries), float64(len(c.deliveries))/float64(c.sent)*100)
	}

	if p, ok := Percentiles(c.connectLatencies); ok {
		fmt.Println("\n--- Connect Latency ---")
		fmt.Println("  " + p.String())
	}
	if p, ok := Percentiles(c.deliveries); ok {
		fmt.Println("\n--- Delivery Latency ---")
		fmt.Println("  " + p.String())
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// Summary is a latency distribution.
type Summary struct {
	Count              int
	Avg, P50, P95, P99 time.Duration
	Max                time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.Count,
	)
}

// Percentiles sorts durations in place and summarizes them. It returns false
// for an empty slice.
func Percentiles(durations []time.Duration) (Summary, bool) {
	n := len(durations)
	if n == 0 {
		return Summary{}, false
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Summary{
		Count: n,
		Avg:   sum / time.Duration(n),
		P50:   durations[n/2],
		P95:   durations[int(math.Ceil(float64(n)*0.95))-1],
		P99:   durations[int(math.Ceil(float64(n)*0.99))-1],
		Max:   durations[n-1],
	}, true
}
