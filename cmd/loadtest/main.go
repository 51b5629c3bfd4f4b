// Command loadtest drives simulated coach/client pairs against a relay.
//
//	loadtest saturate [options]   open N registered idle connections and hold them
//	loadtest chat [options]       pairs join their room and exchange messages
//
// Run 'loadtest <command> -h' for command-specific options.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fitmatch/realtime/internal/auth"
	"github.com/fitmatch/realtime/internal/connection"
	"github.com/fitmatch/realtime/internal/loadtest"
	"github.com/fitmatch/realtime/internal/protocol"
	"github.com/fitmatch/realtime/internal/room"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    open N registered idle connections and hold them")
	fmt.Println("  chat        coach/client pairs join their room and exchange messages")
}

// commonFlags are shared by every scenario.
type commonFlags struct {
	url            *string
	metricsURL     *string
	scrapeInterval *time.Duration
	rampUp         *time.Duration
	concurrency    *int
	jwtSecret      *string
}

func addCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		url:            fs.String("url", "ws://localhost:8080/ws", "relay WebSocket URL"),
		metricsURL:     fs.String("metrics-url", "http://localhost:8080/metrics", "relay metrics endpoint"),
		scrapeInterval: fs.Duration("scrape-interval", 2*time.Second, "interval between metrics scrapes"),
		rampUp:         fs.Duration("ramp", 10*time.Second, "ramp-up duration for connection creation"),
		concurrency:    fs.Int("concurrency", 50, "maximum simultaneous connection attempts"),
		jwtSecret:      fs.String("jwt-secret", "", "sign identity tokens with this secret (relays with JWT_SECRET set)"),
	}
}

// connectUser dials the relay as userID and waits until the link is up.
func connectUser(ctx context.Context, url, userID, token string, timeout time.Duration) (*connection.Manager, time.Duration, error) {
	cfg := connection.DefaultConfig()
	cfg.URL = url
	cfg.MaxReconnects = 0
	cfg.Token = token
	m := connection.New(cfg)
	m.RegisterIdentity(userID)

	up := make(chan struct{})
	var once sync.Once
	off := m.OnConnectionChange(func(connected bool) {
		if connected {
			once.Do(func() { close(up) })
		}
	})
	defer off()

	start := time.Now()
	m.Connect(ctx)

	select {
	case <-up:
		return m, time.Since(start), nil
	case <-time.After(timeout):
	case <-ctx.Done():
	}
	m.Close()
	return nil, 0, fmt.Errorf("connect %s: timed out", userID)
}

// rampConnect opens n connections spread over the ramp-up window, with user
// ids produced by idFor. Failed connections leave a nil slot.
func rampConnect(ctx context.Context, c commonFlags, n int, idFor func(i int) string, collector *loadtest.Collector) []*connection.Manager {
	conns := make([]*connection.Manager, n)

	var tokens *auth.Tokens
	if *c.jwtSecret != "" {
		cfg := auth.DefaultConfig()
		cfg.Secret = *c.jwtSecret
		tokens, _ = auth.NewTokens(cfg)
	}

	interval := *c.rampUp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sem := make(chan struct{}, *c.concurrency)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return conns
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			userID := idFor(i)
			var token string
			if tokens != nil {
				// Roles are not checked at registration.
				token, _ = tokens.Issue(userID, "")
			}
			m, d, err := connectUser(ctx, *c.url, userID, token, 10*time.Second)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(d)
			conns[i] = m
		}(i)
	}
	wg.Wait()
	return conns
}

func closeAll(conns []*connection.Manager) {
	for _, m := range conns {
		if m != nil {
			m.Close()
		}
	}
}

func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	common := addCommon(fs)
	connections := fs.Int("connections", 1000, "number of connections to open")
	hold := fs.Duration("hold", 30*time.Second, "hold duration after all connections are open")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *common.url, *common.rampUp, *hold, *common.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	scraper := loadtest.NewScraper(*common.metricsURL, *common.scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Ramp-up phase ---")
	conns := rampConnect(ctx, common, *connections, func(i int) string {
		return fmt.Sprintf("load-idle-%d", i)
	}, collector)
	fmt.Printf("Ramp-up complete: %d/%d connections (%d errors)\n",
		collector.ConnectionCount(), *connections, collector.ErrorCount())

	fmt.Println("\n--- Hold phase ---")
	holdTimer := time.NewTimer(*hold)
	status := time.NewTicker(5 * time.Second)
hold:
	for {
		select {
		case <-ctx.Done():
			break hold
		case <-holdTimer.C:
			break hold
		case <-status.C:
			alive := 0
			for _, m := range conns {
				if m != nil && m.Connected() {
					alive++
				}
			}
			fmt.Printf("  [hold] alive: %d/%d\n", alive, collector.ConnectionCount())
		}
	}
	holdTimer.Stop()
	status.Stop()

	closeAll(conns)
	scraper.Stop()
	collector.Report()
}

func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	common := addCommon(fs)
	pairs := fs.Int("pairs", 100, "number of coach/client pairs")
	duration := fs.Duration("chat-duration", 30*time.Second, "how long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "message text size in bytes")
	fs.Parse(args)

	fmt.Printf("Chat test: %d pairs to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, *common.url, *common.rampUp, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	scraper := loadtest.NewScraper(*common.metricsURL, *common.scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Even slots are coaches, odd slots their clients.
	users := func(i int) room.Participant {
		if i%2 == 0 {
			return room.Participant{ID: fmt.Sprintf("load-coach-%d", i/2), Role: protocol.RoleCoach}
		}
		return room.Participant{ID: fmt.Sprintf("load-client-%d", i/2), Role: protocol.RoleClient}
	}

	fmt.Println("\n--- Phase 1: Connect ---")
	conns := rampConnect(ctx, common, *pairs*2, func(i int) string { return users(i).ID }, collector)
	fmt.Printf("Connected %d/%d users (%d errors)\n", collector.ConnectionCount(), *pairs*2, collector.ErrorCount())

	text := strings.Repeat("abcdefgh", *msgSize/8+1)[:*msgSize]
	var sentAt sync.Map // message id -> time.Time

	fmt.Println("\n--- Phase 2: Chat ---")
	var wg sync.WaitGroup
	for p := 0; p < *pairs; p++ {
		a, b := conns[p*2], conns[p*2+1]
		if a == nil || b == nil {
			continue
		}
		pa, pb := users(p*2), users(p*2+1)

		wg.Add(2)
		go func() { defer wg.Done(); chatUser(ctx, a, pa, pb, text, *duration, *msgInterval, &sentAt, collector) }()
		go func() { defer wg.Done(); chatUser(ctx, b, pb, pa, text, *duration, *msgInterval, &sentAt, collector) }()
	}

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, delivered := collector.Counts()
				fmt.Printf("  [chat] sent: %d  delivered: %d  errors: %d\n", sent, delivered, collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()
	wg.Wait()
	close(progressStop)

	closeAll(conns)
	scraper.Stop()
	collector.Report()
}

// settleDelay gives the peer's join time to land before the first send.
const settleDelay = 500 * time.Millisecond

// chatUser opens the room with peer and sends a message every interval until
// duration elapses. Delivery latency is measured on receipt.
func chatUser(ctx context.Context, m *connection.Manager, self, peer room.Participant, text string,
	duration, interval time.Duration, sentAt *sync.Map, collector *loadtest.Collector) {

	session := room.NewSession(m, nil, self)
	defer session.Close()

	session.OnMessage(func(msg protocol.Message) {
		if msg.SenderID == self.ID {
			return
		}
		if v, ok := sentAt.LoadAndDelete(msg.ID); ok {
			collector.AddDelivery(time.Since(v.(time.Time)))
		} else if msg.SentAt > 0 {
			// Arrived before the sender recorded it; fall back to the relay stamp.
			collector.AddDelivery(time.Since(time.UnixMilli(msg.SentAt)))
		}
	})

	if err := session.Open(ctx, peer); err != nil {
		collector.AddError()
		return
	}

	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return
	}

	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			// Let in-flight messages arrive before leaving.
			time.Sleep(settleDelay)
			return
		case <-ticker.C:
			now := time.Now()
			msg, err := session.SendMessage(text)
			if err != nil {
				collector.AddError()
				continue
			}
			sentAt.Store(msg.ID, now)
			collector.AddSent()
		}
	}
}
