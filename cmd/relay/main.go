package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fitmatch/realtime/internal/auth"
	"github.com/fitmatch/realtime/internal/ban"
	"github.com/fitmatch/realtime/internal/config"
	"github.com/fitmatch/realtime/internal/messaging"
	"github.com/fitmatch/realtime/internal/moderation"
	"github.com/fitmatch/realtime/internal/presence"
	"github.com/fitmatch/realtime/internal/ratelimit"
	"github.com/fitmatch/realtime/internal/relay"
	"github.com/fitmatch/realtime/internal/report"
	"github.com/fitmatch/realtime/internal/store"
)

func main() {
	env, err := config.LoadRelay()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg := relay.DefaultConfig()
	cfg.ListenAddr = env.ListenAddr
	if env.MaxConnections > 0 {
		cfg.MaxConnections = env.MaxConnections
	}
	cfg.ReadTimeout = env.ReadTimeout
	cfg.WriteTimeout = env.WriteTimeout
	cfg.Heartbeat = relay.HeartbeatConfig{
		Interval: env.HeartbeatInterval,
		Timeout:  env.HeartbeatTimeout,
	}

	serverName, _ := os.Hostname()
	if env.ServerName != "" {
		serverName = env.ServerName
	}
	if serverName == "" {
		serverName = "relay-1"
	}
	cfg.ServerName = serverName

	deps := relay.Deps{Filter: moderation.NewFilter()}
	var closers []func()

	// --- Identity tokens ---
	if env.JWTSecret != "" {
		tokenCfg := auth.DefaultConfig()
		tokenCfg.Secret = env.JWTSecret
		tokenCfg.Issuer = env.JWTIssuer
		tokens, err := auth.NewTokens(tokenCfg)
		if err != nil {
			log.Fatalf("failed to configure tokens: %v", err)
		}
		deps.Auth = tokens
	}

	// --- Broker ---
	if env.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = env.NATSURL
		natsConfig.Name = serverName
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		deps.Broker = natsClient
		closers = append(closers, natsClient.Close)
	} else {
		local := messaging.NewLocal()
		deps.Broker = local
		closers = append(closers, local.Close)
	}

	// --- Storage ---
	if env.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		pg, err := store.OpenPostgres(ctx, env.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		deps.Messages = pg
		deps.Notifications = pg
		deps.Reports = report.NewStore(pg.DB())
		closers = append(closers, func() {
			if err := pg.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		})
	} else {
		mem := store.NewMemory(store.DefaultRoomCapacity, store.DefaultInboxCapacity)
		deps.Messages = mem
		deps.Notifications = mem
		closers = append(closers, func() { mem.Close() })
	}

	// --- Redis ---
	if env.RedisAddr != "" {
		presenceStore, err := presence.NewStore(env.RedisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		client := presenceStore.Client()
		deps.Presence = presenceStore
		deps.Limiter = ratelimit.NewLimiter(client)
		deps.Suspensions = ban.NewStore(client)
		closers = append(closers, func() {
			if err := presenceStore.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		})
	}

	log.Printf("FitMatch realtime relay starting")
	log.Printf("  listen_addr:      %s", cfg.ListenAddr)
	log.Printf("  max_connections:  %d", cfg.MaxConnections)
	log.Printf("  read_timeout:     %s", cfg.ReadTimeout)
	log.Printf("  write_timeout:    %s", cfg.WriteTimeout)
	log.Printf("  heartbeat:        %s (+%s)", cfg.Heartbeat.Interval, cfg.Heartbeat.Timeout)
	log.Printf("  nats_url:         %s", orLocal(env.NATSURL))
	log.Printf("  redis_addr:       %s", orLocal(env.RedisAddr))
	log.Printf("  database:         %s", storageKind(env.DatabaseURL))
	log.Printf("  verify_tokens:    %v", deps.Auth != nil)
	log.Printf("  server_name:      %s", serverName)

	server, err := relay.NewServer(cfg, deps)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func orLocal(v string) string {
	if v == "" {
		return "(in-process)"
	}
	return v
}

func storageKind(databaseURL string) string {
	if databaseURL == "" {
		return "memory"
	}
	return "postgres"
}
