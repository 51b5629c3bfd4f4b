// Package config loads process configuration from environment variables.
// Components keep their own Default*Config constructors; these structs only
// carry the deployment-level overrides read at startup.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Relay is the environment of cmd/relay. Empty NATS_URL, REDIS_ADDR or
// DATABASE_URL select the in-process fallback for that concern.
type Relay struct {
	ListenAddr        string        `env:"LISTEN_ADDR" envDefault:":8080"`
	ServerName        string        `env:"SERVER_NAME"`
	NATSURL           string        `env:"NATS_URL"`
	RedisAddr         string        `env:"REDIS_ADDR"`
	DatabaseURL       string        `env:"DATABASE_URL"`
	JWTSecret         string        `env:"JWT_SECRET"`
	JWTIssuer         string        `env:"JWT_ISSUER" envDefault:"fitmatch"`
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"0s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
}

// Client is the environment of cmd/chatcli.
type Client struct {
	RelayURL      string        `env:"RELAY_URL" envDefault:"ws://localhost:8080/ws"`
	RelayHTTPURL  string        `env:"RELAY_HTTP_URL" envDefault:"http://localhost:8080"`
	ReconnectWait time.Duration `env:"RECONNECT_WAIT" envDefault:"2s"`
	UserID        string        `env:"USER_ID"`
	UserRole      string        `env:"USER_ROLE" envDefault:"client"`
	AuthToken     string        `env:"AUTH_TOKEN"`
	JWTSecret     string        `env:"JWT_SECRET"` // development only: mint a token locally
	JWTIssuer     string        `env:"JWT_ISSUER" envDefault:"fitmatch"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadRelay parses the relay environment.
func LoadRelay() (Relay, error) {
	var cfg Relay
	if err := ParseEnv(&cfg); err != nil {
		return Relay{}, err
	}
	return cfg, nil
}

// LoadClient parses the chat client environment.
func LoadClient() (Client, error) {
	var cfg Client
	if err := ParseEnv(&cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}
