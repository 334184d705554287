// Package config loads process configuration from the environment.
// Every knob has a deployed default; an empty environment yields a
// working local setup.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries the settings of both binaries; each reads the fields
// it cares about.
type Config struct {
	// Addr is the listen address of the rendezvous server.
	Addr string
	// StoreURL is the websocket endpoint clients dial.
	StoreURL string
	// Namespace scopes the lobby: all clients of one namespace meet.
	Namespace string

	MaxSlots int
	Cols     int
	Rows     int

	PublishInterval   time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	MatchTimeout      time.Duration
	StartWindow       time.Duration
	BotInterval       time.Duration

	// Autopilot lets the planner drive the local board (headless runs).
	Autopilot bool
}

// FromEnv reads STACKDUEL_* variables over the defaults. Call after
// godotenv has loaded any .env file.
func FromEnv() Config {
	return Config{
		Addr:      envStr("STACKDUEL_ADDR", ":8080"),
		StoreURL:  envStr("STACKDUEL_STORE_URL", "ws://127.0.0.1:8080/ws"),
		Namespace: envStr("STACKDUEL_NAMESPACE", "public"),

		MaxSlots: envInt("STACKDUEL_MAX_SLOTS", 10),
		Cols:     envInt("STACKDUEL_COLS", 10),
		Rows:     envInt("STACKDUEL_ROWS", 23),

		PublishInterval:   envDur("STACKDUEL_PUBLISH_INTERVAL", 120*time.Millisecond),
		HeartbeatInterval: envDur("STACKDUEL_HEARTBEAT_INTERVAL", 15*time.Second),
		SweepInterval:     envDur("STACKDUEL_SWEEP_INTERVAL", 20*time.Second),
		MatchTimeout:      envDur("STACKDUEL_MATCH_TIMEOUT", 20*time.Second),
		StartWindow:       envDur("STACKDUEL_START_WINDOW", 900*time.Millisecond),
		BotInterval:       envDur("STACKDUEL_BOT_INTERVAL", 100*time.Millisecond),

		Autopilot: envBool("STACKDUEL_AUTOPILOT", false),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
