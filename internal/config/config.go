// Package config formalizes the teacher's plain os.Getenv/requireEnv
// pattern from cmd/engine/main.go into one loader for the whole node
// (§4.7/§4.8's tunables), still backed by a local .env file for
// development the same way the teacher's comment directs
// ("cp .env.example .env").
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/rawblock/cojson/internal/sync"
)

// NodeConfig is everything cmd/cojsond needs to start one node: its
// account's key material source, storage, listen address, static peer
// set and the sync engine's backpressure tunables.
type NodeConfig struct {
	DatabaseURL      string
	IdentityFile     string
	ListenAddr       string
	PeerURLs         []string
	APIAuthToken     string
	SyncHWM          int
	SyncFragmentSize int
	SyncAckTimeout   time.Duration
}

// Load reads a .env file if present (a missing file is not an error, the
// same tolerance godotenv.Load gives the teacher's sibling example), then
// populates NodeConfig from the environment, exiting via requireEnv on any
// value the node cannot safely default.
func Load() NodeConfig {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: .env: %v", err)
	}

	return NodeConfig{
		DatabaseURL:      requireEnv("DATABASE_URL"),
		IdentityFile:     getEnvOrDefault("COJSON_IDENTITY_FILE", "./cojson-identity.json"),
		ListenAddr:       getEnvOrDefault("COJSON_LISTEN_ADDR", ":5339"),
		PeerURLs:         splitNonEmpty(getEnvOrDefault("COJSON_PEER_URLS", "")),
		APIAuthToken:     requireEnv("API_AUTH_TOKEN"),
		SyncHWM:          getEnvIntOrDefault("COJSON_SYNC_HWM", sync.DefaultHighWaterMark),
		SyncFragmentSize: getEnvIntOrDefault("COJSON_SYNC_FRAGMENT_SIZE", sync.DefaultFragmentSize),
		SyncAckTimeout:   getEnvDurationOrDefault("COJSON_SYNC_ACK_TIMEOUT", sync.DefaultAckTimeout),
	}
}

// requireEnv reads a required environment variable and exits if it is not
// set, the same fail-fast the teacher applies to DATABASE_URL/BTC_RPC_USER.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Printf("config: %s=%q is not an integer, using default %d", key, val, fallback)
		return fallback
	}
	return n
}

func getEnvDurationOrDefault(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		log.Printf("config: %s=%q is not a duration, using default %s", key, val, fallback)
		return fallback
	}
	return d
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
