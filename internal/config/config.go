package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	GatewayURL     string
	APIBase        string
	Listen         string
	RecordingsDir  string
	ICEServers     []string
	ClockSamples   int
	ClockMaxRounds int
	ClockResync    time.Duration
	Keepalive      time.Duration
	LogLevel       string
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		GatewayURL:    os.Getenv("CAMRELAY_GATEWAY_URL"),
		APIBase:       strings.TrimRight(os.Getenv("CAMRELAY_API_BASE"), "/"),
		Listen:        envOr("CAMRELAY_LISTEN", ":8090"),
		RecordingsDir: envOr("CAMRELAY_RECORDINGS_DIR", "recordings"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
	}
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("CAMRELAY_GATEWAY_URL environment variable is required")
	}
	if cfg.APIBase == "" {
		return nil, fmt.Errorf("CAMRELAY_API_BASE environment variable is required")
	}

	if v := os.Getenv("CAMRELAY_ICE_SERVERS"); v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.ICEServers = append(cfg.ICEServers, s)
			}
		}
	}

	var err error
	if cfg.ClockSamples, err = envInt("CAMRELAY_CLOCK_SAMPLES", 30); err != nil {
		return nil, err
	}
	if cfg.ClockMaxRounds, err = envInt("CAMRELAY_CLOCK_MAX_ROUNDS", 10); err != nil {
		return nil, err
	}
	if cfg.ClockResync, err = envDuration("CAMRELAY_CLOCK_RESYNC", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Keepalive, err = envDuration("CAMRELAY_KEEPALIVE", 25*time.Second); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}
