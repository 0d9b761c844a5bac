package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// WSURL is the realtime channel endpoint.
	WSURL string
	// APIURL is the job/cargo HTTP API base.
	APIURL string
	// DBFile holds the device registration.
	DBFile string

	DisplayName string
	Area        string

	PingInterval   time.Duration
	ReconnectDelay time.Duration

	WatchInterval  time.Duration
	WatchDistanceM float64

	PathMinInterval  time.Duration
	PathMinDistanceM float64
	PathMaxPoints    int
}

func Load() (*Config, error) {
	pingInterval, err := time.ParseDuration(getEnv("RENAT_PING_INTERVAL", "5s"))
	if err != nil {
		return nil, fmt.Errorf("RENAT_PING_INTERVAL: %w", err)
	}
	reconnectDelay, err := time.ParseDuration(getEnv("RENAT_RECONNECT_DELAY", "5s"))
	if err != nil {
		return nil, fmt.Errorf("RENAT_RECONNECT_DELAY: %w", err)
	}
	watchInterval, err := time.ParseDuration(getEnv("RENAT_WATCH_INTERVAL", "4s"))
	if err != nil {
		return nil, fmt.Errorf("RENAT_WATCH_INTERVAL: %w", err)
	}
	pathMinInterval, err := time.ParseDuration(getEnv("RENAT_PATH_MIN_INTERVAL", "3s"))
	if err != nil {
		return nil, fmt.Errorf("RENAT_PATH_MIN_INTERVAL: %w", err)
	}
	watchDistance, err := getEnvFloat("RENAT_WATCH_DISTANCE_M", 5)
	if err != nil {
		return nil, err
	}
	pathMinDistance, err := getEnvFloat("RENAT_PATH_MIN_DISTANCE_M", 5)
	if err != nil {
		return nil, err
	}
	pathMaxPoints, err := getEnvInt("RENAT_PATH_MAX_POINTS", 1000)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		WSURL:            getEnv("RENAT_WS_URL", "ws://localhost:8080/ws"),
		APIURL:           getEnv("RENAT_API_URL", "http://localhost:8080"),
		DBFile:           getEnv("RENAT_DB", "renat.db"),
		DisplayName:      getEnv("RENAT_DISPLAY_NAME", "operator"),
		Area:             getEnv("RENAT_AREA", ""),
		PingInterval:     pingInterval,
		ReconnectDelay:   reconnectDelay,
		WatchInterval:    watchInterval,
		WatchDistanceM:   watchDistance,
		PathMinInterval:  pathMinInterval,
		PathMinDistanceM: pathMinDistance,
		PathMaxPoints:    pathMaxPoints,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.WSURL == "" {
		return fmt.Errorf("RENAT_WS_URL is required")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("RENAT_PING_INTERVAL must be greater than 0")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RENAT_RECONNECT_DELAY must be greater than 0")
	}
	if c.PathMaxPoints <= 0 {
		return fmt.Errorf("RENAT_PATH_MAX_POINTS must be greater than 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
