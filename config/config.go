package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds process-level settings loaded from environment variables.
// Feed and index definitions live in the YAML file named by ConfigPath.
type Config struct {
	ConfigPath string
	LogLevel   string

	// Listeners
	WSAddr      string
	APIAddr     string
	MetricsAddr string

	// Polling
	PollInterval      time.Duration
	FetchTimeout      time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	DegradedThreshold int

	// Broadcast
	ClientQueueSize int
	ShutdownGrace   time.Duration

	// Smoothing
	SMAWindow int
	EMAFactor float64
	EMACap    int

	// Infrastructure
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	DatabaseURL   string
}

// Load reads configuration from environment variables with sensible defaults.
// An empty address or path disables the corresponding listener or sink.
func Load() *Config {
	return &Config{
		ConfigPath: getEnv("CONFIG_PATH", "config.yaml"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		WSAddr:      getEnv("WS_ADDR", ""),
		APIAddr:     getEnv("API_ADDR", ":8081"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		PollInterval:      getDuration("POLL_INTERVAL", 5*time.Second),
		FetchTimeout:      getDuration("FETCH_TIMEOUT", 10*time.Second),
		BackoffInitial:    getDuration("BACKOFF_INITIAL", 5*time.Second),
		BackoffMax:        getDuration("BACKOFF_MAX", 60*time.Second),
		DegradedThreshold: getInt("DEGRADED_THRESHOLD", 5),

		ClientQueueSize: getInt("CLIENT_QUEUE_SIZE", 256),
		ShutdownGrace:   getDuration("SHUTDOWN_GRACE", 10*time.Second),

		SMAWindow: getInt("SMA_WINDOW", 20),
		EMAFactor: getFloat("EMA_FACTOR", 2),
		EMACap:    getInt("EMA_CAP", 20),

		SQLitePath:    getEnv("SQLITE_PATH", "data/prices.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}
