package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Metrics backend selection.
const (
	SourcePrometheus    = "prometheus"
	SourceMetricsServer = "metrics-server"
	SourceSynthetic     = "synthetic"
)

// Config holds application configuration
type Config struct {
	// Server
	ListenAddr string

	// Metrics backend
	MetricsSource string
	PrometheusURL string

	// Inference
	InferenceURL string
	DefaultModel string

	// Analysis
	RollingWindow         time.Duration // lookback for rolling means
	TrendWindow           time.Duration // lookback for trend history
	TrendStep             time.Duration // trend sample resolution
	TrendThresholdPercent float64       // exhaustion projection threshold
	SafetyMarginPercent   float64       // headroom withheld from safe-pod counts

	// Caching
	CacheTTL time.Duration

	// Per-operation request budgets
	PredictTimeout         time.Duration
	CapacityTimeout        time.Duration
	ClusterCapacityTimeout time.Duration

	Verbose bool
}

// NewConfig creates a new configuration with defaults
func NewConfig() *Config {
	return &Config{
		ListenAddr:             getEnv("LISTEN_ADDR", ":8080"),
		MetricsSource:          getEnv("METRICS_SOURCE", SourcePrometheus),
		PrometheusURL:          getEnv("PROMETHEUS_URL", "http://localhost:9090"),
		InferenceURL:           getEnv("INFERENCE_URL", "http://localhost:8085"),
		DefaultModel:           getEnv("DEFAULT_MODEL", "predictive-analytics"),
		RollingWindow:          getEnvDuration("ROLLING_WINDOW", 24*time.Hour),
		TrendWindow:            getEnvDuration("TREND_WINDOW", 7*24*time.Hour),
		TrendStep:              getEnvDuration("TREND_STEP", time.Hour),
		TrendThresholdPercent:  getEnvFloat("TREND_THRESHOLD_PERCENT", 80),
		SafetyMarginPercent:    getEnvFloat("SAFETY_MARGIN_PERCENT", 15),
		CacheTTL:               getEnvDuration("CACHE_TTL", 60*time.Second),
		PredictTimeout:         getEnvDuration("PREDICT_TIMEOUT", 500*time.Millisecond),
		CapacityTimeout:        getEnvDuration("CAPACITY_TIMEOUT", 300*time.Millisecond),
		ClusterCapacityTimeout: getEnvDuration("CLUSTER_CAPACITY_TIMEOUT", time.Second),
		Verbose:                getEnvBool("VERBOSE", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	switch c.MetricsSource {
	case SourcePrometheus, SourceMetricsServer, SourceSynthetic:
	default:
		return fmt.Errorf("METRICS_SOURCE must be one of %s, %s, %s", SourcePrometheus, SourceMetricsServer, SourceSynthetic)
	}
	if c.MetricsSource == SourcePrometheus && c.PrometheusURL == "" {
		return fmt.Errorf("PROMETHEUS_URL must be set when METRICS_SOURCE is prometheus")
	}
	if c.RollingWindow < time.Hour {
		return fmt.Errorf("rolling window must be at least 1 hour")
	}
	if c.TrendStep <= 0 || c.TrendWindow < c.TrendStep {
		return fmt.Errorf("trend window must cover at least one step")
	}
	if c.SafetyMarginPercent < 0 || c.SafetyMarginPercent >= 100 {
		return fmt.Errorf("safety margin must be in [0, 100)")
	}
	if c.TrendThresholdPercent <= 0 || c.TrendThresholdPercent > 100 {
		return fmt.Errorf("trend threshold must be in (0, 100]")
	}
	return nil
}
