package config

import (
	"errors"
	"os"
	"strings"
	"time"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	DBPath        string
	CountriesFile string

	// Sources enabled for the scheduler trigger loop.
	Sources        []string
	ScrapeInterval time.Duration
	ScanInterval   time.Duration
	HTTPTimeout    time.Duration

	// Kafka alert publishing (feature-flagged via KAFKA_BROKERS).
	KafkaBrokers    []string
	KafkaAlertTopic string
	AlertsEnabled   bool
}

// Load reads configuration from environment variables, applying defaults
// where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	scrapeInterval, err := parseDuration("SCRAPE_INTERVAL", "6h")
	if err != nil {
		return nil, err
	}
	scanInterval, err := parseDuration("ANOMALY_SCAN_INTERVAL", "6h")
	if err != nil {
		return nil, err
	}
	httpTimeout, err := parseDuration("HTTP_TIMEOUT", "30s")
	if err != nil {
		return nil, err
	}

	brokers := splitList(os.Getenv("KAFKA_BROKERS"))
	alertsEnabled := len(brokers) > 0
	if v := os.Getenv("ALERTS_ENABLED"); v != "" {
		alertsEnabled = v == "true"
	}

	cfg := &Config{
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		DBPath:          envOrDefault("DB_PATH", "flutracker.db"),
		CountriesFile:   envOrDefault("COUNTRIES_FILE", "countries.yaml"),
		Sources:         splitList(envOrDefault("SOURCES", "who_flunet,usa_cdc,uk_ukhsa,brazil_svs")),
		ScrapeInterval:  scrapeInterval,
		ScanInterval:    scanInterval,
		HTTPTimeout:     httpTimeout,
		KafkaBrokers:    brokers,
		KafkaAlertTopic: envOrDefault("KAFKA_ALERT_TOPIC", "flu-anomaly-alerts"),
		AlertsEnabled:   alertsEnabled,
	}

	if cfg.DBPath == "" {
		return nil, errors.New("DB_PATH is required")
	}
	if len(cfg.Sources) == 0 {
		return nil, errors.New("SOURCES is required")
	}
	if cfg.AlertsEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("ALERTS_ENABLED is true but KAFKA_BROKERS is not set")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDuration(key, def string) (time.Duration, error) {
	s := envOrDefault(key, def)
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, errors.New("invalid " + key)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
