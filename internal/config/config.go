// Package config loads the runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full runtime configuration of the circulation core.
type Config struct {
	Port        string
	DatabaseURL string

	// Circulation policy.
	LateFeeEnabled      bool
	DailyLateFeeCents   int64
	DefaultLoanDays     int
	MaxLoansPerUser     int
	BlockAtOverdueCount int

	// Overdue sweeper. A zero interval disables the in-process runner.
	SweepInterval time.Duration
	DueSoonWindow time.Duration

	// External roster source.
	RosterURL     string
	RosterAPIKey  string
	RosterSource  string
	RosterRetries int

	// Collaborators.
	DispatcherURL string
	MeiliURL      string
	MeiliAPIKey   string
	OTLPEndpoint  string
}

// Load reads the configuration from the environment, falling back to the
// defaults the library operates with.
func Load() Config {
	return Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		LateFeeEnabled:      getEnvBool("LATE_FEE_ENABLED", false),
		DailyLateFeeCents:   int64(getEnvInt("DAILY_LATE_FEE_CENTS", 10)),
		DefaultLoanDays:     getEnvInt("DEFAULT_LOAN_DAYS", 14),
		MaxLoansPerUser:     getEnvInt("MAX_LOANS_PER_USER", 5),
		BlockAtOverdueCount: getEnvInt("BLOCK_AT_OVERDUE_COUNT", 3),

		SweepInterval: getEnvDuration("SWEEP_INTERVAL", 24*time.Hour),
		DueSoonWindow: getEnvDuration("DUE_SOON_WINDOW", 48*time.Hour),

		RosterURL:     getEnv("ROSTER_URL", ""),
		RosterAPIKey:  getEnv("ROSTER_API_KEY", ""),
		RosterSource:  getEnv("ROSTER_SOURCE", "isams"),
		RosterRetries: getEnvInt("ROSTER_FETCH_RETRIES", 4),

		DispatcherURL: getEnv("DISPATCHER_URL", ""),
		MeiliURL:      getEnv("MEILI_URL", ""),
		MeiliAPIKey:   getEnv("MEILI_API_KEY", ""),
		OTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
