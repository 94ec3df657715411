package config

import (
	"fmt"
	"os"
	"strconv"
	"strings" // For LogLevel normalization
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all configuration for the application
type AppConfig struct {
	StorageBackend  string // "postgres" or "memory"
	DatabaseURL     string
	TelegramToken   string // empty disables the bot
	AdminTelegramID int64
	HTTPAddr        string
	LogLevel        string
	Environment     string

	CronSpecRoundSweep   string // completes rounds whose window ended
	CronSpecSessionSweep string // marks missed sessions, aggregates completed ones
	CronSpecReconcile    string // retries rounds stuck without a consensus result

	ConsensusFloorRSSI  float64
	ConsensusStrongRSSI float64
	ConsensusPeerQuorum int

	SignalReferenceRSSI    float64
	SignalPathLossExponent float64
	SignalMaxRadiusMeters  float64
	SignalMinRSSI          float64

	GeoMaxSpeedMPS     float64
	GeoToleranceMeters float64
	GeoFarFactor       float64

	AttendanceThreshold   float64
	AttendanceGracePeriod time.Duration

	SnapshotTTL time.Duration
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// Attempt to load .env file. Errors are ignored if the file doesn't exist.
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &AppConfig{}
	var err error

	cfg.StorageBackend = strings.ToLower(os.Getenv("STORAGE_BACKEND"))
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "postgres"
	}
	if cfg.StorageBackend != "postgres" && cfg.StorageBackend != "memory" {
		return nil, fmt.Errorf("invalid STORAGE_BACKEND %q: want postgres or memory", cfg.StorageBackend)
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StorageBackend == "postgres" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")

	if adminIDStr := os.Getenv("ADMIN_TELEGRAM_ID"); adminIDStr != "" {
		cfg.AdminTelegramID, err = strconv.ParseInt(adminIDStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIN_TELEGRAM_ID: %w", err)
		}
	}
	if cfg.TelegramToken != "" && cfg.AdminTelegramID == 0 {
		return nil, fmt.Errorf("ADMIN_TELEGRAM_ID is required when TELEGRAM_TOKEN is set")
	}

	cfg.HTTPAddr = envOr("HTTP_ADDR", ":8080")

	cfg.LogLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info" // Default log level
	}

	cfg.Environment = strings.ToLower(os.Getenv("ENVIRONMENT"))
	if cfg.Environment == "" {
		cfg.Environment = "development" // Default environment
	}

	cfg.CronSpecRoundSweep = envOr("CRON_SPEC_ROUND_SWEEP", "* * * * *")       // every minute
	cfg.CronSpecSessionSweep = envOr("CRON_SPEC_SESSION_SWEEP", "*/5 * * * *") // every 5 minutes
	cfg.CronSpecReconcile = envOr("CRON_SPEC_RECONCILE", "*/2 * * * *")

	p := parser{}
	cfg.ConsensusFloorRSSI = p.float("CONSENSUS_FLOOR_RSSI", -80)
	cfg.ConsensusStrongRSSI = p.float("CONSENSUS_STRONG_RSSI", -70)
	cfg.ConsensusPeerQuorum = p.int("CONSENSUS_PEER_QUORUM", 2)

	cfg.SignalReferenceRSSI = p.float("SIGNAL_REFERENCE_RSSI", -59)
	cfg.SignalPathLossExponent = p.float("SIGNAL_PATH_LOSS_EXPONENT", 2)
	cfg.SignalMaxRadiusMeters = p.float("SIGNAL_MAX_RADIUS_METERS", 15)
	cfg.SignalMinRSSI = p.float("SIGNAL_MIN_RSSI", -90)

	cfg.GeoMaxSpeedMPS = p.float("GEO_MAX_SPEED_MPS", 50)
	cfg.GeoToleranceMeters = p.float("GEO_FENCE_TOLERANCE_METERS", 25)
	cfg.GeoFarFactor = p.float("GEO_FAR_FACTOR", 5)

	cfg.AttendanceThreshold = p.float("ATTENDANCE_THRESHOLD", 0.75)
	cfg.AttendanceGracePeriod = p.duration("ATTENDANCE_GRACE_PERIOD", 72*time.Hour)
	cfg.SnapshotTTL = p.duration("SNAPSHOT_TTL", 2*time.Second)

	if p.err != nil {
		return nil, p.err
	}
	if cfg.ConsensusPeerQuorum < 1 {
		return nil, fmt.Errorf("CONSENSUS_PEER_QUORUM must be at least 1")
	}
	if cfg.ConsensusStrongRSSI < cfg.ConsensusFloorRSSI {
		return nil, fmt.Errorf("CONSENSUS_STRONG_RSSI must not be below CONSENSUS_FLOOR_RSSI")
	}
	if cfg.AttendanceThreshold <= 0 || cfg.AttendanceThreshold > 1 {
		return nil, fmt.Errorf("ATTENDANCE_THRESHOLD must be in (0, 1]")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parser keeps the first malformed value so Load can report it once.
type parser struct {
	err error
}

func (p *parser) float(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" || p.err != nil {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return def
	}
	return v
}

func (p *parser) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" || p.err != nil {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" || p.err != nil {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return def
	}
	return v
}
