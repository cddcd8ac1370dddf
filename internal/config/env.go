// Package config handles environment-based configuration loading and the
// optional backend seed file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	zxcvbn "github.com/ccojocar/zxcvbn-go"
	"github.com/robfig/cron/v3"
)

const (
	// MinRealtimeRangeEndTolerance is the floor for the overlay window.
	MinRealtimeRangeEndTolerance = 10 * time.Second

	defaultRealtimeRangeEndTolerance = 120 * time.Second
	defaultFlushInterval             = 5 * time.Second
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Network
	APIPort         int
	CollectorWSPort int // reserved for the push-mode collector listener

	// Storage
	DBPath string

	// Aggregation
	RealtimeRangeEndTolerance time.Duration
	FlushInterval             time.Duration
	StaleConnectionTTL        time.Duration

	// Auth (empty means auth disabled)
	APIToken        string
	APIMaxBodyBytes int

	// Bootstrap
	BackendsFile string

	// GeoIP (empty means lookups disabled)
	GeoIPDBPath string

	// Retention
	CleanupSchedule string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error listing every invalid value.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.APIPort = envInt("API_PORT", 3001, &errs)
	cfg.CollectorWSPort = envInt("COLLECTOR_WS_PORT", 3002, &errs)
	cfg.DBPath = envStr("DB_PATH", "./stats.db")

	toleranceMS := envInt("REALTIME_RANGE_END_TOLERANCE_MS", int(defaultRealtimeRangeEndTolerance/time.Millisecond), &errs)
	cfg.RealtimeRangeEndTolerance = time.Duration(toleranceMS) * time.Millisecond
	if cfg.RealtimeRangeEndTolerance < MinRealtimeRangeEndTolerance {
		cfg.RealtimeRangeEndTolerance = MinRealtimeRangeEndTolerance
	}

	flushMS := envInt("FLUSH_INTERVAL_MS", int(defaultFlushInterval/time.Millisecond), &errs)
	cfg.FlushInterval = time.Duration(flushMS) * time.Millisecond

	staleMin := envInt("STALE_CONNECTION_MINUTES", 30, &errs)
	cfg.StaleConnectionTTL = time.Duration(staleMin) * time.Minute

	cfg.APIToken = envStr("API_TOKEN", "")
	cfg.APIMaxBodyBytes = envInt("API_MAX_BODY_BYTES", 1<<20, &errs)
	cfg.BackendsFile = strings.TrimSpace(envStr("BACKENDS_FILE", ""))
	cfg.GeoIPDBPath = strings.TrimSpace(envStr("GEOIP_DB_PATH", ""))
	cfg.CleanupSchedule = envStr("CLEANUP_SCHEDULE", "0 3 * * *")

	validatePort("API_PORT", cfg.APIPort, &errs)
	validatePort("COLLECTOR_WS_PORT", cfg.CollectorWSPort, &errs)
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must not be empty")
	}
	if cfg.FlushInterval <= 0 {
		errs = append(errs, "FLUSH_INTERVAL_MS must be positive")
	}
	if cfg.StaleConnectionTTL <= 0 {
		errs = append(errs, "STALE_CONNECTION_MINUTES must be positive")
	}
	validatePositive("API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	if _, err := cron.ParseStandard(cfg.CleanupSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("CLEANUP_SCHEDULE: invalid cron expression %q: %v", cfg.CleanupSchedule, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// IsWeakToken scores a secret — API_TOKEN or a backend's Clash token —
// and reports whether it is guessable enough to deserve a startup
// warning. Tokens are never rejected: backends in particular often run
// with whatever secret the router was installed with. An empty token
// means the corresponding auth is off entirely and is not scored.
func IsWeakToken(token string) bool {
	if token == "" {
		return false
	}
	// zxcvbn scores 0 (guessable) through 4; 3 is the usual floor for
	// anything exposed beyond localhost.
	return zxcvbn.PasswordStrength(token, nil).Score < 3
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
