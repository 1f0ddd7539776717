package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string

	// DB
	Env    string // "dev" | "prod"
	Store  string // "sqlite" | "memory"
	DBPath string // e.g. "./data/passkeeper.db"

	// Ledger gateway. Empty address in dev runs an in-process ledger.
	LedgerAddr      string
	LedgerTLS       bool
	BalanceDecimals int // ledger units are shifted by this many places for display
	MaxHistoryDepth int // transactions scanned per access derivation, 0 = all

	// Wallet web service
	AuthToken      string // ApplePass token expected on device calls, empty disables the check
	PassTypesFile  string // YAML catalogue of pass types
	TeamID         string
	WebServiceURL  string
	SignerP12Path  string
	SignerPassword string
	WWDRCertPath   string

	// Push
	APNsHost       string
	APNsP12Path    string
	APNsPassword   string
	PushRatePerSec int

	// Fan-out
	FanoutWorkers         int
	FanoutQueueSize       int
	FanoutConcurrency     int
	DeliveryTimeoutSecond int

	// Reconciliation
	SubscriptionRetentionDays int
	CleanupIntervalHours      int
	ResyncIntervalMinutes     int

	// Logging
	LogLevel     string
	LogFile      string
	LogErrorFile string
	LogConsole   bool
}

// Load reads envFile into the process environment when it exists, then
// returns FromEnv. Variables already set in the environment win over the
// file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return FromEnv(), nil
}

func FromEnv() Config {
	env := strings.ToLower(getenvDefault("PASSKEEPER_ENV", "dev"))
	if env != "dev" && env != "prod" {
		// fail-soft: treat unknown as dev
		env = "dev"
	}

	storeKind := strings.ToLower(getenvDefault("PASSKEEPER_STORE", "sqlite"))
	if storeKind != "sqlite" && storeKind != "memory" {
		storeKind = "sqlite"
	}

	return Config{
		HTTPAddr: getenvDefault("PASSKEEPER_HTTP_ADDR", ":8080"),
		Env:      env,
		Store:    storeKind,
		DBPath:   getenvDefault("PASSKEEPER_DB_PATH", "./data/passkeeper.db"),

		LedgerAddr:      os.Getenv("PASSKEEPER_LEDGER_ADDR"),
		LedgerTLS:       getenvBool("PASSKEEPER_LEDGER_TLS"),
		BalanceDecimals: getenvInt("PASSKEEPER_BALANCE_DECIMALS", 0),
		MaxHistoryDepth: getenvInt("PASSKEEPER_MAX_HISTORY_DEPTH", 0),

		AuthToken:      os.Getenv("PASSKEEPER_AUTH_TOKEN"),
		PassTypesFile:  getenvDefault("PASSKEEPER_PASS_TYPES_FILE", "./passtypes.yaml"),
		TeamID:         os.Getenv("PASSKEEPER_TEAM_ID"),
		WebServiceURL:  os.Getenv("PASSKEEPER_WEB_SERVICE_URL"),
		SignerP12Path:  os.Getenv("PASSKEEPER_SIGNER_P12"),
		SignerPassword: os.Getenv("PASSKEEPER_SIGNER_PASSWORD"),
		WWDRCertPath:   os.Getenv("PASSKEEPER_WWDR_CERT"),

		APNsHost:       getenvDefault("PASSKEEPER_APNS_HOST", "https://api.push.apple.com"),
		APNsP12Path:    os.Getenv("PASSKEEPER_APNS_P12"),
		APNsPassword:   os.Getenv("PASSKEEPER_APNS_PASSWORD"),
		PushRatePerSec: getenvInt("PASSKEEPER_PUSH_RATE_PER_SEC", 50),

		FanoutWorkers:         getenvInt("PASSKEEPER_FANOUT_WORKERS", 4),
		FanoutQueueSize:       getenvInt("PASSKEEPER_FANOUT_QUEUE_SIZE", 1024),
		FanoutConcurrency:     getenvInt("PASSKEEPER_FANOUT_CONCURRENCY", 16),
		DeliveryTimeoutSecond: getenvInt("PASSKEEPER_DELIVERY_TIMEOUT_SECONDS", 10),

		SubscriptionRetentionDays: getenvInt("PASSKEEPER_SUBSCRIPTION_RETENTION_DAYS", 30),
		CleanupIntervalHours:      getenvInt("PASSKEEPER_CLEANUP_INTERVAL_HOURS", 24),
		ResyncIntervalMinutes:     getenvInt("PASSKEEPER_RESYNC_INTERVAL_MINUTES", 60),

		LogLevel:     getenvDefault("PASSKEEPER_LOG_LEVEL", "info"),
		LogFile:      os.Getenv("PASSKEEPER_LOG_FILE"),
		LogErrorFile: os.Getenv("PASSKEEPER_LOG_ERROR_FILE"),
		LogConsole:   getenvBool("PASSKEEPER_LOG_CONSOLE") || os.Getenv("PASSKEEPER_LOG_CONSOLE") == "",
	}
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvBool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	return strings.EqualFold(v, "true") || v == "1"
}
