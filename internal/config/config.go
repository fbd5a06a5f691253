package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBDriver      = "sqlite"
	defaultDBPath        = "genos.db"
	defaultRuntimes      = "local"
	defaultArchiveBucket = "genos-events"

	envListenAddr  = "GENOS_LISTEN_ADDR"
	envDBDriver    = "GENOS_DB_DRIVER"
	envDBPath      = "GENOS_DB_PATH"
	envDBDSN       = "GENOS_DB_DSN"
	envLogLevel    = "GENOS_LOG_LEVEL"
	envCatalogPath = "GENOS_CATALOG_PATH"
	envRuntimes    = "GENOS_RUNTIMES"

	envQueueCapacity        = "GENOS_QUEUE_CAPACITY"
	envWaitBudget           = "GENOS_WAIT_BUDGET"
	envSweepInterval        = "GENOS_SWEEP_INTERVAL"
	envEnvironmentRetention = "GENOS_ENVIRONMENT_RETENTION"

	envArchiveEndpoint  = "GENOS_ARCHIVE_ENDPOINT"
	envArchiveAccessKey = "GENOS_ARCHIVE_ACCESS_KEY"
	envArchiveSecretKey = "GENOS_ARCHIVE_SECRET_KEY"
	envArchiveBucket    = "GENOS_ARCHIVE_BUCKET"
	envArchiveRetain    = "GENOS_ARCHIVE_RETAIN"
	envArchiveInterval  = "GENOS_ARCHIVE_INTERVAL"
	envArchiveSSL       = "GENOS_ARCHIVE_SSL"

	envOIDCIssuer   = "GENOS_OIDC_ISSUER"
	envOIDCClientID = "GENOS_OIDC_CLIENT_ID"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr  string
	DBDriver    string
	DBPath      string
	DBDSN       string
	LogLevel    slog.Level
	CatalogPath string
	Runtimes    []string

	QueueCapacity int
	WaitBudget    time.Duration
	SweepInterval time.Duration

	// EnvironmentRetention is how long terminated environment records are
	// kept before the engine prunes them. Zero keeps the engine default.
	EnvironmentRetention time.Duration

	Archive ArchiveConfig
	OIDC    OIDCConfig
}

// ArchiveConfig configures the event archiver. Archiving is off unless an
// object store endpoint is set.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Retain    time.Duration
	Interval  time.Duration
	UseSSL    bool
}

// Enabled reports whether an object store endpoint was configured.
func (a ArchiveConfig) Enabled() bool { return a.Endpoint != "" }

// OIDCConfig configures bearer token verification. The API runs open unless
// an issuer is set.
type OIDCConfig struct {
	Issuer   string
	ClientID string
}

// Enabled reports whether an issuer was configured.
func (o OIDCConfig) Enabled() bool { return o.Issuer != "" }

// DatabaseDSN returns the connection string for the configured driver: the
// explicit DSN when one is set, otherwise the SQLite file path.
func (c Config) DatabaseDSN() string {
	if c.DBDSN != "" {
		return c.DBDSN
	}
	return c.DBPath
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBDriver:   defaultDBDriver,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Runtimes:   splitList(defaultRuntimes),
		Archive: ArchiveConfig{
			Bucket: defaultArchiveBucket,
		},
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBDriver); v != "" {
		cfg.DBDriver = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	cfg.DBDSN = os.Getenv(envDBDSN)
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envCatalogPath); v != "" {
		cfg.CatalogPath = v
	}
	if v := os.Getenv(envRuntimes); v != "" {
		cfg.Runtimes = splitList(v)
	}

	if v := os.Getenv(envQueueCapacity); v != "" {
		cfg.QueueCapacity = parseInt(v, 0)
	}
	if v := os.Getenv(envWaitBudget); v != "" {
		cfg.WaitBudget = parseDuration(v, 0)
	}
	if v := os.Getenv(envSweepInterval); v != "" {
		cfg.SweepInterval = parseDuration(v, 0)
	}
	if v := os.Getenv(envEnvironmentRetention); v != "" {
		cfg.EnvironmentRetention = parseDuration(v, 0)
	}

	cfg.Archive.Endpoint = os.Getenv(envArchiveEndpoint)
	cfg.Archive.AccessKey = os.Getenv(envArchiveAccessKey)
	cfg.Archive.SecretKey = os.Getenv(envArchiveSecretKey)
	if v := os.Getenv(envArchiveBucket); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv(envArchiveRetain); v != "" {
		cfg.Archive.Retain = parseDuration(v, 0)
	}
	if v := os.Getenv(envArchiveInterval); v != "" {
		cfg.Archive.Interval = parseDuration(v, 0)
	}
	if v := os.Getenv(envArchiveSSL); v != "" {
		cfg.Archive.UseSSL = parseBool(v)
	}

	cfg.OIDC.Issuer = os.Getenv(envOIDCIssuer)
	cfg.OIDC.ClientID = os.Getenv(envOIDCClientID)

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseInt(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return v
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return v
}

// splitList parses a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
