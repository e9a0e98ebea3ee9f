package app

import (
	"net"
	"time"

	"whiteboard/cmd/internal/envcfg"
)

const defaultHTTPAddr = "0.0.0.0:8080"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// MaxShapes bounds the committed list of the board.
	MaxShapes int

	// Edit journal. Empty DatabaseURL keeps the journal off (NopJournal).
	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBAppName     string
	JournalSchema string
	JournalQueue  int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// CORS for /api/*.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled bool

	// LAN advertisement.
	MDNSEnabled  bool
	MDNSInstance string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  httpAddrFromEnv(),
		LogLevel:  envcfg.String("WB_LOG_LEVEL", "info"),
		LogFormat: envcfg.String("WB_LOG_FORMAT", "json"),

		ReadHeaderTimeout: envcfg.Duration("WB_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       envcfg.Duration("WB_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      envcfg.Duration("WB_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       envcfg.Duration("WB_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: envcfg.Int("WB_HTTP_MAX_HEADER_BYTES", 1<<20),

		MaxShapes: envcfg.Int("WB_MAX_SHAPES", 50_000),

		DatabaseURL:   envcfg.String("WB_DATABASE_URL", ""),
		DBMaxConns:    envcfg.Int32("WB_DB_MAX_CONNS", 4),
		DBMinConns:    envcfg.Int32("WB_DB_MIN_CONNS", 0),
		DBAppName:     envcfg.String("WB_DB_APP_NAME", defaultDBAppName),
		JournalSchema: envcfg.String("WB_JOURNAL_SCHEMA", "whiteboard"),
		JournalQueue:  envcfg.Int("WB_JOURNAL_QUEUE", 1024),

		ReadinessRequireDB: envcfg.Bool("WB_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   envcfg.CSV("WB_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: envcfg.Bool("WB_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    envcfg.Int("WB_CORS_MAX_AGE_SECONDS", 600),

		MetricsEnabled: envcfg.Bool("WB_METRICS_ENABLED", true),

		MDNSEnabled:  envcfg.Bool("WB_MDNS_ENABLED", false),
		MDNSInstance: envcfg.String("WB_MDNS_INSTANCE", ""),
	}
}

// httpAddrFromEnv prefers WB_HTTP_ADDR and falls back to a bare PORT (PaaS convention).
func httpAddrFromEnv() string {
	if addr := envcfg.String("WB_HTTP_ADDR", ""); addr != "" {
		return addr
	}
	if port := envcfg.String("PORT", ""); port != "" {
		return net.JoinHostPort("0.0.0.0", port)
	}
	return defaultHTTPAddr
}
