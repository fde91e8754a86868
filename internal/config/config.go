// Package config builds the Kestrel configuration from defaults, an optional
// .env file and KESTREL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Load reads .env files (missing files are ignored) and applies environment
// overrides on top of the tier defaults. Variables already set in the process
// environment win over .env values.
func Load(files ...string) (*domain.Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a configuration using getenv for lookups.
func FromEnv(getenv func(string) string) (*domain.Config, error) {
	e := &env{get: getenv}

	cfg := domain.DefaultConfig()
	switch tier := e.get("KESTREL_TIER"); tier {
	case "", string(domain.TierCommunity):
	case string(domain.TierPro):
		cfg = domain.ProConfig()
	default:
		return nil, fmt.Errorf("unknown tier %q", tier)
	}

	e.str("KESTREL_ENV", &cfg.Env)

	// Server
	e.str("KESTREL_HOST", &cfg.Server.Host)
	e.integer("KESTREL_PORT", &cfg.Server.Port)
	e.integer("KESTREL_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	e.integer("KESTREL_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	e.float("KESTREL_RATE_LIMIT_RPS", &cfg.Server.RateLimitRPS)
	e.integer("KESTREL_RATE_BURST", &cfg.Server.RateBurst)

	// Repository
	e.str("KESTREL_DB_DRIVER", &cfg.Repository.Driver)
	e.str("KESTREL_SQLITE_PATH", &cfg.Repository.SQLitePath)
	e.str("KESTREL_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	e.integer("KESTREL_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	e.str("KESTREL_POSTGRES_USER", &cfg.Repository.PostgresUser)
	e.str("KESTREL_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	e.str("KESTREL_POSTGRES_DB", &cfg.Repository.PostgresDB)
	e.str("KESTREL_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)
	e.duration("KESTREL_SQLITE_BUSY_TIMEOUT", &cfg.Repository.BusyTimeout)
	e.duration("KESTREL_DB_CONNECT_TIMEOUT", &cfg.Repository.ConnectTimeout)
	e.integer("KESTREL_DB_MAX_OPEN_CONNS", &cfg.Repository.MaxOpenConns)
	e.integer("KESTREL_DB_MAX_IDLE_CONNS", &cfg.Repository.MaxIdleConns)
	e.duration("KESTREL_DB_CONN_MAX_LIFETIME", &cfg.Repository.ConnMaxLifetime)

	// Cache
	e.str("KESTREL_CACHE_TYPE", &cfg.Cache.Type)
	e.integer("KESTREL_CACHE_SIZE", &cfg.Cache.LocalMaxSize)
	e.duration("KESTREL_CACHE_TTL", &cfg.Cache.LocalTTL)
	e.str("KESTREL_REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.str("KESTREL_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.integer("KESTREL_REDIS_DB", &cfg.Cache.RedisDB)
	e.boolean("KESTREL_CACHE_TWO_PHASE", &cfg.Cache.EnableTwoPhase)

	// Event bus
	e.str("KESTREL_BUS_TYPE", &cfg.EventBus.Type)
	e.integer("KESTREL_BUS_BUFFER", &cfg.EventBus.ChannelBufferSize)
	e.str("KESTREL_NATS_URL", &cfg.EventBus.NATSUrl)
	e.str("KESTREL_NATS_TOKEN", &cfg.EventBus.NATSToken)

	// Taxonomy and models
	e.str("KESTREL_TAXONOMY_PATH", &cfg.Taxonomy.Path)
	e.str("KESTREL_LABEL_INDEX_DIR", &cfg.Taxonomy.LabelIndexDir)
	e.str("KESTREL_FRAUD_MODEL_PATH", &cfg.Fraud.ModelPath)
	e.integer("KESTREL_FRAUD_TOP_K", &cfg.Fraud.TopK)

	// Embeddings
	e.str("KESTREL_EMBEDDINGS_PROVIDER", &cfg.Embeddings.Provider)
	e.integer("KESTREL_EMBEDDINGS_HASH_DIM", &cfg.Embeddings.HashDim)
	e.str("KESTREL_EMBEDDINGS_ENDPOINT", &cfg.Embeddings.Endpoint)
	e.str("KESTREL_EMBEDDINGS_MODEL", &cfg.Embeddings.Model)
	e.str("OPENAI_API_KEY", &cfg.Embeddings.APIKey)
	e.str("KESTREL_EMBEDDINGS_API_KEY", &cfg.Embeddings.APIKey)
	e.float("KESTREL_EMBEDDINGS_RPS", &cfg.Embeddings.RPS)
	e.integer("KESTREL_EMBEDDINGS_BURST", &cfg.Embeddings.Burst)
	e.duration("KESTREL_EMBEDDINGS_TIMEOUT", &cfg.Embeddings.Timeout)
	e.duration("KESTREL_EMBEDDINGS_CACHE_TTL", &cfg.Embeddings.CacheTTL)
	e.str("KESTREL_CASE_INDEX_PATH", &cfg.Embeddings.CaseIndexPath)
	e.str("KESTREL_DOCUMENT_INDEX_PATH", &cfg.Embeddings.DocumentIndexPath)

	// Decision policy
	e.str("KESTREL_POLICY_VERSION", &cfg.Decision.PolicyVersion)
	e.float("KESTREL_NO_RISK_MAX_BASE", &cfg.Decision.NoRiskMaxBase)
	e.integer("KESTREL_NO_RISK_MAX_REASONS", &cfg.Decision.NoRiskMaxReasons)
	e.float("KESTREL_BOOST_PER_REASON", &cfg.Decision.BoostPerReason)
	e.float("KESTREL_BOOST_CAP", &cfg.Decision.BoostCap)

	// Orchestrator
	e.duration("KESTREL_SIGNAL_TIMEOUT", &cfg.Orchestrator.SignalTimeout)
	e.boolean("KESTREL_REQUIRE_SIGNAL", &cfg.Orchestrator.RequireSignal)
	e.duration("KESTREL_CONTACT_WINDOW", &cfg.Orchestrator.ContactWindow)

	// Worker
	e.boolean("KESTREL_ASYNC_WORKER", &cfg.Worker.Enabled)
	e.list("KESTREL_TENANTS", &cfg.Worker.TenantIDs)

	// Observability
	e.str("KESTREL_LOG_LEVEL", &cfg.Logging.Level)
	e.str("KESTREL_LOG_FORMAT", &cfg.Logging.Format)
	var debug bool
	e.boolean("KESTREL_DEBUG", &debug)
	if debug {
		cfg.Logging.Level = "debug"
	}
	e.boolean("KESTREL_TRACING_ENABLED", &cfg.Tracing.Enabled)
	e.str("KESTREL_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	e.str("KESTREL_SERVICE_NAME", &cfg.Tracing.ServiceName)
	if cfg.Repository.ApplicationName == "" {
		cfg.Repository.ApplicationName = cfg.Tracing.ServiceName
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot start with.
func Validate(cfg *domain.Config) error {
	var errs []error
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", cfg.Server.Port))
	}
	if cfg.Taxonomy.Path == "" {
		errs = append(errs, errors.New("taxonomy path is required"))
	}
	if cfg.Fraud.ModelPath == "" {
		errs = append(errs, errors.New("fraud model path is required"))
	}
	switch cfg.Embeddings.Provider {
	case "hashing":
	case "http":
		if cfg.Embeddings.Endpoint == "" {
			errs = append(errs, errors.New("embeddings endpoint is required for the http provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embeddings provider %q", cfg.Embeddings.Provider))
	}
	if cfg.Orchestrator.SignalTimeout < 0 {
		errs = append(errs, errors.New("signal timeout must not be negative"))
	}
	if _, err := ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// NewLogger builds the process logger from the logging configuration.
func NewLogger(cfg domain.LoggingConfig) *slog.Logger {
	level, _ := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// env collects parse errors so every bad variable is reported at once.
type env struct {
	get  func(string) string
	errs []error
}

func (e *env) str(key string, dst *string) {
	if v := e.get(key); v != "" {
		*dst = v
	}
}

func (e *env) integer(key string, dst *int) {
	v := e.get(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func (e *env) float(key string, dst *float64) {
	v := e.get(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return
	}
	*dst = f
}

func (e *env) boolean(key string, dst *bool) {
	v := e.get(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return
	}
	*dst = b
}

func (e *env) duration(key string, dst *time.Duration) {
	v := e.get(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return
	}
	*dst = d
}

func (e *env) list(key string, dst *[]string) {
	v := e.get(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
