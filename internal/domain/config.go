package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backing infrastructure is used
	Tier Tier `json:"tier"`

	// Env is reported in audit records (dev, staging, prod)
	Env string `json:"env"`

	// Component configurations
	Repository   RepositoryConfig   `json:"repository"`
	Cache        CacheConfig        `json:"cache"`
	EventBus     EventBusConfig     `json:"eventBus"`
	Taxonomy     TaxonomyConfig     `json:"taxonomy"`
	Fraud        FraudConfig        `json:"fraud"`
	Embeddings   EmbeddingsConfig   `json:"embeddings"`
	Decision     DecisionConfig     `json:"decision"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Worker       WorkerConfig       `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string  `json:"host"`
	Port         int     `json:"port"`
	ReadTimeout  int     `json:"readTimeout"`  // seconds
	WriteTimeout int     `json:"writeTimeout"` // seconds
	RateLimitRPS float64 `json:"rateLimitRps"` // per client, 0 disables
	RateBurst    int     `json:"rateBurst"`
}

// TaxonomyConfig locates the taxonomy file and derived artifacts.
type TaxonomyConfig struct {
	Path          string `json:"path"`
	LabelIndexDir string `json:"labelIndexDir"`
}

// FraudConfig configures the fraud signal source.
type FraudConfig struct {
	ModelPath string `json:"modelPath"`
	TopK      int    `json:"topK"`
}

// EmbeddingsConfig configures the embeddings provider used by the text source.
type EmbeddingsConfig struct {
	// Provider is "http" for an OpenAI-compatible endpoint or "hashing" for offline use
	Provider string `json:"provider"`
	HashDim  int    `json:"hashDim"`

	Endpoint string        `json:"endpoint"`
	Model    string        `json:"model"`
	APIKey   string        `json:"-"`
	RPS      float64       `json:"rps"`
	Burst    int           `json:"burst"`
	Timeout  time.Duration `json:"timeout"`
	CacheTTL time.Duration `json:"cacheTtl"`

	// Optional retrieval indexes (JSON vector stores)
	CaseIndexPath     string `json:"caseIndexPath,omitempty"`
	DocumentIndexPath string `json:"documentIndexPath,omitempty"`
}

// DecisionConfig holds the versioned no-risk and boost policy.
type DecisionConfig struct {
	PolicyVersion    string  `json:"policyVersion"`
	NoRiskMaxBase    float64 `json:"noRiskMaxBase"`
	NoRiskMaxReasons int     `json:"noRiskMaxReasons"`
	BoostPerReason   float64 `json:"boostPerReason"`
	BoostCap         float64 `json:"boostCap"`
}

// OrchestratorConfig controls signal fan-out.
type OrchestratorConfig struct {
	SignalTimeout time.Duration `json:"signalTimeout"`

	// RequireSignal fails the request when every present sub-request failed
	RequireSignal bool `json:"requireSignal"`

	// ContactWindow is the rolling window for per-customer case counts
	ContactWindow time.Duration `json:"contactWindow"`
}

// WorkerConfig controls async scoring from the event bus.
type WorkerConfig struct {
	Enabled   bool     `json:"enabled"`
	TenantIDs []string `json:"tenantIds"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"` // OTLP gRPC endpoint
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, in-process channels and a local LRU
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, NATS and Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			RateLimitRPS: 50,
			RateBurst:    100,
		},
		Tier: TierCommunity,
		Env:  "dev",
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Taxonomy: TaxonomyConfig{
			Path:          "configs/risk_taxonomy.yaml",
			LabelIndexDir: "artifacts/text",
		},
		Fraud: FraudConfig{
			ModelPath: "artifacts/fraud/model.json",
			TopK:      3,
		},
		Embeddings: EmbeddingsConfig{
			Provider: "hashing",
			HashDim:  256,
			Endpoint: "https://api.openai.com/v1/embeddings",
			Model:    "text-embedding-3-small",
			RPS:      20,
			Burst:    5,
			Timeout:  10 * time.Second,
			CacheTTL: 24 * time.Hour,
		},
		Decision: DecisionConfig{
			PolicyVersion:    "2024-01",
			NoRiskMaxBase:    0.60,
			NoRiskMaxReasons: 1,
			BoostPerReason:   0.03,
			BoostCap:         0.10,
		},
		Orchestrator: OrchestratorConfig{
			SignalTimeout: 5 * time.Second,
			ContactWindow: 30 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
