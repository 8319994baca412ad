package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	Server ServerConfig `json:"server"`

	// Tier determines which backends are used by default.
	Tier Tier `json:"tier"`

	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	Intel IntelConfig `json:"intel"`

	// Rules are the default rule parameters for tenants without stored ones.
	Rules *RuleParams `json:"rules"`

	Engine EngineConfig `json:"engine"`
	Worker WorkerConfig `json:"worker"`

	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// IntelConfig configures IP intelligence resolution.
type IntelConfig struct {
	// LookupURL is the base URL of the external lookup service.
	LookupURL string `json:"lookupUrl"`
	APIKey    string `json:"-"`

	// TimeoutSecs bounds a single external lookup.
	TimeoutSecs int `json:"timeoutSecs"`

	// ListTrust is the confidence assigned to Tor, VPN and clean list hits.
	ListTrust float64 `json:"listTrust"`

	// APITrust is the confidence assigned to external lookups.
	APITrust float64 `json:"apiTrust"`

	// CacheTTL is how long list records stay in the cache.
	CacheTTL time.Duration `json:"cacheTtl"`

	// SeenWindow is the window of the per-IP seen counter.
	SeenWindow time.Duration `json:"seenWindow"`
}

// EngineConfig tunes rule evaluation.
type EngineConfig struct {
	// MaxParallel bounds concurrently running evaluators per screening.
	MaxParallel int `json:"maxParallel"`

	// HistoryRetries is how many times a failed history query is retried.
	HistoryRetries int `json:"historyRetries"`
}

// WorkerConfig configures the async screening worker.
type WorkerConfig struct {
	Enabled   bool     `json:"enabled"`
	TenantIDs []string `json:"tenantIds"`
	Workers   int      `json:"workers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	ServiceName string  `json:"serviceName"`
	Endpoint    string  `json:"endpoint"` // OTLP gRPC host:port
	Insecure    bool    `json:"insecure"`
	SampleRatio float64 `json:"sampleRatio"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-memory cache and channels.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS.
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for the community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
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
		Intel: IntelConfig{
			LookupURL:   "https://vpnapi.io/api",
			TimeoutSecs: 5,
			ListTrust:   0.99,
			APITrust:    0.90,
			CacheTTL:    24 * time.Hour,
			SeenWindow:  24 * time.Hour,
		},
		Rules: DefaultRuleParams(),
		Engine: EngineConfig{
			MaxParallel:    4,
			HistoryRetries: 1,
		},
		Worker: WorkerConfig{
			Workers: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
			SampleRatio: 1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for the pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "kestrel",
		PostgresSSLMode: "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.Insecure = true
	return cfg
}

// LoadConfig builds a configuration from KESTREL_* variables read via getenv.
// KESTREL_TIER selects the base configuration; the rest override it.
func LoadConfig(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()
	if strings.EqualFold(getenv("KESTREL_TIER"), string(TierPro)) {
		cfg = ProConfig()
	}
	if err := ApplyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any KESTREL_* variables that are set.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	e := envReader{getenv: getenv}

	e.str("KESTREL_HOST", &cfg.Server.Host)
	e.int("KESTREL_PORT", &cfg.Server.Port)

	e.str("KESTREL_DB_DRIVER", &cfg.Repository.Driver)
	e.str("KESTREL_SQLITE_PATH", &cfg.Repository.SQLitePath)
	e.str("KESTREL_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	e.int("KESTREL_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	e.str("KESTREL_POSTGRES_USER", &cfg.Repository.PostgresUser)
	e.str("KESTREL_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	e.str("KESTREL_POSTGRES_DB", &cfg.Repository.PostgresDB)
	e.str("KESTREL_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	e.str("KESTREL_CACHE_TYPE", &cfg.Cache.Type)
	e.str("KESTREL_REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.str("KESTREL_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.int("KESTREL_REDIS_DB", &cfg.Cache.RedisDB)

	e.str("KESTREL_BUS_TYPE", &cfg.EventBus.Type)
	e.str("KESTREL_NATS_URL", &cfg.EventBus.NATSUrl)
	e.str("KESTREL_NATS_TOKEN", &cfg.EventBus.NATSToken)

	e.str("KESTREL_INTEL_URL", &cfg.Intel.LookupURL)
	e.str("KESTREL_INTEL_API_KEY", &cfg.Intel.APIKey)
	e.int("KESTREL_INTEL_TIMEOUT", &cfg.Intel.TimeoutSecs)

	e.int("KESTREL_MAX_PARALLEL", &cfg.Engine.MaxParallel)

	e.bool("KESTREL_ASYNC_WORKER", &cfg.Worker.Enabled)
	e.list("KESTREL_TENANTS", &cfg.Worker.TenantIDs)

	e.str("KESTREL_LOG_LEVEL", &cfg.Logging.Level)
	if debug := false; e.bool("KESTREL_DEBUG", &debug) && debug {
		cfg.Logging.Level = "debug"
	}

	e.bool("KESTREL_TRACING", &cfg.Tracing.Enabled)
	e.str("KESTREL_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	e.bool("KESTREL_METRICS", &cfg.Metrics.Enabled)

	if list := getenv("KESTREL_HIGH_RISK_COUNTRIES"); list != "" {
		params := *cfg.Rules
		params.HighRiskCountries = splitList(list)
		cfg.Rules = params.WithDefaults()
	}

	return e.err
}

// Validate checks the configuration once at load time.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Intel.TimeoutSecs <= 0 {
		return fmt.Errorf("intel timeout must be positive")
	}
	if c.Intel.ListTrust < 0 || c.Intel.ListTrust > 1 || c.Intel.APITrust < 0 || c.Intel.APITrust > 1 {
		return fmt.Errorf("intel trust levels must be within [0,1]")
	}
	if c.Rules == nil {
		c.Rules = DefaultRuleParams()
	}
	if err := c.Rules.Validate(); err != nil {
		return fmt.Errorf("invalid rule parameters: %w", err)
	}
	return nil
}

type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("%s: %w", key, err)
		}
		return
	}
	*dst = n
}

func (e *envReader) bool(key string, dst *bool) bool {
	v := e.getenv(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("%s: %w", key, err)
		}
		return false
	}
	*dst = b
	return true
}

func (e *envReader) list(key string, dst *[]string) {
	if v := e.getenv(key); v != "" {
		*dst = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
