package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/detection-orchestrator/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Registry     RegistryConfig     `yaml:"registry" mapstructure:"registry"`
	Engines      EnginesConfig      `yaml:"engines" mapstructure:"engines"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" mapstructure:"rate_limit"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// OrchestratorConfig tunes request fan-out, retries and circuit breaking.
type OrchestratorConfig struct {
	HistorySize      int           `yaml:"history_size" mapstructure:"history_size"`
	PredictTimeoutMs int           `yaml:"predict_timeout_ms" mapstructure:"predict_timeout_ms"`
	HealthTimeoutMs  int           `yaml:"health_timeout_ms" mapstructure:"health_timeout_ms"`
	DLQMaxRetries    int           `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
	Retry            RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit          CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// PredictTimeout returns the per-attempt prediction timeout.
func (c OrchestratorConfig) PredictTimeout() time.Duration {
	return time.Duration(c.PredictTimeoutMs) * time.Millisecond
}

// HealthTimeout returns the liveness probe timeout.
func (c OrchestratorConfig) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutMs) * time.Millisecond
}

// RetryConfig configures engine call retries.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMs    int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	JitterFraction float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-endpoint circuit breakers.
type CircuitConfig struct {
	FailureThreshold    int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	RecoveryTimeoutSecs int `yaml:"recovery_timeout_secs" mapstructure:"recovery_timeout_secs"`
	HalfOpenMaxAttempts int `yaml:"half_open_max_attempts" mapstructure:"half_open_max_attempts"`
}

// RegistryConfig points at the model registry seed file.
type RegistryConfig struct {
	SeedFile string `yaml:"seed_file" mapstructure:"seed_file"`
}

// EnginesConfig lists the endpoint base URLs serving each capability.
type EnginesConfig struct {
	Damage   []string `yaml:"damage" mapstructure:"damage"`
	Material []string `yaml:"material" mapstructure:"material"`
	Volume   []string `yaml:"volume" mapstructure:"volume"`
	Fake     bool     `yaml:"fake" mapstructure:"fake"`
	FakeSeed uint64   `yaml:"fake_seed" mapstructure:"fake_seed"`
}

// Endpoints returns the configured endpoints for a capability.
func (c EnginesConfig) Endpoints(capability model.CapabilityType) []string {
	switch capability {
	case model.CapabilityDamage:
		return c.Damage
	case model.CapabilityMaterial:
		return c.Material
	case model.CapabilityVolume:
		return c.Volume
	}
	return nil
}

// RateLimitConfig caps outgoing requests per engine endpoint.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	Enabled            bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs  int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	MinRequests        int     `yaml:"min_requests" mapstructure:"min_requests"`
	ErrorRateThreshold float64 `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	P95LatencyMs       float64 `yaml:"p95_latency_ms" mapstructure:"p95_latency_ms"`
	DLQDepthThreshold  int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	WebhookURL         string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DETECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("orchestrator.history_size", 1000)
	v.SetDefault("orchestrator.predict_timeout_ms", 5000)
	v.SetDefault("orchestrator.health_timeout_ms", 2000)
	v.SetDefault("orchestrator.dlq_max_retries", 3)
	v.SetDefault("orchestrator.retry.max_attempts", 3)
	v.SetDefault("orchestrator.retry.base_delay_ms", 1000)
	v.SetDefault("orchestrator.retry.max_delay_ms", 30000)
	v.SetDefault("orchestrator.retry.jitter_fraction", 0.3)
	v.SetDefault("orchestrator.circuit.failure_threshold", 5)
	v.SetDefault("orchestrator.circuit.recovery_timeout_secs", 60)
	v.SetDefault("orchestrator.circuit.half_open_max_attempts", 3)
	v.SetDefault("engines.damage", []string{})
	v.SetDefault("engines.material", []string{})
	v.SetDefault("engines.volume", []string{})
	v.SetDefault("engines.fake", false)
	v.SetDefault("engines.fake_seed", 42)
	v.SetDefault("registry.seed_file", "")
	v.SetDefault("store.database_url", "")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("rate_limit.requests_per_second", 0)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("monitoring.check_interval_secs", 60)
	v.SetDefault("monitoring.min_requests", 10)
	v.SetDefault("monitoring.error_rate_threshold", 0.2)
	v.SetDefault("monitoring.p95_latency_ms", 4000)
	v.SetDefault("monitoring.dlq_depth_threshold", 100)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: "serve",
// "detect", "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateEngines()...)
		errs = append(errs, c.validateMonitoring()...)
	case "detect":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateEngines()...)
	case "migrate":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Orchestrator.HistorySize < 0 {
		errs = append(errs, "orchestrator.history_size must be >= 0")
	}
	if f := c.Orchestrator.Retry.JitterFraction; f < 0 || f > 1 {
		errs = append(errs, "orchestrator.retry.jitter_fraction must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres", "":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required (sqlite file path)")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	return errs
}

func (c *Config) validateEngines() []string {
	if c.Engines.Fake {
		return nil
	}
	for _, capability := range model.Capabilities {
		if len(c.Engines.Endpoints(capability)) > 0 {
			return nil
		}
	}
	return []string{"engines: at least one endpoint is required unless engines.fake is set"}
}

func (c *Config) validateMonitoring() []string {
	if !c.Monitoring.Enabled {
		return nil
	}
	var errs []string
	if t := c.Monitoring.ErrorRateThreshold; t <= 0 || t > 1 {
		errs = append(errs, "monitoring.error_rate_threshold must be in (0, 1]")
	}
	if c.Monitoring.P95LatencyMs < 0 {
		errs = append(errs, "monitoring.p95_latency_ms must be >= 0")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
