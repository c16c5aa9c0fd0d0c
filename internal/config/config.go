// Package config loads gateway configuration from YAML with environment
// variable overrides, in three layers: defaults, file, then env.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's full runtime configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" env:"SERVER"`
	Queue    QueueConfig    `yaml:"queue" env:"QUEUE"`
	Pool     PoolConfig     `yaml:"pool" env:"POOL"`
	Cache    CacheConfig    `yaml:"cache" env:"CACHE"`
	Breaker  BreakerConfig  `yaml:"breaker" env:"BREAKER"`
	Batch    BatchConfig    `yaml:"batch" env:"BATCH"`
	Memory   MemoryConfig   `yaml:"memory" env:"MEMORY"`
	Flags    FlagsConfig    `yaml:"flags" env:"FLAGS"`
	Redis    RedisConfig    `yaml:"redis" env:"REDIS"`
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	Log      LogConfig      `yaml:"log" env:"LOG"`

	Anthropic ProviderConfig `yaml:"anthropic" env:"ANTHROPIC"`
	Gemini    ProviderConfig `yaml:"gemini" env:"GEMINI"`
	OpenAI    ProviderConfig `yaml:"openai" env:"OPENAI"`

	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// TelemetryConfig configures optional OpenTelemetry trace/metric export.
// Disabled by default; no exporters are created unless Enabled is true.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// ServerConfig configures the gateway's HTTP front-end.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	APIKey          string        `yaml:"api_key" env:"API_KEY"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	JWT             JWTConfig     `yaml:"jwt" env:"JWT"`
}

// JWTConfig configures the optional bearer-token auth mode that runs
// alongside the shared-secret X-API-Key check. Auth is disabled unless
// Secret or PublicKey is set.
type JWTConfig struct {
	Secret    string `yaml:"secret" env:"SECRET"`         // HS256 shared secret
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"` // RS256 PEM public key
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
}

// Enabled reports whether JWT auth is configured at all.
func (c JWTConfig) Enabled() bool { return c.Secret != "" || c.PublicKey != "" }

// QueueConfig configures the priority queue.
type QueueConfig struct {
	Levels       int `yaml:"levels" env:"LEVELS"`
	CapacityPerLevel int `yaml:"capacity_per_level" env:"CAPACITY_PER_LEVEL"`
}

// PoolConfig configures the worker pool and per-provider connection pool.
type PoolConfig struct {
	Workers           int           `yaml:"workers" env:"WORKERS"`
	MaxPerProvider    int           `yaml:"max_per_provider" env:"MAX_PER_PROVIDER"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout" env:"ACQUIRE_TIMEOUT"`
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	MemoryWorkers     int           `yaml:"memory_workers" env:"MEMORY_WORKERS"`
}

// CacheConfig configures the response cache's per-partition defaults.
type CacheConfig struct {
	DefaultMaxEntries int           `yaml:"default_max_entries" env:"DEFAULT_MAX_ENTRIES"`
	DefaultTTL        time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	RedisEnabled      bool          `yaml:"redis_enabled" env:"REDIS_ENABLED"`
}

// BreakerConfig configures circuit breaker thresholds.
type BreakerConfig struct {
	Threshold        int           `yaml:"threshold" env:"THRESHOLD"`
	Cooldown         time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" env:"HALF_OPEN_MAX_CALLS"`
}

// BatchConfig configures the batch submission path.
type BatchConfig struct {
	MaxSize int           `yaml:"max_size" env:"MAX_SIZE"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// MemoryConfig configures the memory store and dedup horizon.
type MemoryConfig struct {
	Backend         string        `yaml:"backend" env:"BACKEND"` // inmem, sql, mongo
	DedupHorizon    time.Duration `yaml:"dedup_horizon" env:"DEDUP_HORIZON"`
	DedupMaxCandidates int        `yaml:"dedup_max_candidates" env:"DEDUP_MAX_CANDIDATES"`
	MaxAtomicFacts  int           `yaml:"max_atomic_facts" env:"MAX_ATOMIC_FACTS"`
}

// FlagsConfig configures rollout percentages for the five feature flags.
type FlagsConfig struct {
	AdvancedMemoryPercent   int `yaml:"advanced_memory_percent" env:"ADVANCED_MEMORY_PERCENT"`
	RealtimeDedupPercent    int `yaml:"realtime_dedup_percent" env:"REALTIME_DEDUP_PERCENT"`
	EnhancedPromptsPercent  int `yaml:"enhanced_prompts_percent" env:"ENHANCED_PROMPTS_PERCENT"`
	BatchProcessingPercent  int `yaml:"batch_processing_percent" env:"BATCH_PROCESSING_PERCENT"`
	CircuitBreakersPercent  int `yaml:"circuit_breakers_percent" env:"CIRCUIT_BREAKERS_PERCENT"`
}

// RedisConfig holds Redis connection settings. No component reads it: the
// cache and the dedup manager are in-process only.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// DatabaseConfig configures the SQL memory-store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"` // postgres, mysql, sqlite
	DSN    string `yaml:"dsn" env:"DSN"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// ProviderConfig configures a single upstream AI provider adapter.
type ProviderConfig struct {
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DefaultConfig returns the gateway's baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8090",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 20 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Queue: QueueConfig{
			Levels:           5,
			CapacityPerLevel: 200,
		},
		Pool: PoolConfig{
			Workers:        8,
			MaxPerProvider: 16,
			AcquireTimeout: 5 * time.Second,
			MaxRetries:     3,
			MemoryWorkers:  2,
		},
		Cache: CacheConfig{
			DefaultMaxEntries: 1000,
			DefaultTTL:        5 * time.Minute,
		},
		Breaker: BreakerConfig{
			Threshold:        5,
			Cooldown:         60 * time.Second,
			HalfOpenMaxCalls: 1,
		},
		Batch: BatchConfig{
			MaxSize: 50,
			Timeout: 30 * time.Second,
		},
		Memory: MemoryConfig{
			Backend:            "inmem",
			DedupHorizon:       48 * time.Hour,
			DedupMaxCandidates: 20,
			MaxAtomicFacts:     5,
		},
		Flags: FlagsConfig{
			AdvancedMemoryPercent:  100,
			RealtimeDedupPercent:   100,
			EnhancedPromptsPercent: 100,
			BatchProcessingPercent: 100,
			CircuitBreakersPercent: 100,
		},
		Log: LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			ServiceName: "wellness-gateway",
			SampleRate:  0.1,
		},
	}
}

// Loader loads a Config via the builder pattern: defaults, then an optional
// YAML file, then environment variable overrides, then validators.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a Loader with the default "GATEWAY" env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "GATEWAY"}
}

func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the final Config.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("load config env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	prefix := l.envPrefix
	if prefix == "" {
		prefix = "GATEWAY"
	}
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), prefix)
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads config from path, panicking on error. Intended for
// cmd/gateway's main, where a config error is a startup failure anyway.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks cross-field invariants not expressible via tags alone.
func (c *Config) Validate() error {
	if c.Pool.Workers <= 0 {
		return fmt.Errorf("pool.workers must be > 0")
	}
	if c.Queue.Levels <= 0 {
		return fmt.Errorf("queue.levels must be > 0")
	}
	for name, pct := range map[string]int{
		"advanced_memory":   c.Flags.AdvancedMemoryPercent,
		"realtime_dedup":    c.Flags.RealtimeDedupPercent,
		"enhanced_prompts":  c.Flags.EnhancedPromptsPercent,
		"batch_processing":  c.Flags.BatchProcessingPercent,
		"circuit_breakers":  c.Flags.CircuitBreakersPercent,
	} {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("flags.%s_percent must be in [0,100], got %d", name, pct)
		}
	}
	return nil
}
