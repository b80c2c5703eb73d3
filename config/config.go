// Package config loads the orchestration core's configuration: defaults,
// overlaid by an optional YAML file, overlaid by environment variables
// tagged on each field.
//
// Grounded on config/loader.go (Loader builder,
// default-then-file-then-env precedence, reflection-based setFieldsFromEnv
// walking nested structs by `env` tag).
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub015/types"
)

// Config is the orchestration core's full runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	KeyPool   KeyPoolConfig   `yaml:"keypool" env:"KEYPOOL"`
	Breaker   BreakerConfig   `yaml:"breaker" env:"BREAKER"`
	Scaling   ScalingConfig   `yaml:"scaling" env:"SCALING"`
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Agent     AgentConfig     `yaml:"agent" env:"-"`
}

// ServerConfig holds listener and shutdown settings. They are loaded and
// validated, but orchestratord binds no HTTP listener and reads none of
// them.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RedisConfig configures the shared Redis connection backing the breaker
// manager's persisted state, the durable task stream, the response cache,
// and conductor loop detection.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// KeyPoolConfig configures API key rotation and quarantine.
type KeyPoolConfig struct {
	Strategy                string        `yaml:"strategy" env:"STRATEGY"`
	ConsecutiveToQuarantine int           `yaml:"consecutive_to_quarantine" env:"CONSECUTIVE_TO_QUARANTINE"`
	QuarantineCooldown      time.Duration `yaml:"quarantine_cooldown" env:"QUARANTINE_COOLDOWN"`
}

// BreakerConfig configures the adaptive circuit breaker defaults shared
// across providers before per-provider adaptation kicks in.
type BreakerConfig struct {
	BaseThreshold int           `yaml:"base_threshold" env:"BASE_THRESHOLD"`
	BaseTimeout   time.Duration `yaml:"base_timeout" env:"BASE_TIMEOUT"`
}

// ScalingConfig mirrors types.ScalingConfig for env/YAML overlay before
// being converted at startup.
type ScalingConfig struct {
	MinWorkers         int           `yaml:"min_workers" env:"MIN_WORKERS"`
	MaxWorkers         int           `yaml:"max_workers" env:"MAX_WORKERS"`
	TargetQueueDepth   int           `yaml:"target_queue_depth" env:"TARGET_QUEUE_DEPTH"`
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold" env:"SCALE_UP_THRESHOLD"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold" env:"SCALE_DOWN_THRESHOLD"`
	CPUThreshold       float64       `yaml:"cpu_threshold" env:"CPU_THRESHOLD"`
	MemoryThreshold    float64       `yaml:"memory_threshold" env:"MEMORY_THRESHOLD"`
	ScaleUpCooldown    time.Duration `yaml:"scale_up_cooldown" env:"SCALE_UP_COOLDOWN"`
	ScaleDownCooldown  time.Duration `yaml:"scale_down_cooldown" env:"SCALE_DOWN_COOLDOWN"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`
}

// ToTypes converts the overlaid config into types.ScalingConfig for the
// scaler package.
func (s ScalingConfig) ToTypes() types.ScalingConfig {
	return types.ScalingConfig{
		MinWorkers:         s.MinWorkers,
		MaxWorkers:         s.MaxWorkers,
		TargetQueueDepth:   s.TargetQueueDepth,
		ScaleUpThreshold:   s.ScaleUpThreshold,
		ScaleDownThreshold: s.ScaleDownThreshold,
		CPUThreshold:       s.CPUThreshold,
		MemoryThreshold:    s.MemoryThreshold,
		ScaleUpCooldown:    s.ScaleUpCooldown,
		ScaleDownCooldown:  s.ScaleDownCooldown,
		HeartbeatTimeout:   s.HeartbeatTimeout,
	}
}

// ProvidersConfig configures the outbound HTTP clients for each vendor.
type ProvidersConfig struct {
	DeepSeek   ProviderEndpoint `yaml:"deepseek" env:"DEEPSEEK"`
	Perplexity ProviderEndpoint `yaml:"perplexity" env:"PERPLEXITY"`
}

// ProviderEndpoint is the per-vendor base URL/model/timeout triple.
type ProviderEndpoint struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LogConfig configures the zap logger construction.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// AgentConfig holds the agent-routing options read directly from the
// exact, unprefixed environment variable names
// original_source/backend/agents/base_config.py's AgentSettings
// recognizes (Pydantic env_prefix ""), rather than through the
// ORCHESTRATOR_-prefixed reflection overlay every other section uses:
// these are operator-facing switches documented independently of this
// process's internal config namespace.
type AgentConfig struct {
	ToolCallBudget      int    `yaml:"tool_call_budget" env:"-"`
	ForceDirectAgentAPI bool   `yaml:"force_direct_agent_api" env:"-"`
	TimeoutSeconds      int    `yaml:"agent_timeout_seconds" env:"-"`
	MemoryBackend       string `yaml:"agent_memory_backend" env:"-"`
}

// DefaultConfig returns the configuration baseline before any file or
// environment overlay is applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		KeyPool: KeyPoolConfig{
			Strategy:                "round_robin",
			ConsecutiveToQuarantine: 3,
			QuarantineCooldown:      5 * time.Minute,
		},
		Breaker: BreakerConfig{
			BaseThreshold: 5,
			BaseTimeout:   30 * time.Second,
		},
		Scaling: ScalingConfig{
			MinWorkers:         1,
			MaxWorkers:         10,
			TargetQueueDepth:   100,
			ScaleUpThreshold:   0.8,
			ScaleDownThreshold: 0.3,
			CPUThreshold:       80.0,
			MemoryThreshold:    85.0,
			ScaleUpCooldown:    60 * time.Second,
			ScaleDownCooldown:  300 * time.Second,
			HeartbeatTimeout:   30 * time.Second,
		},
		Providers: ProvidersConfig{
			DeepSeek:   ProviderEndpoint{BaseURL: "https://api.deepseek.com", Model: "deepseek-chat", Timeout: 60 * time.Second},
			Perplexity: ProviderEndpoint{BaseURL: "https://api.perplexity.ai", Model: "sonar", Timeout: 60 * time.Second},
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Agent: AgentConfig{
			ToolCallBudget:      10,
			ForceDirectAgentAPI: true,
			TimeoutSeconds:      300,
			MemoryBackend:       "sqlite",
		},
	}
}

// Loader loads Config from defaults, an optional YAML file, then
// environment variables, in that precedence order.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

func NewLoader() *Loader {
	return &Loader{envPrefix: "ORCHESTRATOR", validators: make([]func(*Config) error, 0)}
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

func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	loadAgentEnvOptions(&cfg.Agent)

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
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
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
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
			return fmt.Errorf("failed to set %s: %w", envKey, err)
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

// loadAgentEnvOptions overlays cfg with the exact, unprefixed environment
// variable names spec'd for agent routing
// (TOOL_CALL_BUDGET, FORCE_DIRECT_AGENT_API, AGENT_TIMEOUT_SECONDS,
// AGENT_MEMORY_BACKEND), matching base_config.py's AgentSettings
// (env_prefix ""). Unset or unparsable values leave the existing default
// in place rather than failing config load.
func loadAgentEnvOptions(cfg *AgentConfig) {
	if v, ok := os.LookupEnv("TOOL_CALL_BUDGET"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ToolCallBudget = n
		}
	}
	if v, ok := os.LookupEnv("FORCE_DIRECT_AGENT_API"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ForceDirectAgentAPI = b
		}
	}
	if v, ok := os.LookupEnv("AGENT_TIMEOUT_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutSeconds = n
		}
	}
	if v, ok := os.LookupEnv("AGENT_MEMORY_BACKEND"); ok && v != "" {
		cfg.MemoryBackend = v
	}
}

// BreakerOverride reads the per-name threshold/timeout overrides
// (CB_<NAME>_THRESHOLD, CB_<NAME>_TIMEOUT) that
// circuit_breaker_manager.py reads via
// os.getenv(f"CB_{name.upper()}_THRESHOLD") / "..._TIMEOUT", the latter an
// integer count of seconds there, carried over verbatim here. name is
// upper-cased before lookup, so callers pass it exactly as they use it
// internally (e.g. "deepseek").
func BreakerOverride(name string) (threshold int, hasThreshold bool, timeout time.Duration, hasTimeout bool) {
	upper := strings.ToUpper(name)
	if v, ok := os.LookupEnv("CB_" + upper + "_THRESHOLD"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			threshold, hasThreshold = n, true
		}
	}
	if v, ok := os.LookupEnv("CB_" + upper + "_TIMEOUT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			timeout, hasTimeout = time.Duration(n)*time.Second, true
		}
	}
	return threshold, hasThreshold, timeout, hasTimeout
}

// Validate checks the minimal invariants the orchestration core needs to
// start safely.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		problems = append(problems, "invalid HTTP port")
	}
	if c.Scaling.MinWorkers <= 0 || c.Scaling.MinWorkers > c.Scaling.MaxWorkers {
		problems = append(problems, "min_workers must be positive and <= max_workers")
	}
	if c.Redis.Addr == "" {
		problems = append(problems, "redis addr must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(problems, "; "))
	}
	return nil
}
