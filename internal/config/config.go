// Package config loads service configuration from JANUS_* environment
// variables with sane defaults. Bypass rules and the policy source are
// resolved once here at startup; nothing reads ambient environment
// state at request time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Gateway       GatewayConfig
	Control       ControlConfig
	Limiter       LimiterConfig
	Redis         RedisConfig
	Etcd          EtcdConfig
	Bypass        BypassConfig
	Observability ObservabilityConfig
}

type GatewayConfig struct {
	Address         string
	GRPCAddress     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type ControlConfig struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type LimiterConfig struct {
	// Backend selects the counter store: "memory" or "redis".
	Backend string
	// FailureMode is "fail_open" or "fail_closed".
	FailureMode string
	// StoreTimeout bounds each atomic counter operation.
	StoreTimeout time.Duration
	// PolicySource is "file" or "etcd".
	PolicySource string
	// PolicyFile is the YAML policy table path when PolicySource is "file".
	PolicyFile string
	// SweepInterval is the memory store's eviction cadence.
	SweepInterval time.Duration
}

type RedisConfig struct {
	Address      string
	Password     string
	Database     int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
}

type BypassConfig struct {
	// Enforce disables limiting wholesale when false, for development
	// and test environments.
	Enforce bool
	// Allowlist is the set of source addresses never limited.
	Allowlist []string
	// MonitoringAgents are User-Agent substrings of known health
	// checkers and uptime monitors that skip limiting.
	MonitoringAgents []string
}

type ObservabilityConfig struct {
	MetricsEnabled bool
	TracingEnabled bool
	JaegerEndpoint string
	ServiceName    string
	ServiceVersion string
	LogLevel       string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Address:         getEnv("JANUS_GATEWAY_ADDRESS", ":8080"),
			GRPCAddress:     getEnv("JANUS_GATEWAY_GRPC_ADDRESS", ":9080"),
			ReadTimeout:     getEnvDuration("JANUS_GATEWAY_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("JANUS_GATEWAY_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("JANUS_GATEWAY_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Control: ControlConfig{
			Address:         getEnv("JANUS_CONTROL_ADDRESS", ":8081"),
			ReadTimeout:     getEnvDuration("JANUS_CONTROL_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("JANUS_CONTROL_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("JANUS_CONTROL_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Limiter: LimiterConfig{
			Backend:       getEnv("JANUS_LIMITER_BACKEND", "memory"),
			FailureMode:   getEnv("JANUS_LIMITER_FAILURE_MODE", "fail_closed"),
			StoreTimeout:  getEnvDuration("JANUS_LIMITER_STORE_TIMEOUT", 500*time.Millisecond),
			PolicySource:  getEnv("JANUS_POLICY_SOURCE", "file"),
			PolicyFile:    getEnv("JANUS_POLICY_FILE", "policies.yaml"),
			SweepInterval: getEnvDuration("JANUS_LIMITER_SWEEP_INTERVAL", time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnv("JANUS_REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnv("JANUS_REDIS_PASSWORD", ""),
			Database:     getEnvInt("JANUS_REDIS_DATABASE", 0),
			PoolSize:     getEnvInt("JANUS_REDIS_POOL_SIZE", 100),
			MinIdleConns: getEnvInt("JANUS_REDIS_MIN_IDLE_CONNS", 10),
			MaxRetries:   getEnvInt("JANUS_REDIS_MAX_RETRIES", 3),
			DialTimeout:  getEnvDuration("JANUS_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("JANUS_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("JANUS_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Etcd: EtcdConfig{
			Endpoints:   getEnvList("JANUS_ETCD_ENDPOINTS", []string{"localhost:2379"}),
			DialTimeout: getEnvDuration("JANUS_ETCD_DIAL_TIMEOUT", 5*time.Second),
			Username:    getEnv("JANUS_ETCD_USERNAME", ""),
			Password:    getEnv("JANUS_ETCD_PASSWORD", ""),
		},
		Bypass: BypassConfig{
			Enforce:   getEnvBool("JANUS_ENFORCE", true),
			Allowlist: getEnvList("JANUS_BYPASS_ALLOWLIST", nil),
			MonitoringAgents: getEnvList("JANUS_BYPASS_AGENTS", []string{
				"Pingdom", "UptimeRobot", "StatusCake", "kube-probe",
			}),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getEnvBool("JANUS_METRICS_ENABLED", true),
			TracingEnabled: getEnvBool("JANUS_TRACING_ENABLED", false),
			JaegerEndpoint: getEnv("JANUS_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			ServiceName:    getEnv("JANUS_SERVICE_NAME", "janus-gateway"),
			ServiceVersion: getEnv("JANUS_SERVICE_VERSION", "dev"),
			LogLevel:       getEnv("JANUS_LOG_LEVEL", "info"),
		},
	}
}

// Validate rejects configurations that must fail at startup rather than
// at request time.
func (c *Config) Validate() error {
	switch c.Limiter.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid limiter backend %q", c.Limiter.Backend)
	}
	switch c.Limiter.FailureMode {
	case "fail_open", "fail_closed":
	default:
		return fmt.Errorf("invalid failure mode %q", c.Limiter.FailureMode)
	}
	switch c.Limiter.PolicySource {
	case "file", "etcd":
	default:
		return fmt.Errorf("invalid policy source %q", c.Limiter.PolicySource)
	}
	if c.Limiter.PolicySource == "file" && c.Limiter.PolicyFile == "" {
		return fmt.Errorf("policy source is file but no policy file configured")
	}
	if c.Limiter.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %s", c.Limiter.StoreTimeout)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
