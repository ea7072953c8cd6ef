package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EngineKind names an engine variant.
type EngineKind string

const (
	EngineStateful  EngineKind = "stateful"
	EngineStateless EngineKind = "stateless"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Engine    EngineConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// EngineConfig holds engine selection and runtime settings
type EngineConfig struct {
	Default              EngineKind    // ENGINE_DEFAULT
	StatelessEnabled     bool          // STATELESS_ENABLED
	StatelessMaxDuration time.Duration // STATELESS_MAX_DURATION_HINT
	OverrideAllowed      bool          // OVERRIDE_ALLOWED
	LeaseDefaultTTL      time.Duration // LEASE_DEFAULT_TTL_MS
	CaseDeadlineDefault  time.Duration // CASE_DEADLINE_DEFAULT_MS (0 = unlimited)
	MaxAttemptsDefault   int
	SpecCacheSize        int
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings for the event stream
type RedisConfig struct {
	Enabled bool
	Addr    string
	DB      int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Engine: EngineConfig{
			Default:              EngineKind(getEnv("ENGINE_DEFAULT", "stateful")),
			StatelessEnabled:     getEnvBool("STATELESS_ENABLED", true),
			StatelessMaxDuration: getEnvISODuration("STATELESS_MAX_DURATION_HINT", 5*time.Minute),
			OverrideAllowed:      getEnvBool("OVERRIDE_ALLOWED", true),
			LeaseDefaultTTL:      getEnvMillis("LEASE_DEFAULT_TTL_MS", 30*time.Second),
			CaseDeadlineDefault:  getEnvMillis("CASE_DEADLINE_DEFAULT_MS", 0),
			MaxAttemptsDefault:   getEnvInt("MAX_ATTEMPTS_DEFAULT", 3),
			SpecCacheSize:        getEnvInt("SPEC_CACHE_SIZE", 128),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "yawl"),
			User:        getEnv("POSTGRES_USER", "yawl"),
			Password:    getEnv("POSTGRES_PASSWORD", "yawl"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Enabled: getEnvBool("REDIS_ENABLED", false),
			Addr:    getEnv("REDIS_ADDR", "localhost:6379"),
			DB:      getEnvInt("REDIS_DB", 0),
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Engine.Default != EngineStateful && c.Engine.Default != EngineStateless {
		return fmt.Errorf("ENGINE_DEFAULT must be stateful or stateless, got %q", c.Engine.Default)
	}

	if c.Engine.Default == EngineStateless && !c.Engine.StatelessEnabled {
		return fmt.Errorf("ENGINE_DEFAULT is stateless but STATELESS_ENABLED is false")
	}

	if c.Engine.LeaseDefaultTTL <= 0 {
		return fmt.Errorf("LEASE_DEFAULT_TTL_MS must be positive")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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

// getEnvMillis reads an integer millisecond value
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// getEnvISODuration reads an ISO8601 duration (PT5M, PT1H30M, P1D)
func getEnvISODuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := ParseISODuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// ParseISODuration parses a restricted ISO8601 duration of the form
// P[nD]T[nH][nM][nS]. Months and years are rejected.
func ParseISODuration(s string) (time.Duration, error) {
	if len(s) == 0 || s[0] != 'P' {
		return 0, fmt.Errorf("invalid ISO8601 duration: %q", s)
	}

	var total time.Duration
	num := ""
	inTime := false
	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'T':
			inTime = true
		default:
			if num == "" {
				return 0, fmt.Errorf("invalid ISO8601 duration: %q", s)
			}
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("invalid ISO8601 duration: %q", s)
			}
			num = ""
			switch {
			case r == 'D' && !inTime:
				total += time.Duration(n) * 24 * time.Hour
			case r == 'H' && inTime:
				total += time.Duration(n) * time.Hour
			case r == 'M' && inTime:
				total += time.Duration(n) * time.Minute
			case r == 'S' && inTime:
				total += time.Duration(n) * time.Second
			default:
				return 0, fmt.Errorf("unsupported ISO8601 designator %q in %q", string(r), s)
			}
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid ISO8601 duration: %q", s)
	}
	return total, nil
}
