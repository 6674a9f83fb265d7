package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Service ServiceConfig `yaml:"service"`
	NATS    NATSConfig    `yaml:"nats"`
	Cache   CacheConfig   `yaml:"cache"`
	Auth    AuthConfig    `yaml:"auth"`
	CORS    CORSConfig    `yaml:"cors"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServiceConfig holds service-level configuration
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Port    int    `yaml:"port"`
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	Embedded           bool   `yaml:"embedded"`
	ServerURL          string `yaml:"server_url"`
	DataDir            string `yaml:"data_dir"`
	JetStreamMaxMemory int64  `yaml:"jetstream_max_memory"`
	JetStreamMaxStore  int64  `yaml:"jetstream_max_store"`
	KVBucket           string `yaml:"kv_bucket"`
	KVHistory          int    `yaml:"kv_history"`
	StartTimeout       string `yaml:"start_timeout"`
}

// CacheConfig holds configuration for both the value cache and the change
// cache that guards it
type CacheConfig struct {
	MaxItems    int   `yaml:"max_items"`    // Value cache: converted to MaxCost when MaxCost is 0
	MaxCost     int64 `yaml:"max_cost"`     // Ristretto: Maximum memory cost in bytes
	NumCounters int64 `yaml:"num_counters"` // Ristretto: Number of counters for TinyLFU
	BufferItems int64 `yaml:"buffer_items"` // Ristretto: Buffer size for async operations
	Metrics     bool  `yaml:"metrics"`      // Ristretto: Enable cache metrics

	ChangeLabel    string  `yaml:"change_label"`     // Diagnostic name of the change cache
	ChangeBaseSize int     `yaml:"change_base_size"` // Change cache entities before scaling
	SizeFactor     float64 `yaml:"size_factor"`      // Multiplier applied to every base size
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
	JWTTTL    string `yaml:"jwt_ttl"`
}

// CORSConfig controls cross-origin access to the HTTP API. An origin of "*"
// allows any origin unless credentials are allowed.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with defaults. If
// CONFIG_FILE is set, that YAML file is applied on top.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile loads configuration from the environment and then overlays the
// YAML file at path, if path is not empty.
func LoadFile(path string) (*Config, error) {
	config := fromEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Annotatef(err, "reading config file %q", path)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.Annotatef(err, "parsing config file %q", path)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return config, nil
}

func fromEnv() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:    getEnvOrDefault("SERVICE_NAME", "changecache-service"),
			Version: getEnvOrDefault("SERVICE_VERSION", "v1"),
			Port:    getEnvIntOrDefault("SERVICE_PORT", 8080),
		},
		NATS: NATSConfig{
			Embedded:           getEnvBoolOrDefault("NATS_EMBEDDED", true),
			ServerURL:          getEnvOrDefault("NATS_SERVER_URL", ""),
			DataDir:            getEnvOrDefault("NATS_DATA_DIR", "./nats-data"),
			JetStreamMaxMemory: getEnvInt64OrDefault("NATS_JETSTREAM_MAX_MEMORY", 64*1024*1024),  // 64MB
			JetStreamMaxStore:  getEnvInt64OrDefault("NATS_JETSTREAM_MAX_STORE", 1024*1024*1024), // 1GB
			KVBucket:           getEnvOrDefault("NATS_KV_BUCKET", "entities"),
			KVHistory:          getEnvIntOrDefault("NATS_KV_HISTORY", 1),
			StartTimeout:       getEnvOrDefault("NATS_START_TIMEOUT", "30s"),
		},
		Cache: CacheConfig{
			MaxItems:       getEnvIntOrDefault("CACHE_MAX_ITEMS", 10000),
			MaxCost:        getEnvInt64OrDefault("CACHE_MAX_COST", 0),
			NumCounters:    getEnvInt64OrDefault("CACHE_NUM_COUNTERS", 100000),
			BufferItems:    getEnvInt64OrDefault("CACHE_BUFFER_ITEMS", 64),
			Metrics:        getEnvBoolOrDefault("CACHE_METRICS", true),
			ChangeLabel:    getEnvOrDefault("CHANGE_CACHE_LABEL", "entities"),
			ChangeBaseSize: getEnvIntOrDefault("CHANGE_CACHE_BASE_SIZE", 10000),
			SizeFactor:     getEnvFloatOrDefault("CACHE_SIZE_FACTOR", 1.0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnvOrDefault("JWT_SECRET", ""),
			JWTIssuer: getEnvOrDefault("JWT_ISSUER", "changecache-service"),
			JWTTTL:    getEnvOrDefault("JWT_TTL", "24h"),
		},
		CORS: CORSConfig{
			Enabled:          getEnvBoolOrDefault("CORS_ENABLED", true),
			AllowedOrigins:   getEnvListOrDefault("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods:   getEnvListOrDefault("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
			AllowedHeaders:   getEnvListOrDefault("CORS_ALLOWED_HEADERS", "Authorization,Content-Type"),
			AllowCredentials: getEnvBoolOrDefault("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           getEnvIntOrDefault("CORS_MAX_AGE", 600),
		},
		Logging: LoggingConfig{
			Level: getEnvOrDefault("LOG_LEVEL", "info"),
		},
	}
}

// Validate checks the fields the service cannot start without
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.NotValidf("empty JWT_SECRET")
	}
	if c.Cache.SizeFactor <= 0 {
		return errors.NotValidf("cache size factor %v", c.Cache.SizeFactor)
	}
	if c.Cache.ChangeBaseSize <= 0 {
		return errors.NotValidf("change cache base size %d", c.Cache.ChangeBaseSize)
	}
	if c.NATS.KVHistory < 0 || c.NATS.KVHistory > 64 {
		return errors.NotValidf("kv history %d", c.NATS.KVHistory)
	}
	if _, err := c.Auth.GetJWTTTL(); err != nil {
		return errors.NewNotValid(err, "jwt ttl")
	}
	return nil
}

// ChangeCacheCapacity returns the change cache capacity after scaling
func (c *CacheConfig) ChangeCacheCapacity() int {
	return scale(c.ChangeBaseSize, c.SizeFactor)
}

// ValueCacheItems returns the value cache size in items after scaling
func (c *CacheConfig) ValueCacheItems() int {
	return scale(c.MaxItems, c.SizeFactor)
}

func scale(base int, factor float64) int {
	n := int(float64(base) * factor)
	if n < 1 {
		return 1
	}
	return n
}

// GetStartTimeout returns the embedded server start timeout as duration
func (c *NATSConfig) GetStartTimeout() (time.Duration, error) {
	return time.ParseDuration(c.StartTimeout)
}

// GetJWTTTL returns JWT TTL as duration
func (c *AuthConfig) GetJWTTTL() (time.Duration, error) {
	return time.ParseDuration(c.JWTTTL)
}

// Apply configures the process loggers. Level is either a bare level such as
// "debug" or a full loggo specification like "<root>=INFO;changecache.nats=DEBUG".
func (c *LoggingConfig) Apply() error {
	spec := c.Level
	if spec == "" {
		spec = "info"
	}
	if !strings.Contains(spec, "=") {
		level, ok := loggo.ParseLevel(spec)
		if !ok {
			return errors.NotValidf("log level %q", spec)
		}
		spec = "<root>=" + level.String()
	}
	return errors.Trace(loggo.ConfigureLoggers(spec))
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvListOrDefault(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnvOrDefault(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
