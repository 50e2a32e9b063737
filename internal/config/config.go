package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/tumor-intake/pkg/messaging/redis"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	PredictionAPI PredictionAPIConfig `mapstructure:"prediction_api"`
	Session       SessionConfig       `mapstructure:"session"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Audit         AuditConfig         `mapstructure:"audit"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Security      SecurityConfig      `mapstructure:"security"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	Log           LogConfig           `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes"`
}

type PredictionAPIConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	Timeout            time.Duration `mapstructure:"timeout"`
	StrictContract     bool          `mapstructure:"strict_contract"`
	BreakerEnabled     bool          `mapstructure:"breaker_enabled"`
	BreakerMaxFailures int           `mapstructure:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

type SessionConfig struct {
	Secret          string        `mapstructure:"secret"`
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	CookieName      string        `mapstructure:"cookie_name"`
	Secure          bool          `mapstructure:"secure"`
}

// DatabaseConfig is optional; audit persistence is off when Host is empty.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (c DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// DSN returns a lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// RedisConfig is optional; event publishing is off when URL is empty.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

func (c *RedisConfig) ToBrokerConfig() redis.Config {
	return redis.Config{
		URL:          c.URL,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
}

type AuditConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	PseudonymKey    string        `mapstructure:"pseudonym_key"`
	Channel         string        `mapstructure:"channel"`
	RetentionDays   int           `mapstructure:"retention_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `mapstructure:"prometheus_enabled"`
	MetricsPath       string `mapstructure:"metrics_path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// envOverrides are the deployment variables that take precedence over everything else.
type envOverrides struct {
	PredictionAPIURL string `envconfig:"PREDICTION_API_URL"`
	SessionSecret    string `envconfig:"SESSION_SECRET"`
	DBHost           string `envconfig:"DB_HOST"`
	DBPort           int    `envconfig:"DB_PORT"`
	DBUser           string `envconfig:"DB_USER"`
	DBPassword       string `envconfig:"DB_PASSWORD"`
	DBName           string `envconfig:"DB_NAME"`
	RedisURL         string `envconfig:"REDIS_URL"`
	LogLevel         string `envconfig:"LOG_LEVEL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 45*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_header_bytes", 1<<20)

	v.SetDefault("prediction_api.base_url", "http://127.0.0.1:8000/api")
	v.SetDefault("prediction_api.timeout", 30*time.Second)
	v.SetDefault("prediction_api.strict_contract", false)
	v.SetDefault("prediction_api.breaker_enabled", false)
	v.SetDefault("prediction_api.breaker_max_failures", 5)
	v.SetDefault("prediction_api.breaker_open_timeout", 30*time.Second)

	v.SetDefault("session.secret", "")
	v.SetDefault("session.ttl", 2*time.Hour)
	v.SetDefault("session.cleanup_interval", 10*time.Minute)
	v.SetDefault("session.cookie_name", "intake_session")
	v.SetDefault("session.secure", false)

	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "tumor_intake")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.pseudonym_key", "")
	v.SetDefault("audit.channel", "intake.events")
	v.SetDefault("audit.retention_days", 90)
	v.SetDefault("audit.cleanup_interval", 24*time.Hour)
	v.SetDefault("audit.write_timeout", 2*time.Second)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 20.0)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("security.allowed_origins", []string{})

	v.SetDefault("monitoring.prometheus_enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// Load reads configuration from path, or from config.yml in the usual locations
// when path is empty. A missing config file is not an error; defaults apply.
// INTAKE_ prefixed variables override the file, and deployment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app")
		v.AddConfigPath("/app/config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("INTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if env.PredictionAPIURL != "" {
		cfg.PredictionAPI.BaseURL = env.PredictionAPIURL
	}
	if env.SessionSecret != "" {
		cfg.Session.Secret = env.SessionSecret
	}
	if env.DBHost != "" {
		cfg.Database.Host = env.DBHost
	}
	if env.DBPort != 0 {
		cfg.Database.Port = env.DBPort
	}
	if env.DBUser != "" {
		cfg.Database.User = env.DBUser
	}
	if env.DBPassword != "" {
		cfg.Database.Password = env.DBPassword
	}
	if env.DBName != "" {
		cfg.Database.Name = env.DBName
	}
	if env.RedisURL != "" {
		cfg.Redis.URL = env.RedisURL
	}
	if env.LogLevel != "" {
		cfg.Log.Level = env.LogLevel
	}
	return nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.PredictionAPI.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("prediction_api.base_url %q is not an absolute URL", c.PredictionAPI.BaseURL)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if c.Audit.RetentionDays < 0 {
		return errors.New("audit.retention_days must not be negative")
	}
	return nil
}
