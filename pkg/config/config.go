package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/crypto/hkdf"

	"shardminer/backend/internal/audit"
	"shardminer/backend/internal/security"
)

const (
	DevWorkSecret  = "dev-work-secret-change-in-production"
	DevProofSecret = "dev-proof-secret-change-in-production"

	EnvProduction  = "production"
	EnvDevelopment = "development"
)

type Config struct {
	Environment string                  `mapstructure:"environment"`
	Server      ServerConfig            `mapstructure:"server"`
	Database    DatabaseConfig          `mapstructure:"database"`
	Redis       RedisConfig             `mapstructure:"redis"`
	Mining      MiningConfig            `mapstructure:"mining"`
	Telegram    TelegramConfig          `mapstructure:"telegram"`
	Security    security.SecurityConfig `mapstructure:"security"`
	ICE         ICEConfig               `mapstructure:"ice"`
	Audit       AuditConfig             `mapstructure:"audit"`
	Log         LogConfig               `mapstructure:"log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

// RedisConfig is optional; an empty Addr disables the Redis leaderboard.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MiningConfig struct {
	WorkSecret      string        `mapstructure:"work_secret"`
	ProofSecret     string        `mapstructure:"proof_secret"`
	MasterSecret    string        `mapstructure:"master_secret"`
	WorkTTL         time.Duration `mapstructure:"work_ttl"`
	ProofTTL        time.Duration `mapstructure:"proof_ttl"`
	MinMbps         int           `mapstructure:"min_mbps"`
	MaxMbps         int           `mapstructure:"max_mbps"`
	Duration        time.Duration `mapstructure:"duration"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	ByteTolerance   int64         `mapstructure:"byte_tolerance"`
}

type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	APIURL   string        `mapstructure:"api_url"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

type ICEConfig struct {
	URLs        []string      `mapstructure:"urls"`
	MaxSessions int           `mapstructure:"max_sessions"`
	Lifetime    time.Duration `mapstructure:"lifetime"`
}

type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`

	audit.AuditConfig `mapstructure:",squash"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvDevelopment)

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "file:shardminer.db?_pragma=busy_timeout(5000)")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mining.work_secret", "")
	v.SetDefault("mining.proof_secret", "")
	v.SetDefault("mining.master_secret", "")
	v.SetDefault("mining.work_ttl", 5*time.Minute)
	v.SetDefault("mining.proof_ttl", 10*time.Minute)
	v.SetDefault("mining.min_mbps", 3)
	v.SetDefault("mining.max_mbps", 7)
	v.SetDefault("mining.duration", 30*time.Second)
	v.SetDefault("mining.rate_limit_window", time.Minute)
	v.SetDefault("mining.byte_tolerance", 1024)

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.api_url", "https://api.telegram.org")
	v.SetDefault("telegram.max_age", 24*time.Hour)

	sec := security.GetDefaultSecurityConfig()
	v.SetDefault("security.rate_limit.requests_per_second", sec.RateLimit.RequestsPerSecond)
	v.SetDefault("security.rate_limit.burst", sec.RateLimit.Burst)
	v.SetDefault("security.rate_limit.idle_ttl", sec.RateLimit.IdleTTL)
	v.SetDefault("security.cors.allowed_origins", sec.CORS.AllowedOrigins)
	v.SetDefault("security.cors.allowed_methods", sec.CORS.AllowedMethods)
	v.SetDefault("security.cors.allowed_headers", sec.CORS.AllowedHeaders)
	v.SetDefault("security.cors.max_age", sec.CORS.MaxAge)
	v.SetDefault("security.max_body_bytes", sec.MaxBodyBytes)
	v.SetDefault("security.hsts", false)

	v.SetDefault("ice.urls", []string{})
	v.SetDefault("ice.max_sessions", 256)
	v.SetDefault("ice.lifetime", 2*time.Minute)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.log_path", "./data/audit.log")
	v.SetDefault("audit.buffer_size", 64)
	v.SetDefault("audit.flush_interval", time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
}

// Load reads defaults, then the optional config file at path (or
// ./config.yaml when path is empty), then SHARDMINER_* environment
// variables. Secrets are resolved before returning.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix("SHARDMINER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// resolveSecrets fills missing signing secrets. With a master secret
// both are derived from it through HKDF-SHA256 under distinct labels;
// otherwise the development defaults are used and Validate decides
// whether that is acceptable.
func (c *Config) resolveSecrets() error {
	if c.Mining.MasterSecret != "" {
		if c.Mining.WorkSecret == "" {
			s, err := deriveSecret(c.Mining.MasterSecret, "shardminer work-order v1")
			if err != nil {
				return err
			}
			c.Mining.WorkSecret = s
		}
		if c.Mining.ProofSecret == "" {
			s, err := deriveSecret(c.Mining.MasterSecret, "shardminer proof v1")
			if err != nil {
				return err
			}
			c.Mining.ProofSecret = s
		}
	}
	if c.Mining.WorkSecret == "" {
		c.Mining.WorkSecret = DevWorkSecret
	}
	if c.Mining.ProofSecret == "" {
		c.Mining.ProofSecret = DevProofSecret
	}
	return nil
}

func deriveSecret(master, info string) (string, error) {
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(master), nil, []byte(info)), out); err != nil {
		return "", fmt.Errorf("deriving secret: %w", err)
	}
	return string(out), nil
}

// Validate rejects insecure signing secrets in production. In other
// environments the same findings are only logged.
func (c *Config) Validate(logger *log.Entry) error {
	var problems []string
	switch {
	case c.Mining.WorkSecret == DevWorkSecret:
		problems = append(problems, "mining.work_secret uses the development default")
	case len(c.Mining.WorkSecret) < 16:
		problems = append(problems, "mining.work_secret is shorter than 16 bytes")
	}
	switch {
	case c.Mining.ProofSecret == DevProofSecret:
		problems = append(problems, "mining.proof_secret uses the development default")
	case len(c.Mining.ProofSecret) < 16:
		problems = append(problems, "mining.proof_secret is shorter than 16 bytes")
	}
	if c.Mining.WorkSecret == c.Mining.ProofSecret {
		problems = append(problems, "mining.work_secret and mining.proof_secret must differ")
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}

	if len(problems) == 0 {
		return nil
	}
	if c.IsProduction() {
		return fmt.Errorf("config: insecure production settings: %s", strings.Join(problems, "; "))
	}
	for _, p := range problems {
		logger.Warn(p)
	}
	return nil
}

// ConfigureLogging applies log.level and log.format to the standard
// logrus logger. Production defaults to JSON output.
func (c *Config) ConfigureLogging() error {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log.SetLevel(level)

	format := c.Log.Format
	if format == "" && c.IsProduction() {
		format = "json"
	}
	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
