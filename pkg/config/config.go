package config

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Session store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverRedis    = "redis"
)

// Device binding policies.
const (
	DevicePolicyRecord  = "record"
	DevicePolicyEnforce = "enforce"
)

const devSecret = "dev_secret_change_me_dev_secret_change_me"

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	tableNamePattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Sessions  SessionsConfig
	Accounts  AccountChecksConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
	Log       LogConfig
	Metrics   MetricsConfig
	CORS      CORSConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
	Issuer            string
	Audience          []string
}

// SessionsConfig governs refresh-token persistence and hardening policies.
type SessionsConfig struct {
	StoreDriver     string
	KeyPrefix       string
	HashPepper      string
	RetentionWindow time.Duration
	CleanupInterval time.Duration
	DevicePolicy    string
	ReplayDetection bool
	ReplayThreshold int
	ReplayWindow    time.Duration
	ReplayGrace     time.Duration
}

// AccountChecksConfig points refresh at the users table of the credential service.
// Refresh consults it only when Enabled.
type AccountChecksConfig struct {
	Enabled      bool
	Table        string
	IDColumn     string
	RoleColumn   string
	ActiveColumn string
}

// RateLimitConfig throttles refresh attempts per client.
type RateLimitConfig struct {
	Enabled      bool
	RefreshRPS   float64
	RefreshBurst int
}

// AuditConfig sizes the asynchronous audit writer.
type AuditConfig struct {
	Enabled bool
	Workers int
	Buffer  int
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Enabled bool
}

type CORSConfig struct {
	AllowedOrigins []string
}

// Load reads configuration from ./.env and the environment.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile reads configuration from the given dotenv file and the environment.
// Environment variables win over file values; a missing file is not an error.
func LoadFile(path string) (*Config, error) {
	_ = godotenv.Load(path)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 15*time.Minute),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
		Issuer:            v.GetString("JWT_ISSUER"),
		Audience:          splitAndTrim(v.GetString("JWT_AUDIENCE")),
	}

	cfg.Sessions = SessionsConfig{
		StoreDriver:     strings.ToLower(v.GetString("SESSION_STORE")),
		KeyPrefix:       v.GetString("SESSION_KEY_PREFIX"),
		HashPepper:      v.GetString("SESSION_HASH_PEPPER"),
		RetentionWindow: parseDuration(v.GetString("SESSION_RETENTION_WINDOW"), 72*time.Hour),
		CleanupInterval: parseDuration(v.GetString("SESSION_CLEANUP_INTERVAL"), time.Hour),
		DevicePolicy:    strings.ToLower(v.GetString("SESSION_DEVICE_POLICY")),
		ReplayDetection: v.GetBool("SESSION_REPLAY_DETECTION"),
		ReplayThreshold: v.GetInt("SESSION_REPLAY_THRESHOLD"),
		ReplayWindow:    parseDuration(v.GetString("SESSION_REPLAY_WINDOW"), 24*time.Hour),
		ReplayGrace:     parseDuration(v.GetString("SESSION_REPLAY_GRACE"), 5*time.Second),
	}

	cfg.Accounts = AccountChecksConfig{
		Enabled:      v.GetBool("SESSION_ACCOUNT_CHECKS"),
		Table:        v.GetString("SESSION_USERS_TABLE"),
		IDColumn:     v.GetString("SESSION_USERS_ID_COLUMN"),
		RoleColumn:   v.GetString("SESSION_USERS_ROLE_COLUMN"),
		ActiveColumn: v.GetString("SESSION_USERS_ACTIVE_COLUMN"),
	}

	cfg.RateLimit = RateLimitConfig{
		Enabled:      v.GetBool("ENABLE_REFRESH_RATE_LIMIT"),
		RefreshRPS:   v.GetFloat64("REFRESH_RATE_LIMIT_RPS"),
		RefreshBurst: v.GetInt("REFRESH_RATE_LIMIT_BURST"),
	}

	cfg.Audit = AuditConfig{
		Enabled: v.GetBool("ENABLE_AUDIT"),
		Workers: v.GetInt("AUDIT_WORKERS"),
		Buffer:  v.GetInt("AUDIT_BUFFER"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Metrics = MetricsConfig{Enabled: v.GetBool("ENABLE_METRICS")}
	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("CORS_ALLOWED_ORIGINS"))}

	return cfg, nil
}

// Validate rejects configurations that would weaken token guarantees.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWT.Secret) == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.Env == EnvProduction {
		if c.JWT.Secret == devSecret {
			return errors.New("JWT_SECRET must be overridden in production")
		}
		if len(c.JWT.Secret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 bytes in production")
		}
	}
	if c.JWT.Expiration <= 0 {
		return errors.New("JWT_EXPIRATION must be positive")
	}
	if c.JWT.RefreshExpiration <= c.JWT.Expiration {
		return errors.New("REFRESH_TOKEN_EXPIRATION must exceed JWT_EXPIRATION")
	}

	switch c.Sessions.StoreDriver {
	case StoreDriverPostgres, StoreDriverRedis:
	default:
		return fmt.Errorf("unsupported SESSION_STORE %q", c.Sessions.StoreDriver)
	}
	switch c.Sessions.DevicePolicy {
	case DevicePolicyRecord, DevicePolicyEnforce:
	default:
		return fmt.Errorf("unsupported SESSION_DEVICE_POLICY %q", c.Sessions.DevicePolicy)
	}
	if c.Sessions.RetentionWindow <= 0 {
		return errors.New("SESSION_RETENTION_WINDOW must be positive")
	}
	if c.Sessions.ReplayDetection && c.Sessions.ReplayThreshold < 1 {
		return errors.New("SESSION_REPLAY_THRESHOLD must be at least 1")
	}
	if c.Accounts.Enabled {
		if !tableNamePattern.MatchString(c.Accounts.Table) {
			return fmt.Errorf("invalid SESSION_USERS_TABLE %q", c.Accounts.Table)
		}
		for name, column := range map[string]string{
			"SESSION_USERS_ID_COLUMN":     c.Accounts.IDColumn,
			"SESSION_USERS_ROLE_COLUMN":   c.Accounts.RoleColumn,
			"SESSION_USERS_ACTIVE_COLUMN": c.Accounts.ActiveColumn,
		} {
			if !identifierPattern.MatchString(column) {
				return fmt.Errorf("invalid %s %q", name, column)
			}
		}
	}
	if c.RateLimit.Enabled && (c.RateLimit.RefreshRPS <= 0 || c.RateLimit.RefreshBurst <= 0) {
		return errors.New("refresh rate limit requires positive rps and burst")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "session_core")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", false)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", devSecret)
	v.SetDefault("JWT_EXPIRATION", "15m")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")
	v.SetDefault("JWT_ISSUER", "session-core")
	v.SetDefault("JWT_AUDIENCE", "")

	v.SetDefault("SESSION_STORE", StoreDriverPostgres)
	v.SetDefault("SESSION_KEY_PREFIX", "session")
	v.SetDefault("SESSION_HASH_PEPPER", "")
	v.SetDefault("SESSION_RETENTION_WINDOW", "72h")
	v.SetDefault("SESSION_CLEANUP_INTERVAL", "1h")
	v.SetDefault("SESSION_DEVICE_POLICY", DevicePolicyRecord)
	v.SetDefault("SESSION_REPLAY_DETECTION", true)
	v.SetDefault("SESSION_REPLAY_THRESHOLD", 2)
	v.SetDefault("SESSION_REPLAY_WINDOW", "24h")
	v.SetDefault("SESSION_REPLAY_GRACE", "5s")

	v.SetDefault("SESSION_ACCOUNT_CHECKS", false)
	v.SetDefault("SESSION_USERS_TABLE", "users")
	v.SetDefault("SESSION_USERS_ID_COLUMN", "id")
	v.SetDefault("SESSION_USERS_ROLE_COLUMN", "role")
	v.SetDefault("SESSION_USERS_ACTIVE_COLUMN", "active")

	v.SetDefault("ENABLE_REFRESH_RATE_LIMIT", true)
	v.SetDefault("REFRESH_RATE_LIMIT_RPS", 1.0)
	v.SetDefault("REFRESH_RATE_LIMIT_BURST", 5)

	v.SetDefault("ENABLE_AUDIT", true)
	v.SetDefault("AUDIT_WORKERS", 2)
	v.SetDefault("AUDIT_BUFFER", 256)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("ENABLE_METRICS", true)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
}

// isMissingFile tolerates an absent .env: with SetConfigFile viper surfaces the
// raw path error instead of ConfigFileNotFoundError.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
