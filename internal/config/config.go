package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the agent configuration
type Config struct {
	Server    ServerConfig
	API       APIConfig
	Redis     RedisConfig
	MongoDB   MongoDBConfig
	Storage   StorageConfig
	Tokens    TokensConfig
	Session   SessionConfig
	Security  SecurityConfig
	Offline   OfflineConfig
	RateLimit RateLimitConfig
}

// ServerConfig configures the local control/status HTTP surface.
type ServerConfig struct {
	Port         string
	Host         string
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// APIConfig points at the remote auth backend.
type APIConfig struct {
	BaseURL  string
	Timeout  time.Duration
	Issuer   string // OIDC issuer; empty disables ID-token verification
	ClientID string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type MongoDBConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

type StorageConfig struct {
	Dir string // secure store directory; empty selects the in-memory backend
	Key string // base64 32-byte at-rest key; empty derives one per process
}

type TokensConfig struct {
	RefreshAtFraction  float64       // schedule refresh at this fraction of remaining lifetime
	ExpirySkew         time.Duration // clock skew tolerated when deciding expiry
	DecodeCacheTTL     time.Duration
	ValidationCacheTTL time.Duration
}

// RememberMePolicy controls how the inactivity check treats long-lived
// sessions: "expire" terminates, "silent-refresh" attempts a token refresh
// first and only terminates when that fails.
type RememberMePolicy string

const (
	RememberMeExpire        RememberMePolicy = "expire"
	RememberMeSilentRefresh RememberMePolicy = "silent-refresh"
)

type SessionConfig struct {
	InactiveTimeout     time.Duration
	CheckInterval       time.Duration
	ActivityThrottle    time.Duration
	WarningThreshold    time.Duration
	CriticalThreshold   time.Duration
	MaxRecoveryAttempts int
	RememberMe          RememberMePolicy
}

type SecurityConfig struct {
	BlockedCountries  []string
	MaxTravelKmh      float64
	SeverityThreshold int
	LoginMaxAttempts  int
	LoginWindow       time.Duration
}

type OfflineConfig struct {
	ProbeInterval time.Duration
	GracePeriod   time.Duration
	MaxQueued     int
}

type RateLimitConfig struct {
	Enabled       bool
	UseRedis      bool
	RPS           float64
	Burst         int
	WindowSeconds int
}

// LoadConfig loads configuration from environment variables and .env file
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env")

	viper.AutomaticEnv()

	viper.SetDefault("SERVER_PORT", "5810")
	viper.SetDefault("SERVER_HOST", "127.0.0.1")
	viper.SetDefault("SERVER_ENVIRONMENT", "development")
	viper.SetDefault("API_TIMEOUT_SECONDS", 15)
	viper.SetDefault("MONGODB_TIMEOUT", 10)
	viper.SetDefault("TOKEN_REFRESH_AT_FRACTION", 0.8)
	viper.SetDefault("TOKEN_EXPIRY_SKEW_SECONDS", 10)
	viper.SetDefault("TOKEN_DECODE_CACHE_TTL_SECONDS", 60)
	viper.SetDefault("TOKEN_VALIDATION_CACHE_TTL_SECONDS", 120)
	viper.SetDefault("SESSION_INACTIVE_TIMEOUT_MINUTES", 30)
	viper.SetDefault("SESSION_CHECK_INTERVAL_SECONDS", 30)
	viper.SetDefault("SESSION_ACTIVITY_THROTTLE_SECONDS", 15)
	viper.SetDefault("SESSION_WARNING_THRESHOLD_MINUTES", 5)
	viper.SetDefault("SESSION_CRITICAL_THRESHOLD_SECONDS", 60)
	viper.SetDefault("SESSION_MAX_RECOVERY_ATTEMPTS", 3)
	viper.SetDefault("SESSION_REMEMBER_ME_POLICY", "expire")
	viper.SetDefault("SECURITY_MAX_TRAVEL_KMH", 900)
	viper.SetDefault("SECURITY_SEVERITY_THRESHOLD", 3)
	viper.SetDefault("SECURITY_LOGIN_MAX_ATTEMPTS", 5)
	viper.SetDefault("SECURITY_LOGIN_WINDOW_MINUTES", 15)
	viper.SetDefault("OFFLINE_PROBE_INTERVAL_SECONDS", 10)
	viper.SetDefault("OFFLINE_GRACE_PERIOD_MINUTES", 10)
	viper.SetDefault("OFFLINE_MAX_QUEUED", 100)
	viper.SetDefault("RATE_LIMIT_ENABLED", true)
	viper.SetDefault("RATE_LIMIT_RPS", 10.0)
	viper.SetDefault("RATE_LIMIT_BURST", 20)
	viper.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 1)

	cfg := &Config{
		Server: ServerConfig{
			Port:         viper.GetString("SERVER_PORT"),
			Host:         viper.GetString("SERVER_HOST"),
			Environment:  viper.GetString("SERVER_ENVIRONMENT"),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		API: APIConfig{
			BaseURL:  viper.GetString("AUTH_API_BASE_URL"),
			Timeout:  time.Duration(viper.GetInt("API_TIMEOUT_SECONDS")) * time.Second,
			Issuer:   viper.GetString("AUTH_OIDC_ISSUER"),
			ClientID: viper.GetString("AUTH_OIDC_CLIENT_ID"),
		},
		Redis: RedisConfig{
			Host:     viper.GetString("REDIS_HOST"),
			Port:     viper.GetString("REDIS_PORT"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       0,
		},
		MongoDB: MongoDBConfig{
			URI:      viper.GetString("MONGODB_URI"),
			Database: viper.GetString("MONGODB_DATABASE"),
			Timeout:  time.Duration(viper.GetInt("MONGODB_TIMEOUT")) * time.Second,
		},
		Storage: StorageConfig{
			Dir: viper.GetString("STORAGE_DIR"),
			Key: os.Getenv("STORAGE_KEY"),
		},
		Tokens: TokensConfig{
			RefreshAtFraction:  viper.GetFloat64("TOKEN_REFRESH_AT_FRACTION"),
			ExpirySkew:         time.Duration(viper.GetInt("TOKEN_EXPIRY_SKEW_SECONDS")) * time.Second,
			DecodeCacheTTL:     time.Duration(viper.GetInt("TOKEN_DECODE_CACHE_TTL_SECONDS")) * time.Second,
			ValidationCacheTTL: time.Duration(viper.GetInt("TOKEN_VALIDATION_CACHE_TTL_SECONDS")) * time.Second,
		},
		Session: SessionConfig{
			InactiveTimeout:     time.Duration(viper.GetInt("SESSION_INACTIVE_TIMEOUT_MINUTES")) * time.Minute,
			CheckInterval:       time.Duration(viper.GetInt("SESSION_CHECK_INTERVAL_SECONDS")) * time.Second,
			ActivityThrottle:    time.Duration(viper.GetInt("SESSION_ACTIVITY_THROTTLE_SECONDS")) * time.Second,
			WarningThreshold:    time.Duration(viper.GetInt("SESSION_WARNING_THRESHOLD_MINUTES")) * time.Minute,
			CriticalThreshold:   time.Duration(viper.GetInt("SESSION_CRITICAL_THRESHOLD_SECONDS")) * time.Second,
			MaxRecoveryAttempts: viper.GetInt("SESSION_MAX_RECOVERY_ATTEMPTS"),
			RememberMe:          parseRememberMe(viper.GetString("SESSION_REMEMBER_ME_POLICY")),
		},
		Security: SecurityConfig{
			BlockedCountries:  splitList(viper.GetString("SECURITY_BLOCKED_COUNTRIES")),
			MaxTravelKmh:      viper.GetFloat64("SECURITY_MAX_TRAVEL_KMH"),
			SeverityThreshold: viper.GetInt("SECURITY_SEVERITY_THRESHOLD"),
			LoginMaxAttempts:  viper.GetInt("SECURITY_LOGIN_MAX_ATTEMPTS"),
			LoginWindow:       time.Duration(viper.GetInt("SECURITY_LOGIN_WINDOW_MINUTES")) * time.Minute,
		},
		Offline: OfflineConfig{
			ProbeInterval: time.Duration(viper.GetInt("OFFLINE_PROBE_INTERVAL_SECONDS")) * time.Second,
			GracePeriod:   time.Duration(viper.GetInt("OFFLINE_GRACE_PERIOD_MINUTES")) * time.Minute,
			MaxQueued:     viper.GetInt("OFFLINE_MAX_QUEUED"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       viper.GetBool("RATE_LIMIT_ENABLED"),
			UseRedis:      viper.GetBool("RATE_LIMIT_USE_REDIS"),
			RPS:           viper.GetFloat64("RATE_LIMIT_RPS"),
			Burst:         viper.GetInt("RATE_LIMIT_BURST"),
			WindowSeconds: viper.GetInt("RATE_LIMIT_WINDOW_SECONDS"),
		},
	}

	// Basic validation
	if cfg.API.BaseURL == "" {
		log.Println("WARNING: AUTH_API_BASE_URL is not set; the agent cannot reach the auth backend")
	}

	return cfg, nil
}

func parseRememberMe(s string) RememberMePolicy {
	if strings.EqualFold(strings.TrimSpace(s), string(RememberMeSilentRefresh)) {
		return RememberMeSilentRefresh
	}
	return RememberMeExpire
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
