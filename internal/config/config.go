package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Kie       KieConfig
	Storage   StorageConfig
	OIDC      OIDCConfig
	Gateway   GatewayConfig
	Billing   BillingConfig
	Sync      SyncConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	GeneratePerHour int
	StatusPerMin    int
	CancelPerHour   int
}

// KieConfig configures the KIE.ai provider client.
type KieConfig struct {
	APIKey           string
	BaseURL          string
	SubmitTimeout    time.Duration
	PollTimeout      time.Duration
	MaxSubmitRetries int
}

// StorageConfig configures the R2-compatible outputs bucket.
type StorageConfig struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	OutputsBucket   string
	PublicURL       string
}

type OIDCConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

// BillingConfig holds the credit pricing knobs.
type BillingConfig struct {
	MarkupPercent float64
}

// SyncConfig drives the stale-generation reconciliation worker.
type SyncConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("KIE_API_KEY")
	readSecret("STORAGE_ACCOUNT_ID")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")
	readSecret("OIDC_CLIENT_ID")
	readSecret("JWT_SECRET")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("kie.api_key", "KIE_API_KEY")
	_ = viper.BindEnv("kie.base_url", "KIE_BASE_URL")
	_ = viper.BindEnv("kie.submit_timeout", "KIE_SUBMIT_TIMEOUT")
	_ = viper.BindEnv("kie.poll_timeout", "KIE_POLL_TIMEOUT")
	_ = viper.BindEnv("kie.max_submit_retries", "KIE_MAX_SUBMIT_RETRIES")
	_ = viper.BindEnv("storage.account_id", "STORAGE_ACCOUNT_ID")
	_ = viper.BindEnv("storage.access_key_id", "STORAGE_ACCESS_KEY_ID")
	_ = viper.BindEnv("storage.secret_access_key", "STORAGE_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("storage.outputs_bucket", "STORAGE_OUTPUTS_BUCKET")
	_ = viper.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = viper.BindEnv("oidc.domain", "OIDC_DOMAIN")
	_ = viper.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = viper.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = viper.BindEnv("billing.markup_percent", "BILLING_MARKUP_PERCENT")
	_ = viper.BindEnv("sync.interval", "SYNC_INTERVAL")
	_ = viper.BindEnv("sync.stale_after", "SYNC_STALE_AFTER")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.generate_per_hour", 60)
	viper.SetDefault("ratelimit.status_per_min", 120)
	viper.SetDefault("ratelimit.cancel_per_hour", 60)

	// KIE defaults — timeouts match the provider's observed latency envelope
	viper.SetDefault("kie.base_url", "https://api.kie.ai")
	viper.SetDefault("kie.submit_timeout", "20s")
	viper.SetDefault("kie.poll_timeout", "10s")
	viper.SetDefault("kie.max_submit_retries", 2)

	viper.SetDefault("storage.outputs_bucket", "outputs")

	viper.SetDefault("gateway.enabled", false)
	viper.SetDefault("billing.markup_percent", 0.0)

	viper.SetDefault("sync.interval", "2m")
	viper.SetDefault("sync.stale_after", "2m")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: viper.GetInt("ratelimit.generate_per_hour"),
			StatusPerMin:    viper.GetInt("ratelimit.status_per_min"),
			CancelPerHour:   viper.GetInt("ratelimit.cancel_per_hour"),
		},
		Kie: KieConfig{
			APIKey:           viper.GetString("kie.api_key"),
			BaseURL:          viper.GetString("kie.base_url"),
			SubmitTimeout:    viper.GetDuration("kie.submit_timeout"),
			PollTimeout:      viper.GetDuration("kie.poll_timeout"),
			MaxSubmitRetries: viper.GetInt("kie.max_submit_retries"),
		},
		Storage: StorageConfig{
			AccountID:       viper.GetString("storage.account_id"),
			AccessKeyID:     viper.GetString("storage.access_key_id"),
			SecretAccessKey: viper.GetString("storage.secret_access_key"),
			OutputsBucket:   viper.GetString("storage.outputs_bucket"),
			PublicURL:       viper.GetString("storage.public_url"),
		},
		OIDC: OIDCConfig{
			Domain:   viper.GetString("oidc.domain"),
			ClientID: viper.GetString("oidc.client_id"),
			Issuer:   viper.GetString("oidc.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
		Billing: BillingConfig{
			MarkupPercent: viper.GetFloat64("billing.markup_percent"),
		},
		Sync: SyncConfig{
			Interval:   viper.GetDuration("sync.interval"),
			StaleAfter: viper.GetDuration("sync.stale_after"),
		},
	}

	return cfg, nil
}
