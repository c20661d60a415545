package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	StorageDriver string   `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AdminJWTSecret string        `mapstructure:"ADMIN_JWT_SECRET"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	// WhatsApp Cloud API
	MetaVerifyToken   string        `mapstructure:"META_VERIFY_TOKEN"`
	MetaAppSecret     string        `mapstructure:"META_APP_SECRET"`
	MetaAccessToken   string        `mapstructure:"META_ACCESS_TOKEN"`
	MetaPhoneNumberID string        `mapstructure:"META_PHONE_NUMBER_ID"`
	MetaAPIBase       string        `mapstructure:"META_API_BASE"`
	MetaTemplateName  string        `mapstructure:"META_TEMPLATE_NAME"`
	MessagingTimeout  time.Duration `mapstructure:"MESSAGING_TIMEOUT"`

	// M-Pesa Daraja
	MpesaBaseURL        string        `mapstructure:"MPESA_BASE_URL"`
	MpesaConsumerKey    string        `mapstructure:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret string        `mapstructure:"MPESA_CONSUMER_SECRET"`
	MpesaShortcode      string        `mapstructure:"MPESA_SHORTCODE"`
	MpesaPasskey        string        `mapstructure:"MPESA_PASSKEY"`
	MpesaCallbackURL    string        `mapstructure:"MPESA_CALLBACK_URL"`
	MpesaCallbackToken  string        `mapstructure:"MPESA_CALLBACK_TOKEN"`
	PaymentTimeout      time.Duration `mapstructure:"PAYMENT_TIMEOUT"`

	ClaimFee            int64         `mapstructure:"CLAIM_FEE"`
	AnalyzerURL         string        `mapstructure:"ANALYZER_URL"`
	AnalyzerTimeout     time.Duration `mapstructure:"ANALYZER_TIMEOUT"`
	DedupWindow         time.Duration `mapstructure:"DEDUP_WINDOW"`
	SessionWindow       time.Duration `mapstructure:"SESSION_WINDOW"`
	QueueWorkers        int           `mapstructure:"QUEUE_WORKERS"`
	QueuePollInterval   time.Duration `mapstructure:"QUEUE_POLL_INTERVAL"`
	QueueMaxAttempts    int           `mapstructure:"QUEUE_MAX_ATTEMPTS"`
	OutboundMaxAttempts int           `mapstructure:"OUTBOUND_MAX_ATTEMPTS"`
	PaymentRecheckEvery time.Duration `mapstructure:"PAYMENT_RECHECK_INTERVAL"`
	PaymentRecheckAfter time.Duration `mapstructure:"PAYMENT_RECHECK_AFTER"`
	NodeID              int64         `mapstructure:"NODE_ID"`
	DefaultClaimsLimit  int           `mapstructure:"DEFAULT_CLAIMS_LIMIT"`
	DefaultTier         string        `mapstructure:"DEFAULT_TIER"`
}

var envKeys = []string{
	"PORT", "ENV", "STORAGE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MIGRATIONS_DIR", "CORS_ORIGINS",
	"ADMIN_JWT_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"META_VERIFY_TOKEN", "META_APP_SECRET", "META_ACCESS_TOKEN", "META_PHONE_NUMBER_ID",
	"META_API_BASE", "META_TEMPLATE_NAME", "MESSAGING_TIMEOUT",
	"MPESA_BASE_URL", "MPESA_CONSUMER_KEY", "MPESA_CONSUMER_SECRET", "MPESA_SHORTCODE",
	"MPESA_PASSKEY", "MPESA_CALLBACK_URL", "MPESA_CALLBACK_TOKEN", "PAYMENT_TIMEOUT",
	"CLAIM_FEE", "ANALYZER_URL", "ANALYZER_TIMEOUT", "DEDUP_WINDOW", "SESSION_WINDOW",
	"QUEUE_WORKERS", "QUEUE_POLL_INTERVAL", "QUEUE_MAX_ATTEMPTS", "OUTBOUND_MAX_ATTEMPTS",
	"PAYMENT_RECHECK_INTERVAL", "PAYMENT_RECHECK_AFTER", "NODE_ID",
	"DEFAULT_CLAIMS_LIMIT", "DEFAULT_TIER",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE_DRIVER", StorageDriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "2M")
	v.SetDefault("META_API_BASE", "https://graph.facebook.com/v18.0")
	v.SetDefault("META_TEMPLATE_NAME", "claim_update")
	v.SetDefault("MESSAGING_TIMEOUT", "10s")
	v.SetDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	v.SetDefault("PAYMENT_TIMEOUT", "15s")
	v.SetDefault("CLAIM_FEE", 300)
	v.SetDefault("ANALYZER_TIMEOUT", "60s")
	v.SetDefault("DEDUP_WINDOW", "24h")
	v.SetDefault("SESSION_WINDOW", "24h")
	v.SetDefault("QUEUE_WORKERS", 4)
	v.SetDefault("QUEUE_POLL_INTERVAL", "1s")
	v.SetDefault("QUEUE_MAX_ATTEMPTS", 8)
	v.SetDefault("OUTBOUND_MAX_ATTEMPTS", 3)
	v.SetDefault("PAYMENT_RECHECK_INTERVAL", "5m")
	v.SetDefault("PAYMENT_RECHECK_AFTER", "10m")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("DEFAULT_CLAIMS_LIMIT", 0)
	v.SetDefault("DEFAULT_TIER", "per_claim")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.StorageDriver == StorageDriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ENV=development, admin API accepts unauthenticated requests as admin.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesMemoryStore reports whether repositories are kept in process memory.
func (c *Config) UsesMemoryStore() bool {
	return c.StorageDriver == StorageDriverMemory
}

// Validate checks that the configuration is safe to run. Outside development
// the admin API needs a signing secret and the M-Pesa callback must carry a
// shared token.
func (c *Config) Validate() error {
	if c.StorageDriver != StorageDriverPostgres && c.StorageDriver != StorageDriverMemory {
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q",
			StorageDriverPostgres, StorageDriverMemory, c.StorageDriver)
	}
	if c.ClaimFee <= 0 {
		return fmt.Errorf("CLAIM_FEE must be positive, got %d", c.ClaimFee)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be between 0 and 1023, got %d", c.NodeID)
	}
	if c.QueueWorkers <= 0 {
		return fmt.Errorf("QUEUE_WORKERS must be positive")
	}
	if c.DedupWindow <= 0 || c.SessionWindow <= 0 {
		return fmt.Errorf("DEDUP_WINDOW and SESSION_WINDOW must be positive durations")
	}
	switch c.DefaultTier {
	case "free", "per_claim", "weekly_retainer":
	default:
		return fmt.Errorf("DEFAULT_TIER must be free, per_claim or weekly_retainer, got %q", c.DefaultTier)
	}

	if c.IsDev() {
		return nil
	}
	if c.AdminJWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required when ENV=%q", c.Env)
	}
	if len(c.AdminJWTSecret) < 32 {
		return fmt.Errorf("ADMIN_JWT_SECRET must be at least 32 bytes")
	}
	if c.MetaVerifyToken == "" {
		return fmt.Errorf("META_VERIFY_TOKEN is required when ENV=%q", c.Env)
	}
	if c.MpesaCallbackURL != "" && c.MpesaCallbackToken == "" {
		return fmt.Errorf("MPESA_CALLBACK_TOKEN is required when MPESA_CALLBACK_URL is set")
	}
	return nil
}
