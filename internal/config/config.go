package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration assembled from environment variables.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBaseURL    string
	PublicBasePath   string
	MetricsNamespace string

	DatabaseDriver    string
	DatabaseURL       string
	SQLitePath        string
	SupabaseSchema    string
	SupabaseJWTSecret string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	MpesaBaseURL         string
	MpesaConsumerKey     string
	MpesaConsumerSecret  string
	MpesaShortCode       string
	MpesaPasskey         string
	MpesaCallbackURL     string
	MpesaTransactionType string
	MpesaTimeout         time.Duration

	WhatsAppStorePath string
	WhatsAppLogLevel  string
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Load reads configuration from the environment. Call godotenv.Load beforehand to pick up .env files.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "text"),
		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBaseURL:    strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		PublicBasePath:   getEnv("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "teletherapy"),

		DatabaseDriver:    strings.ToLower(getEnv("DATABASE_DRIVER", DriverPostgres)),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		SQLitePath:        getEnv("SQLITE_PATH", "data/teletherapy.db"),
		SupabaseSchema:    getEnv("SUPABASE_SCHEMA", "public"),
		SupabaseJWTSecret: getEnv("SUPABASE_JWT_SECRET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		MpesaBaseURL:         getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
		MpesaConsumerKey:     getEnv("MPESA_CONSUMER_KEY", ""),
		MpesaConsumerSecret:  getEnv("MPESA_CONSUMER_SECRET", ""),
		MpesaShortCode:       getEnv("MPESA_BUSINESS_SHORT_CODE", ""),
		MpesaPasskey:         getEnv("MPESA_PASSKEY", ""),
		MpesaCallbackURL:     getEnv("MPESA_CALLBACK_URL", ""),
		MpesaTransactionType: getEnv("MPESA_TRANSACTION_TYPE", "CustomerPayBillOnline"),

		WhatsAppStorePath: getEnv("WHATSAPP_STORE_PATH", ""),
		WhatsAppLogLevel:  getEnv("WHATSAPP_LOG_LEVEL", "WARN"),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisTLS, err = getBool("REDIS_TLS", false); err != nil {
		return nil, err
	}
	if cfg.MpesaTimeout, err = getDuration("MPESA_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}

	switch cfg.DatabaseDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for driver %q", DriverPostgres)
		}
	case DriverSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return nil, fmt.Errorf("SQLITE_PATH is required for driver %q", DriverSQLite)
		}
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}

	if cfg.SupabaseJWTSecret == "" {
		return nil, fmt.Errorf("SUPABASE_JWT_SECRET is required")
	}

	if cfg.MpesaCallbackURL == "" && cfg.PublicBaseURL != "" {
		cfg.MpesaCallbackURL = cfg.WebhookURL()
	}

	return cfg, nil
}

// WebhookURL is the public URL the gateway should deliver callbacks to.
func (c *Config) WebhookURL() string {
	base := c.PublicBaseURL
	if path := strings.Trim(c.PublicBasePath, "/"); path != "" {
		base += "/" + path
	}
	return base + "/webhook/mpesa"
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}
