// Package config reads the service configuration from the environment,
// loading a local .env file first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Postgres struct {
	DSN      string
	MaxConns int32
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type HTTP struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type Stripe struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	SuccessURL    string
	CancelURL     string
	CheckoutTTL   time.Duration
}

type Invoicing struct {
	BaseURL string
	APIKey  string
}

type SMTP struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	InternalTo string
}

type Calendar struct {
	CredentialsFile string
	CalendarID      string
}

type Booking struct {
	BusinessTZ   string
	HoldTTL      time.Duration
	ExpiryGrace  time.Duration
	VATPercent   int
	GeofenceFile string
}

type RateLimit struct {
	Limit  int
	Window time.Duration
}

type Jobs struct {
	MaxAttempts int
	BatchSize   int
}

type Sweeps struct {
	Secret          string
	ExpireHoldsSpec string
	ProcessJobsSpec string
}

type Config struct {
	Postgres  Postgres
	Redis     Redis
	HTTP      HTTP
	Stripe    Stripe
	Invoicing Invoicing
	SMTP      SMTP
	Calendar  Calendar
	Booking   Booking
	RateLimit RateLimit
	Jobs      Jobs
	Sweeps    Sweeps
	CacheTTL  time.Duration
}

func New() (*Config, error) {
	const op = "config.New"

	_ = godotenv.Load()

	cfg := &Config{
		Postgres: Postgres{
			DSN:      os.Getenv("POSTGRES_DSN"),
			MaxConns: int32(envInt("POSTGRES_MAX_CONNS", 10)),
		},
		Redis: Redis{
			Addr:     envStr("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
		HTTP: HTTP{
			Addr:            envStr("HTTP_ADDR", ":8080"),
			AllowedOrigins:  splitCSV(envStr("CORS_ALLOWED_ORIGINS", "*")),
			ShutdownTimeout: envDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Stripe: Stripe{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			Currency:      envStr("STRIPE_CURRENCY", "eur"),
			SuccessURL:    os.Getenv("CHECKOUT_SUCCESS_URL"),
			CancelURL:     os.Getenv("CHECKOUT_CANCEL_URL"),
			CheckoutTTL:   envDuration("CHECKOUT_TTL", 30*time.Minute),
		},
		Invoicing: Invoicing{
			BaseURL: os.Getenv("INVOICING_BASE_URL"),
			APIKey:  os.Getenv("INVOICING_API_KEY"),
		},
		SMTP: SMTP{
			Host:       os.Getenv("SMTP_HOST"),
			Port:       envInt("SMTP_PORT", 587),
			Username:   os.Getenv("SMTP_USERNAME"),
			Password:   os.Getenv("SMTP_PASSWORD"),
			From:       os.Getenv("SMTP_FROM"),
			InternalTo: os.Getenv("NOTIFY_INTERNAL_TO"),
		},
		Calendar: Calendar{
			CredentialsFile: os.Getenv("GOOGLE_CALENDAR_CREDENTIALS_FILE"),
			CalendarID:      os.Getenv("GOOGLE_CALENDAR_ID"),
		},
		Booking: Booking{
			BusinessTZ:   envStr("BUSINESS_TZ", "Europe/Lisbon"),
			HoldTTL:      envDuration("HOLD_TTL", 30*time.Minute),
			ExpiryGrace:  envDuration("HOLD_EXPIRY_GRACE", 2*time.Minute),
			VATPercent:   envInt("VAT_PERCENT", 23),
			GeofenceFile: os.Getenv("GEOFENCE_FILE"),
		},
		RateLimit: RateLimit{
			Limit:  envInt("HOLD_RATE_LIMIT", 10),
			Window: envDuration("HOLD_RATE_WINDOW", time.Minute),
		},
		Jobs: Jobs{
			MaxAttempts: envInt("JOBS_MAX_ATTEMPTS", 5),
			BatchSize:   envInt("JOBS_BATCH_SIZE", 20),
		},
		Sweeps: Sweeps{
			Secret:          os.Getenv("SWEEP_SECRET"),
			ExpireHoldsSpec: envStr("SWEEP_EXPIRE_HOLDS_SPEC", "*/5 * * * *"),
			ProcessJobsSpec: envStr("SWEEP_PROCESS_JOBS_SPEC", "* * * * *"),
		},
		CacheTTL: envDuration("CACHE_TTL", time.Minute),
	}

	if cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("%s: POSTGRES_DSN is required", op)
	}
	if cfg.Stripe.SecretKey == "" {
		return nil, fmt.Errorf("%s: STRIPE_SECRET_KEY is required", op)
	}
	if cfg.Stripe.WebhookSecret == "" {
		return nil, fmt.Errorf("%s: STRIPE_WEBHOOK_SECRET is required", op)
	}
	if cfg.Sweeps.Secret == "" {
		return nil, fmt.Errorf("%s: SWEEP_SECRET is required", op)
	}

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
