package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	NATSURL            string
	NATSSubjectPrefix  string
	CORSAllowedOrigins []string
	MigrateOnStart     bool

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	ECPay   ECPay
	Payment Payment
	Queue   Queue
	Lock    Lock
	Alert   Alert
	Limits  Limits
	Obs     Obs
}

// ECPay holds the merchant credentials of the gateway.
type ECPay struct {
	MerchantID string
	HashKey    string
	HashIV     string
	ActionURL  string
	Timezone   string
}

// Payment configures checkout and callback behaviour.
type Payment struct {
	ReturnURL            string
	ClientBackURL        string
	TradeDesc            string
	ResubmitWindow       time.Duration
	CallbackReplayTTL    time.Duration
	CallbackMaxBodyBytes int64
	MaxBodyBytes         int64
	IdempotencyTTL       time.Duration
}

// Queue configures the reconciliation retry queue.
type Queue struct {
	Prefix            string
	MaxAttempts       int
	Concurrency       int
	VisibilityTimeout time.Duration
	RetryBase         time.Duration
	RetryJitter       float64
	RetryDelay        time.Duration
}

// Lock configures the per-order resubmission lock.
type Lock struct {
	TTL          time.Duration
	RetryBackoff time.Duration
}

// Alert configures the operator alert webhook.
type Alert struct {
	WebhookURL      string
	WebhookSecret   string
	Topics          []string
	Timeout         time.Duration
	CircuitMinReqs  int
	CircuitRatio    float64
	CircuitCooldown time.Duration
}

// Limits configures per-route rate limits.
type Limits struct {
	Window         time.Duration
	CheckoutMax    int
	ResubmitMax    int
	StatusMax      int
	CallbackMax    int
	OutboxBatch    int
	OutboxInterval time.Duration
}

// Obs configures logging, metrics and tracing.
type Obs struct {
	LogFormat         string
	LogLevel          string
	MetricsEnabled    bool
	MetricsNS         string
	MetricsBuckets    string
	// WorkerMetricsAddr is where the worker serves /metrics, apart from the API port.
	WorkerMetricsAddr string
	TracingEnabled    bool
	OTLPEndpoint      string
	OTLPInsecure      bool
	TraceSampleRate   float64
	ServiceName       string
	PprofEnabled      bool
	PprofUser         string
	PprofPass         string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	str := func(key, def string) string { return valueOrDefault(k.String(key), def) }
	dur := func(key, def string) time.Duration { return parseDuration(k.String(key), def) }
	num := func(key string, def int) int { return parseInt(k.String(key), def) }

	cfg := &Config{
		AppEnv:             str("APP_ENV", "development"),
		Port:               str("PORT", "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		NATSURL:            strings.TrimSpace(k.String("NATS_URL")),
		NATSSubjectPrefix:  str("NATS_SUBJECT_PREFIX", "donation"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		MigrateOnStart:     parseBool(k.String("MIGRATE_ON_START")),
		JWTSecret:          k.String("AUTH_JWT_SECRET"),
		JWTIssuer:          strings.TrimSpace(k.String("AUTH_JWT_ISSUER")),
		JWTAudience:        strings.TrimSpace(k.String("AUTH_JWT_AUDIENCE")),
		ECPay: ECPay{
			MerchantID: strings.TrimSpace(k.String("ECPAY_MERCHANT_ID")),
			HashKey:    k.String("ECPAY_HASH_KEY"),
			HashIV:     k.String("ECPAY_HASH_IV"),
			ActionURL:  strings.TrimSpace(k.String("ECPAY_ACTION_URL")),
			Timezone:   str("ECPAY_TIMEZONE", "Asia/Taipei"),
		},
		Payment: Payment{
			ReturnURL:            strings.TrimSpace(k.String("PAYMENT_RETURN_URL")),
			ClientBackURL:        strings.TrimSpace(k.String("PAYMENT_CLIENT_BACK_URL")),
			TradeDesc:            str("PAYMENT_TRADE_DESC", "donation"),
			ResubmitWindow:       dur("RESUBMIT_WINDOW", "24h"),
			CallbackReplayTTL:    dur("CALLBACK_REPLAY_TTL", "10m"),
			CallbackMaxBodyBytes: int64(num("CALLBACK_MAX_BODY_BYTES", 16<<10)),
			MaxBodyBytes:         int64(num("HTTP_MAX_BODY_BYTES", 64<<10)),
			IdempotencyTTL:       dur("IDEMPOTENCY_TTL", "24h"),
		},
		Queue: Queue{
			Prefix:            str("QUEUE_REDIS_PREFIX", "donasi"),
			MaxAttempts:       num("QUEUE_MAX_ATTEMPTS", 8),
			Concurrency:       num("QUEUE_CONCURRENCY", 4),
			VisibilityTimeout: dur("QUEUE_VISIBILITY_TIMEOUT", "30s"),
			RetryBase:         dur("RETRY_BASE", "2s"),
			RetryJitter:       parseFloat(k.String("RETRY_JITTER"), 0.2),
			RetryDelay:        dur("RETRY_INITIAL_DELAY", "5s"),
		},
		Lock: Lock{
			TTL:          dur("LOCK_TTL", "30s"),
			RetryBackoff: dur("LOCK_RETRY_BACKOFF", "50ms"),
		},
		Alert: Alert{
			WebhookURL:      strings.TrimSpace(k.String("ALERT_WEBHOOK_URL")),
			WebhookSecret:   k.String("ALERT_WEBHOOK_SECRET"),
			Topics:          splitAndTrim(k.String("ALERT_TOPICS")),
			Timeout:         dur("OUTBOUND_TIMEOUT", "5s"),
			CircuitMinReqs:  num("CIRCUIT_MIN_REQUESTS", 5),
			CircuitRatio:    parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
			CircuitCooldown: dur("CIRCUIT_COOLDOWN", "30s"),
		},
		Limits: Limits{
			Window:         dur("RATE_LIMIT_WINDOW", "1m"),
			CheckoutMax:    num("RATE_LIMIT_CHECKOUT", 30),
			ResubmitMax:    num("RATE_LIMIT_RESUBMIT", 5),
			StatusMax:      num("RATE_LIMIT_STATUS", 120),
			CallbackMax:    num("RATE_LIMIT_CALLBACK", 600),
			OutboxBatch:    num("OUTBOX_BATCH", 100),
			OutboxInterval: dur("OUTBOX_INTERVAL", "5s"),
		},
		Obs: Obs{
			LogFormat:         str("OBS_LOG_FORMAT", "json"),
			LogLevel:          str("OBS_LOG_LEVEL", "info"),
			MetricsEnabled:    parseBoolDefault(k.String("OBS_METRICS_ENABLED"), true),
			MetricsNS:         str("OBS_METRICS_NAMESPACE", "donasi"),
			MetricsBuckets:    k.String("OBS_HTTP_BUCKETS_MS"),
			WorkerMetricsAddr: str("WORKER_METRICS_ADDR", ":9091"),
			TracingEnabled:    parseBool(k.String("OBS_TRACING_ENABLED")),
			OTLPEndpoint:      str("OBS_OTLP_ENDPOINT", "localhost:4318"),
			OTLPInsecure:      parseBoolDefault(k.String("OBS_OTLP_INSECURE"), true),
			TraceSampleRate:   parseFloat(k.String("OBS_TRACE_SAMPLE_RATE"), 0.1),
			ServiceName:       str("OBS_SERVICE_NAME", "donasi-payments"),
			PprofEnabled:      parseBool(k.String("OBS_PPROF_ENABLED")),
			PprofUser:         k.String("OBS_PPROF_USER"),
			PprofPass:         k.String("OBS_PPROF_PASS"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	require := func(value, key string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}
	require(c.DatabaseURL, "DATABASE_URL")
	require(c.RedisURL, "REDIS_URL")
	require(c.ECPay.MerchantID, "ECPAY_MERCHANT_ID")
	require(c.ECPay.HashKey, "ECPAY_HASH_KEY")
	require(c.ECPay.HashIV, "ECPAY_HASH_IV")
	require(c.JWTSecret, "AUTH_JWT_SECRET")
	if c.Payment.ResubmitWindow <= 0 {
		errs = append(errs, errors.New("RESUBMIT_WINDOW must be positive"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("QUEUE_MAX_ATTEMPTS must be positive"))
	}
	if c.Obs.MetricsEnabled && c.WorkerMetricsAddr() == c.HTTPAddr() {
		errs = append(errs, errors.New("WORKER_METRICS_ADDR must differ from PORT"))
	}
	if c.Obs.PprofEnabled && (c.Obs.PprofUser == "" || c.Obs.PprofPass == "") {
		errs = append(errs, errors.New("OBS_PPROF_USER and OBS_PPROF_PASS are required when pprof is enabled"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// WorkerMetricsAddr returns the address the worker's metrics server binds to.
func (c *Config) WorkerMetricsAddr() string {
	addr := strings.TrimSpace(c.Obs.WorkerMetricsAddr)
	if addr == "" {
		addr = ":9091"
	}
	if !strings.Contains(addr, ":") {
		return ":" + addr
	}
	return addr
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
