package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Scheduler   SchedulerConfig
	Webhook     WebhookConfig
	Queue       QueueConfig
	Lock        LockConfig
	Idempotency IdempotencyConfig
	LLM         LLMConfig
	RateLimit   RateLimitConfig
	Twilio      TwilioConfig
	Escalation  EscalationConfig
	Maintenance MaintenanceConfig
}

type ServerConfig struct {
	Address string
}

// DatabaseConfig selects Postgres when PostgresURL is set, SQLite otherwise.
type DatabaseConfig struct {
	PostgresURL string
	SQLitePath  string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	SendTimeout time.Duration
}

type WebhookConfig struct {
	Provider     string
	URL          string
	GatewayToken string
	InboundToken string
	ContentMax   int
}

type QueueConfig struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxRetries     int
	StaleThreshold time.Duration
}

type LockConfig struct {
	Backend    string
	TTL        time.Duration
	Attempts   int
	RetryDelay time.Duration
}

type IdempotencyConfig struct {
	Backend       string
	TTL           time.Duration
	DynamoDBTable string
}

type LLMConfig struct {
	Enabled bool
	APIKey  string
	Model   string
	Timeout time.Duration
}

type RateLimitConfig struct {
	MaxReplies int
	Window     time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
}

type EscalationConfig struct {
	VolunteerPhone string
}

type MaintenanceConfig struct {
	Interval             time.Duration
	VerificationExpiry   time.Duration
	ReminderConfirmation time.Duration
}

const (
	ProviderGeneric = "generic"
	ProviderTwilio  = "twilio"

	BackendSQL      = "sql"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

// LoadAll reads the whole configuration from the environment and reports
// every problem at once.
func LoadAll() (*Config, error) {
	r := &envReader{}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: os.Getenv("POSTGRES_URL"),
			SQLitePath:  os.Getenv("SQLITE_PATH"),
		},
		Webhook: WebhookConfig{
			Provider:     strings.ToLower(getEnv("GATEWAY_PROVIDER", ProviderGeneric)),
			URL:          os.Getenv("WEBHOOK_URL"),
			GatewayToken: os.Getenv("GATEWAY_TOKEN"),
			InboundToken: r.required("WEBHOOK_TOKEN"),
			ContentMax:   r.int("CONTENT_MAX", 4096),
		},
		Scheduler: SchedulerConfig{
			Interval:    r.seconds("SCHED_INTERVAL_SECONDS", 10),
			BatchSize:   r.int("SCHED_BATCH_SIZE", 10),
			Concurrency: r.int("WORKER_CONCURRENCY", 5),
			SendTimeout: r.seconds("SEND_TIMEOUT_SECONDS", 10),
		},
		Queue: QueueConfig{
			BaseDelay:      r.seconds("QUEUE_BASE_DELAY_SECONDS", 30),
			MaxDelay:       r.seconds("QUEUE_MAX_DELAY_SECONDS", 3600),
			MaxRetries:     r.int("QUEUE_MAX_RETRIES", 3),
			StaleThreshold: r.seconds("QUEUE_STALE_SECONDS", 300),
		},
		Lock: LockConfig{
			Backend:    strings.ToLower(getEnv("LOCK_BACKEND", BackendSQL)),
			TTL:        r.seconds("LOCK_TTL_SECONDS", 30),
			Attempts:   r.int("LOCK_ATTEMPTS", 3),
			RetryDelay: time.Duration(r.int("LOCK_RETRY_DELAY_MS", 100)) * time.Millisecond,
		},
		Idempotency: IdempotencyConfig{
			Backend:       strings.ToLower(os.Getenv("IDEMPOTENCY_BACKEND")),
			TTL:           r.seconds("IDEMPOTENCY_TTL_SECONDS", 86400),
			DynamoDBTable: os.Getenv("DYNAMODB_TABLE"),
		},
		LLM: LLMConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			Model:   getEnv("LLM_MODEL", "gpt-4o-mini"),
			Timeout: r.seconds("LLM_TIMEOUT_SECONDS", 10),
		},
		RateLimit: RateLimitConfig{
			MaxReplies: r.int("RATE_LIMIT_MAX", 5),
			Window:     r.seconds("RATE_LIMIT_WINDOW_SECONDS", 60),
		},
		Twilio: TwilioConfig{
			AccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
			AuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
			From:       os.Getenv("TWILIO_FROM"),
		},
		Escalation: EscalationConfig{
			VolunteerPhone: os.Getenv("ESCALATION_PHONE"),
		},
		Maintenance: MaintenanceConfig{
			Interval:             r.seconds("MAINT_INTERVAL_SECONDS", 60),
			VerificationExpiry:   time.Duration(r.int("VERIFICATION_EXPIRY_HOURS", 48)) * time.Hour,
			ReminderConfirmation: time.Duration(r.int("REMINDER_CONFIRM_WINDOW_HOURS", 24)) * time.Hour,
		},
		Redis: loadRedisConfig(r),
	}
	cfg.LLM.Enabled = cfg.LLM.APIKey != ""

	if cfg.Idempotency.Backend == "" {
		cfg.Idempotency.Backend = BackendSQL
		if cfg.Redis.Enabled {
			cfg.Idempotency.Backend = BackendRedis
		}
	}

	errs := append(r.errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig(r *envReader) RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       r.int("REDIS_DB", 0),
		TTL:      r.seconds("REDIS_TTL_SECONDS", 86400),
	}
}

func validate(cfg *Config) []error {
	var errs []error

	if cfg.Database.PostgresURL == "" && cfg.Database.SQLitePath == "" {
		errs = append(errs, errors.New("missing required env var: POSTGRES_URL or SQLITE_PATH"))
	}
	if cfg.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("SCHED_BATCH_SIZE must be > 0"))
	}
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Scheduler.Concurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be > 0"))
	}
	if cfg.Webhook.ContentMax <= 0 {
		errs = append(errs, errors.New("CONTENT_MAX must be > 0"))
	}
	if cfg.Queue.BaseDelay <= 0 {
		errs = append(errs, errors.New("QUEUE_BASE_DELAY_SECONDS must be > 0"))
	}
	if cfg.Queue.MaxDelay < cfg.Queue.BaseDelay {
		errs = append(errs, errors.New("QUEUE_MAX_DELAY_SECONDS must be >= QUEUE_BASE_DELAY_SECONDS"))
	}
	if cfg.Queue.MaxRetries < 0 {
		errs = append(errs, errors.New("QUEUE_MAX_RETRIES must be >= 0"))
	}
	if cfg.Lock.Attempts <= 0 {
		errs = append(errs, errors.New("LOCK_ATTEMPTS must be > 0"))
	}
	if cfg.Lock.TTL <= 0 {
		errs = append(errs, errors.New("LOCK_TTL_SECONDS must be > 0"))
	}
	if cfg.RateLimit.MaxReplies <= 0 || cfg.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW_SECONDS must be > 0"))
	}

	switch cfg.Webhook.Provider {
	case ProviderGeneric:
		if cfg.Webhook.URL == "" {
			errs = append(errs, errors.New("missing required env var: WEBHOOK_URL"))
		}
	case ProviderTwilio:
		if cfg.Twilio.AccountSID == "" || cfg.Twilio.AuthToken == "" || cfg.Twilio.From == "" {
			errs = append(errs, errors.New("GATEWAY_PROVIDER=twilio requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM"))
		}
	default:
		errs = append(errs, fmt.Errorf("GATEWAY_PROVIDER must be %q or %q, got %q", ProviderGeneric, ProviderTwilio, cfg.Webhook.Provider))
	}

	switch cfg.Lock.Backend {
	case BackendSQL:
	case BackendRedis:
		if !cfg.Redis.Enabled {
			errs = append(errs, errors.New("LOCK_BACKEND=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", BackendSQL, BackendRedis, cfg.Lock.Backend))
	}

	switch cfg.Idempotency.Backend {
	case BackendSQL:
	case BackendRedis:
		if !cfg.Redis.Enabled {
			errs = append(errs, errors.New("IDEMPOTENCY_BACKEND=redis requires REDIS_ADDR"))
		}
	case BackendDynamoDB:
		if cfg.Idempotency.DynamoDBTable == "" {
			errs = append(errs, errors.New("IDEMPOTENCY_BACKEND=dynamodb requires DYNAMODB_TABLE"))
		}
	default:
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_BACKEND must be sql, redis or dynamodb, got %q", cfg.Idempotency.Backend))
	}

	return errs
}

// envReader collects parse errors so LoadAll can report them together.
type envReader struct {
	errs []error
}

func (r *envReader) required(key string) string {
	v, err := requireEnv(key)
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return v
}

func (r *envReader) int(key string, def int) int {
	v, err := getEnvInt(key, def)
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return v
}

func (r *envReader) seconds(key string, def int) time.Duration {
	return time.Duration(r.int(key, def)) * time.Second
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
