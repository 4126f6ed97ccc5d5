package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/pallicare-messaging/internal/api"
	"github.com/LeventeLantos/pallicare-messaging/internal/cache"
	"github.com/LeventeLantos/pallicare-messaging/internal/client"
	"github.com/LeventeLantos/pallicare-messaging/internal/config"
	"github.com/LeventeLantos/pallicare-messaging/internal/handler"
	"github.com/LeventeLantos/pallicare-messaging/internal/idempotency"
	"github.com/LeventeLantos/pallicare-messaging/internal/inbound"
	"github.com/LeventeLantos/pallicare-messaging/internal/intent"
	"github.com/LeventeLantos/pallicare-messaging/internal/llm"
	"github.com/LeventeLantos/pallicare-messaging/internal/lock"
	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/patient"
	"github.com/LeventeLantos/pallicare-messaging/internal/queue"
	"github.com/LeventeLantos/pallicare-messaging/internal/ratelimit"
	"github.com/LeventeLantos/pallicare-messaging/internal/reminder"
	"github.com/LeventeLantos/pallicare-messaging/internal/repo"
	"github.com/LeventeLantos/pallicare-messaging/internal/scheduler"
	"github.com/LeventeLantos/pallicare-messaging/internal/service"
)

func main() {
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(os.Getenv("LOG_LEVEL"))})))

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("pallicare-messaging exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("pallicare-messaging starting",
		"addr", cfg.Server.Address,
		"interval", cfg.Scheduler.Interval.String(),
		"batch", cfg.Scheduler.BatchSize,
		"concurrency", cfg.Scheduler.Concurrency,
		"redis", cfg.Redis.Enabled,
		"gateway", cfg.Webhook.Provider,
		"lock_backend", cfg.Lock.Backend,
		"idempotency_backend", cfg.Idempotency.Backend,
		"llm", cfg.LLM.Enabled,
	)

	db, set, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}

	// Coordination.
	lockOpts := lock.Options{Attempts: cfg.Lock.Attempts, RetryDelay: cfg.Lock.RetryDelay}
	sqlLocker := lock.NewSQLLocker(set.Locks, lockOpts)
	var locker lock.Locker = sqlLocker
	if cfg.Lock.Backend == config.BackendRedis {
		locker = lock.NewRedisLocker(rdb, lockOpts)
	}

	dedupStore, err := newDedupStore(ctx, cfg.Idempotency, set, rdb)
	if err != nil {
		return err
	}
	guard := idempotency.NewGuard(dedupStore, cfg.Idempotency.TTL)
	sqlDedup := idempotency.NewSQLStore(set.Dedup)

	// Domain.
	q := queue.New(set.Messages, set.Patients, queue.Config{
		BaseDelay:  cfg.Queue.BaseDelay,
		MaxDelay:   cfg.Queue.MaxDelay,
		MaxRetries: cfg.Queue.MaxRetries,
	})
	patients := patient.NewMachine(set.Patients, set.Messages)
	reminders := reminder.NewMachine(set.Reminders)

	var completer llm.Completer
	if cfg.LLM.Enabled {
		completer = llm.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout)
	}
	classifier := intent.New(completer)

	notifier := handler.NewNotifier(q, cfg.Escalation.VolunteerPhone)
	handlers := []handler.Handler{
		handler.NewUnsubscribeHandler(patients, notifier),
		handler.NewVerificationHandler(patients, completer, notifier),
		handler.NewFollowupHandler(reminders, classifier, notifier),
		handler.NewStaticInquiryHandler(patients, notifier),
	}
	if completer != nil {
		handlers = append(handlers, handler.NewLLMInquiryHandler(completer, patients, notifier))
	}
	chain := handler.NewChain(notifier, handlers...)

	processor := inbound.NewProcessor(guard, set.Patients, locker, cfg.Lock.TTL, chain)

	// Outbound.
	gateway, err := newGateway(cfg)
	if err != nil {
		return err
	}

	var receipts cache.MessageCache
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.MaxReplies, cfg.RateLimit.Window)
	if rdb != nil {
		receipts = cache.NewRedisCache(rdb, cfg.Redis.TTL)
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimit.MaxReplies, cfg.RateLimit.Window)
	}

	sender := service.NewSender(gateway, cfg.Webhook.ContentMax).WithHooks(
		func(ctx context.Context, msg *model.QueuedMessage, res client.SendResult) error {
			if receipts == nil || res.MessageID == "" {
				return nil
			}
			return receipts.StoreSent(ctx, res.MessageID, cache.SentReceipt{
				QueuedID:    msg.ID,
				PatientID:   msg.PatientID,
				MessageType: string(msg.MessageType),
				SentAt:      time.Now().UTC(),
			})
		},
		func(ctx context.Context, msg *model.QueuedMessage, reason string) error {
			slog.Warn("send failed", "id", msg.ID, "type", msg.MessageType, "retry_count", msg.RetryCount, "reason", reason)
			return nil
		},
	)

	worker := service.NewWorker(q, set.Patients, limiter, sender, service.WorkerConfig{
		BatchSize:   cfg.Scheduler.BatchSize,
		Concurrency: cfg.Scheduler.Concurrency,
		SendTimeout: cfg.Scheduler.SendTimeout,
	})
	workerSched, err := scheduler.New("worker", cfg.Scheduler.Interval, func(ctx context.Context) {
		worker.Tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("worker scheduler: %w", err)
	}

	maintenance := service.NewMaintenance(
		service.Sweep{Name: "lock_reap", Run: sqlLocker.Reap},
		service.Sweep{Name: "dedup_purge", Run: sqlDedup.Purge},
		service.Sweep{Name: "queue_recover_stale", Run: func(ctx context.Context) (int64, error) {
			return q.RecoverStale(ctx, cfg.Queue.StaleThreshold)
		}},
		service.Sweep{Name: "verification_expiry", Run: func(ctx context.Context) (int64, error) {
			return patients.ExpireStale(ctx, cfg.Maintenance.VerificationExpiry)
		}},
		service.Sweep{Name: "reminder_expiry", Run: func(ctx context.Context) (int64, error) {
			return reminders.ExpireUnconfirmed(ctx, cfg.Maintenance.ReminderConfirmation)
		}},
	)
	maintSched, err := scheduler.New("maintenance", cfg.Maintenance.Interval, func(ctx context.Context) {
		maintenance.Tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("maintenance scheduler: %w", err)
	}

	h := api.NewHandler(api.Deps{
		Worker:       workerSched,
		Background:   []*scheduler.Scheduler{maintSched},
		Queue:        q,
		Inbound:      processor,
		Reminders:    reminders,
		Messages:     set.Messages,
		Receipts:     receipts,
		WebhookToken: cfg.Webhook.InboundToken,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	workerSched.Start()
	maintSched.Start()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "err", err)
	}

	// Stop waits for an in-flight tick, so queued sends finish before the
	// database closes.
	workerSched.Stop()
	maintSched.Stop()

	slog.Info("pallicare-messaging stopped")
	return serveErr
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, repo.Set, error) {
	if cfg.PostgresURL != "" {
		db, err := repo.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, repo.Set{}, err
		}
		return db, repo.NewPostgresSet(db), nil
	}

	db, err := repo.OpenSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, repo.Set{}, err
	}
	return db, repo.NewSQLiteSet(db), nil
}

func newDedupStore(ctx context.Context, cfg config.IdempotencyConfig, set repo.Set, rdb *redis.Client) (idempotency.Store, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return idempotency.NewRedisStore(rdb), nil
	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return idempotency.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable)
	default:
		return idempotency.NewSQLStore(set.Dedup), nil
	}
}

func newGateway(cfg *config.Config) (service.SendClient, error) {
	if cfg.Webhook.Provider == config.ProviderTwilio {
		return client.NewTwilioClient(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.From)
	}
	return client.NewWebhookClient(cfg.Webhook.URL, cfg.Webhook.GatewayToken), nil
}

func logLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
