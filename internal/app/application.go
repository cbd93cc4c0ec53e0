package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/jobs"
	accesssvc "github.com/labcv/labcv/internal/app/services/access"
	"github.com/labcv/labcv/internal/app/services/ai"
	"github.com/labcv/labcv/internal/app/services/chat"
	"github.com/labcv/labcv/internal/app/services/cvs"
	"github.com/labcv/labcv/internal/app/services/downloads"
	learningsvc "github.com/labcv/labcv/internal/app/services/learning"
	"github.com/labcv/labcv/internal/app/services/notify"
	"github.com/labcv/labcv/internal/app/services/payments"
	"github.com/labcv/labcv/internal/app/services/profiles"
	"github.com/labcv/labcv/internal/app/services/prompts"
	trainingsvc "github.com/labcv/labcv/internal/app/services/training"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/app/storage/blob"
	"github.com/labcv/labcv/internal/app/storage/memory"
	"github.com/labcv/labcv/internal/app/storage/postgres"
	"github.com/labcv/labcv/internal/app/system"
	"github.com/labcv/labcv/internal/config"
	"github.com/labcv/labcv/internal/logging"
	"github.com/labcv/labcv/internal/middleware"
	"github.com/labcv/labcv/internal/platform/migrations"
	"github.com/labcv/labcv/supabase/client"
)

// Deps are the external collaborators of the application. Nil members are
// replaced by in-process implementations.
type Deps struct {
	Store     storage.Store
	Bucket    blob.Bucket
	Completer ai.Completer
	Gateway   payments.Gateway
	Mailer    notify.Mailer
	Supabase  *client.Client
	Redis     *redis.Client
}

// Limiters are the request budgets enforced by the HTTP layer.
type Limiters struct {
	API  middleware.Limiter
	Chat middleware.Limiter
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logging.Logger

	Config   *config.Config
	Store    storage.Store
	Supabase *client.Client
	Gateway  payments.Gateway
	Limiters Limiters
	Jobs     *jobs.Scheduler

	Profiles  *profiles.Service
	CVs       *cvs.Service
	Prompts   *prompts.Service
	Learning  *learningsvc.Service
	Chat      *chat.Service
	Access    *accesssvc.Service
	Payments  *payments.Service
	Downloads *downloads.Service
	Training  *trainingsvc.Service
}

// New builds a fully initialised application.
func New(cfg *config.Config, deps Deps, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.NewDefault("app")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	product := cfg.Product
	if product.Pricing.AmountCents == 0 {
		product = *config.DefaultProduct()
	}

	if deps.Store == nil {
		log.Warn("no store configured; using in-memory store")
		deps.Store = memory.New()
	}
	if deps.Bucket == nil {
		deps.Bucket = blob.NewMemory()
	}
	if deps.Completer == nil {
		log.Warn("AI_API_KEY not set; assistant answers are canned")
		deps.Completer = ai.StaticCompleter{Reply: "Cuéntame más sobre tu experiencia para mejorar tu CV."}
	}
	if deps.Gateway == nil {
		log.Warn("Yappy credentials not set; using sandbox payment gateway")
		deps.Gateway = payments.NewSandbox(cfg.Yappy.SecretKey)
	}
	if deps.Mailer == nil {
		deps.Mailer = notify.NewLogMailer(log.Named("mail"))
	}

	store := deps.Store
	profileService := profiles.New(store, profiles.NewAllowlist(cfg.AdminIDs()), log.Named("profiles"))
	cvService := cvs.New(store, deps.Bucket, log.Named("cvs"))
	learningService := learningsvc.New(store, product.Learning, log.Named("learning"))
	promptService := prompts.New(store, store, product.Learning, log.Named("prompts"))
	chatService := chat.New(store, cvService, promptService, learningService, deps.Completer, product.Chat, log.Named("chat"))
	accessService := accesssvc.New(store, product.Access, log.Named("access"))
	paymentService := payments.New(store, store, accessService, deps.Gateway, product, payments.Options{
		Profiles:  store,
		Mailer:    deps.Mailer,
		PublicURL: cfg.PublicURL,
	}, log.Named("payments"))
	downloadService := downloads.New(cvService, accessService, log.Named("downloads"))
	trainingService := trainingsvc.New(store, promptService, learningService, deps.Completer, log.Named("training"))

	limiters, cleaners := buildLimiters(cfg, deps.Redis)

	scheduler := jobs.NewScheduler(time.Minute, log.Named("jobs"))
	if err := jobs.Register(scheduler, jobs.Maintenance(jobs.Deps{
		Payments: paymentService,
		Access:   accessService,
		Limiters: cleaners,
	}, log.Named("jobs"))); err != nil {
		return nil, fmt.Errorf("register jobs: %w", err)
	}

	manager := system.NewManager(log.Named("system"))
	poller := payments.NewReconcilePoller(store, paymentService, product.Payments.PollInterval, log.Named("payments-poller"))
	for _, svc := range []system.Service{poller, scheduler} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:   manager,
		log:       log,
		Config:    cfg,
		Store:     store,
		Supabase:  deps.Supabase,
		Gateway:   deps.Gateway,
		Limiters:  limiters,
		Jobs:      scheduler,
		Profiles:  profileService,
		CVs:       cvService,
		Prompts:   promptService,
		Learning:  learningService,
		Chat:      chatService,
		Access:    accessService,
		Payments:  paymentService,
		Downloads: downloadService,
		Training:  trainingService,
	}, nil
}

// buildLimiters gives both backends the same sustained budget: RATE_LIMIT_RPS
// per second for the API and RATE_LIMIT_CHAT_PER_MINUTE for chat. Bursts only
// apply to the in-process token buckets.
func buildLimiters(cfg *config.Config, rdb *redis.Client) (Limiters, []jobs.LimiterCleaner) {
	if rdb != nil {
		return Limiters{
			API:  middleware.NewRedisRateLimiter(rdb, "labcv:rl:api", cfg.Limits.RequestsPerSecond, time.Second),
			Chat: middleware.NewRedisRateLimiter(rdb, "labcv:rl:chat", cfg.Limits.ChatPerMinute, time.Minute),
		}, nil
	}
	api := middleware.NewRateLimiter(cfg.Limits.RequestsPerSecond, time.Second, cfg.Limits.Burst)
	chatLimiter := middleware.NewRateLimiter(cfg.Limits.ChatPerMinute, time.Minute, 5)
	return Limiters{API: api, Chat: chatLimiter}, []jobs.LimiterCleaner{api, chatLimiter}
}

// Descriptors lists the domain services for the health endpoint.
func (a *Application) Descriptors() []service.Descriptor {
	return []service.Descriptor{
		a.Profiles.Descriptor(),
		a.CVs.Descriptor(),
		a.Prompts.Descriptor(),
		a.Learning.Descriptor(),
		a.Chat.Descriptor(),
		a.Access.Descriptor(),
		a.Payments.Descriptor(),
		a.Downloads.Descriptor(),
		a.Training.Descriptor(),
	}
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(svc system.Service) error {
	return a.manager.Register(svc)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Services names the lifecycle-managed services.
func (a *Application) Services() []string {
	return a.manager.Names()
}

// Resources owns the connections opened by Connect.
type Resources struct {
	DB    *sql.DB
	Redis *redis.Client
}

// Close releases the connections.
func (r *Resources) Close() error {
	var firstErr error
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil {
			firstErr = err
		}
	}
	if r.DB != nil {
		if err := r.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ConnectOptions tune Connect.
type ConnectOptions struct {
	// Migrate applies pending schema migrations after connecting.
	Migrate bool
}

// Connect opens the external dependencies selected by cfg.
func Connect(ctx context.Context, cfg *config.Config, opts ConnectOptions, log *logging.Logger) (Deps, *Resources, error) {
	if log == nil {
		log = logging.NewDefault("app")
	}
	var (
		deps Deps
		res  = &Resources{}
	)
	fail := func(err error) (Deps, *Resources, error) {
		_ = res.Close()
		return Deps{}, nil, err
	}

	switch cfg.StoreDriver {
	case "postgres":
		store, db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("open postgres: %w", err))
		}
		res.DB = db
		if opts.Migrate {
			if err := migrations.Apply(ctx, db); err != nil {
				return fail(fmt.Errorf("apply migrations: %w", err))
			}
		}
		deps.Store = store
	default:
		deps.Store = memory.New()
	}

	if url := strings.TrimSpace(cfg.Supabase.URL); url != "" {
		key := cfg.Supabase.ServiceKey
		if key == "" {
			key = cfg.Supabase.AnonKey
		}
		sb, _, err := client.NewResilient(client.Config{URL: url, APIKey: key}, client.DefaultRetryPolicy(), client.BreakerSettings{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenFor:          30 * time.Second,
			OnStateChange: func(from, to client.CircuitState) {
				log.WithFields(map[string]interface{}{"from": from.String(), "to": to.String()}).Warn("supabase circuit breaker changed state")
			},
		})
		if err != nil {
			return fail(fmt.Errorf("supabase client: %w", err))
		}
		deps.Supabase = sb
		if cfg.Supabase.ServiceKey != "" {
			deps.Bucket = blob.NewSupabase(sb, cfg.Supabase.AssetBucket)
		}
	}

	if cfg.AI.APIKey != "" {
		deps.Completer = ai.NewOpenAIClient(ai.Config{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			MaxTokens:   cfg.AI.MaxTokens,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		}, log.Named("ai"))
	}

	if cfg.Yappy.MerchantID != "" && cfg.Yappy.SecretKey != "" {
		yappy, err := payments.NewYappyClient(cfg.Yappy, &http.Client{Timeout: 20 * time.Second}, log.Named("yappy"))
		if err != nil {
			return fail(err)
		}
		deps.Gateway = yappy
	}

	if cfg.Mail.ResendAPIKey != "" {
		deps.Mailer = notify.NewResendMailer(cfg.Mail.ResendAPIKey, cfg.Mail.From, "", log.Named("mail"))
	}

	if cfg.RedisURL != "" {
		rdb, err := middleware.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			log.WithError(err).Warn("redis unreachable; using in-memory rate limits")
		} else {
			res.Redis = rdb
			deps.Redis = rdb
		}
	}

	return deps, res, nil
}
