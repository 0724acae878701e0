package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/textualy/autoreply/internal/adapter/crm"
	cfhttp "github.com/textualy/autoreply/internal/adapter/http"
	cfnats "github.com/textualy/autoreply/internal/adapter/nats"
	"github.com/textualy/autoreply/internal/adapter/natskv"
	"github.com/textualy/autoreply/internal/adapter/openai"
	cfotel "github.com/textualy/autoreply/internal/adapter/otel"
	"github.com/textualy/autoreply/internal/adapter/postgres"
	"github.com/textualy/autoreply/internal/adapter/ristretto"
	"github.com/textualy/autoreply/internal/adapter/tiered"
	"github.com/textualy/autoreply/internal/config"
	"github.com/textualy/autoreply/internal/logger"
	"github.com/textualy/autoreply/internal/middleware"
	"github.com/textualy/autoreply/internal/port/cache"
	"github.com/textualy/autoreply/internal/resilience"
	"github.com/textualy/autoreply/internal/secrets"
	"github.com/textualy/autoreply/internal/service"
)

const (
	shutdownTimeout = 15 * time.Second
	webhookTimeout  = 10 * time.Second
)

func newServeCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and admin HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return serve(cmd.Context(), cfg, !skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on startup")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, migrate bool) error {
	lg, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(lg)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
		"token_refresh", cfg.Refresh.Enabled,
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---

	shutdownOTel, err := cfotel.Setup(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	sealer, err := secrets.NewSealer(cfg.Secrets.SealKey)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	if !sealer.Enabled() {
		slog.Warn("seal key not configured, oauth tokens are stored in plaintext")
	}
	if cfg.Webhook.Secret == "" {
		slog.Warn("webhook secret not configured, message triggers will be refused")
	}
	if cfg.Auth.JWTSecret == "" {
		slog.Warn("jwt secret not configured, admin endpoints will be refused")
	}

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if migrate {
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")
	}

	queue, err := cfnats.Connect(ctx, cfg.NATS)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	tokenCache, closeCache, err := newTokenCache(ctx, cfg.Cache, queue)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer closeCache()

	store := postgres.NewStore(pool, sealer)

	crmClient := crm.NewClient(cfg.CRM, newBreaker("crm", cfg.Breaker, crm.IsUpstreamFailure))
	llmProvider := openai.NewProvider(cfg.OpenAI,
		&http.Client{Timeout: cfg.OpenAI.Timeout, Transport: cfotel.Transport(http.DefaultTransport)},
		newBreaker("openai", cfg.Breaker, openai.IsUpstreamFailure),
	)

	// --- Services ---

	recorder := service.NewAuditRecorder(queue)
	stamper := service.NewStamper()
	credentials := service.NewCredentialProvider(store, crmClient, tokenCache, sealer, cfg.Cache.L2TTL)
	webhooks := service.NewWebhookDispatcher(queue, webhookTimeout)
	knowledgeBase := service.NewKnowledgeBaseService(store, llmProvider, recorder)

	prompts := service.NewPromptBuilder(store, store, knowledgeBase,
		cfg.Pipeline.HistoryLimit, cfg.Pipeline.RetrievalTopK, cfg.Pipeline.DefaultTimezone)
	tools := service.NewToolExecutor(crmClient, store, webhooks, recorder,
		cfg.Pipeline.BookingSettleMin, cfg.Pipeline.BookingSettleMax)
	loop := service.NewToolLoop(store, llmProvider, tools, stamper, recorder, cfg.Pipeline.MaxIterations)
	loop.SetMetrics(metrics)

	leadReply := service.NewLeadReplyService(
		store,
		credentials,
		crmClient,
		service.NewGate(store, recorder),
		service.NewResolver(store),
		service.NewFence(store, cfg.Pipeline.DebounceMin, cfg.Pipeline.DebounceMax),
		prompts,
		loop,
		recorder,
	)
	leadReply.SetMetrics(metrics)
	emulator := service.NewEmulatorService(store, prompts, loop, stamper, recorder)

	// --- Background workers ---

	stopAudit, err := service.NewAuditSink(queue, store).Start(ctx)
	if err != nil {
		return fmt.Errorf("audit sink: %w", err)
	}
	defer stopAudit()

	stopWebhooks, err := webhooks.Start(ctx)
	if err != nil {
		return fmt.Errorf("webhook dispatcher: %w", err)
	}
	defer stopWebhooks()

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst, middleware.KeyByLocation)
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Refresh.Enabled {
		refresher, err := service.NewTokenRefresher(credentials, store, cfg.Refresh.Schedule)
		if err != nil {
			return fmt.Errorf("token refresher: %w", err)
		}
		g.Go(func() error {
			if err := refresher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("token refresher: %w", err)
			}
			return nil
		})
	}

	// --- HTTP ---

	handlers := &cfhttp.Handlers{
		Triggers:      leadReply,
		Emulator:      emulator,
		KnowledgeBase: knowledgeBase,
		Audit:         recorder,
		Ready: func(ctx context.Context) error {
			if !queue.IsConnected() {
				return errors.New("nats disconnected")
			}
			return store.Ping(ctx)
		},
		BodyLimit:      cfg.Server.BodyLimitBytes,
		TriggerTimeout: cfg.Server.RequestTimeout,
	}

	r := chi.NewRouter()
	r.Use(cfotel.HTTPMiddleware(cfg.OTel.ServiceName))
	r.Use(middleware.RequestID)
	r.Use(cfhttp.Logger)
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	cfhttp.MountRoutes(r, handlers, cfhttp.RouteConfig{
		Webhook:        cfg.Webhook,
		Auth:           cfg.Auth,
		TriggerLimiter: limiter,
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// A trigger holds its response until the pipeline settles.
		WriteTimeout: cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// newTokenCache builds the credential cache: in-process ristretto in front
// of a NATS KV bucket shared across replicas.
func newTokenCache(ctx context.Context, cfg config.Cache, queue *cfnats.Queue) (cache.Cache, func(), error) {
	l1, err := ristretto.New(cfg.L1MaxSizeMB)
	if err != nil {
		return nil, nil, fmt.Errorf("l1: %w", err)
	}
	if cfg.L2Bucket == "" {
		return l1, l1.Close, nil
	}
	kv, err := queue.KeyValue(ctx, cfg.L2Bucket, cfg.L2TTL)
	if err != nil {
		l1.Close()
		return nil, nil, fmt.Errorf("l2 bucket %s: %w", cfg.L2Bucket, err)
	}
	return tiered.New(l1, natskv.New(kv), cfg.L2TTL), l1.Close, nil
}

func newBreaker(name string, cfg config.Breaker, isFailure func(error) bool) *resilience.Breaker {
	return resilience.NewBreaker(name, cfg.MaxFailures, cfg.Timeout,
		resilience.WithFailurePredicate(isFailure),
		resilience.WithStateChange(func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		}),
	)
}
