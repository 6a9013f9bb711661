// Package server wires the Moperator event plane together and returns a
// ready-to-serve HTTP handler.
//
// This package lives in pkg/ (not internal/) so the platform repo can import
// it and compose the event plane with its own store, seeded agents, or extra
// middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/raullenchai/moperator/internal/api"
	"github.com/raullenchai/moperator/internal/api/handlers"
	"github.com/raullenchai/moperator/internal/classify"
	"github.com/raullenchai/moperator/internal/config"
	"github.com/raullenchai/moperator/internal/dispatch"
	"github.com/raullenchai/moperator/internal/health"
	"github.com/raullenchai/moperator/internal/ingest"
	"github.com/raullenchai/moperator/internal/ratelimit"
	"github.com/raullenchai/moperator/internal/registry"
	"github.com/raullenchai/moperator/internal/retention"
	"github.com/raullenchai/moperator/internal/retry"
	"github.com/raullenchai/moperator/internal/route"
	"github.com/raullenchai/moperator/internal/signing"
	"github.com/raullenchai/moperator/internal/store"
	"github.com/raullenchai/moperator/internal/telemetry"
)

// Server holds the initialized event plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the key-value backend selected by the configuration.
	// Exposed so an embedding deployment can share it with other services.
	Store store.Store

	// Registry reads and seeds the agent registry. Deployments that need
	// agents installed at boot call Registry.Seed before serving.
	Registry *registry.Registry

	// Config is the resolved configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc stops background loops and flushes telemetry. Call it on
	// graceful shutdown, before closing the store.
	ShutdownFunc func(context.Context) error
}

// New loads configuration from MOPERATOR_CONFIG (optional YAML file) plus
// environment variables and initializes the event plane.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load(os.Getenv("MOPERATOR_CONFIG"))
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the event plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	otelShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	log.Info().Str("backend", cfg.Store.Backend).Msg("✅ Store initialized")

	if cfg.Signing.Secret == "" {
		log.Warn().Msg("MOPERATOR_SIGNING_SECRET not set, webhook payloads are signed with an empty secret")
	}

	reg := registry.New(dataStore)
	signer := signing.New(cfg.Signing.Secret)
	dispatcher := dispatch.New(signer, cfg.Dispatch.Timeout.Std())

	queue := retry.NewQueue(dataStore, dispatcher, retry.Options{
		BaseDelay:     cfg.Retry.BaseDelay.Std(),
		MaxAttempts:   cfg.Retry.MaxAttempts,
		LeaseTTL:      cfg.Retry.LeaseTTL.Std(),
		PendingTTL:    cfg.Retry.PendingTTL.Std(),
		DeadTTL:       cfg.Retry.DeadTTL.Std(),
		DrainInterval: cfg.Retry.DrainInterval.Std(),
	})

	monitor := health.NewMonitor(reg, health.Options{
		ProbeTimeout:     cfg.Health.ProbeTimeout.Std(),
		FailureThreshold: cfg.Health.FailureThreshold,
		CheckInterval:    cfg.Health.CheckInterval.Std(),
		Tenant:           cfg.Tenant,
	})

	classifier := classify.NewService(nil, cfg.Classify.Timeout.Std(), cfg.Classify.FallbackLabel)
	router := route.New(reg, classifier, dispatcher, queue, cfg.Dispatch.MaxConcurrent)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(dataStore,
			ratelimit.Config{Window: cfg.RateLimit.ReadWindow.Std(), MaxRequests: cfg.RateLimit.ReadMax},
			ratelimit.Config{Window: cfg.RateLimit.WriteWindow.Std(), MaxRequests: cfg.RateLimit.WriteMax},
		)
	} else {
		log.Warn().Msg("Rate limiting disabled")
	}

	h := handlers.New(reg, router, queue, monitor)
	apiHandler := api.NewRouter(cfg, h, limiter)

	log.Info().Msg("✅ Email router initialized")
	log.Info().Msg("✅ Retry queue initialized")
	log.Info().Msg("✅ Health monitor initialized")

	// Background loops. The queue and monitor no-op when their intervals are
	// zero; the cron endpoints stay available either way.
	queue.Start()
	monitor.Start()

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	janitor := retention.NewJanitor(dataStore, retention.Options{
		PendingTTL: cfg.Retry.PendingTTL.Std(),
		DeadTTL:    cfg.Retry.DeadTTL.Std(),
	})
	go janitor.Start(janitorCtx)

	var consumer *ingest.Consumer
	if cfg.Ingest.Enabled {
		consumer = ingest.NewConsumer(ingest.Options{
			Brokers: cfg.Ingest.Brokers,
			Topic:   cfg.Ingest.Topic,
			GroupID: cfg.Ingest.GroupID,
		}, router)
		consumer.Start(context.Background())
	}

	shutdown := func(ctx context.Context) error {
		if consumer != nil {
			if err := consumer.Stop(); err != nil {
				log.Warn().Err(err).Msg("Failed to stop ingest consumer")
			}
		}
		queue.Stop()
		monitor.Stop()
		stopJanitor()
		return otelShutdown(ctx)
	}

	return &Server{
		Handler:      apiHandler,
		Store:        dataStore,
		Registry:     reg,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// openStore builds the key-value backend named by the configuration.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "bolt":
		s, err := store.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("open bolt store at %s: %w", cfg.BoltPath, err)
		}
		return s, nil
	case "redis":
		s, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
		}
		return s, nil
	case "postgres":
		s, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
