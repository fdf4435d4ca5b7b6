// Package app wires configuration, logging, tracing, the broker and the HTTP
// surface into a runnable server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/modelgate/modelgate/internal/broker"
	"github.com/modelgate/modelgate/internal/clock"
	"github.com/modelgate/modelgate/internal/httpapi"
	"github.com/modelgate/modelgate/internal/keys"
	"github.com/modelgate/modelgate/internal/logging"
	"github.com/modelgate/modelgate/internal/metrics"
	"github.com/modelgate/modelgate/internal/providers"
	"github.com/modelgate/modelgate/internal/providers/gemini"
	"github.com/modelgate/modelgate/internal/providers/mistral"
	"github.com/modelgate/modelgate/internal/recordstore"
	"github.com/modelgate/modelgate/internal/tokens"
	"github.com/modelgate/modelgate/internal/tracing"
	"github.com/modelgate/modelgate/internal/usage"
)

// Server holds the assembled application.
type Server struct {
	Config  Config
	Logger  *slog.Logger
	Router  chi.Router
	Broker  *broker.Router
	Metrics *metrics.Registry

	tracingShutdown func(context.Context) error
}

// NewServer builds the full application from config: logger, tracing, key
// resolver, provider clients, per-key usage stores and the broker, then
// mounts the HTTP routes.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "modelgate",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	reg := metrics.New()

	resolver, err := buildResolver(cfg)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.ProviderTimeoutSecs) * time.Second
	transport := tracing.HTTPTransport(nil)
	newClient := func(provider, apiKey string) (providers.Client, error) {
		switch provider {
		case "mistral":
			return mistral.New(apiKey, mistral.WithTimeout(timeout), mistral.WithTransport(transport)), nil
		case "gemini":
			return gemini.New(apiKey, gemini.WithTimeout(timeout), gemini.WithTransport(transport)), nil
		default:
			return nil, fmt.Errorf("unknown provider: %s", provider)
		}
	}

	newStore := func(ctx context.Context, label string) (usage.Store, error) {
		return usage.Build(ctx, usage.Options{
			Strategy:      cfg.UsageStrategy,
			Label:         label,
			FlushInterval: time.Duration(cfg.UsageFlushSecs) * time.Second,
			Record: recordstore.Config{
				BaseURL:  cfg.RecordStoreURL,
				Identity: cfg.RecordStoreIdentity,
				Password: cfg.RecordStorePassword,
			},
			RecordCollection: cfg.UsageCollection,
			RedisAddr:        cfg.RedisAddr,
			RedisPassword:    cfg.RedisPassword,
			RedisDB:          cfg.RedisDB,
			SQLiteDSN:        cfg.SQLiteDSN,
			Logger:           logger,
		})
	}

	b := broker.NewRouter(broker.Factory{
		Resolver:  resolver,
		NewClient: newClient,
		NewStore:  newStore,
		Estimator: tokens.Estimate,
		Clock:     clock.New(),
		Logger:    logger,
		Metrics:   reg,
	})

	for _, provider := range Providers {
		n, err := b.Register(ctx, provider)
		if err != nil {
			return nil, err
		}
		if n == 0 && provider == broker.DefaultProvider {
			return nil, fmt.Errorf("no API keys resolved for default provider %s", provider)
		}
		if n == 0 {
			logger.Warn("no keys for provider, skipping", slog.String("provider", provider))
		}
	}

	guard, err := httpapi.NewAdminGuard(cfg.AdminToken)
	if err != nil {
		return nil, fmt.Errorf("admin guard: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.RequestLogger(logger))
	if cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Broker:    b,
		Metrics:   reg,
		Estimator: tokens.Estimate,
		Admin:     guard,
	})

	return &Server{
		Config:          cfg,
		Logger:          logger,
		Router:          r,
		Broker:          b,
		Metrics:         reg,
		tracingShutdown: tracingShutdown,
	}, nil
}

func buildResolver(cfg Config) (keys.Resolver, error) {
	switch cfg.KeySource {
	case "env":
		return &keys.Env{
			Lookup: func(provider string) string {
				return getEnv("MODELGATE_"+strings.ToUpper(provider)+"_API_KEY", "")
			},
			FallbackDelayMS: cfg.FallbackDelayMS,
		}, nil
	case "store":
		client := recordstore.New(recordstore.Config{
			BaseURL:  cfg.RecordStoreURL,
			Identity: cfg.RecordStoreIdentity,
			Password: cfg.RecordStorePassword,
		})
		return &keys.Store{Client: client, Collection: cfg.KeysCollection}, nil
	case "http":
		return keys.NewHTTP(cfg.KeyEndpoint), nil
	default:
		return nil, fmt.Errorf("unknown key source: %s", cfg.KeySource)
	}
}

// Close flushes usage state and tracing buffers. Called on shutdown after the
// HTTP server stops accepting requests.
func (s *Server) Close(ctx context.Context) error {
	err := s.Broker.Close()
	if s.tracingShutdown != nil {
		if terr := s.tracingShutdown(ctx); terr != nil && err == nil {
			err = terr
		}
	}
	return err
}
