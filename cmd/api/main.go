package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reward-cap-engine/internal/cache"
	"reward-cap-engine/internal/config"
	"reward-cap-engine/internal/database"
	"reward-cap-engine/internal/events"
	"reward-cap-engine/internal/features"
	"reward-cap-engine/internal/handler"
	"reward-cap-engine/internal/logging"
	"reward-cap-engine/internal/metrics"
	"reward-cap-engine/internal/middleware"
	"reward-cap-engine/internal/rewards"
	"reward-cap-engine/internal/service"
	tlsconfig "reward-cap-engine/internal/tls"
	"reward-cap-engine/internal/tracing"
	"reward-cap-engine/internal/usagecache"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to JSON config file (optional)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Tracing.ServiceName, cfg.Logging.Environment, cfg.Logging.Level)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	tracer, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Logging.Environment,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	backend, closeBackend, err := newCacheBackend(cfg.Cache)
	if err != nil {
		return err
	}
	defer closeBackend()

	usage := usagecache.New(backend, usagecache.Options{
		TTL:     time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		Logger:  logger,
		Metrics: m,
	})

	calc := rewards.NewCalculator(rewards.Options{
		Cache:   usage,
		Logger:  logger,
		Metrics: m,
		Tracer:  tracer.Tracer(),
	})

	eventManager := events.NewManager(cfg.Features.EventHooks, logger)
	defer eventManager.Shutdown()

	flags := features.NewDefaultManager(cfg.Features.UsageCache, cfg.Features.EventHooks)

	svc := service.NewService(db, service.Options{
		Calculator: calc,
		Cache:      usage,
		Events:     eventManager,
		Features:   flags,
		Logger:     logger,
		Metrics:    m,
	})

	if cfg.Rules.CatalogPath != "" {
		rules, err := config.LoadRuleCatalog(cfg.Rules.CatalogPath)
		if err != nil {
			return err
		}
		if err := svc.SeedRules(ctx, rules); err != nil {
			return err
		}
		logger.Info("rule catalog loaded",
			slog.String("path", cfg.Rules.CatalogPath),
			slog.Int("rules", len(rules)),
		)
	}

	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
		Logger:      logger,
	})

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
		defer rateLimiter.Stop()
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}

	r.Use(middleware.TracingMiddleware(cfg.Tracing.ServiceName))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.Security.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h.Routes(r)

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/features", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(flags.GetAll())
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.EnableTLS {
		server.TLSConfig, err = tlsconfig.LoadTLSConfig(tlsconfig.Config{
			CertFile: cfg.Server.CertFile,
			KeyFile:  cfg.Server.KeyFile,
		})
		if err != nil {
			return err
		}
		if cfg.Server.CertFile == "" {
			logger.Warn("no certificate files provided, using self-signed certificate for development")
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			slog.String("addr", server.Addr),
			slog.Bool("tls", cfg.Server.EnableTLS),
			slog.String("database", cfg.Database.Path),
			slog.String("cache_backend", cfg.Cache.Backend),
		)
		var err error
		if server.TLSConfig != nil {
			// certificates are already on TLSConfig
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case <-sigint:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newCacheBackend builds the store behind the usage cache.
func newCacheBackend(cfg config.CacheConfig) (cache.Cache, func(), error) {
	if cfg.Backend == "redis" {
		rc, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "reward-cap-engine:usage")
		if err != nil {
			return nil, nil, err
		}
		return rc, func() { rc.Close() }, nil
	}

	lru, err := cache.NewLRUCache(cfg.Size)
	if err != nil {
		return nil, nil, err
	}
	return lru, func() {}, nil
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
