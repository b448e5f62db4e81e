package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/changeflow/pkg/audit"
	"github.com/ekaya-inc/changeflow/pkg/config"
	"github.com/ekaya-inc/changeflow/pkg/database"
	"github.com/ekaya-inc/changeflow/pkg/flow"
	"github.com/ekaya-inc/changeflow/pkg/handlers"
	"github.com/ekaya-inc/changeflow/pkg/logging"
	"github.com/ekaya-inc/changeflow/pkg/metrics"
	"github.com/ekaya-inc/changeflow/pkg/middleware"
	"github.com/ekaya-inc/changeflow/pkg/repositories"
	"github.com/ekaya-inc/changeflow/pkg/retry"
	"github.com/ekaya-inc/changeflow/pkg/schema"
	"github.com/ekaya-inc/changeflow/pkg/validation"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("changeflow stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("base_url", cfg.BaseURL),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.String("audit_publisher", cfg.Audit.Publisher),
		zap.String("schema", cfg.Schema.Path),
	)

	connStr := cfg.Database.ConnectionString()
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: cfg.Database.MaxConnections,
		ConnectRetry:   cfg.Retry.Policy(),
	})
	if err != nil {
		return fmt.Errorf("connect to %s: %s", logging.SanitizeConnectionString(connStr), logging.SanitizeError(err))
	}
	defer db.Close()

	sqlDB := db.SQLDB()
	err = database.RunMigrations(sqlDB, logger)
	_ = sqlDB.Close()
	if err != nil {
		return err
	}

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return errors.New(logging.SanitizeError(err))
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	s, err := schema.Load(cfg.Schema.Path)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	store := repositories.NewEntityStore(db, logger)
	for _, t := range s.Types() {
		if key, ok := s.ParentKey(t); ok {
			store.WithParentKey(t, repositories.ParentKey{Field: key.Field, References: key.References})
		}
	}

	flows, err := buildFlows(cfg, s, store, db, collector, logger)
	if err != nil {
		return err
	}

	publisher, err := newPublisher(cfg, db, redisClient, logger)
	if err != nil {
		return err
	}
	pipeline := flow.NewPipeline(store, logger,
		flow.WithPublisher(publisher),
		flow.WithObserver(collector),
	)

	health := handlers.NewHealthHandler(cfg, logger).
		WithCheck("postgres", db.Ping)
	if redisClient != nil {
		health.WithCheck("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	}

	mux := http.NewServeMux()
	health.RegisterRoutes(mux)
	handlers.NewChangesHandler(flows, pipeline, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", collector.Handler())

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           middleware.RequestLogger(logger.Named("http"), collector)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting changeflow",
			zap.String("addr", server.Addr),
			zap.Bool("tls", cfg.TLSCertPath != ""),
			zap.Int("flows", len(flows)))
		var err error
		if cfg.TLSCertPath != "" {
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildFlows declares one flow per root type of the schema. Every level writes
// through the entity store; the root retries deadlocks inside one transaction.
func buildFlows(cfg *config.Config, s *schema.Schema, store *repositories.EntityStore, db *database.DB, collector *metrics.Collector, logger *zap.Logger) ([]*flow.Config, error) {
	auditor := audit.NewSecurityAuditor(logger)
	decorate := func(b *flow.Builder) {
		b.WithOutputGenerator(store).
			WithFalseUpdatesPurger(flow.NewFalseUpdatesPurger()).
			WithSecurityAuditor(auditor)
		if t, ok := s.Type(b.EntityType().Name()); ok && s.ScreensInjection(t) {
			b.WithValidator(validation.NewInjectionValidator(auditor))
		}
	}

	var flows []*flow.Config
	for _, root := range s.Roots() {
		b, err := s.FlowBuilder(root, decorate)
		if err != nil {
			return nil, err
		}
		b.WithFeatures(flow.NewFeatureSet(flow.FeatureAutoIncrement)).
			WithRetryer(retry.NewDeadlockRetryer(cfg.Retry.Policy(), logger,
				retry.WithUnitOfWork(db.InTx),
				retry.WithOnRetry(collector.OnRetry)))
		built, err := b.Build()
		if err != nil {
			return nil, fmt.Errorf("flow %s: %w", root.Name(), err)
		}
		flows = append(flows, built)
	}
	if len(flows) == 0 {
		return nil, fmt.Errorf("schema %s declares no root types", cfg.Schema.Path)
	}
	return flows, nil
}

func newPublisher(cfg *config.Config, db *database.DB, redisClient *redis.Client, logger *zap.Logger) (audit.Publisher, error) {
	switch cfg.Audit.Publisher {
	case config.PublisherLog:
		return audit.NewLogPublisher(logger, cfg.Audit.MaxDepth), nil
	case config.PublisherRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("audit publisher %q needs a redis connection", cfg.Audit.Publisher)
		}
		return audit.NewRedisStreamPublisher(redisClient, logger,
			audit.WithStream(cfg.Audit.Stream),
			audit.WithMaxLen(cfg.Audit.StreamMaxLen)), nil
	case config.PublisherPostgres:
		return repositories.NewAuditLogPublisher(repositories.NewAuditLogRepository(db), logger), nil
	case config.PublisherNone:
		return audit.NopPublisher{}, nil
	default:
		return nil, fmt.Errorf("unknown audit publisher %q", cfg.Audit.Publisher)
	}
}
