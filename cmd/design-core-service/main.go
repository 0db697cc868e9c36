package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/design-core/internal/artifacts"
	"github.com/ILLUVRSE/design-core/internal/auth"
	"github.com/ILLUVRSE/design-core/internal/capability"
	"github.com/ILLUVRSE/design-core/internal/compliance"
	"github.com/ILLUVRSE/design-core/internal/config"
	"github.com/ILLUVRSE/design-core/internal/conflict"
	"github.com/ILLUVRSE/design-core/internal/events"
	"github.com/ILLUVRSE/design-core/internal/httpserver"
	"github.com/ILLUVRSE/design-core/internal/logging"
	"github.com/ILLUVRSE/design-core/internal/models"
	"github.com/ILLUVRSE/design-core/internal/pipeline"
	"github.com/ILLUVRSE/design-core/internal/scheduler"
	"github.com/ILLUVRSE/design-core/internal/store"
	"github.com/ILLUVRSE/design-core/internal/versions"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	var db store.Store
	if cfg.DatabaseURL != "" {
		sqlDB, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatal("db open", "error", err)
		}
		defer sqlDB.Close()
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		if err := sqlDB.PingContext(ctx); err != nil {
			log.Fatal("db ping", "error", err)
		}
		if err := store.Migrate(ctx, sqlDB); err != nil {
			log.Fatal("db migrate", "error", err)
		}
		db = store.NewPGStore(sqlDB)
	} else {
		log.Warn("DESIGN_CORE_DATABASE_URL not set; designs are kept in memory")
		db = store.NewMemoryStore()
	}

	var blobs artifacts.BlobStore
	if cfg.S3Bucket != "" {
		s3, err := artifacts.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatal("s3 init", "error", err)
		}
		blobs = s3
	} else {
		log.Warn("DESIGN_CORE_S3_BUCKET not set; payloads are kept in memory")
		blobs = artifacts.NewMemoryStore()
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			log.Fatal("kafka init", "error", err)
		}
		publisher = kp
	}
	defer publisher.Close()

	caps, err := capabilities(cfg, log)
	if err != nil {
		log.Fatal("capability init", "error", err)
	}
	jobs, err := scheduler.New(schedulerConfig(cfg.Scheduler), caps.Handlers(), log)
	if err != nil {
		log.Fatal("scheduler init", "error", err)
	}

	catalog := make([]compliance.RuleSet, 0, len(cfg.RuleSets))
	for _, rs := range cfg.RuleSets {
		catalog = append(catalog, compliance.RuleSet{ID: rs.ID, Name: rs.Name, Mandatory: rs.Mandatory})
	}
	vs := versions.NewService(db, blobs, log)
	aggregator := compliance.NewAggregator(jobs, db, catalog, cfg.ComplianceTimeout, log)
	resolver := conflict.NewResolver(vs, db, log)
	p := pipeline.New(pipeline.Config{AutoRender: cfg.AutoRender}, db, vs, jobs, aggregator, resolver, publisher, log)
	jobs.Start(ctx)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		log.Fatal("auth init", "error", err)
	}
	server := httpserver.New(db, vs, p, catalog, verifier, log)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("design-core listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server error", "error", err)
		}
	}()

	shutdown(httpServer, log)
	// Completion events stop before the pipeline flushes its outbox.
	jobs.Stop()
	p.Close()
}

// capabilities uses the HTTP client for every capability with a configured URL and the static
// implementation otherwise.
func capabilities(cfg config.Config, log *logging.Logger) (capability.Set, error) {
	set := capability.StaticSet()
	client := func(name, url string) (*capability.HTTPClient, error) {
		return capability.NewHTTPClient(capability.HTTPClientConfig{Name: name, BaseURL: url, Timeout: cfg.CapabilityTimeout})
	}
	if cfg.AnalyzeURL != "" {
		c, err := client("analyze", cfg.AnalyzeURL)
		if err != nil {
			return set, err
		}
		set.Analyzer = c
	}
	if cfg.RenderURL != "" {
		c, err := client("render", cfg.RenderURL)
		if err != nil {
			return set, err
		}
		set.Renderer = c
	}
	if cfg.ComplianceURL != "" {
		c, err := client("compliance", cfg.ComplianceURL)
		if err != nil {
			return set, err
		}
		set.Compliance = c
	}
	if cfg.ExportURL != "" {
		c, err := client("export", cfg.ExportURL)
		if err != nil {
			return set, err
		}
		set.Encoder = c
	}
	log.Info("capabilities configured",
		"analyze", cfg.AnalyzeURL != "", "render", cfg.RenderURL != "",
		"compliance", cfg.ComplianceURL != "", "export", cfg.ExportURL != "")
	return set, nil
}

func schedulerConfig(c config.SchedulerConfig) scheduler.Config {
	out := scheduler.DefaultConfig()
	out.PollInterval = c.PollInterval
	out.Retry.MaxAttempts = c.MaxAttempts
	out.Retry.BaseDelay = c.BaseBackoff
	out.Retry.MaxDelay = c.MaxBackoff
	out.Breaker = scheduler.BreakerConfig{
		Window:             c.Breaker.Window,
		MinRequests:        c.Breaker.MinRequests,
		ErrorRateThreshold: c.Breaker.ErrorRateThreshold,
		Cooldown:           c.Breaker.Cooldown,
	}
	for name, limits := range c.Kinds {
		out.Kinds[models.JobKind(name)] = scheduler.KindConfig{
			Workers:       limits.Workers,
			QueueCapacity: limits.QueueCapacity,
			RatePerSecond: limits.RatePerSecond,
			Deadline:      limits.Deadline,
		}
	}
	return out
}

func shutdown(s *http.Server, log *logging.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown failed", "error", err)
	}
}
