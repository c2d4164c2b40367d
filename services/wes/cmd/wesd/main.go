package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"wesd/pkg/bus"
	"wesd/pkg/db"
	gos3 "wesd/pkg/s3"
	"wesd/pkg/telemetry"
	"wesd/services/wes"
	"wesd/services/wes/diagnostics"
)

func main() {
	if err := run("wesd"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	cfg, err := wes.LoadConfig()
	if err != nil {
		return err
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	orm, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	eventBus, err := bus.New(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer eventBus.Close()

	publisher := &wes.BusPublisher{Bus: eventBus}
	store := wes.NewPostgresStore(orm, pool, publisher)

	var s3Client *gos3.Client
	if cfg.S3Bucket != "" {
		s3Client, err = gos3.NewClientFromEnv()
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
	}

	var signer *diagnostics.Signer
	if signer, err = diagnostics.NewSignerFromEnv(); err != nil {
		logger.Printf("WARN diagnostics signing disabled: %v", err)
		signer = nil
	}

	trusted, err := wes.ParseTrustedOrigins(cfg.TrustedOrigins)
	if err != nil {
		return err
	}
	authHeader := ""
	if cfg.WorkflowAuthToken != "" {
		authHeader = "Bearer " + cfg.WorkflowAuthToken
	}
	fetcher := &wes.Fetcher{
		Dir:          filepath.Join(cfg.TmpDir, "workflows"),
		AllowedHosts: wes.ParseHostAllowList(cfg.WorkflowHostAllowList),
		Trusted:      trusted,
		AuthHeader:   authHeader,
		Logger:       logger,
	}

	backends := wes.NewRegistry(&wes.Cromwell{
		JavaBin:     cfg.JavaBin,
		CromwellJar: cfg.CromwellJar,
		WOMToolJar:  cfg.WOMToolJar,
		OutputDir:   cfg.OutputDir,
	})

	runBaseDir := filepath.Join(cfg.TmpDir, "runs")
	for _, dir := range []string{cfg.TmpDir, runBaseDir, cfg.OutputDir, cfg.ArchiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	manager := &wes.Manager{
		Store:      store,
		Backends:   backends,
		Fetcher:    fetcher,
		Runner:     &wes.Runner{WorkDir: runBaseDir, Timeout: cfg.RunTimeout},
		Secrets:    wes.SecretsFromEnv(),
		Logger:     logger,
		RunBaseDir: runBaseDir,
		OutputDir:  cfg.OutputDir,
		Debug:      cfg.Debug,
		Signer:     signer,
		ArchiveDir: cfg.ArchiveDir,
		S3:         s3Client,
		S3Bucket:   cfg.S3Bucket,
	}

	if err := manager.RecoverStuckRuns(ctx); err != nil {
		return fmt.Errorf("recover stuck runs: %w", err)
	}

	dispatcher := &wes.NATSDispatcher{Bus: eventBus, Manager: manager, Logger: logger}
	subs, err := dispatcher.Start(ctx)
	if err != nil {
		return fmt.Errorf("start run workers: %w", err)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Close()
		}
	}()

	var serviceURLs *wes.ServiceURLCache
	if cfg.ServiceRegistryURL != "" {
		serviceURLs = wes.NewServiceURLCache(
			wes.HTTPServiceResolver(cfg.ServiceRegistryURL, nil),
			cfg.ServiceURLTTL,
		)
	}

	api, err := wes.NewAPI(wes.APIConfig{
		Store:       store,
		Backends:    backends,
		Fetcher:     fetcher,
		Dispatcher:  dispatcher,
		Manager:     manager,
		ServiceURLs: serviceURLs,
		S3:          s3Client,
		S3Bucket:    cfg.S3Bucket,
		BaseURL:     cfg.BaseURL,
		ConfigVals:  cfg.ConfigValues,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/runs", api.Routes())
	mux.Handle("/runs/", api.Routes())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), pool); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO listening on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}
	return nil
}
