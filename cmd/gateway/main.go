package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"s3-gateway/internal/config"
	"s3-gateway/internal/db"
	"s3-gateway/internal/ledger"
	"s3-gateway/internal/logging"
	"s3-gateway/internal/reconcile"
	"s3-gateway/internal/server"
	"s3-gateway/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet; the error already lists every bad variable.
		fmt.Fprintf(os.Stderr, "service=%s msg=%q err=%v\n", logging.Service, "invalid_config", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, logging.Format(cfg.LogFormat, cfg.AppEnv), os.Stdout)
	slog.SetDefault(log)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Error("object store setup failed", "err", err)
		os.Exit(1)
	}

	// Refuse to start if the bucket cannot be reached or created.
	bucketCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	created, err := storage.EnsureBucket(bucketCtx, store)
	cancel()
	if err != nil {
		log.Error("ensure bucket failed", "bucket", cfg.Bucket, "err", err)
		os.Exit(1)
	}
	if created {
		log.Info("bucket created", "bucket", cfg.Bucket)
	}

	var (
		led    ledger.Ledger
		dbConn *sql.DB
	)
	if cfg.LedgerEnabled() {
		var sqlLedger *ledger.SQLLedger
		dbConn, sqlLedger, err = openLedger(cfg, log)
		if err != nil {
			log.Error("ledger setup failed", "driver", cfg.LedgerDriver, "err", err)
			os.Exit(1)
		}
		defer func() { _ = dbConn.Close() }()
		led = sqlLedger
	}

	metrics := server.NewMetrics()

	if led != nil {
		rec := reconcile.New(reconcile.Config{
			Store:         store,
			Ledger:        led,
			Interval:      cfg.ReconcileInterval,
			Grace:         cfg.ReconcileGrace,
			DeleteOrphans: cfg.ReconcileDeleteOrphans,
			Logger:        log,
			OnReport: func(r reconcile.Report) {
				metrics.RecordReconcile(len(r.StaleRemoved), len(r.Orphans), r.OrphansDeleted)
			},
		})
		go rec.Run(ctx)
	}

	srv := server.New(server.Config{
		Addr:               cfg.Addr(),
		Store:              store,
		Ledger:             led,
		URLs:               storage.URLResolver{Base: cfg.PublicURL, Bucket: cfg.Bucket},
		MaxUploadBytes:     cfg.MaxUploadBytes,
		PresignPutTTL:      cfg.PresignPutTTL,
		PresignGetTTL:      cfg.PresignGetTTL,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:             log,
		Metrics:            metrics,
	})

	// Start the HTTP server in a background goroutine so we can wait for
	// OS signals here.
	errCh := make(chan error, 1)
	go func() {
		log.Info("starting",
			"addr", cfg.Addr(),
			"storage", cfg.StorageDriver,
			"bucket", cfg.Bucket,
			"ledger", cfg.LedgerDriver,
		)
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "err", err)
			os.Exit(1)
		}
		log.Info("shutdown complete")
	case err := <-errCh:
		if err != nil {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}
}

// openStore builds the object-store backend selected by STORAGE_DRIVER.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageDriver {
	case config.StorageMinio:
		return storage.NewMinioStore(storage.MinioConfig{
			Endpoint:      cfg.Endpoint,
			AccessKey:     cfg.AccessKey,
			SecretKey:     cfg.SecretKey,
			Region:        cfg.Region,
			Bucket:        cfg.Bucket,
			SkipTLSVerify: cfg.SkipTLSVerify,
		})
	case config.StorageS3:
		return storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:      cfg.Endpoint,
			AccessKey:     cfg.AccessKey,
			SecretKey:     cfg.SecretKey,
			Region:        cfg.Region,
			Bucket:        cfg.Bucket,
			SkipTLSVerify: cfg.SkipTLSVerify,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// openLedger connects to the ledger database and brings its schema up to
// date. The caller owns the returned connection pool.
func openLedger(cfg *config.Config, log *slog.Logger) (*sql.DB, *ledger.SQLLedger, error) {
	conn, err := db.Open(cfg.LedgerDriver, cfg.LedgerDSN)
	if err != nil {
		return nil, nil, err
	}

	log.Info("running migrations", "driver", cfg.LedgerDriver)
	if err := db.Migrate(cfg.LedgerDriver, conn, cfg.LedgerDSN); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("migrations complete")

	led, err := ledger.New(conn, cfg.LedgerDriver)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, led, nil
}
