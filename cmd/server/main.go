package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"magplay/internal/config"
	"magplay/internal/downloader"
	"magplay/internal/engine"
	"magplay/internal/engine/anacrolix"
	apphttp "magplay/internal/http"
	"magplay/internal/logging"
	"magplay/internal/metrics"
	"magplay/internal/repository/sqlite"
	"magplay/internal/resolver"
	"magplay/internal/service"
	"magplay/internal/session"
	"magplay/internal/storage"
	"magplay/internal/tracker"
	"magplay/internal/transfer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	transferRepo := sqlite.NewTransferRepository(db)
	fileRepo := sqlite.NewTransferFileRepository(db)
	historyRepo := sqlite.NewMagnetHistoryRepository(db)

	if err := transferRepo.Init(ctx); err != nil {
		logger.Fatalf("init transfer repository: %v", err)
	}
	if err := fileRepo.Init(ctx); err != nil {
		logger.Fatalf("init file repository: %v", err)
	}
	if err := historyRepo.Init(ctx); err != nil {
		logger.Fatalf("init history repository: %v", err)
	}
	transferService := service.NewTransferService(transferRepo, fileRepo, historyRepo)

	archiver, err := buildArchiver(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.New(registry)

	sess := session.New(session.Config{
		Settings: cfg.EngineSettings(),
		Factory:  func() engine.Engine { return anacrolix.New(logger) },
		Observer: appMetrics.ObserveEvent,
		Logger:   logger,
	})
	trackers := tracker.NewProvider(tracker.Config{
		CachePath:    cfg.Trackers.CachePath,
		SourceURL:    cfg.Trackers.SourceURL,
		FetchTimeout: cfg.Trackers.FetchTimeout,
		Logger:       logger,
	})
	transferCfg := transfer.Config{
		DownloadRoot:   cfg.Download.DataDir,
		ReadyThreshold: cfg.Stream.ReadyThreshold,
		Logger:         logger,
	}

	manager := downloader.NewManager(downloader.Config{
		DownloadRoot:   cfg.Download.DataDir,
		ResolveTimeout: cfg.Resolve.Timeout,
		ArchiveOnDone:  cfg.Storage.ArchiveOnDone && archiver != nil,
		UploadOptions: storage.ArchiveOptions{
			Bucket:    cfg.Storage.Bucket,
			KeyPrefix: cfg.Storage.KeyPrefix,
		},
		PresignTTL: cfg.Storage.PresignTTL,
		Logger:     logger,
	}, downloader.Deps{
		Resolver: resolver.New(sess, trackers, resolver.Config{
			StagingDir: filepath.Clean(cfg.Download.StagingDir),
			Timeout:    cfg.Resolve.Timeout,
			Logger:     logger,
		}),
		Downloader: transfer.NewDownloader(sess, trackers, transferCfg),
		Streamer:   transfer.NewStreamer(sess, trackers, transfer.NewRegistry(), transferCfg),
		Transfers:  transferService,
		Archiver:   archiverOrNil(archiver),
		Metrics:    appMetrics,
	})

	if err := manager.Start(ctx); err != nil {
		logger.Fatalf("start manager: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(apphttp.Options{
		Manager:     manager,
		Transfers:   transferService,
		Archiver:    archiverOrNil(archiver),
		Bucket:      cfg.Storage.Bucket,
		DataRoot:    cfg.Download.DataDir,
		CORSOrigins: cfg.Server.CORSOrigins,
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:      logger,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.Shutdown()
	if err := sess.Stop(); err != nil {
		logger.Warnf("stop engine session: %v", err)
	}

	logger.Info("bye")
}

// archiverOrNil keeps a nil *S3Archiver from becoming a non-nil interface.
func archiverOrNil(a *storage.S3Archiver) storage.Archiver {
	if a == nil {
		return nil
	}
	return a
}

// buildArchiver returns nil when no bucket is configured; archiving is optional.
func buildArchiver(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*storage.S3Archiver, error) {
	if cfg.Storage.Bucket == "" {
		logger.Info("no storage bucket configured, archiving disabled")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Archiver(client), nil
}
