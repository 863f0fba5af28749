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

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/image-attribute-api/api/swagger"
	"github.com/noah-isme/image-attribute-api/internal/handler"
	internalmiddleware "github.com/noah-isme/image-attribute-api/internal/middleware"
	"github.com/noah-isme/image-attribute-api/internal/models"
	"github.com/noah-isme/image-attribute-api/internal/repository"
	"github.com/noah-isme/image-attribute-api/internal/service"
	"github.com/noah-isme/image-attribute-api/pkg/cache"
	"github.com/noah-isme/image-attribute-api/pkg/classifier"
	"github.com/noah-isme/image-attribute-api/pkg/config"
	"github.com/noah-isme/image-attribute-api/pkg/database"
	"github.com/noah-isme/image-attribute-api/pkg/jobs"
	"github.com/noah-isme/image-attribute-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/image-attribute-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/image-attribute-api/pkg/middleware/requestid"
	"github.com/noah-isme/image-attribute-api/pkg/storage"
)

// @title Image Attribute API
// @version 1.0.0
// @description Ingests photos, extracts physical attributes through a classifier and searches them.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck
	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.Search.CacheEnabled {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("search cache disabled, redis unavailable", zap.Error(err))
			redisClient = nil
		}
	}
	cacheRepo := repository.NewCacheRepository(redisClient, "images:", logr)
	defer cacheRepo.Close() //nolint:errcheck

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	metricsSvc := service.NewMetricsService()

	abandonBlob := func(job jobs.Job, err error) {
		metricsSvc.ObserveBlobCleanup("abandoned")
		logr.Error("orphaned blob left in storage", zap.Any("file_path", job.Payload), zap.Error(err))
	}
	cleanupQueue := jobs.NewQueue(service.JobTypeBlobCleanup, service.NewBlobCleanupHandler(blobs, metricsSvc, logr), jobs.QueueConfig{
		Workers:     cfg.Cleanup.Workers,
		MaxRetries:  cfg.Cleanup.Retries,
		RetryDelay:  cfg.Cleanup.RetryDelay,
		Logger:      logr,
		OnExhausted: abandonBlob,
	})
	// detached so pending cleanups can drain after the signal
	cleanupQueue.Start(context.WithoutCancel(ctx))

	router := buildRouter(cfg, logr, db, redisClient, cacheRepo, blobs, cleanupQueue, metricsSvc)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	if err := cleanupQueue.Shutdown(shutdownCtx); err != nil {
		logr.Warn("blob cleanup queue did not drain", zap.Int("pending", cleanupQueue.Pending()), zap.Error(err))
	}
	return shutdownErr
}

func buildRouter(cfg *config.Config, logr *zap.Logger, db *sqlx.DB, redisClient *redis.Client, cacheRepo *repository.CacheRepository, blobs storage.BlobStore, cleanupQueue *jobs.Queue, metricsSvc *service.MetricsService) *gin.Engine {
	validate := validator.New()

	imageRepo := repository.NewImageRepository(db)
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Search.CacheTTL, logr, cfg.Search.CacheEnabled && redisClient != nil)

	signer := storage.NewSignedURLSigner(cfg.Storage.SignedURLSecret, cfg.Storage.SignedURLTTL)
	classifierClient := classifier.NewClient(cfg.Classifier.URL, cfg.Classifier.Timeout, logr)

	ingestionSvc := service.NewIngestionService(imageRepo, blobs, classifierClient, cleanupQueue, cacheSvc, metricsSvc, logr, service.IngestionServiceConfig{
		MaxFileSize:  cfg.Upload.MaxFileSizeBytes,
		AllowedMIMEs: cfg.Upload.AllowedMIMEs,
	})
	catalogSvc := service.NewCatalogService(imageRepo, blobs, signer, cleanupQueue, cacheSvc, metricsSvc, validate, logr, service.CatalogServiceConfig{
		APIPrefix: cfg.APIPrefix,
		CacheTTL:  cfg.Search.CacheTTL,
	})
	exportSvc := service.NewExportService(catalogSvc, logr)
	authSvc := service.NewAuthService(service.AuthConfig{AccessTokenSecret: cfg.JWT.Secret})

	imageHandler := handler.NewImageHandler(ingestionSvc, catalogSvc, exportSvc, cfg.Upload.MaxFileSizeBytes)
	checks := map[string]handler.ReadinessCheck{
		"database": db.PingContext,
	}
	if redisClient != nil {
		checks["cache"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	metricsHandler := handler.NewMetricsHandler(metricsSvc, checks)

	r := gin.New()
	r.MaxMultipartMemory = cfg.Upload.MaxFileSizeBytes
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr, "/health", "/ready", "/metrics"))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(internalmiddleware.WithResponseMeta())

	images := api.Group("/images")
	images.GET("", imageHandler.Search)
	images.GET("/export", imageHandler.Export)
	images.GET("/:id", imageHandler.Get)
	images.GET("/:id/file", imageHandler.Download)
	images.POST("", internalmiddleware.JWT(authSvc), imageHandler.Upload)
	images.DELETE("/:id", internalmiddleware.JWT(authSvc), internalmiddleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin), imageHandler.Delete)

	return r
}
