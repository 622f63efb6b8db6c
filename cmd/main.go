package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"ean-import-service/internal/config"
	"ean-import-service/internal/detection"
	importevents "ean-import-service/internal/events"
	"ean-import-service/internal/handlers"
	"ean-import-service/internal/jobs"
	"ean-import-service/internal/middleware"
	"ean-import-service/internal/models"
	"ean-import-service/internal/repository"
	"ean-import-service/internal/services"
	"ean-import-service/internal/storage"

	"github.com/Tesseract-Nexus/go-shared/events"
	gosharedmw "github.com/Tesseract-Nexus/go-shared/middleware"
	"github.com/Tesseract-Nexus/go-shared/rbac"
	"github.com/Tesseract-Nexus/go-shared/secrets"
	"github.com/Tesseract-Nexus/go-shared/tracing"
)

// @title EAN Import API
// @version 1.0.0
// @description Supplier file import service: EAN column detection, duplicate analysis and activation of product imports
// @termsOfService http://swagger.io/terms/

// @contact.name API Support
// @contact.url http://www.example.com/support
// @contact.email support@example.com

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8097
// @BasePath /api/v1

// @securityDefinitions.bearer BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrus.InfoLevel)

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using system environment variables")
	}

	// Initialize configuration
	cfg := config.Load()
	if cfg.Environment != "production" {
		logger.SetLevel(logrus.DebugLevel)
	}

	// Initialize database
	db, err := config.InitDB(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database:", err)
	}

	// Run database migrations
	logger.Info("Running database migrations...")
	if err := db.AutoMigrate(&models.ImportSession{}); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	// Initialize Redis client
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warnf("Failed to parse Redis URL: %v (continuing without Redis)", err)
		redisOpts = &redis.Options{
			Addr: "localhost:6379",
		}
	}
	redisOpts.Password = secrets.GetRedisPassword()
	redisClient := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warnf("Failed to connect to Redis: %v (session caching disabled)", err)
		_ = redisClient.Close()
		redisClient = nil
	} else {
		logger.Info("Redis connected successfully")
	}
	cancel()

	// Initialize OpenTelemetry tracing
	var tracerProvider *tracing.TracerProvider
	if cfg.Environment == "production" {
		tracerProvider, err = tracing.InitTracer(tracing.ProductionConfig("ean-import-service"))
	} else {
		tracerProvider, err = tracing.InitTracer(tracing.DefaultConfig("ean-import-service"))
	}
	if err != nil {
		logger.Warnf("Failed to initialize tracing: %v (continuing without tracing)", err)
	} else {
		logger.Info("OpenTelemetry tracing initialized")
	}

	// Initialize Prometheus metrics
	metrics := gosharedmw.InitGlobalMetrics("tesseract", "ean_import_service")

	// Initialize file storage
	fileStore, closeStore, err := newFileStore(cfg)
	if err != nil {
		logger.Fatalf("Failed to initialize %s storage: %v", cfg.Storage.Backend, err)
	}
	defer closeStore()
	logger.Infof("File storage initialized (%s)", cfg.Storage.Backend)

	// Initialize repository
	sessionRepo := repository.NewSessionRepository(db, redisClient, metrics)

	// Initialize event publisher (optional - service works without NATS)
	var natsPublisher *events.Publisher
	if cfg.NATSURL != "" {
		publisherConfig := events.DefaultPublisherConfig(cfg.NATSURL)
		publisherConfig.Name = "ean-import-service"
		natsPublisher, err = events.NewPublisher(publisherConfig, logger)
		if err != nil {
			logger.Warnf("Failed to initialize event publisher: %v. Events will not be published.", err)
			natsPublisher = nil
		} else {
			logger.Info("Event publisher initialized")
			streamCtx, streamCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := natsPublisher.EnsureStream(streamCtx, importevents.StreamImports, importevents.Subjects); err != nil {
				logger.Warnf("Failed to ensure import stream: %v", err)
			}
			streamCancel()
		}
	} else {
		logger.Info("NATS_URL not configured, event publishing disabled")
	}
	eventPublisher := importevents.NewPublisher(natsPublisher, logger)
	defer eventPublisher.Close()

	// Initialize RBAC middleware
	rbacMiddleware := rbac.NewMiddlewareWithURL(cfg.StaffServiceURL, nil)
	logger.Info("RBAC middleware initialized")

	// Initialize services
	detector := detection.NewDetector(cfg.Detection.SampleSize, cfg.Detection.ThresholdPercent)
	sessionService := services.NewSessionService(sessionRepo, fileStore, eventPublisher, detector, logger, services.Options{
		ClaimEnabled: cfg.Analysis.ClaimEnabled,
		StaleAfter:   cfg.Analysis.StaleAfter,
	})
	if !cfg.Analysis.ClaimEnabled {
		logger.Warn("ANALYSIS_CLAIM_ENABLED=false: concurrent pollers may analyze the same session")
	}

	// Initialize handlers
	importHandler := handlers.NewImportHandler(sessionService, logger, cfg.MaxUploadBytes)

	// Start background jobs
	jobCtx, jobCancel := context.WithCancel(context.Background())
	analysisPoller := jobs.NewAnalysisPoller(sessionService, logger, cfg.Analysis.PollInterval, cfg.Analysis.Workers)
	go analysisPoller.Start(jobCtx)
	stuckMonitor := jobs.NewStuckSessionMonitor(sessionService, eventPublisher, logger, cfg.Analysis.StuckCheckInterval)
	go stuckMonitor.Start(jobCtx)

	// Initialize Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gosharedmw.RequestIDMiddleware())
	router.Use(gosharedmw.SecurityHeaders())
	router.Use(metrics.Middleware())
	router.Use(tracing.GinMiddleware("ean-import-service"))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health check endpoints (no auth required)
	healthChecks := map[string]handlers.DependencyCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if redisClient != nil {
		healthChecks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	healthHandler := handlers.NewHealthHandler(healthChecks)
	router.GET("/health", healthHandler.HealthCheck)
	router.GET("/ready", healthHandler.ReadinessCheck)
	router.GET("/metrics", gosharedmw.Handler())

	// Protected API routes
	api := router.Group("/api/v1")
	api.Use(gosharedmw.IstioAuth(gosharedmw.IstioAuthConfig{
		RequireAuth:               cfg.Environment == "production",
		AllowLegacyHeaders:        cfg.Environment != "production",
		AllowInternalServiceCalls: true,
		SkipPaths:                 []string{"/health", "/ready", "/metrics", "/swagger"},
		Logger:                    logger.WithField("component", "istio-auth"),
	}))

	// Tenant-scoped routes resolve the tenant before the permission check;
	// the analysis trigger is also called by other services without a tenant.
	importHandler.RegisterRoutes(api, handlers.RouteGuards{
		Import:   []gin.HandlerFunc{middleware.TenantMiddleware(), rbacMiddleware.RequirePermission(rbac.PermissionProductsImport)},
		Read:     []gin.HandlerFunc{middleware.TenantMiddleware(), rbacMiddleware.RequirePermission(rbac.PermissionProductsRead)},
		Internal: []gin.HandlerFunc{rbacMiddleware.RequirePermissionAllowInternal(rbac.PermissionProductsImport)},
	})

	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Infof("EAN import service starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Stop background jobs
	jobCancel()
	analysisPoller.Stop()
	stuckMonitor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Failed to shutdown tracer: %v", err)
		}
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	logger.Info("Server shutdown complete")
}

// newFileStore opens the configured storage backend
func newFileStore(cfg *config.Config) (storage.FileStore, func(), error) {
	switch cfg.Storage.Backend {
	case "gcs":
		client, err := gcs.NewClient(context.Background())
		if err != nil {
			return nil, nil, err
		}
		store, err := storage.NewGCSStore(client, cfg.Storage.Bucket)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	default:
		store, err := storage.NewLocalStore(cfg.Storage.LocalDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}
