package main

import (
	"context"

	"whispey/credits/internal/handlers"
	"whispey/credits/internal/ledger"
	"whispey/credits/internal/monitor"
	"whispey/credits/internal/notifier"
	"whispey/credits/internal/storage"
	"whispey/credits/pkg/auth"
	"whispey/credits/pkg/config"
	"whispey/credits/pkg/database"
	"whispey/credits/pkg/logging"
	"whispey/credits/pkg/monitoring"
	"whispey/credits/pkg/server"
	"whispey/credits/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("treasurer")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Treasurer (Credits API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	environment := config.GetEnv("ENVIRONMENT", "development")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("treasurer", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("treasurer", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Create custom credit metrics
	metrics := &handlers.TreasurerMetrics{
		CreditOperations:  metricsCollector.NewCounter("credit_operations_total", "Credit operations performed", []string{"operation", "status"}),
		SweepRuns:         metricsCollector.NewCounter("sweep_runs_total", "Balance sweep runs", []string{"trigger", "status"}),
		AlertsGenerated:   metricsCollector.NewCounter("alerts_generated_total", "Credit alerts generated", []string{"source"}),
		WebhookDeliveries: metricsCollector.NewCounter("webhook_deliveries_total", "Webhook delivery attempts", []string{"kind", "status"}),
	}

	// Create database metrics
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Wire up domain services
	procLedger := ledger.NewProcedureLedger(db, logger)
	creditManager := ledger.NewManager(db, procLedger, logger)
	webhookSender := notifier.NewNotifier(db, logger, environment)
	creditMonitor := monitor.NewMonitor(db, webhookSender, logger)
	defer creditMonitor.Close()

	// Object storage is optional; credit operations work without it
	var storageManager *storage.Manager
	storageCfg, err := storage.LoadConfig(context.Background(), db, "")
	if err != nil {
		logger.WithError(err).Warn("Failed to load storage configuration")
	} else if err := storageCfg.Validate(); err != nil {
		logger.Info("Object storage not configured, bucket management disabled")
	} else {
		storageManager, err = storage.NewManager(*storageCfg, db, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize storage manager")
		} else {
			healthChecker.AddCheck("object_storage", monitoring.ObjectStorageHealthCheck(storageManager.TestConnection))
		}
	}

	// Initialize handlers
	handlers.Init(logger, metrics, creditManager, creditMonitor, webhookSender, storageManager)

	// Initialize and start JobManager for background sweeps and cleanup
	jobManager := handlers.NewJobManager(logger, creditMonitor, storageManager, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - background credit jobs active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "treasurer", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/credits/ prefix)
	{
		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			// Balance and history
			protected.GET("/credits/:workspaceId/balance", handlers.GetBalance)
			protected.GET("/credits/:workspaceId/transactions", handlers.GetTransactionHistory)
			protected.GET("/credits/:workspaceId/check", handlers.CheckSufficientCredits)
			protected.POST("/credits/recharge", handlers.RechargeCredits)

			// Alerts
			protected.GET("/alerts", handlers.GetAllActiveAlerts)
			protected.GET("/credits/:workspaceId/alerts", handlers.GetWorkspaceAlerts)
			protected.POST("/alerts/:alertId/resolve", handlers.ResolveAlert)
			protected.POST("/alerts/:alertId/read", handlers.MarkAlertRead)
			protected.POST("/alerts/:alertId/dismiss", handlers.DismissAlert)

			// Webhook verification
			protected.POST("/webhooks/:webhookId/test", handlers.TestWebhook)

			// Storage
			protected.GET("/storage/buckets/:bucketName/usage", handlers.GetBucketUsage)
			protected.GET("/storage/stats", handlers.GetStorageStats)
		}

		// Service-to-service endpoints
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/credits/initialize", handlers.InitializeCredits)
			serviceAPI.POST("/credits/deduct", handlers.DeductCredits)
			serviceAPI.POST("/credits/cost", handlers.CalculateServiceCost)
			serviceAPI.POST("/credits/calls", handlers.ProcessCallCosts)
			serviceAPI.POST("/credits/:workspaceId/suspend", handlers.SuspendWorkspace)
			serviceAPI.POST("/credits/:workspaceId/unsuspend", handlers.UnsuspendWorkspace)

			serviceAPI.POST("/monitor/sweep", handlers.RunSweep)
			serviceAPI.POST("/monitor/sweep/workspaces", handlers.RunTargetedSweep)

			serviceAPI.POST("/storage/agents/:agentId/bucket", handlers.EnsureAgentBucket)
			serviceAPI.POST("/storage/kb/:kbId/bucket", handlers.EnsureKnowledgeBaseBucket)
			serviceAPI.POST("/storage/migrate", handlers.MigrateBucket)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("treasurer", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
