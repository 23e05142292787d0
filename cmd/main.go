package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"piano-wallet-api/internal/config"
	"piano-wallet-api/internal/controller"
	"piano-wallet-api/internal/database"
	"piano-wallet-api/internal/gateway"
	"piano-wallet-api/internal/ledger"
	"piano-wallet-api/internal/middleware"
	"piano-wallet-api/internal/monitoring"
	"piano-wallet-api/internal/reward"
	"piano-wallet-api/internal/risk"
	"piano-wallet-api/internal/scheduler"
	"piano-wallet-api/internal/service"
	"piano-wallet-api/pkg/logger"
)

// @title Piano Wallet API
// @version 1.0
// @description Coin ledger, reward settlement and payout engine for the piano rhythm game.

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

// @securityDefinitions.apikey AdminAuth
// @in header
// @name X-Admin-Key
// @description Admin API key; X-Admin-ID carries the operator identity.

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging)

	logrus.WithFields(logrus.Fields{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
		"port":       cfg.Server.Port,
	}).Info("Starting Piano Wallet API")

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := initializeApp(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize application: %v", err)
	}
	defer app.cleanup()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logrus.WithField("address", server.Addr).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	cancel()
	logrus.Info("Server exited")
}

// Application holds the wired dependencies.
type Application struct {
	config  *config.Config
	router  *gin.Engine
	cleanup func()
}

func initializeApp(ctx context.Context, cfg *config.Config) (*Application, error) {
	db, err := database.Initialize(ctx, cfg)
	if err != nil {
		return nil, err
	}

	events := buildEventPublisher(cfg)

	auditLogger := logger.AuditLogger(cfg.Logging)
	repos := db.Repositories

	ldg := ledger.NewLedger(repos.Transaction, repos.User, auditLogger)
	fees := ledger.NewFeeCalculator(cfg.Fees)
	assessor := risk.NewAssessor(repos.Transaction, repos.Velocity, cfg.Risk, cfg.Redis.VelocityWindow)
	rewards := reward.NewEngine(repos.Session, ldg, repos.LockManager, cfg.Rewards)
	gateways := buildGatewayRegistry(cfg, db)

	walletService := service.NewWalletService(
		repos.Transaction, repos.User, repos.Session,
		ldg, fees, assessor, repos.Velocity, rewards,
		gateways, repos.LockManager, repos.Idempotency, events, auditLogger,
		cfg.Redis,
	)

	metrics := monitoring.NewMetrics()
	walletService.SetMetrics(metrics)

	sched := scheduler.NewScheduler(walletService, cfg.Scheduler, cfg.Rewards.SessionIdleTimeout)
	sched.SetRecorder(metrics)
	if err := sched.Start(); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	health := monitoring.NewHealthChecker(db.MongoClient, db.RedisDB, version)
	router := setupRouter(cfg, walletService, metrics, health)

	cleanup := func() {
		logrus.Info("Cleaning up application resources...")
		sched.Stop()
		if err := events.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close event publisher")
		}
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer closeCancel()
		if err := db.Close(closeCtx); err != nil {
			logrus.WithError(err).Warn("Failed to close database connections")
		}
	}

	return &Application{
		config:  cfg,
		router:  router,
		cleanup: cleanup,
	}, nil
}

// buildEventPublisher falls back to a no-op publisher when the broker is
// unreachable: money movement never waits on RabbitMQ.
func buildEventPublisher(cfg *config.Config) service.EventPublisher {
	events, err := service.NewRabbitPublisher(cfg.RabbitMQ)
	if err != nil {
		logrus.WithError(err).Warn("RabbitMQ unavailable, events disabled")
		return service.NewNoopPublisher()
	}
	return events
}

func buildGatewayRegistry(cfg *config.Config, db *database.Database) *gateway.Registry {
	var rails []gateway.Gateway

	if cfg.Gateways.CardPay.Enabled {
		rails = append(rails, gateway.NewCardPay(cfg.Gateways.CardPay, cfg.Gateways.Timeout, cfg.Gateways.RetryCount))
	}
	if cfg.Gateways.BankWire.Enabled {
		rails = append(rails, gateway.NewBankWire(cfg.Gateways.BankWire, cfg.Gateways.Timeout, cfg.Gateways.RetryCount))
	}
	if cfg.Gateways.CryptoPay.Enabled {
		rails = append(rails, gateway.NewCryptoPay(cfg.Gateways.CryptoPay, db.RedisDB, cfg.Gateways.Timeout, cfg.Gateways.RetryCount))
	}
	if cfg.Gateways.MobileMoney.Enabled {
		rails = append(rails, gateway.NewMobileMoney(cfg.Gateways.MobileMoney, cfg.Gateways.Timeout, cfg.Gateways.RetryCount))
	}

	registry := gateway.NewRegistry(rails...)
	logrus.WithField("gateways", registry.Names()).Info("Payment gateways registered")
	return registry
}

func setupRouter(cfg *config.Config, walletService *service.WalletService, metrics *monitoring.Metrics, health *monitoring.HealthChecker) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogging())
	if cfg.Monitoring.EnableMetrics {
		router.Use(metrics.GinMiddleware())
	}
	router.SetTrustedProxies(cfg.Server.TrustedProxies)

	if cfg.Monitoring.EnableHealthCheck {
		router.GET(cfg.Monitoring.HealthCheckPath, health.LivenessHandler())
		router.GET("/ready", health.ReadinessHandler())
	}
	if cfg.Monitoring.EnableMetrics {
		router.GET(cfg.Monitoring.MetricsPath, metrics.Handler())
	}
	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
			"service":    "piano-wallet-api",
		})
	})

	controller.RegisterValidations()
	walletController := controller.NewWalletController(walletService)
	adminController := controller.NewAdminController(walletService)
	auth := middleware.NewAuthMiddleware(cfg.Auth)

	api := router.Group("/api")
	{
		wallet := api.Group("/wallet")
		wallet.Use(auth.JWTAuth())
		{
			wallet.GET("/balance", walletController.GetBalance)
			wallet.GET("/transactions", walletController.GetHistory)
			wallet.GET("/transactions/:transactionId", walletController.GetTransaction)
			wallet.POST("/withdrawals", walletController.Withdraw)
			wallet.POST("/deposits", walletController.Deposit)
			wallet.POST("/sessions/:sessionId/claim", walletController.ClaimReward)
		}

		// Webhooks authenticate by HMAC signature, not by bearer token.
		api.POST("/webhooks/:gateway", walletController.HandleWebhook)

		admin := api.Group("/admin")
		admin.Use(auth.AdminAuth())
		{
			admin.GET("/review", adminController.ListReviewQueue)
			admin.POST("/transactions/:transactionId/approve", adminController.ApproveTransaction)
			admin.POST("/transactions/:transactionId/reject", adminController.RejectTransaction)
			admin.POST("/transactions/batch-approve", adminController.BatchApprove)
		}
	}

	return router
}
