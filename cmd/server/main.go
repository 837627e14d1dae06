package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"booking-service/config"
	"booking-service/internal/api"
	"booking-service/internal/broker"
	"booking-service/internal/gateway"
	"booking-service/internal/models"
	"booking-service/internal/redisclient"
	"booking-service/internal/service"
	"booking-service/internal/store"
	"booking-service/internal/store/memstore"
	"booking-service/internal/util"
	"booking-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ledger is what both store drivers provide to the service and the worker
type ledger interface {
	service.Ledger
	worker.CaseLedger
	Close() error
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, util.LogFileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting booking service", zap.String("env", cfg.Server.Env))

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}

	tp, err := util.InitTracer("booking-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db := openLedger(cfg, logger)
	defer db.Close()

	var cache service.IdempotencyStore
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		cache = redisClient
		logger.Info("Redis connected")
	}

	var publisher service.EventPublisher
	var reconciliationWorker *worker.ReconciliationWorker
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicBooking)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicBooking))

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicBooking, cfg.Kafka.ConsumerGroup)
		reconciliationWorker = worker.NewReconciliationWorker(consumer, db)
		go func() {
			if err := reconciliationWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Reconciliation worker error", zap.Error(err))
			}
		}()
	}

	gateways := buildGateways(cfg, logger)

	bookingService := service.NewBookingService(db, gateways, cache, publisher, service.Config{
		SuccessURL:     cfg.URLs.SuccessURL,
		CancelURL:      cfg.URLs.CancelURL,
		GatewayTimeout: cfg.PaymentTimeout(),
		IdempotencyTTL: time.Duration(cfg.Business.IdempotencyTTLSeconds) * time.Second,
	})

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(bookingService, api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer), cfg.URLs.AllowedOrigins)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if reconciliationWorker != nil {
		if err := reconciliationWorker.Stop(); err != nil {
			logger.Error("Error stopping reconciliation worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

func openLedger(cfg *config.Config, logger *zap.Logger) ledger {
	if cfg.Database.Driver == "memory" {
		mem := memstore.New()
		demo := models.Listing{
			ID:           uuid.MustParse("00000000-0000-0000-0000-000000000001"),
			HostID:       uuid.MustParse("00000000-0000-0000-0000-0000000000aa"),
			Title:        "Demo listing",
			NightlyPrice: decimal.NewFromInt(100),
			Currency:     "usd",
		}
		mem.AddListing(demo)
		logger.Warn("Using in-memory ledger, data is lost on restart",
			zap.String("demo_listing_id", demo.ID.String()))
		return mem
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if cfg.Database.Migrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}
	logger.Info("Database connected")
	return db
}

func buildGateways(cfg *config.Config, logger *zap.Logger) *gateway.Registry {
	breaker := gateway.BreakerSettings{
		MaxFailures: uint32(cfg.Business.BreakerMaxFailures),
		OpenTimeout: time.Duration(cfg.Business.BreakerOpenSeconds) * time.Second,
	}

	var gateways []gateway.Gateway
	if cfg.Stripe.SecretKey != "" {
		gateways = append(gateways, gateway.WithBreaker(gateway.NewStripe(gateway.StripeConfig{
			SecretKey:          cfg.Stripe.SecretKey,
			WebhookSecret:      cfg.Stripe.WebhookSecret,
			SignatureTolerance: time.Duration(cfg.Business.WebhookToleranceSeconds) * time.Second,
		}), breaker))
	}
	if cfg.Omise.SecretKey != "" {
		omiseGateway, err := gateway.NewOmise(gateway.OmiseConfig{
			PublicKey:  cfg.Omise.PublicKey,
			SecretKey:  cfg.Omise.SecretKey,
			SourceType: cfg.Omise.SourceType,
		})
		if err != nil {
			logger.Fatal("Failed to initialize Omise gateway", zap.Error(err))
		}
		gateways = append(gateways, gateway.WithBreaker(omiseGateway, breaker))
	}

	registry := gateway.NewRegistry(gateways...)
	if len(gateways) == 0 {
		logger.Warn("No payment gateway configured, reservations will be rejected")
	}
	for _, m := range registry.Methods() {
		logger.Info("Payment gateway enabled", zap.String("provider", string(m)))
	}
	return registry
}
