package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/saeid-a/LessonMarketBack/internal/config"
	"github.com/saeid-a/LessonMarketBack/internal/database"
	"github.com/saeid-a/LessonMarketBack/internal/gateway"
	"github.com/saeid-a/LessonMarketBack/internal/queue"
	"github.com/saeid-a/LessonMarketBack/internal/routes"
	"github.com/saeid-a/LessonMarketBack/internal/services"
	notifyws "github.com/saeid-a/LessonMarketBack/internal/websocket"
)

func main() {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database
	if cfg.DBUrl == "" {
		log.Fatal("DB_URL is required")
	}
	pool, err := database.ConnectPostgres(ctx, cfg.DBUrl, cfg.DBMaxConn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	// 3. Payment gateway
	var (
		gw       gateway.Gateway
		verifier gateway.WebhookVerifier
	)
	if cfg.GatewayConfigured() {
		stripeGateway, err := gateway.NewStripeGateway(gateway.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Timeout:       cfg.GatewayTimeout,
		})
		if err != nil {
			log.Fatalf("Failed to configure payment gateway: %v", err)
		}
		gw = stripeGateway
		verifier = stripeGateway
	} else {
		log.Println("Stripe credentials missing; checkout, refunds and webhooks are disabled")
	}

	// 4. Services
	tx := services.NewPgTxRunner(pool)
	bookingService := services.NewBookingService(tx, gw, cfg.BusinessTimezone, services.CheckoutConfig{
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
		Currency:   cfg.Currency,
	})
	refundService := services.NewRefundService(tx, gw)
	reconciliationService := services.NewReconciliationService(tx, gw)
	payoutService := services.NewPayoutService(tx, services.PayoutConfig{
		FeeRate:             cfg.PlatformFeeRate,
		TransferFee:         cfg.PayoutTransferFee,
		WaitingBusinessDays: cfg.PayoutWaitingDays,
	}, cfg.BusinessTimezone)
	notificationService := services.NewNotificationService(tx)

	// 5. Notifications
	hub := notifyws.NewHub()
	go hub.Run(ctx)

	if cfg.NotificationsEnabled {
		startNotificationPipeline(ctx, cfg, notificationService, hub)
	} else {
		log.Println("Notifications disabled; outbox events will accumulate until re-enabled")
	}

	// 6. Setup Fiber
	app := fiber.New()

	// Middleware
	app.Use(cors.New())
	app.Use(logger.New())
	app.Use(recover.New())

	// Routes
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})
	routes.RegisterRoutes(app, cfg, routes.Dependencies{
		Bookings:      bookingService,
		Refunds:       refundService,
		Reconciler:    reconciliationService,
		Payouts:       payoutService,
		Notifications: notificationService,
		Verifier:      verifier,
		Hub:           hub,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Printf("Server shutdown: %v", err)
		}
	}()

	// 7. Start Server
	log.Printf("Server starting on port %s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
	log.Println("Server stopped")
}

// startNotificationPipeline drains the outbox either through RabbitMQ or, when
// no broker is configured, straight into the deliverer in this process.
func startNotificationPipeline(
	ctx context.Context,
	cfg *config.Config,
	notifications *services.NotificationService,
	hub *notifyws.Hub,
) {
	gate := queue.NewRedisGate(database.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB))
	deliverer := queue.NewDeliverer(notifications, gate, hub)

	publish := queue.PublishFunc(deliverer.Handle)
	if cfg.RabbitMQURL != "" {
		publisher, err := queue.NewPublisher(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("rabbitmq: %v; delivering notifications in-process", err)
		} else {
			go func() {
				<-ctx.Done()
				publisher.Close()
			}()
			publish = publisher.Publish
			go queue.NewConsumer(cfg.RabbitMQURL, deliverer).Run(ctx)
		}
	}

	dispatcher := queue.NewDispatcher(notifications, publish, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	go dispatcher.Run(ctx)
}
