package routes

import (
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/LessonMarketBack/internal/config"
	"github.com/saeid-a/LessonMarketBack/internal/gateway"
	"github.com/saeid-a/LessonMarketBack/internal/handlers"
	"github.com/saeid-a/LessonMarketBack/internal/middleware"
	"github.com/saeid-a/LessonMarketBack/internal/models"
	"github.com/saeid-a/LessonMarketBack/internal/services"
	notifyws "github.com/saeid-a/LessonMarketBack/internal/websocket"
)

// Dependencies are the long-lived services the HTTP surface is built on.
// Verifier is nil when payments are not configured.
type Dependencies struct {
	Bookings      *services.BookingService
	Refunds       *services.RefundService
	Reconciler    *services.ReconciliationService
	Payouts       *services.PayoutService
	Notifications *services.NotificationService
	Verifier      gateway.WebhookVerifier
	Hub           *notifyws.Hub
}

func RegisterRoutes(app *fiber.App, cfg *config.Config, deps Dependencies) {
	lessonHandler := handlers.NewLessonHandler(deps.Bookings)
	refundHandler := handlers.NewRefundHandler(deps.Refunds)
	webhookHandler := handlers.NewWebhookHandler(deps.Verifier, deps.Reconciler)
	payoutHandler := handlers.NewPayoutHandler(deps.Payouts)
	notificationHandler := handlers.NewNotificationHandler(deps.Notifications, deps.Hub, cfg.JWTSecret)

	trainer := middleware.RequireRole(models.RoleTrainer)
	client := middleware.RequireRole(models.RoleClient)
	admin := middleware.RequireRole(models.RoleAdmin)

	api := app.Group("/api")

	api.Post("/webhooks/stripe", webhookHandler.Stripe)
	// Registered ahead of the /v1 group: browsers cannot set headers on an
	// upgrade, so the socket authenticates from the query token instead.
	api.Get("/v1/ws", notificationHandler.WebSocketAuth, websocket.New(notificationHandler.HandleWebSocket))

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	lessons := authProtected.Group("/lessons")
	lessons.Post("", trainer, lessonHandler.CreateLesson)
	lessons.Get("/:id", lessonHandler.GetLesson)
	lessons.Post("/:id/checkout", client, lessonHandler.StartCheckout)
	lessons.Get("/:id/cancel/preview", trainer, lessonHandler.PreviewLessonCancellation)
	lessons.Post("/:id/cancel", trainer, lessonHandler.CancelLesson)
	lessons.Post("/:id/complete", trainer, lessonHandler.CompleteLesson)

	bookings := authProtected.Group("/bookings")
	bookings.Get("/:id/cancel/preview", client, lessonHandler.PreviewBookingCancellation)
	bookings.Post("/:id/cancel", client, lessonHandler.CancelBooking)
	bookings.Post("/:id/no-show", trainer, lessonHandler.MarkNoShow)

	payouts := authProtected.Group("/payouts", trainer)
	payouts.Get("/summary", payoutHandler.Summary)
	payouts.Get("", payoutHandler.ListRequests)
	payouts.Post("", payoutHandler.CreateRequest)

	notifications := authProtected.Group("/notifications")
	notifications.Get("", notificationHandler.List)
	notifications.Post("/:id/read", notificationHandler.MarkRead)

	adminGroup := authProtected.Group("/admin", admin)
	adminGroup.Get("/refunds", refundHandler.ListRefunds)
	adminGroup.Post("/refunds/:id/approve", refundHandler.ApproveRefund)
	adminGroup.Post("/refunds/:id/reject", refundHandler.RejectRefund)
	adminGroup.Post("/payouts/:id/approve", payoutHandler.ApproveRequest)
	adminGroup.Post("/payouts/:id/reject", payoutHandler.RejectRequest)
	adminGroup.Post("/payouts/export", payoutHandler.Export)
}
