package handlers

import (
	"context"
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/LessonMarketBack/internal/gateway"
	"github.com/saeid-a/LessonMarketBack/internal/services"
)

type WebhookHandler struct {
	verifier gateway.WebhookVerifier
	service  eventReconciler
}

type eventReconciler interface {
	HandleEvent(ctx context.Context, event *gateway.Event) (services.ReconcileOutcome, error)
}

func NewWebhookHandler(verifier gateway.WebhookVerifier, service eventReconciler) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, service: service}
}

// Stripe answers 400 for payloads that fail verification, 200 for events that
// were applied or can never be applied, and 500 when the write failed
// transiently so the processor redelivers.
func (h *WebhookHandler) Stripe(c *fiber.Ctx) error {
	if h.verifier == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Payments are not configured"})
	}

	payload := append([]byte(nil), c.Body()...)
	event, err := h.verifier.ParseEvent(payload, c.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid signature"})
		}
		log.Printf("webhook: rejecting payload: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid payload"})
	}

	outcome, err := h.service.HandleEvent(c.UserContext(), event)
	if err != nil {
		log.Printf("webhook: %s %s not applied, asking for redelivery: %v", event.Type, event.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Event not processed"})
	}

	return c.JSON(fiber.Map{"received": true, "outcome": outcome})
}
