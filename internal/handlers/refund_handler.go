package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/LessonMarketBack/internal/models"
)

type RefundHandler struct {
	service refundApplicationService
}

type refundApplicationService interface {
	ListRefunds(ctx context.Context, status string, page int, limit int) ([]models.Refund, models.PaginationMeta, error)
	Approve(ctx context.Context, adminID int64, refundID int64, notes *string) (*models.Refund, error)
	Reject(ctx context.Context, adminID int64, refundID int64, notes *string) (*models.Refund, error)
}

func NewRefundHandler(service refundApplicationService) *RefundHandler {
	return &RefundHandler{service: service}
}

type adminDecisionRequest struct {
	Notes *string `json:"admin_notes" validate:"omitempty,max=1000"`
}

func (h *RefundHandler) ListRefunds(c *fiber.Ctx) error {
	page, limit := parsePagination(c.Query("page"), c.Query("limit"))

	refunds, meta, err := h.service.ListRefunds(c.UserContext(), c.Query("status"), page, limit)
	if err != nil {
		return mapRefundError(c, err)
	}

	return c.JSON(fiber.Map{"refunds": refunds, "pagination": meta})
}

func (h *RefundHandler) ApproveRefund(c *fiber.Ctx) error {
	return h.decide(c, h.service.Approve)
}

func (h *RefundHandler) RejectRefund(c *fiber.Ctx) error {
	return h.decide(c, h.service.Reject)
}

func (h *RefundHandler) decide(
	c *fiber.Ctx,
	action func(ctx context.Context, adminID int64, refundID int64, notes *string) (*models.Refund, error),
) error {
	adminID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	refundID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid refund id"})
	}

	var req adminDecisionRequest
	if err := bindJSON(c, &req); err != nil {
		return badRequest(c, err)
	}

	refund, err := action(c.UserContext(), adminID, refundID, optionalNotes(req.Notes))
	if err != nil {
		return mapRefundError(c, err)
	}

	return c.JSON(fiber.Map{"refund": refund})
}

func mapRefundError(c *fiber.Ctx, err error) error {
	return mapServiceError(c, err, "Refund not found", "Failed to process refund")
}
