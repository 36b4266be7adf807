package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/LessonMarketBack/internal/models"
)

type PayoutHandler struct {
	service payoutApplicationService
	now     func() time.Time
}

type payoutApplicationService interface {
	ComputePayoutSummary(ctx context.Context, trainerID int64, asOf time.Time) (*models.PayoutSummary, error)
	CreatePayoutRequest(ctx context.Context, trainerID int64) (*models.PayoutRequest, error)
	ListPayoutRequests(ctx context.Context, trainerID int64) ([]models.PayoutRequest, error)
	ApprovePayout(ctx context.Context, adminID int64, payoutID int64, notes *string) (*models.PayoutRequest, error)
	RejectPayout(ctx context.Context, adminID int64, payoutID int64, notes *string) (*models.PayoutRequest, error)
	ExportPayoutCSV(ctx context.Context, adminID int64, ids []int64) ([]byte, int, error)
}

func NewPayoutHandler(service payoutApplicationService) *PayoutHandler {
	return &PayoutHandler{service: service, now: time.Now}
}

type exportPayoutsRequest struct {
	IDs []int64 `json:"ids" validate:"omitempty,max=500,dive,gt=0"`
}

func (h *PayoutHandler) Summary(c *fiber.Ctx) error {
	trainerID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var asOf time.Time
	if raw := strings.TrimSpace(c.Query("as_of")); raw != "" {
		asOf, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "as_of must be RFC3339"})
		}
	}

	summary, err := h.service.ComputePayoutSummary(c.UserContext(), trainerID, asOf)
	if err != nil {
		return mapPayoutError(c, err)
	}

	return c.JSON(fiber.Map{"summary": summary})
}

func (h *PayoutHandler) CreateRequest(c *fiber.Ctx) error {
	trainerID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	request, err := h.service.CreatePayoutRequest(c.UserContext(), trainerID)
	if err != nil {
		return mapPayoutError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"payout_request": request})
}

func (h *PayoutHandler) ListRequests(c *fiber.Ctx) error {
	trainerID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	requests, err := h.service.ListPayoutRequests(c.UserContext(), trainerID)
	if err != nil {
		return mapPayoutError(c, err)
	}

	return c.JSON(fiber.Map{"payout_requests": requests})
}

func (h *PayoutHandler) ApproveRequest(c *fiber.Ctx) error {
	return h.decide(c, h.service.ApprovePayout)
}

func (h *PayoutHandler) RejectRequest(c *fiber.Ctx) error {
	return h.decide(c, h.service.RejectPayout)
}

func (h *PayoutHandler) decide(
	c *fiber.Ctx,
	action func(ctx context.Context, adminID int64, payoutID int64, notes *string) (*models.PayoutRequest, error),
) error {
	adminID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	payoutID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid payout request id"})
	}

	var req adminDecisionRequest
	if err := bindJSON(c, &req); err != nil {
		return badRequest(c, err)
	}

	request, err := action(c.UserContext(), adminID, payoutID, optionalNotes(req.Notes))
	if err != nil {
		return mapPayoutError(c, err)
	}

	return c.JSON(fiber.Map{"payout_request": request})
}

func (h *PayoutHandler) Export(c *fiber.Ctx) error {
	adminID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req exportPayoutsRequest
	if err := bindJSON(c, &req); err != nil {
		return badRequest(c, err)
	}

	body, count, err := h.service.ExportPayoutCSV(c.UserContext(), adminID, req.IDs)
	if err != nil {
		return mapPayoutError(c, err)
	}

	filename := fmt.Sprintf("payouts_%s.csv", h.now().UTC().Format("20060102_150405"))
	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	c.Set("X-Payout-Count", strconv.Itoa(count))
	return c.Send(body)
}

func mapPayoutError(c *fiber.Ctx, err error) error {
	return mapServiceError(c, err, "Payout request not found", "Failed to process payout request")
}
