package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/LessonMarketBack/internal/models"
	"github.com/saeid-a/LessonMarketBack/internal/services"
)

type LessonHandler struct {
	service lessonApplicationService
}

type lessonApplicationService interface {
	CreateLesson(ctx context.Context, trainerID int64, input services.CreateLessonInput) (*models.Lesson, error)
	GetLesson(ctx context.Context, lessonID int64) (*models.LessonDetail, error)
	StartCheckout(ctx context.Context, clientID int64, lessonID int64) (*services.CheckoutResult, error)
	PreviewClientCancellation(ctx context.Context, clientID int64, bookingID int64) (*services.CancellationPreview, error)
	CancelByClient(ctx context.Context, clientID int64, bookingID int64, reason string) (*services.CancellationResult, error)
	PreviewTrainerCancellation(ctx context.Context, trainerID int64, lessonID int64) (*services.CancellationPreview, error)
	CancelByTrainer(ctx context.Context, trainerID int64, lessonID int64, reason string) (*services.CancellationResult, error)
	CompleteLesson(ctx context.Context, trainerID int64, lessonID int64) (*services.CompletionResult, error)
	MarkNoShow(ctx context.Context, trainerID int64, bookingID int64) (*models.Booking, error)
}

func NewLessonHandler(service lessonApplicationService) *LessonHandler {
	return &LessonHandler{service: service}
}

type createLessonRequest struct {
	Title           string `json:"title" validate:"required,max=200"`
	Date            string `json:"date" validate:"required,datetime=2006-01-02"`
	Time            string `json:"time" validate:"required,datetime=15:04"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,min=1,max=600"`
	Price           int64  `json:"price" validate:"min=0"`
	MaxParticipants int    `json:"max_participants" validate:"required,min=1,max=1000"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *LessonHandler) CreateLesson(c *fiber.Ctx) error {
	trainerID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req createLessonRequest
	if err := bindJSON(c, &req); err != nil {
		return badRequest(c, err)
	}

	lesson, err := h.service.CreateLesson(c.UserContext(), trainerID, services.CreateLessonInput{
		Title:           req.Title,
		Date:            req.Date,
		Time:            req.Time,
		DurationMinutes: req.DurationMinutes,
		Price:           req.Price,
		MaxParticipants: req.MaxParticipants,
	})
	if err != nil {
		return mapBookingError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"lesson": lesson})
}

func (h *LessonHandler) GetLesson(c *fiber.Ctx) error {
	lessonID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid lesson id"})
	}

	lesson, err := h.service.GetLesson(c.UserContext(), lessonID)
	if err != nil {
		return mapBookingError(c, err)
	}

	return c.JSON(fiber.Map{"lesson": lesson})
}

func (h *LessonHandler) StartCheckout(c *fiber.Ctx) error {
	clientID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	lessonID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid lesson id"})
	}

	result, err := h.service.StartCheckout(c.UserContext(), clientID, lessonID)
	if err != nil {
		return mapBookingError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *LessonHandler) PreviewLessonCancellation(c *fiber.Ctx) error {
	trainerID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	lessonID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid lesson id"})
	}

	preview, err := h.service.PreviewTrainerCancellation(c.UserContext(), trainerID, lessonID)
	if err != nil {
		return mapBookingError(c, err)
	}

	return c.JSON(fiber.Map{"preview": preview})
}

func (h *LessonHandler) CancelLesson(c *fiber.Ctx) error {
	trainerID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	lessonID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid lesson id"})
	}

	var req cancelRequest
	if err := bindJSON(c, &req); err != nil {
		return badRequest(c, err)
	}

	result, err := h.service.CancelByTrainer(c.UserContext(), trainerID, lessonID, req.Reason)
	if err != nil {
		return mapBookingError(c, err)
	}

	return c.JSON(result)
}

func (h *LessonHandler) CompleteLesson(c *fiber.Ctx) error {
	trainerID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	lessonID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid lesson id"})
	}

	result, err := h.service.CompleteLesson(c.UserContext(), trainerID, lessonID)
	if err != nil {
		return mapBookingError(c, err)
	}

	return c.JSON(result)
}

func (h *LessonHandler) MarkNoShow(c *fiber.Ctx) error {
	trainerID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	bookingID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid booking id"})
	}

	booking, err := h.service.MarkNoShow(c.UserContext(), trainerID, bookingID)
	if err != nil {
		return mapBookingError(c, err)
	}

	return c.JSON(fiber.Map{"booking": booking})
}

func (h *LessonHandler) PreviewBookingCancellation(c *fiber.Ctx) error {
	clientID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	bookingID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid booking id"})
	}

	preview, err := h.service.PreviewClientCancellation(c.UserContext(), clientID, bookingID)
	if err != nil {
		return mapBookingError(c, err)
	}

	return c.JSON(fiber.Map{"preview": preview})
}

func (h *LessonHandler) CancelBooking(c *fiber.Ctx) error {
	clientID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	bookingID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid booking id"})
	}

	var req cancelRequest
	if err := bindJSON(c, &req); err != nil {
		return badRequest(c, err)
	}

	result, err := h.service.CancelByClient(c.UserContext(), clientID, bookingID, req.Reason)
	if err != nil {
		return mapBookingError(c, err)
	}

	return c.JSON(result)
}

func mapBookingError(c *fiber.Ctx, err error) error {
	return mapServiceError(c, err, "Lesson or booking not found", "Failed to process booking request")
}
