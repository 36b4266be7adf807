package handlers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/LessonMarketBack/internal/models"
	"github.com/saeid-a/LessonMarketBack/internal/services"
)

var validate = validator.New()

var errInvalidBody = errors.New("invalid request body")

func parseActorID(c *fiber.Ctx) (int64, error) {
	userIDStr, ok := c.Locals("user_id").(string)
	if !ok {
		return 0, strconv.ErrSyntax
	}
	return parseUserID(userIDStr)
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, strconv.ErrRange
	}
	return id, nil
}

func actorRole(c *fiber.Ctx) models.Role {
	role, _ := c.Locals("role").(string)
	return models.Role(role)
}

func parseIDParam(c *fiber.Ctx, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// bindJSON decodes the body into dst and runs its validate tags. An empty body
// is accepted for requests whose fields are all optional.
func bindJSON(c *fiber.Ctx, dst any) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(dst); err != nil {
			return errInvalidBody
		}
	}
	if err := validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return errInvalidBody
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		field := toSnakeCase(fieldError.Field())
		switch fieldError.Tag() {
		case "required":
			messages = append(messages, field+" is required")
		case "datetime":
			messages = append(messages, fmt.Sprintf("%s must match %s", field, fieldError.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed %s=%s", field, fieldError.Tag(), fieldError.Param()))
		}
	}
	return errors.New(strings.Join(messages, "; "))
}

func toSnakeCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
}

func optionalNotes(notes *string) *string {
	if notes == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*notes)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// mapServiceError is the shared part of every family's error mapping.
func mapServiceError(c *fiber.Ctx, err error, notFoundMessage string, fallback string) error {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": notFoundMessage})
	case errors.Is(err, services.ErrAlreadyExists), errors.Is(err, services.ErrCapacityExceeded):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidStateTransition),
		errors.Is(err, services.ErrDataIntegrity),
		errors.Is(err, services.ErrBankAccountNotVerified):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrUpstreamUnavailable):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Payment provider unavailable, please retry", "retryable": true})
	case errors.Is(err, services.ErrUpstreamRejected):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Payment provider rejected the request", "retryable": false})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": fallback})
	}
}
