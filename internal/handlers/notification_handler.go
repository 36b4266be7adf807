package handlers

import (
	"context"
	"errors"
	"strings"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/LessonMarketBack/internal/models"
	notifyws "github.com/saeid-a/LessonMarketBack/internal/websocket"
	"github.com/saeid-a/LessonMarketBack/pkg/utils"
)

type notificationApplicationService interface {
	ListNotifications(ctx context.Context, userID int64, role models.Role, page int, limit int) ([]models.Notification, models.PaginationMeta, error)
	MarkNotificationRead(ctx context.Context, userID int64, role models.Role, notificationID int64) (*models.Notification, error)
}

type NotificationHandler struct {
	service   notificationApplicationService
	hub       *notifyws.Hub
	jwtSecret string
}

func NewNotificationHandler(service notificationApplicationService, hub *notifyws.Hub, jwtSecret string) *NotificationHandler {
	return &NotificationHandler{
		service:   service,
		hub:       hub,
		jwtSecret: jwtSecret,
	}
}

func (h *NotificationHandler) List(c *fiber.Ctx) error {
	userID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	page, limit := parsePagination(c.Query("page"), c.Query("limit"))
	notifications, meta, err := h.service.ListNotifications(c.UserContext(), userID, actorRole(c), page, limit)
	if err != nil {
		return mapNotificationError(c, err)
	}

	return c.JSON(fiber.Map{"notifications": notifications, "pagination": meta})
}

func (h *NotificationHandler) MarkRead(c *fiber.Ctx) error {
	userID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	notificationID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid notification id"})
	}

	notification, err := h.service.MarkNotificationRead(c.UserContext(), userID, actorRole(c), notificationID)
	if err != nil {
		return mapNotificationError(c, err)
	}

	return c.JSON(fiber.Map{"notification": notification})
}

func (h *NotificationHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)
	return c.Next()
}

func (h *NotificationHandler) HandleWebSocket(conn *websocket.Conn) {
	rawID, _ := conn.Locals("user_id").(string)
	role, _ := conn.Locals("role").(string)
	userID, err := parseUserID(rawID)
	if err != nil {
		_ = conn.Close()
		return
	}
	client := notifyws.NewClient(h.hub, conn, userID, models.Role(role))

	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump(h.service)
}

func (h *NotificationHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		authHeader := strings.TrimSpace(c.Get("Authorization"))
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}

func mapNotificationError(c *fiber.Ctx, err error) error {
	return mapServiceError(c, err, "Notification not found", "Failed to load notifications")
}
