package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tripmate/internal/middleware"
	"github.com/hitoshi/tripmate/internal/model"
)

const (
	defaultNotificationsPerPage = 20
	maxNotificationsPerPage     = 100
)

// NotificationService は通知ハンドラーが必要とするサービスインターフェース。notification.Serviceが満たす。
type NotificationService interface {
	List(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// NotificationHandler はアプリ内通知のHTTPハンドラー。
type NotificationHandler struct {
	service NotificationService
	logger  *slog.Logger
}

// NewNotificationHandler はNotificationHandlerを生成する。
func NewNotificationHandler(service NotificationService, logger *slog.Logger) *NotificationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationHandler{service: service, logger: logger}
}

type notificationListResponse struct {
	Notifications []*model.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unreadCount"`
}

// ListNotifications は最近の通知と未読数を返す。
// GET /api/notifications?limit=<n>
func (h *NotificationHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	limit, err := queryInt(r, "limit", defaultNotificationsPerPage)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	switch {
	case limit <= 0:
		limit = defaultNotificationsPerPage
	case limit > maxNotificationsPerPage:
		limit = maxNotificationsPerPage
	}

	list, err := h.service.List(r.Context(), userID, int(limit))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	unread, err := h.service.UnreadCount(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(notificationListResponse{Notifications: list, UnreadCount: unread})
}
