// Package notification exposes the submission and lifecycle endpoints.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/naebak/notifications-service/internal/api/dto"
	"github.com/naebak/notifications-service/internal/api/respond"
	"github.com/naebak/notifications-service/internal/config"
	"github.com/naebak/notifications-service/internal/model"
	notifrepo "github.com/naebak/notifications-service/internal/repository/notification"
	notifservice "github.com/naebak/notifications-service/internal/service/notification"
)

// notificationService defines the service surface the handler depends on.
type notificationService interface {
	Submit(ctx context.Context, strategy retry.Strategy, n model.Notification) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (model.Notification, error)
	Status(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (model.Status, error)
	History(ctx context.Context, id uuid.UUID) ([]model.DeliveryAttempt, error)
	Cancel(ctx context.Context, strategy retry.Strategy, id uuid.UUID) error
	Retry(ctx context.Context, strategy retry.Strategy, id uuid.UUID) error
}

// Handler handles HTTP requests for notification records.
type Handler struct {
	service   notificationService
	validator *validator.Validate
	cfg       *config.Config
}

// NewHandler creates a new Handler instance.
func NewHandler(s notificationService, v *validator.Validate, cfg *config.Config) *Handler {
	return &Handler{service: s, validator: v, cfg: cfg}
}

// Create handles POST requests to submit a notification. It responds as
// soon as the record is durable; delivery happens asynchronously.
func (h *Handler) Create(c *ginext.Context) {
	var req dto.CreateNotificationRequest

	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to decode request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	if err := h.validator.Struct(req); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to validate request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	if !model.Type(req.Type).Valid() {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("unknown notification type %q", req.Type))
		return
	}

	n := model.Notification{
		UserID:      req.UserID,
		Type:        model.Type(req.Type),
		Channel:     model.Channel(req.Channel),
		Priority:    model.PriorityNormal,
		Destination: req.Destination,
		Subject:     req.Subject,
		Content:     req.Content,
		Variables:   req.Variables,
		MaxRetries:  req.MaxRetries,
	}
	if req.Priority != "" {
		n.Priority = model.Priority(req.Priority)
	}

	if req.ScheduledAt != "" {
		scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			zlog.Logger.Warn().Err(err).Msg("failed to parse scheduled_at")
			respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid scheduled_at format, want RFC 3339"))
			return
		}
		n.ScheduledAt = &scheduledAt
	}

	id, err := h.service.Submit(c.Request.Context(), h.cfg.Retry, n)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("user_id", req.UserID).Msg("failed to create notification")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.Created(c.Writer, id)
}

// Get handles GET requests for a single notification record.
func (h *Handler) Get(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	n, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, notifrepo.ErrNotificationNotFound) {
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("notification not found"))
			return
		}

		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get notification")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, n)
}

// Status handles GET requests for a record's current status. Reads go
// through the status cache and fall back to the store on a miss.
func (h *Handler) Status(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	status, err := h.service.Status(c.Request.Context(), h.cfg.Retry, id)
	if err != nil {
		if errors.Is(err, notifrepo.ErrNotificationNotFound) {
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("notification not found"))
			return
		}

		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get notification status")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, map[string]interface{}{"id": id, "status": status})
}

// History handles GET requests for a record's delivery attempts.
func (h *Handler) History(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	attempts, err := h.service.History(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, notifrepo.ErrNotificationNotFound) {
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("notification not found"))
			return
		}

		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get delivery history")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, attempts)
}

// Cancel handles DELETE requests to cancel a pending or queued record.
func (h *Handler) Cancel(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	err := h.service.Cancel(c.Request.Context(), h.cfg.Retry, id)
	if err != nil {
		if errors.Is(err, notifrepo.ErrNotificationNotFound) {
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("notification not found"))
			return
		}
		if errors.Is(err, notifrepo.ErrStatusConflict) {
			respond.Fail(c.Writer, http.StatusConflict, fmt.Errorf("notification can no longer be cancelled"))
			return
		}

		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cancel notification")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, "notification cancelled")
}

// Retry handles POST requests to re-queue a failed or cancelled record.
func (h *Handler) Retry(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	err := h.service.Retry(c.Request.Context(), h.cfg.Retry, id)
	if err != nil {
		switch {
		case errors.Is(err, notifrepo.ErrNotificationNotFound):
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("notification not found"))
		case errors.Is(err, notifservice.ErrNotRetryable), errors.Is(err, notifservice.ErrOptedOutCancellation):
			respond.Fail(c.Writer, http.StatusConflict, err)
		default:
			zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to retry notification")
			respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		}
		return
	}

	respond.OK(c.Writer, "notification queued for retry")
}

func (h *Handler) parseID(c *ginext.Context) (uuid.UUID, bool) {
	idStr := c.Param("id")
	id, err := uuid.Parse(idStr)
	if err != nil || id == uuid.Nil {
		zlog.Logger.Warn().Str("id", idStr).Msg("invalid notification id")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}
