// Package ops exposes operator-facing pipeline introspection.
package ops

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/naebak/notifications-service/internal/api/respond"
	"github.com/naebak/notifications-service/internal/model"
	notifservice "github.com/naebak/notifications-service/internal/service/notification"
)

const defaultDeadLetterLimit = 100

type opsService interface {
	Stats(ctx context.Context) (notifservice.Stats, error)
	DeadLetters(ctx context.Context, limit int) ([]model.Notification, error)
}

// Handler handles operational endpoints.
type Handler struct {
	service opsService
}

// NewHandler creates a new Handler instance.
func NewHandler(s opsService) *Handler {
	return &Handler{service: s}
}

// Stats handles GET requests for queue depth and per-channel status
// counts.
func (h *Handler) Stats(c *ginext.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to collect pipeline stats")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, stats)
}

// DeadLetters handles GET requests listing retry-exhausted records.
func (h *Handler) DeadLetters(c *ginext.Context) {
	limit := defaultDeadLetterLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid limit"))
			return
		}
		limit = parsed
	}

	records, err := h.service.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to list dead letters")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, records)
}
