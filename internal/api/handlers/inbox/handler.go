// Package inbox exposes the in-app message inbox.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/naebak/notifications-service/internal/api/respond"
	"github.com/naebak/notifications-service/internal/model"
	inboxrepo "github.com/naebak/notifications-service/internal/repository/inbox"
)

type inboxRepository interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]model.InboxMessage, error)
	MarkRead(ctx context.Context, id int64, userID string) error
}

// Handler handles HTTP requests for the in-app inbox.
type Handler struct {
	inbox inboxRepository
}

// NewHandler creates a new Handler instance.
func NewHandler(inbox inboxRepository) *Handler {
	return &Handler{inbox: inbox}
}

// List handles GET requests for a user's inbox, newest first. An
// optional limit query parameter caps the page size.
func (h *Handler) List(c *ginext.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("missing user_id"))
		return
	}

	limit := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid limit"))
			return
		}
		limit = parsed
	}

	messages, err := h.inbox.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("user_id", userID).Msg("failed to list inbox messages")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, messages)
}

// MarkRead handles POST requests to flag one inbox message as read.
func (h *Handler) MarkRead(c *ginext.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("missing user_id"))
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid message id"))
		return
	}

	if err := h.inbox.MarkRead(c.Request.Context(), id, userID); err != nil {
		if errors.Is(err, inboxrepo.ErrMessageNotFound) {
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("inbox message not found"))
			return
		}

		zlog.Logger.Error().Err(err).Str("user_id", userID).Int64("id", id).Msg("failed to mark inbox message read")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, "message marked read")
}
