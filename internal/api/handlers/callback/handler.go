// Package callback receives normalized provider delivery receipts.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/naebak/notifications-service/internal/api/dto"
	"github.com/naebak/notifications-service/internal/api/respond"
	"github.com/naebak/notifications-service/internal/model"
	"github.com/naebak/notifications-service/internal/tracker"
)

type receiptTracker interface {
	Handle(ctx context.Context, cb tracker.Callback) error
}

// Handler handles provider callback requests.
type Handler struct {
	tracker   receiptTracker
	validator *validator.Validate
}

// NewHandler creates a new Handler instance.
func NewHandler(t receiptTracker, v *validator.Validate) *Handler {
	return &Handler{tracker: t, validator: v}
}

// Receive handles POST requests carrying one delivery receipt. The
// channel path parameter names the provider family; the body is already
// normalized by the provider-facing webhook adapters.
func (h *Handler) Receive(c *ginext.Context) {
	ch := model.Channel(c.Param("channel"))
	if !ch.Valid() || ch == model.ChannelInApp {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("unknown callback channel %q", ch))
		return
	}

	var req dto.CallbackRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to decode callback body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	if err := h.validator.Struct(req); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to validate callback body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	cb := tracker.Callback{
		ProviderMessageID: req.ProviderMessageID,
		Outcome:           tracker.Outcome(req.Status),
		Reason:            req.Reason,
	}

	if err := h.tracker.Handle(c.Request.Context(), cb); err != nil {
		zlog.Logger.Error().Err(err).
			Str("channel", string(ch)).
			Str("provider_message_id", req.ProviderMessageID).
			Msg("failed to apply delivery receipt")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, "receipt accepted")
}
