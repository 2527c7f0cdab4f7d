// Package preference exposes read and write access to per-user delivery
// preferences.
package preference

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/naebak/notifications-service/internal/api/dto"
	"github.com/naebak/notifications-service/internal/api/respond"
	"github.com/naebak/notifications-service/internal/model"
)

type preferenceRepository interface {
	Upsert(ctx context.Context, p model.Preference) error
	ListByUser(ctx context.Context, userID string) ([]model.Preference, error)
}

// Handler handles HTTP requests for user preferences.
type Handler struct {
	prefs     preferenceRepository
	validator *validator.Validate
}

// NewHandler creates a new Handler instance.
func NewHandler(prefs preferenceRepository, v *validator.Validate) *Handler {
	return &Handler{prefs: prefs, validator: v}
}

// List handles GET requests for a user's explicit preference rows.
// Pairs without a row use the default: enabled, immediate delivery.
func (h *Handler) List(c *ginext.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("missing user_id"))
		return
	}

	prefs, err := h.prefs.ListByUser(c.Request.Context(), userID)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("user_id", userID).Msg("failed to list preferences")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, prefs)
}

// Upsert handles PUT requests to create or replace one preference row.
func (h *Handler) Upsert(c *ginext.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("missing user_id"))
		return
	}

	var req dto.UpsertPreferenceRequest
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

	if err := validateQuietHours(req); err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, err)
		return
	}

	p := model.Preference{
		UserID:          userID,
		Type:            model.Type(req.Type),
		Channel:         model.Channel(req.Channel),
		Enabled:         *req.Enabled,
		Frequency:       model.FrequencyImmediate,
		QuietHoursStart: req.QuietHoursStart,
		QuietHoursEnd:   req.QuietHoursEnd,
		Timezone:        req.Timezone,
	}
	if req.Frequency != "" {
		p.Frequency = model.Frequency(req.Frequency)
	}

	if err := h.prefs.Upsert(c.Request.Context(), p); err != nil {
		zlog.Logger.Error().Err(err).Str("user_id", userID).Msg("failed to upsert preference")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, p)
}

func validateQuietHours(req dto.UpsertPreferenceRequest) error {
	if (req.QuietHoursStart == "") != (req.QuietHoursEnd == "") {
		return fmt.Errorf("quiet_hours_start and quiet_hours_end must be set together")
	}

	for _, v := range []string{req.QuietHoursStart, req.QuietHoursEnd} {
		if v == "" {
			continue
		}
		if _, err := time.Parse("15:04", v); err != nil {
			return fmt.Errorf("invalid quiet hours time %q, want HH:MM", v)
		}
	}

	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", req.Timezone)
		}
	}

	return nil
}
