// Package template exposes template registration and soft-delete.
package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/naebak/notifications-service/internal/api/dto"
	"github.com/naebak/notifications-service/internal/api/respond"
	"github.com/naebak/notifications-service/internal/model"
	templaterepo "github.com/naebak/notifications-service/internal/repository/template"
)

type templateRepository interface {
	Create(ctx context.Context, tpl model.Template) (uuid.UUID, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// Handler handles HTTP requests for notification templates.
type Handler struct {
	templates templateRepository
	validator *validator.Validate
}

// NewHandler creates a new Handler instance.
func NewHandler(templates templateRepository, v *validator.Validate) *Handler {
	return &Handler{templates: templates, validator: v}
}

// Create handles POST requests to register a new active template. Any
// previous active template for the same (type, channel) pair is
// deactivated in the same transaction.
func (h *Handler) Create(c *ginext.Context) {
	var req dto.CreateTemplateRequest
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

	tpl := model.Template{
		Name:    req.Name,
		Type:    model.Type(req.Type),
		Channel: model.Channel(req.Channel),
		Subject: req.Subject,
		Content: req.Content,
	}

	id, err := h.templates.Create(c.Request.Context(), tpl)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("name", req.Name).Msg("failed to create template")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.Created(c.Writer, map[string]any{"id": id})
}

// Delete handles DELETE requests to soft-delete a template.
func (h *Handler) Delete(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid template id"))
		return
	}

	if err := h.templates.Deactivate(c.Request.Context(), id); err != nil {
		if errors.Is(err, templaterepo.ErrTemplateNotFound) {
			respond.Fail(c.Writer, http.StatusNotFound, err)
			return
		}
		zlog.Logger.Error().Err(err).Str("template_id", id.String()).Msg("failed to deactivate template")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, map[string]any{"id": id})
}
