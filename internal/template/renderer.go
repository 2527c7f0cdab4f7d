// Package template resolves a notification into final, channel-ready
// content. Placeholders use the {{name}} form; a missing variable is a
// permanent error rather than silently rendered, since retrying cannot
// supply the value.
package template

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	repo "github.com/naebak/notifications-service/internal/repository/template"

	"github.com/naebak/notifications-service/internal/model"
)

// ErrTemplateNotFound means no active template exists for the record's
// (type, channel) pair. Permanent: no retry.
var ErrTemplateNotFound = repo.ErrTemplateNotFound

// RenderError reports an unresolved placeholder. Permanent: no retry.
type RenderError struct {
	Variable string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("unresolved template variable %q", e.Variable)
}

// IsPermanent reports whether err is a rendering failure that retrying
// cannot fix.
func IsPermanent(err error) bool {
	var re *RenderError
	return errors.Is(err, ErrTemplateNotFound) || errors.As(err, &re)
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

const (
	// smsMaxRunes caps rendered sms content; anything longer is truncated
	// with a visible marker rather than rejected.
	smsMaxRunes       = 160
	smsTruncationMark = "..."
)

type templateSource interface {
	Active(ctx context.Context, t model.Type, c model.Channel) (model.Template, error)
}

// Renderer resolves templates and substitutes variables.
type Renderer struct {
	templates templateSource
}

// NewRenderer creates a renderer backed by the given template source.
func NewRenderer(templates templateSource) *Renderer {
	return &Renderer{templates: templates}
}

// Rendered is the final channel-ready content of a notification.
type Rendered struct {
	Content string
	Subject string
}

// Render produces the final content for the record. Records carrying
// pre-rendered content pass through without a template lookup; everything
// else selects the active template for the (type, channel) pair and
// substitutes every placeholder.
func (r *Renderer) Render(ctx context.Context, n model.Notification) (Rendered, error) {
	if n.Prerendered() {
		return r.shape(n.Channel, n.Content, n.Subject)
	}

	tpl, err := r.templates.Active(ctx, n.Type, n.Channel)
	if err != nil {
		if errors.Is(err, repo.ErrTemplateNotFound) {
			return Rendered{}, fmt.Errorf("%w for %s/%s", ErrTemplateNotFound, n.Type, n.Channel)
		}
		return Rendered{}, fmt.Errorf("look up template: %w", err)
	}

	content, err := substitute(tpl.Content, n.Variables)
	if err != nil {
		return Rendered{}, err
	}

	subject, err := substitute(tpl.Subject, n.Variables)
	if err != nil {
		return Rendered{}, err
	}

	return r.shape(n.Channel, content, subject)
}

func (r *Renderer) shape(c model.Channel, content, subject string) (Rendered, error) {
	if c == model.ChannelSMS {
		content = TruncateSMS(content)
	}
	return Rendered{Content: content, Subject: subject}, nil
}

// substitute replaces every {{name}} placeholder with its variable value.
// The first unresolved placeholder aborts with a RenderError.
func substitute(body string, vars map[string]string) (string, error) {
	var missing string

	out := placeholderRe.ReplaceAllStringFunc(body, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		value, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return value
	})

	if missing != "" {
		return "", &RenderError{Variable: missing}
	}

	return out, nil
}

// TruncateSMS enforces the sms length cap, appending a visible marker
// when content was cut.
func TruncateSMS(content string) string {
	runes := []rune(content)
	if len(runes) <= smsMaxRunes {
		return content
	}

	cut := smsMaxRunes - len(smsTruncationMark)
	return strings.TrimRight(string(runes[:cut]), " ") + smsTruncationMark
}
