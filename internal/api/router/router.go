package router

import (
	"net/http"

	"github.com/wb-go/wbf/ginext"

	"github.com/naebak/notifications-service/internal/api/handlers/callback"
	"github.com/naebak/notifications-service/internal/api/handlers/inbox"
	"github.com/naebak/notifications-service/internal/api/handlers/notification"
	"github.com/naebak/notifications-service/internal/api/handlers/ops"
	"github.com/naebak/notifications-service/internal/api/handlers/preference"
	"github.com/naebak/notifications-service/internal/api/handlers/template"
	"github.com/naebak/notifications-service/internal/middlewares"
)

// Handlers bundles everything the router mounts.
type Handlers struct {
	Notification *notification.Handler
	Preference   *preference.Handler
	Template     *template.Handler
	Inbox        *inbox.Handler
	Callback     *callback.Handler
	Ops          *ops.Handler
	Metrics      http.Handler
}

func New(h Handlers) *ginext.Engine {
	e := ginext.New()
	e.Use(middlewares.CORSMiddleware())
	e.Use(ginext.Logger())
	e.Use(ginext.Recovery())

	api := e.Group("/api")
	{
		notifications := api.Group("/notifications")
		{
			notifications.POST("", h.Notification.Create)
			notifications.GET("/:id", h.Notification.Get)
			notifications.GET("/:id/status", h.Notification.Status)
			notifications.GET("/:id/history", h.Notification.History)
			notifications.DELETE("/:id", h.Notification.Cancel)
			notifications.POST("/:id/retry", h.Notification.Retry)
		}

		preferences := api.Group("/preferences")
		{
			preferences.GET("/:user_id", h.Preference.List)
			preferences.PUT("/:user_id", h.Preference.Upsert)
		}

		templates := api.Group("/templates")
		{
			templates.POST("", h.Template.Create)
			templates.DELETE("/:id", h.Template.Delete)
		}

		inboxGroup := api.Group("/inbox")
		{
			inboxGroup.GET("/:user_id", h.Inbox.List)
			inboxGroup.POST("/:user_id/:id/read", h.Inbox.MarkRead)
		}

		api.POST("/callbacks/:channel", h.Callback.Receive)

		opsGroup := api.Group("/ops")
		{
			opsGroup.GET("/stats", h.Ops.Stats)
			opsGroup.GET("/dead-letters", h.Ops.DeadLetters)
		}
	}

	e.GET("/metrics", func(c *ginext.Context) {
		h.Metrics.ServeHTTP(c.Writer, c.Request)
	})

	return e
}
