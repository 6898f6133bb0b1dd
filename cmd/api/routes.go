package main

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"call-insights/internal/app"
	"call-insights/internal/httpapi"
	"call-insights/pkg/logger"
)

// newRouter builds the gin engine. Keep this file free of business logic;
// routes live in httpapi.Handlers.Register.
func newRouter(log *slog.Logger, a *app.App, h httpapi.Handlers, authMW gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	r.GET("/healthz", func(c *gin.Context) {
		if err := a.Health(c.Request.Context()); err != nil {
			logger.FromGin(c).Warn("health check failed", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "queue": a.Jobs.QueueLen()})
	})

	h.Register(r, authMW)
	return r
}
