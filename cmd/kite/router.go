package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kitehq/kite/internal/common/config"
	"github.com/kitehq/kite/internal/common/httpmw"
	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/github"
	"github.com/kitehq/kite/internal/session"
	"github.com/kitehq/kite/internal/trigger"
	"github.com/kitehq/kite/internal/workflow"
)

// buildRouter mounts the HTTP surface. Three trust tiers share /api/v1:
// the authenticated user API, socket endpoints with self-managed
// admission, and public ingress authenticated by provider signatures or
// per-trigger secrets.
func buildRouter(cfg *config.Config, svc *services, log *logger.Logger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "kite"))
	router.Use(httpmw.OtelTracing("kite"))
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "kite"})
	})

	secret := []byte(cfg.Auth.JWTSecret)
	sessionHandler := session.NewHandler(svc.sessions, log)
	workflowHandlers := workflow.NewHandlers(svc.workflows, svc.executor, log)
	triggerHandlers := trigger.NewHandlers(svc.triggers, svc.dispatcher, log)
	githubHandlers := github.NewHandlers(svc.github)

	api := router.Group("/api/v1", httpmw.UserAuth(secret))
	sessionHandler.RegisterRoutes(api)
	workflowHandlers.RegisterRoutes(api)
	triggerHandlers.RegisterRoutes(api)
	githubHandlers.RegisterRoutes(api)

	sockets := router.Group("/api/v1", stripIdentityHeaders(), httpmw.OptionalUserAuth(secret))
	sessionHandler.RegisterSocketRoutes(sockets)

	ingress := router.Group("/api/v1", stripIdentityHeaders())
	svc.channels.RegisterRoutes(ingress)
	triggerHandlers.RegisterWebhookRoutes(ingress)

	return router
}

// stripIdentityHeaders drops identity headers from untrusted ingress.
// They are honored only when a trusted fronting proxy injects them.
func stripIdentityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Header.Del("X-User-ID")
		c.Request.Header.Del("X-User-Name")
		c.Request.Header.Del("X-User-Avatar")
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
