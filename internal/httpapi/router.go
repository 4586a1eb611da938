package httpapi

import (
	"net/http"

	"github.com/clagradi/t3-chat-api/internal/common"
	"github.com/clagradi/t3-chat-api/internal/config"
	"github.com/clagradi/t3-chat-api/internal/httpapi/handlers"
	"github.com/clagradi/t3-chat-api/internal/httpapi/middleware"
	"github.com/clagradi/t3-chat-api/internal/logger"
	"github.com/clagradi/t3-chat-api/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func corsConfig(origins []string) cors.Config {
	cc := cors.DefaultConfig()
	cc.AllowHeaders = append(cc.AllowHeaders, "Authorization", "Idempotency-Key", middleware.RequestIDHeader)
	cc.ExposeHeaders = []string{middleware.RequestIDHeader, "Idempotent-Replayed"}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cc
}

func NewRouter(cfg config.Config, h *handlers.Handler, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Metrics())
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/models", h.ListModels)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))

	// Chat (JWT required)
	authGroup.POST("/chat/send", h.SendChatMessage)
	authGroup.POST("/chat/stream", h.StreamChatMessage)
	authGroup.POST("/chat/send/async", h.SendChatMessageAsync)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)
	authGroup.GET("/chat/sessions", h.ListChatSessions)
	authGroup.POST("/chat/new", h.CreateChatSession)
	authGroup.DELETE("/chat/sessions/:session_id", h.DeleteChatSession)
	authGroup.GET("/chat/messages/:session_id", h.ListChatMessages)

	// provider keys
	authGroup.GET("/api-keys", h.ListAPIKeys)
	authGroup.POST("/api-keys", h.SaveAPIKey)
	authGroup.DELETE("/api-keys/:id", h.DeleteAPIKey)

	// attachments
	authGroup.POST("/attachments/upload", h.UploadAttachment)
	authGroup.GET("/attachments/user", h.ListAttachments)
	authGroup.GET("/attachments/:id", h.GetAttachment)
	authGroup.DELETE("/attachments/:id", h.DeleteAttachment)
	return r
}
