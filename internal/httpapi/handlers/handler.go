package handlers

import (
	"errors"
	"net/http"

	"github.com/clagradi/t3-chat-api/internal/chat"
	"github.com/clagradi/t3-chat-api/internal/common"
	"github.com/clagradi/t3-chat-api/internal/config"
	"github.com/clagradi/t3-chat-api/internal/credential"
	"github.com/clagradi/t3-chat-api/internal/httpapi/middleware"
	"github.com/clagradi/t3-chat-api/internal/logger"
	"github.com/clagradi/t3-chat-api/internal/store/filestore"
	"github.com/clagradi/t3-chat-api/internal/store/redisstore"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type Handler struct {
	Cfg   config.Config
	Chat  *chat.Service
	Creds *credential.Repo
	Files *filestore.Store
	Redis *redisstore.Store // nil disables /chat/send replay
	Log   *logger.Logger
}

func NewHandler(cfg config.Config, chatSvc *chat.Service, creds *credential.Repo, files *filestore.Store, rds *redisstore.Store, log *logger.Logger) *Handler {
	return &Handler{
		Cfg:   cfg,
		Chat:  chatSvc,
		Creds: creds,
		Files: files,
		Redis: rds,
		Log:   log.With("component", "Handler"),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// mustUser writes the 401 envelope when the request carries no user.
func mustUser(c *gin.Context) (uint64, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func (h *Handler) internalError(c *gin.Context, op string, err error, kv ...any) {
	kv = append(kv, "op", op, "request_id", c.GetString("request_id"), "error", err)
	h.Log.Error("request failed", kv...)
	common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
}
