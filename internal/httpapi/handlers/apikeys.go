package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/clagradi/t3-chat-api/internal/ai"
	"github.com/clagradi/t3-chat-api/internal/common"
	"github.com/gin-gonic/gin"
)

type saveAPIKeyReq struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

// knownProvider accepts the credential names the adapter looks keys up by.
func knownProvider(p string) bool {
	p = strings.ToLower(strings.TrimSpace(p))
	for _, k := range []ai.Kind{ai.KindOpenAI, ai.KindAnthropic, ai.KindGoogle, ai.KindDeepSeek} {
		if k.CredentialKey() == p {
			return true
		}
	}
	return false
}

func (h *Handler) ListAPIKeys(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	keys, err := h.Creds.ListActive(c.Request.Context(), uid)
	if err != nil {
		h.internalError(c, "list_api_keys", err, "user_id", uid)
		return
	}
	common.OK(c, gin.H{"api_keys": keys})
}

func (h *Handler) SaveAPIKey(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var req saveAPIKeyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		common.Fail(c, http.StatusBadRequest, 10004, "api_key required")
		return
	}
	if !knownProvider(req.Provider) {
		common.Fail(c, http.StatusBadRequest, 10005, "unknown provider")
		return
	}

	cred, err := h.Creds.Upsert(c.Request.Context(), uid, req.Provider, req.APIKey)
	if err != nil {
		h.internalError(c, "save_api_key", err, "user_id", uid, "provider", req.Provider)
		return
	}
	common.OK(c, gin.H{"api_key": cred})
}

func (h *Handler) DeleteAPIKey(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusNotFound, 40403, "api key not found")
		return
	}
	if err := h.Creds.Deactivate(c.Request.Context(), uid, id); err != nil {
		if isNotFound(err) {
			common.Fail(c, http.StatusNotFound, 40403, "api key not found")
			return
		}
		h.internalError(c, "delete_api_key", err, "user_id", uid)
		return
	}
	common.OK(c, gin.H{"id": id, "deleted": true})
}
