package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/clagradi/t3-chat-api/internal/ai"
	"github.com/clagradi/t3-chat-api/internal/chat"
	"github.com/clagradi/t3-chat-api/internal/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const maxIdempotencyKeyLen = 128

type sendMessageReq struct {
	Message       string   `json:"message"`
	Model         string   `json:"model"`
	SessionID     string   `json:"session_id"`
	AttachmentIDs []uint64 `json:"attachment_ids"`
}

func (r sendMessageReq) toService() chat.SendRequest {
	return chat.SendRequest{
		SessionID:     strings.TrimSpace(r.SessionID),
		Prompt:        r.Message,
		Model:         r.Model,
		AttachmentIDs: r.AttachmentIDs,
	}
}

// bindSend reads the shared send body. It writes the error envelope itself
// and reports false when the handler should stop.
func bindSend(c *gin.Context) (uint64, chat.SendRequest, bool) {
	uid, ok := mustUser(c)
	if !ok {
		return 0, chat.SendRequest{}, false
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return 0, chat.SendRequest{}, false
	}
	if strings.TrimSpace(req.Message) == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "message required")
		return 0, chat.SendRequest{}, false
	}
	if utf8.RuneCountInString(strings.TrimSpace(req.Model)) > chat.ModelMaxRunes {
		common.Fail(c, http.StatusBadRequest, 10006, "model name too long")
		return 0, chat.SendRequest{}, false
	}
	return uid, req.toService(), true
}

func idempotencyKey(c *gin.Context) (string, bool) {
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(key) > maxIdempotencyKeyLen {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return "", false
	}
	return key, true
}

func (h *Handler) chatError(c *gin.Context, op string, uid uint64, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyPrompt):
		common.Fail(c, http.StatusBadRequest, 10002, "message required")
	case errors.Is(err, chat.ErrModelTooLong):
		common.Fail(c, http.StatusBadRequest, 10006, "model name too long")
	case isNotFound(err):
		common.Fail(c, http.StatusNotFound, 40004, "session not found")
	default:
		h.internalError(c, op, err, "user_id", uid)
	}
}

func turnPayload(res *chat.TurnResult) gin.H {
	return gin.H{
		"session_id":   res.Session.ID,
		"title":        res.Session.Title,
		"user_message": res.UserMessage,
		"ai_message":   res.AIMessage,
	}
}

// SendChatMessage runs a full turn and returns both messages. With an
// Idempotency-Key header the first response is replayed for 24h.
func (h *Handler) SendChatMessage(c *gin.Context) {
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	uid, req, ok := bindSend(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	replay := key != "" && h.Redis != nil
	if replay {
		body, err := h.Redis.GetReplay(ctx, uid, key)
		if err == nil {
			c.Header("Idempotent-Replayed", "true")
			c.Data(http.StatusOK, "application/json; charset=utf-8", body)
			return
		}
		if !errors.Is(err, redis.Nil) {
			h.Log.Warn("replay lookup failed", "user_id", uid, "error", err)
		}
	}

	res, err := h.Chat.Send(ctx, uid, req)
	if err != nil {
		h.chatError(c, "send", uid, err)
		return
	}

	body, err := json.Marshal(gin.H{"code": 0, "message": "ok", "data": turnPayload(res)})
	if err != nil {
		h.internalError(c, "send", err, "user_id", uid)
		return
	}
	if replay {
		if err := h.Redis.SaveReplay(ctx, uid, key, body); err != nil {
			h.Log.Warn("replay store failed", "user_id", uid, "error", err)
		}
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// sseEmitter writes chat.Emitter events as "data: {json}" frames.
type sseEmitter struct {
	c *gin.Context
}

func (e *sseEmitter) frame(payload gin.H) error {
	if err := e.c.Request.Context().Err(); err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.c.Writer, "data: %s\n\n", b); err != nil {
		return err
	}
	e.c.Writer.Flush()
	return nil
}

func (e *sseEmitter) Content(fragment string) error {
	return e.frame(gin.H{"content": fragment})
}

func (e *sseEmitter) Done(messageID, sessionID string) error {
	return e.frame(gin.H{"done": true, "message_id": messageID, "session_id": sessionID})
}

func (e *sseEmitter) Fail(message string) error {
	return e.frame(gin.H{"error": message})
}

// StreamChatMessage commits the user message, then relays the reply as SSE.
// Errors before the first frame are plain JSON envelopes.
func (h *Handler) StreamChatMessage(c *gin.Context) {
	uid, req, ok := bindSend(c)
	if !ok {
		return
	}

	turn, err := h.Chat.BeginStream(c.Request.Context(), uid, req)
	if err != nil {
		h.chatError(c, "stream", uid, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	if err := turn.Relay(c.Request.Context(), &sseEmitter{c: c}); err != nil {
		h.Log.Warn("stream ended with error", "user_id", uid, "session_id", turn.Session().ID, "error", err)
	}
}

// SendChatMessageAsync stores the user message and queues the reply.
func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	uid, req, ok := bindSend(c)
	if !ok {
		return
	}

	job, created, err := h.Chat.SendAsync(c.Request.Context(), uid, req, key)
	switch {
	case errors.Is(err, chat.ErrQueueUnavailable):
		common.Fail(c, http.StatusServiceUnavailable, 50003, "async queue unavailable")
		return
	case err != nil && job != nil:
		h.Log.Error("enqueue failed", "user_id", uid, "job_id", job.ID, "error", err)
		common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
		return
	case err != nil:
		h.chatError(c, "send_async", uid, err)
		return
	}

	common.OK(c, gin.H{
		"job_id":     job.ID,
		"session_id": job.SessionID,
		"created":    created,
	})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	jobID := c.Param("job_id")

	j, err := h.Chat.GetJob(c.Request.Context(), uid, jobID)
	if err != nil {
		if isNotFound(err) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		h.internalError(c, "get_job", err, "user_id", uid, "job_id", jobID)
		return
	}

	common.OK(c, gin.H{"job": j})
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	sessions, err := h.Chat.ListSessions(c.Request.Context(), uid)
	if err != nil {
		h.internalError(c, "list_sessions", err, "user_id", uid)
		return
	}
	common.OK(c, gin.H{"sessions": sessions})
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	sess, err := h.Chat.NewSession(c.Request.Context(), uid)
	if err != nil {
		h.internalError(c, "new_session", err, "user_id", uid)
		return
	}
	common.OK(c, gin.H{"session_id": sess.ID, "session": sess})
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	if err := h.Chat.DeleteSession(c.Request.Context(), uid, sessionID); err != nil {
		h.chatError(c, "delete_session", uid, err)
		return
	}
	common.OK(c, gin.H{"session_id": sessionID, "deleted": true})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	msgs, err := h.Chat.Messages(c.Request.Context(), uid, sessionID)
	if err != nil {
		h.chatError(c, "list_messages", uid, err)
		return
	}
	common.OK(c, gin.H{"session_id": sessionID, "messages": msgs})
}

func (h *Handler) ListModels(c *gin.Context) {
	common.OK(c, gin.H{"models": ai.Models})
}
