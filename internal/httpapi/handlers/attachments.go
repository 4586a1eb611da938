package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/clagradi/t3-chat-api/internal/chat"
	"github.com/clagradi/t3-chat-api/internal/common"
	"github.com/clagradi/t3-chat-api/internal/store/filestore"
	"github.com/gin-gonic/gin"
)

func (h *Handler) UploadAttachment(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10010, "file required")
		return
	}
	if limit := h.Files.MaxBytes; limit > 0 && fh.Size > limit {
		common.Fail(c, http.StatusBadRequest, 10010, "file too large")
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.internalError(c, "upload", err, "user_id", uid)
		return
	}
	defer f.Close()

	att, err := h.Chat.Upload(c.Request.Context(), uid, fh.Filename, f)
	switch {
	case errors.Is(err, chat.ErrFileType):
		common.Fail(c, http.StatusBadRequest, 10010, "file type not allowed")
		return
	case errors.Is(err, filestore.ErrTooLarge):
		common.Fail(c, http.StatusBadRequest, 10010, "file too large")
		return
	case err != nil:
		h.internalError(c, "upload", err, "user_id", uid)
		return
	}
	common.OK(c, gin.H{"attachment": att})
}

func parseAttachmentID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusNotFound, 40404, "attachment not found")
		return 0, false
	}
	return id, true
}

// GetAttachment serves the stored bytes with the type derived from the
// extension at upload. Only images are shown inline.
func (h *Handler) GetAttachment(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	id, ok := parseAttachmentID(c)
	if !ok {
		return
	}
	att, err := h.Chat.Attachment(c.Request.Context(), uid, id)
	if err != nil {
		if isNotFound(err) {
			common.Fail(c, http.StatusNotFound, 40404, "attachment not found")
			return
		}
		h.internalError(c, "get_attachment", err, "user_id", uid)
		return
	}

	f, err := h.Files.Open(att.FilePath)
	if err != nil {
		h.Log.Warn("attachment file missing", "attachment_id", id, "path", att.FilePath, "error", err)
		common.Fail(c, http.StatusNotFound, 40404, "attachment not found")
		return
	}
	defer f.Close()

	disposition := "attachment"
	if strings.HasPrefix(att.MimeType, "image/") {
		disposition = "inline"
	}
	c.DataFromReader(http.StatusOK, att.FileSize, att.MimeType, f, map[string]string{
		"Content-Disposition":    fmt.Sprintf("%s; filename=%q", disposition, att.OriginalFilename),
		"X-Content-Type-Options": "nosniff",
	})
}

func (h *Handler) DeleteAttachment(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	id, ok := parseAttachmentID(c)
	if !ok {
		return
	}
	if err := h.Chat.DeleteAttachment(c.Request.Context(), uid, id); err != nil {
		if isNotFound(err) {
			common.Fail(c, http.StatusNotFound, 40404, "attachment not found")
			return
		}
		h.internalError(c, "delete_attachment", err, "user_id", uid)
		return
	}
	common.OK(c, gin.H{"id": id, "deleted": true})
}

func (h *Handler) ListAttachments(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	atts, err := h.Chat.ListAttachments(c.Request.Context(), uid)
	if err != nil {
		h.internalError(c, "list_attachments", err, "user_id", uid)
		return
	}
	common.OK(c, gin.H{"attachments": atts})
}
