package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrFileType = errors.New("chat: file type not allowed")

// allowedTypes maps every accepted extension to the content type it is
// stored and served with. The type the client declares is ignored.
var allowedTypes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
	"pdf":  "application/pdf",
	"txt":  "text/plain",
	"md":   "text/markdown",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// FileStore holds attachment bytes.
type FileStore interface {
	Save(name string, r io.Reader) (path string, size int64, err error)
	Remove(path string) error
}

func extensionOf(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

// Upload stores a file and records it as an unlinked attachment.
func (s *Service) Upload(ctx context.Context, userID uint64, originalName string, r io.Reader) (*Attachment, error) {
	original := filepath.Base(strings.TrimSpace(originalName))
	ext := extensionOf(original)
	mimeType, ok := allowedTypes[ext]
	if !ok {
		return nil, ErrFileType
	}

	stored := fmt.Sprintf("%s.%s", uuid.NewString(), ext)
	path, size, err := s.files.Save(stored, r)
	if err != nil {
		return nil, err
	}

	att := &Attachment{
		Filename:         stored,
		OriginalFilename: original,
		FilePath:         path,
		FileSize:         size,
		MimeType:         mimeType,
		UserID:           userID,
	}
	if err := s.repo.CreateAttachment(ctx, att); err != nil {
		_ = s.files.Remove(path)
		return nil, err
	}
	return att, nil
}

func (s *Service) Attachment(ctx context.Context, userID, id uint64) (*Attachment, error) {
	return s.repo.GetAttachment(ctx, userID, id)
}

func (s *Service) ListAttachments(ctx context.Context, userID uint64) ([]Attachment, error) {
	return s.repo.ListAttachments(ctx, userID)
}

// DeleteAttachment removes the row, then the file.
func (s *Service) DeleteAttachment(ctx context.Context, userID, id uint64) error {
	att, err := s.repo.GetAttachment(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteAttachment(ctx, userID, id); err != nil {
		return err
	}
	if err := s.files.Remove(att.FilePath); err != nil {
		s.log.Warn("attachment file not removed", "attachment_id", id, "path", att.FilePath, "error", err)
	}
	return nil
}
