package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Repo is the transcript store: sessions, messages, attachments and jobs.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Transaction runs fn against a Repo bound to one database transaction.
func (r *Repo) Transaction(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// GetSession returns gorm.ErrRecordNotFound for unknown ids and for sessions
// owned by someone else.
func (r *Repo) GetSession(ctx context.Context, userID uint64, id string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) ListSessions(ctx context.Context, userID uint64) ([]Session, error) {
	var out []Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) TouchSession(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", at).Error
}

// DeleteSession removes the session and its messages. Attachments that were
// linked to those messages go back to unlinked.
func (r *Repo) DeleteSession(ctx context.Context, userID uint64, id string) error {
	return r.Transaction(ctx, func(tx *Repo) error {
		if _, err := tx.GetSession(ctx, userID, id); err != nil {
			return err
		}
		msgIDs := tx.db.Model(&Message{}).Select("id").Where("session_id = ?", id)
		if err := tx.db.WithContext(ctx).Model(&Attachment{}).
			Where("message_id IN (?)", msgIDs).
			Update("message_id", nil).Error; err != nil {
			return err
		}
		if err := tx.db.WithContext(ctx).Where("session_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.db.WithContext(ctx).Where("id = ?", id).Delete(&Session{}).Error
	})
}

func (r *Repo) AppendMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListMessages returns a session's messages oldest first.
func (r *Repo) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// Attachments

func (r *Repo) CreateAttachment(ctx context.Context, a *Attachment) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *Repo) GetAttachment(ctx context.Context, userID, id uint64) (*Attachment, error) {
	var a Attachment
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repo) DeleteAttachment(ctx context.Context, userID, id uint64) error {
	res := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&Attachment{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *Repo) ListAttachments(ctx context.Context, userID uint64) ([]Attachment, error) {
	var out []Attachment
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveAttachments keeps only ids owned by userID; others are dropped
// without error.
func (r *Repo) ResolveAttachments(ctx context.Context, userID uint64, ids []uint64) ([]Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []Attachment
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND id IN ?", userID, ids).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) LinkAttachments(ctx context.Context, ids []uint64, messageID string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&Attachment{}).
		Where("id IN ?", ids).
		Update("message_id", messageID).Error
}

func (r *Repo) AttachmentsForMessage(ctx context.Context, messageID string) ([]Attachment, error) {
	var out []Attachment
	if err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// ClaimJob moves a job to running and reports whether this call won it.
// Queued and failed jobs can be claimed, and so can a running job last
// touched before staleBefore, whose worker is presumed dead.
func (r *Repo) ClaimJob(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND (status IN ? OR (status = ? AND updated_at < ?))",
			id, []JobStatus{JobQueued, JobFailed}, JobRunning, staleBefore).
		Update("status", JobRunning)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, aiMsgID string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": aiMsgID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// existingJob looks up a job by idempotency key after a failed insert. The
// insert error is returned when no such job exists.
func (r *Repo) existingJob(ctx context.Context, userID uint64, key *string, insertErr error) (*Job, error) {
	if key == nil || *key == "" {
		return nil, insertErr
	}
	existing, err := r.GetJobByUserAndIdempotencyKey(ctx, userID, *key)
	if err == nil {
		return existing, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, insertErr
	}
	return nil, err
}
