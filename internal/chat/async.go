package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clagradi/t3-chat-api/internal/ai"
	"github.com/clagradi/t3-chat-api/internal/common"
	"github.com/clagradi/t3-chat-api/internal/metrics"
	"gorm.io/gorm"
)

var ErrQueueUnavailable = errors.New("chat: job queue unavailable")

// jobLease is how long a running job may go untouched before another
// delivery may take it over.
const jobLease = 5 * time.Minute

// SendAsync stores the user message and queues a job that produces the reply.
// With an idempotency key, repeating the call returns the first job and
// stores nothing new. The bool reports whether a job was created.
func (s *Service) SendAsync(ctx context.Context, userID uint64, req SendRequest, idempotencyKey string) (*Job, bool, error) {
	var keyPtr *string
	if idempotencyKey != "" {
		keyPtr = &idempotencyKey
		existing, err := s.repo.GetJobByUserAndIdempotencyKey(ctx, userID, idempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
	}
	if s.publisher == nil {
		return nil, false, ErrQueueUnavailable
	}

	p, err := s.prepare(ctx, userID, req)
	if err != nil {
		return nil, false, err
	}
	jobID, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}

	var job *Job
	err = s.repo.Transaction(ctx, func(tx *Repo) error {
		userMsg, err := s.storeUserMessage(ctx, tx, userID, p)
		if err != nil {
			return err
		}
		job = &Job{
			ID:             jobID,
			UserID:         userID,
			SessionID:      p.session.ID,
			UserMessageID:  userMsg.ID,
			Model:          p.model,
			Prompt:         p.prompt,
			IdempotencyKey: keyPtr,
			Status:         JobQueued,
		}
		return tx.CreateJob(ctx, job)
	})
	if err != nil {
		// lost a race on the same idempotency key
		existing, gerr := s.repo.existingJob(ctx, userID, keyPtr, err)
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, false, nil
	}

	if err := s.publisher.PublishJob(ctx, job.ID); err != nil {
		s.log.Error("enqueue job failed", "job_id", job.ID, "session_id", job.SessionID, "error", err)
		return job, true, fmt.Errorf("enqueue: %w", err)
	}
	return job, true, nil
}

// GetJob hides jobs owned by other users behind gorm.ErrRecordNotFound.
func (s *Service) GetJob(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return j, nil
}

// RunJob produces and stores the reply for a queued job. Only the caller that
// claims the job runs it; a job that succeeded or is running elsewhere makes
// this a no-op, so redelivered messages store nothing twice.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	won, err := s.repo.ClaimJob(ctx, jobID, s.now().Add(-jobLease))
	if err != nil {
		return err
	}
	if !won {
		s.log.Info("job not claimed, skipping", "job_id", jobID)
		return nil
	}
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	fail := func(err error) error {
		if mErr := s.repo.MarkJobFailed(ctx, jobID, err.Error()); mErr != nil {
			s.log.Error("mark job failed", "job_id", jobID, "error", mErr)
		}
		metrics.JobsTotal.WithLabelValues("failed").Inc()
		return err
	}

	sess, err := s.repo.GetSession(ctx, j.UserID, j.SessionID)
	if err != nil {
		return fail(fmt.Errorf("load session: %w", err))
	}
	atts, err := s.repo.AttachmentsForMessage(ctx, j.UserMessageID)
	if err != nil {
		return fail(fmt.Errorf("load attachments: %w", err))
	}

	res := s.adapter.Complete(ctx, ai.Turn{
		UserID:      j.UserID,
		Model:       j.Model,
		Prompt:      j.Prompt,
		Attachments: attachmentRefs(atts),
	})

	err = s.repo.Transaction(ctx, func(tx *Repo) error {
		aiMsg, err := s.storeReply(ctx, tx, j.UserID, sess, j.Model, res.Text, sess.UpdatedAt)
		if err != nil {
			return err
		}
		return tx.MarkJobSucceeded(ctx, jobID, aiMsg.ID)
	})
	if err != nil {
		return fail(fmt.Errorf("persist reply: %w", err))
	}
	metrics.JobsTotal.WithLabelValues("succeeded").Inc()
	metrics.TurnsTotal.WithLabelValues("async", resultLabel(res)).Inc()
	return nil
}
