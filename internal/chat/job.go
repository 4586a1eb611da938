package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an async send. The user message is stored when the job is created;
// the worker appends the ai message and records its id.
type Job struct {
	ID            string `gorm:"type:varchar(26);primaryKey" json:"id"`
	UserID        uint64 `gorm:"not null;index;index:uniq_job_user_key,unique,priority:1" json:"-"`
	SessionID     string `gorm:"type:varchar(26);not null;index" json:"session_id"`
	UserMessageID string `gorm:"type:varchar(26);not null" json:"user_message_id"`
	Model         string `gorm:"type:varchar(50);not null" json:"model"`
	Prompt        string `gorm:"type:text;not null" json:"-"`

	// nil keys never collide in the unique index
	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_job_user_key,unique,priority:2" json:"-"`

	Status          JobStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	ResultMessageID *string   `gorm:"type:varchar(26)" json:"result_message_id"`
	Error           *string   `gorm:"type:text" json:"error"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "chat_jobs" }
