package chat

import "time"

const (
	SenderUser = "user"
	SenderAI   = "ai"
)

type Session struct {
	ID        string    `gorm:"type:varchar(26);primaryKey" json:"id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Title     string    `gorm:"type:varchar(200);not null;default:'New Chat'" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// Message rows are never updated after insert.
type Message struct {
	ID        string    `gorm:"type:varchar(26);primaryKey" json:"id"`
	SessionID string    `gorm:"type:varchar(26);not null;index:idx_chat_msg_session_created,priority:1" json:"session_id"`
	UserID    uint64    `gorm:"not null;index" json:"-"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	Sender    string    `gorm:"type:varchar(10);not null" json:"sender"`
	Model     *string   `gorm:"type:varchar(50)" json:"model"`
	CreatedAt time.Time `gorm:"index:idx_chat_msg_session_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// Attachment is unlinked (MessageID nil) until a message references it.
type Attachment struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Filename         string    `gorm:"type:varchar(255);not null" json:"filename"`
	OriginalFilename string    `gorm:"type:varchar(255);not null" json:"original_filename"`
	FilePath         string    `gorm:"type:varchar(500);not null" json:"-"`
	FileSize         int64     `gorm:"not null" json:"file_size"`
	MimeType         string    `gorm:"type:varchar(100);not null" json:"mime_type"`
	UserID           uint64    `gorm:"not null;index" json:"-"`
	MessageID        *string   `gorm:"type:varchar(26);index" json:"message_id"`
	CreatedAt        time.Time `json:"created_at"`
}

func (Attachment) TableName() string { return "attachments" }

func (a Attachment) Linked() bool { return a.MessageID != nil }
