package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/clagradi/t3-chat-api/internal/ai"
	"github.com/clagradi/t3-chat-api/internal/common"
	"github.com/clagradi/t3-chat-api/internal/logger"
	"github.com/clagradi/t3-chat-api/internal/metrics"
)

var (
	ErrEmptyPrompt  = errors.New("chat: message is required")
	ErrModelTooLong = errors.New("chat: model name too long")
)

const (
	DefaultModel  = "Gemini 2.5 Flash"
	NewChatTitle  = "New Chat"
	titleMaxRunes = 50

	// ModelMaxRunes matches the model columns of messages and jobs.
	ModelMaxRunes = 50
)

// Completer is the provider side of a turn.
type Completer interface {
	Complete(ctx context.Context, t ai.Turn) ai.Result
	Stream(ctx context.Context, t ai.Turn) *ai.Stream
}

type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Service struct {
	repo      *Repo
	adapter   Completer
	files     FileStore
	publisher JobPublisher
	log       *logger.Logger
	now       func() time.Time
}

func NewService(repo *Repo, adapter Completer, files FileStore, publisher JobPublisher, log *logger.Logger) *Service {
	return &Service{
		repo:      repo,
		adapter:   adapter,
		files:     files,
		publisher: publisher,
		log:       log.With("service", "ChatService"),
		now:       time.Now,
	}
}

type SendRequest struct {
	SessionID     string
	Prompt        string
	Model         string
	AttachmentIDs []uint64
}

type TurnResult struct {
	Session     *Session
	UserMessage *Message
	AIMessage   *Message
}

// truncateTitle keeps the first 50 characters of the prompt.
func truncateTitle(prompt string) string {
	if utf8.RuneCountInString(prompt) <= titleMaxRunes {
		return prompt
	}
	return string([]rune(prompt)[:titleMaxRunes]) + "..."
}

// stamp returns a time strictly after prev. Times are kept at millisecond
// precision so every supported database stores them exactly.
func (s *Service) stamp(prev time.Time) time.Time {
	t := s.now().UTC().Truncate(time.Millisecond)
	if !t.After(prev) {
		t = prev.Add(time.Millisecond)
	}
	return t
}

// pendingTurn is a validated send that has not touched the store yet.
type pendingTurn struct {
	session     *Session
	isNew       bool
	prompt      string
	model       string
	attachments []Attachment
}

func (p *pendingTurn) attachmentIDs() []uint64 {
	ids := make([]uint64, 0, len(p.attachments))
	for _, a := range p.attachments {
		ids = append(ids, a.ID)
	}
	return ids
}

func (p *pendingTurn) aiTurn(userID uint64) ai.Turn {
	return ai.Turn{
		UserID:      userID,
		Model:       p.model,
		Prompt:      p.prompt,
		Attachments: attachmentRefs(p.attachments),
	}
}

func attachmentRefs(atts []Attachment) []ai.AttachmentRef {
	refs := make([]ai.AttachmentRef, 0, len(atts))
	for _, a := range atts {
		refs = append(refs, ai.AttachmentRef{ID: a.ID, MimeType: a.MimeType, Path: a.FilePath})
	}
	return refs
}

func (s *Service) prepare(ctx context.Context, userID uint64, req SendRequest) (*pendingTurn, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = DefaultModel
	}
	if utf8.RuneCountInString(model) > ModelMaxRunes {
		return nil, ErrModelTooLong
	}

	p := &pendingTurn{prompt: prompt, model: model}
	if req.SessionID != "" {
		sess, err := s.repo.GetSession(ctx, userID, req.SessionID)
		if err != nil {
			return nil, err
		}
		p.session = sess
	} else {
		id, err := common.NewULID()
		if err != nil {
			return nil, err
		}
		p.session = &Session{ID: id, UserID: userID, Title: truncateTitle(prompt)}
		p.isNew = true
	}

	atts, err := s.repo.ResolveAttachments(ctx, userID, req.AttachmentIDs)
	if err != nil {
		return nil, err
	}
	p.attachments = atts
	return p, nil
}

func (s *Service) newMessage(sess *Session, userID uint64, sender, text, model string, at time.Time) (*Message, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	m := model
	return &Message{
		ID:        id,
		SessionID: sess.ID,
		UserID:    userID,
		Text:      text,
		Sender:    sender,
		Model:     &m,
		CreatedAt: at,
	}, nil
}

// storeUserMessage creates the session if needed, appends the user message,
// links attachments and touches the session. It runs inside tx.
func (s *Service) storeUserMessage(ctx context.Context, tx *Repo, userID uint64, p *pendingTurn) (*Message, error) {
	at := s.stamp(p.session.UpdatedAt)
	if p.isNew {
		p.session.CreatedAt = at
		p.session.UpdatedAt = at
		if err := tx.CreateSession(ctx, p.session); err != nil {
			return nil, err
		}
	}
	msg, err := s.newMessage(p.session, userID, SenderUser, p.prompt, p.model, at)
	if err != nil {
		return nil, err
	}
	if err := tx.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := tx.LinkAttachments(ctx, p.attachmentIDs(), msg.ID); err != nil {
		return nil, err
	}
	if err := tx.TouchSession(ctx, p.session.ID, at); err != nil {
		return nil, err
	}
	p.session.UpdatedAt = at
	return msg, nil
}

// storeReply appends the ai message after `after` and touches the session.
func (s *Service) storeReply(ctx context.Context, tx *Repo, userID uint64, sess *Session, model, text string, after time.Time) (*Message, error) {
	at := s.stamp(after)
	msg, err := s.newMessage(sess, userID, SenderAI, text, model, at)
	if err != nil {
		return nil, err
	}
	if err := tx.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := tx.TouchSession(ctx, sess.ID, at); err != nil {
		return nil, err
	}
	sess.UpdatedAt = at
	return msg, nil
}

// Send runs a single-shot turn. The provider is called first; the session,
// user message and ai message are then committed together or not at all.
func (s *Service) Send(ctx context.Context, userID uint64, req SendRequest) (*TurnResult, error) {
	p, err := s.prepare(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	res := s.adapter.Complete(ctx, p.aiTurn(userID))

	out := &TurnResult{Session: p.session}
	err = s.repo.Transaction(ctx, func(tx *Repo) error {
		userMsg, err := s.storeUserMessage(ctx, tx, userID, p)
		if err != nil {
			return err
		}
		aiMsg, err := s.storeReply(ctx, tx, userID, p.session, p.model, res.Text, userMsg.CreatedAt)
		if err != nil {
			return err
		}
		out.UserMessage, out.AIMessage = userMsg, aiMsg
		return nil
	})
	if err != nil {
		metrics.TurnsTotal.WithLabelValues("sync", "store_error").Inc()
		s.log.Error("send: persist turn failed", "user_id", userID, "session_id", p.session.ID, "error", err)
		return nil, fmt.Errorf("persist turn: %w", err)
	}
	metrics.TurnsTotal.WithLabelValues("sync", resultLabel(res)).Inc()
	return out, nil
}

func resultLabel(r ai.Result) string {
	if r.Failed {
		return "notice"
	}
	return "ok"
}

func (s *Service) ListSessions(ctx context.Context, userID uint64) ([]Session, error) {
	return s.repo.ListSessions(ctx, userID)
}

func (s *Service) NewSession(ctx context.Context, userID uint64) (*Session, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	at := s.stamp(time.Time{})
	sess := &Session{ID: id, UserID: userID, Title: NewChatTitle, CreatedAt: at, UpdatedAt: at}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) DeleteSession(ctx context.Context, userID uint64, sessionID string) error {
	return s.repo.DeleteSession(ctx, userID, sessionID)
}

// Messages lists a session's transcript after checking ownership.
func (s *Service) Messages(ctx context.Context, userID uint64, sessionID string) ([]Message, error) {
	if _, err := s.repo.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, sessionID)
}
