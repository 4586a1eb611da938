package chat

import (
	"context"
	"strings"
	"time"

	"github.com/clagradi/t3-chat-api/internal/ai"
	"github.com/clagradi/t3-chat-api/internal/metrics"
)

// persistTimeout bounds the final write of a relayed reply. It is applied to a
// context detached from the client, so a disconnect cannot abort the write.
const persistTimeout = 10 * time.Second

// Emitter receives the events of one streamed turn, in order: any number of
// Content calls, then exactly one Done or Fail.
type Emitter interface {
	Content(fragment string) error
	Done(messageID, sessionID string) error
	Fail(message string) error
}

// StreamTurn is a turn whose user message is already committed and whose
// reply has not been produced yet.
type StreamTurn struct {
	svc         *Service
	userID      uint64
	session     *Session
	userMessage *Message
	turn        ai.Turn
}

func (t *StreamTurn) Session() *Session { return t.session }
func (t *StreamTurn) UserMessage() *Message { return t.userMessage }

// BeginStream validates the request and commits the user message (creating
// the session and linking attachments as needed). Errors returned here happen
// before anything is streamed.
func (s *Service) BeginStream(ctx context.Context, userID uint64, req SendRequest) (*StreamTurn, error) {
	p, err := s.prepare(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	var userMsg *Message
	err = s.repo.Transaction(ctx, func(tx *Repo) error {
		m, err := s.storeUserMessage(ctx, tx, userID, p)
		if err != nil {
			return err
		}
		userMsg = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &StreamTurn{
		svc:         s,
		userID:      userID,
		session:     p.session,
		userMessage: userMsg,
		turn:        p.aiTurn(userID),
	}, nil
}

// Relay pulls the reply from the provider, forwarding each fragment to em and
// accumulating it in the same pass, then stores the accumulated text as the ai
// message.
//
// The upstream call does not follow ctx cancellation. When the client goes
// away, writes to em start failing; the relay stops emitting, drains the
// provider to the end and still stores the full reply.
func (t *StreamTurn) Relay(ctx context.Context, em Emitter) error {
	s := t.svc
	detached := context.WithoutCancel(ctx)

	metrics.StreamingConnections.Inc()
	defer metrics.StreamingConnections.Dec()

	stream := s.adapter.Stream(detached, t.turn)

	var b strings.Builder
	clientGone := false
	for frag := range stream.Fragments() {
		b.WriteString(frag)
		if clientGone {
			continue
		}
		if err := em.Content(frag); err != nil {
			clientGone = true
			s.log.Info("stream client went away, draining upstream",
				"session_id", t.session.ID, "error", err)
		}
	}

	pctx, cancel := context.WithTimeout(detached, persistTimeout)
	defer cancel()

	var aiMsg *Message
	err := s.repo.Transaction(pctx, func(tx *Repo) error {
		m, err := s.storeReply(pctx, tx, t.userID, t.session, t.turn.Model, b.String(), t.userMessage.CreatedAt)
		if err != nil {
			return err
		}
		aiMsg = m
		return nil
	})
	if err != nil {
		metrics.TurnsTotal.WithLabelValues("stream", "store_error").Inc()
		s.log.Error("stream: persist reply failed", "session_id", t.session.ID, "error", err)
		if !clientGone {
			_ = em.Fail("failed to save response")
		}
		return err
	}

	result := "ok"
	if clientGone {
		result = "client_gone"
	}
	metrics.TurnsTotal.WithLabelValues("stream", result).Inc()

	if !clientGone {
		if err := em.Done(aiMsg.ID, t.session.ID); err != nil {
			s.log.Info("stream: done frame not delivered", "session_id", t.session.ID, "error", err)
		}
	}
	return nil
}
