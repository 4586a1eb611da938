package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clagradi/t3-chat-api/internal/ai"
	"github.com/clagradi/t3-chat-api/internal/credential"
	"github.com/clagradi/t3-chat-api/internal/logger"
	"github.com/clagradi/t3-chat-api/internal/store/filestore"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// fakeCompleter answers every turn with the same reply and records the turns.
type fakeCompleter struct {
	mu        sync.Mutex
	reply     string
	failed    bool
	fragments []string
	turns     []ai.Turn
}

func (f *fakeCompleter) record(t ai.Turn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, t)
}

func (f *fakeCompleter) Complete(ctx context.Context, t ai.Turn) ai.Result {
	f.record(t)
	return ai.Result{Text: f.reply, Failed: f.failed}
}

func (f *fakeCompleter) Stream(ctx context.Context, t ai.Turn) *ai.Stream {
	f.record(t)
	return ai.StreamOf(f.fragments...)
}

func (f *fakeCompleter) lastTurn(t *testing.T) ai.Turn {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.turns) == 0 {
		t.Fatalf("provider was never called")
	}
	return f.turns[len(f.turns)-1]
}

type fakePublisher struct {
	ids []string
	err error
}

func (p *fakePublisher) PublishJob(ctx context.Context, jobID string) error {
	if p.err != nil {
		return p.err
	}
	p.ids = append(p.ids, jobID)
	return nil
}

// recordingEmitter collects frames; with failAfter > 0 every Content call
// past that count fails like a closed connection.
type recordingEmitter struct {
	contents  []string
	calls     int
	failAfter int
	doneMsg   string
	doneSess  string
	failMsg   string
}

func (e *recordingEmitter) Content(fragment string) error {
	e.calls++
	if e.failAfter > 0 && e.calls > e.failAfter {
		return errors.New("write: broken pipe")
	}
	e.contents = append(e.contents, fragment)
	return nil
}

func (e *recordingEmitter) Done(messageID, sessionID string) error {
	e.doneMsg, e.doneSess = messageID, sessionID
	return nil
}

func (e *recordingEmitter) Fail(message string) error {
	e.failMsg = message
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Session{}, &Message{}, &Attachment{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// frozenClock always returns the same instant so ordering relies on stamp.
func frozenClock() func() time.Time {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func newTestService(t *testing.T, c Completer, pub JobPublisher) (*Service, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	files, err := filestore.New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("filestore: %v", err)
	}
	svc := NewService(NewRepo(db), c, files, pub, logger.Nop())
	svc.now = frozenClock()
	return svc, db
}

func mustMessages(t *testing.T, svc *Service, userID uint64, sessionID string) []Message {
	t.Helper()
	msgs, err := svc.Messages(context.Background(), userID, sessionID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	return msgs
}

func TestTruncateTitle(t *testing.T) {
	short := "Hello there"
	if got := truncateTitle(short); got != short {
		t.Fatalf("short prompt changed: %q", got)
	}

	exact := strings.Repeat("a", 50)
	if got := truncateTitle(exact); got != exact {
		t.Fatalf("50 characters should be kept as is, got %q", got)
	}

	long := strings.Repeat("é", 60)
	want := strings.Repeat("é", 50) + "..."
	if got := truncateTitle(long); got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestSend_NewSessionStoresBothMessages(t *testing.T) {
	prov := &fakeCompleter{reply: "Hi! How can I help?"}
	svc, _ := newTestService(t, prov, nil)
	ctx := context.Background()

	prompt := "Explain the difference between goroutines and OS threads in detail please"
	res, err := svc.Send(ctx, 1, SendRequest{Prompt: prompt})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if res.Session.Title != truncateTitle(prompt) || !strings.HasSuffix(res.Session.Title, "...") {
		t.Fatalf("unexpected title %q", res.Session.Title)
	}
	if got := prov.lastTurn(t).Model; got != DefaultModel {
		t.Fatalf("expected default model, got %q", got)
	}

	msgs := mustMessages(t, svc, 1, res.Session.ID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Sender != SenderUser || msgs[0].Text != prompt {
		t.Fatalf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Sender != SenderAI || msgs[1].Text != "Hi! How can I help?" {
		t.Fatalf("unexpected ai message: %+v", msgs[1])
	}
	if msgs[1].ID != res.AIMessage.ID {
		t.Fatalf("ai message id mismatch")
	}
	if !msgs[1].CreatedAt.After(msgs[0].CreatedAt) {
		t.Fatalf("ai message must be created after the user message")
	}
}

func TestSend_ExistingSessionAdvancesUpdatedAt(t *testing.T) {
	svc, _ := newTestService(t, &fakeCompleter{reply: "ok"}, nil)
	ctx := context.Background()

	first, err := svc.Send(ctx, 1, SendRequest{Prompt: "first"})
	if err != nil {
		t.Fatalf("send 1: %v", err)
	}
	before := first.Session.UpdatedAt

	second, err := svc.Send(ctx, 1, SendRequest{SessionID: first.Session.ID, Prompt: "second"})
	if err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if second.Session.Title != "first" {
		t.Fatalf("title must not change on later sends, got %q", second.Session.Title)
	}

	sessions, err := svc.ListSessions(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if !sessions[0].UpdatedAt.After(before) {
		t.Fatalf("updated_at did not advance: %v -> %v", before, sessions[0].UpdatedAt)
	}
	if !sessions[0].UpdatedAt.Equal(second.AIMessage.CreatedAt) {
		t.Fatalf("updated_at should match the last message time")
	}
}

func TestSend_ManyTurnsAlternate(t *testing.T) {
	svc, _ := newTestService(t, &fakeCompleter{reply: "reply"}, nil)
	ctx := context.Background()

	res, err := svc.Send(ctx, 7, SendRequest{Prompt: "turn 0"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	const n = 5
	for i := 1; i < n; i++ {
		if _, err := svc.Send(ctx, 7, SendRequest{SessionID: res.Session.ID, Prompt: fmt.Sprintf("turn %d", i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	msgs := mustMessages(t, svc, 7, res.Session.ID)
	if len(msgs) != 2*n {
		t.Fatalf("expected %d messages, got %d", 2*n, len(msgs))
	}
	for i, m := range msgs {
		want := SenderUser
		if i%2 == 1 {
			want = SenderAI
		}
		if m.Sender != want {
			t.Fatalf("message %d: want sender %s, got %s", i, want, m.Sender)
		}
		if i%2 == 0 && m.Text != fmt.Sprintf("turn %d", i/2) {
			t.Fatalf("message %d out of order: %q", i, m.Text)
		}
	}
}

func TestSend_ForeignSessionIsNotFound(t *testing.T) {
	prov := &fakeCompleter{reply: "ok"}
	svc, db := newTestService(t, prov, nil)
	ctx := context.Background()

	owned, err := svc.Send(ctx, 1, SendRequest{Prompt: "mine"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	calls := len(prov.turns)

	_, err = svc.Send(ctx, 2, SendRequest{SessionID: owned.Session.ID, Prompt: "intruder"})
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(prov.turns) != calls {
		t.Fatalf("provider must not be called for a foreign session")
	}

	var n int64
	db.Model(&Message{}).Where("session_id = ?", owned.Session.ID).Count(&n)
	if n != 2 {
		t.Fatalf("foreign send must not store messages, have %d", n)
	}

	if _, err := svc.Messages(ctx, 2, owned.Session.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found listing a foreign session, got %v", err)
	}
}

func TestSend_EmptyPrompt(t *testing.T) {
	prov := &fakeCompleter{reply: "ok"}
	svc, db := newTestService(t, prov, nil)

	_, err := svc.Send(context.Background(), 1, SendRequest{Prompt: "   \n\t"})
	if !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
	var n int64
	db.Model(&Session{}).Count(&n)
	if n != 0 {
		t.Fatalf("no session should be created, have %d", n)
	}
	if len(prov.turns) != 0 {
		t.Fatalf("provider must not be called")
	}
}

func TestSend_ProviderNoticeIsStoredAsReply(t *testing.T) {
	reg := ai.NewRegistry()
	adapter := ai.NewAdapter(reg, noCreds{}, nil, ai.Options{}, logger.Nop())
	svc, _ := newTestService(t, adapter, nil)

	res, err := svc.Send(context.Background(), 1, SendRequest{Prompt: "hello", Model: "GPT-4o"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.AIMessage.Text != ai.MissingKeyText(ai.KindOpenAI) {
		t.Fatalf("unexpected reply %q", res.AIMessage.Text)
	}
	if res.AIMessage.Model == nil || *res.AIMessage.Model != "GPT-4o" {
		t.Fatalf("ai message should carry the requested model")
	}

	res, err = svc.Send(context.Background(), 1, SendRequest{SessionID: res.Session.ID, Prompt: "hi", Model: "llama-3"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.AIMessage.Text != ai.SimulatedText("llama-3", "hi") {
		t.Fatalf("unexpected simulated reply %q", res.AIMessage.Text)
	}
}

func TestSend_ModelNameTooLong(t *testing.T) {
	prov := &fakeCompleter{reply: "ok"}
	svc, db := newTestService(t, prov, &fakePublisher{})
	ctx := context.Background()

	long := strings.Repeat("m", ModelMaxRunes+1)
	if _, err := svc.Send(ctx, 1, SendRequest{Prompt: "hi", Model: long}); !errors.Is(err, ErrModelTooLong) {
		t.Fatalf("send: expected ErrModelTooLong, got %v", err)
	}
	if _, err := svc.BeginStream(ctx, 1, SendRequest{Prompt: "hi", Model: long}); !errors.Is(err, ErrModelTooLong) {
		t.Fatalf("stream: expected ErrModelTooLong, got %v", err)
	}
	if _, _, err := svc.SendAsync(ctx, 1, SendRequest{Prompt: "hi", Model: long}, ""); !errors.Is(err, ErrModelTooLong) {
		t.Fatalf("async: expected ErrModelTooLong, got %v", err)
	}
	if len(prov.turns) != 0 {
		t.Fatalf("provider must not be called")
	}
	var n int64
	db.Model(&Message{}).Count(&n)
	if n != 0 {
		t.Fatalf("nothing should be stored, have %d messages", n)
	}

	// 50 multi-byte characters still fit the column
	fits := strings.Repeat("é", ModelMaxRunes)
	res, err := svc.Send(ctx, 1, SendRequest{Prompt: "hi", Model: fits})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if *res.AIMessage.Model != fits {
		t.Fatalf("model tag changed: %q", *res.AIMessage.Model)
	}
}

type noCreds struct{}

func (noCreds) GetActiveKey(ctx context.Context, userID uint64, provider string) (string, error) {
	return "", credential.ErrNoCredential
}

func TestSend_AttachmentsAreFilteredAndLinked(t *testing.T) {
	prov := &fakeCompleter{reply: "nice picture"}
	svc, _ := newTestService(t, prov, nil)
	ctx := context.Background()

	mine, err := svc.Upload(ctx, 1, "cat.png", strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	theirs, err := svc.Upload(ctx, 2, "dog.png", strings.NewReader("other-bytes"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	res, err := svc.Send(ctx, 1, SendRequest{
		Prompt:        "what is this?",
		Model:         "GPT-4o",
		AttachmentIDs: []uint64{mine.ID, theirs.ID, 9999},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	turn := prov.lastTurn(t)
	if len(turn.Attachments) != 1 || turn.Attachments[0].ID != mine.ID {
		t.Fatalf("expected only the owned attachment, got %+v", turn.Attachments)
	}

	got, err := svc.Attachment(ctx, 1, mine.ID)
	if err != nil {
		t.Fatalf("get attachment: %v", err)
	}
	if got.MessageID == nil || *got.MessageID != res.UserMessage.ID {
		t.Fatalf("attachment should be linked to the user message")
	}

	other, err := svc.Attachment(ctx, 2, theirs.ID)
	if err != nil {
		t.Fatalf("get foreign attachment: %v", err)
	}
	if other.Linked() {
		t.Fatalf("foreign attachment must stay unlinked")
	}
}

func TestStream_ForwardsAndPersists(t *testing.T) {
	prov := &fakeCompleter{fragments: []string{"Hel", "lo ", "world", "!"}}
	svc, _ := newTestService(t, prov, nil)
	ctx := context.Background()

	turn, err := svc.BeginStream(ctx, 3, SendRequest{Prompt: "greet me", Model: "Claude 3.5 Sonnet"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	em := &recordingEmitter{}
	if err := turn.Relay(ctx, em); err != nil {
		t.Fatalf("relay: %v", err)
	}

	if strings.Join(em.contents, "") != "Hello world!" {
		t.Fatalf("unexpected frames %q", em.contents)
	}
	if em.doneSess != turn.Session().ID || em.doneMsg == "" {
		t.Fatalf("done frame missing ids: %+v", em)
	}

	msgs := mustMessages(t, svc, 3, turn.Session().ID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != turn.UserMessage().ID {
		t.Fatalf("first message should be the user message")
	}
	if msgs[1].ID != em.doneMsg || msgs[1].Text != "Hello world!" {
		t.Fatalf("stored reply differs from streamed text: %+v", msgs[1])
	}
}

func TestStream_ClientGoneStillPersists(t *testing.T) {
	prov := &fakeCompleter{fragments: []string{"one ", "two ", "three ", "four"}}
	svc, _ := newTestService(t, prov, nil)

	reqCtx, cancel := context.WithCancel(context.Background())
	turn, err := svc.BeginStream(reqCtx, 3, SendRequest{Prompt: "count"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	cancel()

	em := &recordingEmitter{failAfter: 1}
	if err := turn.Relay(reqCtx, em); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if len(em.contents) != 1 {
		t.Fatalf("expected one delivered fragment, got %d", len(em.contents))
	}
	if em.doneMsg != "" {
		t.Fatalf("done must not be sent after the client left")
	}

	msgs := mustMessages(t, svc, 3, turn.Session().ID)
	if len(msgs) != 2 || msgs[1].Text != "one two three four" {
		t.Fatalf("full reply should be stored, got %+v", msgs)
	}
}

func TestStream_PersistFailureSendsError(t *testing.T) {
	prov := &fakeCompleter{fragments: []string{"partial"}}
	svc, db := newTestService(t, prov, nil)
	ctx := context.Background()

	turn, err := svc.BeginStream(ctx, 3, SendRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := db.Migrator().DropTable(&Message{}); err != nil {
		t.Fatalf("drop: %v", err)
	}

	em := &recordingEmitter{}
	if err := turn.Relay(ctx, em); err == nil {
		t.Fatalf("expected relay error")
	}
	if em.failMsg != "failed to save response" {
		t.Fatalf("expected error frame, got %q", em.failMsg)
	}
	if em.doneMsg != "" {
		t.Fatalf("done must not follow a failed save")
	}
}

func TestSend_PersistFailureRollsBack(t *testing.T) {
	svc, db := newTestService(t, &fakeCompleter{reply: "ok"}, nil)
	ctx := context.Background()

	first, err := svc.Send(ctx, 1, SendRequest{Prompt: "first"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	att, err := svc.Upload(ctx, 1, "notes.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	// the user message goes in, the ai message aborts the transaction
	if err := db.Exec(`CREATE TRIGGER abort_ai_reply BEFORE INSERT ON chat_messages
		WHEN NEW.sender = 'ai'
		BEGIN SELECT RAISE(ABORT, 'boom'); END`).Error; err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	_, err = svc.Send(ctx, 1, SendRequest{SessionID: first.Session.ID, Prompt: "second", AttachmentIDs: []uint64{att.ID}})
	if err == nil {
		t.Fatalf("expected persist error")
	}
	if msgs := mustMessages(t, svc, 1, first.Session.ID); len(msgs) != 2 {
		t.Fatalf("failed turn must store nothing, have %d messages", len(msgs))
	}
	sessions, err := svc.ListSessions(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 || !sessions[0].UpdatedAt.Equal(first.Session.UpdatedAt) {
		t.Fatalf("session must be untouched: %+v", sessions)
	}
	got, err := svc.Attachment(ctx, 1, att.ID)
	if err != nil {
		t.Fatalf("attachment: %v", err)
	}
	if got.Linked() {
		t.Fatalf("attachment link must be rolled back")
	}

	if _, err := svc.Send(ctx, 1, SendRequest{Prompt: "fresh"}); err == nil {
		t.Fatalf("expected persist error for a new session")
	}
	var n int64
	db.Model(&Session{}).Count(&n)
	if n != 1 {
		t.Fatalf("new session must be rolled back, have %d sessions", n)
	}
}

func TestSendAsync_RunJob(t *testing.T) {
	prov := &fakeCompleter{reply: "async answer"}
	pub := &fakePublisher{}
	svc, _ := newTestService(t, prov, pub)
	ctx := context.Background()

	job, created, err := svc.SendAsync(ctx, 4, SendRequest{Prompt: "later please"}, "key-1")
	if err != nil {
		t.Fatalf("send async: %v", err)
	}
	if !created || job.Status != JobQueued {
		t.Fatalf("expected a new queued job, got %+v", job)
	}
	if len(pub.ids) != 1 || pub.ids[0] != job.ID {
		t.Fatalf("job not published: %v", pub.ids)
	}

	again, created, err := svc.SendAsync(ctx, 4, SendRequest{Prompt: "later please"}, "key-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created || again.ID != job.ID {
		t.Fatalf("same key should return the first job")
	}
	if len(pub.ids) != 1 {
		t.Fatalf("replay must not publish again")
	}
	if msgs := mustMessages(t, svc, 4, job.SessionID); len(msgs) != 1 {
		t.Fatalf("replay must not store another message, have %d", len(msgs))
	}

	if err := svc.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("run job: %v", err)
	}
	done, err := svc.GetJob(ctx, 4, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if done.Status != JobSucceeded || done.ResultMessageID == nil {
		t.Fatalf("unexpected job state %+v", done)
	}

	msgs := mustMessages(t, svc, 4, job.SessionID)
	if len(msgs) != 2 || msgs[1].Text != "async answer" || msgs[1].ID != *done.ResultMessageID {
		t.Fatalf("unexpected transcript %+v", msgs)
	}

	// redelivery
	if err := svc.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if msgs := mustMessages(t, svc, 4, job.SessionID); len(msgs) != 2 {
		t.Fatalf("rerun must not append, have %d", len(msgs))
	}

	if _, err := svc.GetJob(ctx, 5, job.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("foreign job should be not found, got %v", err)
	}
}

func TestSendAsync_NoQueue(t *testing.T) {
	svc, db := newTestService(t, &fakeCompleter{reply: "x"}, nil)

	_, _, err := svc.SendAsync(context.Background(), 1, SendRequest{Prompt: "hi"}, "")
	if !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("expected ErrQueueUnavailable, got %v", err)
	}
	var n int64
	db.Model(&Message{}).Count(&n)
	if n != 0 {
		t.Fatalf("nothing should be stored without a queue")
	}
}

func TestRunJob_DeletedSessionFails(t *testing.T) {
	svc, _ := newTestService(t, &fakeCompleter{reply: "x"}, &fakePublisher{})
	ctx := context.Background()

	job, _, err := svc.SendAsync(ctx, 1, SendRequest{Prompt: "hi"}, "")
	if err != nil {
		t.Fatalf("send async: %v", err)
	}
	if err := svc.DeleteSession(ctx, 1, job.SessionID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.RunJob(ctx, job.ID); err == nil {
		t.Fatalf("expected error for a deleted session")
	}
	got, err := svc.GetJob(ctx, 1, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != JobFailed || got.Error == nil {
		t.Fatalf("job should be failed, got %+v", got)
	}
}

// gateCompleter blocks every Complete call until release is closed.
type gateCompleter struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newGateCompleter() *gateCompleter {
	return &gateCompleter{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gateCompleter) Complete(ctx context.Context, t ai.Turn) ai.Result {
	g.calls.Add(1)
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return ai.Result{Text: "only once"}
}

func (g *gateCompleter) Stream(ctx context.Context, t ai.Turn) *ai.Stream {
	return ai.StreamOf("only once")
}

func TestRunJob_ConcurrentDeliveriesStoreOneReply(t *testing.T) {
	gate := newGateCompleter()
	svc, _ := newTestService(t, gate, &fakePublisher{})
	ctx := context.Background()

	job, _, err := svc.SendAsync(ctx, 1, SendRequest{Prompt: "hi"}, "")
	if err != nil {
		t.Fatalf("send async: %v", err)
	}

	first := make(chan error, 1)
	go func() { first <- svc.RunJob(ctx, job.ID) }()
	<-gate.entered

	// second delivery while the first is still waiting on the provider
	if err := svc.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}
	close(gate.release)
	if err := <-first; err != nil {
		t.Fatalf("first run: %v", err)
	}

	if n := gate.calls.Load(); n != 1 {
		t.Fatalf("provider called %d times", n)
	}
	if msgs := mustMessages(t, svc, 1, job.SessionID); len(msgs) != 2 {
		t.Fatalf("expected one reply, have %d messages", len(msgs))
	}
	got, err := svc.GetJob(ctx, 1, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != JobSucceeded {
		t.Fatalf("unexpected status %s", got.Status)
	}
}

func TestRunJob_StaleRunningJobIsReclaimed(t *testing.T) {
	prov := &fakeCompleter{reply: "recovered"}
	svc, db := newTestService(t, prov, &fakePublisher{})
	ctx := context.Background()

	job, _, err := svc.SendAsync(ctx, 1, SendRequest{Prompt: "hi"}, "")
	if err != nil {
		t.Fatalf("send async: %v", err)
	}
	setRunning := func(at time.Time) {
		t.Helper()
		if err := db.Model(&Job{}).Where("id = ?", job.ID).
			UpdateColumns(map[string]any{"status": JobRunning, "updated_at": at}).Error; err != nil {
			t.Fatalf("update job: %v", err)
		}
	}

	setRunning(svc.now())
	if err := svc.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(prov.turns) != 0 {
		t.Fatalf("a job running within its lease must be left alone")
	}

	setRunning(svc.now().Add(-time.Hour))
	if err := svc.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("run stale: %v", err)
	}
	msgs := mustMessages(t, svc, 1, job.SessionID)
	if len(msgs) != 2 || msgs[1].Text != "recovered" {
		t.Fatalf("stale job should complete, got %+v", msgs)
	}
}

func TestNewSessionAndDelete(t *testing.T) {
	svc, db := newTestService(t, &fakeCompleter{reply: "ok"}, nil)
	ctx := context.Background()

	empty, err := svc.NewSession(ctx, 1)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if empty.Title != NewChatTitle {
		t.Fatalf("unexpected title %q", empty.Title)
	}
	if msgs := mustMessages(t, svc, 1, empty.ID); len(msgs) != 0 {
		t.Fatalf("new session should be empty")
	}

	att, err := svc.Upload(ctx, 1, "notes.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	res, err := svc.Send(ctx, 1, SendRequest{SessionID: empty.ID, Prompt: "read this", AttachmentIDs: []uint64{att.ID}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := svc.DeleteSession(ctx, 2, res.Session.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("foreign delete should be not found, got %v", err)
	}
	if err := svc.DeleteSession(ctx, 1, res.Session.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var n int64
	db.Model(&Message{}).Where("session_id = ?", res.Session.ID).Count(&n)
	if n != 0 {
		t.Fatalf("messages should be gone, have %d", n)
	}
	kept, err := svc.Attachment(ctx, 1, att.ID)
	if err != nil {
		t.Fatalf("attachment should survive session delete: %v", err)
	}
	if kept.Linked() {
		t.Fatalf("attachment should be unlinked")
	}
}

func TestUploadAndDeleteAttachment(t *testing.T) {
	svc, _ := newTestService(t, &fakeCompleter{}, nil)
	ctx := context.Background()

	if _, err := svc.Upload(ctx, 1, "script.exe", strings.NewReader("MZ")); !errors.Is(err, ErrFileType) {
		t.Fatalf("expected ErrFileType, got %v", err)
	}

	att, err := svc.Upload(ctx, 1, "../../Report.PDF", strings.NewReader("%PDF-1.4"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if att.OriginalFilename != "Report.PDF" || !strings.HasSuffix(att.Filename, ".pdf") {
		t.Fatalf("unexpected names %+v", att)
	}
	if att.MimeType != "application/pdf" {
		t.Fatalf("mime type should follow the extension, got %q", att.MimeType)
	}
	if att.FileSize != int64(len("%PDF-1.4")) {
		t.Fatalf("unexpected size %d", att.FileSize)
	}

	list, err := svc.ListAttachments(ctx, 1)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %d", err, len(list))
	}

	if err := svc.DeleteAttachment(ctx, 2, att.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("foreign delete should be not found, got %v", err)
	}
	if err := svc.DeleteAttachment(ctx, 1, att.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(att.FilePath); !os.IsNotExist(err) {
		t.Fatalf("file should be removed, stat err %v", err)
	}
}
