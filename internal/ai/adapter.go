package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clagradi/t3-chat-api/internal/credential"
	"github.com/clagradi/t3-chat-api/internal/logger"
	"github.com/clagradi/t3-chat-api/internal/metrics"
)

type CredentialSource interface {
	GetActiveKey(ctx context.Context, userID uint64, provider string) (string, error)
}

// ImageReader loads attachment bytes from storage.
type ImageReader interface {
	ReadAll(path string) ([]byte, error)
}

type AttachmentRef struct {
	ID       uint64
	MimeType string
	Path     string
}

// Turn is what the adapter needs to answer one prompt.
type Turn struct {
	UserID      uint64
	Model       string
	Prompt      string
	Attachments []AttachmentRef
}

// Result is either generated text or, when Failed is set, a notice meant to
// be shown and stored in place of a reply.
type Result struct {
	Text   string
	Failed bool
}

type Options struct {
	Timeout   time.Duration
	MaxTokens int
}

type Adapter struct {
	registry  *Registry
	creds     CredentialSource
	images    ImageReader
	timeout   time.Duration
	maxTokens int
	log       *logger.Logger
}

func NewAdapter(registry *Registry, creds CredentialSource, images ImageReader, opts Options, log *logger.Logger) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1000
	}
	return &Adapter{
		registry:  registry,
		creds:     creds,
		images:    images,
		timeout:   opts.Timeout,
		maxTokens: opts.MaxTokens,
		log:       log.With("component", "ProviderAdapter"),
	}
}

func MissingKeyText(k Kind) string {
	return fmt.Sprintf("⚠️ %s API key not configured. Add your API key in settings to use this model.", k)
}

func ErrorText(k Kind, err error) string {
	return fmt.Sprintf("Error from %s: %v", k, err)
}

func SimulatedText(model, prompt string) string {
	return fmt.Sprintf("Simulated response from %s: %s", model, prompt)
}

type call struct {
	kind    Kind
	client  Client
	req     Request
	notice  *Result
	outcome string
}

func (a *Adapter) plan(ctx context.Context, t Turn) call {
	kind := Classify(t.Model)
	switch kind {
	case KindUnsupported:
		return call{kind: kind, notice: &Result{Text: SimulatedText(t.Model, t.Prompt)}, outcome: "simulated"}
	case KindOpenAI, KindAnthropic, KindGoogle, KindDeepSeek:
	}

	key, err := a.creds.GetActiveKey(ctx, t.UserID, kind.CredentialKey())
	if err != nil && !errors.Is(err, credential.ErrNoCredential) {
		a.log.Warn("credential lookup failed", "provider", kind.String(), "user_id", t.UserID, "error", err)
		return call{kind: kind, notice: &Result{Text: ErrorText(kind, errors.New("could not load API key")), Failed: true}, outcome: "upstream_error"}
	}
	if strings.TrimSpace(key) == "" {
		return call{kind: kind, notice: &Result{Text: MissingKeyText(kind), Failed: true}, outcome: "missing_key"}
	}

	factory, ok := a.registry.Get(kind)
	if !ok {
		return call{kind: kind, notice: &Result{Text: ErrorText(kind, errors.New("provider not configured")), Failed: true}, outcome: "upstream_error"}
	}

	model := ResolveModel(kind, t.Model)
	return call{
		kind:   kind,
		client: factory(key, model),
		req: Request{
			Model:     model,
			Prompt:    t.Prompt,
			Images:    a.loadImages(kind, model, t.Attachments),
			MaxTokens: a.maxTokens,
		},
	}
}

// loadImages keeps image attachments for vision models and skips the rest.
func (a *Adapter) loadImages(kind Kind, model string, refs []AttachmentRef) []Image {
	if a.images == nil || !SupportsVision(kind, model) {
		return nil
	}
	var out []Image
	for _, ref := range refs {
		if !strings.HasPrefix(ref.MimeType, "image/") {
			continue
		}
		data, err := a.images.ReadAll(ref.Path)
		if err != nil {
			a.log.Warn("skipping unreadable attachment", "attachment_id", ref.ID, "error", err)
			continue
		}
		out = append(out, Image{MimeType: ref.MimeType, Data: data})
	}
	return out
}

// Complete answers in one piece. It never returns a Go error: failures come
// back as display text with Failed set.
func (a *Adapter) Complete(ctx context.Context, t Turn) Result {
	c := a.plan(ctx, t)
	provider := strings.ToLower(c.kind.String())
	if c.notice != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(provider, "sync", c.outcome).Inc()
		return *c.notice
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	text, err := c.client.Chat(ctx, c.req)
	metrics.ProviderLatency.WithLabelValues(provider, "sync").Observe(time.Since(start).Seconds())
	if err != nil {
		a.log.Warn("provider call failed", "provider", c.kind.String(), "model", c.req.Model, "error", err)
		metrics.ProviderRequestsTotal.WithLabelValues(provider, "sync", "upstream_error").Inc()
		return Result{Text: ErrorText(c.kind, err), Failed: true}
	}
	metrics.ProviderRequestsTotal.WithLabelValues(provider, "sync", "ok").Inc()
	return Result{Text: text}
}

// Stream answers incrementally. The upstream request starts when the returned
// stream is first ranged over. An upstream failure ends the stream with one
// error fragment.
func (a *Adapter) Stream(ctx context.Context, t Turn) *Stream {
	c := a.plan(ctx, t)
	provider := strings.ToLower(c.kind.String())
	if c.notice != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(provider, "stream", c.outcome).Inc()
		if c.kind == KindUnsupported {
			words := strings.Fields(c.notice.Text)
			for i := range words {
				words[i] += " "
			}
			return StreamOf(words...)
		}
		return StreamOf(c.notice.Text)
	}

	return newStream(func(yield func(string) bool) {
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		start := time.Now()
		chunks, errs := c.client.StreamChat(ctx, c.req)

		stopped := false
		for chunk := range chunks {
			if stopped {
				continue
			}
			if !yield(chunk) {
				stopped = true
				cancel()
			}
		}
		err := <-errs
		metrics.ProviderLatency.WithLabelValues(provider, "stream").Observe(time.Since(start).Seconds())

		if err != nil && !stopped {
			a.log.Warn("provider stream failed", "provider", c.kind.String(), "model", c.req.Model, "error", err)
			metrics.ProviderRequestsTotal.WithLabelValues(provider, "stream", "upstream_error").Inc()
			yield(ErrorText(c.kind, err))
			return
		}
		metrics.ProviderRequestsTotal.WithLabelValues(provider, "stream", "ok").Inc()
	})
}
