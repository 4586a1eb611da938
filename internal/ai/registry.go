package ai

import (
	"net/http"
	"sync"
)

// ClientFactory builds a client for one call. Nothing is shared between calls
// except the transport's connection pool.
type ClientFactory func(apiKey, model string) Client

type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]ClientFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]ClientFactory)}
}

func (r *Registry) Register(k Kind, f ClientFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[k] = f
}

func (r *Registry) Get(k Kind) (ClientFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[k]
	return f, ok
}

const DefaultDeepSeekBaseURL = "https://api.deepseek.com"

type BaseURLs struct {
	OpenAI    string
	Anthropic string
	Google    string
	DeepSeek  string
}

// NewDefaultRegistry wires the real HTTP clients.
func NewDefaultRegistry(urls BaseURLs) *Registry {
	// OpenAIClient falls back to the OpenAI host on an empty URL.
	if urls.DeepSeek == "" {
		urls.DeepSeek = DefaultDeepSeekBaseURL
	}
	r := NewRegistry()
	r.Register(KindOpenAI, func(apiKey, model string) Client {
		return NewOpenAIClient(urls.OpenAI, apiKey, &http.Client{})
	})
	r.Register(KindDeepSeek, func(apiKey, model string) Client {
		return NewOpenAIClient(urls.DeepSeek, apiKey, &http.Client{})
	})
	r.Register(KindAnthropic, func(apiKey, model string) Client {
		return NewAnthropicClient(urls.Anthropic, apiKey, &http.Client{})
	})
	r.Register(KindGoogle, func(apiKey, model string) Client {
		return NewGeminiClient(urls.Google, apiKey, &http.Client{})
	})
	return r
}
