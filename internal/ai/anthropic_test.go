package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAnthropicClient_Chat(t *testing.T) {
	var got anthropicReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant" || r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("missing anthropic headers")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"content":[{"type":"text","text":"Bonjour"}]}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL, "sk-ant", srv.Client())
	text, err := c.Chat(context.Background(), Request{
		Model:  "claude-3-5-sonnet-20241022",
		Prompt: "hello in french",
		Images: []Image{{MimeType: "image/jpeg", Data: []byte{1, 2, 3}}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if text != "Bonjour" {
		t.Fatalf("unexpected text %q", text)
	}
	if got.MaxTokens != 1000 {
		t.Fatalf("expected default max tokens, got %d", got.MaxTokens)
	}
	blocks := got.Messages[0].Content
	if len(blocks) != 2 || blocks[1].Source == nil || blocks[1].Source.MediaType != "image/jpeg" || blocks[1].Source.Data != "AQID" {
		t.Fatalf("unexpected blocks %+v", blocks)
	}
}

func TestAnthropicClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi \"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"there\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL, "sk-ant", srv.Client())
	text, err := drain(c.StreamChat(context.Background(), Request{Model: "claude-3-opus-20240229", Prompt: "hi"}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text != "Hi there" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestAnthropicClient_StreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"par\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL, "sk-ant", srv.Client())
	text, err := drain(c.StreamChat(context.Background(), Request{Model: "claude-3-opus-20240229", Prompt: "hi"}))
	if text != "par" {
		t.Fatalf("expected partial text before the error, got %q", text)
	}
	if err == nil || err.Error() != "Overloaded" {
		t.Fatalf("unexpected error %v", err)
	}
}
