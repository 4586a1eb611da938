package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Request is one prompt, already resolved to a provider model id.
type Request struct {
	Model     string
	Prompt    string
	Images    []Image
	MaxTokens int
}

type Image struct {
	MimeType string
	Data     []byte
}

// Client talks to one provider with one user's key.
// StreamChat returns immediately; both channels are closed when streaming ends.
type Client interface {
	Chat(ctx context.Context, req Request) (string, error)
	StreamChat(ctx context.Context, req Request) (<-chan string, <-chan error)
}

// readAPIError extracts a message from a non-2xx response.
// OpenAI, Anthropic and Gemini all report {"error":{"message":...}}.
func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	var decoded struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &decoded) == nil && decoded.Error.Message != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, decoded.Error.Message)
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
}

// scanSSE calls handle with the payload of every "data:" line until the
// stream ends, handle reports done, or "[DONE]" arrives.
func scanSSE(r io.Reader, handle func(data string) (done bool, err error)) error {
	sc := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2*1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		done, err := handle(data)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return sc.Err()
}

// send delivers a chunk unless the consumer has gone away.
func send(ctx context.Context, ch chan<- string, s string) bool {
	select {
	case ch <- s:
		return true
	case <-ctx.Done():
		return false
	}
}
