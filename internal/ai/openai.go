package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// OpenAIClient speaks the chat/completions protocol. DeepSeek uses the same
// wire format with a different base URL.
type OpenAIClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

type openAIMsg struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIChatReq struct {
	Model     string      `json:"model"`
	Messages  []openAIMsg `json:"messages"`
	MaxTokens int         `json:"max_tokens,omitempty"`
	Stream    bool        `json:"stream"`
}

type openAIChatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openAIStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenAIClient(baseURL, apiKey string, hc *http.Client) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &OpenAIClient{BaseURL: baseURL, APIKey: apiKey, Client: hc}
}

func (p *OpenAIClient) body(req Request, stream bool) ([]byte, error) {
	var content any = req.Prompt
	if len(req.Images) > 0 {
		parts := []openAIPart{{Type: "text", Text: req.Prompt}}
		for _, img := range req.Images {
			parts = append(parts, openAIPart{
				Type: "image_url",
				ImageURL: &openAIImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, base64.StdEncoding.EncodeToString(img.Data)),
				},
			})
		}
		content = parts
	}
	return json.Marshal(openAIChatReq{
		Model:     req.Model,
		Messages:  []openAIMsg{{Role: "user", Content: content}},
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	})
}

func (p *OpenAIClient) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, errors.New("api key is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("model is required")
	}
	b, err := p.body(req, stream)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func (p *OpenAIClient) Chat(ctx context.Context, req Request) (string, error) {
	httpReq, err := p.newRequest(ctx, req, false)
	if err != nil {
		return "", err
	}
	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", readAPIError(resp)
	}

	var decoded openAIChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("empty response")
	}
	return decoded.Choices[0].Message.Content, nil
}

// StreamChat streams content deltas via SSE.
func (p *OpenAIClient) StreamChat(ctx context.Context, req Request) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		httpReq, err := p.newRequest(ctx, req, true)
		if err != nil {
			errs <- err
			return
		}
		resp, err := p.Client.Do(httpReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- readAPIError(resp)
			return
		}

		err = scanSSE(resp.Body, func(data string) (bool, error) {
			var decoded openAIStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				return false, err
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				return false, errors.New(decoded.Error.Message)
			}
			if len(decoded.Choices) == 0 {
				return false, nil
			}
			if delta := decoded.Choices[0].Delta.Content; delta != "" {
				if !send(ctx, chunks, delta) {
					return false, ctx.Err()
				}
			}
			return false, nil
		})
		if err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}
