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

type GeminiClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

type geminiReq struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResp struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r geminiResp) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func NewGeminiClient(baseURL, apiKey string, hc *http.Client) *GeminiClient {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &GeminiClient{BaseURL: baseURL, APIKey: apiKey, Client: hc}
}

func (p *GeminiClient) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, errors.New("api key is required")
	}
	parts := []geminiPart{{Text: req.Prompt}}
	for _, img := range req.Images {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: img.MimeType,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}})
	}
	body := geminiReq{Contents: []geminiContent{{Role: "user", Parts: parts}}}
	if req.MaxTokens > 0 {
		body.GenerationConfig = &geminiGenConfig{MaxOutputTokens: req.MaxTokens}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	base := strings.TrimRight(p.BaseURL, "/")
	url := fmt.Sprintf("%s/models/%s:generateContent", base, req.Model)
	if stream {
		url = fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", base, req.Model)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.APIKey)
	return httpReq, nil
}

func (p *GeminiClient) Chat(ctx context.Context, req Request) (string, error) {
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

	var decoded geminiResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	text := decoded.text()
	if text == "" {
		return "", errors.New("empty response")
	}
	return text, nil
}

// StreamChat reads streamGenerateContent events; each event carries the next
// piece of text.
func (p *GeminiClient) StreamChat(ctx context.Context, req Request) (<-chan string, <-chan error) {
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
			var decoded geminiResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				return false, err
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				return false, errors.New(decoded.Error.Message)
			}
			if text := decoded.text(); text != "" {
				if !send(ctx, chunks, text) {
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
