package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"loom/pkg/protocol"
)

// chatMessage is one entry in an OpenAI-compatible chat request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token accounting from an HTTP backend response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// HTTPBackend talks to an OpenAI-compatible chat-completions endpoint
// (a hosted API or a local server such as LM Studio exposing the same
// surface).
type HTTPBackend struct {
	// BaseURL is the server root; /v1/chat/completions is appended.
	BaseURL string

	// Model selects the model; empty lets the server pick.
	Model string

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// Temperature for sampling. Zero is sent as-is: deterministic
	// output is what a code generator wants by default.
	Temperature float64

	// MaxTokens caps the response; zero omits the field.
	MaxTokens int

	// SystemPrompt, when set, is prepended as a system message.
	SystemPrompt string

	// Role labels errors from this backend. Defaults to remote.
	Role protocol.BackendRole

	// Client overrides the HTTP client; nil uses a sane default. The
	// worker's own timer bounds the overall attempt, so no client
	// timeout is set here.
	Client *http.Client
}

// NewHTTPBackend creates a remote chat-completions backend.
func NewHTTPBackend(baseURL, model, apiKey string) *HTTPBackend {
	return &HTTPBackend{
		BaseURL: baseURL,
		Model:   model,
		APIKey:  apiKey,
		Role:    protocol.BackendRemote,
	}
}

func (b *HTTPBackend) role() protocol.BackendRole {
	if b.Role == "" {
		return protocol.BackendRemote
	}
	return b.Role
}

func (b *HTTPBackend) httpClient() *http.Client {
	if b.Client != nil {
		return b.Client
	}
	return &http.Client{Transport: &http.Transport{
		ResponseHeaderTimeout: 5 * time.Minute,
	}}
}

// Generate implements worker.Generator.
func (b *HTTPBackend) Generate(ctx context.Context, prompt string) (protocol.GenResult, error) {
	msgs := []chatMessage{}
	if b.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: b.SystemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	payload := map[string]any{
		"messages":    msgs,
		"temperature": b.Temperature,
		"stream":      false,
	}
	if b.Model != "" {
		payload["model"] = b.Model
	}
	if b.MaxTokens > 0 {
		payload["max_tokens"] = b.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return protocol.GenResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return protocol.GenResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}

	resp, err := b.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.GenResult{}, ctx.Err()
		}
		return protocol.GenResult{}, &protocol.BackendError{
			Backend: b.role(), Retryable: true, Msg: err.Error(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return protocol.GenResult{}, &protocol.BackendError{
			Backend:   b.role(),
			Retryable: retryableStatus(resp.StatusCode),
			Msg:       resp.Status + ": " + string(raw),
		}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return protocol.GenResult{}, &protocol.BackendError{
			Backend: b.role(), Retryable: false, Msg: "decode response: " + err.Error(),
		}
	}
	if len(result.Choices) == 0 {
		return protocol.GenResult{}, errors.New("empty choices in backend response")
	}

	text, needs := normalize(result.Choices[0].Message.Content)
	return protocol.GenResult{Text: text, NeedsContext: needs, Usage: result.Usage}, nil
}

// retryableStatus reports whether an HTTP status is worth a second
// attempt on another tier: rate limits and server-side failures are,
// auth and request errors are not.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
