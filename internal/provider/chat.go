package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/agentflow/internal/httpclient"
	"github.com/rendis/agentflow/pkg/schema"
)

// Config configures a ChatProvider.
type Config struct {
	BaseURL string // e.g. https://api.openai.com/v1
	APIKey  string
	Timeout time.Duration
}

// ChatProvider talks to any OpenAI-compatible chat completions endpoint.
type ChatProvider struct {
	client  *httpclient.Client
	baseURL string
	apiKey  string
	timeout time.Duration
}

var _ ContentProvider = (*ChatProvider)(nil)

// NewChatProvider creates a ChatProvider over the given HTTP client.
func NewChatProvider(client *httpclient.Client, cfg Config) *ChatProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ChatProvider{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate sends the prompt as a single user message.
func (p *ChatProvider) Generate(ctx context.Context, model, prompt string, opts Options) (*Generation, error) {
	if p.baseURL == "" {
		return nil, schema.NewError(schema.ErrCodeProvider, "provider base URL is not configured")
	}

	headers := map[string]string{"Accept": "application/json"}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	resp, err := p.client.Call(ctx, httpclient.Request{
		Endpoint: p.baseURL + "/chat/completions",
		Method:   "POST",
		Headers:  headers,
		Body: chatRequest{
			Model:       model,
			Messages:    []chatMessage{{Role: "user", Content: prompt}},
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
		},
		Timeout: p.timeout,
	})
	if err != nil {
		code := schema.ErrorCode(err, schema.ErrCodeProvider)
		if code == schema.ErrCodeExecution || code == schema.ErrCodeNonRetryable {
			code = schema.ErrCodeProvider
		}
		return nil, schema.NewErrorf(code, "provider call failed: %v", err).WithCause(err)
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "unreadable provider response").WithCause(err)
	}
	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "malformed provider response").WithCause(err)
	}
	if len(decoded.Choices) == 0 {
		return nil, schema.NewError(schema.ErrCodeProvider, "provider returned no choices")
	}

	return &Generation{
		Content:    decoded.Choices[0].Message.Content,
		TokenUsage: decoded.Usage.TotalTokens,
		Model:      decoded.Model,
	}, nil
}

// Static is a ContentProvider that answers every prompt with a fixed reply.
// Used by the CLI when no provider URL is configured, and handy in tests.
type Static struct {
	Reply  string
	Tokens int
}

func (s Static) Generate(_ context.Context, model, prompt string, _ Options) (*Generation, error) {
	reply := s.Reply
	if reply == "" {
		reply = fmt.Sprintf("[%s] %s", model, prompt)
	}
	return &Generation{Content: reply, TokenUsage: s.Tokens, Model: model}, nil
}
