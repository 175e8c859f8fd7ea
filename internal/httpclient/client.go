package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

const (
	DefaultTimeout         = 30 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

// Config configures the client.
type Config struct {
	Timeout         time.Duration
	MaxResponseBody int64
	Transport       http.RoundTripper
}

// Request is one outbound call made by an API_CALL step.
type Request struct {
	Endpoint string
	Method   string
	Headers  map[string]string
	Body     any
	Timeout  time.Duration
}

// Response is the parsed result of a call. Data is decoded JSON when the
// server says so, the raw text otherwise, nil for an empty body.
type Response struct {
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	Data       any               `json:"data"`
	DurationMs int64             `json:"-"`
}

// CallError is returned for HTTP status >= 400. The response is still
// available to callers that want to report it.
type CallError struct {
	Status int
	Body   string
	Resp   *Response
}

func (e *CallError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, body)
}

// Retryable reports whether the status is worth retrying: server errors,
// 408 and 429.
func (e *CallError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests
}

// Client performs HTTP calls for API_CALL steps.
type Client struct {
	http   *http.Client
	config Config
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &Client{http: &http.Client{Transport: transport}, config: cfg}
}

// Call executes the request. Transport failures are EXECUTION_ERROR; status
// >= 400 is a *CallError wrapped in a FlowError, NON_RETRYABLE for client
// errors other than 408/429.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	u, err := url.ParseRequestURI(req.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid endpoint %q", req.Endpoint)
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := ""
	if req.Body != nil && method != http.MethodGet && method != http.MethodHead {
		switch b := req.Body.(type) {
		case string:
			body = strings.NewReader(b)
			if json.Valid([]byte(b)) {
				contentType = "application/json"
			} else {
				contentType = "text/plain"
			}
		case []byte:
			body = bytes.NewReader(b)
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeValidation, "request body is not JSON-serializable").WithCause(err)
			}
			body = bytes.NewReader(encoded)
			contentType = "application/json"
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.Endpoint, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "failed to create request").WithCause(err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "request cancelled").WithCause(ctx.Err())
		}
		if reqCtx.Err() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "request timed out after %s", timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "failed to read response body").WithCause(err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out := &Response{
		Status:     resp.StatusCode,
		Headers:    headers,
		Data:       parseBody(raw, resp.Header.Get("Content-Type")),
		DurationMs: time.Since(start).Milliseconds(),
	}

	if resp.StatusCode >= 400 {
		callErr := &CallError{Status: resp.StatusCode, Body: string(raw), Resp: out}
		code := schema.ErrCodeExecution
		if !callErr.Retryable() {
			code = schema.ErrCodeNonRetryable
		}
		return out, schema.NewError(code, callErr.Error()).
			WithCause(callErr).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": string(raw)})
	}
	return out, nil
}

func parseBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
