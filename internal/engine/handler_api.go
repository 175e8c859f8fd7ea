package engine

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/httpclient"
	"github.com/rendis/agentflow/pkg/schema"
)

// credentialRef finds {{credentials.NAME}} / ${credentials.NAME} references.
var credentialRef = regexp.MustCompile(`(?:\{\{|\$\{)\s*credentials\.([A-Za-z_][A-Za-z0-9_\-]*)\s*\}\}?`)

// apiCallHandler runs API_CALL steps with retries and a per-host breaker.
type apiCallHandler struct {
	client      HTTPCaller
	credentials CredentialResolver
	breakers    *CircuitBreakerRegistry
	eval        *expressions.Evaluator
	events      *eventEmitter
}

func (h *apiCallHandler) Handle(ctx context.Context, node *Node, ec *ExecutionContext) (schema.StepResult, error) {
	cfg, err := configOf[*schema.APICallConfig](node)
	if err != nil {
		return schema.StepResult{}, err
	}
	if h.client == nil {
		return schema.StepResult{}, schema.NewError(schema.ErrCodeInternal, "no HTTP client configured").WithStep(node.Step.ID)
	}

	env := ec.Env()
	endpoint := h.eval.Evaluate(cfg.Endpoint, env)
	method := strings.ToUpper(strings.TrimSpace(h.eval.Evaluate(cfg.Method, env)))

	// Credentials are visible to headers and body only, and only for this call.
	creds, err := h.resolveCredentials(ctx, ec.AgentID, cfg)
	if err != nil {
		return schema.StepResult{}, err
	}
	secrets := newCredentialBinder(creds)

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = secrets.fill(h.eval.Evaluate(secrets.mask(v), env))
	}
	body := mapStrings(h.eval.Resolve(mapStrings(cfg.Body, secrets.mask), env), secrets.fill)

	host := HostKey(endpoint)
	retry := RetryConfigFrom(cfg.RetryConfig)
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		h.events.emitBestEffort(ctx, ec.ExecutionID, node.Step.ID, schema.EventStepRetrying, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    errorMessage(err),
		})
	}

	req := httpclient.Request{
		Endpoint: endpoint,
		Method:   method,
		Headers:  headers,
		Body:     body,
		Timeout:  httpclient.DefaultTimeout,
	}
	resp, attempts, err := WithRetry(ctx, retry, func(ctx context.Context, _ int) (*httpclient.Response, error) {
		return h.call(ctx, ec, node.Step.ID, host, req)
	})
	if err != nil {
		details := map[string]any{"endpoint": endpoint, "method": method, "attempts": attempts}
		if resp != nil {
			details["status"] = resp.Status
			details["body"] = resp.Data
		}
		fe, ok := schema.AsFlowError(err)
		if !ok {
			fe = schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
		}
		return schema.StepResult{}, fe.WithStep(node.Step.ID).WithDetails(details)
	}

	ec.SetVariable(cfg.OutputVariable, resp.Data)
	return schema.StepResult{Output: map[string]any{
		"status":  resp.Status,
		"headers": resp.Headers,
		"data":    resp.Data,
	}}, nil
}

// call makes one attempt through the host's circuit breaker. Server-side
// failures count against the breaker; client errors mean the host is up.
func (h *apiCallHandler) call(ctx context.Context, ec *ExecutionContext, stepID, host string, req httpclient.Request) (*httpclient.Response, error) {
	if h.breakers != nil {
		if err := h.breakers.AllowRequest(host); err != nil {
			return nil, err
		}
	}
	resp, err := h.client.Call(ctx, req)
	if h.breakers == nil {
		return resp, err
	}
	switch code := schema.ErrorCode(err, schema.ErrCodeExecution); {
	case err == nil:
		h.breakers.RecordSuccess(host)
	case code == schema.ErrCodeExecution || code == schema.ErrCodeTimeout:
		if h.breakers.RecordFailure(host) == CircuitOpen {
			h.events.emitBestEffort(ctx, ec.ExecutionID, stepID, schema.EventCircuitBreakerOpen, h.breakers.GetStats(host))
		}
	case code == schema.ErrCodeCancelled:
	default:
		h.breakers.RecordSuccess(host)
	}
	return resp, err
}

// resolveCredentials fetches every credential referenced by the headers or
// body of cfg.
func (h *apiCallHandler) resolveCredentials(ctx context.Context, agentID string, cfg *schema.APICallConfig) (map[string]string, error) {
	names := make(map[string]struct{})
	for _, v := range cfg.Headers {
		collectCredentialRefs(v, names)
	}
	collectCredentialRefs(cfg.Body, names)
	if len(names) == 0 {
		return nil, nil
	}
	if h.credentials == nil {
		return nil, schema.NewError(schema.ErrCodeVault, "step references credentials but no vault is configured")
	}

	creds := make(map[string]string, len(names))
	for name := range names {
		val, err := h.credentials.Get(ctx, agentID, name)
		if err != nil {
			fe, ok := schema.AsFlowError(err)
			if !ok {
				fe = schema.NewError(schema.ErrCodeVault, err.Error()).WithCause(err)
			}
			return nil, fe.WithDetails(map[string]any{"credential": name})
		}
		creds[name] = val
	}
	return creds, nil
}

// credentialBinder keeps secrets out of template expansion. References
// written in the step config are swapped for per-call markers before
// expansion and the markers are filled in afterwards in a single pass, so a
// reference that only appears in expanded data is never resolved.
type credentialBinder struct {
	nonce  string
	filler *strings.Replacer
}

func newCredentialBinder(creds map[string]string) *credentialBinder {
	b := &credentialBinder{nonce: uuid.NewString()}
	pairs := make([]string, 0, 2*len(creds))
	for name, val := range creds {
		pairs = append(pairs, b.marker(name), val)
	}
	b.filler = strings.NewReplacer(pairs...)
	return b
}

func (b *credentialBinder) marker(name string) string {
	return "\x00" + b.nonce + ":" + name + "\x00"
}

func (b *credentialBinder) mask(s string) string {
	return credentialRef.ReplaceAllStringFunc(s, func(ref string) string {
		return b.marker(credentialRef.FindStringSubmatch(ref)[1])
	})
}

func (b *credentialBinder) fill(s string) string {
	return b.filler.Replace(s)
}

// mapStrings rebuilds v with fn applied to every string leaf.
func mapStrings(v any, fn func(string) string) any {
	switch val := v.(type) {
	case string:
		return fn(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = mapStrings(item, fn)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = mapStrings(item, fn)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = fn(item)
		}
		return out
	default:
		return v
	}
}

func collectCredentialRefs(v any, into map[string]struct{}) {
	switch val := v.(type) {
	case string:
		for _, m := range credentialRef.FindAllStringSubmatch(val, -1) {
			into[m[1]] = struct{}{}
		}
	case map[string]any:
		for _, item := range val {
			collectCredentialRefs(item, into)
		}
	case []any:
		for _, item := range val {
			collectCredentialRefs(item, into)
		}
	}
}
