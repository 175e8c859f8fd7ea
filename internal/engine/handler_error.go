package engine

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
)

const defaultHandlerRetries = 1

type errorHandler struct {
	events *eventEmitter
	logger *slog.Logger
}

// Handle reacts to the most recent unhandled failure. A failure counts as
// handled once this handler has run after it, or once its step has
// succeeded since.
func (h *errorHandler) Handle(ctx context.Context, node *Node, ec *ExecutionContext) (schema.StepResult, error) {
	cfg, err := configOf[*schema.ErrorHandlerConfig](node)
	if err != nil {
		return schema.StepResult{}, err
	}

	failed, ok := pendingFailure(ec, node.Step.ID)
	if !ok {
		return schema.StepResult{Status: schema.StepSkipped, Output: map[string]any{"handled": false}}, nil
	}

	code := failed.ErrorCode
	if code == "" {
		code = schema.ErrCodeStepFailed
	}
	if !h.matches(cfg.CatchErrors, failed) {
		return schema.StepResult{}, schema.NewError(code, failed.Error).
			WithDetails(map[string]any{"failedStepId": failed.StepID, "handled": false})
	}

	info := map[string]any{"stepId": failed.StepID, "message": failed.Error, "code": code}
	h.events.emitBestEffort(ctx, ec.ExecutionID, node.Step.ID, schema.EventErrorHandlerInvoked, map[string]any{
		"action": cfg.HandlerAction,
		"error":  info,
	})
	out := map[string]any{"handled": true, "error": info, "action": cfg.HandlerAction}

	switch cfg.HandlerAction {
	case schema.HandlerContinue:
		return schema.StepResult{Output: out}, nil

	case schema.HandlerStop:
		return schema.StepResult{Output: out, Halt: true},
			schema.NewErrorf(code, "stopped by error handler: %s", failed.Error).
				WithDetails(map[string]any{"failedStepId": failed.StepID})

	case schema.HandlerJump:
		out["nextStepId"] = cfg.TargetStepID
		return schema.StepResult{Output: out, Jump: cfg.TargetStepID}, nil

	default: // RETRY
		limit := cfg.MaxRetries
		if limit <= 0 {
			limit = defaultHandlerRetries
		}
		n := ec.nextHandlerRetry(node.Step.ID)
		if n > limit {
			return schema.StepResult{Output: out}, schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"step %q still failing after %d retries: %s", failed.StepID, limit, failed.Error).
				WithDetails(map[string]any{"failedStepId": failed.StepID, "retries": limit})
		}
		out["retry"] = n
		out["nextStepId"] = failed.StepID
		return schema.StepResult{Output: out, Jump: failed.StepID}, nil
	}
}

// pendingFailure scans the trace backwards, stopping at this handler's
// previous execution, for a failure whose step has not succeeded since.
func pendingFailure(ec *ExecutionContext, handlerID string) (schema.StepExecution, bool) {
	succeeded := make(map[string]bool)
	for i := len(ec.StepResults) - 1; i >= 0; i-- {
		se := ec.StepResults[i]
		if se.StepID == handlerID {
			break
		}
		switch se.Status {
		case schema.StepSuccess:
			succeeded[se.StepID] = true
		case schema.StepFailure:
			if !succeeded[se.StepID] {
				return se, true
			}
		}
	}
	return schema.StepExecution{}, false
}

// matches reports whether any pattern catches the failure. "*" catches all,
// "/re/" is a regular expression, anything else is a case-insensitive
// substring of the error message or code.
func (h *errorHandler) matches(patterns []string, failed schema.StepExecution) bool {
	for _, p := range patterns {
		switch {
		case p == "*":
			return true
		case len(p) >= 2 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/"):
			re, err := regexp.Compile(p[1 : len(p)-1])
			if err != nil {
				h.logger.WarnContext(context.Background(), "invalid catchErrors pattern", "pattern", p, "error", err)
				continue
			}
			if re.MatchString(failed.Error) || re.MatchString(failed.ErrorCode) {
				return true
			}
		default:
			needle := strings.ToLower(p)
			if strings.Contains(strings.ToLower(failed.Error), needle) ||
				strings.Contains(strings.ToLower(failed.ErrorCode), needle) {
				return true
			}
		}
	}
	return false
}
