package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentflow/internal/diagram"
	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// handleRun runs an agent. Synchronous runs return the finalized record;
// async runs return the execution id and push a notification when done.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	if s.runner == nil {
		return mcp.NewToolResultError("no runner configured"), nil
	}

	userID := req.GetString("user_id", "")
	runReq := engine.RunRequest{
		AgentID: agentID,
		UserID:  userID,
		Input:   mcp.ParseStringMap(req, "input", nil),
	}

	if req.GetBool("async", false) {
		if userID != "" {
			s.captureSession(ctx, userID)
		}
		h, startErr := s.runner.Start(ctx, runReq)
		if startErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run failed to start: %v", startErr)), nil
		}
		go s.notifyWhenDone(h, userID)
		return marshalResult(map[string]any{
			"execution_id": h.ID,
			"status":       schema.ExecutionRunning,
		})
	}

	rec, runErr := s.runner.Run(ctx, runReq)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}
	return marshalResult(rec)
}

// handleExecution returns a record or its events, or cancels the run.
func (s *Server) handleExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	switch action := req.GetString("action", "get"); action {
	case "get":
		rec, getErr := s.store.GetExecution(ctx, id)
		if getErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", getErr)), nil
		}
		return marshalResult(rec)
	case "events":
		events, evErr := s.store.GetEvents(ctx, id, 0)
		if evErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
		}
		return marshalResult(map[string]any{"events": events})
	case "cancel":
		if s.runner == nil {
			return mcp.NewToolResultError("no runner configured"), nil
		}
		return marshalResult(map[string]any{
			"execution_id": id,
			"cancelled":    s.runner.Cancel(id),
		})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleGraph draws an agent in the requested format.
func (s *Server) handleGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "mermaid" && format != "dot" && format != "image" {
		return mcp.NewToolResultError("format must be mermaid, dot, or image"), nil
	}

	agent, agentErr := s.store.GetAgentWithStepsAndVariables(ctx, agentID)
	if agentErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("agent lookup failed: %v", agentErr)), nil
	}

	var rec *schema.ExecutionRecord
	if execID := req.GetString("execution_id", ""); execID != "" {
		rec, err = s.store.GetExecution(ctx, execID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", err)), nil
		}
		if rec.AgentID != agentID {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s belongs to agent %s", execID, rec.AgentID)), nil
		}
	}

	model, buildErr := diagram.Build(agent, rec)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "dot":
		src, dotErr := diagram.RenderDOT(model)
		if dotErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("dot render failed: %v", dotErr)), nil
		}
		return mcp.NewToolResultText(src), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultImage(agent.Name, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

type agentSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// handleAgents lists agents, or returns one agent in full.
func (s *Server) handleAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("agent_id", ""); id != "" {
		agent, err := s.store.GetAgentWithStepsAndVariables(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("agent lookup failed: %v", err)), nil
		}
		return marshalResult(agent)
	}

	agents, err := s.store.ListAgents(ctx, store.AgentFilter{
		UserID: req.GetString("user_id", ""),
		Limit:  req.GetInt("limit", 50),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	out := make([]agentSummary, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentSummary{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			UserID:      a.UserID,
			UpdatedAt:   a.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return marshalResult(map[string]any{"agents": out})
}

// --- Internal helpers ---

// notifyWhenDone waits for an async run and tells its user how it ended.
func (s *Server) notifyWhenDone(h *engine.RunHandle, userID string) {
	rec, err := h.Wait(context.Background())
	if userID == "" {
		return
	}

	payload := map[string]any{"execution_id": h.ID}
	switch {
	case err != nil:
		payload["error"] = err.Error()
	case rec != nil:
		payload["status"] = rec.Status
		if rec.ErrorCode != "" {
			payload["error_code"] = rec.ErrorCode
			payload["error_message"] = rec.ErrorMessage
		}
	}

	if nErr := s.notifier.Notify(context.Background(), userID, payload); nErr != nil {
		s.logger.Warn("run notification failed", "execution_id", h.ID, "user_id", userID, "error", nErr)
	}
}

// captureSession maps the user ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
