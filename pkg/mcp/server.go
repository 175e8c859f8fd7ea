package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// Runner executes agents. *engine.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, req engine.RunRequest) (*schema.ExecutionRecord, error)
	Start(ctx context.Context, req engine.RunRequest) (*engine.RunHandle, error)
	Cancel(executionID string) bool
}

// Store is the slice of persistence the tools read from.
type Store interface {
	store.AgentStore
	store.ExecutionStore
	store.EventStore
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Runner   Runner
	Store    Store
	Notifier UserNotifier // defaults to MCP push over the server's sessions
	Logger   *slog.Logger
}

// Server wraps an MCP server with agentflow tool handlers.
type Server struct {
	runner    Runner
	store     Store
	notifier  UserNotifier
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all 4 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		runner:   deps.Runner,
		store:    deps.Store,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"agentflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("agentflow runs stored agent workflows. Use agentflow.agents to discover agents, agentflow.run to execute one, agentflow.execution to inspect or cancel a run, and agentflow.graph to draw an agent with an optional run overlay."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: executionTool(), Handler: s.handleExecution},
		{Tool: graphTool(), Handler: s.handleGraph},
		{Tool: agentsTool(), Handler: s.handleAgents},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("agentflow.run",
		mcp.WithDescription("Run a stored agent"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the agent to run")),
		mcp.WithObject("input", mcp.Description("Run input, readable by steps as {{input.*}}")),
		mcp.WithString("user_id", mcp.Description("User the run belongs to")),
		mcp.WithBoolean("async", mcp.Description("Return immediately and notify the user when the run ends")),
	)
}

func executionTool() mcp.Tool {
	return mcp.NewTool("agentflow.execution",
		mcp.WithDescription("Inspect, follow or cancel an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("action",
			mcp.Enum("get", "events", "cancel"),
			mcp.Description("get (default) returns the record, events its event log, cancel stops it"),
		),
	)
}

func graphTool() mcp.Tool {
	return mcp.NewTool("agentflow.graph",
		mcp.WithDescription("Draw an agent's step graph. Returns Mermaid, DOT or a PNG image"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the agent to draw")),
		mcp.WithString("execution_id", mcp.Description("Overlay the status of this execution")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("mermaid", "dot", "image"),
			mcp.Description("Output format: mermaid or dot (text), or image (PNG)"),
		),
	)
}

func agentsTool() mcp.Tool {
	return mcp.NewTool("agentflow.agents",
		mcp.WithDescription("List agents, or fetch one agent's full definition"),
		mcp.WithString("agent_id", mcp.Description("Return this agent with its steps and variables")),
		mcp.WithString("user_id", mcp.Description("Only agents owned by this user")),
		mcp.WithNumber("limit", mcp.Description("Maximum agents to list (default 50)")),
	)
}
