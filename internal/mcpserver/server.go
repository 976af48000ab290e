// Package mcpserver exposes crewd tools to the agent runtime running
// inside a session. The server speaks MCP over stdio; the daemon's
// PostInitialize step registers it in the project's .mcp.json so the
// runtime launches it as a subprocess.
package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events/bus"
)

// Config holds the MCP server configuration.
type Config struct {
	// SessionName is the session the runtime lives in, taken from the
	// CREWD_SESSION_NAME environment variable the daemon sets.
	SessionName string
	// TasksPath is the tasks.json file shared with the daemon.
	TasksPath string
}

// Server wraps the MCP server with the event bus used to forward
// requests to the daemon.
type Server struct {
	cfg       Config
	bus       bus.EventBus
	mcpServer *server.MCPServer
	logger    *logger.Logger
}

// New creates the MCP server and registers all tools.
func New(cfg Config, eventBus bus.EventBus, log *logger.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "mcp-server")),
	}

	s.mcpServer = server.NewMCPServer(
		"crewd-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()

	return s
}

// ServeStdio blocks reading MCP requests from stdin until the client
// closes the pipe or ctx is cancelled. Stdout belongs to the protocol,
// so the logger must never write there.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.serve(ctx, os.Stdin, os.Stdout)
}

func (s *Server) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("MCP server listening on stdio",
		zap.String("session", s.cfg.SessionName))
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, in, out)
}

// wrapHandler wraps a tool handler with debug logging for tracing MCP calls.
func (s *Server) wrapHandler(toolName string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		s.logger.Debug("MCP tool call",
			zap.String("tool", toolName),
			zap.Any("args", req.GetArguments()))

		result, err := handler(ctx, req)
		duration := time.Since(start)

		switch {
		case err != nil:
			s.logger.Debug("MCP tool error",
				zap.String("tool", toolName),
				zap.Duration("duration", duration),
				zap.Error(err))
		case result != nil && result.IsError:
			s.logger.Debug("MCP tool returned error",
				zap.String("tool", toolName),
				zap.Duration("duration", duration),
				zap.Any("result", result.Content))
		default:
			s.logger.Debug("MCP tool success",
				zap.String("tool", toolName),
				zap.Duration("duration", duration))
		}

		return result, err
	}
}

// registerTools registers all MCP tools.
func (s *Server) registerTools() {
	// Parameter-less tools use NewToolWithRawSchema so the schema keeps
	// "properties": {}; the default schema type drops empty maps, which
	// some clients reject.
	s.mcpServer.AddTool(
		mcp.NewToolWithRawSchema("list_my_tasks",
			"List the tasks assigned to this session. Use this to see what you should be working on.",
			json.RawMessage(`{"type":"object","properties":{}}`),
		),
		s.wrapHandler("list_my_tasks", s.listMyTasksHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("update_task_status",
			mcp.WithDescription("Update the status of one of your tasks. Valid statuses: open, assigned, active, blocked, done, failed."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task ID")),
			mcp.WithString("status", mcp.Required(), mcp.Description("The new status")),
		),
		s.wrapHandler("update_task_status", s.updateTaskStatusHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("report_status",
			mcp.WithDescription("Report what you are currently doing. Valid statuses: working, idle, blocked."),
			mcp.WithString("status", mcp.Required(), mcp.Description("Your current status")),
			mcp.WithString("detail", mcp.Description("Optional one-line description of the current step")),
		),
		s.wrapHandler("report_status", s.reportStatusHandler()),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("schedule_check",
			mcp.WithDescription("Ask the supervisor to check in on this session after a delay. Use this before starting a long-running step."),
			mcp.WithNumber("minutes", mcp.Required(), mcp.Description("Delay before the check-in fires, in minutes")),
			mcp.WithString("message", mcp.Required(), mcp.Description("The message to deliver at check-in time")),
		),
		s.wrapHandler("schedule_check", s.scheduleCheckHandler()),
	)

	s.logger.Info("registered MCP tools", zap.Int("count", 4))
}
