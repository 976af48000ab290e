package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
)

const eventSource = "mcp-server"

// taskEntry is the on-disk shape of one task in tasks.json, shared
// with the daemon's task registry.
type taskEntry struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	AssignedMemberID string `json:"assigned_member_id"`
	Status           string `json:"status"`
	TaskFilePath     string `json:"task_file_path,omitempty"`
}

var validTaskStatuses = map[string]bool{
	"open":     true,
	"assigned": true,
	"active":   true,
	"blocked":  true,
	"done":     true,
	"failed":   true,
}

var validActivityStatuses = map[string]bool{
	"working": true,
	"idle":    true,
	"blocked": true,
}

func (s *Server) listMyTasksHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries, err := s.readTasks()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		mine := []taskEntry{}
		for _, e := range entries {
			if e.AssignedMemberID == s.cfg.SessionName {
				mine = append(mine, e)
			}
		}

		data, _ := json.MarshalIndent(mine, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	}
}

func (s *Server) updateTaskStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError("task_id is required"), nil
		}
		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError("status is required"), nil
		}
		if !validTaskStatuses[status] {
			return mcp.NewToolResultError(fmt.Sprintf("invalid status %q", status)), nil
		}

		entries, err := s.readTasks()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		idx := -1
		for i, e := range entries {
			if e.ID == taskID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return mcp.NewToolResultError(fmt.Sprintf("unknown task %q", taskID)), nil
		}

		entries[idx].Status = status
		if err := s.writeTasks(entries); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		s.publish(ctx, events.TaskStatusChanged, map[string]interface{}{
			"task_id":    taskID,
			"status":     status,
			"changed_by": s.cfg.SessionName,
		})

		data, _ := json.MarshalIndent(entries[idx], "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	}
}

func (s *Server) reportStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError("status is required"), nil
		}
		if !validActivityStatuses[status] {
			return mcp.NewToolResultError(fmt.Sprintf("invalid status %q", status)), nil
		}
		detail := req.GetString("detail", "")

		s.publish(ctx, events.SessionActivity, map[string]interface{}{
			"name":   s.cfg.SessionName,
			"status": status,
			"detail": detail,
		})

		return mcp.NewToolResultText(fmt.Sprintf("Recorded status: %s", status)), nil
	}
}

func (s *Server) scheduleCheckHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError("message is required"), nil
		}
		// JSON numbers arrive as float64.
		minutesRaw, ok := req.GetArguments()["minutes"].(float64)
		if !ok || minutesRaw < 1 {
			return mcp.NewToolResultError("minutes must be a number >= 1"), nil
		}
		minutes := int(minutesRaw)

		s.publish(ctx, events.CheckRequested, map[string]interface{}{
			"target":  s.cfg.SessionName,
			"message": message,
			"minutes": minutes,
		})

		return mcp.NewToolResultText(fmt.Sprintf("Check-in scheduled in %d minutes", minutes)), nil
	}
}

// readTasks loads tasks.json. A missing file means no tasks.
func (s *Server) readTasks() ([]taskEntry, error) {
	data, err := os.ReadFile(s.cfg.TasksPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	var entries []taskEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse tasks file: %w", err)
	}
	return entries, nil
}

func (s *Server) writeTasks(entries []taskEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.cfg.TasksPath + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write tasks file: %w", err)
	}
	if err := os.Rename(tmp, s.cfg.TasksPath); err != nil {
		return fmt.Errorf("rename tasks file: %w", err)
	}
	return nil
}

// publish is best effort; the daemon only sees these events when both
// processes share a NATS broker, so failures degrade to a log line.
func (s *Server) publish(ctx context.Context, subject string, data map[string]interface{}) {
	event := bus.NewEvent(subject, eventSource, data)
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
