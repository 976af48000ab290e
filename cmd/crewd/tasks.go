package main

import (
	"context"
	"encoding/json"
	"os"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/session/supervisor"
)

// taskFileEntry is the on-disk shape of one task in tasks.json.
type taskFileEntry struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	AssignedMemberID string `json:"assigned_member_id"`
	Status           string `json:"status"`
	TaskFilePath     string `json:"task_file_path,omitempty"`
}

// fileTaskRegistry reads the task list from a JSON file on every
// lookup. Restart decisions are rare, so no caching; an external tool
// rewrites the file and the next exit sees it.
type fileTaskRegistry struct {
	path   string
	logger *logger.Logger
}

func newFileTaskRegistry(path string, log *logger.Logger) *fileTaskRegistry {
	return &fileTaskRegistry{
		path:   path,
		logger: log.WithFields(zap.String("component", "task_registry"), zap.String("path", path)),
	}
}

// TasksForMember returns the tasks assigned to memberID. A missing
// file means no tasks, not an error.
func (r *fileTaskRegistry) TasksForMember(_ context.Context, memberID string) ([]supervisor.Task, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []taskFileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		r.logger.Warn("tasks file unreadable", zap.Error(err))
		return nil, err
	}

	var out []supervisor.Task
	for _, e := range entries {
		if e.AssignedMemberID != memberID {
			continue
		}
		out = append(out, supervisor.Task{
			ID:               e.ID,
			Title:            e.Title,
			AssignedMemberID: e.AssignedMemberID,
			Status:           supervisor.TaskStatus(e.Status),
			TaskFilePath:     e.TaskFilePath,
		})
	}
	return out, nil
}
