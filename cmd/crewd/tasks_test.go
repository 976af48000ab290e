package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/session/supervisor"
)

func TestFileTaskRegistry(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "t1", "title": "build", "assigned_member_id": "m1", "status": "active"},
		{"id": "t2", "title": "review", "assigned_member_id": "m2", "status": "assigned"},
		{"id": "t3", "title": "done", "assigned_member_id": "m1", "status": "done"}
	]`), 0o644))

	reg := newFileTaskRegistry(path, log)

	tasks, err := reg.TasksForMember(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t1", tasks[0].ID)
	assert.Equal(t, supervisor.TaskActive, tasks[0].Status)
	assert.Equal(t, "t3", tasks[1].ID)

	tasks, err = reg.TasksForMember(context.Background(), "m3")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestFileTaskRegistryMissingFile(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	reg := newFileTaskRegistry(filepath.Join(t.TempDir(), "absent.json"), log)
	tasks, err := reg.TasksForMember(context.Background(), "m1")
	require.NoError(t, err)
	assert.Nil(t, tasks)
}

func TestFileTaskRegistryMalformed(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	reg := newFileTaskRegistry(path, log)
	_, err = reg.TasksForMember(context.Background(), "m1")
	assert.Error(t, err)
}
