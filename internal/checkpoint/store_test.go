package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events/bus"
)

func testStore(t *testing.T, stateDir string) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	if stateDir == "" {
		stateDir = t.TempDir()
	}
	cfg := config.CheckpointConfig{
		StateDir:          stateDir,
		Namespace:         "orchestrator",
		BackupRetention:   3,
		IntervalS:         0,
		ResumeConvWindowS: 3600,
		MaxRecentMessages: 5,
	}
	store := NewStore(cfg, bus.NewMemoryEventBus(log), log)
	t.Cleanup(store.Stop)
	return store
}

func TestInitializeFreshState(t *testing.T) {
	store := testStore(t, "")

	prev, err := store.Initialize()
	require.NoError(t, err)
	assert.Nil(t, prev, "no previous state on first boot")

	cur := store.Current()
	assert.Equal(t, stateSchemaVersion, cur.Version)
	assert.Equal(t, os.Getpid(), cur.Metadata.PID)
	assert.Zero(t, cur.Metadata.RestartCount)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := testStore(t, dir)
	_, err := store.Initialize()
	require.NoError(t, err)

	store.UpdateTask(TaskState{ID: "t1", Title: "refactor", Status: TaskInProgress, Progress: 50})
	store.UpdateConversation("c1", "chat", Message{Sender: "user", Content: "hello", SentAt: time.Now()})
	store.UpdateAgent(AgentState{Name: "dev-1", Role: "developer", Status: "active"})
	store.UpdateProject(ProjectState{ID: "p1", Name: "crewd", Path: "/tmp/p1"})
	store.FlushSaves()
	require.NoError(t, store.Save("test"))

	saved := store.Current()

	// A second store over the same directory sees the identical state.
	reopened := testStore(t, dir)
	prev, err := reopened.Initialize()
	require.NoError(t, err)
	require.NotNil(t, prev)

	savedJSON, err := json.Marshal(saved.Tasks)
	require.NoError(t, err)
	prevJSON, err := json.Marshal(prev.Tasks)
	require.NoError(t, err)
	assert.JSONEq(t, string(savedJSON), string(prevJSON))
	assert.Len(t, prev.Conversations, 1)
	assert.Len(t, prev.Agents, 1)
	assert.Len(t, prev.Projects, 1)
	assert.Equal(t, "test", prev.CheckpointReason)
	assert.Equal(t, 1, reopened.Current().Metadata.RestartCount)
}

func TestConversationMessageCap(t *testing.T) {
	store := testStore(t, "")
	_, err := store.Initialize()
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		store.UpdateConversation("c1", "chat", Message{
			Sender:  "user",
			Content: fmt.Sprintf("msg-%d", i),
			SentAt:  time.Now(),
		})
	}
	store.FlushSaves()

	cur := store.Current()
	require.Len(t, cur.Conversations, 1)
	msgs := cur.Conversations[0].RecentMessages
	require.Len(t, msgs, 5, "messages beyond the cap drop oldest-first")
	assert.Equal(t, "msg-7", msgs[0].Content)
	assert.Equal(t, "msg-11", msgs[4].Content)
}

func TestCorruptStateFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	store := testStore(t, dir)
	_, err := store.Initialize()
	require.NoError(t, err)

	store.UpdateTask(TaskState{ID: "t1", Status: TaskInProgress})
	store.FlushSaves()
	_, err = store.CreateBackup("known-good")
	require.NoError(t, err)

	statePath := filepath.Join(dir, "orchestrator", "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{not json"), 0o644))

	reopened := testStore(t, dir)
	prev, err := reopened.Initialize()
	require.NoError(t, err)
	require.NotNil(t, prev, "must recover from the backup")
	require.Len(t, prev.Tasks, 1)
	assert.Equal(t, "t1", prev.Tasks[0].ID)
}

func TestAllCorruptMeansNoPreviousState(t *testing.T) {
	dir := t.TempDir()
	nsDir := filepath.Join(dir, "orchestrator")
	require.NoError(t, os.MkdirAll(filepath.Join(nsDir, "backups"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nsDir, "state.json"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(nsDir, "backups", "000001-bad.json"), []byte("junk"), 0o644))

	store := testStore(t, dir)
	prev, err := store.Initialize()
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestSchemaVersionMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	nsDir := filepath.Join(dir, "orchestrator")
	require.NoError(t, os.MkdirAll(nsDir, 0o755))
	wrong := `{"id":"x","version":99,"metadata":{}}`
	require.NoError(t, os.WriteFile(filepath.Join(nsDir, "state.json"), []byte(wrong), 0o644))

	store := testStore(t, dir)
	prev, err := store.Initialize()
	require.NoError(t, err)
	assert.Nil(t, prev, "version mismatch must not load implicitly")
}

func TestBackupRetentionPrunes(t *testing.T) {
	store := testStore(t, "")
	_, err := store.Initialize()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.CreateBackup(fmt.Sprintf("snap-%d", i))
		require.NoError(t, err)
	}

	backups, err := store.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 3, "retention caps the backup count")
	assert.Equal(t, "snap-2", backups[0].Tag)
	assert.Equal(t, "snap-4", backups[2].Tag)
}

func TestRestoreFromBackupRoundTrip(t *testing.T) {
	store := testStore(t, "")
	_, err := store.Initialize()
	require.NoError(t, err)

	store.UpdateTask(TaskState{ID: "t1", Status: TaskInProgress})
	store.FlushSaves()
	id, err := store.CreateBackup("pre-change")
	require.NoError(t, err)

	store.UpdateTask(TaskState{ID: "t1", Status: "done"})
	store.RemoveTask("t1")
	store.UpdateTask(TaskState{ID: "t2", Status: TaskPaused})
	store.FlushSaves()

	require.NoError(t, store.RestoreFromBackup(id))

	cur := store.Current()
	require.Len(t, cur.Tasks, 1)
	assert.Equal(t, "t1", cur.Tasks[0].ID)
	assert.Equal(t, TaskInProgress, cur.Tasks[0].Status)
}

func TestRestoreFromUnknownBackup(t *testing.T) {
	store := testStore(t, "")
	_, err := store.Initialize()
	require.NoError(t, err)

	err = store.RestoreFromBackup("000099-ghost")
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestGenerateResumeInstructions(t *testing.T) {
	store := testStore(t, "")

	prev := &State{
		Version: stateSchemaVersion,
		Tasks: []TaskState{
			{ID: "t1", Title: "refactor", Status: TaskInProgress},
			{ID: "t2", Title: "shipped", Status: "done"},
			{ID: "t3", Title: "waiting", Status: TaskPaused},
		},
		Conversations: []ConversationSnapshot{
			{ID: "c1", Source: "chat", LastActivityAt: time.Now().Add(-10 * time.Minute)},
			{ID: "c2", Source: "slack", LastActivityAt: time.Now().Add(-2 * time.Hour)},
		},
		SelfImprovement: &SelfImprovement{Description: "tune prompts", Phase: "evaluate"},
	}

	ri := store.GenerateResumeInstructions(prev)

	require.Len(t, ri.TasksToResume, 2)
	assert.Equal(t, "t1", ri.TasksToResume[0].ID)
	assert.Equal(t, "t3", ri.TasksToResume[1].ID)

	require.Len(t, ri.ConversationsToResume, 1)
	assert.Equal(t, "c1", ri.ConversationsToResume[0].ID)

	require.Len(t, ri.Notifications, 1)
	assert.Equal(t, "warning", ri.Notifications[0].Severity)
	assert.Contains(t, ri.Notifications[0].Message, "tune prompts")
}

func TestGenerateResumeInstructionsNilPrev(t *testing.T) {
	store := testStore(t, "")
	ri := store.GenerateResumeInstructions(nil)
	assert.Empty(t, ri.TasksToResume)
	assert.Empty(t, ri.ConversationsToResume)
	assert.Empty(t, ri.Notifications)
}

func TestPrepareForShutdownReason(t *testing.T) {
	dir := t.TempDir()
	store := testStore(t, dir)
	_, err := store.Initialize()
	require.NoError(t, err)

	require.NoError(t, store.PrepareForShutdown())

	reopened := testStore(t, dir)
	prev, err := reopened.Initialize()
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, ReasonBeforeRestart, prev.CheckpointReason)
}

func TestCoalescedSavesConverge(t *testing.T) {
	store := testStore(t, "")
	_, err := store.Initialize()
	require.NoError(t, err)

	// Burst of mutations; the dirty bit must schedule a final save
	// that includes the last one.
	for i := 0; i < 50; i++ {
		store.UpdateTask(TaskState{ID: "t1", Status: TaskInProgress, Progress: i})
	}
	store.FlushSaves()

	loaded, err := readStateJSON(store.statePath())
	require.NoError(t, err)
	require.Len(t, loaded.Tasks, 1)
	assert.Equal(t, 49, loaded.Tasks[0].Progress)
}

func TestSelfImprovementLifecycle(t *testing.T) {
	store := testStore(t, "")
	_, err := store.Initialize()
	require.NoError(t, err)

	store.UpdateSelfImprovement(SelfImprovement{Description: "d", Phase: "plan"})
	store.FlushSaves()
	assert.NotNil(t, store.Current().SelfImprovement)

	store.ClearSelfImprovement()
	store.FlushSaves()
	assert.Nil(t, store.Current().SelfImprovement)
}

func TestRemoveMutators(t *testing.T) {
	store := testStore(t, "")
	_, err := store.Initialize()
	require.NoError(t, err)

	store.UpdateConversation("c1", "chat", Message{Content: "x"})
	store.UpdateAgent(AgentState{Name: "dev-1"})
	store.UpdateProject(ProjectState{ID: "p1"})
	store.FlushSaves()

	store.RemoveConversation("c1")
	store.RemoveAgent("dev-1")
	store.RemoveProject("p1")
	store.FlushSaves()

	cur := store.Current()
	assert.Empty(t, cur.Conversations)
	assert.Empty(t, cur.Agents)
	assert.Empty(t, cur.Projects)
}
