// Package checkpoint persists complete snapshots of the orchestrator's
// in-memory state under <stateDir>/<namespace>/state.json, with pruned
// backups alongside. Corrupt current state falls back to the newest
// readable backup.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
)

var (
	// ErrStateCorrupt indicates state.json and every backup failed to load.
	ErrStateCorrupt = errors.New("checkpoint state corrupt")
	// ErrBackupNotFound indicates an unknown backup id.
	ErrBackupNotFound = errors.New("backup not found")
	// ErrPersistWrite indicates an atomic write failed.
	ErrPersistWrite = errors.New("checkpoint write failed")
)

// ReasonBeforeRestart marks the shutdown save.
const ReasonBeforeRestart = "before_restart"

// ReasonPeriodic marks timer-driven saves.
const ReasonPeriodic = "periodic"

// BackupInfo describes one retained backup snapshot.
type BackupInfo struct {
	ID        string
	Tag       string
	CreatedAt time.Time
}

// Store owns the in-memory state and its durable snapshots. The
// in-memory state is authoritative; write failures are logged and the
// next save retries.
type Store struct {
	cfg    config.CheckpointConfig
	bus    bus.EventBus
	logger *logger.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	startedAt time.Time
	saving    bool
	dirty     bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore creates a checkpoint store for the configured namespace.
func NewStore(cfg config.CheckpointConfig, eventBus bus.EventBus, log *logger.Logger) *Store {
	return &Store{
		cfg:    cfg,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "checkpoint_store"), zap.String("namespace", cfg.Namespace)),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

func (s *Store) dir() string {
	return filepath.Join(s.cfg.StateDir, s.cfg.Namespace)
}

func (s *Store) statePath() string {
	return filepath.Join(s.dir(), "state.json")
}

func (s *Store) backupsDir() string {
	return filepath.Join(s.dir(), "backups")
}

// Initialize loads the previous state, falling back to backups when
// state.json is corrupt, and seeds fresh in-memory state whose restart
// count continues from the previous run. A nil previous state means
// there is nothing to resume.
func (s *Store) Initialize() (*State, error) {
	prev, err := s.loadPrevious()
	if err != nil && !errors.Is(err, ErrStateCorrupt) {
		return nil, err
	}

	hostname, _ := os.Hostname()
	started := s.now()

	s.mu.Lock()
	s.startedAt = started
	s.state = State{
		ID:      uuid.New().String(),
		Version: stateSchemaVersion,
		Metadata: Metadata{
			Hostname:  hostname,
			PID:       os.Getpid(),
			StartedAt: started,
		},
	}
	if prev != nil {
		s.state.Metadata.RestartCount = prev.Metadata.RestartCount + 1
	}
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info("previous state loaded",
			zap.String("checkpoint_id", prev.ID),
			zap.Time("checkpointed_at", prev.CheckpointedAt),
			zap.Int("restart_count", prev.Metadata.RestartCount),
		)
	} else {
		s.logger.Info("no previous state")
	}
	return prev, nil
}

// loadPrevious reads state.json, then newest-first backups on corruption.
func (s *Store) loadPrevious() (*State, error) {
	state, err := readStateJSON(s.statePath())
	if err == nil {
		return state, nil
	}
	if os.IsNotExist(err) {
		return nil, nil
	}
	s.logger.Warn("state.json unreadable, trying backups", zap.Error(err))

	backups, listErr := s.ListBackups()
	if listErr != nil {
		return nil, ErrStateCorrupt
	}
	for i := len(backups) - 1; i >= 0; i-- {
		state, err := readStateJSON(s.backupPath(backups[i].ID))
		if err == nil {
			s.logger.Info("recovered from backup", zap.String("backup_id", backups[i].ID))
			return state, nil
		}
		s.logger.Warn("backup unreadable",
			zap.String("backup_id", backups[i].ID),
			zap.Error(err),
		)
	}
	return nil, ErrStateCorrupt
}

// Save writes the current state snapshot synchronously.
func (s *Store) Save(reason string) error {
	s.mu.Lock()
	s.state.CheckpointedAt = s.now()
	s.state.CheckpointReason = reason
	s.state.Metadata.UptimeSec = int64(s.now().Sub(s.startedAt) / time.Second)
	snapshot := s.state.clone()
	s.mu.Unlock()

	if err := writeStateJSON(s.statePath(), snapshot); err != nil {
		return err
	}

	event := bus.NewEvent("checkpoint_saved", "checkpoint_store", map[string]interface{}{
		"checkpoint_id": snapshot.ID,
		"reason":        reason,
	})
	if err := s.bus.Publish(context.Background(), events.CheckpointSaved, event); err != nil {
		s.logger.Debug("failed to publish checkpoint event", zap.Error(err))
	}

	s.logger.Debug("state saved", zap.String("reason", reason))
	return nil
}

// PrepareForShutdown saves with the before_restart reason so the next
// boot generates resume instructions from it.
func (s *Store) PrepareForShutdown() error {
	return s.Save(ReasonBeforeRestart)
}

// CreateBackup snapshots the current state into backups/ under a
// monotonic id and prunes old backups to the configured retention.
func (s *Store) CreateBackup(tag string) (string, error) {
	backups, err := s.ListBackups()
	if err != nil {
		return "", err
	}
	nextSeq := 1
	if len(backups) > 0 {
		last := backups[len(backups)-1]
		if seq, _, ok := splitBackupID(last.ID); ok {
			nextSeq = seq + 1
		}
	}
	id := fmt.Sprintf("%06d-%s", nextSeq, sanitizeTag(tag))

	s.mu.Lock()
	s.state.CheckpointedAt = s.now()
	snapshot := s.state.clone()
	s.mu.Unlock()

	if err := writeStateJSON(s.backupPath(id), snapshot); err != nil {
		return "", err
	}
	s.pruneBackups()

	s.logger.Info("backup created", zap.String("backup_id", id))
	return id, nil
}

// RestoreFromBackup replaces the in-memory state with the backup's
// contents and persists it as current.
func (s *Store) RestoreFromBackup(id string) error {
	state, err := readStateJSON(s.backupPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrBackupNotFound, id)
		}
		return err
	}

	s.mu.Lock()
	restored := state.clone()
	restored.Metadata.StartedAt = s.state.Metadata.StartedAt
	restored.Metadata.PID = s.state.Metadata.PID
	restored.Metadata.Hostname = s.state.Metadata.Hostname
	s.state = restored
	s.mu.Unlock()

	s.logger.Info("state restored from backup", zap.String("backup_id", id))
	return s.Save("restore_" + id)
}

// ListBackups returns the retained backups ordered oldest first.
func (s *Store) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.backupsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		_, tag, ok := splitBackupID(id)
		if !ok {
			continue
		}
		info := BackupInfo{ID: id, Tag: tag}
		if fi, err := entry.Info(); err == nil {
			info.CreatedAt = fi.ModTime()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Current returns a copy of the in-memory state.
func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// UpdateConversation appends a message to the conversation, creating
// it if needed, and drops messages beyond the configured cap.
func (s *Store) UpdateConversation(id, source string, msg Message) {
	s.mu.Lock()
	conv := s.findConversationLocked(id)
	if conv == nil {
		s.state.Conversations = append(s.state.Conversations, ConversationSnapshot{ID: id, Source: source})
		conv = &s.state.Conversations[len(s.state.Conversations)-1]
	}
	conv.Source = source
	conv.RecentMessages = append(conv.RecentMessages, msg)
	if max := s.cfg.MaxRecentMessages; max > 0 && len(conv.RecentMessages) > max {
		conv.RecentMessages = append([]Message(nil), conv.RecentMessages[len(conv.RecentMessages)-max:]...)
	}
	conv.LastActivityAt = s.now()
	s.mu.Unlock()

	s.requestSave()
}

// RemoveConversation drops the conversation snapshot.
func (s *Store) RemoveConversation(id string) {
	s.mu.Lock()
	for i, c := range s.state.Conversations {
		if c.ID == id {
			s.state.Conversations = append(s.state.Conversations[:i], s.state.Conversations[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.requestSave()
}

// UpdateTask upserts the task by id.
func (s *Store) UpdateTask(task TaskState) {
	task.UpdatedAt = s.now()
	s.mu.Lock()
	replaced := false
	for i, t := range s.state.Tasks {
		if t.ID == task.ID {
			s.state.Tasks[i] = task
			replaced = true
			break
		}
	}
	if !replaced {
		s.state.Tasks = append(s.state.Tasks, task)
	}
	s.mu.Unlock()
	s.requestSave()
}

// RemoveTask drops the task by id.
func (s *Store) RemoveTask(id string) {
	s.mu.Lock()
	for i, t := range s.state.Tasks {
		if t.ID == id {
			s.state.Tasks = append(s.state.Tasks[:i], s.state.Tasks[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.requestSave()
}

// UpdateAgent upserts the agent by name.
func (s *Store) UpdateAgent(agent AgentState) {
	agent.UpdatedAt = s.now()
	s.mu.Lock()
	replaced := false
	for i, a := range s.state.Agents {
		if a.Name == agent.Name {
			s.state.Agents[i] = agent
			replaced = true
			break
		}
	}
	if !replaced {
		s.state.Agents = append(s.state.Agents, agent)
	}
	s.mu.Unlock()
	s.requestSave()
}

// RemoveAgent drops the agent by name.
func (s *Store) RemoveAgent(name string) {
	s.mu.Lock()
	for i, a := range s.state.Agents {
		if a.Name == name {
			s.state.Agents = append(s.state.Agents[:i], s.state.Agents[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.requestSave()
}

// UpdateProject upserts the project by id.
func (s *Store) UpdateProject(project ProjectState) {
	project.UpdatedAt = s.now()
	s.mu.Lock()
	replaced := false
	for i, p := range s.state.Projects {
		if p.ID == project.ID {
			s.state.Projects[i] = project
			replaced = true
			break
		}
	}
	if !replaced {
		s.state.Projects = append(s.state.Projects, project)
	}
	s.mu.Unlock()
	s.requestSave()
}

// RemoveProject drops the project by id.
func (s *Store) RemoveProject(id string) {
	s.mu.Lock()
	for i, p := range s.state.Projects {
		if p.ID == id {
			s.state.Projects = append(s.state.Projects[:i], s.state.Projects[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.requestSave()
}

// UpdateSelfImprovement records an improvement cycle in flight.
func (s *Store) UpdateSelfImprovement(si SelfImprovement) {
	s.mu.Lock()
	s.state.SelfImprovement = &si
	s.mu.Unlock()
	s.requestSave()
}

// ClearSelfImprovement marks the cycle finished.
func (s *Store) ClearSelfImprovement() {
	s.mu.Lock()
	s.state.SelfImprovement = nil
	s.mu.Unlock()
	s.requestSave()
}

// GenerateResumeInstructions derives the pick-up list from a previous
// state: unfinished tasks, recently active conversations, and a
// notification for an interrupted self-improvement cycle.
func (s *Store) GenerateResumeInstructions(prev *State) ResumeInstructions {
	out := ResumeInstructions{}
	if prev == nil {
		return out
	}

	for _, task := range prev.Tasks {
		if task.Status == TaskInProgress || task.Status == TaskPaused {
			out.TasksToResume = append(out.TasksToResume, task)
		}
	}

	cutoff := s.now().Add(-s.cfg.ResumeConversationWindow())
	for _, conv := range prev.Conversations {
		if conv.LastActivityAt.After(cutoff) {
			out.ConversationsToResume = append(out.ConversationsToResume, conv)
		}
	}

	if prev.SelfImprovement != nil {
		out.Notifications = append(out.Notifications, Notification{
			Severity: "warning",
			Message: fmt.Sprintf("self-improvement cycle %q was in phase %s when the process stopped",
				prev.SelfImprovement.Description, prev.SelfImprovement.Phase),
		})
	}
	return out
}

// StartPeriodic launches the periodic save timer.
func (s *Store) StartPeriodic() {
	if s.cfg.Interval() <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval())
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				if err := s.Save(ReasonPeriodic); err != nil {
					s.logger.Warn("periodic save failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the periodic timer.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// requestSave coalesces mutator-driven saves: at most one inflight; a
// request during a save sets the dirty bit for one follow-up.
func (s *Store) requestSave() {
	s.mu.Lock()
	if s.saving {
		s.dirty = true
		s.mu.Unlock()
		return
	}
	s.saving = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			if err := s.Save("mutation"); err != nil {
				s.logger.Warn("coalesced save failed", zap.Error(err))
			}

			s.mu.Lock()
			if !s.dirty {
				s.saving = false
				s.mu.Unlock()
				return
			}
			s.dirty = false
			s.mu.Unlock()
		}
	}()
}

// FlushSaves waits for any inflight coalesced save to finish. Used by
// tests and shutdown.
func (s *Store) FlushSaves() {
	for {
		s.mu.Lock()
		busy := s.saving
		s.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Store) backupPath(id string) string {
	return filepath.Join(s.backupsDir(), id+".json")
}

func (s *Store) pruneBackups() {
	backups, err := s.ListBackups()
	if err != nil || len(backups) <= s.cfg.BackupRetention {
		return
	}
	for _, b := range backups[:len(backups)-s.cfg.BackupRetention] {
		if err := os.Remove(s.backupPath(b.ID)); err != nil {
			s.logger.Warn("failed to prune backup", zap.String("backup_id", b.ID), zap.Error(err))
		}
	}
}

func (s *Store) findConversationLocked(id string) *ConversationSnapshot {
	for i := range s.state.Conversations {
		if s.state.Conversations[i].ID == id {
			return &s.state.Conversations[i]
		}
	}
	return nil
}

// writeStateJSON writes temp + fsync + rename so a partial write is
// never observable as current.
func writeStateJSON(path string, state State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistWrite, err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistWrite, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistWrite, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrPersistWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrPersistWrite, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrPersistWrite, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrPersistWrite, err)
	}
	return nil
}

func readStateJSON(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if state.Version != stateSchemaVersion {
		return nil, fmt.Errorf("state %s: schema version %d, want %d", path, state.Version, stateSchemaVersion)
	}
	return &state, nil
}

func splitBackupID(id string) (int, string, bool) {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	seq, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return seq, parts[1], true
}

func sanitizeTag(tag string) string {
	if tag == "" {
		return "snapshot"
	}
	var b strings.Builder
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
