package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrPersistWrite indicates the state file could not be written.
var ErrPersistWrite = errors.New("scheduler state write failed")

// writeStateFile persists the checks atomically: write to a temp file
// in the same directory, fsync, then rename over the current file. A
// partially written file is never observable as current.
func writeStateFile(path string, state stateFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistWrite, err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistWrite, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".scheduler-*.tmp")
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

// readStateFile loads the persisted checks. A missing file is an empty
// state, not an error.
func readStateFile(path string) (stateFile, error) {
	var state stateFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return stateFile{Version: stateVersion}, nil
		}
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("parse scheduler state %s: %w", path, err)
	}
	if state.Version != stateVersion {
		return state, fmt.Errorf("scheduler state %s: unsupported version %d", path, state.Version)
	}
	return state, nil
}
