package runtime

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/crewd/crewd/internal/session/command"
)

// probePaneDelta types probe into the session, waits for the pane to
// settle, and reports whether the visible screen changed. The typed
// input is cleared afterwards regardless of the outcome.
func probePaneDelta(ctx context.Context, cmds *command.Helper, sessionName, probe string, settle time.Duration) (bool, error) {
	before, err := cmds.CapturePane(sessionName, 0)
	if err != nil {
		return false, err
	}
	if err := cmds.SendKey(sessionName, probe); err != nil {
		return false, err
	}

	select {
	case <-ctx.Done():
		_ = cmds.ClearCommandLine(sessionName)
		return false, ctx.Err()
	case <-time.After(settle):
	}

	after, err := cmds.CapturePane(sessionName, 0)
	clearErr := cmds.ClearCommandLine(sessionName)
	if err != nil {
		return false, err
	}
	if clearErr != nil {
		return false, clearErr
	}
	return before != after, nil
}

// newestFileStem walks root recursively and returns the extension-less
// base name of the most recently modified file matching ext.
// Missing directories and unreadable entries yield an empty id.
func newestFileStem(root, ext string) string {
	var newest string
	var newestMod time.Time

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ext) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newestMod) {
			newestMod = info.ModTime()
			newest = d.Name()
		}
		return nil
	})

	return strings.TrimSuffix(newest, ext)
}

// encodeProjectPath flattens an absolute project path into the single
// directory-name form agent CLIs use for per-project storage.
func encodeProjectPath(cwd string) string {
	replacer := strings.NewReplacer("/", "-", ".", "-", "_", "-")
	return replacer.Replace(cwd)
}
