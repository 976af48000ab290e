package logger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		log, err := NewLogger(LoggingConfig{Level: level, Format: "json"})
		require.NoError(t, err, "level %s", level)
		require.NotNil(t, log)
	}
}

func TestNewLoggerUnknownLevelFallsBack(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "shouting", Format: "json"})
	require.NoError(t, err, "unknown levels degrade to info, not an error")
	require.NotNil(t, log)
}

func TestFileOutputWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crewd.log")
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Info("session ready", zap.String("session_name", "dev-1"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "session ready", entry["msg"])
	assert.Equal(t, "dev-1", entry["session_name"])
	assert.Equal(t, "info", entry["level"])
	assert.Contains(t, entry, "timestamp")
}

func TestWithFieldsAccumulate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crewd.log")
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: path})
	require.NoError(t, err)

	scoped := log.WithFields(zap.String("component", "scheduler")).WithSession("dev-1")
	scoped.Info("check fired")
	require.NoError(t, scoped.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, "dev-1", entry["session_name"])
}

func TestWithContextExtractsValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crewd.log")
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: path})
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), CorrelationIDKey, "corr-42")
	ctx = context.WithValue(ctx, SessionNameKey, "dev-2")

	log.WithContext(ctx).Info("hello")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "corr-42", entry["correlation_id"])
	assert.Equal(t, "dev-2", entry["session_name"])
}

func TestWithContextEmptyIsSameLogger(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	assert.Same(t, log, log.WithContext(context.Background()))
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crewd.log")
	log, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Debug("dropped")
	log.Info("dropped")
	log.Warn("kept")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "kept")
	assert.NotContains(t, string(data), "dropped")
}

func TestDetectLogFormat(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("CREWD_ENV", "")
	assert.Equal(t, "text", detectLogFormat())

	t.Setenv("CREWD_ENV", "production")
	assert.Equal(t, "json", detectLogFormat())

	t.Setenv("CREWD_ENV", "")
	t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
	assert.Equal(t, "json", detectLogFormat())
}
