package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncHandlerWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	h := NewAsyncHandler(Options{Dir: dir, Console: &console})
	log := slog.New(h).With("conn", "c-1").WithGroup("task")

	log.Debug("hidden")
	log.Info("session started", "session_id", "s-1")
	require.NoError(t, h.Close())

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format(dayLayout)+".log"))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "session started")
	assert.Contains(t, text, "conn=c-1")
	assert.Contains(t, text, "task.session_id=s-1")
	assert.NotContains(t, text, "hidden")
	assert.Equal(t, text, console.String())
}

func TestAsyncHandlerEnabled(t *testing.T) {
	h := NewAsyncHandler(Options{Dir: t.TempDir(), Console: &bytes.Buffer{}})
	defer h.Close()

	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), LevelFatal))

	debug := NewAsyncHandler(Options{Dir: t.TempDir(), Debug: true, Console: &bytes.Buffer{}})
	defer debug.Close()
	assert.True(t, debug.Enabled(context.Background(), slog.LevelDebug))
}

func TestAsyncHandlerCloseIsIdempotent(t *testing.T) {
	h := NewAsyncHandler(Options{Dir: t.TempDir(), Console: &bytes.Buffer{}})
	cb := &ShutdownCallback{handler: h}
	require.NoError(t, cb.Invoke(context.Background()))
	assert.NotPanics(t, func() { _ = h.Close() })
}

func TestPruneHonoursRetention(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "2000-01-01.log")
	recent := filepath.Join(dir, "2000-01-02.log")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(recent, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(old, time.Now().Add(-10*24*time.Hour), time.Now().Add(-10*24*time.Hour)))
	require.NoError(t, os.Chtimes(recent, time.Now().Add(-2*24*time.Hour), time.Now().Add(-2*24*time.Hour)))

	h := NewAsyncHandler(Options{Dir: dir, RetentionDays: 7, Console: &bytes.Buffer{}})
	require.NoError(t, h.Close())

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(recent)
	assert.NoError(t, err)
}
