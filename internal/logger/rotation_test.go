package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	t.Run("creates directory and file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "subdir", "activity.jsonl")

		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		info, err := os.Stat(filepath.Dir(logFile))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})
}

func TestRotatingWriterSizeRotation(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "worker.log")

	rw, err := NewRotatingWriter(logFile, 1, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	chunk := []byte(strings.Repeat("x", 600*1024))
	_, err = rw.Write(chunk)
	require.NoError(t, err)
	_, err = rw.Write(chunk)
	require.NoError(t, err)

	rotated, err := filepath.Glob(filepath.Join(dir, "worker.log.*"))
	require.NoError(t, err)
	assert.Len(t, rotated, 1)
}

func TestRotatingWriterMaybeRotate(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "activity.jsonl")

	rw, err := NewRotatingWriter(logFile, 0, 0, false)
	require.NoError(t, err)
	defer rw.Close()

	today := time.Now()
	require.NoError(t, rw.MaybeRotate(today))

	_, err = rw.Write([]byte("line one\n"))
	require.NoError(t, err)

	// same day: no rotation
	require.NoError(t, rw.MaybeRotate(today))
	rotated, _ := filepath.Glob(filepath.Join(dir, "activity.jsonl.*"))
	assert.Empty(t, rotated)

	tomorrow := today.AddDate(0, 0, 1)
	require.NoError(t, rw.MaybeRotate(tomorrow))

	rotated, _ = filepath.Glob(filepath.Join(dir, "activity.jsonl.*"))
	require.Len(t, rotated, 1)
	assert.True(t, strings.HasSuffix(rotated[0], dayOf(today)))

	_, err = rw.Write([]byte("line two\n"))
	require.NoError(t, err)
	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "line two\n", string(content))
}

func TestRotatingWriterSkipsEmptyRotation(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "activity.jsonl")

	rw, err := NewRotatingWriter(logFile, 0, 0, false)
	require.NoError(t, err)
	defer rw.Close()

	require.NoError(t, rw.MaybeRotate(time.Now().AddDate(0, 0, 2)))
	rotated, _ := filepath.Glob(filepath.Join(dir, "activity.jsonl.*"))
	assert.Empty(t, rotated)
}
