package log

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSinkWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	sink.now = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }

	sink.Write("info", "GamePlay", "started")
	sink.Write("warn", "GamePlay", "slow tick")

	data, err := os.ReadFile(filepath.Join(dir, "2026-03-04.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[INFO] [GamePlay] started")
	assert.Contains(t, string(data), "[WARN] [GamePlay] slow tick")
}

func TestFileSinkCleanRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	sink.now = func() time.Time { return time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC) }

	for _, name := range []string{"2026-03-01.log", "2026-03-19.log", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	removed, err := sink.Clean(7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	files, err := sink.Files()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "2026-03-19", files[0].Date)
}

func TestNewFileSinkRequiresDir(t *testing.T) {
	_, err := NewFileSink("  ")
	require.Error(t, err)
}

func TestFileSinkWriteFailureIsLogged(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	sink.dir = filepath.Join(sink.dir, "missing", "nested")

	assert.NotPanics(t, func() { sink.Write("error", "GamePlay", "lost") })
	_, err = os.Stat(sink.dir)
	assert.True(t, os.IsNotExist(err))
}

func TestFileSinkFollow(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	sink.now = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }

	sink.Write("info", "GamePlay", "before follow")

	ctx, cancel := context.WithCancel(context.Background())
	entries := sink.Follow(ctx)
	require.Equal(t, 1, sink.Followers())

	sink.Write("warn", "Device", "offline")
	select {
	case e := <-entries:
		assert.Equal(t, "WARN", e.Level)
		assert.Equal(t, "Device", e.Module)
		assert.Equal(t, "offline", e.Message)
		assert.Equal(t, 2026, e.Timestamp.Year())
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}

	cancel()
	select {
	case _, ok := <-entries:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("follow channel not closed")
	}
	assert.Equal(t, 0, sink.Followers())
}

func TestFileSinkCloseFollowers(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	entries := sink.Follow(context.Background())
	sink.CloseFollowers()
	select {
	case _, ok := <-entries:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("follow channel not closed")
	}
	assert.Equal(t, 0, sink.Followers())
	assert.NotPanics(t, func() { sink.Write("info", "GamePlay", "after close") })
}
