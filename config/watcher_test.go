package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastWatcher(t *testing.T, path string) *FileWatcher {
	t.Helper()
	w, err := NewFileWatcher(path, WithPollInterval(10*time.Millisecond), WithDebounceDelay(30*time.Millisecond))
	require.NoError(t, err)
	return w
}

type eventLog struct {
	mu     sync.Mutex
	events []FileEvent
}

func (l *eventLog) add(e FileEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []FileEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]FileEvent(nil), l.events...)
}

func TestNewFileWatcher_RequiresPath(t *testing.T) {
	_, err := NewFileWatcher("")
	assert.Error(t, err)
}

func TestFileWatcher_DetectsCreateWriteRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	w := fastWatcher(t, path)

	var log eventLog
	w.OnChange(log.add)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o600))
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, FileOpCreate, log.snapshot()[0].Op)

	require.NoError(t, os.WriteFile(path, []byte("a: 22\n"), 0o600))
	require.Eventually(t, func() bool { return len(log.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, FileOpWrite, log.snapshot()[1].Op)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return len(log.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, FileOpRemove, log.snapshot()[2].Op)
}

func TestFileWatcher_DebounceCoalesces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	w, err := NewFileWatcher(path, WithPollInterval(5*time.Millisecond), WithDebounceDelay(200*time.Millisecond))
	require.NoError(t, err)
	var log eventLog
	w.OnChange(log.add)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(string(make([]byte, i+2))), 0o600))
		time.Sleep(15 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(log.snapshot()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, log.snapshot(), 1)
}

func TestFileWatcher_Lifecycle(t *testing.T) {
	w := fastWatcher(t, filepath.Join(t.TempDir(), "c.yaml"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx))
	w.Stop()
	w.Stop()

	// 停止后可以重新启动
	require.NoError(t, w.Start(ctx))
	cancel()
	w.Stop()
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "UNKNOWN", FileOp(42).String())
}
