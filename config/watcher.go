// 配置文件变更监听器。
//
// 轮询文件的修改时间与大小，防抖后触发回调；回调在监听 goroutine 中串行执行。
package config

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileOp represents file operation types
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
)

func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent represents a file change event
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay 合并短时间内的多次写入
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.debounce = d }
}

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.interval = d }
}

func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) { w.logger = logger }
}

type fileStamp struct {
	exists  bool
	modTime time.Time
	size    int64
}

func statFile(path string) fileStamp {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{exists: true, modTime: info.ModTime(), size: info.Size()}
}

// FileWatcher 监听单个配置文件
type FileWatcher struct {
	path     string
	interval time.Duration
	debounce time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	callback func(FileEvent)
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewFileWatcher creates a watcher for path; the file may not exist yet.
func NewFileWatcher(path string, opts ...WatcherOption) (*FileWatcher, error) {
	if path == "" {
		return nil, errors.New("watch path is required")
	}
	w := &FileWatcher{
		path:     path,
		interval: time.Second,
		debounce: 200 * time.Millisecond,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))
	return w, nil
}

// OnChange 设置回调，需在 Start 之前调用
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callback = callback
}

// Start begins watching until ctx is cancelled or Stop is called.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("watcher already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})

	w.wg.Add(1)
	go w.loop(ctx, w.stopCh, w.callback, statFile(w.path))

	w.logger.Info("config watcher started",
		zap.String("path", w.path),
		zap.Duration("interval", w.interval))
	return nil
}

// Stop 等待监听 goroutine 退出
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *FileWatcher) loop(ctx context.Context, stopCh <-chan struct{}, callback func(FileEvent), last fileStamp) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var (
		pending  *FileEvent
		debounce <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			cur := statFile(w.path)
			if cur == last {
				continue
			}
			op := FileOpWrite
			switch {
			case !cur.exists:
				op = FileOpRemove
			case !last.exists:
				op = FileOpCreate
			}
			last = cur
			pending = &FileEvent{Path: w.path, Op: op, Timestamp: time.Now()}
			debounce = time.After(w.debounce)
		case <-debounce:
			debounce = nil
			if pending == nil || callback == nil {
				continue
			}
			w.logger.Debug("config file changed", zap.String("op", pending.Op.String()))
			callback(*pending)
			pending = nil
		}
	}
}
