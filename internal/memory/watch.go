package memory

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/stellarlinkco/memclaw/internal/logger"
)

const defaultWatchDebounce = 500 * time.Millisecond

// Watcher reindexes after manual edits to the memory directory. Bursts of
// events collapse into one callback after the debounce window.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func()
	log      *log.Logger

	fs     *fsnotify.Watcher
	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatcher(dir string, debounce time.Duration, onChange func(), l *log.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		onChange: onChange,
		log:      logger.Component(l, "watcher"),
		fs:       fsw,
	}, nil
}

func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go w.loop(ctx, done)
	w.log.Debug("watching memory dir", "dir", w.dir)
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isMemoryFile(filepath.Base(event.Name)) {
				continue
			}
			w.schedule()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "err", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onChange)
}

// Close stops watching and drops any pending callback.
func (w *Watcher) Close() error {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.fs.Close()
}

func isMemoryFile(name string) bool {
	return name == DocumentName || dailyFilePattern.MatchString(name)
}
