package config

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on write/rename events, grounded on the
// teacher's internal/templates.Registry watch loop: one fsnotify.Watcher,
// a debounce timer coalescing bursts of editor-saves into a single reload,
// and a background goroutine fed by watcher.Events/watcher.Errors.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(*Config)
	logger   *log.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  func()
	wg      sync.WaitGroup
}

// DefaultWatchDebounce mirrors the teacher's 250ms fallback for editors that
// emit several events per save (write-then-rename, or two writes in a row).
const DefaultWatchDebounce = 250 * time.Millisecond

// NewWatcher returns a Watcher for the config file at path. onReload is
// called with the freshly-decoded Config after every debounced change;
// a reload that fails to parse logs the error and keeps the previous
// config in place rather than calling onReload with a broken value.
func NewWatcher(path string, debounce time.Duration, onReload func(*Config)) *Watcher {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	return &Watcher{path: path, debounce: debounce, onReload: onReload, logger: log.Default()}
}

// Start begins watching. It is idempotent: calling it twice without an
// intervening Stop is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	dir := watchDir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = fsw

	stopped := make(chan struct{})
	var stopOnce sync.Once
	w.cancel = func() { stopOnce.Do(func() { close(stopped) }) }
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(fsw, stopped)
	return nil
}

// Stop tears down the background goroutine and closes the underlying
// fsnotify.Watcher. Safe to call more than once or before Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fsw := w.watcher
	cancel := w.cancel
	w.watcher = nil
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if fsw != nil {
		_ = fsw.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, stopped <-chan struct{}) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}

	for {
		select {
		case <-stopped:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Printf("config reload failed, keeping previous config: %v", err)
		return
	}
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

func watchDir(path string) string {
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return filepath.Dir(path)
	}
	return path
}
