package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// ChangeHandler receives the freshly loaded config.
type ChangeHandler func(cfg Config)

// Watcher reloads the config file when it changes on disk. Bursts of
// writes collapse into one reload after the debounce window.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu       sync.Mutex
	handlers []ChangeHandler
	timer    *time.Timer
	stop     chan struct{}
	stopOnce sync.Once
	started  bool
	done     chan struct{}
}

func NewWatcher(path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		watcher:  w,
		debounce: 300 * time.Millisecond,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start watches the file's directory so editors that replace the file
// through rename keep triggering reloads.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(dirOf(w.path)); err != nil {
		return err
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.loop()
	logging.Infof("config.Watcher.Start path=%s", w.path)
	return nil
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		started := w.started
		w.mu.Unlock()
		if !started {
			close(w.done)
		}
	})
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !sameFile(ev.Name, w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, w.reload)
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warnf("config.Watcher.loop err=%v", err)
		}
	}
}

func (w *Watcher) reload() {
	select {
	case <-w.stop:
		return
	default:
	}
	cfg, err := Load(w.path)
	if err != nil {
		logging.Warnf("config.Watcher.reload path=%s err=%v", w.path, err)
		return
	}

	w.mu.Lock()
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
	logging.Infof("config.Watcher.reload path=%s handlers=%d", w.path, len(handlers))
}

// ApplyLogLevel is the handler the daemon installs by default.
func ApplyLogLevel(cfg Config) {
	if cfg.LogLevel == "" {
		return
	}
	if !logging.SetLevel(cfg.LogLevel) {
		logging.Warnf("config.ApplyLogLevel level=%q rejected", cfg.LogLevel)
	}
}

func dirOf(path string) string {
	return filepath.Dir(absPath(path))
}

func sameFile(a, b string) bool {
	return absPath(a) == absPath(b)
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
