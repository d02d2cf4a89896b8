package poller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Files reads the JSON status files a daemon writes under its API directory.
// A watcher tracks which files changed since they were last read; without a
// watcher every file is always considered changed.
type Files struct {
	log     *slog.Logger
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	dirs    map[string]bool
	dirty   map[string]bool
	done    chan struct{}
	once    sync.Once
}

func NewFiles(logger *slog.Logger) *Files {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Files{log: logger, dirs: map[string]bool{}, dirty: map[string]bool{}, done: make(chan struct{})}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("status file watcher unavailable, reading every tick", "error", err)
		return f
	}
	f.watcher = w
	go f.loop()
	return f
}

// Watch starts tracking path. Its directory must exist for change tracking to
// work; otherwise the file is always reported as changed.
func (f *Files) Watch(path string) {
	path = filepath.Clean(path)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty[path] = true
	if f.watcher == nil {
		return
	}
	dir := filepath.Dir(path)
	if f.dirs[dir] {
		return
	}
	if err := f.watcher.Add(dir); err != nil {
		f.log.Warn("cannot watch status directory", "dir", dir, "error", err)
		return
	}
	f.dirs[dir] = true
}

// Changed reports whether path was written since it was last read.
func (f *Files) Changed(path string) bool {
	path = filepath.Clean(path)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher == nil || !f.dirs[filepath.Dir(path)] {
		return true
	}
	return f.dirty[path]
}

// ReadJSON decodes path into out. A missing file yields ErrMissing and a
// malformed one a *DecodeError; out is left untouched in both cases.
func (f *Files) ReadJSON(path string, out any) error {
	path = filepath.Clean(path)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrMissing)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return &DecodeError{Source: path, Err: err}
	}
	f.mu.Lock()
	f.dirty[path] = false
	f.mu.Unlock()
	return nil
}

// Reset replaces path with content, creating its directory if needed.
func (f *Files) Reset(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	_ = os.Remove(path)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (f *Files) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		if f.watcher != nil {
			err = f.watcher.Close()
		}
	})
	return err
}

func (f *Files) loop() {
	for {
		select {
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				name := filepath.Clean(ev.Name)
				f.mu.Lock()
				if _, tracked := f.dirty[name]; tracked {
					f.dirty[name] = true
				}
				f.mu.Unlock()
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("status file watcher error", "error", err)
		case <-f.done:
			return
		}
	}
}
