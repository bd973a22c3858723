package agentlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ashureev/webpresence/internal/domain"
)

const watchDebounce = 100 * time.Millisecond

// LocalState is the agent's persisted copy of the toggle and preferences.
type LocalState struct {
	Enabled     bool               `yaml:"enabled"`
	Preferences domain.Preferences `yaml:"preferences"`
}

// DefaultLocalState is used before anything was saved.
func DefaultLocalState() LocalState {
	return LocalState{Enabled: true, Preferences: domain.DefaultPreferences()}
}

// StateFile stores LocalState as YAML.
type StateFile struct {
	path string
	mu   sync.Mutex
}

// NewStateFile returns a state file at path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path returns the file path.
func (f *StateFile) Path() string {
	return f.path
}

// Load reads the state. A missing file yields the defaults.
func (f *StateFile) Load() (LocalState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultLocalState(), nil
	}
	if err != nil {
		return LocalState{}, fmt.Errorf("failed to read file %s: %w", f.path, err)
	}

	s := DefaultLocalState()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return LocalState{}, fmt.Errorf("failed to parse YAML from %s: %w", f.path, err)
	}
	s.Preferences = s.Preferences.Normalize()
	return s, nil
}

// Save writes the state atomically (temp file, then rename).
func (f *StateFile) Save(s LocalState) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close file %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", f.path, err)
	}
	return nil
}

// Watch calls fn with the reloaded state whenever the file changes on disk,
// until ctx is cancelled. Bursts of events are debounced.
func (f *StateFile) Watch(ctx context.Context, logger *slog.Logger, fn func(LocalState)) error {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: atomic saves replace the file and drop a file watch.
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		target := filepath.Clean(f.path)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					s, err := f.Load()
					if err != nil {
						logger.Warn("Failed to reload agent state", "path", f.path, "error", err)
						return
					}
					fn(s)
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("State file watcher error", "error", err)
			}
		}
	}()
	return nil
}
