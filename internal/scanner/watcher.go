package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/events"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/events/bus"
)

// Watcher publishes a transcript.changed event whenever the vendor CLI
// appends to a session file. Project directories appear as the CLI starts
// in new working directories, so the root is watched for new directories
// and each project directory for JSONL writes.
type Watcher struct {
	root    string
	bus     bus.EventBus
	logger  *logger.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher over the vendor transcript root.
func NewWatcher(root string, eventBus bus.EventBus, log *logger.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:    root,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "transcript_watcher")),
		watcher: fsw,
	}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.watcher.Add(w.root); err != nil {
		// The root may not exist until the CLI first runs.
		w.logger.Warn("Transcript root not watchable",
			zap.String("root", w.root),
			zap.Error(err))
	} else {
		w.addExistingProjectDirs()
	}

	w.logger.Info("Transcript watcher started", zap.String("root", w.root))
	defer w.logger.Info("Transcript watcher stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) addExistingProjectDirs() {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.addProjectDir(filepath.Join(w.root, entry.Name()))
		}
	}
}

func (w *Watcher) addProjectDir(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("Failed to watch project directory",
			zap.String("dir", dir),
			zap.Error(err))
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if filepath.Dir(event.Name) == w.root {
				w.addProjectDir(event.Name)
			}
			return
		}
	}

	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}

	sessionID := strings.TrimSuffix(filepath.Base(event.Name), ".jsonl")
	subject := events.BuildTranscriptChangedSubject(sessionID)
	evt := bus.NewEvent("transcript_changed", "transcript_watcher", map[string]interface{}{
		"session_id": sessionID,
		"path":       event.Name,
	})
	if err := w.bus.Publish(ctx, subject, evt); err != nil {
		w.logger.Warn("Failed to publish transcript change", zap.Error(err))
	}
}
