// Package watcher reloads model artifacts when their files change on disk.
// It is opt-in; without it the providers keep their load-once lifecycle.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/warden/pkg/detect"
)

// ArtifactWatcher maps artifact paths to provider handles and reloads a
// handle when its file is written or recreated.
type ArtifactWatcher struct {
	watcher *fsnotify.Watcher
	targets map[string]*detect.Handle
	logger  zerolog.Logger
}

// New creates a watcher over the given path-to-handle mapping. Paths with an
// empty string key are skipped.
func New(targets map[string]*detect.Handle, logger zerolog.Logger) (*ArtifactWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &ArtifactWatcher{
		watcher: fsw,
		targets: make(map[string]*detect.Handle),
		logger:  logger.With().Str("component", "artifact_watcher").Logger(),
	}

	dirs := make(map[string]bool)
	for path, handle := range targets {
		if path == "" || handle == nil {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("resolve artifact path %s: %w", path, err)
		}
		w.targets[abs] = handle
		dirs[filepath.Dir(abs)] = true
	}

	// Watch directories, not files: editors and trainers typically replace
	// artifacts by rename, which drops a file-level watch.
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch artifact directory %s: %w", dir, err)
		}
		w.logger.Info().Str("dir", dir).Msg("Watching artifact directory")
	}

	return w, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *ArtifactWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Artifact watcher stopping")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Artifact watcher error")
		}
	}
}

func (w *ArtifactWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}
	handle, ok := w.targets[abs]
	if !ok {
		return
	}

	w.logger.Info().
		Str("path", abs).
		Str("provider", handle.Name()).
		Msg("Artifact changed, reloading")

	if err := handle.Reload(abs); err != nil {
		w.logger.Warn().
			Err(err).
			Str("provider", handle.Name()).
			Msg("Artifact reload failed")
	}
}
