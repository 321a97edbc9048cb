package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces bursts of writes from editors and config management.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc re-reads the rule source. A returned error leaves the previous rules active.
type ReloadFunc func(ctx context.Context) error

// Watcher triggers a reload when the rule files change.
type Watcher struct {
	source   *FileSource
	reload   ReloadFunc
	debounce time.Duration
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher constructs a watcher over source.
func NewWatcher(source *FileSource, reload ReloadFunc, logger zerolog.Logger, debounce time.Duration) (*Watcher, error) {
	if source == nil {
		return nil, errors.New("rules watcher: nil source")
	}
	if reload == nil {
		return nil, errors.New("rules watcher: nil reload func")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		source:   source,
		reload:   reload,
		debounce: debounce,
		logger:   logger.With().Str("component", "rules_watcher").Str("path", source.Path()).Logger(),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The watch stops when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules watcher: %w", err)
	}
	// Watch the directory so atomic renames of the file are seen.
	dir := w.source.Path()
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		dir = filepath.Dir(dir)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("rules watcher: watch %s: %w", dir, err)
	}
	w.watcher = fw
	go w.loop(ctx)
	w.logger.Info().Dur("debounce", w.debounce).Msg("rules watcher started")
	return nil
}

// Done is closed once the watch loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer w.watcher.Close()

	debounce := time.NewTimer(w.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("rules watcher stopped")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.source.Matches(event.Name) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("rule file changed")
			debounce.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("rules watcher error")
		case <-debounce.C:
			if err := w.reload(ctx); err != nil {
				w.logger.Error().Err(err).Msg("rule reload after file change failed")
				continue
			}
			w.logger.Info().Msg("rules reloaded after file change")
		}
	}
}
