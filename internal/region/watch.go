package region

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// Watch reloads the region file whenever another process rewrites it, for
// example an external calibration tool. The watch stops when ctx is done.
// Writes made by the store itself are recognised and ignored.
func (s *Store) Watch(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.watching {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create region watcher: %w", err)
	}

	// Watch the directory: editors and our own atomic writes replace the
	// file, which drops a watch on the file itself.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.watching = true
	go s.watchLoop(ctx, watcher)

	logger.WithComponent("region-store").Info().
		Str("path", s.path).
		Msg("Watching region file for external changes")
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	log := logger.WithComponent("region-store")
	target := filepath.Clean(s.path)

	defer func() {
		watcher.Close()
		s.watchMu.Lock()
		s.watching = false
		s.watchMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			log.Debug().Str("op", event.Op.String()).Msg("Region file change detected")
			s.reloadFromDisk()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Region watcher error")
		}
	}
}

var errNoChange = errors.New("region: no change")

// reloadFromDisk adopts an externally written rectangle if it differs from
// the committed one and fits the known bounds.
func (s *Store) reloadFromDisk() {
	log := logger.WithComponent("region-store")

	cfg, err := readFile(s.path)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to reload region file")
		return
	}

	if cfg.Rect == s.Get().Rect {
		return
	}

	if _, err := s.mutate("reload", func(cur Rectangle, bounds Size) (Rectangle, error) {
		// Our own write may land here before it is committed
		if cfg.Rect == cur {
			return Rectangle{}, errNoChange
		}
		if err := cfg.Rect.Validate(bounds); err != nil {
			return Rectangle{}, err
		}
		return cfg.Rect, nil
	}); err != nil && !errors.Is(err, errNoChange) {
		log.Warn().Err(err).Str("rect", cfg.Rect.String()).Msg("Ignoring external region change")
	}
}
