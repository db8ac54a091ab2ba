package region

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"gopkg.in/yaml.v3"
)

// Config is the persisted capture region plus a version counter that is
// incremented on every change.
type Config struct {
	Rect      Rectangle `json:"rect" yaml:"rect"`
	Version   uint64    `json:"version" yaml:"version"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Options tune the store's size floor.
type Options struct {
	MinWidth  int
	MinHeight int
}

// Store owns the region config. Mutations are serialized through writeMu
// and are persisted before they become visible to readers.
type Store struct {
	path string
	minW int
	minH int

	writeMu sync.Mutex

	mu      sync.RWMutex
	current Config
	bounds  Size

	listenersMu sync.Mutex
	listeners   []chan Config

	watchMu  sync.Mutex
	watching bool
}

// Open loads the region file at path, creating it with the default
// rectangle when absent. It fails only when no file exists and a new one
// cannot be written.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("region: empty store path")
	}

	s := &Store{
		path: path,
		minW: opts.MinWidth,
		minH: opts.MinHeight,
	}
	if s.minW <= 0 {
		s.minW = DefaultMinWidth
	}
	if s.minH <= 0 {
		s.minH = DefaultMinHeight
	}

	log := logger.WithComponent("region-store")

	cfg, err := readFile(path)
	switch {
	case err == nil:
		if verr := cfg.Rect.Validate(Size{}); verr != nil {
			log.Warn().Err(verr).Str("path", path).Msg("Stored region is degenerate, using default")
			cfg = Config{Rect: DefaultRectangle(), Version: cfg.Version + 1, UpdatedAt: time.Now()}
		}
		s.current = cfg
	case errors.Is(err, os.ErrNotExist):
		log.Info().Str("path", path).Msg("Region file not found, creating default")
		s.current = Config{Rect: DefaultRectangle(), UpdatedAt: time.Now()}
		if err := writeFile(path, s.current); err != nil {
			return nil, fmt.Errorf("failed to create region file: %w", err)
		}
	default:
		// The file exists but is unreadable or corrupt. Keep running on the
		// default; the next mutation rewrites the file.
		log.Warn().Err(err).Str("path", path).Msg("Failed to read region file, using default")
		s.current = Config{Rect: DefaultRectangle(), UpdatedAt: time.Now()}
	}

	log.Info().
		Str("path", path).
		Str("rect", s.current.Rect.String()).
		Uint64("version", s.current.Version).
		Msg("Region loaded")

	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Get returns the committed config. It never observes a partial update.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Bounds returns the last known source frame size, zero if none yet.
func (s *Store) Bounds() Size {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bounds
}

// SetBounds records the size of the most recent source frame. The capture
// loop calls it for every frame it reads.
func (s *Store) SetBounds(b Size) {
	s.mu.Lock()
	s.bounds = b
	s.mu.Unlock()
}

// Nudge shifts the rectangle by dx, dy pixels, clamped into the known bounds.
func (s *Store) Nudge(dx, dy int) (Config, error) {
	return s.mutate("nudge", func(cur Rectangle, bounds Size) (Rectangle, error) {
		cur.X += dx
		cur.Y += dy
		return cur.clampTo(bounds, s.minW, s.minH), nil
	})
}

// NudgeStep shifts the rectangle by dx, dy units of step pixels.
func (s *Store) NudgeStep(dx, dy int, step Step) (Config, error) {
	return s.Nudge(dx*int(step), dy*int(step))
}

// Resize grows or shrinks the rectangle, keeping the origin, never below
// the size floor and never past the known bounds. A grow stops at the
// frame edge. The origin only moves when the size floor no longer fits
// after it.
func (s *Store) Resize(dw, dh int) (Config, error) {
	return s.mutate("resize", func(cur Rectangle, bounds Size) (Rectangle, error) {
		cur.Width += dw
		cur.Height += dh
		if !bounds.IsZero() {
			cur.Width = min(cur.Width, bounds.Width-cur.X)
			cur.Height = min(cur.Height, bounds.Height-cur.Y)
		}
		return cur.clampTo(bounds, s.minW, s.minH), nil
	})
}

// Set replaces the rectangle. It is rejected with ErrInvalidRegion when it
// does not fit the last known bounds; the stored config is left unchanged.
func (s *Store) Set(r Rectangle) (Config, error) {
	return s.mutate("set", func(_ Rectangle, bounds Size) (Rectangle, error) {
		if err := r.Validate(bounds); err != nil {
			return Rectangle{}, err
		}
		return r, nil
	})
}

// Reset restores the default rectangle, clamped into the known bounds.
func (s *Store) Reset() (Config, error) {
	return s.mutate("reset", func(_ Rectangle, bounds Size) (Rectangle, error) {
		return DefaultRectangle().clampTo(bounds, s.minW, s.minH), nil
	})
}

// Clamp pulls the current rectangle inside the known bounds if it does not
// fit. It reports whether anything changed.
func (s *Store) Clamp() (Config, bool, error) {
	cur := s.Get()
	bounds := s.Bounds()
	if bounds.IsZero() || cur.Rect.Fits(bounds) {
		return cur, false, nil
	}
	cfg, err := s.mutate("clamp", func(r Rectangle, b Size) (Rectangle, error) {
		return r.clampTo(b, s.minW, s.minH), nil
	})
	return cfg, err == nil, err
}

// mutate applies fn under the write lock, persists the result and only then
// publishes it to readers and listeners.
func (s *Store) mutate(op string, fn func(Rectangle, Size) (Rectangle, error)) (Config, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.Get()
	bounds := s.Bounds()

	next, err := fn(cur.Rect, bounds)
	if err != nil {
		logger.WithComponent("region-store").Debug().
			Err(err).
			Str("op", op).
			Msg("Region mutation rejected")
		return cur, err
	}

	cfg := Config{Rect: next, Version: cur.Version + 1, UpdatedAt: time.Now()}
	if err := writeFile(s.path, cfg); err != nil {
		return cur, fmt.Errorf("failed to persist region: %w", err)
	}

	s.commit(cfg)

	logger.WithComponent("region-store").Info().
		Str("op", op).
		Str("rect", next.String()).
		Uint64("version", cfg.Version).
		Msg("Region updated")

	return cfg, nil
}

func (s *Store) commit(cfg Config) {
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	s.notifyListeners(cfg)
}

// Subscribe returns a channel receiving every committed config. Slow
// listeners only see the newest value.
func (s *Store) Subscribe() chan Config {
	ch := make(chan Config, 1)
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, ch)
	s.listenersMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener
func (s *Store) Unsubscribe(ch chan Config) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	for i, listener := range s.listeners {
		if listener == ch {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (s *Store) notifyListeners(cfg Config) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	for _, listener := range s.listeners {
		select {
		case listener <- cfg:
		default:
			// Replace the stale pending value
			select {
			case <-listener:
			default:
			}
			select {
			case listener <- cfg:
			default:
			}
		}
	}
}

func readFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse region file: %w", err)
	}
	return cfg, nil
}

// writeFile replaces path atomically so a crash never leaves a torn file.
func writeFile(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create region directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal region: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".region-*.yaml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
