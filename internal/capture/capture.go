// Package capture reads full frames from the screen surface that shows the
// mirrored glasses stream.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
)

// ErrSourceUnavailable means the mirror window or display is missing, closed
// or produced an empty frame. It is always recoverable: the caller retries.
var ErrSourceUnavailable = errors.New("capture: source unavailable")

// Source defines the interface for frame capture backends
type Source interface {
	// Start acquires backend resources. A source that fails to start may
	// still be retried through NextFrame.
	Start() error

	// Stop releases resources. NextFrame must not be called afterwards.
	Stop() error

	// NextFrame returns the next full frame. Failures that a later call may
	// recover from are wrapped in ErrSourceUnavailable.
	NextFrame(ctx context.Context) (*frame.Raw, error)

	// Name returns a human-readable name for this source
	Name() string

	// IsAvailable checks if this source can be used in the current environment
	IsAvailable() bool
}

func unavailable(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSourceUnavailable, fmt.Sprintf(format, args...))
}

// checkRaw rejects empty frames, which some backends return while the
// window is minimised or the device is reconnecting.
func checkRaw(raw *frame.Raw) (*frame.Raw, error) {
	if raw == nil || raw.Width <= 0 || raw.Height <= 0 || len(raw.Pix) == 0 {
		return nil, unavailable("zero-sized frame")
	}
	return raw, nil
}
