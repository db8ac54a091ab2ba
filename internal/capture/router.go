package capture

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
)

// Backend names accepted by New.
const (
	BackendAuto     = "auto"
	BackendX11      = "x11"
	BackendScreen   = "screen"
	BackendPipeWire = "pipewire"
)

// Settings select and tune a capture backend.
type Settings struct {
	Backend      string
	WindowTitle  string
	X11Display   string
	DisplayIndex int
	PollTimeout  time.Duration
	GstCommand   string
}

// New builds the configured source wrapped with the poll deadline. With
// the auto backend X11 is preferred, then the Wayland portal, then whole
// display capture.
func New(s Settings) (Source, error) {
	log := logger.WithComponent("capture")

	var pattern *regexp.Regexp
	if s.WindowTitle != "" {
		p, err := regexp.Compile(s.WindowTitle)
		if err != nil {
			return nil, fmt.Errorf("invalid window title pattern: %w", err)
		}
		pattern = p
	}

	var src Source
	switch s.Backend {
	case BackendX11:
		src = NewX11Source(s.X11Display, pattern)
	case BackendScreen:
		src = NewScreenSource(s.DisplayIndex)
	case BackendPipeWire:
		src = NewPipeWireSource(s.GstCommand)
	case "", BackendAuto:
		src = autoSelect(s, pattern)
	default:
		return nil, fmt.Errorf("unknown capture backend %q", s.Backend)
	}

	log.Info().
		Str("backend", src.Name()).
		Str("window_title", s.WindowTitle).
		Dur("poll_timeout", s.PollTimeout).
		Msg("Capture source selected")

	return WithDeadline(src, s.PollTimeout), nil
}

func autoSelect(s Settings, pattern *regexp.Regexp) Source {
	x11 := NewX11Source(s.X11Display, pattern)
	if x11.IsAvailable() {
		return x11
	}
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		pw := NewPipeWireSource(s.GstCommand)
		if pw.IsAvailable() {
			return pw
		}
	}
	return NewScreenSource(s.DisplayIndex)
}
