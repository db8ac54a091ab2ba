package capture

import (
	"context"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"github.com/kbinani/screenshot"
)

// ScreenSource grabs a whole display. It is the fallback when the mirroring
// window cannot be addressed directly, for example on macOS or Windows.
type ScreenSource struct {
	display int
}

// NewScreenSource captures the display with the given index.
func NewScreenSource(display int) *ScreenSource {
	return &ScreenSource{display: display}
}

func (s *ScreenSource) Start() error {
	n := screenshot.NumActiveDisplays()
	logger.WithComponent("screen-source").Info().
		Int("display", s.display).
		Int("active_displays", n).
		Msg("Screen source started")
	return nil
}

func (s *ScreenSource) Stop() error {
	return nil
}

func (s *ScreenSource) Name() string {
	return "screen"
}

func (s *ScreenSource) IsAvailable() bool {
	return s.display >= 0 && s.display < screenshot.NumActiveDisplays()
}

// NextFrame captures the display. A disconnected display is reported as
// unavailable, never as an error the loop cannot recover from.
func (s *ScreenSource) NextFrame(ctx context.Context) (*frame.Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := screenshot.NumActiveDisplays()
	if s.display < 0 || s.display >= n {
		return nil, unavailable("display %d not active (%d connected)", s.display, n)
	}

	bounds := screenshot.GetDisplayBounds(s.display)
	if bounds.Empty() {
		return nil, unavailable("display %d has empty bounds", s.display)
	}

	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, unavailable("capture display %d: %v", s.display, err)
	}
	return checkRaw(frame.FromRGBA(img, time.Now()))
}
