package overlay

import (
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
)

// Mode selects how much calibration detail is drawn. Each mode includes
// everything drawn by the modes below it.
type Mode int

const (
	ModeNone Mode = iota
	ModeMinimal
	ModeStandard
	ModeFull
	ModeDebug
)

var modeNames = []string{"none", "minimal", "standard", "full", "debug"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode accepts a mode name or its number.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range modeNames {
		if s == name || s == fmt.Sprint(i) {
			return Mode(i), nil
		}
	}
	return ModeNone, fmt.Errorf("unknown overlay mode %q", s)
}

// Next cycles through the modes, wrapping from debug to none.
func (m Mode) Next() Mode {
	return (m + 1) % Mode(len(modeNames))
}

type layer struct {
	min    Mode
	widget Widget
}

// Renderer draws the widgets enabled by the current mode onto a copy of a
// frame. It is safe for concurrent use.
type Renderer struct {
	mu     sync.RWMutex
	mode   Mode
	layers []layer
}

// NewRenderer creates a renderer with the standard widget set
func NewRenderer(mode Mode) *Renderer {
	panel := image.Rect(5, 5, 250, 65)
	return &Renderer{
		mode: mode,
		layers: []layer{
			{ModeFull, GuidesWidget{}},
			{ModeMinimal, BorderWidget{Thickness: 2, CornerSize: 20}},
			{ModeStandard, TextWidget{X: 10, Y: 8, Color: colorText, Panel: &panel, Lines: statusLines}},
			{ModeDebug, TextWidget{X: 10, Y: 8, AlignRight: true, Color: colorDebug, Lines: debugLines}},
		},
	}
}

// Mode returns the current mode
func (r *Renderer) Mode() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// SetMode changes the mode
func (r *Renderer) SetMode(m Mode) {
	r.mu.Lock()
	prev := r.mode
	r.mode = m
	r.mu.Unlock()

	if prev != m {
		logger.WithComponent("overlay").Info().
			Str("from", prev.String()).
			Str("to", m.String()).
			Msg("Overlay mode changed")
	}
}

// Cycle advances to the next mode and returns it.
func (r *Renderer) Cycle() Mode {
	next := r.Mode().Next()
	r.SetMode(next)
	return next
}

// Render returns the frame image with the overlay applied. In ModeNone the
// frame's own image is returned; otherwise f is left untouched.
func (r *Renderer) Render(f *frame.Stream, info Info) *image.RGBA {
	mode := r.Mode()
	if mode == ModeNone || f == nil || f.Image == nil {
		if f == nil {
			return nil
		}
		return f.Image
	}

	img := f.Clone()
	if info.Rect.Width == 0 {
		info.Rect = f.Rect
	}
	if info.Seq == 0 {
		info.Seq = f.Seq
	}
	for _, l := range r.layers {
		if mode >= l.min {
			l.widget.Render(img, info)
		}
	}
	return img
}
