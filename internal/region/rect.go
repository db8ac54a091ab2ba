package region

import (
	"errors"
	"fmt"
	"image"
	"strings"
)

// ErrInvalidRegion is returned when a rectangle is degenerate or does not
// fit inside the frame it is applied to.
var ErrInvalidRegion = errors.New("region: invalid region")

// Minimum capture size accepted by Resize.
const (
	DefaultMinWidth  = 16
	DefaultMinHeight = 16
)

// Rectangle is the capture area inside the source frame, in source pixels.
type Rectangle struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// DefaultRectangle is used when no region file exists yet. It matches the
// glasses preview pane of the phone mirroring app at its default window size.
func DefaultRectangle() Rectangle {
	return Rectangle{X: 40, Y: 330, Width: 340, Height: 230}
}

// Size is the dimensions of a source frame.
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// IsZero reports whether the size is unknown.
func (s Size) IsZero() bool {
	return s.Width <= 0 || s.Height <= 0
}

func (r Rectangle) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// Image converts the rectangle to an image.Rectangle.
func (r Rectangle) Image() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Validate checks the rectangle is non-degenerate and, when bounds are
// known, fully inside them. It never modifies the rectangle.
func (r Rectangle) Validate(bounds Size) error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: %s has non-positive size", ErrInvalidRegion, r)
	}
	if r.X < 0 || r.Y < 0 {
		return fmt.Errorf("%w: %s has negative origin", ErrInvalidRegion, r)
	}
	if bounds.IsZero() {
		return nil
	}
	if r.X+r.Width > bounds.Width || r.Y+r.Height > bounds.Height {
		return fmt.Errorf("%w: %s exceeds frame %dx%d", ErrInvalidRegion, r, bounds.Width, bounds.Height)
	}
	return nil
}

// Fits reports whether the rectangle is valid inside bounds.
func (r Rectangle) Fits(bounds Size) bool {
	return r.Validate(bounds) == nil
}

// clampTo shrinks and shifts r until it lies inside bounds. The size floor
// is honoured unless the frame itself is smaller than the floor.
func (r Rectangle) clampTo(bounds Size, minW, minH int) Rectangle {
	if r.Width < minW {
		r.Width = minW
	}
	if r.Height < minH {
		r.Height = minH
	}
	if bounds.IsZero() {
		r.X = max(r.X, 0)
		r.Y = max(r.Y, 0)
		return r
	}

	r.Width = min(r.Width, bounds.Width)
	r.Height = min(r.Height, bounds.Height)
	r.X = clampInt(r.X, 0, bounds.Width-r.Width)
	r.Y = clampInt(r.Y, 0, bounds.Height-r.Height)
	return r
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Step is a movement granularity for keyboard-style nudging.
type Step int

const (
	StepFine   Step = 1
	StepNormal Step = 5
	StepFast   Step = 10
	StepTurbo  Step = 20
)

// ParseStep maps a step name to its pixel size.
func ParseStep(name string) (Step, error) {
	switch strings.ToLower(name) {
	case "fine":
		return StepFine, nil
	case "", "normal":
		return StepNormal, nil
	case "fast":
		return StepFast, nil
	case "turbo":
		return StepTurbo, nil
	default:
		return 0, fmt.Errorf("unknown step %q (use fine, normal, fast or turbo)", name)
	}
}

func (s Step) String() string {
	switch s {
	case StepFine:
		return "fine"
	case StepNormal:
		return "normal"
	case StepFast:
		return "fast"
	case StepTurbo:
		return "turbo"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Next cycles fine → normal → fast → turbo → fine.
func (s Step) Next() Step {
	switch s {
	case StepFine:
		return StepNormal
	case StepNormal:
		return StepFast
	case StepFast:
		return StepTurbo
	default:
		return StepFine
	}
}
