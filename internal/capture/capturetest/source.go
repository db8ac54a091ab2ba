// Package capturetest provides a scripted capture.Source for tests that
// must run without a display.
package capturetest

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/capture"
	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
)

// Step is one scripted NextFrame result.
type Step struct {
	Width, Height int
	Err           error
	Delay         time.Duration
}

// Frame scripts a successful poll returning a w×h frame.
func Frame(w, h int) Step {
	return Step{Width: w, Height: h}
}

// Unavailable scripts a poll failing with capture.ErrSourceUnavailable.
func Unavailable() Step {
	return Step{Err: fmt.Errorf("%w: scripted", capture.ErrSourceUnavailable)}
}

// Hang scripts a poll that blocks for d before returning a w×h frame.
func Hang(d time.Duration, w, h int) Step {
	return Step{Width: w, Height: h, Delay: d}
}

// Source replays its script; after the last step it repeats that step.
type Source struct {
	mu      sync.Mutex
	steps   []Step
	next    int
	calls   int
	started bool
	stopped bool
	polled  chan int
}

var _ capture.Source = (*Source)(nil)

// NewSource creates a scripted source.
func NewSource(steps ...Step) *Source {
	return &Source{steps: steps, polled: make(chan int, 1024)}
}

// Push appends steps to the script.
func (s *Source) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Replace discards unplayed steps and continues with steps.
func (s *Source) Replace(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps[:s.next], steps...)
}

// Polled receives the call count after every NextFrame.
func (s *Source) Polled() <-chan int {
	return s.polled
}

// Calls returns how many times NextFrame ran.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Source) Start() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *Source) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *Source) Name() string { return "scripted" }

func (s *Source) IsAvailable() bool { return true }

func (s *Source) NextFrame(ctx context.Context) (*frame.Raw, error) {
	s.mu.Lock()
	var step Step
	switch {
	case s.next < len(s.steps):
		step = s.steps[s.next]
		s.next++
	case len(s.steps) > 0:
		step = s.steps[len(s.steps)-1]
	default:
		step = Unavailable()
	}
	s.calls++
	calls := s.calls
	s.mu.Unlock()

	defer func() {
		select {
		case s.polled <- calls:
		default:
		}
	}()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return Gradient(step.Width, step.Height), nil
}

// Gradient builds a deterministic frame whose pixels encode their position.
func Gradient(w, h int) *frame.Raw {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			row[x*4] = uint8(x)
			row[x*4+1] = uint8(y)
			row[x*4+2] = 0x80
			row[x*4+3] = 0xff
		}
	}
	return frame.FromRGBA(img, time.Now())
}
