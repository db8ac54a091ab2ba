package loop

import (
	"math"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/bus"
	"github.com/bryanchriswhite/GlassesStreamer/internal/region"
)

// Adjustments are forwarded to the region store. They are serialized with
// shutdown: once the loop is stopped every adjustment fails with ErrStopped,
// and shutdown waits for an adjustment already in progress.

func (l *Loop) adjust(fn func() (region.Config, error)) (region.Config, error) {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()

	if l.stopped {
		return region.Config{}, ErrStopped
	}
	return fn()
}

// Region returns the committed region config.
func (l *Loop) Region() region.Config {
	return l.store.Get()
}

func (l *Loop) Nudge(dx, dy int) (region.Config, error) {
	return l.adjust(func() (region.Config, error) { return l.store.Nudge(dx, dy) })
}

func (l *Loop) NudgeStep(dx, dy int, step region.Step) (region.Config, error) {
	return l.adjust(func() (region.Config, error) { return l.store.NudgeStep(dx, dy, step) })
}

func (l *Loop) Resize(dw, dh int) (region.Config, error) {
	return l.adjust(func() (region.Config, error) { return l.store.Resize(dw, dh) })
}

func (l *Loop) Set(r region.Rectangle) (region.Config, error) {
	return l.adjust(func() (region.Config, error) { return l.store.Set(r) })
}

func (l *Loop) Reset() (region.Config, error) {
	return l.adjust(l.store.Reset)
}

// Status is a point-in-time view of the loop for the status endpoint.
type Status struct {
	State     State         `json:"state"`
	Since     time.Time     `json:"since"`
	Seq       uint64        `json:"seq"`
	FPS       float64       `json:"fps"`
	Source    string        `json:"source"`
	Region    region.Config `json:"region"`
	Bounds    region.Size   `json:"bounds"`
	LastError string        `json:"last_error,omitempty"`
	Attempts  int           `json:"retry_attempts,omitempty"`
	Bus       bus.Stats     `json:"bus"`
}

// Status reports state, sequence number and per-subscriber drop counts.
func (l *Loop) Status() Status {
	l.mu.RLock()
	st := Status{
		State:    l.state,
		Since:    l.since,
		Attempts: l.attempts,
	}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	l.mu.RUnlock()

	st.Seq = l.seq.Load()
	st.FPS = math.Float64frombits(l.fps.Load())
	st.Source = l.src.Name()
	st.Region = l.store.Get()
	st.Bounds = l.store.Bounds()
	st.Bus = l.bus.Stats()
	return st
}

// trackRate keeps an exponential moving average of the publish rate.
// Only the loop goroutine calls it.
func (l *Loop) trackRate(ts time.Time) {
	l.mu.Lock()
	prev := l.lastFrame
	l.lastFrame = ts
	l.mu.Unlock()

	if prev.IsZero() {
		return
	}
	dt := ts.Sub(prev).Seconds()
	if dt <= 0 {
		return
	}
	const alpha = 0.2
	cur := math.Float64frombits(l.fps.Load())
	next := 1 / dt
	if cur > 0 {
		next = alpha*next + (1-alpha)*cur
	}
	l.fps.Store(math.Float64bits(next))
}

// Watch returns a channel receiving the status after every state change.
// Slow readers only see the newest status. Call the returned func to stop.
func (l *Loop) Watch() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	l.listenersMu.Lock()
	l.listeners = append(l.listeners, ch)
	l.listenersMu.Unlock()

	return ch, func() {
		l.listenersMu.Lock()
		defer l.listenersMu.Unlock()
		for i, c := range l.listeners {
			if c == ch {
				l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (l *Loop) notify(st Status) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()

	for _, ch := range l.listeners {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}
