// Package loop drives the capture source, crops the configured region out
// of every frame and publishes the result on the frame bus.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/bus"
	"github.com/bryanchriswhite/GlassesStreamer/internal/capture"
	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"github.com/bryanchriswhite/GlassesStreamer/internal/region"
)

var (
	// ErrStopped rejects adjustments after the loop has shut down.
	ErrStopped = errors.New("loop: stopped")
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("loop: already running")
)

// RegionStore is the part of region.Store the loop depends on.
type RegionStore interface {
	Get() region.Config
	Bounds() region.Size
	SetBounds(region.Size)
	Nudge(dx, dy int) (region.Config, error)
	NudgeStep(dx, dy int, step region.Step) (region.Config, error)
	Resize(dw, dh int) (region.Config, error)
	Set(r region.Rectangle) (region.Config, error)
	Reset() (region.Config, error)
	Clamp() (region.Config, bool, error)
}

var _ RegionStore = (*region.Store)(nil)

// Options tune the loop cadence and recovery.
type Options struct {
	// Interval between polls while running, 1/fps.
	Interval time.Duration
	// BackoffInitial is the first retry delay after the source disappears.
	BackoffInitial time.Duration
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration
	// AutoClamp pulls an out-of-bounds region inside the frame instead of
	// waiting for a manual adjustment.
	AutoClamp bool
	// OnStateChange is called from the loop goroutine on every transition.
	OnStateChange func(from, to State, st Status)
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 50 * time.Millisecond
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 250 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
}

// Loop is the single producer of stream frames.
type Loop struct {
	src   capture.Source
	store RegionStore
	bus   *bus.Bus
	opts  Options

	running atomic.Bool
	seq     atomic.Uint64
	fps     atomic.Uint64 // math.Float64bits

	mu        sync.RWMutex
	state     State
	since     time.Time
	lastErr   error
	attempts  int
	lastFrame time.Time

	// cmdMu orders adjustments against shutdown.
	cmdMu   sync.Mutex
	stopped bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	stopReq  bool
	done     chan struct{}

	listenersMu sync.Mutex
	listeners   []chan Status
}

// New wires a loop. Run starts it.
func New(src capture.Source, store RegionStore, b *bus.Bus, opts Options) *Loop {
	opts.setDefaults()
	return &Loop{
		src:   src,
		store: store,
		bus:   b,
		opts:  opts,
		state: StateStarting,
		since: time.Now(),
		done:  make(chan struct{}),
	}
}

// Run polls the source until ctx is cancelled or Stop is called. It
// returns nil on a requested shutdown. STOPPED is terminal: a stopped loop
// cannot be run again.
func (l *Loop) Run(ctx context.Context) error {
	if l.isStopped() {
		return ErrStopped
	}
	if !l.running.CompareAndSwap(false, true) {
		if l.isStopped() {
			return ErrStopped
		}
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancelMu.Lock()
	l.cancel = cancel
	if l.stopReq {
		cancel()
	}
	l.cancelMu.Unlock()

	defer close(l.done)
	defer cancel()
	defer l.shutdown()

	log := logger.WithComponent("capture-loop")

	if err := l.src.Start(); err != nil {
		log.Warn().Err(err).Str("source", l.src.Name()).Msg("Source failed to start, will keep retrying")
	}

	log.Info().
		Str("source", l.src.Name()).
		Dur("interval", l.opts.Interval).
		Str("region", l.store.Get().Rect.String()).
		Msg("Capture loop started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		started := time.Now()
		wait := l.tick(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if l.State() == StateRunning || l.State() == StateAwaitingValidRegion {
			wait -= time.Since(started)
		}
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// tick performs one poll and returns how long to wait before the next.
func (l *Loop) tick(ctx context.Context) time.Duration {
	log := logger.WithComponent("capture-loop")

	raw, err := l.src.NextFrame(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		if !errors.Is(err, capture.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", capture.ErrSourceUnavailable, err)
		}
		l.mu.Lock()
		l.attempts++
		attempts := l.attempts
		l.mu.Unlock()

		delay := backoff(attempts, l.opts.BackoffInitial, l.opts.BackoffMax)
		log.Debug().Err(err).Int("attempt", attempts).Dur("retry_in", delay).Msg("Source unavailable")
		l.transition(StateAwaitingSource, err)
		return delay
	}

	l.mu.Lock()
	l.attempts = 0
	l.mu.Unlock()

	l.store.SetBounds(raw.Size())
	cfg := l.store.Get()

	sf, err := frame.Extract(raw, cfg.Rect)
	if errors.Is(err, frame.ErrInvalidRegion) && l.opts.AutoClamp {
		if clamped, changed, cerr := l.store.Clamp(); cerr == nil && changed {
			log.Info().
				Str("region", clamped.Rect.String()).
				Int("frame_width", raw.Width).
				Int("frame_height", raw.Height).
				Msg("Region clamped to shrunken frame")
			cfg = clamped
			sf, err = frame.Extract(raw, cfg.Rect)
		}
	}
	if err != nil {
		if !errors.Is(err, frame.ErrInvalidRegion) {
			// A malformed frame from the backend
			l.transition(StateAwaitingSource, fmt.Errorf("%w: %v", capture.ErrSourceUnavailable, err))
			return l.opts.Interval
		}
		l.transition(StateAwaitingValidRegion, err)
		return l.opts.Interval
	}

	seq := l.seq.Load() + 1
	sf.Seq = seq
	sf.RegionVersion = cfg.Version
	if err := l.bus.Publish(sf); err != nil {
		log.Warn().Err(err).Uint64("seq", seq).Msg("Publish failed")
		return l.opts.Interval
	}
	l.seq.Store(seq)
	l.trackRate(sf.Timestamp)

	log.Debug().Uint64("seq", seq).Str("region", cfg.Rect.String()).Msg("Frame published")
	l.transition(StateRunning, nil)
	return l.opts.Interval
}

// backoff returns initial*2^(attempt-1) capped at max.
func backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (l *Loop) transition(to State, cause error) {
	l.mu.Lock()
	from := l.state
	l.lastErr = cause
	if from == to {
		l.mu.Unlock()
		return
	}
	l.state = to
	l.since = time.Now()
	l.mu.Unlock()

	st := l.Status()

	ev := logger.WithComponent("capture-loop").Info()
	if cause != nil {
		ev = logger.WithComponent("capture-loop").Warn().Err(cause)
	}
	ev.Str("from", from.String()).
		Str("to", to.String()).
		Uint64("seq", st.Seq).
		Msg("Capture loop state changed")

	if l.opts.OnStateChange != nil {
		l.opts.OnStateChange(from, to, st)
	}
	l.notify(st)
}

func (l *Loop) shutdown() {
	l.cmdMu.Lock()
	l.stopped = true
	l.cmdMu.Unlock()

	if err := l.src.Stop(); err != nil {
		logger.WithComponent("capture-loop").Warn().Err(err).Msg("Failed to stop source")
	}
	l.transition(StateStopped, nil)
	logger.WithComponent("capture-loop").Info().Uint64("last_seq", l.seq.Load()).Msg("Capture loop stopped")
}

// Stop requests shutdown and waits for Run to return. A loop that never
// ran is marked stopped directly.
func (l *Loop) Stop() {
	l.cancelMu.Lock()
	l.stopReq = true
	cancel := l.cancel
	l.cancelMu.Unlock()

	if cancel != nil {
		cancel()
		<-l.done
		return
	}
	if l.running.CompareAndSwap(false, true) {
		l.shutdown()
		close(l.done)
		return
	}
	<-l.done
}

// Done is closed after Run returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) isStopped() bool {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()
	return l.stopped
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Seq returns the last published sequence number.
func (l *Loop) Seq() uint64 {
	return l.seq.Load()
}
