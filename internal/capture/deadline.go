package capture

import (
	"context"
	"sync"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
)

type pollResult struct {
	raw *frame.Raw
	err error
}

// deadlineSource bounds every NextFrame call. A poll still running when the
// deadline passes is left to finish in the background and is reported as
// unavailable; the next call picks up its result instead of starting a
// second concurrent poll.
type deadlineSource struct {
	Source
	timeout time.Duration

	mu      sync.Mutex
	pending chan pollResult
}

// WithDeadline wraps src so that polls exceeding timeout fail with
// ErrSourceUnavailable instead of stalling the caller. A non-positive
// timeout returns src unchanged.
func WithDeadline(src Source, timeout time.Duration) Source {
	if timeout <= 0 {
		return src
	}
	return &deadlineSource{Source: src, timeout: timeout}
}

func (d *deadlineSource) NextFrame(ctx context.Context) (*frame.Raw, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := d.pending
	if ch == nil {
		ch = make(chan pollResult, 1)
		go func() {
			raw, err := d.Source.NextFrame(ctx)
			ch <- pollResult{raw: raw, err: err}
		}()
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		d.pending = nil
		return r.raw, r.err
	case <-timer.C:
		d.pending = ch
		logger.WithComponent("capture").Debug().
			Str("source", d.Source.Name()).
			Dur("timeout", d.timeout).
			Msg("Frame poll exceeded deadline")
		return nil, unavailable("%s poll exceeded %s", d.Source.Name(), d.timeout)
	case <-ctx.Done():
		d.pending = ch
		return nil, ctx.Err()
	}
}
