package loop

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/bus"
	"github.com/bryanchriswhite/GlassesStreamer/internal/capture/capturetest"
	"github.com/bryanchriswhite/GlassesStreamer/internal/region"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transition struct {
	From, To State
	Seq      uint64
}

type recorder struct {
	mu     sync.Mutex
	events []transition
	ch     chan transition
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan transition, 64)}
}

func (r *recorder) hook(from, to State, st Status) {
	tr := transition{From: from, To: to, Seq: st.Seq}
	r.mu.Lock()
	r.events = append(r.events, tr)
	r.mu.Unlock()
	r.ch <- tr
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.To)
	}
	return out
}

// waitFor blocks until a transition into to happens.
func (r *recorder) waitFor(t *testing.T, to State) transition {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case tr := <-r.ch:
			if tr.To == to {
				return tr
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, saw %v", to, r.states())
		}
	}
}

type fixture struct {
	src   *capturetest.Source
	store *region.Store
	bus   *bus.Bus
	loop  *Loop
	rec   *recorder
}

func newFixture(t *testing.T, opts Options, steps ...capturetest.Step) *fixture {
	t.Helper()

	store, err := region.Open(filepath.Join(t.TempDir(), "region.yaml"), region.Options{})
	require.NoError(t, err)

	f := &fixture{
		src:   capturetest.NewSource(steps...),
		store: store,
		bus:   bus.New(bus.Options{MailboxSize: 64, RingSize: 64}),
		rec:   newRecorder(),
	}
	if opts.Interval == 0 {
		opts.Interval = time.Millisecond
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = time.Millisecond
		opts.BackoffMax = 4 * time.Millisecond
	}
	opts.OnStateChange = f.rec.hook
	f.loop = New(f.src, store, f.bus, opts)
	return f
}

func (f *fixture) run(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-f.loop.Done()
	})
	return cancel, errCh
}

func TestLoop_RecoversFromUnavailableSource(t *testing.T) {
	f := newFixture(t, Options{},
		capturetest.Frame(800, 600),
		capturetest.Unavailable(),
		capturetest.Unavailable(),
		capturetest.Unavailable(),
		capturetest.Frame(800, 600),
	)
	sub, err := f.bus.Subscribe("test")
	require.NoError(t, err)

	cancel, errCh := f.run(t)

	first := f.rec.waitFor(t, StateRunning)
	assert.Equal(t, uint64(1), first.Seq)

	gap := f.rec.waitFor(t, StateAwaitingSource)
	assert.Equal(t, uint64(1), gap.Seq, "nothing published when the source fails")

	back := f.rec.waitFor(t, StateRunning)
	assert.Equal(t, uint64(2), back.Seq, "numbering resumes without reset")
	assert.GreaterOrEqual(t, f.src.Calls(), 5)

	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, []State{StateRunning, StateAwaitingSource, StateRunning, StateStopped}, f.rec.states())

	var prev uint64
	for {
		sf, ok := sub.TryNext()
		if !ok {
			break
		}
		assert.Greater(t, sf.Seq, prev)
		prev = sf.Seq
	}
	assert.Equal(t, f.loop.Seq(), prev)
}

func TestLoop_ShrunkenFrameWaitsForValidRegion(t *testing.T) {
	f := newFixture(t, Options{},
		capturetest.Frame(800, 600),
		capturetest.Frame(200, 200),
	)
	f.run(t)

	f.rec.waitFor(t, StateRunning)
	waiting := f.rec.waitFor(t, StateAwaitingValidRegion)
	seqWhileWaiting := waiting.Seq

	// Polling continues and learns the new bounds
	require.Eventually(t, func() bool {
		return f.store.Bounds() == region.Size{Width: 200, Height: 200}
	}, time.Second, time.Millisecond)

	st := f.loop.Status()
	assert.Equal(t, StateAwaitingValidRegion, st.State)
	assert.Contains(t, st.LastError, "exceeds frame")
	assert.Equal(t, seqWhileWaiting, st.Seq)

	cfg, err := f.loop.Resize(-200, -100)
	require.NoError(t, err)
	assert.True(t, cfg.Rect.Fits(region.Size{Width: 200, Height: 200}))

	back := f.rec.waitFor(t, StateRunning)
	assert.Equal(t, seqWhileWaiting+1, back.Seq)

	snap, err := f.bus.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, cfg.Rect.Width, snap.Width())
	assert.Equal(t, cfg.Rect.Height, snap.Height())
}

func TestLoop_AutoClampKeepsRunning(t *testing.T) {
	f := newFixture(t, Options{AutoClamp: true},
		capturetest.Frame(800, 600),
		capturetest.Frame(300, 300),
	)
	f.run(t)

	f.rec.waitFor(t, StateRunning)
	require.Eventually(t, func() bool {
		snap, err := f.bus.Snapshot()
		return err == nil && snap.Width() <= 300 && snap.Height() <= 300
	}, 2*time.Second, time.Millisecond)

	assert.NotContains(t, f.rec.states(), StateAwaitingValidRegion)
	assert.True(t, f.store.Get().Rect.Fits(region.Size{Width: 300, Height: 300}))
}

func TestLoop_StopIsTerminal(t *testing.T) {
	f := newFixture(t, Options{}, capturetest.Frame(800, 600))
	cancel, errCh := f.run(t)

	f.rec.waitFor(t, StateRunning)
	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, StateStopped, f.loop.State())
	assert.True(t, f.src.Stopped(), "source released")

	before := f.store.Get()
	_, err := f.loop.Nudge(5, 5)
	assert.ErrorIs(t, err, ErrStopped)
	_, err = f.loop.Set(region.Rectangle{Width: 20, Height: 20})
	assert.ErrorIs(t, err, ErrStopped)
	_, err = f.loop.Reset()
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, before, f.store.Get())

	assert.ErrorIs(t, f.loop.Run(context.Background()), ErrStopped)
}

func TestLoop_ShutdownDuringBackoffIsPrompt(t *testing.T) {
	f := newFixture(t, Options{
		Interval:       10 * time.Millisecond,
		BackoffInitial: 10 * time.Second,
		BackoffMax:     time.Minute,
	}, capturetest.Unavailable())
	cancel, errCh := f.run(t)

	f.rec.waitFor(t, StateAwaitingSource)

	start := time.Now()
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not observe shutdown")
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, StateStopped, f.loop.State())
}

func TestLoop_StopWithoutRun(t *testing.T) {
	f := newFixture(t, Options{})
	f.loop.Stop()

	assert.Equal(t, StateStopped, f.loop.State())
	_, err := f.loop.Resize(1, 1)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, f.loop.Run(context.Background()), ErrStopped)
}

func TestLoop_StopMethod(t *testing.T) {
	f := newFixture(t, Options{}, capturetest.Frame(100, 100))
	f.store.SetBounds(region.Size{Width: 100, Height: 100})
	_, err := f.store.Set(region.Rectangle{Width: 50, Height: 50})
	require.NoError(t, err)

	f.run(t)
	f.rec.waitFor(t, StateRunning)

	f.loop.Stop()
	assert.Equal(t, StateStopped, f.loop.State())
}

func TestLoop_WatchReceivesTransitions(t *testing.T) {
	f := newFixture(t, Options{}, capturetest.Frame(800, 600))
	ch, stop := f.loop.Watch()
	defer stop()

	f.run(t)

	select {
	case st := <-ch:
		assert.Equal(t, StateRunning, st.State)
		assert.Equal(t, "scripted", st.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("no status pushed")
	}
}

func TestBackoff(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second

	assert.Equal(t, 100*time.Millisecond, backoff(1, initial, max))
	assert.Equal(t, 200*time.Millisecond, backoff(2, initial, max))
	assert.Equal(t, 400*time.Millisecond, backoff(3, initial, max))
	assert.Equal(t, 800*time.Millisecond, backoff(4, initial, max))
	assert.Equal(t, time.Second, backoff(5, initial, max))
	assert.Equal(t, time.Second, backoff(60, initial, max))
	assert.Equal(t, 100*time.Millisecond, backoff(0, initial, max))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AWAITING_VALID_REGION", StateAwaitingValidRegion.String())
	text, err := StateStopped.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "STOPPED", string(text))
	assert.True(t, StateRunning.Publishing())
	assert.False(t, StateAwaitingSource.Publishing())
}
