package capture_test

import (
	"context"
	"testing"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/capture"
	"github.com/bryanchriswhite/GlassesStreamer/internal/capture/capturetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDeadline_SlowPollIsUnavailable(t *testing.T) {
	src := capturetest.NewSource(
		capturetest.Hang(300*time.Millisecond, 4, 4),
		capturetest.Frame(8, 8),
	)
	d := capture.WithDeadline(src, 50*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	_, err := d.NextFrame(ctx)
	assert.ErrorIs(t, err, capture.ErrSourceUnavailable)
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	// The hung poll is still running: no second poll is started
	_, err = d.NextFrame(ctx)
	assert.ErrorIs(t, err, capture.ErrSourceUnavailable)
	assert.Equal(t, 1, src.Calls())

	// Once it completes its late frame is handed out
	time.Sleep(300 * time.Millisecond)
	raw, err := d.NextFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, raw.Width)

	raw, err = d.NextFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, raw.Width)
}

func TestWithDeadline_PassesThroughErrors(t *testing.T) {
	src := capturetest.NewSource(capturetest.Unavailable(), capturetest.Frame(2, 2))
	d := capture.WithDeadline(src, time.Second)

	_, err := d.NextFrame(context.Background())
	assert.ErrorIs(t, err, capture.ErrSourceUnavailable)

	raw, err := d.NextFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, raw.Height)
	assert.Equal(t, "scripted", d.Name())
}

func TestWithDeadline_ZeroTimeoutIsIdentity(t *testing.T) {
	src := capturetest.NewSource()
	assert.Same(t, src, capture.WithDeadline(src, 0))
}

func TestWithDeadline_ContextCancel(t *testing.T) {
	src := capturetest.NewSource(capturetest.Hang(time.Second, 1, 1))
	d := capture.WithDeadline(src, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := d.NextFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew(t *testing.T) {
	_, err := capture.New(capture.Settings{Backend: "dshow"})
	assert.Error(t, err)

	_, err = capture.New(capture.Settings{Backend: capture.BackendX11, WindowTitle: "("})
	assert.Error(t, err)

	src, err := capture.New(capture.Settings{Backend: capture.BackendScreen, PollTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "screen", src.Name())
}
