// Package output holds the distribution endpoints. Every endpoint consumes
// frames through its own frame bus subscription.
package output

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/bryanchriswhite/GlassesStreamer/internal/bus"
	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
)

var (
	ErrNotRunning       = errors.New("output: not running")
	ErrAlreadyRecording = errors.New("output: already recording")
	ErrNotRecording     = errors.New("output: not recording")
)

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 85

// Output defines the interface for frame output mechanisms.
// This allows us to swap between different output methods:
// - MJPEG HTTP stream
// - X11 preview window
// - ffmpeg relay
// - etc.
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame hands one frame to the output. The frame is shared with
	// other subscribers and must not be modified.
	WriteFrame(f *frame.Stream) error

	// Name returns a human-readable name for this output type
	Name() string
}

// Run starts out, subscribes it to b and feeds it frames until ctx is done
// or the bus closes. An output that fails or panics is unsubscribed and its
// error returned; the bus and the other subscribers carry on.
func Run(ctx context.Context, b *bus.Bus, out Output, opts ...bus.SubscribeOption) error {
	log := logger.WithComponent("output")

	if err := out.Start(); err != nil {
		return fmt.Errorf("start %s: %w", out.Name(), err)
	}
	sub, err := b.Subscribe(out.Name(), opts...)
	if err != nil {
		out.Stop()
		return err
	}
	defer func() {
		sub.Close()
		if stopErr := out.Stop(); stopErr != nil {
			log.Warn().Err(stopErr).Str("output", out.Name()).Msg("Failed to stop output")
		}
		log.Info().
			Str("output", out.Name()).
			Str("subscriber", sub.ID()).
			Uint64("dropped", sub.Dropped()).
			Msg("Output detached")
	}()

	for {
		f, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) || errors.Is(err, bus.ErrSubscriberClosed) {
				return nil
			}
			return err
		}

		if err := deliver(out, f); err != nil {
			log.Error().
				Err(err).
				Str("output", out.Name()).
				Str("subscriber", sub.ID()).
				Uint64("seq", f.Seq).
				Msg("Output failed, unsubscribing")
			return err
		}
	}
}

func deliver(out Output, f *frame.Stream) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", out.Name(), r)
		}
	}()
	return out.WriteFrame(f)
}

// EncodeJPEG encodes img at quality, falling back to DefaultQuality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
