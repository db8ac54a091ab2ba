package commands

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/capture"
	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture one frame of the region as PNG",
	Long: `Capture a single frame with the configured backend, crop it to the
stored region and write it as PNG. This does not need a running server.`,
	Example: `  # Write snapshot.png in the current directory
  glassesstreamer snapshot

  # Write to a specific file, retrying for up to 10 seconds
  glassesstreamer snapshot -o /tmp/glasses.png --timeout 10s`,
	RunE: runSnapshot,
}

var (
	snapshotOutput  string
	snapshotTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().StringVarP(&snapshotOutput, "output", "o", "snapshot.png", "output file")
	snapshotCmd.Flags().DurationVar(&snapshotTimeout, "timeout", 5*time.Second, "how long to wait for the source")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	src, err := capture.New(capture.Settings{
		Backend:      cfg.Capture.Backend,
		WindowTitle:  cfg.Capture.WindowTitle,
		X11Display:   cfg.Capture.X11Display,
		DisplayIndex: cfg.Capture.Display,
		PollTimeout:  cfg.Capture.PollTimeout.Std(),
		GstCommand:   cfg.Capture.GstCommand,
	})
	if err != nil {
		return fmt.Errorf("failed to create capture source: %w", err)
	}
	// A source that fails to start may still come up while polling
	if err := src.Start(); err != nil {
		logger.WithComponent("snapshot").Warn().Err(err).Str("source", src.Name()).Msg("Source not ready yet")
	}
	defer src.Stop()

	ctx, cancel := context.WithTimeout(cmd.Context(), snapshotTimeout)
	defer cancel()

	raw, err := firstFrame(ctx, src)
	if err != nil {
		return err
	}
	store.SetBounds(raw.Size())

	f, err := frame.Extract(raw, store.Get().Rect)
	if err != nil {
		return fmt.Errorf("region does not fit the %dx%d source frame: %w", raw.Width, raw.Height, err)
	}

	out, err := os.Create(snapshotOutput)
	if err != nil {
		return err
	}
	if err := png.Encode(out, f.Image); err != nil {
		out.Close()
		return fmt.Errorf("failed to encode PNG: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	fmt.Printf("Saved %dx%d snapshot of %s to %s\n", f.Width(), f.Height(), f.Rect, snapshotOutput)
	return nil
}

// firstFrame polls until the source delivers or ctx expires.
func firstFrame(ctx context.Context, src capture.Source) (*frame.Raw, error) {
	for {
		raw, err := src.NextFrame(ctx)
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, capture.ErrSourceUnavailable) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no frame from %s: %w", src.Name(), err)
		case <-time.After(100 * time.Millisecond):
		}
	}
}
