package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/GlassesStreamer/internal/api"
	"github.com/bryanchriswhite/GlassesStreamer/internal/bus"
	"github.com/bryanchriswhite/GlassesStreamer/internal/capture"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"github.com/bryanchriswhite/GlassesStreamer/internal/loop"
	"github.com/bryanchriswhite/GlassesStreamer/internal/output"
	"github.com/bryanchriswhite/GlassesStreamer/internal/overlay"
	"github.com/bryanchriswhite/GlassesStreamer/internal/region"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start capturing and serving the glasses region",
	Long: `Start the capture loop, the frame bus, the distribution endpoints and the
HTTP API.

The region file is watched while serving, so "glassesstreamer region ..."
or an external calibration tool can move the capture area of a running
server.`,
	Example: `  # Start server on default port (8080)
  glassesstreamer serve

  # Start server on custom port
  glassesstreamer serve --port 9090

  # Start with specific config file
  glassesstreamer serve --config /path/to/config.yaml

  # Start with debug logging
  glassesstreamer serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	log := logger.WithComponent("serve")

	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

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

	frames := bus.New(bus.Options{
		MailboxSize: cfg.Bus.MailboxSize,
		RingSize:    cfg.Bus.RingSize,
	})
	capLoop := loop.New(src, store, frames, loop.Options{
		Interval:       cfg.Capture.Interval(),
		BackoffInitial: cfg.Capture.BackoffInitial.Std(),
		BackoffMax:     cfg.Capture.BackoffMax.Std(),
		AutoClamp:      cfg.Capture.AutoClamp,
	})

	recorder := output.NewRecorder(frames, output.RecorderConfig{
		Dir:       cfg.Recorder.Dir,
		Quality:   cfg.Recorder.Quality,
		MaxStride: cfg.Recorder.MaxStride,
	})

	var sink *output.ProcessingSink
	if cfg.Processing.URL != "" {
		sink = output.NewProcessingSink(
			output.NewHTTPProcessor(cfg.Processing.URL, cfg.JPEGQuality),
			cfg.Processing.Timeout.Std(),
		)
	}

	// Validate already rejected unknown step names
	step, _ := region.ParseStep(cfg.Preview.Step)
	server := api.NewServer(api.Options{
		Loop:      capLoop,
		Bus:       frames,
		Store:     store,
		Recorder:  recorder,
		Processor: sink,
		Overlay:   overlay.NewRenderer(cfg.Preview.Overlay),
		Settings:  configMgr,
		Step:      step,
		Quality:   cfg.JPEGQuality,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Region.Watch {
		if err := store.Watch(gctx); err != nil {
			log.Warn().Err(err).Msg("Region hot reload disabled")
		}
	}

	g.Go(func() error {
		return capLoop.Run(gctx)
	})
	g.Go(func() error {
		return server.Run(gctx, cfg.ServerPort)
	})

	if sink != nil {
		g.Go(func() error {
			if err := sink.Run(gctx, frames); err != nil {
				log.Error().Err(err).Msg("Processing sink stopped")
			}
			return nil
		})
		log.Info().Str("url", cfg.Processing.URL).Msg("Processing sink enabled")
	}

	if cfg.Relay.Enabled {
		relay := output.NewRelay(output.RelayConfig{
			URL:     cfg.Relay.URL,
			Command: cfg.Relay.FFmpeg,
			FPS:     cfg.Capture.FPS,
			Width:   cfg.Relay.Width,
			Height:  cfg.Relay.Height,
		})
		g.Go(func() error {
			if err := output.Run(gctx, frames, relay); err != nil {
				log.Error().Err(err).Msg("Relay stopped")
			}
			return nil
		})
		log.Info().Str("url", cfg.Relay.URL).Msg("Relay enabled")
	}

	if cfg.Preview.Enabled {
		preview := output.NewPreviewWindow(output.PreviewConfig{
			Display: cfg.Capture.X11Display,
			Width:   cfg.Preview.Width,
			Height:  cfg.Preview.Height,
		}, server.Decorator())
		g.Go(func() error {
			if err := output.Run(gctx, frames, preview); err != nil {
				log.Error().Err(err).Msg("Preview window stopped")
			}
			return nil
		})
	}

	// Teardown once the loop has published its last frame
	g.Go(func() error {
		<-gctx.Done()
		<-capLoop.Done()
		if err := recorder.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop recording")
		}
		frames.Close()
		return nil
	})

	log.Info().
		Int("port", cfg.ServerPort).
		Str("viewer", fmt.Sprintf("http://localhost:%d/", cfg.ServerPort)).
		Str("control", fmt.Sprintf("http://localhost:%d/control", cfg.ServerPort)).
		Msg("GlassesStreamer is running, press Ctrl+C to stop")

	err = g.Wait()
	log.Info().Uint64("last_seq", capLoop.Seq()).Msg("Shut down")
	return err
}
