package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/bryanchriswhite/GlassesStreamer/internal/capture/pipewire"
	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
)

// PipeWireSource captures through the desktop portal on Wayland sessions.
// The user picks the mirroring window in the portal dialog once; the
// restore token keeps that choice across restarts.
type PipeWireSource struct {
	sourceType uint32
	gstCommand string

	mu     sync.Mutex
	portal *pipewire.Portal
	stream *pipewire.Stream
	last   uint64
}

// NewPipeWireSource asks the portal for a single window.
func NewPipeWireSource(gstCommand string) *PipeWireSource {
	return &PipeWireSource{sourceType: pipewire.SourceTypeWindow, gstCommand: gstCommand}
}

func (s *PipeWireSource) Name() string {
	return "pipewire"
}

func (s *PipeWireSource) IsAvailable() bool {
	return pipewire.Available()
}

func (s *PipeWireSource) Start() error {
	return nil
}

// open negotiates a session and starts the subprocess. Caller holds s.mu.
func (s *PipeWireSource) open(ctx context.Context) error {
	portal, err := pipewire.NewPortal(s.sourceType)
	if err != nil {
		return err
	}
	nodeID, err := portal.Open()
	if err != nil {
		portal.Close()
		return err
	}

	stream := pipewire.NewStream(nodeID, s.gstCommand)
	if err := stream.Start(ctx); err != nil {
		portal.Close()
		return err
	}

	s.portal = portal
	s.stream = stream
	s.last = 0
	return nil
}

func (s *PipeWireSource) close() {
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
	if s.portal != nil {
		s.portal.Close()
		s.portal = nil
	}
}

func (s *PipeWireSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.close()
	return nil
}

// NextFrame waits for the next frame from the subprocess. A dead pipeline
// is torn down and renegotiated on the following poll.
func (s *PipeWireSource) NextFrame(ctx context.Context) (*frame.Raw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		if err := s.open(ctx); err != nil {
			logger.WithComponent("pipewire-source").Warn().Err(err).Msg("Failed to open screen cast")
			return nil, unavailable("%v", err)
		}
	}

	raw, n, err := s.stream.Next(ctx, s.last)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		s.close()
		return nil, unavailable("%v", err)
	}
	s.last = n
	return checkRaw(raw)
}
