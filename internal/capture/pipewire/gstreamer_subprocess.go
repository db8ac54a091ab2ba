package pipewire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
)

// ErrStreamClosed is returned by Next once the gst-launch process exited.
var ErrStreamClosed = errors.New("pipewire: stream closed")

// Stream reads raw RGBA frames of a PipeWire node from a gst-launch-1.0
// subprocess. Running GStreamer out of process keeps cgo out of the binary.
type Stream struct {
	nodeID  uint32
	command string

	mu      sync.Mutex
	cmd     *exec.Cmd
	width   int
	height  int
	latest  *frame.Raw
	count   uint64
	updated chan struct{}
	exited  chan struct{}
	exitErr error
}

// NewStream prepares a stream for nodeID. command defaults to gst-launch-1.0.
func NewStream(nodeID uint32, command string) *Stream {
	if command == "" {
		command = "gst-launch-1.0"
	}
	return &Stream{
		nodeID:  nodeID,
		command: command,
		updated: make(chan struct{}),
	}
}

// Start probes the node size and launches the capture pipeline.
func (s *Stream) Start(ctx context.Context) error {
	log := logger.WithComponent("gstreamer")

	width, height, err := s.probe(ctx)
	if err != nil {
		return err
	}

	args := append([]string{"-q"}, pipelineArgs(s.nodeID, width, height)...)
	cmd := exec.Command(s.command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", s.command, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.width, s.height = width, height
	s.exited = make(chan struct{})
	s.mu.Unlock()

	go logStderr(stderr)
	go s.readFrames(stdout, width, height)

	log.Info().
		Uint32("node_id", s.nodeID).
		Int("pid", cmd.Process.Pid).
		Int("width", width).
		Int("height", height).
		Msg("GStreamer subprocess started")
	return nil
}

// pipelineArgs converts the node to tightly packed RGBA on stdout.
func pipelineArgs(nodeID uint32, width, height int) []string {
	return []string{
		"pipewiresrc", fmt.Sprintf("path=%d", nodeID), "do-timestamp=true",
		"!", "videoconvert",
		"!", "videoscale",
		"!", fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", width, height),
		"!", "fdsink", "fd=1", "sync=false",
	}
}

// probe runs a one-buffer pipeline with -v and reads the negotiated caps.
func (s *Stream) probe(ctx context.Context) (int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.command, "-v",
		"pipewiresrc", fmt.Sprintf("path=%d", s.nodeID), "num-buffers=1", "!", "fakesink")
	output, err := cmd.CombinedOutput()

	for _, line := range strings.Split(string(output), "\n") {
		if !strings.Contains(line, "video/x-raw") {
			continue
		}
		w, h := capsInt(line, "width"), capsInt(line, "height")
		if w > 0 && h > 0 {
			return w, h, nil
		}
	}
	if err != nil {
		return 0, 0, fmt.Errorf("probe node %d: %w", s.nodeID, err)
	}
	return 0, 0, fmt.Errorf("probe node %d: no video caps in output", s.nodeID)
}

// capsInt extracts key from a caps string such as "width=(int)1920".
func capsInt(caps, key string) int {
	for _, prefix := range []string{key + "=(int)", key + "="} {
		idx := strings.Index(caps, prefix)
		if idx < 0 {
			continue
		}
		start := idx + len(prefix)
		end := start
		for end < len(caps) && caps[end] >= '0' && caps[end] <= '9' {
			end++
		}
		if v, err := strconv.Atoi(caps[start:end]); err == nil {
			return v
		}
	}
	return 0
}

func (s *Stream) readFrames(stdout io.Reader, width, height int) {
	log := logger.WithComponent("gstreamer")
	size := width * height * 4
	reader := bufio.NewReaderSize(stdout, size)

	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(reader, buf); err != nil {
			s.finish(err)
			log.Warn().Err(err).Msg("GStreamer stream ended")
			return
		}

		raw := &frame.Raw{
			Timestamp: time.Now(),
			Width:     width,
			Height:    height,
			Stride:    width * 4,
			Pix:       buf,
		}

		s.mu.Lock()
		s.latest = raw
		s.count++
		wake := s.updated
		s.updated = make(chan struct{})
		s.mu.Unlock()
		close(wake)
	}
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	s.mu.Unlock()

	if waitErr := cmd.Wait(); waitErr != nil {
		err = fmt.Errorf("%v (%v)", err, waitErr)
	}
	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()
	close(exited)
}

// Next waits for a frame newer than the one numbered after and returns it
// with its number. Pass 0 to get any frame.
func (s *Stream) Next(ctx context.Context, after uint64) (*frame.Raw, uint64, error) {
	for {
		s.mu.Lock()
		latest, count, wait, exited := s.latest, s.count, s.updated, s.exited
		s.mu.Unlock()

		if latest != nil && count > after {
			return latest, count, nil
		}
		if exited == nil {
			return nil, 0, ErrStreamClosed
		}

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-exited:
			s.mu.Lock()
			err := s.exitErr
			s.mu.Unlock()
			return nil, 0, fmt.Errorf("%w: %v", ErrStreamClosed, err)
		case <-wait:
		}
	}
}

// Stop kills the subprocess.
func (s *Stream) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Kill()
	<-exited
	logger.WithComponent("gstreamer").Info().Msg("GStreamer subprocess stopped")
}

func logStderr(r io.Reader) {
	log := logger.WithComponent("gstreamer")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}
