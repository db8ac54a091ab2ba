package output

import (
	"bufio"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	xdraw "golang.org/x/image/draw"
)

const relayRestartDelay = time.Second

// RelayConfig configures the ffmpeg relay.
type RelayConfig struct {
	URL     string
	Command string
	FPS     int
	// Width and Height fix the output size. When zero the region size is
	// used and the encoder restarts whenever it changes.
	Width  int
	Height int
	// Args replaces the encoder arguments that follow the raw video input.
	Args []string
}

// Relay pipes frames into an ffmpeg subprocess which encodes them and pushes
// them to a streaming server. It is best effort: when the encoder dies the
// frames are skipped until it has been restarted.
type Relay struct {
	cfg RelayConfig

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	exited   chan struct{}
	width    int
	height   int
	canvas   *image.RGBA
	retryAt  time.Time
	restarts int
	written  uint64
}

// NewRelay creates a relay. Command defaults to ffmpeg.
func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 20
	}
	return &Relay{cfg: cfg}
}

func (r *Relay) Name() string { return "relay" }

func (r *Relay) Start() error { return nil }

// WriteFrame scales f if an output size is configured and writes it to the
// encoder, starting or restarting it as needed.
func (r *Relay) WriteFrame(f *frame.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	img := r.fit(f.Image)
	w, h := img.Rect.Dx(), img.Rect.Dy()

	if r.cmd != nil && (w != r.width || h != r.height || r.dead()) {
		r.stopLocked()
		r.restarts++
	}
	if r.cmd == nil {
		if time.Now().Before(r.retryAt) {
			return nil
		}
		if err := r.launch(w, h); err != nil {
			logger.WithComponent("relay").Warn().Err(err).Msg("Failed to start encoder")
			r.retryAt = time.Now().Add(relayRestartDelay)
			return nil
		}
	}

	if _, err := r.stdin.Write(img.Pix); err != nil {
		logger.WithComponent("relay").Warn().Err(err).Uint64("seq", f.Seq).Msg("Encoder write failed")
		r.stopLocked()
		r.retryAt = time.Now().Add(relayRestartDelay)
		return nil
	}
	r.written++
	return nil
}

// fit returns a tightly packed image of the output size.
func (r *Relay) fit(src *image.RGBA) *image.RGBA {
	if r.cfg.Width <= 0 || r.cfg.Height <= 0 {
		if src.Rect.Min == (image.Point{}) && src.Stride == src.Rect.Dx()*4 {
			return src
		}
		dst := image.NewRGBA(image.Rect(0, 0, src.Rect.Dx(), src.Rect.Dy()))
		xdraw.Copy(dst, image.Point{}, src, src.Rect, xdraw.Src, nil)
		return dst
	}
	if r.canvas == nil {
		r.canvas = image.NewRGBA(image.Rect(0, 0, r.cfg.Width, r.cfg.Height))
	}
	Letterbox(r.canvas, src)
	return r.canvas
}

func (r *Relay) args(w, h int) []string {
	args := []string{
		"-loglevel", "warning",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-r", fmt.Sprint(r.cfg.FPS),
		"-i", "-",
	}
	if len(r.cfg.Args) > 0 {
		return append(args, r.cfg.Args...)
	}
	return append(args,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-g", fmt.Sprint(r.cfg.FPS*2),
		"-f", "flv",
		r.cfg.URL,
	)
}

func (r *Relay) launch(w, h int) error {
	cmd := exec.Command(r.cfg.Command, r.args(w, h)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", r.cfg.Command, err)
	}

	exited := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.WithComponent("relay").Debug().Str("ffmpeg", strings.TrimSpace(scanner.Text())).Msg("Encoder output")
		}
		cmd.Wait()
		close(exited)
	}()

	r.cmd, r.stdin, r.exited = cmd, stdin, exited
	r.width, r.height = w, h

	logger.WithComponent("relay").Info().
		Str("url", r.cfg.URL).
		Int("width", w).
		Int("height", h).
		Int("pid", cmd.Process.Pid).
		Msg("Encoder started")
	return nil
}

func (r *Relay) dead() bool {
	select {
	case <-r.exited:
		return true
	default:
		return false
	}
}

// stopLocked closes the encoder input and waits for it to exit.
func (r *Relay) stopLocked() {
	if r.cmd == nil {
		return
	}
	r.stdin.Close()
	select {
	case <-r.exited:
	case <-time.After(5 * time.Second):
		r.cmd.Process.Kill()
		<-r.exited
	}
	r.cmd, r.stdin, r.exited = nil, nil, nil
}

// Stop shuts the encoder down.
func (r *Relay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	logger.WithComponent("relay").Info().Uint64("frames", r.written).Int("restarts", r.restarts).Msg("Relay stopped")
	return nil
}

// Restarts returns how often the encoder was restarted.
func (r *Relay) Restarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts
}

// Letterbox scales src into dst keeping the aspect ratio, filling the rest
// with black.
func Letterbox(dst, src *image.RGBA) {
	db, sb := dst.Bounds(), src.Bounds()
	xdraw.Draw(dst, db, image.Black, image.Point{}, xdraw.Src)
	if sb.Empty() {
		return
	}

	scale := min(float64(db.Dx())/float64(sb.Dx()), float64(db.Dy())/float64(sb.Dy()))
	w, h := int(float64(sb.Dx())*scale), int(float64(sb.Dy())*scale)
	x, y := db.Min.X+(db.Dx()-w)/2, db.Min.Y+(db.Dy()-h)/2
	xdraw.ApproxBiLinear.Scale(dst, image.Rect(x, y, x+w, y+h), src, sb, xdraw.Src, nil)
}
