package output

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
)

// PreviewConfig configures the local preview window.
type PreviewConfig struct {
	Display string
	Width   int
	Height  int
	Title   string
}

// PreviewWindow shows the live region in an X11 window, scaled to fit.
type PreviewWindow struct {
	cfg       PreviewConfig
	decorator Decorator

	mu           sync.Mutex
	conn         *xgb.Conn
	screen       *xproto.ScreenInfo
	window       xproto.Window
	gc           xproto.Gcontext
	width        int
	height       int
	canvas       *image.RGBA
	bitsPerPixel int
	scanlinePad  int
	maxRequest   int
}

// NewPreviewWindow creates a preview; decorator may be nil.
func NewPreviewWindow(cfg PreviewConfig, decorator Decorator) *PreviewWindow {
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}
	if cfg.Title == "" {
		cfg.Title = "GlassesStreamer Preview"
	}
	return &PreviewWindow{cfg: cfg, decorator: decorator}
}

func (p *PreviewWindow) Name() string { return "preview" }

// Start creates and shows the preview window
func (p *PreviewWindow) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return fmt.Errorf("preview already running")
	}

	conn, err := xgb.NewConnDisplay(p.cfg.Display)
	if err != nil {
		return fmt.Errorf("failed to connect to X server: %w", err)
	}
	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	for _, format := range setup.PixmapFormats {
		if format.Depth == screen.RootDepth {
			p.bitsPerPixel = int(format.BitsPerPixel)
			p.scanlinePad = int(format.ScanlinePad)
			break
		}
	}
	if p.bitsPerPixel != 24 && p.bitsPerPixel != 32 {
		conn.Close()
		return fmt.Errorf("unsupported pixmap format: %d bits per pixel at depth %d", p.bitsPerPixel, screen.RootDepth)
	}
	p.maxRequest = int(setup.MaximumRequestLength) * 4

	window, err := xproto.NewWindowId(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	if err := xproto.CreateWindowChecked(
		conn,
		screen.RootDepth,
		window,
		screen.Root,
		0, 0,
		uint16(p.cfg.Width), uint16(p.cfg.Height),
		0,
		xproto.WindowClassInputOutput,
		screen.RootVisual,
		xproto.CwBackPixel|xproto.CwEventMask,
		[]uint32{0x000000, xproto.EventMaskExposure | xproto.EventMaskStructureNotify},
	).Check(); err != nil {
		conn.Close()
		return fmt.Errorf("failed to create window: %w", err)
	}

	p.conn, p.screen, p.window = conn, screen, window
	p.width, p.height = p.cfg.Width, p.cfg.Height

	if err := p.setProperty("_NET_WM_NAME", "UTF8_STRING", p.cfg.Title); err != nil {
		logger.WithComponent("preview").Warn().Err(err).Msg("Failed to set window title")
	}
	if err := p.setProperty("WM_CLASS", "STRING", "glassesstreamer\x00GlassesStreamer\x00"); err != nil {
		logger.WithComponent("preview").Warn().Err(err).Msg("Failed to set window class")
	}

	if err := xproto.MapWindowChecked(conn, window).Check(); err != nil {
		p.closeLocked()
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(conn)
	if err != nil {
		p.closeLocked()
		return fmt.Errorf("failed to create graphics context ID: %w", err)
	}
	if err := xproto.CreateGCChecked(conn, gc, xproto.Drawable(window), 0, nil).Check(); err != nil {
		p.closeLocked()
		return fmt.Errorf("failed to create GC: %w", err)
	}
	p.gc = gc

	logger.WithComponent("preview").Info().
		Int("width", p.width).
		Int("height", p.height).
		Uint32("window_id", uint32(window)).
		Msg("Preview window created")
	return nil
}

func (p *PreviewWindow) setProperty(name, typ, value string) error {
	nameAtom, err := xproto.InternAtom(p.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return err
	}
	typeAtom, err := xproto.InternAtom(p.conn, false, uint16(len(typ)), typ).Reply()
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		p.conn,
		xproto.PropModeReplace,
		p.window,
		nameAtom.Atom,
		typeAtom.Atom,
		8,
		uint32(len(value)),
		[]byte(value),
	).Check()
}

// WriteFrame draws f scaled into the window.
func (p *PreviewWindow) WriteFrame(f *frame.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return ErrNotRunning
	}
	p.drainEvents()

	if p.decorator != nil {
		f = p.decorator.Decorate(f)
	}
	if p.canvas == nil || p.canvas.Rect.Dx() != p.width || p.canvas.Rect.Dy() != p.height {
		p.canvas = image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	}
	Letterbox(p.canvas, f.Image)

	data, stride := toZPixmap(p.canvas, p.bitsPerPixel, p.scanlinePad)

	// Split into bands that fit in one request
	rows := max(1, (p.maxRequest-64)/stride)
	for y := 0; y < p.height; y += rows {
		n := min(rows, p.height-y)
		if err := xproto.PutImageChecked(
			p.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(p.window),
			p.gc,
			uint16(p.width), uint16(n),
			0, int16(y),
			0,
			p.screen.RootDepth,
			data[y*stride:(y+n)*stride],
		).Check(); err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	return nil
}

// drainEvents tracks window resizes and notices a closed window.
func (p *PreviewWindow) drainEvents() {
	for {
		ev, err := p.conn.PollForEvent()
		if ev == nil && err == nil {
			return
		}
		if cfg, ok := ev.(xproto.ConfigureNotifyEvent); ok && cfg.Window == p.window {
			if int(cfg.Width) > 0 && int(cfg.Height) > 0 {
				p.width, p.height = int(cfg.Width), int(cfg.Height)
			}
		}
	}
}

// toZPixmap converts img to the server's BGRX layout with padded scanlines.
func toZPixmap(img *image.RGBA, bitsPerPixel, scanlinePad int) ([]byte, int) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	bpp := bitsPerPixel / 8
	pad := max(scanlinePad/8, 1)
	stride := (w*bpp + pad - 1) / pad * pad

	data := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride:]
		dst := data[y*stride:]
		for x := 0; x < w; x++ {
			s, d := x*4, x*bpp
			dst[d] = src[s+2]
			dst[d+1] = src[s+1]
			dst[d+2] = src[s]
		}
	}
	return data, stride
}

// Stop closes the preview window
func (p *PreviewWindow) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	p.closeLocked()
	logger.WithComponent("preview").Info().Msg("Preview window closed")
	return nil
}

func (p *PreviewWindow) closeLocked() {
	if p.gc != 0 {
		xproto.FreeGC(p.conn, p.gc)
		p.gc = 0
	}
	if p.window != 0 {
		xproto.DestroyWindow(p.conn, p.window)
		p.window = 0
	}
	p.conn.Close()
	p.conn = nil
}
