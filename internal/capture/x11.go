package capture

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"github.com/bryanchriswhite/GlassesStreamer/internal/window"
)

// X11Source captures the mirroring window, located by title, using X11 or
// XWayland. Without a title pattern it captures the whole root window.
type X11Source struct {
	display string
	pattern *regexp.Regexp

	mu               sync.Mutex
	conn             *xgb.Conn
	screen           *xproto.ScreenInfo
	finder           *window.Finder
	compositeEnabled bool
	target           xproto.Window
	redirected       bool
}

// NewX11Source creates a source for display ("" uses $DISPLAY).
func NewX11Source(display string, pattern *regexp.Regexp) *X11Source {
	return &X11Source{display: display, pattern: pattern}
}

// Start connects to the X server. A missing server is not fatal: NextFrame
// keeps reconnecting and reports the source as unavailable meanwhile.
func (s *X11Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connect(); err != nil {
		logger.WithComponent("x11-source").Warn().Err(err).Msg("X server not reachable yet")
	}
	return nil
}

func (s *X11Source) connect() error {
	if s.conn != nil {
		return nil
	}

	log := logger.WithComponent("x11-source")

	conn, err := xgb.NewConnDisplay(s.display)
	if err != nil {
		return fmt.Errorf("failed to connect to X server: %w", err)
	}
	s.conn = conn
	s.screen = xproto.Setup(conn).DefaultScreen(conn)
	s.finder = window.NewFinderConn(conn)
	s.target = 0
	s.redirected = false

	if err := composite.Init(conn); err != nil {
		log.Warn().
			Err(err).
			Msg("Composite extension not available - obscured windows may capture as black")
		s.compositeEnabled = false
	} else {
		s.compositeEnabled = true
	}

	log.Info().
		Str("display", s.display).
		Bool("composite", s.compositeEnabled).
		Msg("Connected to X server")
	return nil
}

// disconnect drops the connection so the next poll starts from scratch.
func (s *X11Source) disconnect() {
	if s.conn == nil {
		return
	}
	s.conn.Close()
	s.conn = nil
	s.finder = nil
	s.target = 0
	s.redirected = false
}

func (s *X11Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnect()
	return nil
}

func (s *X11Source) Name() string {
	return "x11"
}

func (s *X11Source) IsAvailable() bool {
	conn, err := xgb.NewConnDisplay(s.display)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// NextFrame captures the current contents of the target window.
func (s *X11Source) NextFrame(ctx context.Context) (*frame.Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connect(); err != nil {
		return nil, unavailable("%v", err)
	}

	win, err := s.resolveTarget()
	if err != nil {
		return nil, err
	}

	raw, err := s.captureWindow(win)
	if err == nil {
		return checkRaw(raw)
	}
	if errors.Is(err, ErrSourceUnavailable) {
		return nil, err
	}

	var winErr xproto.WindowError
	var drawErr xproto.DrawableError
	if errors.As(err, &winErr) || errors.As(err, &drawErr) {
		// Window destroyed, look it up again next time
		s.target = 0
		s.redirected = false
	} else {
		s.disconnect()
	}
	return nil, unavailable("%v", err)
}

func (s *X11Source) resolveTarget() (xproto.Window, error) {
	if s.pattern == nil {
		return s.screen.Root, nil
	}
	if s.target != 0 {
		return s.target, nil
	}

	info, err := s.finder.Find(s.pattern)
	if err != nil {
		if errors.Is(err, window.ErrNotFound) {
			return 0, unavailable("%v", err)
		}
		s.disconnect()
		return 0, unavailable("%v", err)
	}

	s.target = xproto.Window(info.ID)
	logger.WithComponent("x11-source").Info().
		Uint32("window_id", info.ID).
		Str("title", info.Title).
		Str("class", info.Class).
		Msg("Mirroring window found")
	return s.target, nil
}

func (s *X11Source) captureWindow(win xproto.Window) (*frame.Raw, error) {
	attrs, err := xproto.GetWindowAttributes(s.conn, win).Reply()
	if err != nil {
		return nil, err
	}

	// Reparenting window managers hand out frame windows; use the first
	// viewable child that carries the actual content.
	if attrs.Class != xproto.WindowClassInputOutput || attrs.MapState != xproto.MapStateViewable {
		child, err := s.findViewableChild(win)
		if err != nil {
			return nil, unavailable("window 0x%x not viewable", uint32(win))
		}
		win = child
	}

	geom, err := xproto.GetGeometry(s.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return nil, err
	}
	if geom.Width == 0 || geom.Height == 0 {
		return nil, unavailable("window 0x%x has zero size", uint32(win))
	}

	drawable, release := s.drawableFor(win)
	defer release()

	reply, err := xproto.GetImage(
		s.conn,
		xproto.ImageFormatZPixmap,
		drawable,
		0, 0,
		geom.Width, geom.Height,
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, err
	}

	return convertBGRX(reply.Data, int(geom.Width), int(geom.Height), int(s.screen.RootDepth), time.Now())
}

// drawableFor returns an off-screen pixmap of win when Composite is
// available, so overlapping windows do not bleed into the capture.
func (s *X11Source) drawableFor(win xproto.Window) (xproto.Drawable, func()) {
	noop := func() {}
	if !s.compositeEnabled || win == s.screen.Root {
		return xproto.Drawable(win), noop
	}

	if !s.redirected {
		if err := composite.RedirectWindowChecked(s.conn, win, composite.RedirectAutomatic).Check(); err != nil {
			logger.WithComponent("x11-source").Debug().
				Err(err).
				Uint32("window_id", uint32(win)).
				Msg("Composite redirect failed, capturing window directly")
			return xproto.Drawable(win), noop
		}
		s.redirected = true
	}

	pixmap, err := xproto.NewPixmapId(s.conn)
	if err != nil {
		return xproto.Drawable(win), noop
	}
	if err := composite.NameWindowPixmapChecked(s.conn, win, pixmap).Check(); err != nil {
		return xproto.Drawable(win), noop
	}
	return xproto.Drawable(pixmap), func() { xproto.FreePixmap(s.conn, pixmap) }
}

func (s *X11Source) findViewableChild(parent xproto.Window) (xproto.Window, error) {
	tree, err := xproto.QueryTree(s.conn, parent).Reply()
	if err != nil {
		return 0, err
	}

	for _, child := range tree.Children {
		attrs, err := xproto.GetWindowAttributes(s.conn, child).Reply()
		if err != nil {
			continue
		}
		if attrs.Class == xproto.WindowClassInputOutput && attrs.MapState == xproto.MapStateViewable {
			geom, err := xproto.GetGeometry(s.conn, xproto.Drawable(child)).Reply()
			if err == nil && geom.Width > 10 && geom.Height > 10 {
				return child, nil
			}
		}
		if grandchild, err := s.findViewableChild(child); err == nil {
			return grandchild, nil
		}
	}
	return 0, fmt.Errorf("no viewable child of 0x%x", uint32(parent))
}

// convertBGRX turns a 24 or 32 bit ZPixmap into RGBA with opaque alpha.
func convertBGRX(data []byte, width, height, depth int, ts time.Time) (*frame.Raw, error) {
	if depth != 24 && depth != 32 {
		return nil, unavailable("unsupported X visual depth %d", depth)
	}
	if len(data) < width*height*4 {
		return nil, unavailable("short image reply: %d bytes for %dx%d", len(data), width, height)
	}

	pix := make([]byte, width*height*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i] = data[i+2]
		pix[i+1] = data[i+1]
		pix[i+2] = data[i]
		pix[i+3] = 0xff
	}

	return &frame.Raw{
		Timestamp: ts,
		Width:     width,
		Height:    height,
		Stride:    width * 4,
		Pix:       pix,
	}, nil
}
