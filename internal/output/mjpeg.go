package output

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/bus"
	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"github.com/bryanchriswhite/GlassesStreamer/internal/overlay"
)

// Decorator draws preview-only decorations onto a copy of a frame.
type Decorator interface {
	Decorate(f *frame.Stream) *frame.Stream
}

// OverlayDecorator applies an overlay renderer with info supplied per frame.
type OverlayDecorator struct {
	Renderer *overlay.Renderer
	Info     func() overlay.Info
}

// Decorate returns f unchanged when the overlay is off.
func (d OverlayDecorator) Decorate(f *frame.Stream) *frame.Stream {
	var info overlay.Info
	if d.Info != nil {
		info = d.Info()
	}
	img := d.Renderer.Render(f, info)
	if img == f.Image {
		return f
	}
	out := *f
	out.Image = img
	return &out
}

// MJPEGViewer streams frames as Motion JPEG over HTTP. Each connected
// client is its own bus subscriber, so a slow client only loses its own
// frames.
type MJPEGViewer struct {
	bus       *bus.Bus
	quality   int
	decorator Decorator

	clients atomic.Int64
	frames  atomic.Uint64
}

// NewMJPEGViewer creates a viewer for b. decorator may be nil.
func NewMJPEGViewer(b *bus.Bus, quality int, decorator Decorator) *MJPEGViewer {
	return &MJPEGViewer{bus: b, quality: quality, decorator: decorator}
}

// Clients returns the number of connected clients.
func (m *MJPEGViewer) Clients() int {
	return int(m.clients.Load())
}

// Frames returns the number of parts written across all clients.
func (m *MJPEGViewer) Frames() uint64 {
	return m.frames.Load()
}

// ServeHTTP streams until the client disconnects or the bus closes.
func (m *MJPEGViewer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("mjpeg")

	client := &mjpegClient{viewer: m, w: w, name: "mjpeg " + r.RemoteAddr}
	total := m.clients.Add(1)
	log.Info().Str("remote", r.RemoteAddr).Int64("clients", total).Msg("Client connected")
	defer func() {
		remaining := m.clients.Add(-1)
		log.Info().
			Str("remote", r.RemoteAddr).
			Int64("clients", remaining).
			Uint64("frames", client.sent).
			Msg("Client disconnected")
	}()

	if err := Run(r.Context(), m.bus, client); err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Stream ended")
	}
}

type mjpegClient struct {
	viewer *MJPEGViewer
	w      http.ResponseWriter
	name   string
	sent   uint64
}

func (c *mjpegClient) Name() string { return c.name }

func (c *mjpegClient) Start() error {
	h := c.w.Header()
	h.Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Connection", "close")
	return nil
}

func (c *mjpegClient) Stop() error { return nil }

func (c *mjpegClient) WriteFrame(f *frame.Stream) error {
	if c.viewer.decorator != nil {
		f = c.viewer.decorator.Decorate(f)
	}
	data, err := EncodeJPEG(f.Image, c.viewer.quality)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(c.w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\nX-Sequence: %d\r\nX-Timestamp: %s\r\n\r\n",
		len(data), f.Seq, f.Timestamp.Format(time.RFC3339Nano)); err != nil {
		return err
	}
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if _, err := fmt.Fprint(c.w, "\r\n"); err != nil {
		return err
	}
	if fl, ok := c.w.(http.Flusher); ok {
		fl.Flush()
	}

	c.sent++
	c.viewer.frames.Add(1)
	return nil
}

// ViewerPage serves a minimal page embedding the stream at src.
func ViewerPage(title, src string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>%s</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #000;
            overflow: hidden;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
        }
        img {
            width: 100vw;
            height: 100vh;
            object-fit: contain;
            display: block;
            background: #000;
        }
        .nav-menu {
            position: fixed;
            bottom: 16px;
            left: 16px;
            display: flex;
            gap: 8px;
            opacity: 0;
            transition: opacity 0.2s ease;
        }
        .nav-menu:hover { opacity: 1; }
        .nav-link {
            padding: 8px 14px;
            background: rgba(40, 40, 40, 0.9);
            color: #ccc;
            text-decoration: none;
            border-radius: 20px;
            font-family: system-ui, -apple-system, sans-serif;
            font-size: 13px;
        }
    </style>
</head>
<body>
    <img src="%s" alt="Live stream">
    <div class="nav-menu">
        <a href="/" class="nav-link">Stream</a>
        <a href="/control" class="nav-link">Control</a>
        <a href="/api/status" class="nav-link">Status</a>
    </div>
</body>
</html>`, title, src)
	}
}
