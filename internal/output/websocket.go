package output

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/bus"
	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

// WebSocketViewer pushes every delivered frame to a WebSocket client as a
// binary JPEG message. Like the MJPEG viewer, each connection has its own
// bus subscription.
type WebSocketViewer struct {
	bus      *bus.Bus
	quality  int
	upgrader websocket.Upgrader
	clients  atomic.Int64
}

// NewWebSocketViewer creates a viewer for b.
func NewWebSocketViewer(b *bus.Bus, quality int) *WebSocketViewer {
	return &WebSocketViewer{
		bus:     b,
		quality: quality,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Clients returns the number of connected clients.
func (v *WebSocketViewer) Clients() int {
	return int(v.clients.Load())
}

func (v *WebSocketViewer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("websocket")

	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	v.clients.Add(1)
	defer v.clients.Add(-1)

	// A hijacked request's context outlives the connection, so the reader
	// cancels the stream itself once the client goes away
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	closed := make(chan struct{})
	go func() {
		defer cancel()
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	client := &wsClient{viewer: v, conn: conn, closed: closed}
	if err := Run(ctx, v.bus, client); err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket stream ended")
	}
}

type wsClient struct {
	viewer *WebSocketViewer
	conn   *websocket.Conn
	closed chan struct{}
}

func (c *wsClient) Name() string { return "websocket " + c.conn.RemoteAddr().String() }

func (c *wsClient) Start() error { return nil }

func (c *wsClient) Stop() error {
	deadline := time.Now().Add(time.Second)
	return c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (c *wsClient) WriteFrame(f *frame.Stream) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}

	data, err := EncodeJPEG(f.Image, c.viewer.quality)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}
