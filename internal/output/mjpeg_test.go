package output

import (
	"image/jpeg"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/bus"
	"github.com/bryanchriswhite/GlassesStreamer/internal/overlay"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMJPEGViewer_StreamsIncreasingParts(t *testing.T) {
	b := bus.New(bus.Options{})
	viewer := NewMJPEGViewer(b, 80, nil)
	srv := httptest.NewServer(viewer)
	defer srv.Close()

	startPublisher(t, b, 32, 24)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)

	mr := multipart.NewReader(resp.Body, params["boundary"])
	var last uint64
	for i := 0; i < 3; i++ {
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))

		seq, err := strconv.ParseUint(part.Header.Get("X-Sequence"), 10, 64)
		require.NoError(t, err)
		assert.Greater(t, seq, last)
		last = seq

		img, err := jpeg.Decode(part)
		require.NoError(t, err)
		assert.Equal(t, 32, img.Bounds().Dx())
		assert.Equal(t, 24, img.Bounds().Dy())
	}

	assert.Equal(t, 1, viewer.Clients())
	resp.Body.Close()
	require.Eventually(t, func() bool { return viewer.Clients() == 0 && b.Len() == 0 }, 2*time.Second, 5*time.Millisecond,
		"disconnect unsubscribes the client")
}

func TestMJPEGViewer_OverlayOnlyOnControlStream(t *testing.T) {
	b := bus.New(bus.Options{})
	deco := OverlayDecorator{Renderer: overlay.NewRenderer(overlay.ModeMinimal)}
	srv := httptest.NewServer(NewMJPEGViewer(b, 95, deco))
	defer srv.Close()

	startPublisher(t, b, 64, 48)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	part, err := multipart.NewReader(resp.Body, params["boundary"]).NextPart()
	require.NoError(t, err)
	img, err := jpeg.Decode(part)
	require.NoError(t, err)

	r, g, _, _ := img.At(32, 0).RGBA()
	assert.Greater(t, g>>8, uint32(150), "border is drawn")
	assert.Less(t, r>>8, uint32(100))

	snap, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint8(90), snap.Image.Pix[32*4+1], "published frame is untouched")
}

func TestWebSocketViewer_SendsBinaryJPEG(t *testing.T) {
	b := bus.New(bus.Options{})
	viewer := NewWebSocketViewer(b, 80)
	srv := httptest.NewServer(viewer)
	defer srv.Close()

	startPublisher(t, b, 16, 16)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+srv.URL[len("http"):], nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		typ, r, err := conn.NextReader()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, typ)
		img, err := jpeg.Decode(r)
		require.NoError(t, err)
		assert.Equal(t, 16, img.Bounds().Dx())
	}

	conn.Close()
	require.Eventually(t, func() bool { return viewer.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketViewer_DisconnectUnsubscribesWhilePaused(t *testing.T) {
	b := bus.New(bus.Options{})
	viewer := NewWebSocketViewer(b, 80)
	srv := httptest.NewServer(viewer)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+srv.URL[len("http"):], nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, viewer.Clients())

	// Nothing is ever published, so only the reader can notice the close
	conn.Close()
	require.Eventually(t, func() bool { return b.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, viewer.Clients())
}
