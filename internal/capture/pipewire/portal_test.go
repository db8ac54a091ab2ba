package pipewire

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeID(t *testing.T) {
	id, err := parseNodeID([][]interface{}{{uint32(42), map[string]dbus.Variant{}}})
	require.NoError(t, err)
	assert.Equal(t, uint32(42), id)

	id, err = parseNodeID([]interface{}{[]interface{}{uint32(7), map[string]dbus.Variant{}}})
	require.NoError(t, err)
	assert.Equal(t, uint32(7), id)

	_, err = parseNodeID("nope")
	assert.Error(t, err)
}

func TestParseResponse(t *testing.T) {
	results, err := parseResponse([]interface{}{uint32(0), map[string]dbus.Variant{
		"session_handle": dbus.MakeVariant("/org/freedesktop/portal/desktop/session/1_1/x"),
	}})
	require.NoError(t, err)

	handle, err := sessionHandle(results)
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/freedesktop/portal/desktop/session/1_1/x"), handle)

	_, err = parseResponse([]interface{}{uint32(1), map[string]dbus.Variant{}})
	assert.ErrorContains(t, err, "cancelled")

	_, err = parseResponse([]interface{}{uint32(0)})
	assert.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	path := t.TempDir() + "/sub/token.json"
	assert.Equal(t, "", loadToken(path))
	require.NoError(t, saveToken(path, "abc"))
	assert.Equal(t, "abc", loadToken(path))
}

func TestCapsInt(t *testing.T) {
	line := "/GstPipeline:pipeline0/GstPipeWireSrc:pipewiresrc0.GstPad:src: caps = video/x-raw, format=(string)BGRx, width=(int)2560, height=(int)1440"
	assert.Equal(t, 2560, capsInt(line, "width"))
	assert.Equal(t, 1440, capsInt(line, "height"))
	assert.Equal(t, 0, capsInt(line, "framerate"))
	assert.Equal(t, 640, capsInt("video/x-raw,width=640", "width"))
}

func TestPipelineArgs(t *testing.T) {
	args := pipelineArgs(31, 800, 600)
	assert.Equal(t, "path=31", args[1])
	assert.Contains(t, args, "video/x-raw,format=RGBA,width=800,height=600")
	assert.Equal(t, "fd=1", args[len(args)-2])
}

func TestStream_NextBeforeStart(t *testing.T) {
	s := NewStream(1, "")
	_, _, err := s.Next(t.Context(), 0)
	assert.ErrorIs(t, err, ErrStreamClosed)
}
