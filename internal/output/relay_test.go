package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEncoder writes a shell script that records each launch and appends
// its input to a file, standing in for ffmpeg.
func fakeEncoder(t *testing.T) (script, starts, out string) {
	t.Helper()
	dir := t.TempDir()
	starts = filepath.Join(dir, "starts.log")
	out = filepath.Join(dir, "out.raw")
	script = filepath.Join(dir, "encoder.sh")
	body := fmt.Sprintf("#!/bin/sh\necho \"$@\" >> %q\ncat >> %q\n", starts, out)
	require.NoError(t, os.WriteFile(script, []byte(body), 0755))
	return script, starts, out
}

func TestRelay_RestartsOnDimensionChange(t *testing.T) {
	script, starts, out := fakeEncoder(t)
	r := NewRelay(RelayConfig{Command: script, Args: []string{"sink"}})
	require.NoError(t, r.Start())

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, r.WriteFrame(testFrame(seq, 8, 8)))
	}
	for seq := uint64(4); seq <= 5; seq++ {
		require.NoError(t, r.WriteFrame(testFrame(seq, 16, 8)))
	}
	require.NoError(t, r.Stop())

	assert.Equal(t, 1, r.Restarts())

	launches, err := os.ReadFile(starts)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(launches)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "-s 8x8")
	assert.Contains(t, lines[1], "-s 16x8")

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, int64(3*8*8*4+2*16*8*4), info.Size())
}

func TestRelay_FixedSizeNeverRestarts(t *testing.T) {
	script, starts, out := fakeEncoder(t)
	r := NewRelay(RelayConfig{Command: script, Args: []string{"sink"}, Width: 32, Height: 24})

	require.NoError(t, r.WriteFrame(testFrame(1, 8, 8)))
	require.NoError(t, r.WriteFrame(testFrame(2, 50, 10)))
	require.NoError(t, r.Stop())

	assert.Zero(t, r.Restarts())
	launches, err := os.ReadFile(starts)
	require.NoError(t, err)
	assert.Contains(t, string(launches), "-s 32x24")

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, int64(2*32*24*4), info.Size())
}

func TestRelay_MissingEncoderIsBestEffort(t *testing.T) {
	r := NewRelay(RelayConfig{Command: filepath.Join(t.TempDir(), "does-not-exist")})
	assert.NoError(t, r.WriteFrame(testFrame(1, 4, 4)))
	assert.NoError(t, r.Stop())
}

func TestRelay_DefaultArgsTargetURL(t *testing.T) {
	r := NewRelay(RelayConfig{URL: "rtmp://example/live/glasses", FPS: 15})
	args := strings.Join(r.args(640, 480), " ")
	assert.Contains(t, args, "-f rawvideo -pix_fmt rgba -s 640x480 -r 15 -i -")
	assert.Contains(t, args, "-c:v libx264")
	assert.True(t, strings.HasSuffix(args, "-f flv rtmp://example/live/glasses"))
}
