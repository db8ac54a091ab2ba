package capture

import (
	"testing"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertBGRX(t *testing.T) {
	data := []byte{
		0x10, 0x20, 0x30, 0x00, 0x01, 0x02, 0x03, 0x00,
		0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	raw, err := convertBGRX(data, 2, 2, 24, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 2, raw.Width)
	assert.Equal(t, 8, raw.Stride)
	assert.Equal(t, []byte{0x30, 0x20, 0x10, 0xff}, raw.Pix[0:4])
	assert.Equal(t, []byte{0xcc, 0xbb, 0xaa, 0xff}, raw.Pix[8:12])
}

func TestConvertBGRX_Rejects(t *testing.T) {
	_, err := convertBGRX(make([]byte, 16), 2, 2, 16, time.Now())
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	_, err = convertBGRX(make([]byte, 8), 2, 2, 24, time.Now())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestCheckRaw_ZeroSizedIsUnavailable(t *testing.T) {
	_, err := checkRaw(&frame.Raw{Width: 0, Height: 10})
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	_, err = checkRaw(nil)
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	raw := &frame.Raw{Width: 1, Height: 1, Stride: 4, Pix: make([]byte, 4)}
	got, err := checkRaw(raw)
	require.NoError(t, err)
	assert.Same(t, raw, got)
}
