package frame

import (
	"image"
	"image/color"
	"math/rand"
	"testing"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/region"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gradient fills a frame where every pixel encodes its own coordinates.
func gradient(w, h int) *Raw {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	return FromRGBA(img, time.Unix(100, 0))
}

func TestExtract_DimensionsAndContent(t *testing.T) {
	raw := gradient(200, 150)
	rect := region.Rectangle{X: 30, Y: 40, Width: 50, Height: 20}

	sf, err := Extract(raw, rect)
	require.NoError(t, err)

	assert.Equal(t, 50, sf.Width())
	assert.Equal(t, 20, sf.Height())
	assert.Equal(t, rect, sf.Rect)
	assert.Equal(t, raw.Timestamp, sf.Timestamp)
	assert.Equal(t, uint64(0), sf.Seq)

	assert.Equal(t, color.RGBA{R: 30, G: 40, B: 30 ^ 40, A: 255}, sf.Image.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 79, G: 59, B: 79 ^ 59, A: 255}, sf.Image.RGBAAt(49, 19))
}

func TestExtract_DeterministicProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	raw := gradient(256, 256)

	for i := 0; i < 100; i++ {
		w := 1 + rng.Intn(256)
		h := 1 + rng.Intn(256)
		rect := region.Rectangle{X: rng.Intn(256 - w + 1), Y: rng.Intn(256 - h + 1), Width: w, Height: h}

		a, err := Extract(raw, rect)
		require.NoError(t, err)
		b, err := Extract(raw, rect)
		require.NoError(t, err)

		assert.Equal(t, w, a.Width())
		assert.Equal(t, h, a.Height())
		assert.Equal(t, a.Image.Pix, b.Image.Pix)
	}
}

func TestExtract_FullFrame(t *testing.T) {
	raw := gradient(64, 32)
	sf, err := Extract(raw, region.Rectangle{Width: 64, Height: 32})
	require.NoError(t, err)
	assert.Equal(t, raw.Pix[:len(sf.Image.Pix)], sf.Image.Pix)
}

func TestExtract_InvalidRegion(t *testing.T) {
	raw := gradient(100, 100)

	cases := map[string]region.Rectangle{
		"exceeds width":   {X: 60, Y: 0, Width: 50, Height: 10},
		"exceeds height":  {X: 0, Y: 95, Width: 10, Height: 10},
		"negative origin": {X: -1, Y: 0, Width: 10, Height: 10},
		"zero width":      {X: 0, Y: 0, Width: 0, Height: 10},
	}
	for name, rect := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Extract(raw, rect)
			assert.ErrorIs(t, err, ErrInvalidRegion)
		})
	}
}

func TestExtract_DoesNotAliasSource(t *testing.T) {
	raw := gradient(10, 10)
	sf, err := Extract(raw, region.Rectangle{Width: 10, Height: 10})
	require.NoError(t, err)

	raw.Pix[0] = 0xAA
	assert.Equal(t, uint8(0), sf.Image.Pix[0])
}

func TestFromRGBA_SubImage(t *testing.T) {
	full := gradient(20, 20)
	img := &image.RGBA{Pix: full.Pix, Stride: full.Stride, Rect: image.Rect(0, 0, 20, 20)}
	sub := img.SubImage(image.Rect(5, 5, 15, 15)).(*image.RGBA)

	raw := FromRGBA(sub, time.Now())
	assert.Equal(t, 10, raw.Width)

	sf, err := Extract(raw, region.Rectangle{Width: 1, Height: 1})
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 5, G: 5, B: 0, A: 255}, sf.Image.RGBAAt(0, 0))
}

func TestClone_IsIndependent(t *testing.T) {
	sf, err := Extract(gradient(8, 8), region.Rectangle{X: 2, Y: 2, Width: 4, Height: 4})
	require.NoError(t, err)

	c := sf.Clone()
	c.Pix[0] = 1
	assert.NotEqual(t, c.Pix[0], sf.Image.Pix[0])
}
