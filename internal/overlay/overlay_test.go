package overlay

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/region"
)

func solidFrame(w, h int, c color.RGBA) *frame.Stream {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return &frame.Stream{
		Seq:   9,
		Rect:  region.Rectangle{X: 10, Y: 10, Width: w, Height: h},
		Image: img,
	}
}

var gray = color.RGBA{60, 60, 60, 255}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"none": ModeNone, "Minimal": ModeMinimal, "2": ModeStandard, " full ": ModeFull, "debug": ModeDebug,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("loud")
	assert.Error(t, err)

	assert.Equal(t, ModeNone, ModeDebug.Next())

	var m Mode
	require.NoError(t, m.UnmarshalText([]byte("full")))
	assert.Equal(t, ModeFull, m)
}

func TestRender_NoneReturnsFrameImage(t *testing.T) {
	f := solidFrame(100, 80, gray)
	r := NewRenderer(ModeNone)
	assert.Same(t, f.Image, r.Render(f, Info{}))
}

func TestRender_DoesNotModifyFrame(t *testing.T) {
	f := solidFrame(120, 90, gray)
	before := append([]byte(nil), f.Image.Pix...)

	out := NewRenderer(ModeDebug).Render(f, Info{Step: region.StepNormal})

	assert.Equal(t, before, f.Image.Pix)
	assert.NotEqual(t, before, out.Pix)
}

func TestRender_BorderColourFollowsEdge(t *testing.T) {
	f := solidFrame(100, 80, gray)
	r := NewRenderer(ModeMinimal)

	inside := r.Render(f, Info{
		Rect:   region.Rectangle{X: 10, Y: 10, Width: 100, Height: 80},
		Bounds: region.Size{Width: 400, Height: 400},
	})
	assert.Equal(t, colorBorder, inside.RGBAAt(50, 0))

	edge := r.Render(f, Info{
		Rect:   region.Rectangle{X: 0, Y: 10, Width: 100, Height: 80},
		Bounds: region.Size{Width: 400, Height: 400},
	})
	assert.Equal(t, colorEdge, edge.RGBAAt(50, 0))

	assert.Equal(t, colorCorner, inside.RGBAAt(1, 1))
	assert.Equal(t, gray, inside.RGBAAt(50, 40), "centre untouched in minimal mode")
}

func TestRender_FullAddsCrosshair(t *testing.T) {
	f := solidFrame(200, 200, gray)

	standard := NewRenderer(ModeStandard).Render(f, Info{})
	assert.Equal(t, gray, standard.RGBAAt(100, 100))

	full := NewRenderer(ModeFull).Render(f, Info{})
	assert.Equal(t, colorCrosshair, full.RGBAAt(100, 100))
	assert.Equal(t, colorGrid, full.RGBAAt(66, 180))
}

func TestRender_StandardDarkensPanel(t *testing.T) {
	f := solidFrame(300, 100, gray)
	out := NewRenderer(ModeStandard).Render(f, Info{})

	// Below the text lines but inside the panel
	p := out.RGBAAt(200, 60)
	assert.Less(t, p.R, gray.R)
	assert.Equal(t, gray, out.RGBAAt(280, 80))
}

func TestRenderer_Cycle(t *testing.T) {
	r := NewRenderer(ModeFull)
	assert.Equal(t, ModeDebug, r.Cycle())
	assert.Equal(t, ModeNone, r.Cycle())
	assert.Equal(t, ModeNone, r.Mode())
}

func TestInfo_AtEdge(t *testing.T) {
	b := region.Size{Width: 200, Height: 100}
	assert.False(t, Info{Rect: region.Rectangle{X: 1, Y: 1, Width: 10, Height: 10}, Bounds: b}.AtEdge())
	assert.True(t, Info{Rect: region.Rectangle{X: 190, Y: 1, Width: 10, Height: 10}, Bounds: b}.AtEdge())
	assert.False(t, Info{Rect: region.Rectangle{Width: 10, Height: 10}}.AtEdge(), "unknown bounds")
}

func TestBlendImage_ClipsAndMixes(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 4, 4))
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < len(src.Pix); i += 4 {
		src.Pix[i], src.Pix[i+3] = 200, 255
	}

	BlendImage(dst, src, 2, 2, 0.5)

	assert.Equal(t, uint8(100), dst.RGBAAt(3, 3).R)
	assert.Equal(t, uint8(0), dst.RGBAAt(1, 1).R)
}
