// Package overlay draws calibration guides onto copies of stream frames
// for preview outputs. Published frames are never decorated.
package overlay

import (
	"image"
	"image/color"

	"github.com/bryanchriswhite/GlassesStreamer/internal/region"
)

// Info is the context a widget may render.
type Info struct {
	Rect   region.Rectangle
	Bounds region.Size
	Step   region.Step
	Seq    uint64
	FPS    float64
	State  string
	Drops  uint64
}

// AtEdge reports whether the region touches the edge of the source frame.
func (i Info) AtEdge() bool {
	if i.Bounds.IsZero() {
		return false
	}
	return i.Rect.X <= 0 || i.Rect.Y <= 0 ||
		i.Rect.X+i.Rect.Width >= i.Bounds.Width ||
		i.Rect.Y+i.Rect.Height >= i.Bounds.Height
}

// Widget represents a renderable overlay element
type Widget interface {
	// Type returns the widget type name
	Type() string

	// Render draws the widget onto img
	Render(img *image.RGBA, info Info)
}

var (
	colorBorder    = color.RGBA{0, 255, 0, 255}
	colorEdge      = color.RGBA{255, 0, 0, 255}
	colorCorner    = color.RGBA{0, 255, 255, 255}
	colorGrid      = color.RGBA{128, 128, 128, 255}
	colorCrosshair = color.RGBA{255, 255, 0, 255}
	colorText      = color.RGBA{0, 255, 0, 255}
	colorDebug     = color.RGBA{255, 0, 255, 255}
)

// BlendImage blends src onto dst at x, y with the given opacity, clipping
// to dst.
func BlendImage(dst *image.RGBA, src *image.RGBA, x, y int, opacity float64) {
	sb := src.Bounds()
	db := dst.Bounds()

	for sy := sb.Min.Y; sy < sb.Max.Y; sy++ {
		dy := y + sy - sb.Min.Y
		if dy < db.Min.Y || dy >= db.Max.Y {
			continue
		}
		for sx := sb.Min.X; sx < sb.Max.X; sx++ {
			dx := x + sx - sb.Min.X
			if dx < db.Min.X || dx >= db.Max.X {
				continue
			}
			s := src.RGBAAt(sx, sy)
			a := float64(s.A) / 255 * opacity
			if a <= 0 {
				continue
			}
			d := dst.RGBAAt(dx, dy)
			dst.SetRGBA(dx, dy, color.RGBA{
				R: mix(s.R, d.R, a),
				G: mix(s.G, d.G, a),
				B: mix(s.B, d.B, a),
				A: 255,
			})
		}
	}
}

func mix(s, d uint8, a float64) uint8 {
	return uint8(float64(s)*a + float64(d)*(1-a) + 0.5)
}

// FillRect darkens or tints a rectangle with c at opacity.
func FillRect(dst *image.RGBA, r image.Rectangle, c color.RGBA, opacity float64) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	tmp := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for i := 0; i < len(tmp.Pix); i += 4 {
		tmp.Pix[i], tmp.Pix[i+1], tmp.Pix[i+2], tmp.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	BlendImage(dst, tmp, r.Min.X, r.Min.Y, opacity)
}

// hline draws a horizontal line thick pixels high, clipped to img.
func hline(img *image.RGBA, x0, x1, y, thick int, c color.RGBA) {
	fill(img, image.Rect(min(x0, x1), y, max(x0, x1)+1, y+thick), c)
}

// vline draws a vertical line thick pixels wide, clipped to img.
func vline(img *image.RGBA, x, y0, y1, thick int, c color.RGBA) {
	fill(img, image.Rect(x, min(y0, y1), x+thick, max(y0, y1)+1), c)
}

func fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}
