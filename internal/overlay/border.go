package overlay

import "image"

// BorderWidget outlines the capture area and marks its corners. The
// outline turns red when the region touches the edge of the source frame.
type BorderWidget struct {
	Thickness  int
	CornerSize int
}

func (w BorderWidget) Type() string { return "border" }

func (w BorderWidget) Render(img *image.RGBA, info Info) {
	b := img.Bounds()
	if b.Empty() {
		return
	}
	t := max(w.Thickness, 1)
	c := colorBorder
	if info.AtEdge() {
		c = colorEdge
	}

	hline(img, b.Min.X, b.Max.X-1, b.Min.Y, t, c)
	hline(img, b.Min.X, b.Max.X-1, b.Max.Y-t, t, c)
	vline(img, b.Min.X, b.Min.Y, b.Max.Y-1, t, c)
	vline(img, b.Max.X-t, b.Min.Y, b.Max.Y-1, t, c)

	size := w.CornerSize
	if size <= 0 {
		return
	}
	ct := t + 1
	right, bottom := b.Max.X-ct, b.Max.Y-ct
	for _, corner := range []image.Point{{b.Min.X, b.Min.Y}, {right, b.Min.Y}, {b.Min.X, bottom}, {right, bottom}} {
		dx, dy := size, size
		if corner.X != b.Min.X {
			dx = -size
		}
		if corner.Y != b.Min.Y {
			dy = -size
		}
		hline(img, corner.X, corner.X+dx, corner.Y, ct, colorCorner)
		vline(img, corner.X, corner.Y, corner.Y+dy, ct, colorCorner)
	}
}

// GuidesWidget draws a rule-of-thirds grid and a centre crosshair.
type GuidesWidget struct{}

func (GuidesWidget) Type() string { return "guides" }

func (GuidesWidget) Render(img *image.RGBA, _ Info) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	for i := 1; i < 3; i++ {
		vline(img, b.Min.X+w*i/3, b.Min.Y, b.Max.Y-1, 1, colorGrid)
		hline(img, b.Min.X, b.Max.X-1, b.Min.Y+h*i/3, 1, colorGrid)
	}

	cx, cy := b.Min.X+w/2, b.Min.Y+h/2
	hline(img, cx-15, cx+15, cy, 1, colorCrosshair)
	vline(img, cx, cy-15, cy+15, 1, colorCrosshair)
	fill(img, image.Rect(cx-2, cy-2, cx+3, cy+3), colorCrosshair)
}
