package overlay

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	lineHeight   = 13
	panelOpacity = 0.2
)

// TextWidget draws lines of text, optionally over a translucent panel.
// Lines is evaluated on every frame.
type TextWidget struct {
	X, Y       int
	AlignRight bool
	Color      color.RGBA
	Panel      *image.Rectangle
	Lines      func(Info) []string
}

func (w TextWidget) Type() string { return "text" }

func (w TextWidget) Render(img *image.RGBA, info Info) {
	if w.Lines == nil {
		return
	}
	lines := w.Lines(info)
	if len(lines) == 0 {
		return
	}

	if w.Panel != nil {
		FillRect(img, w.Panel.Add(img.Bounds().Min), color.RGBA{0, 0, 0, 255}, panelOpacity)
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(w.Color),
		Face: basicfont.Face7x13,
	}
	b := img.Bounds()
	for i, line := range lines {
		x := b.Min.X + w.X
		if w.AlignRight {
			x = b.Max.X - w.X - d.MeasureString(line).Round()
		}
		d.Dot = fixed.Point26_6{X: fixed.I(x), Y: fixed.I(b.Min.Y + w.Y + (i+1)*lineHeight)}
		d.DrawString(line)
	}
}

func statusLines(info Info) []string {
	return []string{
		fmt.Sprintf("Pos: (%d, %d)", info.Rect.X, info.Rect.Y),
		fmt.Sprintf("Size: %dx%d", info.Rect.Width, info.Rect.Height),
		fmt.Sprintf("Mode: %s", info.Step),
	}
}

func debugLines(info Info) []string {
	lines := []string{"DEBUG MODE", fmt.Sprintf("seq %d  %.1f fps", info.Seq, info.FPS)}
	if info.State != "" {
		lines = append(lines, info.State)
	}
	if info.Drops > 0 {
		lines = append(lines, fmt.Sprintf("dropped %d", info.Drops))
	}
	return lines
}
