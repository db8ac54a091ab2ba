// Package frame holds the raw and cropped frame types passed between the
// capture source, the capture loop and the frame bus.
package frame

import (
	"fmt"
	"image"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/region"
)

// ErrInvalidRegion is returned by Extract when the rectangle does not fit
// the raw frame. It is the same value as region.ErrInvalidRegion.
var ErrInvalidRegion = region.ErrInvalidRegion

// Raw is a full frame read from a capture source. Pix is RGBA, 4 bytes per
// pixel, Stride bytes per row. A Raw is not modified after the source
// returns it.
type Raw struct {
	Timestamp time.Time
	Width     int
	Height    int
	Stride    int
	Pix       []byte
}

// FromRGBA wraps an image as a raw frame without copying. The image origin
// is normalised to 0,0.
func FromRGBA(img *image.RGBA, ts time.Time) *Raw {
	b := img.Bounds()
	return &Raw{
		Timestamp: ts,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Stride:    img.Stride,
		Pix:       img.Pix[img.PixOffset(b.Min.X, b.Min.Y):],
	}
}

// Size returns the frame dimensions.
func (r *Raw) Size() region.Size {
	return region.Size{Width: r.Width, Height: r.Height}
}

// Stream is a published frame. Image is owned by the frame and shared
// read-only between all subscribers once published; consumers that need
// to draw on it must copy first.
type Stream struct {
	Seq           uint64
	Timestamp     time.Time
	Rect          region.Rectangle
	RegionVersion uint64
	Image         *image.RGBA
}

// Width of the cropped image.
func (s *Stream) Width() int { return s.Image.Rect.Dx() }

// Height of the cropped image.
func (s *Stream) Height() int { return s.Image.Rect.Dy() }

// Clone returns a deep copy that the caller may modify freely.
func (s *Stream) Clone() *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, s.Width(), s.Height()))
	copyRows(dst.Pix, dst.Stride, s.Image.Pix, s.Image.Stride, s.Width()*4, s.Height())
	return dst
}

// Extract copies rect out of raw into a new stream frame. The sequence
// number is left at zero for the caller to assign. The raw frame is not
// retained.
func Extract(raw *Raw, rect region.Rectangle) (*Stream, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: no frame", ErrInvalidRegion)
	}
	if err := rect.Validate(raw.Size()); err != nil {
		return nil, err
	}
	if len(raw.Pix) < (raw.Height-1)*raw.Stride+raw.Width*4 {
		return nil, fmt.Errorf("raw frame buffer too short for %dx%d", raw.Width, raw.Height)
	}

	img := image.NewRGBA(image.Rect(0, 0, rect.Width, rect.Height))
	src := raw.Pix[rect.Y*raw.Stride+rect.X*4:]
	copyRows(img.Pix, img.Stride, src, raw.Stride, rect.Width*4, rect.Height)

	return &Stream{
		Timestamp: raw.Timestamp,
		Rect:      rect,
		Image:     img,
	}, nil
}

func copyRows(dst []byte, dstStride int, src []byte, srcStride, rowBytes, rows int) {
	for y := 0; y < rows; y++ {
		copy(dst[y*dstStride:y*dstStride+rowBytes], src[y*srcStride:y*srcStride+rowBytes])
	}
}
