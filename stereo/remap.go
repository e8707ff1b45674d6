package stereo

import (
	"image"
	"math"

	"github.com/pkg/errors"
)

// RemapTable stores, for every destination pixel, the source coordinates to sample.
type RemapTable struct {
	Width, Height int
	X, Y          []float32
}

func newRemapTable(w, h int) *RemapTable {
	return &RemapTable{
		Width:  w,
		Height: h,
		X:      make([]float32, w*h),
		Y:      make([]float32, w*h),
	}
}

// Gray resamples src with bilinear interpolation. Samples falling outside src read as 0.
func (t *RemapTable) Gray(src *image.Gray) (*image.Gray, error) {
	b := src.Bounds()
	if b.Dx() != t.Width || b.Dy() != t.Height {
		return nil, errors.Wrapf(ErrSizeMismatch, "remap %dx%d image with %dx%d table", b.Dx(), b.Dy(), t.Width, t.Height)
	}
	dst := image.NewGray(image.Rect(0, 0, t.Width, t.Height))
	at := func(x, y int) float64 {
		if x < 0 || y < 0 || x >= t.Width || y >= t.Height {
			return 0
		}
		return float64(src.Pix[src.PixOffset(b.Min.X+x, b.Min.Y+y)])
	}
	for v := 0; v < t.Height; v++ {
		row := dst.Pix[v*dst.Stride:]
		for u := 0; u < t.Width; u++ {
			i := v*t.Width + u
			sx, sy := float64(t.X[i]), float64(t.Y[i])
			x0, y0 := math.Floor(sx), math.Floor(sy)
			ix, iy := int(x0), int(y0)
			if ix < -1 || iy < -1 || ix >= t.Width || iy >= t.Height {
				continue
			}
			fx, fy := sx-x0, sy-y0
			val := at(ix, iy)*(1-fx)*(1-fy) +
				at(ix+1, iy)*fx*(1-fy) +
				at(ix, iy+1)*(1-fx)*fy +
				at(ix+1, iy+1)*fx*fy
			row[u] = uint8(math.Min(255, math.Round(val)))
		}
	}
	return dst, nil
}
