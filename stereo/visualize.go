package stereo

import (
	"image"
	"math"
)

// Normalize stretches the valid disparities to [0, 255]. Invalid pixels are 0.
func Normalize(d *Disparity) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, d.Width, d.Height))
	invalid := d.Invalid()
	lo, hi := math.MaxInt, math.MinInt
	for _, v := range d.Data {
		if v == invalid {
			continue
		}
		lo = min(lo, int(v))
		hi = max(hi, int(v))
	}
	if lo > hi {
		return out
	}
	span := float64(hi - lo)
	for i, v := range d.Data {
		if v == invalid {
			continue
		}
		if span == 0 {
			out.Pix[i] = 255
			continue
		}
		out.Pix[i] = uint8(math.Round(float64(int(v)-lo) / span * 255))
	}
	return out
}
