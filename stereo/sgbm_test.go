package stereo

import (
	"image"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shiftedPair returns a random texture and the same texture seen by a camera
// displaced so that left pixel x matches right pixel x-shift.
func shiftedPair(w, h, shift int, seed int64) (*image.Gray, *image.Gray) {
	rnd := rand.New(rand.NewSource(seed))
	left := image.NewGray(image.Rect(0, 0, w, h))
	right := image.NewGray(image.Rect(0, 0, w, h))
	for i := range left.Pix {
		left.Pix[i] = uint8(rnd.Intn(256))
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x+shift < w {
				right.Pix[y*w+x] = left.Pix[y*w+x+shift]
			} else {
				right.Pix[y*w+x] = uint8(rnd.Intn(256))
			}
		}
	}
	return left, right
}

func TestNewSGBMParams(t *testing.T) {
	tests := []struct {
		num, block, channels int
		wantBlock, wantNum   int
	}{
		{6, 10, 3, 11, 96},
		{1, 2, 3, 5, 16},
		{0, 7, 1, 7, 16},
	}
	for _, tc := range tests {
		p := NewSGBMParams(tc.num, tc.block, tc.channels)
		assert.Equal(t, tc.wantBlock, p.BlockSize)
		assert.Equal(t, tc.wantNum, p.NumDisparities)
		assert.Equal(t, 8*tc.channels*tc.wantBlock*tc.wantBlock, p.P1)
		assert.Equal(t, 32*tc.channels*tc.wantBlock*tc.wantBlock, p.P2)
		assert.Equal(t, 1, p.MinDisparity)
		assert.Equal(t, ModeHH, p.Mode)
		assert.NoError(t, p.Validate())
	}
}

func TestSGBMParamsValidate(t *testing.T) {
	base := NewSGBMParams(1, 5, 1)
	tests := []struct {
		name   string
		mutate func(*SGBMParams)
	}{
		{"disparities not multiple of 16", func(p *SGBMParams) { p.NumDisparities = 20 }},
		{"even block", func(p *SGBMParams) { p.BlockSize = 4 }},
		{"P2 below P1", func(p *SGBMParams) { p.P2 = p.P1 }},
		{"prefilter cap", func(p *SGBMParams) { p.PreFilterCap = 0 }},
		{"uniqueness", func(p *SGBMParams) { p.UniquenessRatio = 100 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidParams)
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("sgbm")
	require.NoError(t, err)
	assert.Equal(t, ModeSGBM, m)
	m, err = ParseMode("hh")
	require.NoError(t, err)
	assert.Equal(t, "hh", m.String())
	_, err = ParseMode("bm")
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestComputeRecoversShift(t *testing.T) {
	for _, mode := range []Mode{ModeSGBM, ModeHH} {
		for _, shift := range []int{5, 8, 12} {
			t.Run(mode.String(), func(t *testing.T) {
				left, right := shiftedPair(64, 32, shift, int64(shift))
				p := NewSGBMParams(1, 5, 1)
				p.Mode = mode

				disp, err := Compute(left, right, p)
				require.NoError(t, err)

				good, total := 0, 0
				for y := 4; y < 28; y++ {
					for x := 24; x < 60; x++ {
						total++
						if d, ok := disp.At(x, y); ok && math.Abs(d-float64(shift)) <= 1 {
							good++
						}
					}
				}
				assert.GreaterOrEqual(t, float64(good)/float64(total), 0.95, "shift %d", shift)
			})
		}
	}
}

func TestComputeLeftRightCheckKeepsConsistentMatches(t *testing.T) {
	left, right := shiftedPair(64, 32, 8, 3)
	p := NewSGBMParams(1, 5, 1)
	p.Disp12MaxDiff = 1

	disp, err := Compute(left, right, p)
	require.NoError(t, err)
	d, ok := disp.At(40, 16)
	require.True(t, ok)
	assert.InDelta(t, 8, d, 1)
}

func TestComputeRejectsMismatchedPair(t *testing.T) {
	_, err := Compute(image.NewGray(image.Rect(0, 0, 32, 16)), image.NewGray(image.Rect(0, 0, 16, 16)), NewSGBMParams(1, 5, 1))
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestComputeLeftBorderIsInvalid(t *testing.T) {
	left, right := shiftedPair(48, 24, 6, 11)
	disp, err := Compute(left, right, NewSGBMParams(1, 5, 1))
	require.NoError(t, err)
	require.Len(t, disp.Data, 48*24)
	// column 0 has no right pixel for any disparity >= MinDisparity
	for y := 0; y < 24; y++ {
		_, ok := disp.At(0, y)
		assert.False(t, ok, "row %d", y)
	}
}

func TestDisparityAt(t *testing.T) {
	d := &Disparity{Width: 2, Height: 1, MinDisparity: 1, Data: []int16{0, 40}}
	_, ok := d.At(0, 0)
	assert.False(t, ok)
	v, ok := d.At(1, 0)
	assert.True(t, ok)
	assert.Equal(t, 2.5, v)
	_, ok = d.At(2, 0)
	assert.False(t, ok)
	assert.Equal(t, 1, d.ValidCount())
}

func TestFilterSpeckles(t *testing.T) {
	const w, h = 10, 10
	d := &Disparity{Width: w, Height: h, MinDisparity: 1, Data: make([]int16, w*h)}
	for i := range d.Data {
		d.Data[i] = 160
	}
	for _, p := range []int{2*w + 2, 2*w + 3, 3*w + 2, 3*w + 3} {
		d.Data[p] = 800
	}
	FilterSpeckles(d, d.Invalid(), 4, 16)

	assert.Equal(t, d.Invalid(), d.Data[2*w+2])
	assert.Equal(t, d.Invalid(), d.Data[3*w+3])
	assert.Equal(t, int16(160), d.Data[0])
	assert.Equal(t, w*h-4, d.ValidCount())
}

func TestFilterSpecklesKeepsLargeBlobs(t *testing.T) {
	d := &Disparity{Width: 4, Height: 4, MinDisparity: 1, Data: make([]int16, 16)}
	for i := range d.Data {
		d.Data[i] = int16(100 + i)
	}
	FilterSpeckles(d, d.Invalid(), 10, 16)
	assert.Equal(t, 16, d.ValidCount())
}
