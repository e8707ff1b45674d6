package stereo

import (
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idealCalibration() Calibration {
	cam := Camera{K: [3][3]float64{{500, 0, 320}, {0, 500, 240}, {0, 0, 1}}}
	return Calibration{
		Width:  640,
		Height: 480,
		Left:   cam,
		Right:  cam,
		R:      [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		T:      [3]float64{-60, 0, 0},
	}
}

// projectRaw projects a point given in a camera frame to raw (distorted) pixels.
func projectRaw(cam Camera, p r3.Vector) (float64, float64) {
	return cam.project(p.X/p.Z, p.Y/p.Z)
}

func reprojectPixel(q [4][4]float64, x, y, d float64) r3.Vector {
	X := q[0][0]*x + q[0][1]*y + q[0][2]*d + q[0][3]
	Y := q[1][0]*x + q[1][1]*y + q[1][2]*d + q[1][3]
	Z := q[2][0]*x + q[2][1]*y + q[2][2]*d + q[2][3]
	W := q[3][0]*x + q[3][1]*y + q[3][2]*d + q[3][3]
	return r3.Vector{X: X / W, Y: Y / W, Z: Z / W}
}

func TestRectifyIdealRig(t *testing.T) {
	rect, err := Rectify(idealCalibration())
	require.NoError(t, err)

	assert.True(t, rect.Horizontal)
	assert.InDelta(t, 500, rect.Focal(), 1e-9)
	assert.InDelta(t, 60, rect.Baseline(), 1e-9)
	assert.InDelta(t, 320, rect.P1[0][2], 1e-9)
	assert.InDelta(t, 240, rect.P1[1][2], 1e-9)
	assert.InDelta(t, -60*500, rect.P2[0][3], 1e-6)
	assert.InDelta(t, 1.0/60, rect.Q[3][2], 1e-12)
	assert.InDelta(t, 0, rect.Q[3][3], 1e-12)
	assert.Equal(t, image.Rect(0, 0, 640, 480), rect.ROI1)

	// a point one metre ahead sits at d = f*B/Z = 30 px
	p := reprojectPixel(rect.Q, 320, 240, 30)
	assert.InDelta(t, 1000, p.Z, 1e-6)
	assert.InDelta(t, 0, p.X, 1e-6)
}

func TestRectifyAlignsRows(t *testing.T) {
	cal := DefaultCalibration()
	rect, err := Rectify(cal)
	require.NoError(t, err)
	require.True(t, rect.Horizontal)

	for _, p := range []r3.Vector{
		{X: 100, Y: 50, Z: 1000},
		{X: -300, Y: -100, Z: 2000},
		{X: 0, Y: 0, Z: 500},
	} {
		xl, yl := projectRaw(cal.Left, p)
		pr := r3.Vector{
			X: cal.R[0][0]*p.X + cal.R[0][1]*p.Y + cal.R[0][2]*p.Z + cal.T[0],
			Y: cal.R[1][0]*p.X + cal.R[1][1]*p.Y + cal.R[1][2]*p.Z + cal.T[1],
			Z: cal.R[2][0]*p.X + cal.R[2][1]*p.Y + cal.R[2][2]*p.Z + cal.T[2],
		}
		xr, yr := projectRaw(cal.Right, pr)

		ul, vl := rect.RectifyPoint(true, xl, yl)
		ur, vr := rect.RectifyPoint(false, xr, yr)
		assert.InDelta(t, vl, vr, 0.05, "rows must match for %v", p)

		back := reprojectPixel(rect.Q, ul, vl, ul-ur)
		assert.InEpsilon(t, p.Norm(), back.Norm(), 1e-3, "range for %v", p)
	}
}

func TestRectificationQMatchesProjection(t *testing.T) {
	rect, err := Rectify(DefaultCalibration())
	require.NoError(t, err)

	assert.InDelta(t, rect.Focal(), rect.Q[2][3], 1e-12)
	assert.InDelta(t, 63.5, rect.Baseline(), 0.1)
	for _, px := range [][3]float64{{100, 100, 20}, {320, 240, 50}, {600, 400, 7.5}} {
		p := reprojectPixel(rect.Q, px[0], px[1], px[2])
		u := rect.P1[0][0]*p.X/p.Z + rect.P1[0][2]
		v := rect.P1[1][1]*p.Y/p.Z + rect.P1[1][2]
		assert.InDelta(t, px[0], u, 1e-6)
		assert.InDelta(t, px[1], v, 1e-6)
	}
}

func TestRectifiedRotationsAreOrthonormal(t *testing.T) {
	rect, err := Rectify(DefaultCalibration())
	require.NoError(t, err)
	for _, r := range [][3][3]float64{rect.R1, rect.R2} {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				dot := r[i][0]*r[j][0] + r[i][1]*r[j][1] + r[i][2]*r[j][2]
				want := 0.0
				if i == j {
					want = 1
				}
				assert.InDelta(t, want, dot, 1e-9)
			}
		}
	}
}

func TestValidROI(t *testing.T) {
	rect, err := Rectify(DefaultCalibration())
	require.NoError(t, err)
	bounds := image.Rect(0, 0, 640, 480)
	for _, roi := range []image.Rectangle{rect.ROI1, rect.ROI2} {
		assert.False(t, roi.Empty())
		assert.True(t, roi.In(bounds))
		assert.Greater(t, roi.Dx(), 320)
		assert.Greater(t, roi.Dy(), 240)
	}
}

func TestRemapIdentity(t *testing.T) {
	rect, err := Rectify(idealCalibration())
	require.NoError(t, err)
	left, _ := rect.Maps()

	src := image.NewGray(image.Rect(0, 0, 640, 480))
	for i := range src.Pix {
		src.Pix[i] = uint8(i * 7 % 251)
	}
	dst, err := left.Gray(src)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, dst.Pix)
}

func TestRemapBilinearAndBorder(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 2, 1))
	src.Pix[0], src.Pix[1] = 100, 200
	table := newRemapTable(2, 1)
	table.X[0], table.Y[0] = 0.5, 0
	table.X[1], table.Y[1] = 5, 0

	dst, err := table.Gray(src)
	require.NoError(t, err)
	assert.Equal(t, uint8(150), dst.Pix[0])
	assert.Equal(t, uint8(0), dst.Pix[1])
}

func TestRemapSizeMismatch(t *testing.T) {
	table := newRemapTable(4, 4)
	_, err := table.Gray(image.NewGray(image.Rect(0, 0, 3, 4)))
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestRodriguesNearPi(t *testing.T) {
	v := r3.Vector{X: 0, Y: 0, Z: math.Pi}
	back := vectorFromRotation(rotationFromVector(v))
	assert.InDelta(t, math.Pi, back.Norm(), 1e-6)
	assert.InDelta(t, 1, math.Abs(back.Z)/back.Norm(), 1e-6)
}
