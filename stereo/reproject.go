package stereo

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

// MissingZ is the depth given to pixels without disparity when missing values are kept.
const MissingZ = 10000

// PointCloud is an organised point cloud aligned with the left rectified image.
type PointCloud struct {
	Width, Height int
	Points        []r3.Vector
	Valid         []bool
}

// At returns the point at (x, y) and whether it came from a valid disparity.
func (pc *PointCloud) At(x, y int) (r3.Vector, bool) {
	if x < 0 || y < 0 || x >= pc.Width || y >= pc.Height {
		return r3.Vector{}, false
	}
	i := y*pc.Width + x
	return pc.Points[i], pc.Valid[i]
}

// Reproject turns a disparity map into 3D points with the 4x4 matrix Q:
//
//	[X Y Z W]^T = Q * [x y d 1]^T,  point = (X/W, Y/W, Z/W)
//
// Points are in the unit of the calibration baseline. When handleMissing is
// set, pixels without disparity get Z = MissingZ instead of a zero point.
func Reproject(d *Disparity, q [4][4]float64, handleMissing bool) *PointCloud {
	pc := &PointCloud{
		Width:  d.Width,
		Height: d.Height,
		Points: make([]r3.Vector, d.Width*d.Height),
		Valid:  make([]bool, d.Width*d.Height),
	}
	invalid := d.Invalid()
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			i := y*d.Width + x
			raw := d.Data[i]
			disp := float64(raw) / DispScale
			fx, fy := float64(x), float64(y)
			X := q[0][0]*fx + q[0][1]*fy + q[0][2]*disp + q[0][3]
			Y := q[1][0]*fx + q[1][1]*fy + q[1][2]*disp + q[1][3]
			Z := q[2][0]*fx + q[2][1]*fy + q[2][2]*disp + q[2][3]
			W := q[3][0]*fx + q[3][1]*fy + q[3][2]*disp + q[3][3]
			if raw == invalid || math.Abs(W) < 1e-12 {
				if handleMissing {
					pc.Points[i] = r3.Vector{Z: MissingZ}
				}
				continue
			}
			pc.Points[i] = r3.Vector{X: X / W, Y: Y / W, Z: Z / W}
			pc.Valid[i] = true
		}
	}
	return pc
}

// MedianPoint returns the point of median range among the valid points in the
// (2r+1)x(2r+1) window centred on (x, y).
func (pc *PointCloud) MedianPoint(x, y, r int) (r3.Vector, bool) {
	var pts []r3.Vector
	for v := y - r; v <= y+r; v++ {
		for u := x - r; u <= x+r; u++ {
			if p, ok := pc.At(u, v); ok {
				pts = append(pts, p)
			}
		}
	}
	if len(pts) == 0 {
		return r3.Vector{}, false
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].Norm2() < pts[j].Norm2() })
	return pts[len(pts)/2], true
}
