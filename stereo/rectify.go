package stereo

import (
	"image"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// undistortIterations matches the fixed-point iteration count of the usual
// calibration toolboxes; the default rig converges in fewer than ten.
const undistortIterations = 20

// normalize maps a raw pixel to undistorted normalised coordinates. Skew in K is ignored.
func (c Camera) normalize(u, v float64) (float64, float64) {
	k1, k2, p1, p2, k3 := c.D[0], c.D[1], c.D[2], c.D[3], c.D[4]
	x0 := (u - c.cx()) / c.fx()
	y0 := (v - c.cy()) / c.fy()
	x, y := x0, y0
	for i := 0; i < undistortIterations; i++ {
		r2 := x*x + y*y
		icdist := 1 / (1 + ((k3*r2+k2)*r2+k1)*r2)
		dx := 2*p1*x*y + p2*(r2+2*x*x)
		dy := p1*(r2+2*y*y) + 2*p2*x*y
		x = (x0 - dx) * icdist
		y = (y0 - dy) * icdist
	}
	return x, y
}

// project applies the Brown-Conrady distortion to normalised coordinates and
// returns raw pixel coordinates.
func (c Camera) project(x, y float64) (float64, float64) {
	k1, k2, p1, p2, k3 := c.D[0], c.D[1], c.D[2], c.D[3], c.D[4]
	r2 := x*x + y*y
	kr := 1 + ((k3*r2+k2)*r2+k1)*r2
	xd := x*kr + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*kr + p1*(r2+2*y*y) + 2*p2*x*y
	return c.fx()*xd + c.cx(), c.fy()*yd + c.cy()
}

// Rectification holds the rectifying rotations, the new projection matrices and
// the disparity-to-depth matrix Q of a stereo rig.
type Rectification struct {
	Calibration Calibration
	R1, R2      [3][3]float64
	P1, P2      [3][4]float64
	Q           [4][4]float64
	// ROI1 and ROI2 are the rectified areas that contain only valid pixels.
	ROI1, ROI2 image.Rectangle
	// Horizontal is false for vertically stacked rigs.
	Horizontal bool
}

// Rectify computes the rectification of cal with the Bouguet method. Both
// principal points are set to their average so that objects at infinity have
// zero disparity, and the common focal length is the mean of the two
// focal lengths across the baseline.
func Rectify(cal Calibration) (*Rectification, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	// half of the relative rotation goes to each camera
	om := vectorFromRotation(toDense(cal.R)).Mul(-0.5)
	rr := rotationFromVector(om)
	tvec := mat.NewVecDense(3, []float64{cal.T[0], cal.T[1], cal.T[2]})
	var t mat.VecDense
	t.MulVec(rr, tvec)

	idx := 0
	if math.Abs(t.AtVec(1)) > math.Abs(t.AtVec(0)) {
		idx = 1
	}
	c := t.AtVec(idx)
	nt := mat.Norm(&t, 2)
	var uu r3.Vector
	sign := 1.0
	if c < 0 {
		sign = -1
	}
	if idx == 0 {
		uu.X = sign
	} else {
		uu.Y = sign
	}
	ww := r3.Vector{X: t.AtVec(0), Y: t.AtVec(1), Z: t.AtVec(2)}.Cross(uu)
	if nw := ww.Norm(); nw > 0 {
		ww = ww.Mul(math.Acos(math.Abs(c)/nt) / nw)
	}
	wR := rotationFromVector(ww)

	var r1, r2 mat.Dense
	r1.Mul(wR, rr.T())
	r2.Mul(wR, rr)
	var tr mat.VecDense
	tr.MulVec(&r2, tvec)

	other := idx ^ 1
	fc := (cal.Left.K[other][other] + cal.Right.K[other][other]) / 2

	w, h := float64(cal.Width), float64(cal.Height)
	corners := [4][2]float64{{0, 0}, {w - 1, 0}, {0, h - 1}, {w - 1, h - 1}}
	var cc [2][2]float64
	for k, cam := range []Camera{cal.Left, cal.Right} {
		rk := &r1
		if k == 1 {
			rk = &r2
		}
		var sx, sy float64
		for _, pt := range corners {
			xn, yn := cam.normalize(pt[0], pt[1])
			p := rotate(rk, xn, yn)
			sx += fc * p.X / p.Z
			sy += fc * p.Y / p.Z
		}
		cc[k][0] = (w-1)/2 - sx/4
		cc[k][1] = (h-1)/2 - sy/4
	}
	for i := 0; i < 2; i++ {
		avg := (cc[0][i] + cc[1][i]) / 2
		cc[0][i], cc[1][i] = avg, avg
	}

	rect := &Rectification{
		Calibration: cal,
		R1:          fromDense(&r1),
		R2:          fromDense(&r2),
		Horizontal:  idx == 0,
	}
	rect.P1 = [3][4]float64{
		{fc, 0, cc[0][0], 0},
		{0, fc, cc[0][1], 0},
		{0, 0, 1, 0},
	}
	rect.P2 = [3][4]float64{
		{fc, 0, cc[1][0], 0},
		{0, fc, cc[1][1], 0},
		{0, 0, 1, 0},
	}
	ti := tr.AtVec(idx)
	rect.P2[idx][3] = ti * fc

	rect.Q = [4][4]float64{
		{1, 0, 0, -cc[0][0]},
		{0, 1, 0, -cc[0][1]},
		{0, 0, 0, fc},
		{0, 0, -1 / ti, (cc[0][idx] - cc[1][idx]) / ti},
	}
	rect.ROI1 = rect.validROI(true)
	rect.ROI2 = rect.validROI(false)
	return rect, nil
}

func rotate(r mat.Matrix, x, y float64) r3.Vector {
	return r3.Vector{
		X: r.At(0, 0)*x + r.At(0, 1)*y + r.At(0, 2),
		Y: r.At(1, 0)*x + r.At(1, 1)*y + r.At(1, 2),
		Z: r.At(2, 0)*x + r.At(2, 1)*y + r.At(2, 2),
	}
}

func (r *Rectification) side(left bool) (Camera, [3][3]float64, [3][4]float64) {
	if left {
		return r.Calibration.Left, r.R1, r.P1
	}
	return r.Calibration.Right, r.R2, r.P2
}

// Focal returns the focal length of the rectified cameras in pixels.
func (r *Rectification) Focal() float64 {
	return r.P1[0][0]
}

// Baseline returns the distance between the rectified optical centres in the unit of T.
func (r *Rectification) Baseline() float64 {
	if r.Horizontal {
		return math.Abs(r.P2[0][3] / r.P2[0][0])
	}
	return math.Abs(r.P2[1][3] / r.P2[1][1])
}

// RectifyPoint maps a raw pixel of the left (or right) image into the rectified image.
func (r *Rectification) RectifyPoint(left bool, x, y float64) (float64, float64) {
	cam, rot, p := r.side(left)
	xn, yn := cam.normalize(x, y)
	v := rotate(toDense(rot), xn, yn)
	return p[0][0]*v.X/v.Z + p[0][2], p[1][1]*v.Y/v.Z + p[1][2]
}

// Maps builds the lookup tables that resample raw images into rectified ones.
func (r *Rectification) Maps() (left, right *RemapTable) {
	return r.remapTable(true), r.remapTable(false)
}

func (r *Rectification) remapTable(left bool) *RemapTable {
	cam, rot, p := r.side(left)
	w, h := r.Calibration.Width, r.Calibration.Height
	table := newRemapTable(w, h)
	// inverse rotation: rectified ray back to the raw camera frame
	rt := toDense(rot).T()
	f, cx, cy := p[0][0], p[0][2], p[1][2]
	for v := 0; v < h; v++ {
		for u := 0; u < w; u++ {
			ray := rotate(rt, (float64(u)-cx)/f, (float64(v)-cy)/f)
			sx, sy := cam.project(ray.X/ray.Z, ray.Y/ray.Z)
			i := v*w + u
			table.X[i] = float32(sx)
			table.Y[i] = float32(sy)
		}
	}
	return table
}

// validROI returns the largest axis-aligned rectangle of the rectified image
// whose pixels all come from inside the raw image.
func (r *Rectification) validROI(left bool) image.Rectangle {
	const samples = 16
	w, h := float64(r.Calibration.Width), float64(r.Calibration.Height)
	minX, maxX := math.Inf(-1), math.Inf(1)
	minY, maxY := math.Inf(-1), math.Inf(1)
	for i := 0; i <= samples; i++ {
		s := float64(i) / samples
		x, _ := r.RectifyPoint(left, 0, s*(h-1))
		minX = math.Max(minX, x)
		x, _ = r.RectifyPoint(left, w-1, s*(h-1))
		maxX = math.Min(maxX, x)
		_, y := r.RectifyPoint(left, s*(w-1), 0)
		minY = math.Max(minY, y)
		_, y = r.RectifyPoint(left, s*(w-1), h-1)
		maxY = math.Min(maxY, y)
	}
	roi := image.Rect(int(math.Ceil(minX)), int(math.Ceil(minY)), int(math.Floor(maxX))+1, int(math.Floor(maxY))+1)
	return roi.Intersect(image.Rect(0, 0, r.Calibration.Width, r.Calibration.Height))
}
