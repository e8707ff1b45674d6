package stereo

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// rotationFromVector converts an axis-angle vector into a rotation matrix.
func rotationFromVector(v r3.Vector) *mat.Dense {
	theta := v.Norm()
	if theta < 1e-12 {
		return eye3()
	}
	k := v.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	kk := []float64{k.X, k.Y, k.Z}
	skew := [3][3]float64{
		{0, -k.Z, k.Y},
		{k.Z, 0, -k.X},
		{-k.Y, k.X, 0},
	}
	out := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			id := 0.0
			if i == j {
				id = 1
			}
			out.Set(i, j, c*id+(1-c)*kk[i]*kk[j]+s*skew[i][j])
		}
	}
	return out
}

// orthonormalize returns the rotation closest to m (U*V^T of its SVD).
// Calibration files round R, which otherwise leaves it slightly off SO(3).
func orthonormalize(m mat.Matrix) *mat.Dense {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return mat.DenseCopyOf(m)
	}
	var u, v, r mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	r.Mul(&u, v.T())
	return &r
}

// vectorFromRotation is the inverse of rotationFromVector.
func vectorFromRotation(m mat.Matrix) r3.Vector {
	r := orthonormalize(m)
	axis := r3.Vector{
		X: r.At(2, 1) - r.At(1, 2),
		Y: r.At(0, 2) - r.At(2, 0),
		Z: r.At(1, 0) - r.At(0, 1),
	}
	s := axis.Norm() / 2
	c := math.Max(-1, math.Min(1, (r.At(0, 0)+r.At(1, 1)+r.At(2, 2)-1)/2))
	if s < 1e-5 {
		if c > 0 {
			return r3.Vector{}
		}
		// theta close to pi: recover the axis from the symmetric part.
		x := math.Sqrt(math.Max(0, (r.At(0, 0)+1)/2))
		y := math.Sqrt(math.Max(0, (r.At(1, 1)+1)/2))
		z := math.Sqrt(math.Max(0, (r.At(2, 2)+1)/2))
		if r.At(0, 1) < 0 {
			y = -y
		}
		if r.At(0, 2) < 0 {
			z = -z
		}
		return r3.Vector{X: x, Y: y, Z: z}.Normalize().Mul(math.Pi)
	}
	theta := math.Atan2(s, c)
	return axis.Mul(theta / (2 * s))
}
