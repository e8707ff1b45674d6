// Package stereo rectifies a calibrated camera pair, computes semi-global matching
// disparity and reprojects it into 3D points.
package stereo

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

var (
	// ErrSizeMismatch is returned when an image does not have the calibrated size.
	ErrSizeMismatch = errors.New("image size does not match calibration")
	// ErrInvalidCalibration is returned by Validate.
	ErrInvalidCalibration = errors.New("invalid stereo calibration")
)

// Camera holds the intrinsics of one camera. D follows the k1, k2, p1, p2, k3 order.
type Camera struct {
	K [3][3]float64 `yaml:"k"`
	D [5]float64    `yaml:"d"`
}

func (c Camera) fx() float64 { return c.K[0][0] }
func (c Camera) fy() float64 { return c.K[1][1] }
func (c Camera) cx() float64 { return c.K[0][2] }
func (c Camera) cy() float64 { return c.K[1][2] }

// Calibration describes a stereo rig. R and T bring points from the left camera
// frame into the right camera frame; T is in millimetres.
type Calibration struct {
	Width  int           `yaml:"width"`
	Height int           `yaml:"height"`
	Left   Camera        `yaml:"left"`
	Right  Camera        `yaml:"right"`
	R      [3][3]float64 `yaml:"r"`
	T      [3]float64    `yaml:"t"`
}

// DefaultCalibration returns the calibration of the 1280x480 side-by-side USB rig.
func DefaultCalibration() Calibration {
	return Calibration{
		Width:  640,
		Height: 480,
		Left: Camera{
			K: [3][3]float64{
				{509.7227, -1.1239, 310.6237},
				{0, 509.2412, 253.9160},
				{0, 0, 1},
			},
			D: [5]float64{0.2423, -0.2787, 0.0130, -0.0122, 0.1445},
		},
		Right: Camera{
			K: [3][3]float64{
				{509.6494, -1.7097, 311.0560},
				{0, 508.6277, 256.8951},
				{0, 0, 1},
			},
			D: [5]float64{0.2448, -0.2297, 0.0126, -0.0127, 0.0050},
		},
		R: [3][3]float64{
			{1.0000, -0.0009, 0.0095},
			{0.0009, 1.0000, 0.0016},
			{-0.0095, -0.0016, 1.0000},
		},
		T: [3]float64{63.5133, -0.0322, -1.3117},
	}
}

// LoadCalibration reads a YAML calibration file. Missing fields keep the default values.
func LoadCalibration(path string) (Calibration, error) {
	cal := DefaultCalibration()
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return cal, errors.Wrapf(err, "cannot read calibration %q", path)
	}
	if err := yaml.Unmarshal(data, &cal); err != nil {
		return cal, errors.Wrapf(err, "cannot parse calibration %q", path)
	}
	return cal, cal.Validate()
}

// Validate checks the image size, the focal lengths and that R is a proper rotation.
func (c Calibration) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return errors.Wrapf(ErrInvalidCalibration, "size %dx%d", c.Width, c.Height)
	}
	for name, cam := range map[string]Camera{"left": c.Left, "right": c.Right} {
		if cam.fx() <= 0 || cam.fy() <= 0 {
			return errors.Wrapf(ErrInvalidCalibration, "%s focal length (%v, %v)", name, cam.fx(), cam.fy())
		}
		if cam.K[2][2] != 1 {
			return errors.Wrapf(ErrInvalidCalibration, "%s camera matrix is not normalised", name)
		}
	}
	r := toDense(c.R)
	var rrt mat.Dense
	rrt.Mul(r, r.T())
	if !mat.EqualApprox(&rrt, eye3(), 1e-3) {
		return errors.Wrap(ErrInvalidCalibration, "R is not orthonormal")
	}
	if math.Abs(mat.Det(r)-1) > 1e-3 {
		return errors.Wrapf(ErrInvalidCalibration, "det(R) = %v", mat.Det(r))
	}
	if c.T[0] == 0 && c.T[1] == 0 && c.T[2] == 0 {
		return errors.Wrap(ErrInvalidCalibration, "zero baseline")
	}
	return nil
}

// Baseline returns |T| in millimetres.
func (c Calibration) Baseline() float64 {
	return math.Sqrt(c.T[0]*c.T[0] + c.T[1]*c.T[1] + c.T[2]*c.T[2])
}

func toDense(m [3][3]float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
}

func fromDense(d mat.Matrix) [3][3]float64 {
	var m [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = d.At(i, j)
		}
	}
	return m
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}
