package stereo

import (
	"context"
	"image"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Rig bundles a rectified calibration with its remap tables and matcher settings.
type Rig struct {
	Rect   *Rectification
	Params SGBMParams

	leftMap, rightMap *RemapTable
}

// Depth is the outcome of one stereo frame.
type Depth struct {
	LeftRectified  *image.Gray
	RightRectified *image.Gray
	Disparity      *Disparity
	Cloud          *PointCloud
}

// NewRig rectifies cal and precomputes the remap tables.
func NewRig(cal Calibration, params SGBMParams) (*Rig, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	rect, err := Rectify(cal)
	if err != nil {
		return nil, err
	}
	l, r := rect.Maps()
	return &Rig{Rect: rect, Params: params, leftMap: l, rightMap: r}, nil
}

// Size returns the size of one camera image.
func (r *Rig) Size() image.Point {
	return image.Pt(r.Rect.Calibration.Width, r.Rect.Calibration.Height)
}

// Process rectifies a raw grey pair, matches it and reprojects the disparity.
func (r *Rig) Process(ctx context.Context, left, right *image.Gray) (*Depth, error) {
	size := r.Size()
	if left.Bounds().Size() != size || right.Bounds().Size() != size {
		return nil, errors.Wrapf(ErrSizeMismatch, "got %v and %v, calibrated for %v",
			left.Bounds().Size(), right.Bounds().Size(), size)
	}
	out := &Depth{}
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		out.LeftRectified, err = r.leftMap.Gray(left)
		return err
	})
	g.Go(func() (err error) {
		out.RightRectified, err = r.rightMap.Gray(right)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	disp, err := Compute(out.LeftRectified, out.RightRectified, r.Params)
	if err != nil {
		return nil, errors.Wrap(err, "disparity")
	}
	out.Disparity = disp
	out.Cloud = Reproject(disp, r.Rect.Q, true)
	return out, nil
}
