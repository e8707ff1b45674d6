package main

import (
	"image"
	"math"

	"github.com/mpromonet/gin-stereo-yolo/stereo"
)

// ranger reads a distance for each detection from the point cloud.
type ranger struct {
	rect          *stereo.Rectification
	window        int
	rectifyCenter bool
}

// locate fills World and Distance; both stay nil when no valid point is near the centre.
func (r ranger) locate(it *item, cloud *stereo.PointCloud) {
	x, y := r.cloudPoint(it.Center)
	p, ok := cloud.MedianPoint(x, y, r.window)
	if !ok {
		it.World, it.Distance = nil, nil
		return
	}
	it.World = &point3{X: p.X / 1000, Y: p.Y / 1000, Z: p.Z / 1000}
	d := p.Norm() / 1000
	it.Distance = &d
}

// cloudPoint maps a raw left-image pixel to the rectified grid.
func (r ranger) cloudPoint(c image.Point) (int, int) {
	if !r.rectifyCenter || r.rect == nil {
		return c.X, c.Y
	}
	u, v := r.rect.RectifyPoint(true, float64(c.X), float64(c.Y))
	return int(math.Round(u)), int(math.Round(v))
}

func (r ranger) locateAll(items []item, cloud *stereo.PointCloud) {
	for i := range items {
		r.locate(&items[i], cloud)
	}
}
