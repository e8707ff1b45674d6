package main

import (
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
)

// padColor fills the letterbox border
var padColor = color.RGBA{R: 128, G: 128, B: 128, A: 0}

// letterbox maps a source image into the model input, keeping the aspect
// ratio when enabled, and maps boxes back.
type letterbox struct {
	srcW, srcH     int
	dstW, dstH     int
	newW, newH     int
	padX, padY     int
	scaleX, scaleY float64
}

func newLetterbox(srcW, srcH, dstW, dstH int, enabled bool) letterbox {
	l := letterbox{srcW: srcW, srcH: srcH, dstW: dstW, dstH: dstH}
	if !enabled {
		l.newW, l.newH = dstW, dstH
		l.scaleX = float64(dstW) / float64(srcW)
		l.scaleY = float64(dstH) / float64(srcH)
		return l
	}
	scale := math.Min(float64(dstW)/float64(srcW), float64(dstH)/float64(srcH))
	l.newW = int(float64(srcW) * scale)
	l.newH = int(float64(srcH) * scale)
	l.padX = (dstW - l.newW) / 2
	l.padY = (dstH - l.newH) / 2
	l.scaleX, l.scaleY = scale, scale
	return l
}

func (l letterbox) toSource(x, y float64) (float64, float64) {
	return (x - float64(l.padX)) / l.scaleX, (y - float64(l.padY)) / l.scaleY
}

// rectToSource converts a box in input pixels to a clipped source rectangle.
func (l letterbox) rectToSource(b box) image.Rectangle {
	x1, y1 := l.toSource(b.x1, b.y1)
	x2, y2 := l.toSource(b.x2, b.y2)
	r := image.Rect(
		int(math.Floor(math.Max(0, x1))),
		int(math.Floor(math.Max(0, y1))),
		int(math.Floor(math.Min(float64(l.srcW), x2))),
		int(math.Floor(math.Min(float64(l.srcH), y2))),
	)
	return r.Intersect(image.Rect(0, 0, l.srcW, l.srcH))
}

// apply resizes img and pads it into dst, which ends up dstW x dstH.
func (l letterbox) apply(img gocv.Mat, dst *gocv.Mat) {
	if l.padX == 0 && l.padY == 0 && l.newW == l.dstW && l.newH == l.dstH {
		gocv.Resize(img, dst, image.Pt(l.dstW, l.dstH), 0, 0, gocv.InterpolationCubic)
		return
	}
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Pt(l.newW, l.newH), 0, 0, gocv.InterpolationCubic)
	gocv.CopyMakeBorder(resized, dst,
		l.padY, l.dstH-l.newH-l.padY,
		l.padX, l.dstW-l.newW-l.padX,
		gocv.BorderConstant, padColor)
}
