package main

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestLabelText(t *testing.T) {
	d := 2.346
	assert.Equal(t, "person 0.87 dis=2.35m", labelText(item{ClassName: "person", Score: 0.871, Distance: &d}))
	assert.Equal(t, "car 0.50 dis=--", labelText(item{ClassName: "car", Score: 0.5}))
}

func TestBoxThickness(t *testing.T) {
	assert.Equal(t, 1, boxThickness(640, 480, image.Pt(640, 640)))
	assert.Equal(t, 3, boxThickness(1280, 640, image.Pt(640, 640)))
	assert.Equal(t, 1, boxThickness(100, 100, image.Pt(640, 640)))
	assert.Equal(t, 1, boxThickness(100, 100, image.Point{}))
}

func TestAnnotateDrawsBoxes(t *testing.T) {
	img := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
	defer img.Close()
	img.SetTo(gocv.NewScalar(0, 0, 0, 0))

	d := 1.5
	items := []item{
		{Box: image.Rect(40, 40, 120, 100), ClassID: 0, ClassName: "person", Score: 0.9, Distance: &d},
		{Box: image.Rect(0, 0, 30, 30), ClassID: 1, ClassName: "car", Score: 0.6},
	}
	annotate(&img, items, classColors(2), image.Pt(640, 640))

	// red box edge for class 0 on a BGR image
	px := img.GetVecbAt(70, 40)
	require.Len(t, px, 3)
	assert.Equal(t, uint8(0), px[0])
	assert.Equal(t, uint8(255), px[2])
	// box interior untouched
	assert.Equal(t, uint8(0), img.GetVecbAt(90, 80)[2])
}
