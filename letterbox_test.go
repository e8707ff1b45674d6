package main

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestLetterboxGeometry(t *testing.T) {
	l := newLetterbox(640, 480, 640, 640, true)
	assert.Equal(t, 640, l.newW)
	assert.Equal(t, 480, l.newH)
	assert.Equal(t, 0, l.padX)
	assert.Equal(t, 80, l.padY)

	x, y := l.toSource(100, 180)
	assert.InDelta(t, 100, x, 1e-9)
	assert.InDelta(t, 100, y, 1e-9)
}

func TestLetterboxScalesDown(t *testing.T) {
	l := newLetterbox(1280, 480, 640, 640, true)
	assert.Equal(t, 640, l.newW)
	assert.Equal(t, 240, l.newH)
	assert.Equal(t, 200, l.padY)

	x, y := l.toSource(320, 320)
	assert.InDelta(t, 640, x, 1e-9)
	assert.InDelta(t, 240, y, 1e-9)
}

func TestLetterboxDisabledStretches(t *testing.T) {
	l := newLetterbox(640, 480, 320, 320, false)
	assert.Equal(t, 0, l.padX)
	assert.Equal(t, 0, l.padY)
	x, y := l.toSource(160, 160)
	assert.InDelta(t, 320, x, 1e-9)
	assert.InDelta(t, 240, y, 1e-9)
}

func TestLetterboxRectToSourceClips(t *testing.T) {
	l := newLetterbox(640, 480, 640, 640, true)
	r := l.rectToSource(box{x1: -20, y1: 40, x2: 700, y2: 300})
	assert.Equal(t, image.Rect(0, 0, 640, 220), r)

	// entirely inside the padding
	assert.True(t, l.rectToSource(box{x1: 10, y1: 0, x2: 50, y2: 60}).Empty())
}

func TestLetterboxApply(t *testing.T) {
	src := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer src.Close()
	src.SetTo(gocv.NewScalar(10, 20, 30, 0))

	l := newLetterbox(64, 48, 64, 64, true)
	dst := gocv.NewMat()
	defer dst.Close()
	l.apply(src, &dst)

	require.Equal(t, 64, dst.Cols())
	require.Equal(t, 64, dst.Rows())
	// padding rows are grey, content rows keep the colour
	assert.Equal(t, uint8(128), dst.GetVecbAt(0, 0)[0])
	assert.Equal(t, uint8(10), dst.GetVecbAt(32, 32)[0])
	assert.Equal(t, uint8(30), dst.GetVecbAt(32, 32)[2])
	assert.Equal(t, uint8(128), dst.GetVecbAt(63, 10)[1])
}
