package main

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
)

const labelFont = gocv.FontHersheySimplex

// labelText is "<class> <score> dis=<metres>m", with dis=-- when no depth was found.
func labelText(it item) string {
	if it.Distance == nil {
		return fmt.Sprintf("%s %.2f dis=--", it.ClassName, it.Score)
	}
	return fmt.Sprintf("%s %.2f dis=%.2fm", it.ClassName, it.Score, *it.Distance)
}

func boxThickness(width, height int, input image.Point) int {
	mean := (input.X + input.Y) / 2
	if mean <= 0 {
		return 1
	}
	t := (width + height) / mean
	if t < 1 {
		return 1
	}
	return t
}

// fontScale keeps the label around 3% of the image height.
func fontScale(height int) float64 {
	px := math.Floor(3e-2*float64(height) + 0.5)
	return math.Max(px/22, 0.3)
}

// annotate draws boxes and labels on img in place.
func annotate(img *gocv.Mat, items []item, colors []color.RGBA, input image.Point) {
	thickness := boxThickness(img.Cols(), img.Rows(), input)
	scale := fontScale(img.Rows())
	for _, it := range items {
		c := colorFor(colors, it.ClassID)
		gocv.Rectangle(img, it.Box, c, thickness)

		text := labelText(it)
		size := gocv.GetTextSize(text, labelFont, scale, 1)
		origin := image.Pt(it.Box.Min.X, it.Box.Min.Y-size.Y-4)
		if origin.Y < 0 {
			origin.Y = it.Box.Min.Y + 1
		}
		gocv.Rectangle(img, image.Rectangle{Min: origin, Max: origin.Add(image.Pt(size.X, size.Y+4))}, c, -1)
		gocv.PutText(img, text, image.Pt(origin.X, origin.Y+size.Y+1), labelFont, scale, color.RGBA{}, 1)
	}
}
