package main

import (
	"bufio"
	"image/color"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// anchor is a prior box size in model input pixels
type anchor struct {
	W, H float64
}

func loadLabels(filename string) ([]string, error) {
	labels := []string{}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			labels = append(labels, line)
		}
	}
	return labels, scanner.Err()
}

// loadAnchors reads "w,h, w,h, ..." from the first line of the file.
func loadAnchors(filename string) ([]anchor, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return parseAnchors(strings.SplitN(string(content), "\n", 2)[0])
}

func parseAnchors(line string) ([]anchor, error) {
	fields := strings.Split(line, ",")
	values := make([]float64, 0, len(fields))
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "anchor %q", field)
		}
		values = append(values, v)
	}
	if len(values) == 0 || len(values)%2 != 0 {
		return nil, errors.Errorf("anchors need width,height pairs, got %d values", len(values))
	}
	anchors := make([]anchor, len(values)/2)
	for i := range anchors {
		anchors[i] = anchor{W: values[2*i], H: values[2*i+1]}
	}
	return anchors, nil
}

func getLabel(labels []string, class int) string {
	label := "unknown"
	if class >= 0 && class < len(labels) {
		label = labels[class]
	}
	return label
}

// classColors spreads n hues evenly at full saturation and value.
func classColors(n int) []color.RGBA {
	colors := make([]color.RGBA, n)
	for i := range colors {
		r, g, b := hsvToRGB(float64(i)/float64(n), 1, 1)
		colors[i] = color.RGBA{R: uint8(r * 255), G: uint8(g * 255), B: uint8(b * 255), A: 0}
	}
	return colors
}

func hsvToRGB(h, s, v float64) (float64, float64, float64) {
	if s == 0 {
		return v, v, v
	}
	i := math.Floor(h * 6)
	f := h*6 - i
	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))
	switch int(i) % 6 {
	case 0:
		return v, t, p
	case 1:
		return q, v, p
	case 2:
		return p, v, t
	case 3:
		return p, q, v
	case 4:
		return t, p, v
	default:
		return v, p, q
	}
}

func colorFor(colors []color.RGBA, class int) color.RGBA {
	if class < 0 || len(colors) == 0 {
		return color.RGBA{R: 255, G: 255, B: 255}
	}
	return colors[class%len(colors)]
}
