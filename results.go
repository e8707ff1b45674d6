package main

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// mapScore renders a score the way detection-results files expect: shortest
// float32 text cut to six characters.
func mapScore(score float32) string {
	s := strconv.FormatFloat(float64(score), 'f', -1, 32)
	if len(s) > 6 {
		s = s[:6]
	}
	return s
}

// writeMapTxt writes <dir>/detection-results/<imageID>.txt with one
// "class score left top right bottom" line per detection. A non-empty
// classes list keeps only those names.
func writeMapTxt(dir, imageID string, items []item, classes []string) (string, error) {
	out := filepath.Join(dir, "detection-results")
	if err := os.MkdirAll(out, 0o755); err != nil {
		return "", err
	}
	keep := map[string]bool{}
	for _, c := range classes {
		keep[c] = true
	}

	var b strings.Builder
	for _, it := range items {
		if len(keep) > 0 && !keep[it.ClassName] {
			continue
		}
		fmt.Fprintf(&b, "%s %s %d %d %d %d\n", it.ClassName, mapScore(it.Score),
			it.Box.Min.X, it.Box.Min.Y, it.Box.Max.X, it.Box.Max.Y)
	}
	path := filepath.Join(out, imageID+".txt")
	return path, os.WriteFile(path, []byte(b.String()), 0o644)
}

// saveCrops writes each detection as crop_<i>.png under dir.
func saveCrops(dir string, img gocv.Mat, items []item) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	bounds := image.Rect(0, 0, img.Cols(), img.Rows())
	paths := []string{}
	for i, it := range items {
		r := it.Box.Intersect(bounds)
		if r.Empty() {
			continue
		}
		region := img.Region(r)
		path := filepath.Join(dir, fmt.Sprintf("crop_%d.png", i))
		ok := gocv.IMWrite(path, region)
		region.Close()
		if !ok {
			return paths, errors.Errorf("cannot write %s", path)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

type classCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// countClasses tallies detections in label order.
func countClasses(items []item, labels []string) []classCount {
	counts := map[int]int{}
	for _, it := range items {
		counts[it.ClassID]++
	}
	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	result := make([]classCount, 0, len(ids))
	for _, id := range ids {
		result = append(result, classCount{Name: getLabel(labels, id), Count: counts[id]})
	}
	return result
}

func formatDetection(it item) string {
	line := fmt.Sprintf("%s %.2f box=(%d,%d,%d,%d) center=(%d,%d)", it.ClassName, it.Score,
		it.Box.Min.X, it.Box.Min.Y, it.Box.Max.X, it.Box.Max.Y, it.Center.X, it.Center.Y)
	if it.World == nil || it.Distance == nil {
		return line + " distance=unknown"
	}
	return line + fmt.Sprintf(" xyz=(%.3f,%.3f,%.3f)m distance=%.2fm", it.World.X, it.World.Y, it.World.Z, *it.Distance)
}

// writeDetectionsText writes one formatted line per detection.
func writeDetectionsText(path string, items []item) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	for _, it := range items {
		b.WriteString(formatDetection(it))
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
