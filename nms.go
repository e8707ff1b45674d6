package main

import (
	"image"
	"sort"

	"gocv.io/x/gocv"
)

// point3 is a camera-frame position in metres
type point3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type item struct {
	Box       image.Rectangle `json:"box"`
	Score     float32         `json:"score"`
	ClassID   int             `json:"class_id"`
	ClassName string          `json:"class_name"`
	Center    image.Point     `json:"center"`
	World     *point3         `json:"world,omitempty"`
	Distance  *float64        `json:"distance,omitempty"`
}

// filterOutput maps candidates to the source image and keeps, per class, the
// boxes surviving NMS, best score first.
func filterOutput(candidates []candidate, geom letterbox, scoreTh float32, nmsTh float32, maxDetections int, labels []string) []item {
	byClass := map[int][]int{}
	bboxes := make([]image.Rectangle, len(candidates))
	for i, c := range candidates {
		bboxes[i] = geom.rectToSource(c.box)
		if bboxes[i].Empty() || c.score < scoreTh {
			continue
		}
		byClass[c.classID] = append(byClass[c.classID], i)
	}

	items := []item{}
	for classID, members := range byClass {
		boxes := make([]image.Rectangle, len(members))
		confidences := make([]float32, len(members))
		for k, idx := range members {
			boxes[k] = bboxes[idx]
			confidences[k] = candidates[idx].score
		}
		indices := gocv.NMSBoxes(boxes, confidences, scoreTh, nmsTh)

		for _, k := range indices {
			b := boxes[k]
			items = append(items, item{
				Box:       b,
				Score:     confidences[k],
				ClassID:   classID,
				ClassName: getLabel(labels, classID),
				Center:    image.Pt((b.Min.X+b.Max.X)/2, (b.Min.Y+b.Max.Y)/2),
			})
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ClassID < items[j].ClassID
	})
	if maxDetections > 0 && len(items) > maxDetections {
		items = items[:maxDetections]
	}
	return items
}
