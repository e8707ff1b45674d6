/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package main

import (
	"math"
	"sort"
)

// YoloPostProcessing decodes either the exported [1,N,5+C] layout or the raw
// [1,H,W,A*(5+C)] heads of a YOLOv5 network.
type YoloPostProcessing struct {
	anchors    []anchor
	mask       [][]int
	normalized bool
}

func (p YoloPostProcessing) extractResult(outputs []tensorData, inW int, inH int, scoreTh float32) []candidate {
	candidates := []candidate{}
	heads := []tensorData{}
	for _, output := range outputs {
		switch len(output.shape) {
		case 3:
			candidates = append(candidates, p.extractBoxesTensor(output, inW, inH, scoreTh)...)
		case 4:
			heads = append(heads, output)
		}
	}

	// coarsest grid takes the first mask group
	sort.SliceStable(heads, func(i, j int) bool {
		return heads[i].shape[1]*heads[i].shape[2] < heads[j].shape[1]*heads[j].shape[2]
	})
	for rank, head := range heads {
		if rank >= len(p.mask) {
			break
		}
		candidates = append(candidates, p.extractHeadTensor(head, p.mask[rank], inW, inH, scoreTh)...)
	}
	return candidates
}

func (p YoloPostProcessing) extractBoxesTensor(output tensorData, inW int, inH int, scoreTh float32) []candidate {
	candidates := []candidate{}
	stride := output.shape[2]
	if stride < 5 {
		return candidates
	}
	sx, sy := 1.0, 1.0
	if p.normalized {
		sx, sy = float64(inW), float64(inH)
	}
	for idx := 0; idx+stride <= len(output.data); idx += stride {
		row := output.data[idx : idx+stride]
		score := row[4]
		classID := 0
		if stride > 5 {
			var cls float32
			classID, cls = argmax(row[5:])
			score *= cls
		}
		if score < scoreTh {
			continue
		}
		x, y := float64(row[0])*sx, float64(row[1])*sy
		w, h := float64(row[2])*sx, float64(row[3])*sy
		candidates = append(candidates, candidate{
			box:     box{x - w/2, y - h/2, x + w/2, y + h/2},
			score:   score,
			classID: classID,
		})
	}
	return candidates
}

func (p YoloPostProcessing) extractHeadTensor(output tensorData, mask []int, inW int, inH int, scoreTh float32) []candidate {
	candidates := []candidate{}
	gh, gw, depth := output.shape[1], output.shape[2], output.shape[3]
	if len(mask) == 0 || depth%len(mask) != 0 || depth/len(mask) < 5 {
		return candidates
	}
	attrs := depth / len(mask)
	strideX := float64(inW) / float64(gw)
	strideY := float64(inH) / float64(gh)

	for i := 0; i < gh; i++ {
		for j := 0; j < gw; j++ {
			for a, anchorIdx := range mask {
				idx := (i*gw+j)*depth + a*attrs
				row := output.data[idx : idx+attrs]
				score := sigmoid(row[4])
				classID := 0
				if attrs > 5 {
					var cls float32
					classID, cls = argmax(row[5:])
					score *= sigmoid(cls)
				}
				if score < scoreTh {
					continue
				}
				prior := p.anchors[anchorIdx]
				x := (float64(sigmoid(row[0]))*2 - 0.5 + float64(j)) * strideX
				y := (float64(sigmoid(row[1]))*2 - 0.5 + float64(i)) * strideY
				w := math.Pow(float64(sigmoid(row[2]))*2, 2) * prior.W
				h := math.Pow(float64(sigmoid(row[3]))*2, 2) * prior.H
				candidates = append(candidates, candidate{
					box:     box{x - w/2, y - h/2, x + w/2, y + h/2},
					score:   score,
					classID: classID,
				})
			}
		}
	}
	return candidates
}

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}
