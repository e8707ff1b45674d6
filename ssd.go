/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package main

// SsdPostProcessing reads the TFLite detection postprocess outputs:
// boxes [1,N,4] as normalized ymin,xmin,ymax,xmax, then classes and scores.
type SsdPostProcessing struct{}

func (p SsdPostProcessing) extractResult(outputs []tensorData, inW int, inH int, scoreTh float32) []candidate {
	candidates := []candidate{}
	if len(outputs) < 3 {
		return candidates
	}
	l, c, s := outputs[0].data, outputs[1].data, outputs[2].data
	w, h := float64(inW), float64(inH)
	for idx := 0; 4*idx+3 < len(l) && idx < len(c) && idx < len(s); idx++ {
		if s[idx] < scoreTh {
			continue
		}
		candidates = append(candidates, candidate{
			box: box{
				x1: float64(l[4*idx+1]) * w,
				y1: float64(l[4*idx]) * h,
				x2: float64(l[4*idx+3]) * w,
				y2: float64(l[4*idx+2]) * h,
			},
			score:   s[idx],
			classID: int(c[idx]),
		})
	}
	return candidates
}
