package stereo

// FilterSpeckles replaces small connected blobs of similar disparity with
// newVal. Neighbouring pixels (4-connectivity) belong to the same blob when
// their values differ by at most maxDiff; blobs of at most maxSpeckleSize
// pixels are removed.
func FilterSpeckles(d *Disparity, newVal int16, maxSpeckleSize, maxDiff int) {
	w, h := d.Width, d.Height
	if maxSpeckleSize <= 0 || w == 0 || h == 0 {
		return
	}
	labels := make([]int32, w*h)
	var stack, blob []int
	var label int32
	for start := range d.Data {
		if d.Data[start] == newVal || labels[start] != 0 {
			continue
		}
		label++
		labels[start] = label
		stack = append(stack[:0], start)
		blob = blob[:0]
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			blob = append(blob, p)
			v := int(d.Data[p])
			x, y := p%w, p/w
			visit := func(q int) {
				if labels[q] != 0 || d.Data[q] == newVal {
					return
				}
				if absInt(int(d.Data[q])-v) <= maxDiff {
					labels[q] = label
					stack = append(stack, q)
				}
			}
			if x > 0 {
				visit(p - 1)
			}
			if x < w-1 {
				visit(p + 1)
			}
			if y > 0 {
				visit(p - w)
			}
			if y < h-1 {
				visit(p + w)
			}
		}
		if len(blob) <= maxSpeckleSize {
			for _, p := range blob {
				d.Data[p] = newVal
			}
		}
	}
}
