package stereo

import (
	"image"
	"math"

	"github.com/pkg/errors"
)

// DispScale is the fixed-point scale of Disparity values.
const DispScale = 16

// rawCostShift weights the raw intensity term of the pixel cost against the
// prefiltered (gradient) term.
const rawCostShift = 2

// ErrInvalidParams is returned for matcher settings that cannot be used.
var ErrInvalidParams = errors.New("invalid matcher parameters")

// Mode selects the number of aggregation paths.
type Mode int

const (
	// ModeSGBM aggregates along 4 paths in a single forward sweep.
	ModeSGBM Mode = iota
	// ModeHH aggregates along all 8 paths.
	ModeHH
)

func (m Mode) String() string {
	switch m {
	case ModeSGBM:
		return "sgbm"
	case ModeHH:
		return "hh"
	default:
		return "unknown"
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "sgbm":
		return ModeSGBM, nil
	case "hh", "":
		return ModeHH, nil
	}
	return ModeHH, errors.Wrapf(ErrInvalidParams, "unknown mode %q", s)
}

// SGBMParams configures the semi-global block matcher.
type SGBMParams struct {
	MinDisparity      int  `yaml:"mindisparity" json:"min_disparity"`
	NumDisparities    int  `yaml:"numdisparities" json:"num_disparities"`
	BlockSize         int  `yaml:"blocksize" json:"block_size"`
	P1                int  `yaml:"p1" json:"p1"`
	P2                int  `yaml:"p2" json:"p2"`
	Disp12MaxDiff     int  `yaml:"disp12maxdiff" json:"disp12_max_diff"`
	PreFilterCap      int  `yaml:"prefiltercap" json:"prefilter_cap"`
	UniquenessRatio   int  `yaml:"uniquenessratio" json:"uniqueness_ratio"`
	SpeckleWindowSize int  `yaml:"specklewindowsize" json:"speckle_window_size"`
	SpeckleRange      int  `yaml:"specklerange" json:"speckle_range"`
	Mode              Mode `yaml:"mode" json:"mode"`
}

// NewSGBMParams derives the matcher settings from the two tuning knobs of the
// rig: num (disparity range in steps of 16) and the matching block size. The
// block size is forced odd and at least 5; the smoothness penalties scale with
// the block area and the image channel count.
func NewSGBMParams(num, blockSize, channels int) SGBMParams {
	if num < 1 {
		num = 1
	}
	if blockSize%2 == 0 {
		blockSize++
	}
	if blockSize < 5 {
		blockSize = 5
	}
	area := blockSize * blockSize
	return SGBMParams{
		MinDisparity:      1,
		NumDisparities:    16 * num,
		BlockSize:         blockSize,
		P1:                8 * channels * area,
		P2:                32 * channels * area,
		Disp12MaxDiff:     -1,
		PreFilterCap:      1,
		UniquenessRatio:   10,
		SpeckleWindowSize: 100,
		SpeckleRange:      100,
		Mode:              ModeHH,
	}
}

// Validate reports settings the matcher cannot run with.
func (p SGBMParams) Validate() error {
	switch {
	case p.NumDisparities <= 0 || p.NumDisparities%16 != 0:
		return errors.Wrapf(ErrInvalidParams, "numDisparities %d must be a positive multiple of 16", p.NumDisparities)
	case p.BlockSize < 1 || p.BlockSize%2 == 0:
		return errors.Wrapf(ErrInvalidParams, "blockSize %d must be odd", p.BlockSize)
	case p.P1 < 0 || p.P2 <= p.P1:
		return errors.Wrapf(ErrInvalidParams, "penalties P1=%d P2=%d, need 0 <= P1 < P2", p.P1, p.P2)
	case p.PreFilterCap < 1 || p.PreFilterCap > 63:
		return errors.Wrapf(ErrInvalidParams, "preFilterCap %d out of [1,63]", p.PreFilterCap)
	case p.UniquenessRatio < 0 || p.UniquenessRatio >= 100:
		return errors.Wrapf(ErrInvalidParams, "uniquenessRatio %d out of [0,100)", p.UniquenessRatio)
	}
	return nil
}

// Disparity is a fixed-point disparity map: value/DispScale pixels.
type Disparity struct {
	Width, Height int
	MinDisparity  int
	Data          []int16
}

// Invalid is the value stored for pixels without a disparity.
func (d *Disparity) Invalid() int16 {
	return int16((d.MinDisparity - 1) * DispScale)
}

// At returns the disparity in pixels at (x, y) and whether it is valid.
func (d *Disparity) At(x, y int) (float64, bool) {
	if x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return 0, false
	}
	v := d.Data[y*d.Width+x]
	if v == d.Invalid() {
		return 0, false
	}
	return float64(v) / DispScale, true
}

// ValidCount returns the number of pixels with a disparity.
func (d *Disparity) ValidCount() int {
	n := 0
	inv := d.Invalid()
	for _, v := range d.Data {
		if v != inv {
			n++
		}
	}
	return n
}

type direction struct{ dx, dy int }

var (
	forwardPaths = []direction{{1, 0}, {0, 1}, {1, 1}, {-1, 1}}
	allPaths     = []direction{{1, 0}, {0, 1}, {1, 1}, {-1, 1}, {-1, 0}, {0, -1}, {-1, -1}, {1, -1}}
)

type matcher struct {
	p    SGBMParams
	w, h int
	nd   int

	left, right       *image.Gray
	leftPre, rightPre []uint8
	cost              []uint16 // block-summed matching cost, [y][x][d]
	sum               []uint32 // aggregated path cost, [y][x][d]
	maxPixelCost      int
}

// Compute runs semi-global matching on a rectified pair and returns the left
// disparity map.
func Compute(left, right *image.Gray, p SGBMParams) (*Disparity, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	lb, rb := left.Bounds(), right.Bounds()
	if lb.Dx() != rb.Dx() || lb.Dy() != rb.Dy() {
		return nil, errors.Wrapf(ErrSizeMismatch, "left %v right %v", lb.Size(), rb.Size())
	}
	m := &matcher{
		p:     p,
		w:     lb.Dx(),
		h:     lb.Dy(),
		nd:    p.NumDisparities,
		left:  left,
		right: right,
	}
	if m.w == 0 || m.h == 0 {
		return nil, errors.Wrap(ErrSizeMismatch, "empty image")
	}
	m.leftPre = m.prefilter(left)
	m.rightPre = m.prefilter(right)
	m.maxPixelCost = 2*p.PreFilterCap + (255 >> rawCostShift)
	m.blockCost()
	m.sum = make([]uint32, m.w*m.h*m.nd)
	paths := forwardPaths
	if p.Mode == ModeHH {
		paths = allPaths
	}
	for _, dir := range paths {
		m.aggregate(dir)
	}
	disp := m.selectDisparity()
	if p.SpeckleWindowSize > 0 {
		FilterSpeckles(disp, disp.Invalid(), p.SpeckleWindowSize, DispScale*p.SpeckleRange)
	}
	return disp, nil
}

func (m *matcher) pix(img *image.Gray, x, y int) int {
	b := img.Bounds()
	if x < 0 {
		x = 0
	} else if x >= m.w {
		x = m.w - 1
	}
	if y < 0 {
		y = 0
	} else if y >= m.h {
		y = m.h - 1
	}
	return int(img.Pix[img.PixOffset(b.Min.X+x, b.Min.Y+y)])
}

// prefilter returns the horizontal Sobel response clipped to ±PreFilterCap and
// shifted to be non negative.
func (m *matcher) prefilter(img *image.Gray) []uint8 {
	ftz := m.p.PreFilterCap
	out := make([]uint8, m.w*m.h)
	for y := 0; y < m.h; y++ {
		for x := 0; x < m.w; x++ {
			v := m.pix(img, x+1, y-1) - m.pix(img, x-1, y-1) +
				2*(m.pix(img, x+1, y)-m.pix(img, x-1, y)) +
				m.pix(img, x+1, y+1) - m.pix(img, x-1, y+1)
			if v < -ftz {
				v = -ftz
			} else if v > ftz {
				v = ftz
			}
			out[y*m.w+x] = uint8(v + ftz)
		}
	}
	return out
}

// btRange returns, for each x, the min and max of the value and its two
// half-pixel interpolations with the horizontal neighbours.
func btRange(row []int) (lo, hi []int) {
	n := len(row)
	lo, hi = make([]int, n), make([]int, n)
	for x := range row {
		v := row[x]
		a, b := v, v
		if x > 0 {
			a = (v + row[x-1]) / 2
		}
		if x < n-1 {
			b = (v + row[x+1]) / 2
		}
		lo[x] = min(v, a, b)
		hi[x] = max(v, a, b)
	}
	return lo, hi
}

func btCost(vl, loL, hiL, vr, loR, hiR int) int {
	c0 := max(0, vl-hiR, loR-vl)
	c1 := max(0, vr-hiL, loL-vr)
	return min(c0, c1)
}

// pixelCostRow fills dst[x*nd+k] with the Birchfield-Tomasi cost of matching
// left pixel x against right pixel x-(MinDisparity+k) on row y.
func (m *matcher) pixelCostRow(y int, dst []uint16) {
	preL := make([]int, m.w)
	preR := make([]int, m.w)
	rawL := make([]int, m.w)
	rawR := make([]int, m.w)
	for x := 0; x < m.w; x++ {
		preL[x] = int(m.leftPre[y*m.w+x])
		preR[x] = int(m.rightPre[y*m.w+x])
		rawL[x] = m.pix(m.left, x, y)
		rawR[x] = m.pix(m.right, x, y)
	}
	loPL, hiPL := btRange(preL)
	loPR, hiPR := btRange(preR)
	loRL, hiRL := btRange(rawL)
	loRR, hiRR := btRange(rawR)
	for x := 0; x < m.w; x++ {
		c := dst[x*m.nd : (x+1)*m.nd]
		for k := range c {
			xr := x - (m.p.MinDisparity + k)
			if xr < 0 || xr >= m.w {
				c[k] = uint16(m.maxPixelCost)
				continue
			}
			cost := btCost(preL[x], loPL[x], hiPL[x], preR[xr], loPR[xr], hiPR[xr]) +
				btCost(rawL[x], loRL[x], hiRL[x], rawR[xr], loRR[xr], hiRR[xr])>>rawCostShift
			c[k] = uint16(cost)
		}
	}
}

// blockCost sums pixel costs over BlockSize x BlockSize windows with replicated
// borders. Pixel cost rows are computed lazily into a ring of BlockSize+1 rows.
func (m *matcher) blockCost() {
	r := m.p.BlockSize / 2
	rowLen := m.w * m.nd
	m.cost = make([]uint16, m.h*rowLen)

	slots := m.p.BlockSize + 1
	ring := make([][]uint16, slots)
	owner := make([]int, slots)
	for i := range ring {
		ring[i] = make([]uint16, rowLen)
		owner[i] = -1
	}
	clampRow := func(y int) int {
		return max(0, min(m.h-1, y))
	}
	row := func(y int) []uint16 {
		y = clampRow(y)
		s := y % slots
		if owner[s] != y {
			m.pixelCostRow(y, ring[s])
			owner[s] = y
		}
		return ring[s]
	}

	colSum := make([]uint32, rowLen)
	for dy := -r; dy <= r; dy++ {
		for i, v := range row(dy) {
			colSum[i] += uint32(v)
		}
	}
	for y := 0; y < m.h; y++ {
		if y > 0 {
			add, sub := row(y+r), row(y-1-r)
			for i := range colSum {
				colSum[i] += uint32(add[i])
				colSum[i] -= uint32(sub[i])
			}
		}
		m.horizontalBox(colSum, m.cost[y*rowLen:(y+1)*rowLen], r)
	}
}

func (m *matcher) horizontalBox(src []uint32, dst []uint16, r int) {
	nd := m.nd
	acc := make([]uint32, nd)
	at := func(x int) []uint32 {
		x = max(0, min(m.w-1, x))
		return src[x*nd : (x+1)*nd]
	}
	for dx := -r; dx <= r; dx++ {
		for k, v := range at(dx) {
			acc[k] += v
		}
	}
	for x := 0; x < m.w; x++ {
		if x > 0 {
			add, sub := at(x+r), at(x-1-r)
			for k := range acc {
				acc[k] += add[k]
				acc[k] -= sub[k]
			}
		}
		out := dst[x*nd : (x+1)*nd]
		for k, v := range acc {
			if v > math.MaxUint16 {
				v = math.MaxUint16
			}
			out[k] = uint16(v)
		}
	}
}

// aggregate adds the path cost along dir into m.sum:
//
//	L(p,d) = C(p,d) + min(L(p-r,d), L(p-r,d±1)+P1, min_k L(p-r,k)+P2) - min_k L(p-r,k)
func (m *matcher) aggregate(dir direction) {
	nd := m.nd
	p1, p2 := int32(m.p.P1), int32(m.p.P2)
	prev := make([]int32, m.w*nd)
	cur := make([]int32, m.w*nd)
	minPrev := make([]int32, m.w)
	minCur := make([]int32, m.w)

	y0, y1, ys := 0, m.h, 1
	if dir.dy < 0 {
		y0, y1, ys = m.h-1, -1, -1
	}
	x0, x1, xs := 0, m.w, 1
	if dir.dx < 0 {
		x0, x1, xs = m.w-1, -1, -1
	}
	first := true
	for y := y0; y != y1; y += ys {
		for x := x0; x != x1; x += xs {
			base := (y*m.w + x) * nd
			c := m.cost[base : base+nd]
			l := cur[x*nd : (x+1)*nd]
			px := x - dir.dx
			hasPrev := px >= 0 && px < m.w && (dir.dy == 0 || !first)
			var lp []int32
			var mp int32
			if hasPrev {
				if dir.dy == 0 {
					lp, mp = cur[px*nd:(px+1)*nd], minCur[px]
				} else {
					lp, mp = prev[px*nd:(px+1)*nd], minPrev[px]
				}
			}
			best := int32(math.MaxInt32)
			for k := 0; k < nd; k++ {
				v := int32(c[k])
				if hasPrev {
					t := lp[k]
					if k > 0 {
						t = min(t, lp[k-1]+p1)
					}
					if k < nd-1 {
						t = min(t, lp[k+1]+p1)
					}
					t = min(t, mp+p2)
					v += t - mp
				}
				l[k] = v
				best = min(best, v)
				m.sum[base+k] += uint32(v)
			}
			minCur[x] = best
		}
		prev, cur = cur, prev
		minPrev, minCur = minCur, minPrev
		first = false
	}
}

// selectDisparity picks the winner-takes-all disparity per pixel, rejects
// ambiguous matches, refines with a parabola fit and optionally runs the
// left-right consistency check.
func (m *matcher) selectDisparity() *Disparity {
	nd := m.nd
	minD := m.p.MinDisparity
	disp := &Disparity{
		Width:        m.w,
		Height:       m.h,
		MinDisparity: minD,
		Data:         make([]int16, m.w*m.h),
	}
	invalid := disp.Invalid()
	disp2 := make([]int, m.w)
	disp2Cost := make([]uint32, m.w)
	uniq := int64(m.p.UniquenessRatio)

	for y := 0; y < m.h; y++ {
		row := disp.Data[y*m.w : (y+1)*m.w]
		for i := range disp2 {
			disp2[i] = minD - 1
			disp2Cost[i] = math.MaxUint32
		}
		for x := 0; x < m.w; x++ {
			s := m.sum[(y*m.w+x)*nd : (y*m.w+x+1)*nd]
			bestK := 0
			for k := 1; k < nd; k++ {
				if s[k] < s[bestK] {
					bestK = k
				}
			}
			minS := int64(s[bestK])
			unique := true
			for k := 0; k < nd; k++ {
				if int64(s[k])*(100-uniq) < minS*100 && absInt(k-bestK) > 1 {
					unique = false
					break
				}
			}
			if !unique || x-(minD+bestK) < 0 {
				row[x] = invalid
				continue
			}
			xr := x - (minD + bestK)
			if s[bestK] < disp2Cost[xr] {
				disp2Cost[xr] = s[bestK]
				disp2[xr] = minD + bestK
			}
			d := bestK * DispScale
			if bestK > 0 && bestK < nd-1 {
				denom2 := max(int(s[bestK-1])+int(s[bestK+1])-2*int(s[bestK]), 1)
				d += ((int(s[bestK-1])-int(s[bestK+1]))*DispScale + denom2) / (denom2 * 2)
			}
			row[x] = int16(d + minD*DispScale)
		}
		if m.p.Disp12MaxDiff >= 0 {
			m.leftRightCheck(row, disp2, invalid)
		}
	}
	return disp
}

func (m *matcher) leftRightCheck(row []int16, disp2 []int, invalid int16) {
	minD := m.p.MinDisparity
	maxDiff := m.p.Disp12MaxDiff
	for x, v := range row {
		if v == invalid {
			continue
		}
		lo := int(v) >> 4
		hi := (int(v) + DispScale - 1) >> 4
		xlo, xhi := x-lo, x-hi
		if xlo >= 0 && xlo < m.w && disp2[xlo] >= minD && absInt(disp2[xlo]-lo) > maxDiff &&
			xhi >= 0 && xhi < m.w && disp2[xhi] >= minD && absInt(disp2[xhi]-hi) > maxDiff {
			row[x] = invalid
		}
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
