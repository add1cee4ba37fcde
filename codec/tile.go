package codec

import (
	"fmt"
	"math"

	"github.com/zsiec/afiyah/entropy"
	"github.com/zsiec/afiyah/media"
	"github.com/zsiec/afiyah/motion"
	"github.com/zsiec/afiyah/perceptual"
	"github.com/zsiec/afiyah/quant"
	"github.com/zsiec/afiyah/transform"
)

// tileRef locates one tile. x0 and y0 are in the plane's own coordinates.
type tileRef struct {
	plane    motion.Plane
	col, row int
	x0, y0   int
}

// geometry is the tiling of one frame size.
type geometry struct {
	n            int
	w, h         int
	cw, ch       int
	cols, rows   int
	ccols, crows int
	chroma       bool
}

func newGeometry(w, h, n int, chroma bool) geometry {
	g := geometry{n: n, w: w, h: h, chroma: chroma}
	g.cols, g.rows = (w+n-1)/n, (h+n-1)/n
	if chroma {
		g.cw, g.ch = media.ChromaSize(w, h)
		g.ccols, g.crows = (g.cw+n-1)/n, (g.ch+n-1)/n
	}
	return g
}

// tiles lists luma tiles in raster order, then Cb, then Cr. This is the
// order symbols are serialised in.
func (g geometry) tiles() []tileRef {
	out := make([]tileRef, 0, g.cols*g.rows+2*g.ccols*g.crows)
	for row := range g.rows {
		for col := range g.cols {
			out = append(out, tileRef{plane: motion.PlaneY, col: col, row: row, x0: col * g.n, y0: row * g.n})
		}
	}
	if g.chroma {
		for _, p := range []motion.Plane{motion.PlaneCb, motion.PlaneCr} {
			for row := range g.crows {
				for col := range g.ccols {
					out = append(out, tileRef{plane: p, col: col, row: row, x0: col * g.n, y0: row * g.n})
				}
			}
		}
	}
	return out
}

// planeOf returns the pixels and size of plane p of f.
func (g geometry) planeOf(f *media.Frame, p motion.Plane) ([]uint8, int, int) {
	switch p {
	case motion.PlaneCb:
		return f.Cb, g.cw, g.ch
	case motion.PlaneCr:
		return f.Cr, g.cw, g.ch
	default:
		return f.Y, g.w, g.h
	}
}

// eccentricity returns the tile centre's angular distance from the
// fixation point, measured in luma pixels.
func (g geometry) eccentricity(t tileRef, fx, fy, ppd float64) float64 {
	cx := float64(t.x0) + float64(g.n)/2
	cy := float64(t.y0) + float64(g.n)/2
	if t.plane != motion.PlaneY {
		cx, cy = 2*cx, 2*cy
	}
	return math.Hypot(cx-fx, cy-fy) / ppd
}

// vector returns the motion a tile uses. Chroma tiles inherit theirs.
func (g geometry) vector(f *motion.Field, t tileRef) motion.Vector {
	if t.plane == motion.PlaneY {
		return f.At(t.col, t.row)
	}
	return f.ChromaVector(t.col, t.row)
}

// tables pairs the luma quant table with its chroma counterpart, whose
// frequencies are measured on a half-resolution grid.
type tables struct {
	gen    uint64
	luma   *quant.Table
	chroma *quant.Table
}

func newTables(p quant.Params, gen uint64) (*tables, error) {
	l, err := quant.NewTable(p)
	if err != nil {
		return nil, err
	}
	cp := p
	cp.Perceptual.PixelsPerDegree = l.Params().Perceptual.PixelsPerDegree / 2
	c, err := quant.NewTable(cp)
	if err != nil {
		return nil, err
	}
	return &tables{gen: gen, luma: l, chroma: c}, nil
}

func (t *tables) forPlane(p motion.Plane) *quant.Table {
	if p == motion.PlaneY {
		return t.luma
	}
	return t.chroma
}

func (t *tables) ppd() float64 {
	ppd := t.luma.Params().Perceptual.PixelsPerDegree
	if ppd <= 0 {
		ppd = perceptual.DefaultPixelsPerDegree
	}
	return ppd
}

// tileCode is the coded form of one tile.
type tileCode struct {
	basis transform.Basis
	param uint8
	// mask is the contrast-masking index; always 0 in lossless frames.
	mask uint8
	sym  []int32
	// corr is the lossless correction, nil when absent or all zero.
	corr []int32
}

// scratch holds per-worker buffers.
type scratch struct {
	sig   []float64
	rec   []float64
	pred  []uint8
	blk   []uint8
	plane *transform.Plane
}

func newScratch(n int) *scratch {
	return &scratch{
		sig:   make([]float64, n*n),
		rec:   make([]float64, n*n),
		pred:  make([]uint8, n*n),
		blk:   make([]uint8, n*n),
		plane: transform.NewPlane(n),
	}
}

// encodeTile codes one tile of src and writes its reconstruction into
// dst. pred is nil for intra tiles.
func encodeTile(tab *quant.Table, tc *tileCode, s *scratch, src, dst []uint8, pw, ph, x0, y0, n int, pred []uint8, ecc float64, lossless bool) error {
	for y := range n {
		for x := range n {
			i := y*n + x
			if x0+x >= pw || y0+y >= ph {
				s.sig[i] = 0
				continue
			}
			s.sig[i] = float64(src[(y0+y)*pw+x0+x]) - base(pred, i)
		}
	}
	tc.basis, tc.param, tc.mask = transform.BasisDCT, 0, 0
	if !lossless {
		tc.basis, tc.param = transform.Analyze(s.sig, n)
		tc.mask = uint8(perceptual.MaskingIndex(contrast(src, pw, ph, x0, y0, n)))
	}
	s.plane.Basis, s.plane.Param = tc.basis, tc.param
	if err := transform.ForwardInto(s.plane, s.sig); err != nil {
		return err
	}
	tc.basis, tc.param = s.plane.Basis, s.plane.Param
	if tc.sym == nil {
		tc.sym = make([]int32, n*n)
	}
	if err := tab.Quantize(tc.sym, s.plane, ecc, int(tc.mask)); err != nil {
		return err
	}
	if err := rebuild(tab, tc, s, n, pred, ecc); err != nil {
		return err
	}
	if lossless {
		var nz bool
		corr := make([]int32, n*n)
		for y := 0; y < n && y0+y < ph; y++ {
			for x := 0; x < n && x0+x < pw; x++ {
				i := y*n + x
				corr[i] = int32(src[(y0+y)*pw+x0+x]) - int32(s.blk[i])
				nz = nz || corr[i] != 0
			}
		}
		if nz {
			tc.corr = corr
		}
	}
	applyCorrection(s.blk, tc.corr)
	store(dst, pw, ph, x0, y0, n, s.blk)
	return nil
}

// rebuild dequantizes tc into s.blk. Encoder and decoder share it so both
// produce the same samples.
func rebuild(tab *quant.Table, tc *tileCode, s *scratch, n int, pred []uint8, ecc float64) error {
	s.plane.Basis, s.plane.Param = tc.basis, tc.param
	if err := tab.Dequantize(s.plane, tc.sym, ecc, int(tc.mask)); err != nil {
		return err
	}
	if err := transform.InverseInto(s.rec, s.plane); err != nil {
		return err
	}
	for i, v := range s.rec {
		s.blk[i] = clamp8(math.Round(v + base(pred, i)))
	}
	return nil
}

// contrast returns the RMS deviation of the source samples of a tile.
func contrast(src []uint8, pw, ph, x0, y0, n int) float64 {
	var sum, sumSq float64
	cnt := 0
	for y := y0; y < y0+n && y < ph; y++ {
		for _, v := range src[y*pw+x0 : y*pw+min(x0+n, pw)] {
			f := float64(v)
			sum += f
			sumSq += f * f
			cnt++
		}
	}
	if cnt == 0 {
		return 0
	}
	m := sum / float64(cnt)
	return math.Sqrt(max(sumSq/float64(cnt)-m*m, 0))
}

func applyCorrection(blk []uint8, corr []int32) {
	for i, c := range corr {
		if c != 0 {
			blk[i] = clamp8(float64(int32(blk[i]) + c))
		}
	}
}

func base(pred []uint8, i int) float64 {
	if pred == nil {
		return intraBase
	}
	return float64(pred[i])
}

func clamp8(v float64) uint8 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// store copies the in-plane part of an n×n block into a plane.
func store(dst []uint8, pw, ph, x0, y0, n int, blk []uint8) {
	for y := 0; y < n && y0+y < ph; y++ {
		copy(dst[(y0+y)*pw+x0:(y0+y)*pw+min(x0+n, pw)], blk[y*n:y*n+min(n, pw-x0)])
	}
}

// coefContext buckets scan positions.
func coefContext(k, n int) entropy.Context {
	switch {
	case k == 0:
		return entropy.CtxDC
	case k < n*n/8:
		return entropy.CtxACLow
	case k < n*n/2:
		return entropy.CtxACMid
	default:
		return entropy.CtxACHigh
	}
}

// putTile serialises one tile: basis, Gabor orientation, masking index
// (lossy frames only), coefficient count in scan order, the coefficients,
// then the optional lossless correction.
func putTile(e *entropy.Encoder, tc *tileCode, n int, lossless bool) {
	e.Put(entropy.CtxMode, int32(tc.basis))
	if tc.basis == transform.BasisGabor {
		e.Put(entropy.CtxMode, int32(tc.param))
	}
	if !lossless {
		e.Put(entropy.CtxMasking, int32(tc.mask))
	}
	scan := transform.ScanOrder(tc.basis, n)
	count := 0
	for k, i := range scan {
		if tc.sym[i] != 0 {
			count = k + 1
		}
	}
	e.Put(entropy.CtxLastIndex, int32(count))
	for k := range count {
		e.Put(coefContext(k, n), tc.sym[scan[k]])
	}
	if !lossless {
		return
	}
	if tc.corr == nil {
		e.Put(entropy.CtxCorrectionFlag, 0)
		return
	}
	e.Put(entropy.CtxCorrectionFlag, 1)
	for _, c := range tc.corr {
		e.Put(entropy.CtxCorrection, c)
	}
}

// getTile mirrors putTile and validates what it reads.
func getTile(d *entropy.Decoder, tc *tileCode, n int, lossless bool) error {
	b := transform.Basis(d.Next(entropy.CtxMode))
	if !transform.Supports(b, n) {
		return fmt.Errorf("%w: basis %d for %dx%d tile", ErrBadStream, b, n, n)
	}
	if lossless && b != transform.BasisDCT {
		return fmt.Errorf("%w: lossy basis %s in lossless frame", ErrBadStream, b)
	}
	tc.basis, tc.param = b, 0
	if b == transform.BasisGabor {
		p := d.Next(entropy.CtxMode)
		if p < 0 || p >= transform.Orientations {
			return fmt.Errorf("%w: gabor orientation %d", ErrBadStream, p)
		}
		tc.param = uint8(p)
	}
	tc.mask = 0
	if !lossless {
		m := d.Next(entropy.CtxMasking)
		if m < 0 || m >= perceptual.MaskingLevels {
			return fmt.Errorf("%w: masking index %d", ErrBadStream, m)
		}
		tc.mask = uint8(m)
	}
	count := int(d.Next(entropy.CtxLastIndex))
	if count < 0 || count > n*n {
		return fmt.Errorf("%w: coefficient count %d", ErrBadStream, count)
	}
	if tc.sym == nil {
		tc.sym = make([]int32, n*n)
	}
	clear(tc.sym)
	scan := transform.ScanOrder(b, n)
	for k := range count {
		tc.sym[scan[k]] = d.Next(coefContext(k, n))
	}
	tc.corr = nil
	if !lossless {
		return nil
	}
	switch d.Next(entropy.CtxCorrectionFlag) {
	case 0:
	case 1:
		tc.corr = make([]int32, n*n)
		for i := range tc.corr {
			c := d.Next(entropy.CtxCorrection)
			if c < -255 || c > 255 {
				return fmt.Errorf("%w: correction %d", ErrBadStream, c)
			}
			tc.corr[i] = c
		}
	default:
		return fmt.Errorf("%w: correction flag", ErrBadStream)
	}
	return nil
}

// putField serialises the motion field: an inter flag per luma tile, then
// for inter tiles the reference index (when more than one reference
// exists) and the vector's difference from its median prediction.
func putField(e *entropy.Encoder, f *motion.Field, refs int) {
	for row := range f.Rows {
		for col := range f.Cols {
			v := f.At(col, row)
			if v.Intra {
				e.Put(entropy.CtxInterFlag, 0)
				continue
			}
			e.Put(entropy.CtxInterFlag, 1)
			if refs > 1 {
				e.Put(entropy.CtxRefIdx, int32(v.Ref))
			}
			px, py := f.Predict(col, row)
			e.Put(entropy.CtxMVX, int32(v.DX-px))
			e.Put(entropy.CtxMVY, int32(v.DY-py))
		}
	}
}

// getField mirrors putField. It returns the number of luma tiles, in
// raster order, whose vectors were read before any error.
func getField(d *entropy.Decoder, f *motion.Field, refs, radius int) (int, error) {
	for i := range f.Vectors {
		col, row := i%f.Cols, i/f.Cols
		switch d.Next(entropy.CtxInterFlag) {
		case 0:
			f.Vectors[i] = motion.Vector{Intra: true}
			continue
		case 1:
		default:
			return i, fmt.Errorf("%w: inter flag at tile %d", ErrBadStream, i)
		}
		var v motion.Vector
		if refs > 1 {
			v.Ref = int(d.Next(entropy.CtxRefIdx))
		}
		if v.Ref < 0 || v.Ref >= max(refs, 1) {
			return i, fmt.Errorf("%w: reference %d at tile %d", ErrBadStream, v.Ref, i)
		}
		px, py := f.Predict(col, row)
		v.DX = px + int(d.Next(entropy.CtxMVX))
		v.DY = py + int(d.Next(entropy.CtxMVY))
		if abs(v.DX) > 2*radius || abs(v.DY) > 2*radius {
			return i, fmt.Errorf("%w: vector (%d,%d) at tile %d", ErrBadStream, v.DX, v.DY, i)
		}
		v.Confidence = 1
		f.Vectors[i] = v
	}
	return len(f.Vectors), nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
