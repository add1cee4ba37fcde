package motion

import "github.com/zsiec/afiyah/media"

// Plane selects a picture plane.
type Plane uint8

const (
	PlaneY Plane = iota
	PlaneCb
	PlaneCr
)

// ChromaVector returns the vector a chroma tile inherits: that of the luma
// tile covering its top-left corner.
func (f *Field) ChromaVector(cx, cy int) Vector {
	return f.At(min(2*cx, f.Cols-1), min(2*cy, f.Rows-1))
}

// PredictBlock writes the n×n prediction of plane at (x0, y0), in that
// plane's own coordinates, from reference v.Ref displaced by v. It reports
// false when the reference is missing or lacks the plane.
func (w *Window) PredictBlock(dst []uint8, plane Plane, v Vector, x0, y0, n int) bool {
	ref := w.Ref(v.Ref)
	if ref == nil {
		return false
	}
	switch plane {
	case PlaneY:
		Block(dst, ref.Y, ref.Width, ref.Height, x0, y0, n, v.DX, v.DY, 1)
	case PlaneCb, PlaneCr:
		if !ref.HasChroma() {
			return false
		}
		pix := ref.Cb
		if plane == PlaneCr {
			pix = ref.Cr
		}
		cw, ch := media.ChromaSize(ref.Width, ref.Height)
		// A half-pel luma step is a quarter-pel chroma step.
		Block(dst, pix, cw, ch, x0, y0, n, v.DX, v.DY, 2)
	default:
		return false
	}
	return true
}

// Compensate builds the motion-compensated prediction of a width×height
// frame. Intra tiles, and tiles whose reference is missing, are left zero.
func Compensate(w *Window, f *Field, width, height int, chroma bool) *media.Frame {
	out := media.NewFrame(width, height, chroma)
	n := f.TileSize
	blk := make([]uint8, n*n)
	paste := func(pix []uint8, pw, ph, x0, y0 int) {
		for y := 0; y < n && y0+y < ph; y++ {
			for x := 0; x < n && x0+x < pw; x++ {
				pix[(y0+y)*pw+x0+x] = blk[y*n+x]
			}
		}
	}
	for row := range f.Rows {
		for col := range f.Cols {
			v := f.At(col, row)
			if v.Intra || !w.PredictBlock(blk, PlaneY, v, col*n, row*n, n) {
				continue
			}
			paste(out.Y, width, height, col*n, row*n)
		}
	}
	if !chroma {
		return out
	}
	cw, ch := media.ChromaSize(width, height)
	for cy := 0; cy*n < ch; cy++ {
		for cx := 0; cx*n < cw; cx++ {
			v := f.ChromaVector(cx, cy)
			if v.Intra {
				continue
			}
			if w.PredictBlock(blk, PlaneCb, v, cx*n, cy*n, n) {
				paste(out.Cb, cw, ch, cx*n, cy*n)
			}
			if w.PredictBlock(blk, PlaneCr, v, cx*n, cy*n, n) {
				paste(out.Cr, cw, ch, cx*n, cy*n)
			}
		}
	}
	return out
}
