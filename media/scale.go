package media

// Scale returns f resampled to w×h luma by area averaging: each output
// sample is the coverage-weighted mean of the input samples under it.
// Metadata and side data carry over; a gaze hint is rescaled.
func Scale(f *Frame, w, h int) *Frame {
	if w == f.Width && h == f.Height {
		return f.Clone()
	}
	out := &Frame{
		Width:    w,
		Height:   h,
		Y:        scalePlane(f.Y, f.Width, f.Height, w, h),
		PTS:      f.PTS,
		Meta:     f.Meta,
		Captions: f.Captions,
		Audio:    f.Audio,
	}
	if f.HasChroma() {
		sw, sh := ChromaSize(f.Width, f.Height)
		dw, dh := ChromaSize(w, h)
		out.Cb = scalePlane(f.Cb, sw, sh, dw, dh)
		out.Cr = scalePlane(f.Cr, sw, sh, dw, dh)
	}
	if g := f.Meta.Gaze; g != nil && f.Width > 0 && f.Height > 0 {
		p := *g
		p.X = p.X * w / f.Width
		p.Y = p.Y * h / f.Height
		out.Meta.Gaze = &p
	}
	return out
}

// span is one input sample's contribution to an output sample.
type span struct {
	src    int
	weight float64
}

// coverage lists, for each of dn output positions, the input positions of
// an sn-long axis it overlaps and by how much.
func coverage(sn, dn int) [][]span {
	out := make([][]span, dn)
	ratio := float64(sn) / float64(dn)
	for i := range out {
		lo := float64(i) * ratio
		hi := lo + ratio
		for s := int(lo); s < sn && float64(s) < hi; s++ {
			w := min(hi, float64(s+1)) - max(lo, float64(s))
			if w > 0 {
				out[i] = append(out[i], span{src: s, weight: w / ratio})
			}
		}
	}
	return out
}

func scalePlane(src []uint8, sw, sh, dw, dh int) []uint8 {
	dst := make([]uint8, dw*dh)
	if sw == 0 || sh == 0 || dw == 0 || dh == 0 {
		return dst
	}
	cx := coverage(sw, dw)
	cy := coverage(sh, dh)
	row := make([]float64, sw)
	for y := range dh {
		clear(row)
		for _, sy := range cy[y] {
			line := src[sy.src*sw : (sy.src+1)*sw]
			for x, v := range line {
				row[x] += float64(v) * sy.weight
			}
		}
		for x := range dw {
			var acc float64
			for _, sx := range cx[x] {
				acc += row[sx.src] * sx.weight
			}
			dst[y*dw+x] = uint8(min(max(acc+0.5, 0), 255))
		}
	}
	return dst
}
