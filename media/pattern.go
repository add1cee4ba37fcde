package media

// Pattern returns frame n of a moving test pattern: diagonal luma ramps
// drifting right by two pixels per frame, a bright box orbiting the
// centre, and slowly rotating chroma.
func Pattern(w, h int, n int, chroma bool) *Frame {
	f := NewFrame(w, h, chroma)
	shift := 2 * n
	bx := w/2 + (w/4)*[]int{0, 1, 0, -1}[(n/8)%4]
	by := h/2 + (h/4)*[]int{-1, 0, 1, 0}[(n/8)%4]
	box := max(2, min(w, h)/8)
	for y := range h {
		for x := range w {
			v := uint8((x + y + shift) * 3)
			if x >= bx-box && x < bx+box && y >= by-box && y < by+box {
				v = 235
			}
			f.Y[y*w+x] = v
		}
	}
	if chroma {
		cw, ch := ChromaSize(w, h)
		for y := range ch {
			for x := range cw {
				f.Cb[y*cw+x] = uint8(128 + (x+n)%32 - 16)
				f.Cr[y*cw+x] = uint8(128 + (y+n/2)%32 - 16)
			}
		}
	}
	return f
}
