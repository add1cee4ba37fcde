package motion

// Sample returns the bilinear sample of a w×h plane at (xs, ys), given in
// units of 1/2^shift pixels. Coordinates are clamped to the plane edge and
// the result is rounded with integer arithmetic, so encoder and decoder
// agree exactly.
func Sample(pix []uint8, w, h, xs, ys int, shift uint) uint8 {
	one := 1 << shift
	mask := one - 1
	x0, y0 := xs>>shift, ys>>shift
	fx, fy := xs&mask, ys&mask
	at := func(x, y int) int {
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), h-1)
		return int(pix[y*w+x])
	}
	a := at(x0, y0)
	if fx == 0 && fy == 0 {
		return uint8(a)
	}
	b := at(x0+1, y0)
	c := at(x0, y0+1)
	d := at(x0+1, y0+1)
	v := (one-fx)*(one-fy)*a + fx*(one-fy)*b + (one-fx)*fy*c + fx*fy*d
	round := 1 << (2*shift - 1)
	return uint8((v + round) >> (2 * shift))
}

// Block copies the motion-compensated n×n block at (x0, y0) of a w×h plane
// into dst. The vector (dx, dy) is in 1/2^shift pixels: 1 for half-pel luma,
// 2 for quarter-pel chroma.
func Block(dst []uint8, pix []uint8, w, h, x0, y0, n, dx, dy int, shift uint) {
	for y := range n {
		for x := range n {
			xs := (x0+x)<<shift + dx
			ys := (y0+y)<<shift + dy
			dst[y*n+x] = Sample(pix, w, h, xs, ys, shift)
		}
	}
}
