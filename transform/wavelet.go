package transform

import (
	"math"
	"math/bits"
)

// waveletLevels is the pyramid depth for an n×n tile: two levels for 8×8
// and three for 16×16, leaving a 2×2 approximation band.
func waveletLevels(n int) int {
	return bits.Len(uint(n)) - 2
}

// haarForward applies an orthonormal 2-D Haar pyramid in Mallat layout:
// approximation top-left, horizontal detail top-right, vertical detail
// bottom-left, diagonal detail bottom-right, recursing on the
// approximation.
func haarForward(dst, src []float64, n int) {
	copy(dst, src)
	var tmp [MaxSize * MaxSize]float64
	for m, l := n, 0; l < waveletLevels(n); m, l = m/2, l+1 {
		h := m / 2
		for y := 0; y < h; y++ {
			for x := 0; x < h; x++ {
				a := dst[(2*y)*n+2*x]
				b := dst[(2*y)*n+2*x+1]
				c := dst[(2*y+1)*n+2*x]
				d := dst[(2*y+1)*n+2*x+1]
				tmp[y*n+x] = (a + b + c + d) / 2
				tmp[y*n+x+h] = (a - b + c - d) / 2
				tmp[(y+h)*n+x] = (a + b - c - d) / 2
				tmp[(y+h)*n+x+h] = (a - b - c + d) / 2
			}
		}
		for y := 0; y < m; y++ {
			copy(dst[y*n:y*n+m], tmp[y*n:y*n+m])
		}
	}
}

func haarInverse(dst, src []float64, n int) {
	copy(dst, src)
	var tmp [MaxSize * MaxSize]float64
	for m := n >> (waveletLevels(n) - 1); m <= n; m *= 2 {
		h := m / 2
		for y := 0; y < h; y++ {
			for x := 0; x < h; x++ {
				ll := dst[y*n+x]
				hl := dst[y*n+x+h]
				lh := dst[(y+h)*n+x]
				hh := dst[(y+h)*n+x+h]
				tmp[(2*y)*n+2*x] = (ll + hl + lh + hh) / 2
				tmp[(2*y)*n+2*x+1] = (ll - hl + lh - hh) / 2
				tmp[(2*y+1)*n+2*x] = (ll + hl - lh - hh) / 2
				tmp[(2*y+1)*n+2*x+1] = (ll - hl - lh + hh) / 2
			}
		}
		for y := 0; y < m; y++ {
			copy(dst[y*n:y*n+m], tmp[y*n:y*n+m])
		}
	}
}

// waveletFrequency returns the nominal radial frequency (cycles/pixel)
// and orientation of coefficient (x, y). The approximation band is
// reported as frequency zero.
func waveletFrequency(x, y, n int) (f, theta float64) {
	levels := waveletLevels(n)
	m := n
	for l := 1; l <= levels; l++ {
		h := m / 2
		if x < h && y < h {
			m = h
			continue
		}
		band := 0.5 / float64(int(1)<<(l-1))
		var fx, fy float64
		if x >= h {
			fx = band
		}
		if y >= h {
			fy = band
		}
		return math.Hypot(fx, fy), math.Atan2(fy, fx)
	}
	return 0, 0
}
