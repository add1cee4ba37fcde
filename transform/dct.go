package transform

import (
	"math"
	"sync"
)

// dctMatrix[n][k*n+x] = a(k)·cos(π(2x+1)k / 2n), orthonormal.
var (
	dctOnce   [MaxSize + 1]sync.Once
	dctMatrix [MaxSize + 1][]float64
)

func dctBasis(n int) []float64 {
	dctOnce[n].Do(func() {
		m := make([]float64, n*n)
		for k := 0; k < n; k++ {
			a := math.Sqrt(2 / float64(n))
			if k == 0 {
				a = math.Sqrt(1 / float64(n))
			}
			for x := 0; x < n; x++ {
				m[k*n+x] = a * math.Cos(math.Pi*float64(2*x+1)*float64(k)/float64(2*n))
			}
		}
		dctMatrix[n] = m
	})
	return dctMatrix[n]
}

// dctForward computes dst = C·src·Cᵀ.
func dctForward(dst, src []float64, n int) {
	c := dctBasis(n)
	var tmp [MaxSize * MaxSize]float64
	// rows: tmp[y][u] = Σx C[u][x]·src[y][x]
	for y := 0; y < n; y++ {
		row := src[y*n : y*n+n]
		for u := 0; u < n; u++ {
			cu := c[u*n : u*n+n]
			var s float64
			for x := 0; x < n; x++ {
				s += cu[x] * row[x]
			}
			tmp[y*n+u] = s
		}
	}
	// columns: dst[v][u] = Σy C[v][y]·tmp[y][u]
	for v := 0; v < n; v++ {
		cv := c[v*n : v*n+n]
		for u := 0; u < n; u++ {
			var s float64
			for y := 0; y < n; y++ {
				s += cv[y] * tmp[y*n+u]
			}
			dst[v*n+u] = s
		}
	}
}

// dctInverse computes dst = Cᵀ·src·C.
func dctInverse(dst, src []float64, n int) {
	c := dctBasis(n)
	var tmp [MaxSize * MaxSize]float64
	for v := 0; v < n; v++ {
		for x := 0; x < n; x++ {
			var s float64
			for u := 0; u < n; u++ {
				s += c[u*n+x] * src[v*n+u]
			}
			tmp[v*n+x] = s
		}
	}
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			var s float64
			for v := 0; v < n; v++ {
				s += c[v*n+y] * tmp[v*n+x]
			}
			dst[y*n+x] = s
		}
	}
}

// dctFrequency returns the radial frequency in cycles/pixel and the
// orientation of coefficient (u, v) of an n×n DCT.
func dctFrequency(u, v, n int) (f, theta float64) {
	fx := float64(u) / float64(2*n)
	fy := float64(v) / float64(2*n)
	return math.Hypot(fx, fy), math.Atan2(fy, fx)
}
