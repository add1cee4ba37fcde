package transform

import (
	"math"
	"sync"

	"github.com/zsiec/afiyah/internal/assert"
)

// The Gabor bank holds, for each of Orientations×Scales channels, an even
// (cosine) and odd (sine) atom at every bank position: one position for
// 8×8 tiles, a 2×2 grid of quadrant centres for 16×16. The atoms are
// orthonormalised once with modified Gram-Schmidt; atoms that are nearly
// dependent on earlier ones are dropped and the basis is completed with
// DCT vectors. The least-squares synthesis of the bank is then its
// transpose, so reconstruction error is float round-off only.

// gaborFrequencies are the channel centre frequencies in cycles/pixel,
// one octave apart.
var gaborFrequencies = [Scales]float64{0.3536, 0.1768, 0.0884, 0.0442}

// gaborSigmaScale sets a one-octave envelope: sigma = scale / f.
const gaborSigmaScale = 0.56

// gaborDropThreshold is the residual norm below which an atom is treated
// as dependent on the atoms already accepted.
const gaborDropThreshold = 0.05

// atomInfo describes one orthonormal basis vector.
type atomInfo struct {
	freq        float64 // cycles/pixel
	theta       float64
	orientation int // bank orientation index, -1 for completion vectors
}

type gaborBank struct {
	n     int
	vecs  []float64 // n² rows of n² samples
	atoms []atomInfo
}

var (
	gaborOnce  [MaxSize + 1]sync.Once
	gaborBanks [MaxSize + 1]*gaborBank
)

func gaborFor(n int) *gaborBank {
	gaborOnce[n].Do(func() { gaborBanks[n] = buildGabor(n) })
	return gaborBanks[n]
}

func buildGabor(n int) *gaborBank {
	dim := n * n
	g := &gaborBank{n: n, vecs: make([]float64, 0, dim*dim)}

	try := func(v []float64, info atomInfo) {
		if len(g.atoms) == dim {
			return
		}
		norm0 := l2(v)
		if norm0 == 0 {
			return
		}
		for range 2 {
			for k := range g.atoms {
				b := g.vecs[k*dim : (k+1)*dim]
				d := dot(v, b)
				for i := range v {
					v[i] -= d * b[i]
				}
			}
		}
		norm := l2(v)
		if norm < gaborDropThreshold*norm0 {
			return
		}
		for i := range v {
			v[i] /= norm
		}
		g.vecs = append(g.vecs, v...)
		g.atoms = append(g.atoms, info)
	}

	per := n / minOrientedSize
	for s := Scales - 1; s >= 0; s-- {
		f := gaborFrequencies[s]
		sigma := gaborSigmaScale / f
		for o := 0; o < Orientations; o++ {
			theta := float64(o) * math.Pi / Orientations
			ct, st := math.Cos(theta), math.Sin(theta)
			for py := 0; py < per; py++ {
				for px := 0; px < per; px++ {
					cx := float64(px*minOrientedSize) + float64(minOrientedSize-1)/2
					cy := float64(py*minOrientedSize) + float64(minOrientedSize-1)/2
					even := make([]float64, dim)
					odd := make([]float64, dim)
					for y := 0; y < n; y++ {
						for x := 0; x < n; x++ {
							dx, dy := float64(x)-cx, float64(y)-cy
							env := math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
							phase := 2 * math.Pi * f * (dx*ct + dy*st)
							even[y*n+x] = env * math.Cos(phase)
							odd[y*n+x] = env * math.Sin(phase)
						}
					}
					info := atomInfo{freq: f, theta: theta, orientation: o}
					try(even, info)
					try(odd, info)
				}
			}
		}
	}

	c := dctBasis(n)
	for _, idx := range zigzag(n) {
		u, v := idx%n, idx/n
		vec := make([]float64, dim)
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				vec[y*n+x] = c[v*n+y] * c[u*n+x]
			}
		}
		f, theta := dctFrequency(u, v, n)
		try(vec, atomInfo{freq: f, theta: theta, orientation: -1})
	}
	if len(g.atoms) != dim {
		panic("transform: gabor basis incomplete")
	}
	assert.True(orthonormal(g.vecs, dim), "transform: gabor basis not orthonormal")
	return g
}

func gaborForward(dst, src []float64, n int) {
	g := gaborFor(n)
	dim := n * n
	for k := 0; k < dim; k++ {
		dst[k] = dot(g.vecs[k*dim:(k+1)*dim], src)
	}
}

func gaborInverse(dst, src []float64, n int) {
	g := gaborFor(n)
	dim := n * n
	clear(dst)
	for k := 0; k < dim; k++ {
		c := src[k]
		if c == 0 {
			continue
		}
		b := g.vecs[k*dim : (k+1)*dim]
		for i := range dst {
			dst[i] += c * b[i]
		}
	}
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func l2(a []float64) float64 { return math.Sqrt(dot(a, a)) }

func orthonormal(vecs []float64, dim int) bool {
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			d := dot(vecs[i*dim:(i+1)*dim], vecs[j*dim:(j+1)*dim])
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(d-want) > 1e-9 {
				return false
			}
		}
	}
	return true
}

// zigzag returns coefficient indices of an n×n block ordered by
// anti-diagonal, low frequencies first.
func zigzag(n int) []int {
	out := make([]int, 0, n*n)
	for s := 0; s < 2*n-1; s++ {
		if s%2 == 0 {
			for y := min(s, n-1); y >= 0 && s-y < n; y-- {
				out = append(out, y*n+(s-y))
			}
		} else {
			for x := min(s, n-1); x >= 0 && s-x < n; x-- {
				out = append(out, (s-x)*n+x)
			}
		}
	}
	return out
}
