package transform

import (
	"sort"
	"sync"
)

// Coefficient describes what one plane position measures.
type Coefficient struct {
	// Freq is the nominal radial frequency in cycles/pixel.
	Freq float64
	// Theta is the orientation of the frequency vector in radians.
	Theta float64
	// Orientation is the Gabor bank orientation index, or -1.
	Orientation int
}

type layoutKey struct {
	basis Basis
	n     int
}

var layoutMu sync.Mutex

var (
	layouts    = map[layoutKey][]Coefficient{}
	scanOrders = map[layoutKey][]int{}
)

// Layout returns the per-coefficient description of an n×n plane of basis
// b. The returned slice is shared and must not be modified.
func Layout(b Basis, n int) []Coefficient {
	b = Effective(b, n)
	k := layoutKey{b, n}
	layoutMu.Lock()
	defer layoutMu.Unlock()
	if l, ok := layouts[k]; ok {
		return l
	}
	l := buildLayout(b, n)
	layouts[k] = l
	return l
}

func buildLayout(b Basis, n int) []Coefficient {
	out := make([]Coefficient, n*n)
	switch b {
	case BasisDCT:
		for v := 0; v < n; v++ {
			for u := 0; u < n; u++ {
				f, th := dctFrequency(u, v, n)
				out[v*n+u] = Coefficient{Freq: f, Theta: th, Orientation: -1}
			}
		}
	case BasisWavelet:
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				f, th := waveletFrequency(x, y, n)
				out[y*n+x] = Coefficient{Freq: f, Theta: th, Orientation: -1}
			}
		}
	case BasisGabor:
		g := gaborFor(n)
		for i, a := range g.atoms {
			out[i] = Coefficient{Freq: a.freq, Theta: a.theta, Orientation: a.orientation}
		}
	}
	return out
}

// ScanOrder returns the order in which plane coefficients are serialised:
// roughly increasing frequency so trailing zeros cluster at the end. The
// returned slice is shared and must not be modified.
func ScanOrder(b Basis, n int) []int {
	b = Effective(b, n)
	lay := Layout(b, n)
	k := layoutKey{b, n}
	layoutMu.Lock()
	defer layoutMu.Unlock()
	if s, ok := scanOrders[k]; ok {
		return s
	}
	var s []int
	switch b {
	case BasisDCT:
		s = zigzag(n)
	default:
		s = make([]int, n*n)
		for i := range s {
			s[i] = i
		}
		sort.SliceStable(s, func(i, j int) bool { return lay[s[i]].Freq < lay[s[j]].Freq })
	}
	scanOrders[k] = s
	return s
}
