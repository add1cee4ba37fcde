package transform

import "math"

// Content is the classification Analyze assigns to a tile.
type Content uint8

const (
	ContentSmooth Content = iota
	ContentEdge
	ContentTexture
	ContentMixed
)

func (c Content) String() string {
	switch c {
	case ContentSmooth:
		return "smooth"
	case ContentEdge:
		return "edge"
	case ContentTexture:
		return "texture"
	default:
		return "mixed"
	}
}

// Classification thresholds.
const (
	smoothVariance  = 4.0  // per-sample AC energy below this is smooth
	smoothLowBand   = 0.9  // share of AC energy in the lowest bands
	textureHighBand = 0.5  // share of AC energy in the upper half spectrum
	edgeCoherence   = 0.6  // structure-tensor coherence
	edgeMaxDense    = 0.35 // share of samples with strong gradient
	strongGradient  = 0.5  // relative to the tile's maximum gradient
)

// Hybrid weighting applied to class scores for mixed tiles.
var hybridWeights = [NumBases]float64{
	BasisDCT:     0.5,
	BasisGabor:   0.2,
	BasisWavelet: 0.3,
}

// Analysis reports the features behind a basis decision.
type Analysis struct {
	Content     Content
	Basis       Basis
	Param       uint8
	LowBand     float64
	HighBand    float64
	Coherence   float64
	Dense       float64
	Orientation int
}

// Analyze classifies an n×n tile and picks its basis.
func Analyze(tile []float64, n int) (Basis, uint8) {
	a := Describe(tile, n)
	return a.Basis, a.Param
}

// Describe is Analyze with the intermediate features exposed.
func Describe(tile []float64, n int) Analysis {
	var a Analysis
	if n < minOrientedSize || len(tile) != n*n {
		a.Content = ContentSmooth
		a.Basis = BasisDCT
		return a
	}

	var coef [MaxSize * MaxSize]float64
	dctForward(coef[:n*n], tile, n)
	var total, low, high float64
	for v := 0; v < n; v++ {
		for u := 0; u < n; u++ {
			if u == 0 && v == 0 {
				continue
			}
			e := coef[v*n+u] * coef[v*n+u]
			total += e
			if u+v <= 2 {
				low += e
			}
			if u+v >= n {
				high += e
			}
		}
	}
	if total > 0 {
		a.LowBand = low / total
		a.HighBand = high / total
	}

	var jxx, jyy, jxy, maxMag float64
	var mags [MaxSize * MaxSize]float64
	cnt := 0
	for y := 0; y < n-1; y++ {
		for x := 0; x < n-1; x++ {
			gx := tile[y*n+x+1] - tile[y*n+x]
			gy := tile[(y+1)*n+x] - tile[y*n+x]
			jxx += gx * gx
			jyy += gy * gy
			jxy += gx * gy
			m := math.Hypot(gx, gy)
			mags[cnt] = m
			cnt++
			maxMag = max(maxMag, m)
		}
	}
	if tr := jxx + jyy; tr > 0 {
		a.Coherence = math.Sqrt((jxx-jyy)*(jxx-jyy)+4*jxy*jxy) / tr
	}
	if maxMag > 0 {
		strong := 0
		for _, m := range mags[:cnt] {
			if m > strongGradient*maxMag {
				strong++
			}
		}
		a.Dense = float64(strong) / float64(cnt)
	}
	phi := 0.5 * math.Atan2(2*jxy, jxx-jyy)
	if phi < 0 {
		phi += math.Pi
	}
	a.Orientation = int(math.Round(phi/(math.Pi/Orientations))) % Orientations

	switch {
	case total/float64(n*n) < smoothVariance || a.LowBand > smoothLowBand:
		a.Content = ContentSmooth
		a.Basis = BasisDCT
	case a.HighBand > textureHighBand:
		a.Content = ContentTexture
		a.Basis = BasisWavelet
	case a.Coherence > edgeCoherence && a.Dense < edgeMaxDense:
		a.Content = ContentEdge
		a.Basis = BasisGabor
	default:
		a.Content = ContentMixed
		scores := [NumBases]float64{
			BasisDCT:     a.LowBand,
			BasisGabor:   a.Coherence * (1 - a.Dense),
			BasisWavelet: a.HighBand,
		}
		best := BasisDCT
		for b := BasisDCT; b < numBases; b++ {
			if scores[b]*hybridWeights[b] > scores[best]*hybridWeights[best] {
				best = b
			}
		}
		a.Basis = best
	}
	switch a.Basis {
	case BasisGabor:
		a.Param = uint8(a.Orientation)
	case BasisWavelet:
		a.Param = uint8(waveletLevels(n))
	}
	return a
}
