// Package perceptual holds the read-only visual-sensitivity tables that
// weight quantization: a contrast-sensitivity curve over spatial
// frequency, an eccentricity falloff with its resolvable-frequency cutoff,
// an orientation preference and contrast masking. Tables are built once per parameter set
// and shared by every encoder and decoder in the process.
package perceptual

import (
	"image"
	"math"
	"sync"
)

// Curve constants. The names follow the usual psychophysics literature;
// they are parameters of the weighting, nothing more.
const (
	// DefaultPixelsPerDegree is assumed when no viewing-distance hint is
	// available.
	DefaultPixelsPerDegree = 32.0

	// PeakFrequency is the spatial frequency of maximum contrast
	// sensitivity, in cycles per degree.
	PeakFrequency = 3.0

	// FoveaConstant is k in fov(e) = 1/(1+e/k), in degrees.
	FoveaConstant = 2.3

	csfBandwidth      = 1.5 // octaves, gaussian sigma on a log2 axis
	csfFloor          = 0.01
	halfResolutionEcc = 2.3
	contrastThreshold = 1.0 / 64
	spatialDecay      = 0.106
	obliqueWeight     = 0.85
	dimWeight         = 0.7
	brightLuminance   = 100.0
)

// Tabulated ranges. Lookups outside them saturate at the last entry.
const (
	MaxFrequency     = 64.0 // cycles per degree
	MaxEccentricity  = 90.0 // degrees
	EccentricityStep = 0.25

	freqStep    = 0.125
	freqEntries = int(MaxFrequency/freqStep) + 1
	eccEntries  = int(MaxEccentricity/EccentricityStep) + 1
	oriEntries  = 64
)

// EccentricityBands is the number of discrete eccentricity bands.
const EccentricityBands = eccEntries

// Params describes the viewing conditions the tables are built for.
type Params struct {
	// PixelsPerDegree converts pixel distances and frequencies into
	// visual angle. Zero selects DefaultPixelsPerDegree.
	PixelsPerDegree float64
	// Illumination is the ambient luminance in cd/m². Zero means unknown
	// and is treated as a bright surround.
	Illumination float64
}

func (p Params) normalized() Params {
	if p.PixelsPerDegree <= 0 || math.IsNaN(p.PixelsPerDegree) || math.IsInf(p.PixelsPerDegree, 0) {
		p.PixelsPerDegree = DefaultPixelsPerDegree
	}
	if p.Illumination < 0 || math.IsNaN(p.Illumination) || math.IsInf(p.Illumination, 0) {
		p.Illumination = 0
	}
	return p
}

// Tables is an immutable set of lookups for one Params value.
type Tables struct {
	params Params
	gain   float64

	csf    [freqEntries]float64
	sens   [freqEntries]float64
	fov    [eccEntries]float64
	cutoff [eccEntries]float64
	ori    [oriEntries]float64
}

var cache sync.Map // Params -> *Tables

// New returns the tables for p, building them on first use.
func New(p Params) *Tables {
	p = p.normalized()
	if t, ok := cache.Load(p); ok {
		return t.(*Tables)
	}
	t, _ := cache.LoadOrStore(p, build(p))
	return t.(*Tables)
}

func build(p Params) *Tables {
	t := &Tables{params: p, gain: illuminationGain(p.Illumination)}
	for i := range t.csf {
		f := float64(i) * freqStep
		t.csf[i] = t.gain * csfCurve(f)
		if f <= PeakFrequency {
			t.sens[i] = t.gain
		} else {
			t.sens[i] = t.csf[i]
		}
	}
	for i := range t.fov {
		e := float64(i) * EccentricityStep
		t.fov[i] = 1 / (1 + e/FoveaConstant)
		t.cutoff[i] = halfResolutionEcc * math.Log(1/contrastThreshold) / (spatialDecay * (e + halfResolutionEcc))
	}
	for i := range t.ori {
		theta := float64(i) * math.Pi / oriEntries
		c := math.Cos(2 * theta)
		t.ori[i] = obliqueWeight + (1-obliqueWeight)*c*c
	}
	return t
}

// csfCurve is a log-parabola centred on PeakFrequency, normalized to 1.
func csfCurve(f float64) float64 {
	if f <= 0 {
		return csfFloor
	}
	o := math.Log2(f / PeakFrequency)
	v := math.Exp(-(o * o) / (2 * csfBandwidth * csfBandwidth))
	return max(v, csfFloor)
}

func illuminationGain(l float64) float64 {
	if l == 0 || l >= brightLuminance {
		return 1
	}
	return dimWeight + (1-dimWeight)*math.Log10(1+l)/math.Log10(1+brightLuminance)
}

// Params returns the normalized parameters the tables were built from.
func (t *Tables) Params() Params { return t.params }

// PixelsPerDegree is shorthand for Params().PixelsPerDegree.
func (t *Tables) PixelsPerDegree() float64 { return t.params.PixelsPerDegree }

// CSF returns contrast sensitivity at f cycles/degree.
func (t *Tables) CSF(f float64) float64 { return interp(&t.csf, f) }

// Sensitivity is CSF flattened to its peak value below PeakFrequency,
// the low-pass form used for quantizer weighting.
func (t *Tables) Sensitivity(f float64) float64 { return interp(&t.sens, f) }

// Falloff returns fov(e) for e degrees of eccentricity.
func (t *Tables) Falloff(e float64) float64 { return t.fov[Band(e)] }

// Cutoff returns the highest resolvable frequency, in cycles/degree, at e
// degrees of eccentricity.
func (t *Tables) Cutoff(e float64) float64 { return t.cutoff[Band(e)] }

// FalloffBand and CutoffBand index the tables by band directly.
func (t *Tables) FalloffBand(b int) float64 { return t.fov[clampBand(b)] }

func (t *Tables) CutoffBand(b int) float64 { return t.cutoff[clampBand(b)] }

// Orientation returns the orientation weight for an angle in radians.
// Angles wrap modulo π.
func (t *Tables) Orientation(theta float64) float64 {
	if math.IsNaN(theta) || math.IsInf(theta, 0) {
		return t.ori[0]
	}
	theta = math.Mod(theta, math.Pi)
	if theta < 0 {
		theta += math.Pi
	}
	i := int(theta/math.Pi*oriEntries + 0.5)
	if i >= oriEntries {
		i = 0
	}
	return t.ori[i]
}

// Band maps an eccentricity in degrees to its table band.
func Band(e float64) int {
	if !(e > 0) {
		return 0
	}
	if e >= MaxEccentricity {
		return eccEntries - 1
	}
	return int(e / EccentricityStep)
}

func clampBand(b int) int {
	if b < 0 {
		return 0
	}
	if b >= eccEntries {
		return eccEntries - 1
	}
	return b
}

func interp(tab *[freqEntries]float64, f float64) float64 {
	if !(f > 0) {
		return tab[0]
	}
	x := f / freqStep
	i := int(x)
	if i >= freqEntries-1 {
		return tab[freqEntries-1]
	}
	frac := x - float64(i)
	return tab[i]*(1-frac) + tab[i+1]*frac
}

// PixelsPerDegreeFor converts a viewing distance given in picture heights
// into pixels per degree for a frame of the given height. Non-positive
// inputs yield DefaultPixelsPerDegree.
func PixelsPerDegreeFor(height int, distance float64) float64 {
	if height <= 0 || !(distance > 0) {
		return DefaultPixelsPerDegree
	}
	deg := 2 * math.Atan(1/(2*distance)) * 180 / math.Pi
	return float64(height) / deg
}

// Contrast masking. Busy content raises the visibility threshold of errors
// superimposed on it. A tile's RMS contrast, in 8-bit sample units, is
// coded as an index in half-octave steps above maskingThreshold.
const (
	MaskingLevels = 8

	maskingThreshold = 2.0
	// maskingSlope is the log2 threshold elevation per index step. The
	// top level coarsens steps by about 1.5x.
	maskingSlope = 0.08
)

var maskingGain = func() (g [MaskingLevels]float64) {
	for i := range g {
		g[i] = math.Exp2(maskingSlope * float64(i))
	}
	return g
}()

// MaskingIndex maps a tile's RMS contrast to its masking index.
func MaskingIndex(rms float64) int {
	if !(rms > maskingThreshold) {
		return 0
	}
	return min(int(2*math.Log2(rms/maskingThreshold)), MaskingLevels-1)
}

// Masking returns the threshold elevation for masking index i, 1 at
// index 0.
func Masking(i int) float64 {
	return maskingGain[min(max(i, 0), MaskingLevels-1)]
}

// Fixation estimation.
const (
	saliencyBlock = 16
	// popOutWeight scales a block's luminance difference from the frame
	// mean relative to its own contrast.
	popOutWeight = 0.5
)

// Fixation estimates where a viewer looks in a w×h luma plane when no gaze
// is known. Each block scores its RMS contrast plus its luminance pop-out
// against the frame mean; blocks scoring above the frame's mean score pull
// the fixation point towards them, weighted by the square of the excess.
// A uniform frame fixates its centre.
func Fixation(y []uint8, w, h int) image.Point {
	centre := image.Point{X: w / 2, Y: h / 2}
	if w <= 0 || h <= 0 || len(y) < w*h {
		return centre
	}
	cols, rows := (w+saliencyBlock-1)/saliencyBlock, (h+saliencyBlock-1)/saliencyBlock
	means := make([]float64, cols*rows)
	rms := make([]float64, cols*rows)
	var total float64
	for r := range rows {
		for c := range cols {
			var sum, sumSq float64
			n := 0
			for yy := r * saliencyBlock; yy < min((r+1)*saliencyBlock, h); yy++ {
				for _, v := range y[yy*w+c*saliencyBlock : yy*w+min((c+1)*saliencyBlock, w)] {
					f := float64(v)
					sum += f
					sumSq += f * f
					n++
				}
			}
			m := sum / float64(n)
			means[r*cols+c] = m
			rms[r*cols+c] = math.Sqrt(max(sumSq/float64(n)-m*m, 0))
			total += sum
		}
	}
	global := total / float64(w*h)

	score := make([]float64, len(means))
	var mean float64
	for i := range score {
		score[i] = rms[i] + popOutWeight*math.Abs(means[i]-global)
		mean += score[i]
	}
	mean /= float64(len(score))

	var wsum, wx, wy float64
	for i, s := range score {
		ex := s - mean
		if ex <= 0 {
			continue
		}
		wt := ex * ex
		c, r := i%cols, i/cols
		wx += wt * (float64(c*saliencyBlock) + float64(min(saliencyBlock, w-c*saliencyBlock))/2)
		wy += wt * (float64(r*saliencyBlock) + float64(min(saliencyBlock, h-r*saliencyBlock))/2)
		wsum += wt
	}
	if !(wsum > 1e-9) {
		return centre
	}
	return image.Point{
		X: min(max(int(wx/wsum), 0), w-1),
		Y: min(max(int(wy/wsum), 0), h-1),
	}
}
