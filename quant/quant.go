// Package quant turns coefficient planes into integer symbols. Step sizes
// grow with eccentricity, with spatial frequency above the contrast
// sensitivity peak, and with the tile's own contrast (masking);
// frequencies beyond the resolvable cutoff at a tile's eccentricity get
// the coarsest step.
package quant

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zsiec/afiyah/perceptual"
	"github.com/zsiec/afiyah/transform"
)

// Mode selects the quantizer variant.
type Mode uint8

const (
	ModePerceptual Mode = iota
	// ModeLossless uses q = 1 for every coefficient.
	ModeLossless

	numModes
)

func (m Mode) String() string {
	switch m {
	case ModePerceptual:
		return "perceptual"
	case ModeLossless:
		return "lossless"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Defaults.
const (
	DefaultBaseStep = 1.0
	DefaultQMin     = 1.0
	DefaultQMax     = 4096.0

	// dominantBoost scales steps of Gabor atoms aligned with the tile's
	// dominant orientation.
	dominantBoost = 0.8

	// maxSymbol bounds symbol magnitude.
	maxSymbol = 1 << 20
)

var (
	ErrInvalidParams = errors.New("quant: invalid parameters")
	ErrShortParams   = errors.New("quant: truncated parameters")
	ErrShape         = errors.New("quant: symbol count does not match plane")
)

// Params are the quantizer parameters carried in the stream header and in
// quant-table sections. Both ends rebuild identical tables from them.
type Params struct {
	Mode       Mode
	BaseStep   float64
	QMin       float64
	QMax       float64
	Perceptual perceptual.Params
}

// DefaultParams returns perceptual-mode parameters with default steps.
func DefaultParams() Params {
	return Params{
		Mode:     ModePerceptual,
		BaseStep: DefaultBaseStep,
		QMin:     DefaultQMin,
		QMax:     DefaultQMax,
		Perceptual: perceptual.Params{
			PixelsPerDegree: perceptual.DefaultPixelsPerDegree,
		},
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	finite := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
	switch {
	case p.Mode >= numModes:
		return fmt.Errorf("%w: mode %d", ErrInvalidParams, p.Mode)
	case !finite(p.BaseStep) || p.BaseStep <= 0:
		return fmt.Errorf("%w: base step %v", ErrInvalidParams, p.BaseStep)
	case !finite(p.QMin) || p.QMin <= 0:
		return fmt.Errorf("%w: q_min %v", ErrInvalidParams, p.QMin)
	case !finite(p.QMax) || p.QMax < p.QMin:
		return fmt.Errorf("%w: q_max %v", ErrInvalidParams, p.QMax)
	case !finite(p.Perceptual.PixelsPerDegree) || p.Perceptual.PixelsPerDegree < 0:
		return fmt.Errorf("%w: pixels per degree %v", ErrInvalidParams, p.Perceptual.PixelsPerDegree)
	case !finite(p.Perceptual.Illumination) || p.Perceptual.Illumination < 0:
		return fmt.Errorf("%w: illumination %v", ErrInvalidParams, p.Perceptual.Illumination)
	}
	return nil
}

// ParamsSize is the serialized size of Params.
const ParamsSize = 1 + 5*8

// AppendBinary appends the little-endian encoding of p to b.
func (p Params) AppendBinary(b []byte) []byte {
	b = append(b, byte(p.Mode))
	for _, v := range []float64{p.BaseStep, p.QMin, p.QMax, p.Perceptual.PixelsPerDegree, p.Perceptual.Illumination} {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
	}
	return b
}

// ParseParams decodes Params from the front of b.
func ParseParams(b []byte) (Params, int, error) {
	if len(b) < ParamsSize {
		return Params{}, 0, ErrShortParams
	}
	var p Params
	p.Mode = Mode(b[0])
	f := func(i int) float64 {
		return math.Float64frombits(binary.LittleEndian.Uint64(b[1+8*i:]))
	}
	p.BaseStep, p.QMin, p.QMax = f(0), f(1), f(2)
	p.Perceptual.PixelsPerDegree, p.Perceptual.Illumination = f(3), f(4)
	if err := p.Validate(); err != nil {
		return Params{}, 0, err
	}
	return p, ParamsSize, nil
}

// Table computes step sizes for one parameter set. It is immutable and
// safe for concurrent use.
type Table struct {
	params Params
	tabs   *perceptual.Tables
}

// NewTable validates p and binds it to the shared perceptual tables.
func NewTable(p Params) (*Table, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Table{params: p, tabs: perceptual.New(p.Perceptual)}, nil
}

// Params returns the parameters the table was built from.
func (t *Table) Params() Params { return t.params }

// Lossless reports whether the table quantizes with q = 1.
func (t *Table) Lossless() bool { return t.params.Mode == ModeLossless }

// Step returns the quantizer step for coefficient c in eccentricity band
// band. dominant is the Gabor tile's dominant orientation, or -1. mask is
// the tile's masking index; it coarsens every coefficient but DC.
func (t *Table) Step(c transform.Coefficient, band, dominant, mask int) float64 {
	if t.params.Mode == ModeLossless {
		return 1
	}
	fdeg := c.Freq * t.tabs.PixelsPerDegree()
	if fdeg > t.tabs.CutoffBand(band) {
		return t.params.QMax
	}
	s := t.tabs.Sensitivity(fdeg) * t.tabs.FalloffBand(band) * t.tabs.Orientation(c.Theta)
	q := t.params.BaseStep / s
	if dominant >= 0 && c.Orientation >= 0 && orientationDistance(c.Orientation, dominant) <= 1 {
		q *= dominantBoost
	}
	if mask > 0 && c.Freq > 0 {
		q *= perceptual.Masking(mask)
	}
	return min(max(q, t.params.QMin), t.params.QMax)
}

// Steps fills dst with the step of every coefficient of an n×n plane of
// basis b and the given param at eccentricity ecc (degrees) and masking
// index mask.
func (t *Table) Steps(dst []float64, b transform.Basis, param uint8, n int, ecc float64, mask int) {
	b = transform.Effective(b, n)
	lay := transform.Layout(b, n)
	band := perceptual.Band(ecc)
	dominant := -1
	if b == transform.BasisGabor {
		dominant = int(param % transform.Orientations)
	}
	for i := range lay {
		dst[i] = t.Step(lay[i], band, dominant, mask)
	}
}

// Quantize writes round(c/q) for every coefficient of p into dst.
func (t *Table) Quantize(dst []int32, p *transform.Plane, ecc float64, mask int) error {
	n := p.Size
	if len(dst) != n*n || len(p.Coef) != n*n {
		return ErrShape
	}
	var steps [transform.MaxSize * transform.MaxSize]float64
	t.Steps(steps[:n*n], p.Basis, p.Param, n, ecc, mask)
	for i, c := range p.Coef {
		dst[i] = toSymbol(c / steps[i])
	}
	return nil
}

// Dequantize writes symbol·q into p.Coef. p.Size, p.Basis and p.Param
// must already describe the plane.
func (t *Table) Dequantize(p *transform.Plane, sym []int32, ecc float64, mask int) error {
	n := p.Size
	if len(sym) != n*n || len(p.Coef) != n*n {
		return ErrShape
	}
	var steps [transform.MaxSize * transform.MaxSize]float64
	t.Steps(steps[:n*n], p.Basis, p.Param, n, ecc, mask)
	for i, s := range sym {
		p.Coef[i] = float64(s) * steps[i]
	}
	return nil
}

func toSymbol(v float64) int32 {
	if math.IsNaN(v) {
		return 0
	}
	r := math.Round(v)
	if r > maxSymbol {
		return maxSymbol
	}
	if r < -maxSymbol {
		return -maxSymbol
	}
	return int32(r)
}

func orientationDistance(a, b int) int {
	d := (a - b) % transform.Orientations
	if d < 0 {
		d += transform.Orientations
	}
	return min(d, transform.Orientations-d)
}
