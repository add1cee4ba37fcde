// Package transform maps square tiles to coefficient planes using one of
// three bases: the orthonormal block DCT, an orientation-selective Gabor
// bank, or a Haar wavelet pyramid. Each basis is a free function pair
// selected by its tag.
package transform

import (
	"errors"
	"fmt"
)

// Basis tags a coefficient plane with the transform that produced it.
type Basis uint8

const (
	BasisDCT Basis = iota
	BasisGabor
	BasisWavelet

	numBases
)

// NumBases is the number of defined basis tags.
const NumBases = int(numBases)

func (b Basis) String() string {
	switch b {
	case BasisDCT:
		return "dct"
	case BasisGabor:
		return "gabor"
	case BasisWavelet:
		return "wavelet"
	default:
		return fmt.Sprintf("basis(%d)", uint8(b))
	}
}

// Valid reports whether b is a defined basis tag.
func (b Basis) Valid() bool { return b < numBases }

// Tile size limits.
const (
	MinSize = 1
	MaxSize = 16

	// minOrientedSize is the smallest tile the Gabor and wavelet bases
	// accept; smaller tiles fall back to the DCT.
	minOrientedSize = 8
)

// Gabor bank geometry.
const (
	Orientations = 8
	Scales       = 4
)

var (
	ErrUnsupportedBasis = errors.New("transform: unsupported basis")
	ErrBadSize          = errors.New("transform: unsupported tile size")
	ErrShape            = errors.New("transform: tile does not match plane size")
)

// Plane is a tile-shaped array of coefficients plus the basis that
// produced it. Param carries the dominant orientation index for Gabor
// planes and the level count for wavelet planes.
type Plane struct {
	Size  int
	Basis Basis
	Param uint8
	Coef  []float64
}

// NewPlane allocates an empty plane for an n×n tile.
func NewPlane(n int) *Plane {
	return &Plane{Size: n, Coef: make([]float64, n*n)}
}

// Supports reports whether basis b can transform n×n tiles.
func Supports(b Basis, n int) bool {
	if n < MinSize || n > MaxSize {
		return false
	}
	switch b {
	case BasisDCT:
		return true
	case BasisWavelet:
		return n >= minOrientedSize && n&(n-1) == 0
	case BasisGabor:
		return n >= minOrientedSize && n%minOrientedSize == 0
	}
	return false
}

// Effective returns the basis actually used for an n×n tile when b is
// requested: b itself when supported, otherwise the DCT.
func Effective(b Basis, n int) Basis {
	if Supports(b, n) {
		return b
	}
	return BasisDCT
}

// Forward transforms an n×n tile (row-major) into a new plane.
func Forward(tile []float64, n int, b Basis, param uint8) (*Plane, error) {
	p := NewPlane(n)
	p.Basis = b
	p.Param = param
	if err := ForwardInto(p, tile); err != nil {
		return nil, err
	}
	return p, nil
}

// ForwardInto transforms tile into p using p.Basis and p.Size. A basis
// that does not support the size is replaced with the DCT.
func ForwardInto(p *Plane, tile []float64) error {
	n := p.Size
	if n < MinSize || n > MaxSize {
		return fmt.Errorf("%w: %d", ErrBadSize, n)
	}
	if len(tile) != n*n || len(p.Coef) != n*n {
		return ErrShape
	}
	if !p.Basis.Valid() {
		return fmt.Errorf("%w: %s", ErrUnsupportedBasis, p.Basis)
	}
	p.Basis = Effective(p.Basis, n)
	switch p.Basis {
	case BasisDCT:
		p.Param = 0
		dctForward(p.Coef, tile, n)
	case BasisWavelet:
		p.Param = uint8(waveletLevels(n))
		haarForward(p.Coef, tile, n)
	case BasisGabor:
		p.Param %= Orientations
		gaborForward(p.Coef, tile, n)
	}
	return nil
}

// Inverse reconstructs the tile a plane was produced from.
func Inverse(p *Plane) ([]float64, error) {
	out := make([]float64, p.Size*p.Size)
	if err := InverseInto(out, p); err != nil {
		return nil, err
	}
	return out, nil
}

// InverseInto reconstructs p into dst, which must hold Size×Size samples.
func InverseInto(dst []float64, p *Plane) error {
	n := p.Size
	if n < MinSize || n > MaxSize {
		return fmt.Errorf("%w: %d", ErrBadSize, n)
	}
	if len(dst) != n*n || len(p.Coef) != n*n {
		return ErrShape
	}
	if !Supports(p.Basis, n) {
		return fmt.Errorf("%w: %s at %dx%d", ErrUnsupportedBasis, p.Basis, n, n)
	}
	switch p.Basis {
	case BasisDCT:
		dctInverse(dst, p.Coef, n)
	case BasisWavelet:
		haarInverse(dst, p.Coef, n)
	case BasisGabor:
		gaborInverse(dst, p.Coef, n)
	}
	return nil
}

// GaborErrorBudget returns the documented bound on the L2 reconstruction
// error of the Gabor basis for a tile of the given L2 norm.
func GaborErrorBudget(norm float64) float64 {
	return 1e-6*norm + 1e-9
}
