package entropy

import (
	"math"
	"math/bits"
)

// Adaptive binary probability parameters. A model holds P(bit = 0) in
// probBits of precision.
const (
	probBits  = 15
	probOne   = 1 << probBits
	probInit  = probOne / 2
	probShift = 4
	probMin   = 32
	probMax   = probOne - 32

	// unaryBins is the number of adaptive unary bins before the escape.
	unaryBins = 14
	// maxEscapeBits caps the Exp-Golomb prefix length.
	maxEscapeBits = 30
)

type prob uint16

func (p *prob) update(bit int) {
	v := int(*p)
	if bit == 0 {
		v += (probOne - v) >> probShift
	} else {
		v -= v >> probShift
	}
	*p = prob(min(max(v, probMin), probMax))
}

// contextModel is the adaptive state behind one Context.
type contextModel struct {
	zero  prob
	sign  prob
	unary [unaryBins]prob
}

func (m *contextModel) reset() {
	m.zero = probInit
	m.sign = probInit
	for i := range m.unary {
		m.unary[i] = probInit
	}
}

func (e *rangeEncoder) putBit(p *prob, bit int) {
	p0 := uint32(*p)
	if bit == 0 {
		e.encodeBin(0, p0, probBits)
	} else {
		e.encodeBin(p0, probOne, probBits)
	}
	p.update(bit)
}

func (e *rangeEncoder) putBypass(bit int) {
	b := uint32(bit & 1)
	e.encodeBin(b, b+1, 1)
}

func (d *rangeDecoder) getBit(p *prob) int {
	p0 := uint32(*p)
	bit := 0
	if d.decodeBin(probBits) >= p0 {
		bit = 1
	}
	if bit == 0 {
		d.update(0, p0, probOne)
	} else {
		d.update(p0, probOne, probOne)
	}
	p.update(bit)
	return bit
}

func (d *rangeDecoder) getBypass() int {
	b := d.decodeBin(1)
	d.update(b, b+1, 2)
	return int(b)
}

// putValue binarises v: zero flag, sign, unary magnitude bins, then an
// order-0 Exp-Golomb escape in bypass bits.
func (e *rangeEncoder) putValue(m *contextModel, v int32) {
	if v == 0 {
		e.putBit(&m.zero, 0)
		return
	}
	e.putBit(&m.zero, 1)
	mag := int64(v)
	if v < 0 {
		e.putBit(&m.sign, 1)
		mag = -mag
	} else {
		e.putBit(&m.sign, 0)
	}
	mag--
	for i := range unaryBins {
		if mag == int64(i) {
			e.putBit(&m.unary[i], 0)
			return
		}
		e.putBit(&m.unary[i], 1)
	}

	r := uint64(mag-unaryBins) + 1
	k := min(bits.Len64(r)-1, maxEscapeBits)
	for range k {
		e.putBypass(1)
	}
	if k < maxEscapeBits {
		e.putBypass(0)
	}
	for i := k - 1; i >= 0; i-- {
		e.putBypass(int(r>>uint(i)) & 1)
	}
}

func (d *rangeDecoder) getValue(m *contextModel) int32 {
	if d.getBit(&m.zero) == 0 {
		return 0
	}
	neg := d.getBit(&m.sign) == 1
	mag := d.getMagnitude(m) + 1
	mag = min(mag, math.MaxInt32)
	if neg {
		return int32(-mag)
	}
	return int32(mag)
}

func (d *rangeDecoder) getMagnitude(m *contextModel) int64 {
	for i := range unaryBins {
		if d.getBit(&m.unary[i]) == 0 {
			return int64(i)
		}
	}
	k := 0
	for k < maxEscapeBits && d.getBypass() == 1 {
		k++
	}
	r := uint64(1)
	for range k {
		r = r<<1 | uint64(d.getBypass())
	}
	return int64(r-1) + unaryBins
}
