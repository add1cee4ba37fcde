package entropy

import "math/bits"

// Range coder geometry: 8-bit output symbols, 32-bit code registers with a
// 31-bit range.
const (
	symBits   = 8
	codeBits  = 32
	symMax    = 1<<symBits - 1
	codeTop   = uint32(1) << (codeBits - 1)
	codeBot   = codeTop >> symBits
	codeShift = codeBits - symBits - 1
	codeExtra = (codeBits-2)%symBits + 1
)

// rangeEncoder writes into a growable buffer. Carries are propagated through
// a one-byte holdback (rem) plus a run of pending 0xFF bytes (ext).
type rangeEncoder struct {
	buf []byte
	rng uint32
	val uint32
	rem int
	ext uint32
}

func (e *rangeEncoder) reset() {
	e.buf = e.buf[:0]
	e.rng = codeTop
	e.val = 0
	e.rem = -1
	e.ext = 0
}

func (e *rangeEncoder) carryOut(c int) {
	if c == symMax {
		e.ext++
		return
	}
	carry := c >> symBits
	if e.rem >= 0 {
		e.buf = append(e.buf, byte(e.rem+carry))
	}
	if e.ext > 0 {
		sym := byte((symMax + carry) & symMax)
		for ; e.ext > 0; e.ext-- {
			e.buf = append(e.buf, sym)
		}
	}
	e.rem = c & symMax
}

func (e *rangeEncoder) normalize() {
	for e.rng <= codeBot {
		e.carryOut(int(e.val >> codeShift))
		e.val = (e.val << symBits) & (codeTop - 1)
		e.rng <<= symBits
	}
}

// encodeBin codes the interval [fl, fh) out of 1<<nbits.
func (e *rangeEncoder) encodeBin(fl, fh uint32, nbits uint) {
	r := e.rng >> nbits
	if fl > 0 {
		e.val += e.rng - r*((1<<nbits)-fl)
		e.rng = r * (fh - fl)
	} else {
		e.rng -= r * ((1 << nbits) - fh)
	}
	e.normalize()
}

// size is the number of bytes the stream would occupy if finished now.
func (e *rangeEncoder) size() int {
	n := len(e.buf) + int(e.ext) + 4
	if e.rem >= 0 {
		n++
	}
	return n
}

// finish writes the minimum number of bytes that pin the final interval and
// returns the encoded stream.
func (e *rangeEncoder) finish() []byte {
	l := codeBits - bits.Len32(e.rng)
	msk := (codeTop - 1) >> uint(l)
	end := (e.val + msk) &^ msk
	if end|msk >= e.val+e.rng {
		l++
		msk >>= 1
		end = (e.val + msk) &^ msk
	}
	for l > 0 {
		e.carryOut(int(end >> codeShift))
		end = (end << symBits) & (codeTop - 1)
		l -= symBits
	}
	if e.rem >= 0 || e.ext > 0 {
		e.carryOut(0)
	}
	return e.buf
}

// rangeDecoder mirrors rangeEncoder. Reads past the end of the buffer yield
// zero bytes, so any input decodes to something without panicking.
type rangeDecoder struct {
	buf  []byte
	offs int
	rng  uint32
	val  uint32
	ext  uint32
	rem  int
}

func (d *rangeDecoder) init(buf []byte) {
	d.buf = buf
	d.offs = 0
	d.rng = 1 << codeExtra
	d.rem = int(d.readByte())
	d.val = d.rng - 1 - uint32(d.rem>>(symBits-codeExtra))
	d.ext = 0
	d.normalize()
}

func (d *rangeDecoder) readByte() byte {
	if d.offs < len(d.buf) {
		b := d.buf[d.offs]
		d.offs++
		return b
	}
	d.offs++
	return 0
}

func (d *rangeDecoder) normalize() {
	for d.rng <= codeBot {
		d.rng <<= symBits
		sym := d.rem
		d.rem = int(d.readByte())
		sym = (sym<<symBits | d.rem) >> (symBits - codeExtra)
		d.val = ((d.val << symBits) + uint32(symMax&^sym)) & (codeTop - 1)
	}
}

// decodeBin returns the cumulative frequency the next symbol falls in,
// out of 1<<nbits. update must follow with the symbol's interval.
func (d *rangeDecoder) decodeBin(nbits uint) uint32 {
	d.ext = d.rng >> nbits
	s := d.val / d.ext
	ft := uint32(1) << nbits
	return ft - min(s+1, ft)
}

func (d *rangeDecoder) update(fl, fh, ft uint32) {
	s := d.ext * (ft - fh)
	d.val -= s
	if fl > 0 {
		d.rng = d.ext * (fh - fl)
	} else {
		d.rng -= s
	}
	d.normalize()
}

// overrun reports how many bytes were consumed beyond the buffer. A
// well-formed stream overruns by at most a few bytes of lookahead.
func (d *rangeDecoder) overrun() int {
	return max(d.offs-len(d.buf), 0)
}
