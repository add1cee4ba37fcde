// Package entropy is a context-adaptive binary range coder for the codec's
// integer symbols. Each Context owns its own adaptive models; contexts never
// share state, so the context enum is part of the stream format.
package entropy

import (
	"errors"
	"fmt"
)

// Context selects the adaptive model a symbol is coded with.
type Context uint8

const (
	CtxDC Context = iota
	CtxACLow
	CtxACMid
	CtxACHigh
	CtxLastIndex
	CtxMode
	CtxMVX
	CtxMVY
	CtxRefIdx
	CtxInterFlag
	CtxCorrection
	CtxCorrectionFlag
	CtxMasking

	// NumContexts is the size of the context set. Appending a context
	// changes the stream format.
	NumContexts
)

var contextNames = [NumContexts]string{
	CtxDC:             "dc",
	CtxACLow:          "ac-low",
	CtxACMid:          "ac-mid",
	CtxACHigh:         "ac-high",
	CtxLastIndex:      "last-index",
	CtxMode:           "mode",
	CtxMVX:            "mv-x",
	CtxMVY:            "mv-y",
	CtxRefIdx:         "ref-idx",
	CtxInterFlag:      "inter-flag",
	CtxCorrection:     "correction",
	CtxCorrectionFlag: "correction-flag",
	CtxMasking:        "masking",
}

func (c Context) String() string {
	if c < NumContexts {
		return contextNames[c]
	}
	return fmt.Sprintf("context(%d)", uint8(c))
}

// ErrUnknownContext is returned for a context outside the fixed set.
var ErrUnknownContext = errors.New("entropy: unknown context")

// Symbol is one integer value tagged with its coding context.
type Symbol struct {
	Ctx Context
	Val int32
}

// Encode codes symbols into a self-terminating byte string.
func Encode(symbols []Symbol) ([]byte, error) {
	e := NewEncoder()
	for _, s := range symbols {
		if s.Ctx >= NumContexts {
			return nil, fmt.Errorf("%w: %d", ErrUnknownContext, s.Ctx)
		}
		e.Put(s.Ctx, s.Val)
	}
	return e.Flush(), nil
}

// Decode reads len(ctxs) symbols from data, the i-th coded under ctxs[i].
// Any input decodes; garbage produces garbage symbols, never a panic.
func Decode(data []byte, ctxs []Context) ([]Symbol, error) {
	for _, c := range ctxs {
		if c >= NumContexts {
			return nil, fmt.Errorf("%w: %d", ErrUnknownContext, c)
		}
	}
	d := NewDecoder(data)
	out := make([]Symbol, len(ctxs))
	for i, c := range ctxs {
		out[i] = Symbol{Ctx: c, Val: d.Next(c)}
	}
	return out, nil
}

// Encoder is a streaming symbol encoder. The zero value is not usable; use
// NewEncoder. An Encoder is not safe for concurrent use.
type Encoder struct {
	rc     rangeEncoder
	models [NumContexts]contextModel
	count  int
}

// NewEncoder returns an encoder with fresh models.
func NewEncoder() *Encoder {
	e := &Encoder{}
	e.Reset()
	return e
}

// Reset discards any buffered output and restores the initial models,
// keeping the output buffer's capacity.
func (e *Encoder) Reset() {
	e.rc.reset()
	for i := range e.models {
		e.models[i].reset()
	}
	e.count = 0
}

// Put codes v under ctx. ctx must be below NumContexts.
func (e *Encoder) Put(ctx Context, v int32) {
	e.rc.putValue(&e.models[ctx], v)
	e.count++
}

// Count returns the number of symbols put since the last reset.
func (e *Encoder) Count() int { return e.count }

// Size estimates the flushed size in bytes.
func (e *Encoder) Size() int { return e.rc.size() }

// Flush terminates the stream and returns the encoded bytes. The returned
// slice is owned by the caller; the encoder is reset for reuse.
func (e *Encoder) Flush() []byte {
	out := e.rc.finish()
	cp := make([]byte, len(out))
	copy(cp, out)
	e.Reset()
	return cp
}

// Decoder is a streaming symbol decoder over one flushed byte string.
type Decoder struct {
	rc     rangeDecoder
	models [NumContexts]contextModel
}

// NewDecoder returns a decoder positioned at the start of data.
func NewDecoder(data []byte) *Decoder {
	d := &Decoder{}
	for i := range d.models {
		d.models[i].reset()
	}
	d.rc.init(data)
	return d
}

// Next decodes the next symbol under ctx. Contexts outside the fixed set
// decode as 0 without consuming input.
func (d *Decoder) Next(ctx Context) int32 {
	if ctx >= NumContexts {
		return 0
	}
	return d.rc.getValue(&d.models[ctx])
}

// Overrun reports how many bytes past the end of the input the decoder has
// read. The range decoder looks ahead by up to a few bytes on valid input,
// so a large overrun means the symbols requested exceed what was coded.
func (d *Decoder) Overrun() int { return d.rc.overrun() }
