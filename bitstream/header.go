package bitstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/afiyah/quant"
)

// ErrBadHeader is returned when a header payload does not parse.
var ErrBadHeader = errors.New("bitstream: malformed header")

// StreamHeader describes the coded sequence.
type StreamHeader struct {
	Width            int
	Height           int
	FrameRate        float64
	Rung             int
	TileSize         int
	ReferenceWindow  int
	SearchRadius     int
	KeyframeInterval int
	Chroma           bool
	Lossless         bool
	Quant            quant.Params
}

const (
	streamFlagChroma = 1 << iota
	streamFlagLossless
)

// AppendBinary appends the encoding of h to b.
func (h StreamHeader) AppendBinary(b []byte) []byte {
	for _, v := range []int{h.Width, h.Height, h.Rung, h.TileSize, h.ReferenceWindow, h.SearchRadius, h.KeyframeInterval} {
		b = AppendVarint(b, uint64(max(v, 0)))
	}
	b = binary.LittleEndian.AppendUint64(b, math.Float64bits(h.FrameRate))
	var flags byte
	if h.Chroma {
		flags |= streamFlagChroma
	}
	if h.Lossless {
		flags |= streamFlagLossless
	}
	b = append(b, flags)
	return h.Quant.AppendBinary(b)
}

// ParseStreamHeader decodes a stream header payload.
func ParseStreamHeader(b []byte) (StreamHeader, error) {
	var h StreamHeader
	p := NewPayload(b)
	for _, dst := range []*int{&h.Width, &h.Height, &h.Rung, &h.TileSize, &h.ReferenceWindow, &h.SearchRadius, &h.KeyframeInterval} {
		v, err := p.ReadVarint()
		if err != nil {
			return StreamHeader{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
		}
		if v > math.MaxInt32 {
			return StreamHeader{}, fmt.Errorf("%w: field out of range", ErrBadHeader)
		}
		*dst = int(v)
	}
	fps, err := p.ReadUint64()
	if err != nil {
		return StreamHeader{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	h.FrameRate = math.Float64frombits(fps)
	flags, err := p.ReadByte()
	if err != nil {
		return StreamHeader{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	h.Chroma = flags&streamFlagChroma != 0
	h.Lossless = flags&streamFlagLossless != 0
	h.Quant, err = p.readParams()
	if err != nil {
		return StreamHeader{}, err
	}
	return h, nil
}

// Frame header flags.
const (
	FlagKeyframe uint8 = 1 << iota
	FlagLossless
	FlagMotion
	FlagChroma
	FlagGaze
	// FlagReference marks a frame that enters the reference window.
	FlagReference
)

// maxRefs bounds the reference list of a frame header.
const maxRefs = 4

// FrameHeader opens every record.
type FrameHeader struct {
	Number uint64
	// PTS is the presentation time in microseconds.
	PTS   int64
	Flags uint8
	// GazeX and GazeY are the fixation point in luma pixels, present when
	// FlagGaze is set.
	GazeX, GazeY int
	// QuantGen is the quant table generation the frame was coded with.
	QuantGen uint64
	// Refs lists the frame numbers motion vectors address, by reference
	// index. Present when FlagMotion is set.
	Refs []uint64
}

// Keyframe reports whether the frame is coded without references.
func (h FrameHeader) Keyframe() bool { return h.Flags&FlagKeyframe != 0 }

// AppendBinary appends the encoding of h to b.
func (h FrameHeader) AppendBinary(b []byte) []byte {
	b = AppendVarint(b, h.Number)
	b = AppendVarint(b, uint64(max(h.PTS, 0)))
	b = append(b, h.Flags)
	if h.Flags&FlagGaze != 0 {
		b = AppendVarint(b, uint64(max(h.GazeX, 0)))
		b = AppendVarint(b, uint64(max(h.GazeY, 0)))
	}
	b = AppendVarint(b, h.QuantGen)
	if h.Flags&FlagMotion != 0 {
		b = AppendVarint(b, uint64(len(h.Refs)))
		for _, r := range h.Refs {
			b = AppendVarint(b, r)
		}
	}
	return b
}

// ParseFrameHeader decodes a frame header payload.
func ParseFrameHeader(b []byte) (FrameHeader, error) {
	var h FrameHeader
	p := NewPayload(b)
	var err error
	if h.Number, err = p.ReadVarint(); err != nil {
		return FrameHeader{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	pts, err := p.ReadVarint()
	if err != nil {
		return FrameHeader{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	h.PTS = int64(pts)
	if h.Flags, err = p.ReadByte(); err != nil {
		return FrameHeader{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if h.Flags&FlagGaze != 0 {
		x, err := p.ReadVarint()
		if err != nil {
			return FrameHeader{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
		}
		y, err := p.ReadVarint()
		if err != nil {
			return FrameHeader{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
		}
		if x > math.MaxInt32 || y > math.MaxInt32 {
			return FrameHeader{}, fmt.Errorf("%w: gaze out of range", ErrBadHeader)
		}
		h.GazeX, h.GazeY = int(x), int(y)
	}
	if h.QuantGen, err = p.ReadVarint(); err != nil {
		return FrameHeader{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if h.Flags&FlagMotion != 0 {
		n, err := p.ReadVarint()
		if err != nil {
			return FrameHeader{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
		}
		if n == 0 || n > maxRefs {
			return FrameHeader{}, fmt.Errorf("%w: %d references", ErrBadHeader, n)
		}
		h.Refs = make([]uint64, n)
		for i := range h.Refs {
			if h.Refs[i], err = p.ReadVarint(); err != nil {
				return FrameHeader{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
			}
		}
	}
	return h, nil
}

// QuantTable is the payload of a quant-table section.
type QuantTable struct {
	Generation uint64
	Params     quant.Params
}

// AppendBinary appends the encoding of q to b.
func (q QuantTable) AppendBinary(b []byte) []byte {
	b = AppendVarint(b, q.Generation)
	return q.Params.AppendBinary(b)
}

// ParseQuantTable decodes a quant-table payload.
func ParseQuantTable(b []byte) (QuantTable, error) {
	p := NewPayload(b)
	gen, err := p.ReadVarint()
	if err != nil {
		return QuantTable{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	params, err := p.readParams()
	if err != nil {
		return QuantTable{}, err
	}
	return QuantTable{Generation: gen, Params: params}, nil
}

// Payload is a sequential reader over a section payload.
type Payload struct {
	data []byte
	pos  int
}

// NewPayload returns a reader over data.
func NewPayload(data []byte) *Payload {
	return &Payload{data: data}
}

// Remaining returns the unread bytes.
func (p *Payload) Remaining() []byte { return p.data[p.pos:] }

// ReadVarint reads a QUIC variable-length integer.
func (p *Payload) ReadVarint() (uint64, error) {
	if p.pos >= len(p.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v, n, err := quicvarint.Parse(p.data[p.pos:])
	if err != nil {
		return 0, err
	}
	p.pos += n
	return v, nil
}

// ReadByte reads one byte.
func (p *Payload) ReadByte() (byte, error) {
	if p.pos >= len(p.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := p.data[p.pos]
	p.pos++
	return v, nil
}

// ReadUint64 reads a little-endian uint64.
func (p *Payload) ReadUint64() (uint64, error) {
	if len(p.data)-p.pos < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(p.data[p.pos:])
	p.pos += 8
	return v, nil
}

// ReadBytes reads a varint-length-prefixed byte string. The result aliases
// the payload.
func (p *Payload) ReadBytes() ([]byte, error) {
	n, err := p.ReadVarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(p.data)-p.pos) {
		return nil, io.ErrUnexpectedEOF
	}
	v := p.data[p.pos : p.pos+int(n)]
	p.pos += int(n)
	return v, nil
}

// AppendBytes appends a varint-length-prefixed byte string.
func AppendBytes(b, data []byte) []byte {
	b = AppendVarint(b, uint64(len(data)))
	return append(b, data...)
}

// AppendVarint appends v as a QUIC variable-length integer, saturating at
// the largest encodable value.
func AppendVarint(b []byte, v uint64) []byte {
	return quicvarint.Append(b, min(v, quicvarint.Max))
}

func (p *Payload) readParams() (quant.Params, error) {
	params, n, err := quant.ParseParams(p.data[p.pos:])
	if err != nil {
		return quant.Params{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	p.pos += n
	return params, nil
}
