// Package bitstream frames AFIYAH streams. A stream is a magic string, a
// version byte and a stream header section, followed by one record per
// frame. Every section carries its own CRC32 and every record ends with a
// CRC over the record's sections, so damage is contained to the record it
// hits and the reader can resynchronise on the next sync marker.
package bitstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// SectionID identifies a section.
type SectionID uint8

const (
	SectionStreamHeader SectionID = 0x00
	SectionFrameHeader  SectionID = 0x01
	SectionQuantTable   SectionID = 0x02
	SectionMotionField  SectionID = 0x03
	SectionCoefficients SectionID = 0x04
	SectionEndOfFrame   SectionID = 0x05
	SectionSyncMarker   SectionID = 0x06
	SectionCaptions     SectionID = 0x08
	SectionAudio        SectionID = 0x09
)

func (id SectionID) String() string {
	switch id {
	case SectionStreamHeader:
		return "stream-header"
	case SectionFrameHeader:
		return "frame-header"
	case SectionQuantTable:
		return "quant-table"
	case SectionMotionField:
		return "motion-field"
	case SectionCoefficients:
		return "coefficients"
	case SectionEndOfFrame:
		return "end-of-frame"
	case SectionSyncMarker:
		return "sync"
	case SectionCaptions:
		return "captions"
	case SectionAudio:
		return "audio"
	default:
		return fmt.Sprintf("section(0x%02x)", uint8(id))
	}
}

func (id SectionID) known() bool {
	switch id {
	case SectionFrameHeader, SectionQuantTable, SectionMotionField,
		SectionCoefficients, SectionCaptions, SectionAudio:
		return true
	}
	return false
}

// Stream constants.
const (
	Version = 1

	// sectionOverhead is id + length + crc.
	sectionOverhead = 1 + 4 + 4
	sectionHeader   = 1 + 4

	// MaxSectionLen bounds a section payload. Longer lengths are treated
	// as corruption.
	MaxSectionLen = 64 << 20
)

var (
	magic      = []byte("AFIYAH")
	syncMarker = [4]byte{byte(SectionSyncMarker), 0xAF, 0x1A, 0xC5}
)

var (
	ErrBadMagic           = errors.New("bitstream: not an AFIYAH stream")
	ErrUnsupportedVersion = errors.New("bitstream: unsupported version")
	ErrCorruptSection     = errors.New("bitstream: corrupt section")
	ErrUnknownSection     = errors.New("bitstream: unknown section")
	ErrTruncated          = errors.New("bitstream: truncated")
	ErrRecordLayout       = errors.New("bitstream: invalid record layout")
	ErrSectionTooLarge    = errors.New("bitstream: section too large")
)

// SectionError locates a failure within the stream.
type SectionError struct {
	ID     SectionID
	Offset int64
	Err    error
}

func (e *SectionError) Error() string {
	return fmt.Sprintf("bitstream: %s section at offset %d: %v", e.ID, e.Offset, e.Err)
}

func (e *SectionError) Unwrap() error { return e.Err }

// Section is one framed unit. Payload is not copied by the writer; sections
// returned by the reader own their payload.
type Section struct {
	ID      SectionID
	Payload []byte
}

// AppendSection appends the framed encoding of s to b.
func AppendSection(b []byte, s Section) []byte {
	start := len(b)
	b = append(b, byte(s.ID))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s.Payload)))
	b = append(b, s.Payload...)
	return binary.LittleEndian.AppendUint32(b, crc32.ChecksumIEEE(b[start:]))
}

// AppendStreamStart appends the magic, version and stream header section.
func AppendStreamStart(b, header []byte) []byte {
	b = append(b, magic...)
	b = append(b, Version)
	return AppendSection(b, Section{ID: SectionStreamHeader, Payload: header})
}

// recordOrder is the rank of each section within a record.
var recordOrder = map[SectionID]int{
	SectionFrameHeader:  0,
	SectionQuantTable:   1,
	SectionMotionField:  2,
	SectionCoefficients: 3,
	SectionCaptions:     4,
	SectionAudio:        5,
}

// AppendFrame appends one record holding sections, which must be a frame
// header, optional quant table and motion field, the coefficients, and
// optional captions and audio, in that order. The sync marker and
// end-of-frame section are added here.
func AppendFrame(b []byte, sections ...Section) ([]byte, error) {
	if err := checkLayout(sections); err != nil {
		return b, err
	}
	b = append(b, syncMarker[:]...)
	start := len(b)
	for _, s := range sections {
		if len(s.Payload) > MaxSectionLen {
			return b[:start-len(syncMarker)], fmt.Errorf("%w: %s is %d bytes", ErrSectionTooLarge, s.ID, len(s.Payload))
		}
		b = AppendSection(b, s)
	}
	sum := binary.LittleEndian.AppendUint32(nil, crc32.ChecksumIEEE(b[start:]))
	return AppendSection(b, Section{ID: SectionEndOfFrame, Payload: sum}), nil
}

// WriteFrame returns one framed record. See AppendFrame.
func WriteFrame(sections ...Section) ([]byte, error) {
	size := len(syncMarker) + 2*sectionOverhead
	for _, s := range sections {
		size += sectionOverhead + len(s.Payload)
	}
	return AppendFrame(make([]byte, 0, size), sections...)
}

func checkLayout(sections []Section) error {
	if len(sections) == 0 || sections[0].ID != SectionFrameHeader {
		return fmt.Errorf("%w: record must start with a frame header", ErrRecordLayout)
	}
	last := -1
	coef := false
	for _, s := range sections {
		rank, ok := recordOrder[s.ID]
		if !ok {
			return fmt.Errorf("%w: %s not allowed in a record", ErrRecordLayout, s.ID)
		}
		if rank <= last {
			return fmt.Errorf("%w: %s out of order", ErrRecordLayout, s.ID)
		}
		last = rank
		coef = coef || s.ID == SectionCoefficients
	}
	if !coef {
		return fmt.Errorf("%w: missing coefficients", ErrRecordLayout)
	}
	return nil
}

// Writer frames a stream onto an io.Writer.
type Writer struct {
	w       io.Writer
	buf     []byte
	started bool
	written int64
}

// NewWriter returns a Writer emitting to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes the stream preamble. It must be called exactly once,
// before the first frame.
func (w *Writer) WriteHeader(header []byte) error {
	if w.started {
		return errors.New("bitstream: header already written")
	}
	w.started = true
	return w.flush(AppendStreamStart(w.buf[:0], header))
}

// WriteFrame writes one record.
func (w *Writer) WriteFrame(sections ...Section) error {
	if !w.started {
		return errors.New("bitstream: frame written before header")
	}
	b, err := AppendFrame(w.buf[:0], sections...)
	if err != nil {
		return err
	}
	return w.flush(b)
}

// WriteRecord writes a record previously produced by WriteFrame.
func (w *Writer) WriteRecord(rec []byte) error {
	if !w.started {
		return errors.New("bitstream: frame written before header")
	}
	n, err := w.w.Write(rec)
	w.written += int64(n)
	return err
}

// Written returns the number of bytes written so far.
func (w *Writer) Written() int64 { return w.written }

func (w *Writer) flush(b []byte) error {
	w.buf = b
	n, err := w.w.Write(b)
	w.written += int64(n)
	return err
}
