package bitstream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

const (
	readChunk  = 32 << 10
	compactMin = 256 << 10
)

// Record is one parsed frame record. Sections holds the sections that
// passed their CRC, in stream order. A Partial record lost at least one
// section; Errors lists what went wrong. Skipped counts garbage bytes
// consumed before the record's sync marker; a non-zero value means at least
// one record was lost before this one.
type Record struct {
	Offset   int64
	Sections []Section
	Partial  bool
	Errors   []error
	Skipped  int
}

// Section returns the payload of the first section with the given id.
func (r *Record) Section(id SectionID) ([]byte, bool) {
	for _, s := range r.Sections {
		if s.ID == id {
			return s.Payload, true
		}
	}
	return nil, false
}

func (r *Record) fail(err error) {
	r.Partial = true
	r.Errors = append(r.Errors, err)
}

// Reader parses a stream from an io.Reader. It keeps already-read bytes in
// a push-back buffer so it can rescan them for a sync marker after a
// corrupt section.
type Reader struct {
	src    io.Reader
	buf    []byte
	pos    int
	base   int64
	srcErr error

	header     []byte
	headerRead bool
	lost       int
}

// NewReader returns a Reader consuming src.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// ParseFrame parses a single record held in b, starting at its sync marker.
func ParseFrame(b []byte) (*Record, error) {
	r := &Reader{src: bytes.NewReader(b), headerRead: true}
	rec, err := r.Next()
	if errors.Is(err, io.EOF) {
		return nil, ErrTruncated
	}
	return rec, err
}

// Lost returns the number of records known to be lost so far.
func (r *Reader) Lost() int { return r.lost }

// Offset returns the stream offset of the next unread byte.
func (r *Reader) Offset() int64 { return r.base + int64(r.pos) }

// ReadHeader reads the stream preamble and returns the stream header
// payload. Later calls return the same payload.
func (r *Reader) ReadHeader() ([]byte, error) {
	if r.headerRead {
		return r.header, nil
	}
	n := len(magic) + 1
	b, err := r.peek(n)
	if err != nil {
		return nil, ErrTruncated
	}
	if !bytes.Equal(b[:len(magic)], magic) {
		return nil, ErrBadMagic
	}
	if b[len(magic)] != Version {
		return nil, ErrUnsupportedVersion
	}
	r.pos += n
	off := r.Offset()
	s, err := r.readSection()
	if err != nil {
		return nil, &SectionError{ID: SectionStreamHeader, Offset: off, Err: err}
	}
	if s.ID != SectionStreamHeader {
		return nil, &SectionError{ID: s.ID, Offset: off, Err: ErrRecordLayout}
	}
	r.header = s.Payload
	r.headerRead = true
	return r.header, nil
}

// Next returns the next record. It returns io.EOF at a clean end of stream
// and an error wrapping ErrTruncated when the stream ends inside a record;
// records returned before that are unaffected.
func (r *Reader) Next() (*Record, error) {
	if !r.headerRead {
		if _, err := r.ReadHeader(); err != nil {
			return nil, err
		}
	}
	r.compact()

	skipped, err := r.scanSync()
	if err != nil {
		if skipped > 0 && errors.Is(err, io.EOF) {
			r.lost++
			return nil, &SectionError{ID: SectionSyncMarker, Offset: r.Offset(), Err: ErrTruncated}
		}
		return nil, err
	}
	if skipped > 0 {
		r.lost++
	}
	rec := &Record{Offset: r.Offset(), Skipped: skipped}
	r.pos += len(syncMarker)
	start := r.pos

	for {
		if r.atSync() {
			rec.fail(&SectionError{ID: SectionEndOfFrame, Offset: r.Offset(), Err: ErrTruncated})
			return rec, nil
		}
		sectionStart := r.pos
		off := r.Offset()
		s, err := r.readSection()
		switch {
		case errors.Is(err, ErrTruncated):
			if r.syncAhead(sectionStart + 1) {
				rec.fail(&SectionError{ID: s.ID, Offset: off, Err: ErrCorruptSection})
				r.pos = sectionStart + 1
				r.skipToSync()
				return rec, nil
			}
			r.pos = len(r.buf)
			return nil, &SectionError{ID: s.ID, Offset: off, Err: ErrTruncated}
		case err != nil:
			rec.fail(&SectionError{ID: s.ID, Offset: off, Err: err})
			r.pos = sectionStart + 1
			r.skipToSync()
			return rec, nil
		}

		switch {
		case s.ID == SectionEndOfFrame:
			want := crc32.ChecksumIEEE(r.buf[start:sectionStart])
			if len(s.Payload) != 4 || binary.LittleEndian.Uint32(s.Payload) != want {
				rec.fail(&SectionError{ID: s.ID, Offset: off, Err: ErrCorruptSection})
			}
			return rec, nil
		case !s.ID.known():
			rec.Errors = append(rec.Errors, &SectionError{ID: s.ID, Offset: off, Err: ErrUnknownSection})
		default:
			rec.Sections = append(rec.Sections, s)
		}
	}
}

// readSection reads and verifies one section at the current position. On
// success the position advances past it. ErrTruncated means the source
// ended before the section did.
func (r *Reader) readSection() (Section, error) {
	hdr, err := r.peek(sectionHeader)
	if err != nil {
		return Section{}, ErrTruncated
	}
	s := Section{ID: SectionID(hdr[0])}
	n := binary.LittleEndian.Uint32(hdr[1:])
	if n > MaxSectionLen {
		return s, ErrCorruptSection
	}
	total := sectionOverhead + int(n)
	b, err := r.peek(total)
	if err != nil {
		return s, ErrTruncated
	}
	body := b[:sectionHeader+int(n)]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(b[len(body):]) {
		return s, ErrCorruptSection
	}
	s.Payload = bytes.Clone(body[sectionHeader:])
	if s.Payload == nil {
		s.Payload = []byte{}
	}
	r.pos += total
	return s, nil
}

// scanSync advances to the next sync marker and returns how many bytes it
// skipped. It returns the source's error, normally io.EOF, when the source
// is exhausted first.
func (r *Reader) scanSync() (int, error) {
	skipped := 0
	for {
		if i := bytes.Index(r.buf[r.pos:], syncMarker[:]); i >= 0 {
			r.pos += i
			return skipped + i, nil
		}
		// Keep the last three bytes: they may begin a marker.
		adv := max(len(r.buf)-r.pos-(len(syncMarker)-1), 0)
		r.pos += adv
		skipped += adv
		r.compact()
		if err := r.more(); err != nil {
			rest := len(r.buf) - r.pos
			r.pos = len(r.buf)
			return skipped + rest, err
		}
	}
}

// skipToSync advances to the next sync marker or to the end of the source
// without consuming the marker.
func (r *Reader) skipToSync() {
	for {
		if i := bytes.Index(r.buf[r.pos:], syncMarker[:]); i >= 0 {
			r.pos += i
			return
		}
		keep := min(len(syncMarker)-1, len(r.buf)-r.pos)
		r.pos = len(r.buf) - keep
		if r.more() != nil {
			r.pos = len(r.buf)
			return
		}
	}
}

// syncAhead reports whether a sync marker exists in the buffered bytes
// from index from onwards. Only called once the source is exhausted.
func (r *Reader) syncAhead(from int) bool {
	return from < len(r.buf) && bytes.Contains(r.buf[from:], syncMarker[:])
}

func (r *Reader) atSync() bool {
	b, err := r.peek(len(syncMarker))
	return err == nil && bytes.Equal(b, syncMarker[:])
}

// peek returns the next n bytes without consuming them.
func (r *Reader) peek(n int) ([]byte, error) {
	for len(r.buf)-r.pos < n {
		if err := r.more(); err != nil {
			return nil, err
		}
	}
	return r.buf[r.pos : r.pos+n], nil
}

// more reads at least one byte from the source into the buffer.
func (r *Reader) more() error {
	if r.srcErr != nil {
		return r.srcErr
	}
	if cap(r.buf)-len(r.buf) < readChunk {
		grown := make([]byte, len(r.buf), 2*cap(r.buf)+readChunk)
		copy(grown, r.buf)
		r.buf = grown
	}
	for {
		n, err := r.src.Read(r.buf[len(r.buf):cap(r.buf)])
		r.buf = r.buf[:len(r.buf)+n]
		if err != nil {
			r.srcErr = err
			if n > 0 {
				return nil
			}
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

// compact drops consumed bytes once enough have accumulated.
func (r *Reader) compact() {
	if r.pos < compactMin {
		return
	}
	n := copy(r.buf, r.buf[r.pos:])
	r.buf = r.buf[:n]
	r.base += int64(r.pos)
	r.pos = 0
}
