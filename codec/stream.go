package codec

import (
	"io"
	"log/slog"

	"github.com/zsiec/afiyah/bitstream"
)

// StreamReader decodes a complete stream from an io.Reader.
type StreamReader struct {
	r   *bitstream.Reader
	dec *Decoder
}

// NewStreamReader reads the stream preamble from src and prepares a
// decoder for it.
func NewStreamReader(src io.Reader, log *slog.Logger) (*StreamReader, error) {
	r := bitstream.NewReader(src)
	hdr, err := r.ReadHeader()
	if err != nil {
		return nil, err
	}
	dec, err := NewDecoder(hdr, log)
	if err != nil {
		return nil, err
	}
	return &StreamReader{r: r, dec: dec}, nil
}

// Header returns the stream header.
func (s *StreamReader) Header() bitstream.StreamHeader { return s.dec.StreamHeader() }

// Decoder returns the underlying decoder.
func (s *StreamReader) Decoder() *Decoder { return s.dec }

// Lost returns the number of records the reader skipped over.
func (s *StreamReader) Lost() int { return s.r.Lost() }

// Next decodes the next record. It returns io.EOF at the end of the
// stream and an error wrapping bitstream.ErrTruncated when the stream
// ends inside a record.
func (s *StreamReader) Next() (*Decoded, error) {
	rec, err := s.r.Next()
	if err != nil {
		return nil, err
	}
	return s.dec.DecodeRecord(rec), nil
}
