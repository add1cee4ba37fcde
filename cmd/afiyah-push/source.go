package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/zsiec/afiyah/bitstream"
	"github.com/zsiec/afiyah/codec"
	"github.com/zsiec/afiyah/media"
)

// source is a recorded stream split at record boundaries. ends[i] is the
// offset just past record i; the preamble ends at start.
type source struct {
	data      []byte
	header    bitstream.StreamHeader
	start     int64
	ends      []int64
	truncated bool
}

// frameInterval returns the pacing interval in seconds.
func (s *source) frameInterval() float64 {
	fps := s.header.FrameRate
	if !(fps > 0) || math.IsInf(fps, 0) {
		fps = codec.DefaultFrameRate
	}
	return 1 / fps
}

// scan indexes the records of a recorded stream. A trailing partial
// record is kept as the last chunk.
func scan(data []byte) (*source, error) {
	r := bitstream.NewReader(bytes.NewReader(data))
	hdr, err := r.ReadHeader()
	if err != nil {
		return nil, fmt.Errorf("reading stream header: %w", err)
	}
	h, err := bitstream.ParseStreamHeader(hdr)
	if err != nil {
		return nil, fmt.Errorf("parsing stream header: %w", err)
	}
	s := &source{data: data, header: h, start: r.Offset()}
	for {
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, bitstream.ErrTruncated) {
			s.truncated = true
			if last := s.last(); last < int64(len(data)) {
				s.ends = append(s.ends, int64(len(data)))
			}
			break
		}
		if err != nil {
			return nil, err
		}
		s.ends = append(s.ends, r.Offset())
	}
	return s, nil
}

func (s *source) last() int64 {
	if len(s.ends) == 0 {
		return s.start
	}
	return s.ends[len(s.ends)-1]
}

// encodePattern codes frames of the moving test pattern into a complete
// stream.
func encodePattern(w, h, frames int, fps float64, chroma bool) ([]byte, error) {
	enc, err := codec.NewEncoder(codec.Config{
		Width:     w,
		Height:    h,
		FrameRate: fps,
		Chroma:    chroma,
	})
	if err != nil {
		return nil, err
	}
	out := enc.Preamble()
	for i := range frames {
		f := media.Pattern(w, h, i, chroma)
		f.PTS = int64(math.Round(float64(i) * 1e6 / fps))
		e, err := enc.EncodeFrame(f, codec.Options{})
		if err != nil {
			return nil, fmt.Errorf("encoding frame %d: %w", i, err)
		}
		out = append(out, e.Record...)
	}
	return out, nil
}
