package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/zsiec/ccx"

	"github.com/zsiec/afiyah/bitstream"
	"github.com/zsiec/afiyah/media"
)

const maxAudioChannels = 8

// appendCaptions encodes caption frames as a count followed by
// (pts, channel, text) triples.
func appendCaptions(b []byte, caps []*ccx.CaptionFrame) []byte {
	b = bitstream.AppendVarint(b, uint64(len(caps)))
	for _, c := range caps {
		b = bitstream.AppendVarint(b, uint64(max(c.PTS, 0)))
		b = bitstream.AppendVarint(b, uint64(max(c.Channel, 0)))
		b = bitstream.AppendBytes(b, []byte(c.Text))
	}
	return b
}

func parseCaptions(b []byte) ([]*ccx.CaptionFrame, error) {
	p := bitstream.NewPayload(b)
	n, err := p.ReadVarint()
	if err != nil {
		return nil, fmt.Errorf("%w: captions: %w", ErrBadStream, err)
	}
	// Each caption takes at least three bytes.
	if n > uint64(len(b)) {
		return nil, fmt.Errorf("%w: %d captions in %d bytes", ErrBadStream, n, len(b))
	}
	caps := make([]*ccx.CaptionFrame, 0, n)
	for range n {
		pts, err := p.ReadVarint()
		if err != nil {
			return nil, fmt.Errorf("%w: captions: %w", ErrBadStream, err)
		}
		ch, err := p.ReadVarint()
		if err != nil {
			return nil, fmt.Errorf("%w: captions: %w", ErrBadStream, err)
		}
		text, err := p.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: captions: %w", ErrBadStream, err)
		}
		caps = append(caps, &ccx.CaptionFrame{PTS: int64(pts), Channel: int(ch), Text: string(text)})
	}
	return caps, nil
}

// appendAudio encodes a PCM chunk: sample rate, channel count, PTS, then
// interleaved little-endian samples.
func appendAudio(b []byte, a *media.PCMChunk) []byte {
	b = bitstream.AppendVarint(b, uint64(max(a.SampleRate, 0)))
	b = bitstream.AppendVarint(b, uint64(max(a.Channels, 0)))
	b = bitstream.AppendVarint(b, uint64(max(a.PTS, 0)))
	b = bitstream.AppendVarint(b, uint64(len(a.Samples)))
	for _, s := range a.Samples {
		b = binary.LittleEndian.AppendUint16(b, uint16(s))
	}
	return b
}

func parseAudio(b []byte) (*media.PCMChunk, error) {
	p := bitstream.NewPayload(b)
	var vals [4]uint64
	for i := range vals {
		v, err := p.ReadVarint()
		if err != nil {
			return nil, fmt.Errorf("%w: audio: %w", ErrBadStream, err)
		}
		vals[i] = v
	}
	rate, channels, pts, count := vals[0], vals[1], vals[2], vals[3]
	if channels == 0 || channels > maxAudioChannels || rate == 0 || rate > 384000 {
		return nil, fmt.Errorf("%w: audio format %d Hz x %d", ErrBadStream, rate, channels)
	}
	rest := p.Remaining()
	if count*2 != uint64(len(rest)) || count%channels != 0 {
		return nil, fmt.Errorf("%w: audio holds %d bytes for %d samples", ErrBadStream, len(rest), count)
	}
	a := &media.PCMChunk{
		PTS:        int64(pts),
		SampleRate: int(rate),
		Channels:   int(channels),
		Samples:    make([]int16, count),
	}
	for i := range a.Samples {
		a.Samples[i] = int16(binary.LittleEndian.Uint16(rest[2*i:]))
	}
	return a, nil
}
