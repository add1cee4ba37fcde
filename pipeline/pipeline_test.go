package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/afiyah/bitstream"
	"github.com/zsiec/afiyah/codec"
	"github.com/zsiec/afiyah/distribution"
	"github.com/zsiec/afiyah/ladder"
	"github.com/zsiec/afiyah/media"
)

// contribution codes n frames of the test pattern at 30 fps. Frame 1
// carries a caption.
func contribution(t *testing.T, n int) []byte {
	t.Helper()
	enc, err := codec.NewEncoder(codec.Config{Width: 64, Height: 48, FrameRate: 30, Chroma: true})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	var buf bytes.Buffer
	buf.Write(enc.Preamble())
	for i := range n {
		f := media.Pattern(64, 48, i, true)
		f.PTS = int64(math.Round(float64(i) * 1e6 / 30))
		if i == 1 {
			f.Captions = []*ccx.CaptionFrame{{PTS: f.PTS, Channel: 1, Text: "HELLO"}}
		}
		rec, err := enc.Encode(f, codec.Options{})
		if err != nil {
			t.Fatalf("Encode %d: %v", i, err)
		}
		buf.Write(rec)
	}
	return buf.Bytes()
}

func testLadder(t *testing.T) *ladder.Ladder {
	t.Helper()
	l, err := ladder.New([]ladder.Rung{
		{Bitrate: 100_000, Width: 32, Height: 24, FPS: 15, ExpectedQuality: 0.5},
		{Bitrate: 400_000, Width: 64, Height: 48, FPS: 30, ExpectedQuality: 0.8},
	})
	if err != nil {
		t.Fatalf("ladder.New: %v", err)
	}
	return l
}

func decodeAll(t *testing.T, data []byte) []*codec.Decoded {
	t.Helper()
	sr, err := codec.NewStreamReader(bytes.NewReader(data), nil)
	if err != nil {
		t.Fatalf("NewStreamReader: %v", err)
	}
	var out []*codec.Decoded
	for {
		d, err := sr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, d)
	}
}

func TestPipelinePublishesDecodableSegments(t *testing.T) {
	t.Parallel()

	l := testLadder(t)
	store := distribution.NewStore("cam", l, 0, nil)
	var source bitstream.StreamHeader
	p := New("cam", bytes.NewReader(contribution(t, 90)), store, Config{
		Ladder:          l,
		SegmentDuration: time.Second,
		OnSource:        func(h bitstream.StreamHeader) { source = h },
	})
	p.SetProtocol("srt")

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if source.Width != 64 || source.FrameRate != 30 {
		t.Errorf("source header = %+v", source)
	}

	wantFrames := map[ladder.ID]int{0: 15, 1: 30}
	for level, frames := range wantFrames {
		first, last, ok := store.Range(level)
		if !ok || first != 0 || last != 2 {
			t.Fatalf("level %d range = %d..%d (%v), want 0..2", level, first, last, ok)
		}
		h, ok := store.Header(level)
		rung, _ := l.Rung(level)
		if !ok || h.Width != rung.Width || h.Rung != int(level) {
			t.Errorf("level %d header = %+v", level, h)
		}
		for i := first; i <= last; i++ {
			seg, err := store.Segment(level, i)
			if err != nil {
				t.Fatalf("Segment(%d, %d): %v", level, i, err)
			}
			if seg.Frames != frames {
				t.Errorf("level %d segment %d has %d frames, want %d", level, i, seg.Frames, frames)
			}
			if seg.Duration != time.Second {
				t.Errorf("level %d segment %d duration = %v, want 1s", level, i, seg.Duration)
			}
			decoded := decodeAll(t, seg.Data)
			if len(decoded) != frames {
				t.Fatalf("level %d segment %d decoded %d frames, want %d", level, i, len(decoded), frames)
			}
			if !decoded[0].Keyframe {
				t.Errorf("level %d segment %d does not start with a keyframe", level, i)
			}
			for _, d := range decoded {
				if d.Partial {
					t.Errorf("level %d segment %d frame %d partial", level, i, d.Number)
				}
				if d.Frame.Width != rung.Width {
					t.Errorf("frame width = %d, want %d", d.Frame.Width, rung.Width)
				}
			}
		}
	}

	snap := p.StreamSnapshot()
	if snap.Protocol != "srt" {
		t.Errorf("protocol = %q, want srt", snap.Protocol)
	}
	if snap.Source.Frames != 90 {
		t.Errorf("source frames = %d, want 90", snap.Source.Frames)
	}
	if got := snap.Rungs[1].Segments; got != 3 {
		t.Errorf("rung 1 segments = %d, want 3", got)
	}
	if snap.Captions != 1 {
		t.Errorf("captions = %d, want 1", snap.Captions)
	}
}

func TestPipelineCarriesCaptionsInEveryRung(t *testing.T) {
	t.Parallel()

	l := testLadder(t)
	store := distribution.NewStore("cam", l, 0, nil)
	p := New("cam", bytes.NewReader(contribution(t, 6)), store, Config{Ladder: l})
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for level := range ladder.ID(l.Len()) {
		seg, err := store.Segment(level, 0)
		if err != nil {
			t.Fatalf("Segment(%d, 0): %v", level, err)
		}
		var texts []string
		for _, d := range decodeAll(t, seg.Data) {
			for _, c := range d.Frame.Captions {
				texts = append(texts, c.Text)
			}
		}
		if len(texts) != 1 || texts[0] != "HELLO" {
			t.Errorf("level %d captions = %q, want [HELLO]", level, texts)
		}
	}
}

func TestPipelineTruncatedStream(t *testing.T) {
	t.Parallel()

	l := testLadder(t)
	data := contribution(t, 10)
	store := distribution.NewStore("cam", l, 0, nil)
	p := New("cam", bytes.NewReader(data[:len(data)-7]), store, Config{Ladder: l})
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	seg, err := store.Segment(1, 0)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if seg.Frames < 9 {
		t.Errorf("frames = %d, want at least 9", seg.Frames)
	}
}

func TestPipelineBadHeader(t *testing.T) {
	t.Parallel()

	l := testLadder(t)
	p := New("cam", bytes.NewReader([]byte("not a stream")), distribution.NewStore("cam", l, 0, nil), Config{Ladder: l})
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRungDecimation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fps  float64
		want int
	}{
		{30, 30},
		{15, 15},
		{20, 20},
		{60, 30},
	}
	for _, tt := range tests {
		r := &rung{interval: int64(math.Round(1e6 / tt.fps))}
		kept := 0
		for i := range 30 {
			if r.keep(int64(math.Round(float64(i) * 1e6 / 30))) {
				kept++
			}
		}
		if kept != tt.want {
			t.Errorf("fps %v: kept %d of 30, want %d", tt.fps, kept, tt.want)
		}
	}
}

func TestSegmentIndex(t *testing.T) {
	t.Parallel()

	d := 2 * time.Second
	tests := []struct {
		offset int64
		want   int64
	}{
		{-5, 0},
		{0, 0},
		{1_999_999, 0},
		{2_000_000, 1},
		{9_000_000, 4},
	}
	for _, tt := range tests {
		if got := segmentIndex(tt.offset, d); got != tt.want {
			t.Errorf("segmentIndex(%d) = %d, want %d", tt.offset, got, tt.want)
		}
	}
}
