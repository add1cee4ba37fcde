package pipeline

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/afiyah/bitstream"
	"github.com/zsiec/afiyah/codec"
	"github.com/zsiec/afiyah/distribution"
	"github.com/zsiec/afiyah/ladder"
	"github.com/zsiec/afiyah/media"
)

// rung codes one ladder rung. It is driven by a single goroutine at a
// time.
type rung struct {
	log   *slog.Logger
	rung  ladder.Rung
	enc   *codec.Encoder
	rate  *codec.RateController
	pub   Publisher
	stats *distribution.StreamStats

	// interval is the rung's frame interval in microseconds.
	interval int64
	nextPTS  int64
	started  bool

	// Side data of frames dropped by decimation, carried to the next
	// coded frame.
	captions []*ccx.CaptionFrame
	audio    *media.PCMChunk

	open     bool
	index    int64
	buf      []byte
	frames   int
	firstPTS int64
	lastPTS  int64
}

func (p *Pipeline) newRungs(src bitstream.StreamHeader) ([]*rung, error) {
	tile := p.cfg.TileSize
	if tile == 0 {
		tile = src.TileSize
	}
	window := p.cfg.ReferenceWindow
	if window == 0 {
		window = src.ReferenceWindow
	}
	srcFPS := src.FrameRate
	if !(srcFPS > 0) {
		srcFPS = codec.DefaultFrameRate
	}

	var rungs []*rung
	for _, lr := range p.cfg.Ladder.Rungs() {
		fps := min(lr.FPS, srcFPS)
		perSegment := max(1, int(math.Ceil(p.cfg.SegmentDuration.Seconds()*fps)))
		enc, err := codec.NewEncoder(codec.Config{
			Width:            lr.Width,
			Height:           lr.Height,
			FrameRate:        fps,
			Rung:             int(lr.ID),
			TileSize:         tile,
			ReferenceWindow:  window,
			KeyframeInterval: perSegment,
			Chroma:           src.Chroma,
			Lossless:         p.cfg.Lossless,
			Attention:        p.cfg.Attention,
			Log:              p.log,
		})
		if err != nil {
			return nil, fmt.Errorf("rung %v: %w", lr, err)
		}
		p.pub.SetHeader(lr.ID, enc.StreamHeader())
		rungs = append(rungs, &rung{
			log:      p.log.With("level", lr.ID),
			rung:     lr,
			enc:      enc,
			rate:     codec.NewRateController(lr.Bitrate, lr.BaseStep()),
			pub:      p.pub,
			stats:    p.stats,
			interval: int64(math.Round(1e6 / fps)),
		})
	}
	return rungs, nil
}

// keep decides whether a source frame at pts is coded at this rung's frame
// rate.
func (r *rung) keep(pts int64) bool {
	if !r.started {
		r.started, r.nextPTS = true, pts+r.interval
		return true
	}
	if pts < r.nextPTS-r.interval/4 {
		return false
	}
	r.nextPTS += r.interval
	if r.nextPTS <= pts {
		r.nextPTS = pts + r.interval
	}
	return true
}

// push codes f into segment seg, cutting the open segment first when seg
// moved on.
func (r *rung) push(f *media.Frame, seg int64) error {
	if !r.keep(f.PTS) {
		r.captions = append(r.captions, f.Captions...)
		r.audio = mergeAudio(r.audio, f.Audio)
		return nil
	}
	if r.open && seg != r.index {
		if err := r.cut(); err != nil {
			return err
		}
	}

	scaled := media.Scale(f, r.rung.Width, r.rung.Height)
	if len(r.captions) > 0 {
		scaled.Captions = append(slices.Clip(r.captions), scaled.Captions...)
		r.captions = nil
	}
	if r.audio != nil {
		scaled.Audio = mergeAudio(r.audio, scaled.Audio)
		r.audio = nil
	}

	opts := codec.Options{}
	if !r.open {
		r.open, r.index = true, seg
		r.buf = append(r.buf[:0], r.enc.Preamble()...)
		r.frames, r.firstPTS = 0, f.PTS
		opts.Keyframe = true
		opts.BaseStep = r.rate.BaseStep()
	}
	enc, err := r.enc.EncodeFrame(scaled, opts)
	if err != nil {
		return fmt.Errorf("level %d: %w", r.rung.ID, err)
	}
	r.buf = append(r.buf, enc.Record...)
	r.frames++
	r.lastPTS = f.PTS
	r.stats.RecordFrame(r.rung.ID, len(enc.Record), enc.Keyframe, r.rate.BaseStep())
	return nil
}

// cut publishes the open segment and steers the rate controller by its
// size.
func (r *rung) cut() error {
	if !r.open {
		return nil
	}
	r.open = false
	d := time.Duration(r.lastPTS-r.firstPTS+r.interval) * time.Microsecond
	seg := &distribution.Segment{
		Level:    r.rung.ID,
		Index:    r.index,
		Data:     slices.Clone(r.buf),
		Frames:   r.frames,
		Duration: d,
	}
	if err := r.pub.Publish(seg); err != nil {
		return fmt.Errorf("publishing %d/%d: %w", r.rung.ID, r.index, err)
	}
	r.stats.RecordSegment(r.rung.ID)
	step := r.rate.Update(len(seg.Data), d)
	r.log.Debug("segment published", "index", r.index, "frames", r.frames, "bytes", len(seg.Data), "next_step", step)
	return nil
}

// mergeAudio appends b's samples to a when both share a format. Otherwise
// the later chunk wins.
func mergeAudio(a, b *media.PCMChunk) *media.PCMChunk {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.SampleRate != b.SampleRate || a.Channels != b.Channels:
		return b
	}
	return &media.PCMChunk{
		PTS:        a.PTS,
		SampleRate: a.SampleRate,
		Channels:   a.Channels,
		Samples:    append(slices.Clip(a.Samples), b.Samples...),
	}
}
