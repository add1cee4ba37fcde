// Package pipeline turns one contribution stream into a published ladder.
// It decodes the incoming AFIYAH stream, resamples every frame to each
// rung, re-encodes it and cuts the result into independently decodable
// segments.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/afiyah/bitstream"
	"github.com/zsiec/afiyah/codec"
	"github.com/zsiec/afiyah/distribution"
	"github.com/zsiec/afiyah/ingest"
	"github.com/zsiec/afiyah/ladder"
)

// DefaultSegmentDuration is the presentation time covered by a segment.
const DefaultSegmentDuration = 2 * time.Second

// Publisher receives the segments of every rung. distribution.Store
// implements it.
type Publisher interface {
	SetHeader(level ladder.ID, h bitstream.StreamHeader)
	Publish(seg *distribution.Segment) error
}

// Config tunes a Pipeline. Zero fields take defaults; zero coding
// parameters follow the contribution stream.
type Config struct {
	Ladder          *ladder.Ladder
	SegmentDuration time.Duration
	TileSize        int
	ReferenceWindow int
	Lossless        bool
	// Attention fixates frames without a gaze hint on their most salient
	// region.
	Attention bool
	// OnSource is called once with the contribution stream's header.
	OnSource func(bitstream.StreamHeader)
	Log      *slog.Logger
}

// Pipeline bridges a single stream's ingest and its segment store.
type Pipeline struct {
	log       *slog.Logger
	input     io.Reader
	pub       Publisher
	cfg       Config
	streamKey string
	stats     *distribution.StreamStats
	protocol  atomic.Value
	ingest    atomic.Pointer[ingest.Stream]
}

// New creates a Pipeline reading a contribution stream from input and
// publishing to pub.
func New(streamKey string, input io.Reader, pub Publisher, cfg Config) *Pipeline {
	if cfg.Ladder == nil {
		cfg.Ladder = ladder.Default()
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = DefaultSegmentDuration
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		log:       log.With("component", "pipeline", "stream", streamKey),
		input:     input,
		pub:       pub,
		cfg:       cfg,
		streamKey: streamKey,
		stats:     distribution.NewStreamStats(cfg.Ladder),
	}
	p.protocol.Store("")
	return p
}

// SetProtocol records the ingest protocol name for the stats API.
func (p *Pipeline) SetProtocol(proto string) { p.protocol.Store(proto) }

// SetIngest attaches the ingest stream whose counters the stats API
// reports.
func (p *Pipeline) SetIngest(s *ingest.Stream) { p.ingest.Store(s) }

// Stats returns the pipeline's counters.
func (p *Pipeline) Stats() *distribution.StreamStats { return p.stats }

// StreamSnapshot returns a point-in-time snapshot of stream metrics.
func (p *Pipeline) StreamSnapshot() distribution.StreamSnapshot {
	snap := p.stats.Snapshot()
	snap.Protocol = p.protocol.Load().(string)
	if s := p.ingest.Load(); s != nil {
		snap.IngestBytes = s.Stats().BytesReceived
	}
	return snap
}

// Run reads the contribution stream until it ends or ctx is cancelled,
// publishing segments as they complete. A stream that ends mid-record is
// not an error; the segments cut so far stay published.
func (p *Pipeline) Run(ctx context.Context) error {
	sr, err := codec.NewStreamReader(p.input, p.log)
	if err != nil {
		return fmt.Errorf("reading stream header: %w", err)
	}
	src := sr.Header()
	p.stats.SetSource(sr.Decoder().Stats())
	if p.cfg.OnSource != nil {
		p.cfg.OnSource(src)
	}
	p.log.Info("contribution stream",
		"width", src.Width, "height", src.Height, "fps", src.FrameRate, "chroma", src.Chroma)

	rungs, err := p.newRungs(src)
	if err != nil {
		return err
	}

	var origin int64
	first := true
	for {
		if ctx.Err() != nil {
			return p.finish(rungs, nil)
		}
		d, err := sr.Next()
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, bitstream.ErrTruncated):
			p.log.Info("contribution stream ended", "lost", sr.Lost())
			return p.finish(rungs, nil)
		case err != nil:
			if ctx.Err() != nil {
				return p.finish(rungs, nil)
			}
			return p.finish(rungs, fmt.Errorf("reading record: %w", err))
		}
		if d.Partial {
			p.log.Debug("partial frame", "number", d.Number, "missing", d.MissingTiles, "tainted", d.TaintedTiles)
		}
		f := d.Frame
		p.stats.RecordSideData(len(f.Captions), f.Audio != nil)
		if first {
			origin, first = f.PTS, false
		}
		seg := segmentIndex(f.PTS-origin, p.cfg.SegmentDuration)

		var g errgroup.Group
		for _, r := range rungs {
			g.Go(func() error { return r.push(f, seg) })
		}
		if err := g.Wait(); err != nil {
			return p.finish(rungs, err)
		}
	}
}

// finish publishes every rung's open segment and returns err.
func (p *Pipeline) finish(rungs []*rung, err error) error {
	for _, r := range rungs {
		if ferr := r.cut(); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}

// segmentIndex maps a presentation offset in microseconds to its segment.
// Offsets before the origin belong to segment 0.
func segmentIndex(offset int64, d time.Duration) int64 {
	if offset <= 0 {
		return 0
	}
	return offset / d.Microseconds()
}
