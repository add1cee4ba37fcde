package codec

import (
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/afiyah/bitstream"
	"github.com/zsiec/afiyah/entropy"
	"github.com/zsiec/afiyah/media"
	"github.com/zsiec/afiyah/motion"
	"github.com/zsiec/afiyah/perceptual"
	"github.com/zsiec/afiyah/quant"
)

// Encoded is the result of coding one frame.
type Encoded struct {
	Record     []byte
	Recon      *media.Frame
	Number     uint64
	Keyframe   bool
	IntraTiles int
	InterTiles int
}

// Encoder codes frames of one stream. It is not safe for concurrent use;
// frames must be submitted in presentation order.
type Encoder struct {
	cfg    Config
	log    *slog.Logger
	geo    geometry
	tabs   *tables
	window *motion.Window

	number   uint64
	sinceKey int
	sinceRef int
	stats    Stats
}

// NewEncoder validates cfg and returns an encoder ready for frame 0.
func NewEncoder(cfg Config) (*Encoder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tabs, err := newTables(cfg.Quant, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	win, err := motion.NewWindow(cfg.ReferenceWindow)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Encoder{
		cfg:    cfg,
		log:    log.With("component", "encoder"),
		geo:    newGeometry(cfg.Width, cfg.Height, cfg.TileSize, cfg.Chroma),
		tabs:   tabs,
		window: win,
	}, nil
}

// Config returns the effective configuration.
func (e *Encoder) Config() Config { return e.cfg }

// Stats returns the encoder's counters.
func (e *Encoder) Stats() *Stats { return &e.stats }

// StreamHeader describes the stream this encoder produces.
func (e *Encoder) StreamHeader() bitstream.StreamHeader {
	return bitstream.StreamHeader{
		Width:            e.cfg.Width,
		Height:           e.cfg.Height,
		FrameRate:        e.cfg.FrameRate,
		Rung:             e.cfg.Rung,
		TileSize:         e.cfg.TileSize,
		ReferenceWindow:  e.cfg.ReferenceWindow,
		SearchRadius:     e.cfg.SearchRadius,
		KeyframeInterval: e.cfg.KeyframeInterval,
		Chroma:           e.cfg.Chroma,
		Lossless:         e.cfg.Lossless,
		Quant:            e.cfg.Quant,
	}
}

// Preamble returns the stream start: magic, version and stream header.
func (e *Encoder) Preamble() []byte {
	h := e.StreamHeader()
	return bitstream.AppendStreamStart(nil, h.AppendBinary(nil))
}

// Encode codes f and returns its record.
func (e *Encoder) Encode(f *media.Frame, opts Options) ([]byte, error) {
	enc, err := e.EncodeFrame(f, opts)
	if err != nil {
		return nil, err
	}
	return enc.Record, nil
}

// EncodeFrame codes f and returns the record together with the
// reconstruction a decoder will produce from it. On error the encoder's
// state is unchanged.
func (e *Encoder) EncodeFrame(f *media.Frame, opts Options) (*Encoded, error) {
	if err := e.checkFrame(f); err != nil {
		return nil, err
	}
	if err := opts.validate(f.Width, f.Height); err != nil {
		return nil, err
	}
	gaze := opts.Gaze
	if gaze == nil {
		gaze = f.Meta.Gaze
	}
	if gaze == nil && e.cfg.Attention {
		p := perceptual.Fixation(f.Y, f.Width, f.Height)
		gaze = &p
	}

	tabs, changed, err := e.tablesFor(f, opts)
	if err != nil {
		return nil, err
	}
	key := opts.Keyframe || e.window.Len() == 0 || e.sinceKey >= e.cfg.KeyframeInterval
	ref := key || e.sinceRef >= e.cfg.ReferenceInterval

	win := e.window.Snapshot()
	if key {
		win.Reset()
	}
	field := motion.NewField(e.cfg.Width, e.cfg.Height, e.cfg.TileSize)
	if !key {
		field, err = motion.Estimate(f, win, motion.Config{TileSize: e.cfg.TileSize, SearchRadius: e.cfg.SearchRadius})
		if err != nil {
			return nil, err
		}
	}

	fx, fy := float64(e.cfg.Width)/2, float64(e.cfg.Height)/2
	if gaze != nil {
		fx, fy = float64(gaze.X), float64(gaze.Y)
	}
	ppd := tabs.ppd()

	recon := media.NewFrame(e.cfg.Width, e.cfg.Height, e.cfg.Chroma)
	tiles := e.geo.tiles()
	codes := make([]tileCode, len(tiles))
	n := e.cfg.TileSize
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range tiles {
		g.Go(func() error {
			t := tiles[i]
			s := newScratch(n)
			src, pw, ph := e.geo.planeOf(f, t.plane)
			dst, _, _ := e.geo.planeOf(recon, t.plane)
			var pred []uint8
			if v := e.geo.vector(field, t); !v.Intra && win.PredictBlock(s.pred, t.plane, v, t.x0, t.y0, n) {
				pred = s.pred
			}
			ecc := e.geo.eccentricity(t, fx, fy, ppd)
			return encodeTile(tabs.forPlane(t.plane), &codes[i], s, src, dst, pw, ph, t.x0, t.y0, n, pred, ecc, e.cfg.Lossless)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hdr := bitstream.FrameHeader{
		Number:   e.number,
		PTS:      f.PTS,
		QuantGen: tabs.gen,
	}
	if key {
		hdr.Flags |= bitstream.FlagKeyframe
	}
	if ref {
		hdr.Flags |= bitstream.FlagReference
	}
	if e.cfg.Lossless {
		hdr.Flags |= bitstream.FlagLossless
	}
	if e.cfg.Chroma {
		hdr.Flags |= bitstream.FlagChroma
	}
	if gaze != nil {
		hdr.Flags |= bitstream.FlagGaze
		hdr.GazeX, hdr.GazeY = gaze.X, gaze.Y
	}
	sections := []bitstream.Section{{ID: bitstream.SectionFrameHeader}}
	// Every record repeats a non-default table so a decoder that lost the
	// change recovers on the next record.
	if changed || tabs.gen > 0 {
		qt := bitstream.QuantTable{Generation: tabs.gen, Params: tabs.luma.Params()}
		sections = append(sections, bitstream.Section{ID: bitstream.SectionQuantTable, Payload: qt.AppendBinary(nil)})
	}
	if !key {
		hdr.Flags |= bitstream.FlagMotion
		hdr.Refs = win.Numbers()
		me := entropy.NewEncoder()
		putField(me, field, win.Len())
		sections = append(sections, bitstream.Section{ID: bitstream.SectionMotionField, Payload: me.Flush()})
	}
	sections[0].Payload = hdr.AppendBinary(nil)

	ce := entropy.NewEncoder()
	for i := range codes {
		putTile(ce, &codes[i], n, e.cfg.Lossless)
	}
	sections = append(sections, bitstream.Section{ID: bitstream.SectionCoefficients, Payload: ce.Flush()})
	if len(f.Captions) > 0 {
		sections = append(sections, bitstream.Section{ID: bitstream.SectionCaptions, Payload: appendCaptions(nil, f.Captions)})
	}
	if a := f.Audio; a != nil && a.Channels > 0 && a.SampleRate > 0 {
		sections = append(sections, bitstream.Section{ID: bitstream.SectionAudio, Payload: appendAudio(nil, f.Audio)})
	}
	rec, err := bitstream.WriteFrame(sections...)
	if err != nil {
		return nil, err
	}

	recon.PTS = f.PTS
	recon.Meta = f.Meta
	recon.Meta.Gaze = gaze
	if ref {
		win.Push(recon, e.number, false)
		e.sinceRef = 1
	} else {
		e.sinceRef++
	}
	e.window = win
	e.tabs = tabs
	if key {
		e.sinceKey = 1
	} else {
		e.sinceKey++
	}
	out := &Encoded{
		Record:     rec,
		Recon:      recon,
		Number:     e.number,
		Keyframe:   key,
		InterTiles: field.Inter(),
	}
	out.IntraTiles = e.geo.cols*e.geo.rows - out.InterTiles
	e.number++
	e.stats.recordFrame(len(rec), key, out.IntraTiles, out.InterTiles, false)
	if changed {
		e.log.Debug("quant table changed", "generation", tabs.gen, "base_step", tabs.luma.Params().BaseStep)
	}
	return out, nil
}

func (e *Encoder) checkFrame(f *media.Frame) error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrInvalidFrame)
	}
	if f.Width != e.cfg.Width || f.Height != e.cfg.Height {
		return fmt.Errorf("%w: %dx%d, stream is %dx%d", ErrInvalidFrame, f.Width, f.Height, e.cfg.Width, e.cfg.Height)
	}
	if len(f.Y) != f.Width*f.Height {
		return fmt.Errorf("%w: luma plane holds %d samples", ErrInvalidFrame, len(f.Y))
	}
	if e.cfg.Chroma {
		cw, ch := media.ChromaSize(f.Width, f.Height)
		if len(f.Cb) != cw*ch || len(f.Cr) != cw*ch {
			return fmt.Errorf("%w: chroma planes must hold %d samples", ErrInvalidFrame, cw*ch)
		}
	}
	if g := f.Meta.Gaze; g != nil && (g.X < 0 || g.Y < 0 || g.X >= f.Width || g.Y >= f.Height) {
		return fmt.Errorf("%w: gaze %v outside frame", ErrInvalidFrame, *g)
	}
	return nil
}

// tablesFor returns the tables frame f is coded with, and whether they
// differ from the previous frame's.
func (e *Encoder) tablesFor(f *media.Frame, opts Options) (*tables, bool, error) {
	p := e.tabs.luma.Params()
	if opts.BaseStep > 0 {
		p.BaseStep = opts.BaseStep
	}
	if f.Meta.ViewingDistance > 0 {
		p.Perceptual.PixelsPerDegree = perceptual.PixelsPerDegreeFor(f.Height, f.Meta.ViewingDistance)
	}
	if f.Meta.Illumination > 0 {
		p.Perceptual.Illumination = f.Meta.Illumination
	}
	if e.cfg.Lossless {
		p.Mode = quant.ModeLossless
	}
	if p == e.tabs.luma.Params() {
		return e.tabs, false, nil
	}
	tabs, err := newTables(p, e.tabs.gen+1)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidOption, err)
	}
	return tabs, true, nil
}
