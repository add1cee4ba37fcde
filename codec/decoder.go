package codec

import (
	"fmt"
	"image"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/afiyah/bitstream"
	"github.com/zsiec/afiyah/entropy"
	"github.com/zsiec/afiyah/media"
	"github.com/zsiec/afiyah/motion"
)

// Decoded is the result of decoding one record.
type Decoded struct {
	// Frame must not be modified; the decoder keeps it as a reference.
	Frame    *media.Frame
	Number   uint64
	Keyframe bool
	// Partial is set when any part of the record was lost or when the
	// picture depends on damaged data.
	Partial      bool
	MissingTiles int
	TaintedTiles int
	Errors       []error
}

// tile reconstruction outcomes
const (
	tileOK uint8 = iota
	tileMissing
	tileTainted
)

// Decoder reconstructs frames from records. It is not safe for concurrent
// use; records must be submitted in stream order.
type Decoder struct {
	hdr    bitstream.StreamHeader
	log    *slog.Logger
	geo    geometry
	tabs   *tables
	window *motion.Window

	// last is the most recent output frame, used to fill missing tiles.
	last    *media.Frame
	next    uint64
	started bool
	stats   Stats
}

// NewDecoder builds a decoder from a stream header payload.
func NewDecoder(header []byte, log *slog.Logger) (*Decoder, error) {
	h, err := bitstream.ParseStreamHeader(header)
	if err != nil {
		return nil, err
	}
	return NewDecoderFor(h, log)
}

// NewDecoderFor builds a decoder from a parsed stream header.
func NewDecoderFor(h bitstream.StreamHeader, log *slog.Logger) (*Decoder, error) {
	cfg := Config{
		Width:            h.Width,
		Height:           h.Height,
		FrameRate:        h.FrameRate,
		Rung:             h.Rung,
		TileSize:         h.TileSize,
		ReferenceWindow:  h.ReferenceWindow,
		SearchRadius:     h.SearchRadius,
		KeyframeInterval: h.KeyframeInterval,
		Chroma:           h.Chroma,
		Lossless:         h.Lossless,
		Quant:            h.Quant,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadStream, err)
	}
	tabs, err := newTables(h.Quant, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadStream, err)
	}
	win, err := motion.NewWindow(h.ReferenceWindow)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadStream, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{
		hdr:    h,
		log:    log.With("component", "decoder"),
		geo:    newGeometry(h.Width, h.Height, h.TileSize, h.Chroma),
		tabs:   tabs,
		window: win,
	}, nil
}

// StreamHeader returns the header the decoder was built from.
func (d *Decoder) StreamHeader() bitstream.StreamHeader { return d.hdr }

// Stats returns the decoder's counters.
func (d *Decoder) Stats() *Stats { return &d.stats }

// Decode parses and decodes a single record.
func (d *Decoder) Decode(record []byte) (*Decoded, error) {
	rec, err := bitstream.ParseFrame(record)
	if err != nil {
		return nil, err
	}
	return d.DecodeRecord(rec), nil
}

// DecodeRecord decodes a parsed record. Damage never fails the call: what
// could not be decoded is filled from the previous output and reported
// through Partial, MissingTiles and Errors.
func (d *Decoder) DecodeRecord(rec *bitstream.Record) *Decoded {
	out := &Decoded{Partial: rec.Partial, Errors: append([]error(nil), rec.Errors...)}

	payload, ok := rec.Section(bitstream.SectionFrameHeader)
	if !ok {
		out.Errors = append(out.Errors, fmt.Errorf("%w: frame header missing", ErrBadStream))
		return d.lost(out)
	}
	fh, err := bitstream.ParseFrameHeader(payload)
	if err != nil {
		out.Errors = append(out.Errors, err)
		return d.lost(out)
	}
	out.Number, out.Keyframe = fh.Number, fh.Keyframe()
	d.fillGap(fh.Number)
	d.started = true
	d.next = fh.Number + 1
	if out.Keyframe {
		d.window.Reset()
	}

	if qt, ok := rec.Section(bitstream.SectionQuantTable); ok {
		if err := d.updateTables(qt); err != nil {
			out.Errors = append(out.Errors, err)
		}
	}
	lossless := fh.Flags&bitstream.FlagLossless != 0

	n := d.hdr.TileSize
	tiles := d.geo.tiles()
	codes := make([]tileCode, len(tiles))
	field := motion.NewField(d.hdr.Width, d.hdr.Height, n)
	fieldKnown := len(field.Vectors)
	refs := d.window.Select(fh.Refs)
	usable := true

	switch {
	case fh.QuantGen != d.tabs.gen:
		out.Errors = append(out.Errors, fmt.Errorf("%w: quant table generation %d, have %d", ErrBadStream, fh.QuantGen, d.tabs.gen))
		usable = false
	case !out.Keyframe && d.window.Len() == 0:
		out.Errors = append(out.Errors, fmt.Errorf("%w: no reference for frame %d", ErrBadStream, fh.Number))
		usable = false
	case fh.Flags&bitstream.FlagMotion != 0:
		mf, ok := rec.Section(bitstream.SectionMotionField)
		if !ok {
			usable = false
			break
		}
		fieldKnown, err = getField(entropy.NewDecoder(mf), field, refs.Len(), d.hdr.SearchRadius)
		if err != nil {
			out.Errors = append(out.Errors, err)
		}
	}

	decoded := 0
	if cf, ok := rec.Section(bitstream.SectionCoefficients); ok && usable {
		ed := entropy.NewDecoder(cf)
		for i := range codes {
			if err := getTile(ed, &codes[i], n, lossless); err != nil {
				out.Errors = append(out.Errors, fmt.Errorf("tile %d: %w", i, err))
				break
			}
			decoded++
		}
	}

	fx, fy := float64(d.hdr.Width)/2, float64(d.hdr.Height)/2
	if fh.Flags&bitstream.FlagGaze != 0 {
		fx, fy = float64(fh.GazeX), float64(fh.GazeY)
	}
	ppd := d.tabs.ppd()
	recon := media.NewFrame(d.hdr.Width, d.hdr.Height, d.hdr.Chroma)
	status := make([]uint8, len(tiles))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range tiles {
		g.Go(func() error {
			status[i] = d.rebuildTile(recon, refs, tiles[i], &codes[i], i < decoded, field, fieldKnown, fx, fy, ppd)
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range status {
		switch s {
		case tileMissing:
			out.MissingTiles++
		case tileTainted:
			out.TaintedTiles++
		}
	}
	damaged := out.MissingTiles > 0 || out.TaintedTiles > 0
	out.Partial = out.Partial || damaged

	recon.PTS = fh.PTS
	recon.Meta.FrameRate = d.hdr.FrameRate
	if fh.Flags&bitstream.FlagGaze != 0 {
		recon.Meta.Gaze = &image.Point{X: fh.GazeX, Y: fh.GazeY}
	}
	if b, ok := rec.Section(bitstream.SectionCaptions); ok {
		caps, err := parseCaptions(b)
		if err != nil {
			out.Errors = append(out.Errors, err)
			out.Partial = true
		}
		recon.Captions = caps
	}
	if b, ok := rec.Section(bitstream.SectionAudio); ok {
		a, err := parseAudio(b)
		if err != nil {
			out.Errors = append(out.Errors, err)
			out.Partial = true
		}
		recon.Audio = a
	}

	if out.Keyframe || fh.Flags&bitstream.FlagReference != 0 {
		d.window.Push(recon, fh.Number, damaged)
	}
	d.last = recon
	out.Frame = recon

	intra := field.Cols*field.Rows - field.Inter()
	d.stats.recordFrame(recordSize(rec), out.Keyframe, intra, field.Inter(), out.Partial)
	d.stats.recordDamage(out.MissingTiles, out.TaintedTiles)
	if out.Partial {
		d.log.Debug("partial frame", "number", fh.Number, "missing_tiles", out.MissingTiles, "tainted_tiles", out.TaintedTiles, "errors", len(out.Errors))
	}
	return out
}

// rebuildTile reconstructs one tile into recon, or fills it from the last
// output when it cannot be decoded.
func (d *Decoder) rebuildTile(recon *media.Frame, refs *motion.Window, t tileRef, tc *tileCode, have bool, field *motion.Field, fieldKnown int, fx, fy, ppd float64) uint8 {
	n := d.hdr.TileSize
	dst, pw, ph := d.geo.planeOf(recon, t.plane)
	fill := func() uint8 {
		d.fillTile(dst, t, pw, ph)
		return tileMissing
	}
	if !have || lumaIndex(field, t) >= fieldKnown {
		return fill()
	}
	s := newScratch(n)
	status := tileOK
	var pred []uint8
	if v := d.geo.vector(field, t); !v.Intra {
		if !refs.PredictBlock(s.pred, t.plane, v, t.x0, t.y0, n) {
			return fill()
		}
		pred = s.pred
		if refs.Tainted(v.Ref) {
			status = tileTainted
		}
	}
	ecc := d.geo.eccentricity(t, fx, fy, ppd)
	if err := rebuild(d.tabs.forPlane(t.plane), tc, s, n, pred, ecc); err != nil {
		return fill()
	}
	applyCorrection(s.blk, tc.corr)
	store(dst, pw, ph, t.x0, t.y0, n, s.blk)
	return status
}

// fillTile copies a tile's area from the last output, or mid-gray before
// any frame was decoded.
func (d *Decoder) fillTile(dst []uint8, t tileRef, pw, ph int) {
	n := d.hdr.TileSize
	var src []uint8
	if d.last != nil {
		src, _, _ = d.geo.planeOf(d.last, t.plane)
	}
	for y := t.y0; y < t.y0+n && y < ph; y++ {
		row := dst[y*pw+t.x0 : y*pw+min(t.x0+n, pw)]
		if src != nil {
			copy(row, src[y*pw+t.x0:])
			continue
		}
		for x := range row {
			row[x] = intraBase
		}
	}
}

// lost handles a record whose frame header was lost: the previous output
// is repeated. Nothing enters the reference window, so frames addressing
// the lost one find their reference unresolved.
func (d *Decoder) lost(out *Decoded) *Decoded {
	out.Partial = true
	out.Number = d.next
	d.next++
	f := d.placeholder()
	out.Frame = f
	out.MissingTiles = len(d.geo.tiles())
	d.stats.recordFrame(0, false, 0, 0, true)
	d.stats.recordDamage(out.MissingTiles, 0)
	return out
}

// fillGap counts frames skipped before number.
func (d *Decoder) fillGap(number uint64) {
	if !d.started || number <= d.next {
		return
	}
	gap := number - d.next
	d.stats.recordLost(int(min(gap, 1<<30)))
	d.log.Debug("frames lost", "from", d.next, "count", gap)
}

func (d *Decoder) placeholder() *media.Frame {
	if d.last != nil {
		return d.last
	}
	f := media.NewFrame(d.hdr.Width, d.hdr.Height, d.hdr.Chroma)
	for _, p := range [][]uint8{f.Y, f.Cb, f.Cr} {
		for i := range p {
			p[i] = intraBase
		}
	}
	d.last = f
	return f
}

func (d *Decoder) updateTables(payload []byte) error {
	qt, err := bitstream.ParseQuantTable(payload)
	if err != nil {
		return err
	}
	if qt.Generation == d.tabs.gen && qt.Params == d.tabs.luma.Params() {
		return nil
	}
	tabs, err := newTables(qt.Params, qt.Generation)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadStream, err)
	}
	d.tabs = tabs
	return nil
}

// lumaIndex returns the index of the luma tile whose vector t uses.
func lumaIndex(f *motion.Field, t tileRef) int {
	if t.plane == motion.PlaneY {
		return t.row*f.Cols + t.col
	}
	return min(2*t.row, f.Rows-1)*f.Cols + min(2*t.col, f.Cols-1)
}

func recordSize(rec *bitstream.Record) int {
	n := 0
	for _, s := range rec.Sections {
		n += len(s.Payload) + 9
	}
	return n
}
