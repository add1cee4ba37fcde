// Package codec drives the perceptual transform pipeline frame by frame.
// An Encoder turns media.Frames into bitstream records and keeps the
// decoded reconstruction as its reference window; a Decoder mirrors it and
// produces bit-identical reconstructions for every record it fully
// decodes.
package codec

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/zsiec/afiyah/motion"
	"github.com/zsiec/afiyah/quant"
)

// Defaults.
const (
	DefaultTileSize         = 16
	DefaultReferenceWindow  = 1
	DefaultKeyframeInterval = 30
	DefaultFrameRate        = 30

	// DefaultReferenceInterval spaces the frames that enter the reference
	// window. Frames in between predict from references only, so losing
	// one leaves its successors intact.
	DefaultReferenceInterval = 8

	// intraBase is the level shift applied to intra tiles.
	intraBase = 128
)

var (
	ErrInvalidFrame  = errors.New("codec: invalid frame")
	ErrInvalidOption = errors.New("codec: invalid option")
	ErrInvalidConfig = errors.New("codec: invalid config")
	ErrBadStream     = errors.New("codec: malformed stream")
)

// Config fixes the properties of one coded stream.
type Config struct {
	Width  int
	Height int
	// FrameRate is informational; it travels in the stream header.
	FrameRate float64
	// Rung is the ladder rung the stream is coded for.
	Rung int
	// TileSize is 8 or 16.
	TileSize         int
	ReferenceWindow  int
	SearchRadius     int
	KeyframeInterval int
	// ReferenceInterval is the spacing of frames kept as references after
	// a keyframe. 1 keeps every frame.
	ReferenceInterval int
	Chroma            bool
	// Lossless codes every tile with the DCT at q = 1 plus an integer
	// correction so reconstruction equals the input.
	Lossless bool
	// Attention fixates frames without a gaze hint on their most salient
	// region instead of the centre. The estimate travels as the frame's
	// gaze.
	Attention bool
	Quant     quant.Params
	Log       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.TileSize == 0 {
		c.TileSize = DefaultTileSize
	}
	if c.ReferenceWindow == 0 {
		c.ReferenceWindow = DefaultReferenceWindow
	}
	if c.SearchRadius == 0 {
		c.SearchRadius = motion.DefaultSearchRadius
	}
	if c.KeyframeInterval == 0 {
		c.KeyframeInterval = DefaultKeyframeInterval
	}
	if c.ReferenceInterval == 0 {
		c.ReferenceInterval = DefaultReferenceInterval
	}
	if c.FrameRate == 0 {
		c.FrameRate = DefaultFrameRate
	}
	if c.Quant == (quant.Params{}) {
		c.Quant = quant.DefaultParams()
	}
	if c.Lossless {
		c.Quant.Mode = quant.ModeLossless
	}
	return c
}

// Validate checks c after defaults are applied.
func (c Config) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0 || c.Width > 1<<15 || c.Height > 1<<15:
		return fmt.Errorf("%w: %dx%d", ErrInvalidConfig, c.Width, c.Height)
	case c.TileSize != 8 && c.TileSize != 16:
		return fmt.Errorf("%w: tile size %d", ErrInvalidConfig, c.TileSize)
	case c.ReferenceWindow < motion.MinWindow || c.ReferenceWindow > motion.MaxWindow:
		return fmt.Errorf("%w: reference window %d", ErrInvalidConfig, c.ReferenceWindow)
	case c.SearchRadius < 1 || c.SearchRadius > 256:
		return fmt.Errorf("%w: search radius %d", ErrInvalidConfig, c.SearchRadius)
	case c.KeyframeInterval < 1:
		return fmt.Errorf("%w: keyframe interval %d", ErrInvalidConfig, c.KeyframeInterval)
	case c.ReferenceInterval < 1:
		return fmt.Errorf("%w: reference interval %d", ErrInvalidConfig, c.ReferenceInterval)
	case !(c.FrameRate > 0) || math.IsInf(c.FrameRate, 0):
		return fmt.Errorf("%w: frame rate %v", ErrInvalidConfig, c.FrameRate)
	case c.Rung < 0:
		return fmt.Errorf("%w: rung %d", ErrInvalidConfig, c.Rung)
	}
	if err := c.Quant.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Options adjust how a single frame is coded.
type Options struct {
	// BaseStep overrides the quantizer base step from this frame on.
	// Zero keeps the current value.
	BaseStep float64
	// Keyframe forces an all-intra frame that resets the reference window.
	Keyframe bool
	// Gaze overrides the frame's gaze hint.
	Gaze *image.Point
}

func (o Options) validate(w, h int) error {
	if math.IsNaN(o.BaseStep) || math.IsInf(o.BaseStep, 0) || o.BaseStep < 0 {
		return fmt.Errorf("%w: base step %v", ErrInvalidOption, o.BaseStep)
	}
	if g := o.Gaze; g != nil && (g.X < 0 || g.Y < 0 || g.X >= w || g.Y >= h) {
		return fmt.Errorf("%w: gaze %v outside %dx%d", ErrInvalidOption, *g, w, h)
	}
	return nil
}
