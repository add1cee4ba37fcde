// Package media defines the raw frame types that flow into the encoder and
// out of the decoder, plus the resampling helpers the publish pipeline uses
// to derive lower ladder rungs.
package media

import (
	"image"

	"github.com/zsiec/ccx"
)

// Channel buffer sizes shared by ingest (producer) and the publish pipeline
// (consumer). About two seconds of 30 fps video.
const (
	FrameBufferSize   = 60
	CaptionBufferSize = 30
)

// Meta carries viewing conditions. Zero values mean unknown.
type Meta struct {
	FrameRate float64
	// ViewingDistance is in picture heights.
	ViewingDistance float64
	// Illumination is the surround luminance in cd/m².
	Illumination float64
	// Gaze is the fixation point in luma pixels. Nil means frame centre.
	Gaze *image.Point
}

// Frame is one picture. Y is Width×Height, row-major with stride Width.
// Cb and Cr, when present, are ceil(W/2)×ceil(H/2). A submitted frame is
// never written by the codec.
type Frame struct {
	Width  int
	Height int
	Y      []uint8
	Cb     []uint8
	Cr     []uint8

	// PTS is the presentation time in microseconds.
	PTS  int64
	Meta Meta

	Captions []*ccx.CaptionFrame
	Audio    *PCMChunk
}

// ChromaSize returns the chroma plane dimensions for a w×h luma plane.
func ChromaSize(w, h int) (int, int) {
	return (w + 1) / 2, (h + 1) / 2
}

// NewFrame allocates a zeroed frame, with chroma planes when chroma is set.
func NewFrame(w, h int, chroma bool) *Frame {
	f := &Frame{Width: w, Height: h, Y: make([]uint8, w*h)}
	if chroma {
		cw, ch := ChromaSize(w, h)
		f.Cb = make([]uint8, cw*ch)
		f.Cr = make([]uint8, cw*ch)
	}
	return f
}

// HasChroma reports whether both chroma planes are present.
func (f *Frame) HasChroma() bool { return f.Cb != nil && f.Cr != nil }

// Clone returns a deep copy of the pixel planes and metadata. Side data is
// shared.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Y = append([]uint8(nil), f.Y...)
	if f.Cb != nil {
		c.Cb = append([]uint8(nil), f.Cb...)
	}
	if f.Cr != nil {
		c.Cr = append([]uint8(nil), f.Cr...)
	}
	if f.Meta.Gaze != nil {
		g := *f.Meta.Gaze
		c.Meta.Gaze = &g
	}
	return &c
}
