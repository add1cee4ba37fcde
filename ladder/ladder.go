// Package ladder defines the quality levels a stream is published at.
package ladder

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// ID identifies a rung. IDs are assigned in bitrate order starting at 0.
type ID int

var (
	ErrEmpty     = errors.New("ladder: no rungs")
	ErrInvalid   = errors.New("ladder: invalid rung")
	ErrOrder     = errors.New("ladder: quality must not decrease with bitrate")
	ErrDuplicate = errors.New("ladder: duplicate rung")
	ErrNotFound  = errors.New("ladder: no such rung")
)

// Rung is one operating point.
type Rung struct {
	ID              ID      `json:"id" yaml:"-"`
	Bitrate         int64   `json:"bitrate" yaml:"bitrate"`
	Width           int     `json:"width" yaml:"width"`
	Height          int     `json:"height" yaml:"height"`
	FPS             float64 `json:"fps" yaml:"fps"`
	ExpectedQuality float64 `json:"expectedQuality" yaml:"expected_quality"`
}

func (r Rung) String() string {
	return fmt.Sprintf("%d:%dx%d@%g/%dkbps", r.ID, r.Width, r.Height, r.FPS, r.Bitrate/1000)
}

// bitsPerPixel anchors for BaseStep: at referenceBPP the base step is 1.
const referenceBPP = 0.1

// BaseStep maps the rung's bits per pixel to an initial quantizer base
// step: halving the bit budget doubles the step. The result is clamped
// to [0.25, 64].
func (r Rung) BaseStep() float64 {
	px := float64(r.Width) * float64(r.Height) * r.FPS
	if px <= 0 || r.Bitrate <= 0 {
		return 1
	}
	bpp := float64(r.Bitrate) / px
	return min(max(referenceBPP/bpp, 0.25), 64)
}

// Ladder is an immutable, bitrate-ordered list of rungs.
type Ladder struct {
	rungs []Rung
}

// New validates rungs and returns them as a ladder. Input order does not
// matter; IDs are reassigned by ascending bitrate.
func New(rungs []Rung) (*Ladder, error) {
	if len(rungs) == 0 {
		return nil, ErrEmpty
	}
	rs := slices.Clone(rungs)
	for _, r := range rs {
		if r.Bitrate <= 0 || r.Width <= 0 || r.Height <= 0 || !(r.FPS > 0) || math.IsInf(r.FPS, 0) || math.IsNaN(r.ExpectedQuality) {
			return nil, fmt.Errorf("%w: %+v", ErrInvalid, r)
		}
	}
	slices.SortStableFunc(rs, func(a, b Rung) int {
		if a.Bitrate != b.Bitrate {
			return cmpInt64(a.Bitrate, b.Bitrate)
		}
		if a.ExpectedQuality < b.ExpectedQuality {
			return -1
		}
		if a.ExpectedQuality > b.ExpectedQuality {
			return 1
		}
		return 0
	})
	for i := range rs {
		rs[i].ID = ID(i)
		if i == 0 {
			continue
		}
		p, r := rs[i-1], rs[i]
		if r.ExpectedQuality < p.ExpectedQuality {
			return nil, fmt.Errorf("%w: %s below %s", ErrOrder, r, p)
		}
	}
	for i := range rs {
		for j := i + 1; j < len(rs) && rs[j].Bitrate == rs[i].Bitrate; j++ {
			if rs[j].Width == rs[i].Width && rs[j].Height == rs[i].Height && rs[j].FPS == rs[i].FPS {
				return nil, fmt.Errorf("%w: %s", ErrDuplicate, rs[j])
			}
		}
	}
	return &Ladder{rungs: rs}, nil
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// MustNew is New that panics on error, for static ladders.
func MustNew(rungs []Rung) *Ladder {
	l, err := New(rungs)
	if err != nil {
		panic(err)
	}
	return l
}

// Default returns a five-rung ladder from 400 kb/s to 10 Mb/s.
func Default() *Ladder {
	return MustNew([]Rung{
		{Bitrate: 400_000, Width: 640, Height: 360, FPS: 30, ExpectedQuality: 0.55},
		{Bitrate: 1_000_000, Width: 960, Height: 540, FPS: 30, ExpectedQuality: 0.68},
		{Bitrate: 3_000_000, Width: 1280, Height: 720, FPS: 30, ExpectedQuality: 0.8},
		{Bitrate: 6_000_000, Width: 1920, Height: 1080, FPS: 30, ExpectedQuality: 0.9},
		{Bitrate: 10_000_000, Width: 1920, Height: 1080, FPS: 60, ExpectedQuality: 0.95},
	})
}

// Len returns the number of rungs.
func (l *Ladder) Len() int { return len(l.rungs) }

// Rungs returns a copy of the rungs in ID order.
func (l *Ladder) Rungs() []Rung { return slices.Clone(l.rungs) }

// Rung returns the rung with the given ID.
func (l *Ladder) Rung(id ID) (Rung, error) {
	if !l.Valid(id) {
		return Rung{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return l.rungs[id], nil
}

// Valid reports whether id names a rung.
func (l *Ladder) Valid(id ID) bool { return id >= 0 && int(id) < len(l.rungs) }

// Lowest returns the lowest rung.
func (l *Ladder) Lowest() ID { return 0 }

// Top returns the highest rung.
func (l *Ladder) Top() ID { return ID(len(l.rungs) - 1) }

// Highest returns the highest rung whose bitrate does not exceed
// maxBitrate, or the lowest rung when none fits.
func (l *Ladder) Highest(maxBitrate float64) ID {
	best := ID(0)
	for _, r := range l.rungs {
		if float64(r.Bitrate) <= maxBitrate {
			best = r.ID
		}
	}
	return best
}

// LowestWithQuality returns the lowest rung whose expected quality is at
// least floor, or the top rung when none is.
func (l *Ladder) LowestWithQuality(floor float64) ID {
	for _, r := range l.rungs {
		if r.ExpectedQuality >= floor {
			return r.ID
		}
	}
	return l.Top()
}

// Step moves delta rungs from id, clamped to the ladder.
func (l *Ladder) Step(id ID, delta int) ID {
	return ID(min(max(int(id)+delta, 0), len(l.rungs)-1))
}
