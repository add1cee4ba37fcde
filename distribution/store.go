package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/zsiec/afiyah/bitstream"
	"github.com/zsiec/afiyah/ladder"
)

// DefaultRetain is how many segments per rung a Store keeps.
const DefaultRetain = 30

var (
	ErrUnknownLevel   = errors.New("distribution: unknown level")
	ErrSegmentExpired = errors.New("distribution: segment no longer retained")
	ErrNotReady       = errors.New("distribution: segment not yet published")
	ErrStreamEnded    = errors.New("distribution: stream ended")
	ErrOutOfOrder     = errors.New("distribution: segment published out of order")
)

// Segment is one independently decodable run of records at one rung.
type Segment struct {
	Level       ladder.ID
	Index       int64
	Data        []byte
	Frames      int
	Duration    time.Duration
	PublishedAt time.Time
}

// ring holds consecutive segments of one rung; first is the index of the
// front element.
type ring struct {
	first int64
	segs  deque.Deque[*Segment]
}

func (r *ring) next() int64 { return r.first + int64(r.segs.Len()) }

// Store is the segment store of a single stream. The pipeline publishes
// segments per rung; segment requests read them or wait for the live edge.
type Store struct {
	log    *slog.Logger
	key    string
	ladder *ladder.Ladder
	retain int

	mu      sync.RWMutex
	rings   []*ring
	headers []bitstream.StreamHeader
	ended   bool
	// notify is closed and replaced on every change.
	notify chan struct{}
}

// NewStore creates an empty Store for a stream coded on l, keeping retain
// segments per rung (DefaultRetain when zero). A nil log uses
// slog.Default().
func NewStore(key string, l *ladder.Ladder, retain int, log *slog.Logger) *Store {
	if retain <= 0 {
		retain = DefaultRetain
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Store{
		log:     log.With("component", "store", "stream", key),
		key:     key,
		ladder:  l,
		retain:  retain,
		rings:   make([]*ring, l.Len()),
		headers: make([]bitstream.StreamHeader, l.Len()),
		notify:  make(chan struct{}),
	}
	for i := range r.rings {
		r.rings[i] = &ring{}
		r.rings[i].segs.SetBaseCap(retain + 1)
	}
	return r
}

// Key returns the stream key.
func (r *Store) Key() string { return r.key }

// Ladder returns the stream's ladder.
func (r *Store) Ladder() *ladder.Ladder { return r.ladder }

func (r *Store) broadcastLocked() {
	close(r.notify)
	r.notify = make(chan struct{})
}

// SetHeader records the stream header segments of level carry.
func (r *Store) SetHeader(level ladder.ID, h bitstream.StreamHeader) {
	if !r.ladder.Valid(level) {
		return
	}
	r.mu.Lock()
	r.headers[level] = h
	r.mu.Unlock()
}

// Header returns the stream header of level.
func (r *Store) Header(level ladder.ID) (bitstream.StreamHeader, bool) {
	if !r.ladder.Valid(level) {
		return bitstream.StreamHeader{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := r.headers[level]
	return h, h.Width > 0
}

// Publish appends seg to its rung. Indexes must increase; a jump forward
// drops the retained run.
func (r *Store) Publish(seg *Segment) error {
	if !r.ladder.Valid(seg.Level) {
		return fmt.Errorf("%w: %d", ErrUnknownLevel, seg.Level)
	}
	if seg.PublishedAt.IsZero() {
		seg.PublishedAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return ErrStreamEnded
	}
	rg := r.rings[seg.Level]
	switch {
	case rg.segs.Len() == 0:
		rg.first = seg.Index
	case seg.Index < rg.next():
		return fmt.Errorf("%w: level %d index %d, next %d", ErrOutOfOrder, seg.Level, seg.Index, rg.next())
	case seg.Index > rg.next():
		r.log.Warn("segment gap", "level", seg.Level, "expected", rg.next(), "got", seg.Index)
		rg.segs.Clear()
		rg.first = seg.Index
	}
	rg.segs.PushBack(seg)
	for rg.segs.Len() > r.retain {
		rg.segs.PopFront()
		rg.first++
	}
	r.broadcastLocked()
	return nil
}

func (r *Store) lookupLocked(level ladder.ID, index int64) (*Segment, error) {
	if !r.ladder.Valid(level) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLevel, level)
	}
	rg := r.rings[level]
	switch {
	case rg.segs.Len() > 0 && index < rg.first:
		return nil, fmt.Errorf("%w: index %d, oldest %d", ErrSegmentExpired, index, rg.first)
	case rg.segs.Len() == 0 || index >= rg.next():
		return nil, ErrNotReady
	}
	return rg.segs.At(int(index - rg.first)), nil
}

// Segment returns a published segment.
func (r *Store) Segment(level ladder.ID, index int64) (*Segment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(level, index)
}

// Wait returns the segment once it is published. It fails with
// ErrStreamEnded when the stream closes first and with ctx's error when
// ctx ends first.
func (r *Store) Wait(ctx context.Context, level ladder.ID, index int64) (*Segment, error) {
	for {
		r.mu.RLock()
		seg, err := r.lookupLocked(level, index)
		ended, ch := r.ended, r.notify
		r.mu.RUnlock()
		switch {
		case !errors.Is(err, ErrNotReady):
			return seg, err
		case ended:
			return nil, ErrStreamEnded
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Range returns the oldest and newest retained indexes of level.
func (r *Store) Range(level ladder.ID) (first, last int64, ok bool) {
	if !r.ladder.Valid(level) {
		return 0, 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rg := r.rings[level]
	if rg.segs.Len() == 0 {
		return 0, 0, false
	}
	return rg.first, rg.next() - 1, true
}

// Latest returns the newest segment of level.
func (r *Store) Latest(level ladder.ID) (*Segment, error) {
	_, last, ok := r.Range(level)
	if !ok {
		if !r.ladder.Valid(level) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownLevel, level)
		}
		return nil, ErrNotReady
	}
	return r.Segment(level, last)
}

// Close marks the stream ended and wakes every waiter.
func (r *Store) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.ended = true
	r.broadcastLocked()
	r.log.Info("store closed")
}

// Ended reports whether Close was called.
func (r *Store) Ended() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ended
}
