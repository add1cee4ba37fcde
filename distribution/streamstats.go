package distribution

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"

	"github.com/zsiec/afiyah/codec"
	"github.com/zsiec/afiyah/ladder"
)

// bitrateWindow is the span output bitrate is averaged over.
const bitrateWindow = 2 * time.Second

// RungStats holds point-in-time metrics for one rung of a stream.
type RungStats struct {
	Level       ladder.ID `json:"level"`
	Name        string    `json:"name"`
	Segments    int64     `json:"segments"`
	Frames      int64     `json:"frames"`
	Keyframes   int64     `json:"keyframes"`
	TotalBytes  int64     `json:"totalBytes"`
	BitrateKbps float64   `json:"bitrateKbps"`
	TargetKbps  float64   `json:"targetKbps"`
	BaseStep    float64   `json:"baseStep"`
}

// StreamSnapshot is the stats payload of one stream served by the stats
// API.
type StreamSnapshot struct {
	Timestamp   int64               `json:"ts"`
	UptimeMs    int64               `json:"uptimeMs"`
	Protocol    string              `json:"protocol"`
	IngestBytes int64               `json:"ingestBytes"`
	Source      codec.StatsSnapshot `json:"source"`
	Captions    int64               `json:"captions"`
	AudioChunks int64               `json:"audioChunks"`
	Rungs       []RungStats         `json:"rungs"`
}

type rungAccum struct {
	segments  atomic.Int64
	frames    atomic.Int64
	keyframes atomic.Int64
	bytes     atomic.Int64
	baseStep  atomic.Uint64

	mu     sync.Mutex
	window deque.Deque[bitrateEntry]
}

type bitrateEntry struct {
	ts    time.Time
	bytes int64
}

// StreamStats accumulates per-stream telemetry from the pipeline. Record
// methods may be called from each rung's goroutine concurrently with
// Snapshot.
type StreamStats struct {
	ladder  *ladder.Ladder
	started time.Time
	now     func() time.Time

	captions atomic.Int64
	audio    atomic.Int64
	source   atomic.Pointer[codec.Stats]

	rungs []*rungAccum
}

// NewStreamStats creates stats for a stream coded on l.
func NewStreamStats(l *ladder.Ladder) *StreamStats {
	s := &StreamStats{ladder: l, started: time.Now(), now: time.Now, rungs: make([]*rungAccum, l.Len())}
	for i := range s.rungs {
		s.rungs[i] = &rungAccum{}
	}
	return s
}

// SetSource attaches the contribution decoder's counters.
func (s *StreamStats) SetSource(st *codec.Stats) { s.source.Store(st) }

// RecordSideData counts caption and audio side data carried by a source
// frame.
func (s *StreamStats) RecordSideData(captions int, audio bool) {
	s.captions.Add(int64(captions))
	if audio {
		s.audio.Add(1)
	}
}

// RecordFrame records one encoded frame of level.
func (s *StreamStats) RecordFrame(level ladder.ID, bytes int, keyframe bool, baseStep float64) {
	if !s.ladder.Valid(level) {
		return
	}
	r := s.rungs[level]
	r.frames.Add(1)
	r.bytes.Add(int64(bytes))
	if keyframe {
		r.keyframes.Add(1)
	}
	r.baseStep.Store(math.Float64bits(baseStep))

	now := s.now()
	r.mu.Lock()
	r.window.PushBack(bitrateEntry{ts: now, bytes: int64(bytes)})
	trimWindow(&r.window, now)
	r.mu.Unlock()
}

// RecordSegment records one published segment of level.
func (s *StreamStats) RecordSegment(level ladder.ID) {
	if s.ladder.Valid(level) {
		s.rungs[level].segments.Add(1)
	}
}

func trimWindow(w *deque.Deque[bitrateEntry], now time.Time) {
	cutoff := now.Add(-bitrateWindow)
	for w.Len() > 0 && w.Front().ts.Before(cutoff) {
		w.PopFront()
	}
}

// Snapshot returns the current stats. Protocol and ingest bytes are left
// to the caller, which owns the ingest side.
func (s *StreamStats) Snapshot() StreamSnapshot {
	now := s.now()
	snap := StreamSnapshot{
		Timestamp:   now.UnixMilli(),
		UptimeMs:    now.Sub(s.started).Milliseconds(),
		Captions:    s.captions.Load(),
		AudioChunks: s.audio.Load(),
		Rungs:       make([]RungStats, 0, len(s.rungs)),
	}
	if src := s.source.Load(); src != nil {
		snap.Source = src.Snapshot()
	}
	for i, r := range s.rungs {
		rung, _ := s.ladder.Rung(ladder.ID(i))
		rs := RungStats{
			Level:      ladder.ID(i),
			Name:       rung.String(),
			Segments:   r.segments.Load(),
			Frames:     r.frames.Load(),
			Keyframes:  r.keyframes.Load(),
			TotalBytes: r.bytes.Load(),
			TargetKbps: float64(rung.Bitrate) / 1000,
			BaseStep:   math.Float64frombits(r.baseStep.Load()),
		}
		r.mu.Lock()
		trimWindow(&r.window, now)
		var total int64
		for i := range r.window.Len() {
			total += r.window.At(i).bytes
		}
		r.mu.Unlock()
		rs.BitrateKbps = float64(total) * 8 / bitrateWindow.Seconds() / 1000
		snap.Rungs = append(snap.Rungs, rs)
	}
	return snap
}
