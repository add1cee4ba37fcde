package codec

import "sync/atomic"

// StatsSnapshot is a point-in-time copy of a codec's counters, serialized
// as JSON by the stats API.
type StatsSnapshot struct {
	Frames        int64 `json:"frames"`
	Keyframes     int64 `json:"keyframes"`
	PartialFrames int64 `json:"partialFrames"`
	LostFrames    int64 `json:"lostFrames"`
	Bytes         int64 `json:"bytes"`
	IntraTiles    int64 `json:"intraTiles"`
	InterTiles    int64 `json:"interTiles"`
	MissingTiles  int64 `json:"missingTiles"`
	TaintedTiles  int64 `json:"taintedTiles"`
}

// Stats accumulates encoder or decoder activity with atomic counters. It
// may be read from any goroutine while the codec runs.
type Stats struct {
	frames        atomic.Int64
	keyframes     atomic.Int64
	partialFrames atomic.Int64
	lostFrames    atomic.Int64
	bytes         atomic.Int64
	intraTiles    atomic.Int64
	interTiles    atomic.Int64
	missingTiles  atomic.Int64
	taintedTiles  atomic.Int64
}

func (s *Stats) recordFrame(size int, key bool, intra, inter int, partial bool) {
	s.frames.Add(1)
	s.bytes.Add(int64(size))
	s.intraTiles.Add(int64(intra))
	s.interTiles.Add(int64(inter))
	if key {
		s.keyframes.Add(1)
	}
	if partial {
		s.partialFrames.Add(1)
	}
}

func (s *Stats) recordDamage(missing, tainted int) {
	s.missingTiles.Add(int64(missing))
	s.taintedTiles.Add(int64(tainted))
}

func (s *Stats) recordLost(n int) { s.lostFrames.Add(int64(n)) }

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Frames:        s.frames.Load(),
		Keyframes:     s.keyframes.Load(),
		PartialFrames: s.partialFrames.Load(),
		LostFrames:    s.lostFrames.Load(),
		Bytes:         s.bytes.Load(),
		IntraTiles:    s.intraTiles.Load(),
		InterTiles:    s.interTiles.Load(),
		MissingTiles:  s.missingTiles.Load(),
		TaintedTiles:  s.taintedTiles.Load(),
	}
}
