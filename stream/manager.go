// Package stream tracks the lifecycle of live streams between ingest and
// distribution.
package stream

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/afiyah/bitstream"
	"github.com/zsiec/afiyah/ladder"
)

// Stream is one live stream.
type Stream struct {
	Key       string
	StartedAt time.Time
	Ladder    *ladder.Ladder
	done      chan struct{}

	mu     sync.RWMutex
	source *bitstream.StreamHeader
}

// SetSource records the contribution stream's header once it is known.
func (s *Stream) SetSource(h bitstream.StreamHeader) {
	s.mu.Lock()
	s.source = &h
	s.mu.Unlock()
}

// Source returns the contribution header, if known.
func (s *Stream) Source() (bitstream.StreamHeader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.source == nil {
		return bitstream.StreamHeader{}, false
	}
	return *s.source, true
}

// Done is closed when the stream is removed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Manager manages the lifecycle of live streams.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
}

// Create registers a stream published on ladder l. It returns false if a
// stream with this key already exists.
func (m *Manager) Create(key string, l *ladder.Ladder) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, false
	}
	s := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		Ladder:    l,
		done:      make(chan struct{}),
	}
	m.streams[key] = s
	m.log.Info("stream created", "key", key)
	return s, true
}

// Get returns the stream with key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// Remove removes a stream and closes its Done channel.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("stream removed", "key", key, "uptime", time.Since(s.StartedAt).Round(time.Millisecond))
	}
}

// List returns all live streams sorted by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()
	slices.SortFunc(streams, func(a, b *Stream) int { return strings.Compare(a.Key, b.Key) })
	return streams
}
