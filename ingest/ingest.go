// Package ingest manages active contribution connections, coupling
// transport byte readers with metadata, lifecycle signaling, and pipeline
// dispatch.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDuplicate is returned when a key already has an active stream.
var ErrDuplicate = errors.New("ingest: stream key already active")

// Format identifies the payload carried by an ingest connection.
type Format int

const (
	// FormatAfiyah is an AFIYAH bitstream starting with its preamble.
	FormatAfiyah Format = iota
)

func (f Format) String() string {
	if f == FormatAfiyah {
		return "afiyah"
	}
	return "unknown"
}

// Stats are connection-level metrics for one ingest stream.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
	Protocol      string `json:"protocol"`
}

// Stream is an active ingest connection. Bytes the transport writes into
// the stream's pipe are read by the publish pipeline.
type Stream struct {
	Key       string
	StartedAt time.Time
	Format    Format
	input     io.ReadCloser
	pw        *io.PipeWriter
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
	protocol      atomic.Value
}

// RecordRead counts one transport read of n bytes.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr records the peer address.
func (s *Stream) SetRemoteAddr(addr string) { s.remoteAddr.Store(addr) }

// SetProtocol records the transport name, e.g. "srt".
func (s *Stream) SetProtocol(p string) { s.protocol.Store(p) }

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Stats returns a snapshot of connection metrics.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	proto, _ := s.protocol.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
		Protocol:      proto,
	}
}

// Handler is called, on its own goroutine, for every new stream.
type Handler func(key string, input io.Reader, format Format)

// Registry tracks active ingest streams by key. It is the rendezvous point
// between transports and the publish pipeline.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream Handler
}

// NewRegistry creates a Registry dispatching new streams to onStream,
// which may be nil.
func NewRegistry(onStream Handler) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream and returns it with the writer the transport
// feeds. Only one stream per key may be active.
func (r *Registry) Register(key string, format Format) (*Stream, io.Writer, error) {
	pr, pw := io.Pipe()
	s := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		Format:    format,
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %q", ErrDuplicate, key)
	}
	r.streams[key] = s
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(key, pr, format)
	}
	return s, pw, nil
}

// Unregister removes stream s if it is still the one registered under its
// key, closing its pipe and signaling Done.
func (r *Registry) Unregister(s *Stream) {
	r.mu.Lock()
	cur, ok := r.streams[s.Key]
	if ok && cur == s {
		delete(r.streams, s.Key)
	}
	r.mu.Unlock()
	if ok && cur == s {
		s.close()
	}
}

func (s *Stream) close() {
	s.pw.Close()
	close(s.done)
}

// Get returns the stream registered under key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// Len returns the number of active streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
