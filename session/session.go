// Package session drives playback sessions: it picks serving nodes,
// requests segments at the rung the scheduler chooses, feeds delivery
// telemetry back, and fails over to standby nodes when a node stops
// delivering.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"

	"github.com/zsiec/afiyah/abr"
	"github.com/zsiec/afiyah/estimator"
	"github.com/zsiec/afiyah/fleet"
	"github.com/zsiec/afiyah/ladder"
)

// Defaults.
const (
	DefaultMaxRetries     = 3
	DefaultDeadlineFactor = 4
	DefaultDeadlineSlack  = 2 * time.Second

	// stoppedMemory bounds how many stopped session ids are remembered so
	// late acks stay no-ops.
	stoppedMemory = 1024
)

var (
	ErrUnknownSession   = errors.New("session: unknown session")
	ErrInFlight         = errors.New("session: segment already in flight")
	ErrStopped          = errors.New("session: stopped")
	ErrRetriesExhausted = errors.New("session: retries exhausted")
)

// SegmentID identifies a segment. Requests for the same id are
// idempotent.
type SegmentID struct {
	Content string    `json:"content"`
	Index   int64     `json:"index"`
	Level   ladder.ID `json:"level"`
}

func (s SegmentID) String() string {
	return fmt.Sprintf("%s/%d/%d", s.Content, s.Level, s.Index)
}

// Fetcher retrieves one segment from a node.
type Fetcher interface {
	Fetch(ctx context.Context, node fleet.Node, seg SegmentID) ([]byte, error)
}

// Fleet is the node registry surface the manager needs.
type Fleet interface {
	Select(req fleet.Request) (fleet.Selection, error)
	Reserve(id string) error
	Release(id string)
}

// Request starts a session.
type Request struct {
	Content  string          `json:"content"`
	Codec    []string        `json:"codec,omitempty"`
	Features []string        `json:"features,omitempty"`
	Location *fleet.Location `json:"location,omitempty"`
	// StartIndex is the first segment requested.
	StartIndex int64 `json:"startIndex"`
	// Initial seeds the bandwidth estimate.
	Initial estimator.Estimate `json:"initial"`
}

// Ack reports how a segment was delivered to the client.
type Ack struct {
	Segment  SegmentID          `json:"segment"`
	Delivery estimator.Delivery `json:"delivery"`
	// Buffer is the client's buffered media duration.
	Buffer time.Duration `json:"buffer"`
	Failed bool          `json:"failed"`
}

// Decision is the outcome of an ack.
type Decision struct {
	Level ladder.ID `json:"level"`
	State abr.State `json:"state"`
	// Refetched is set when a failed delivery was re-requested on a
	// standby.
	Refetched *Segment `json:"refetched,omitempty"`
}

// Segment is a fetched segment.
type Segment struct {
	ID       SegmentID     `json:"id"`
	Data     []byte        `json:"-"`
	Node     string        `json:"node"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Info is a snapshot of a session.
type Info struct {
	ID        string             `json:"id"`
	Content   string             `json:"content"`
	State     abr.State          `json:"state"`
	Level     ladder.ID          `json:"level"`
	Primary   string             `json:"primary"`
	Standbys  []string           `json:"standbys"`
	Next      int64              `json:"next"`
	Estimate  estimator.Estimate `json:"estimate"`
	Failovers int                `json:"failovers"`
	InFlight  bool               `json:"inFlight"`
	Started   time.Time          `json:"started"`
}

// SessionError is the terminal error of a session operation. Last is the
// session as it stood when the operation gave up.
type SessionError struct {
	ID   string
	Op   string
	Last Info
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.ID, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Config tunes a Manager. Zero fields take defaults.
type Config struct {
	Ladder *ladder.Ladder
	ABR    abr.Config
	// MaxRetries bounds failover attempts per segment.
	MaxRetries int
	// The delivery deadline is RTT·DeadlineFactor + DeadlineSlack.
	DeadlineFactor int
	DeadlineSlack  time.Duration
	Log            *slog.Logger
}

type session struct {
	id      string
	req     Request
	sched   *abr.Session
	started time.Time

	// mu guards the fields below. It may be held while calling sched;
	// abr.Session never calls back into the session.
	mu        sync.Mutex
	primary   fleet.Node
	standbys  []fleet.Node
	next      int64
	inFlight  bool
	cancel    context.CancelFunc
	stopped   bool
	failovers int
}

func (s *session) infoLocked() Info {
	info := Info{
		ID:        s.id,
		Content:   s.req.Content,
		State:     s.sched.State(),
		Level:     s.sched.Level(),
		Primary:   s.primary.ID,
		Next:      s.next,
		Estimate:  s.sched.Estimate(),
		Failovers: s.failovers,
		InFlight:  s.inFlight,
		Started:   s.started,
	}
	for _, n := range s.standbys {
		info.Standbys = append(info.Standbys, n.ID)
	}
	return info
}

// Manager owns every playback session.
type Manager struct {
	fleet Fleet
	fetch Fetcher
	cfg   Config
	log   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	stopped  map[string]struct{}
	order    deque.Deque[string]
}

// NewManager returns a Manager selecting nodes from f and fetching
// segments with fetch.
func NewManager(f Fleet, fetch Fetcher, cfg Config) (*Manager, error) {
	if cfg.Ladder == nil {
		cfg.Ladder = ladder.Default()
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries %d", abr.ErrInvalidConfig, cfg.MaxRetries)
	}
	if cfg.DeadlineFactor <= 0 {
		cfg.DeadlineFactor = DefaultDeadlineFactor
	}
	if cfg.DeadlineSlack <= 0 {
		cfg.DeadlineSlack = DefaultDeadlineSlack
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.ABR.Log == nil {
		cfg.ABR.Log = log
	}
	return &Manager{
		fleet:    f,
		fetch:    fetch,
		cfg:      cfg,
		log:      log.With("component", "session"),
		sessions: make(map[string]*session),
		stopped:  make(map[string]struct{}),
	}, nil
}

// Start selects a node for req, reserves it and returns the new session's
// id.
func (m *Manager) Start(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sched, err := abr.NewSession(m.cfg.Ladder, req.Initial, m.cfg.ABR)
	if err != nil {
		return "", err
	}
	sel, err := m.fleet.Select(fleet.Request{
		Content:  req.Content,
		Codec:    req.Codec,
		Features: req.Features,
		Location: req.Location,
	})
	if err != nil {
		return "", err
	}
	if err := m.fleet.Reserve(sel.Primary.ID); err != nil {
		return "", err
	}
	s := &session{
		id:       uuid.NewString(),
		req:      req,
		sched:    sched,
		started:  time.Now(),
		primary:  sel.Primary,
		standbys: sel.Standbys,
		next:     req.StartIndex,
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.log.Info("session started", "id", s.id, "content", req.Content, "primary", sel.Primary.ID, "level", sched.Level())
	return s.id, nil
}

func (m *Manager) lookup(id string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) wasStopped(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stopped[id]
	return ok
}

// Get returns a snapshot of session id.
func (m *Manager) Get(id string) (Info, error) {
	s, ok := m.lookup(id)
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(), nil
}

// List returns snapshots of every live session.
func (m *Manager) List() []Info {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()
	out := make([]Info, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, s.infoLocked())
		s.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Info) int { return a.Started.Compare(b.Started) })
	return out
}

// RequestSegment fetches the session's next segment at the scheduled
// rung, failing over on error. Only one segment per session may be in
// flight.
func (m *Manager) RequestSegment(ctx context.Context, id string) (*Segment, error) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if s.inFlight {
		s.mu.Unlock()
		return nil, ErrInFlight
	}
	seg := SegmentID{Content: s.req.Content, Index: s.next, Level: s.sched.Level()}
	s.mu.Unlock()

	out, err := m.deliver(ctx, s, seg, "request")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if seg.Index == s.next {
		s.next++
	}
	s.mu.Unlock()
	return out, nil
}

// OnSegmentAck feeds delivery telemetry to the session's scheduler and
// returns the rung for the next request. A failed delivery fails over and
// re-requests the segment. Acks for stopped sessions are no-ops.
func (m *Manager) OnSegmentAck(ctx context.Context, id string, ack Ack) (Decision, error) {
	s, ok := m.lookup(id)
	if !ok {
		if m.wasStopped(id) {
			return Decision{State: abr.StateStopped}, nil
		}
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Decision{State: abr.StateStopped}, nil
	}
	if !ack.Failed {
		s.mu.Unlock()
		// The scheduler serialises its own decisions and ignores
		// telemetry once stopped.
		s.sched.ObserveDelivery(ack.Delivery)
		level := s.sched.NextQuality(s.sched.Estimate(), ack.Buffer)
		return Decision{Level: level, State: s.sched.State()}, nil
	}
	if s.inFlight {
		s.mu.Unlock()
		return Decision{}, ErrInFlight
	}
	s.sched.Degrade("delivery failed")
	if err := m.failoverLocked(s, []string{s.primary.ID}); err != nil {
		info := s.infoLocked()
		s.mu.Unlock()
		return Decision{}, &SessionError{ID: id, Op: "ack", Last: info, Err: err}
	}
	s.mu.Unlock()

	seg := ack.Segment
	if seg.Content == "" {
		seg.Content = s.req.Content
	}
	out, err := m.deliver(ctx, s, seg, "refetch")
	if err != nil {
		return Decision{}, err
	}
	return Decision{Level: s.sched.Level(), State: s.sched.State(), Refetched: out}, nil
}

// deliver fetches seg from the primary, failing over to distinct nodes up
// to MaxRetries times. No lock is held while fetching.
func (m *Manager) deliver(ctx context.Context, s *session, seg SegmentID, op string) (*Segment, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if s.inFlight {
		s.mu.Unlock()
		return nil, ErrInFlight
	}
	ctx, cancel := context.WithCancel(ctx)
	s.inFlight = true
	s.cancel = cancel
	node := s.primary
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.inFlight = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	tried := []string{node.ID}
	start := time.Now()
	var lastErr error
	for attempt := 1; ; attempt++ {
		deadline := m.deadline(s.sched.Estimate())
		fctx, fcancel := context.WithTimeout(ctx, deadline)
		data, err := m.fetch.Fetch(fctx, node, seg)
		fcancel()
		if err == nil {
			if attempt > 1 {
				m.log.Info("segment recovered", "id", s.id, "segment", seg, "node", node.ID, "attempts", attempt)
			}
			return &Segment{ID: seg, Data: data, Node: node.ID, Attempts: attempt, Elapsed: time.Since(start)}, nil
		}
		if ctx.Err() != nil {
			if m.isStopped(s) {
				return nil, ErrStopped
			}
			return nil, ctx.Err()
		}
		lastErr = err
		m.log.Warn("segment fetch failed", "id", s.id, "segment", seg, "node", node.ID, "attempt", attempt, "error", err)

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil, ErrStopped
		}
		s.sched.Degrade("segment fetch failed")
		if attempt > m.cfg.MaxRetries {
			info := s.infoLocked()
			s.mu.Unlock()
			return nil, &SessionError{ID: s.id, Op: op, Last: info, Err: fmt.Errorf("%w: segment %s: %w", ErrRetriesExhausted, seg, lastErr)}
		}
		if err := m.failoverLocked(s, tried); err != nil {
			info := s.infoLocked()
			s.mu.Unlock()
			return nil, &SessionError{ID: s.id, Op: op, Last: info, Err: errors.Join(err, lastErr)}
		}
		node = s.primary
		s.mu.Unlock()
		tried = append(tried, node.ID)
	}
}

func (m *Manager) isStopped(s *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// deadline is the delivery budget for one fetch.
func (m *Manager) deadline(est estimator.Estimate) time.Duration {
	return est.RTT*time.Duration(m.cfg.DeadlineFactor) + m.cfg.DeadlineSlack
}

// failoverLocked promotes the first standby not yet tried and moves the
// reservation to it. With no standby left it asks the fleet for a fresh
// selection excluding tried nodes. s.mu is held; the fleet takes node
// locks after it.
func (m *Manager) failoverLocked(s *session, tried []string) error {
	old := s.primary.ID
	for len(s.standbys) > 0 {
		next := s.standbys[0]
		s.standbys = s.standbys[1:]
		if slices.Contains(tried, next.ID) {
			continue
		}
		if err := m.fleet.Reserve(next.ID); err != nil {
			m.log.Warn("standby unavailable", "id", s.id, "node", next.ID, "error", err)
			continue
		}
		m.promoteLocked(s, old, next)
		return nil
	}
	exclude := append(slices.Clone(tried), old)
	for {
		sel, err := m.fleet.Select(fleet.Request{
			Content:  s.req.Content,
			Codec:    s.req.Codec,
			Features: s.req.Features,
			Location: s.req.Location,
			Exclude:  exclude,
		})
		if err != nil {
			return err
		}
		if err := m.fleet.Reserve(sel.Primary.ID); err != nil {
			exclude = append(exclude, sel.Primary.ID)
			continue
		}
		m.promoteLocked(s, old, sel.Primary)
		s.standbys = sel.Standbys
		return nil
	}
}

func (m *Manager) promoteLocked(s *session, old string, next fleet.Node) {
	m.fleet.Release(old)
	s.primary = next
	s.failovers++
	m.log.Info("session failover", "id", s.id, "from", old, "to", next.ID)
}

// Stop ends session id: in-flight work is cancelled and the node
// reservation released. Stopping an unknown session is a no-op.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		m.stopped[id] = struct{}{}
		m.order.PushBack(id)
		for m.order.Len() > stoppedMemory {
			delete(m.stopped, m.order.PopFront())
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.sched.Stop()
	primary := s.primary.ID
	s.mu.Unlock()
	m.fleet.Release(primary)
	m.log.Info("session stopped", "id", id)
}

// Close stops every session.
func (m *Manager) Close() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Stop(id)
	}
}
