// Package fleet keeps the registry of serving nodes and chooses which node
// serves a playback request.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults.
const (
	DefaultStandbys      = 2
	DefaultLiveness      = 10 * time.Second
	DefaultSweepInterval = 2 * time.Second
)

var (
	ErrNoCapableNode = errors.New("fleet: no capable node")
	ErrUnknownNode   = errors.New("fleet: unknown node")
	ErrDuplicateNode = errors.New("fleet: node already registered")
	ErrAtCapacity    = errors.New("fleet: node at capacity")
	ErrUnknownPolicy = errors.New("fleet: unknown policy")
)

// Request describes what a playback needs from a node.
type Request struct {
	Content string
	// Codec lists features a node must advertise.
	Codec []string
	// Features are preferred but optional.
	Features []string
	Location *Location
	// Exclude lists node IDs that must not be chosen.
	Exclude []string
}

// Selection is the outcome of Select: the primary and its ordered
// standbys.
type Selection struct {
	Primary  Node   `json:"primary"`
	Standbys []Node `json:"standbys"`
}

// Config tunes a Registry. Zero fields take defaults.
type Config struct {
	Policy        Policy
	Standbys      int
	Liveness      time.Duration
	SweepInterval time.Duration
	// Now overrides the clock.
	Now func() time.Time
	Log *slog.Logger
}

type entry struct {
	mu   sync.Mutex
	node Node
}

// Registry tracks nodes. Membership changes take the registry lock;
// per-node state has its own lock. No lock is held while calling out.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu    sync.RWMutex
	nodes map[string]*entry

	rr    atomic.Uint64
	wrrMu sync.Mutex
	wrr   map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Standbys == 0 {
		cfg.Standbys = DefaultStandbys
	}
	if cfg.Liveness <= 0 {
		cfg.Liveness = DefaultLiveness
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:   cfg,
		log:   log.With("component", "fleet"),
		nodes: make(map[string]*entry),
		wrr:   make(map[string]int),
	}
}

// Policy returns the configured policy.
func (r *Registry) Policy() Policy { return r.cfg.Policy }

// Register adds n. A zero LastHeartbeat is set to now.
func (r *Registry) Register(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownNode)
	}
	n = n.clone()
	if n.LastHeartbeat.IsZero() {
		n.LastHeartbeat = r.cfg.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[n.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	r.nodes[n.ID] = &entry{node: n}
	r.log.Info("node registered", "id", n.ID, "endpoint", n.Endpoint)
	return nil
}

// Deregister removes a node.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	_, ok := r.nodes[id]
	delete(r.nodes, id)
	r.mu.Unlock()

	r.wrrMu.Lock()
	delete(r.wrr, id)
	r.wrrMu.Unlock()
	if ok {
		r.log.Info("node deregistered", "id", id)
	}
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return e, nil
}

// Heartbeat records a status report. The active stream count is kept
// from reservations, not from the report.
func (r *Registry) Heartbeat(id string, hb Heartbeat) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if hb.At.IsZero() {
		hb.At = r.cfg.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	active := e.node.Load.ActiveStreams
	e.node.Load = hb.Load
	e.node.Load.ActiveStreams = active
	e.node.Health = hb.Health
	e.node.Quality = hb.Quality
	if hb.RTT > 0 {
		e.node.RTT = hb.RTT
	}
	e.node.LastHeartbeat = hb.At
	return nil
}

// Get returns a copy of node id.
func (r *Registry) Get(id string) (Node, bool) {
	e, err := r.lookup(id)
	if err != nil {
		return Node{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node.clone(), true
}

// Nodes returns copies of every node, sorted by ID.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.nodes))
	for _, e := range r.nodes {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Node, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.node.clone())
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Node) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Reserve counts one more active stream on node id.
func (r *Registry) Reserve(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.node.Load.ActiveStreams >= e.node.Caps.MaxStreams {
		return fmt.Errorf("%w: %s", ErrAtCapacity, id)
	}
	e.node.Load.ActiveStreams++
	return nil
}

// Release undoes a Reserve. Releasing an unknown node is a no-op.
func (r *Registry) Release(id string) {
	e, err := r.lookup(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.node.Load.ActiveStreams > 0 {
		e.node.Load.ActiveStreams--
	}
}

// eligible reports whether n may serve req at now.
func (r *Registry) eligible(n *Node, req Request, now time.Time) bool {
	switch {
	case n.Health != Healthy:
		return false
	case n.Load.ActiveStreams >= n.Caps.MaxStreams:
		return false
	case now.Sub(n.LastHeartbeat) > r.cfg.Liveness:
		return false
	case slices.Contains(req.Exclude, n.ID):
		return false
	}
	return n.Caps.Supports(req.Codec...)
}

// Select picks a primary and up to Standbys standbys for req under the
// configured policy.
func (r *Registry) Select(req Request) (Selection, error) {
	return r.SelectWith(r.cfg.Policy, req)
}

// SelectWith is Select under an explicit policy.
func (r *Registry) SelectWith(p Policy, req Request) (Selection, error) {
	now := r.cfg.Now()
	var cands []*Node
	for _, n := range r.Nodes() {
		if r.eligible(&n, req, now) {
			cands = append(cands, &n)
		}
	}
	if len(cands) == 0 {
		return Selection{}, fmt.Errorf("%w: content %q", ErrNoCapableNode, req.Content)
	}
	r.order(p, cands, req)
	sel := Selection{Primary: *cands[0]}
	for _, n := range cands[1:min(len(cands), r.cfg.Standbys+1)] {
		sel.Standbys = append(sel.Standbys, *n)
	}
	return sel, nil
}

// Run marks nodes unreachable when their heartbeat is older than the
// liveness threshold. It returns when ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Sweep()
		}
	}
}

// Sweep performs one liveness pass and returns the IDs marked
// unreachable.
func (r *Registry) Sweep() []string {
	now := r.cfg.Now()
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.nodes))
	for _, e := range r.nodes {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var stale []string
	for _, e := range entries {
		e.mu.Lock()
		if e.node.Health != Unreachable && now.Sub(e.node.LastHeartbeat) > r.cfg.Liveness {
			e.node.Health = Unreachable
			stale = append(stale, e.node.ID)
		}
		e.mu.Unlock()
	}
	slices.Sort(stale)
	for _, id := range stale {
		r.log.Warn("node missed heartbeats", "id", id)
	}
	return stale
}
