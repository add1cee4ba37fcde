package fleet

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// Policy selects how candidates are ordered.
type Policy int

const (
	// Preferred ranks by weighted capability, load, quality and
	// proximity.
	Preferred Policy = iota
	RoundRobin
	// WeightedRoundRobin is smooth weighted round-robin with each node
	// weighted by its stream capacity.
	WeightedRoundRobin
	LeastConnections
	LeastLatency
	LeastLoad

	numPolicies
)

var policyNames = [numPolicies]string{
	Preferred:          "preferred",
	RoundRobin:         "round_robin",
	WeightedRoundRobin: "weighted_round_robin",
	LeastConnections:   "least_connections",
	LeastLatency:       "least_latency",
	LeastLoad:          "least_load",
}

func (p Policy) String() string {
	if p >= 0 && p < numPolicies {
		return policyNames[p]
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy maps a configuration name to a Policy.
func ParsePolicy(s string) (Policy, error) {
	for p, name := range policyNames {
		if strings.EqualFold(s, name) {
			return Policy(p), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Score weights.
const (
	weightCapability = 0.4
	weightLoad       = 0.3
	weightQuality    = 0.2
	weightProximity  = 0.1

	// proximityScaleKm is the distance at which proximity halves.
	proximityScaleKm = 1000.0
)

// score is the Preferred policy's ranking of n for req.
func score(n *Node, req Request) float64 {
	capability := 1.0
	if len(req.Features) > 0 {
		matched := 0
		for _, f := range req.Features {
			if n.Caps.Supports(f) {
				matched++
			}
		}
		capability = float64(matched) / float64(len(req.Features))
	}
	proximity := 0.5
	if req.Location != nil && n.Location != nil {
		proximity = 1 / (1 + req.Location.DistanceKm(*n.Location)/proximityScaleKm)
	}
	quality := min(max(n.Quality, 0), 1)
	return weightCapability*capability +
		weightLoad*(1-n.Load.Score()) +
		weightQuality*quality +
		weightProximity*proximity
}

// byID breaks ties deterministically.
func byID(a, b *Node) int { return strings.Compare(a.ID, b.ID) }

// order sorts candidates best first under p. Candidates arrive sorted by
// ID.
func (r *Registry) order(p Policy, cands []*Node, req Request) {
	switch p {
	case RoundRobin:
		if len(cands) == 0 {
			return
		}
		k := int(r.rr.Add(1)-1) % len(cands)
		rotated := append(slices.Clone(cands[k:]), cands[:k]...)
		copy(cands, rotated)
	case WeightedRoundRobin:
		r.smoothWeighted(cands)
	case LeastConnections:
		slices.SortStableFunc(cands, func(a, b *Node) int {
			return cmp.Or(cmp.Compare(a.Load.ActiveStreams, b.Load.ActiveStreams), byID(a, b))
		})
	case LeastLatency:
		slices.SortStableFunc(cands, func(a, b *Node) int {
			return cmp.Or(cmp.Compare(a.RTT, b.RTT), byID(a, b))
		})
	case LeastLoad:
		slices.SortStableFunc(cands, func(a, b *Node) int {
			return cmp.Or(cmp.Compare(a.Load.Score(), b.Load.Score()), byID(a, b))
		})
	default:
		scores := make(map[string]float64, len(cands))
		for _, n := range cands {
			scores[n.ID] = score(n, req)
		}
		slices.SortStableFunc(cands, func(a, b *Node) int {
			return cmp.Or(cmp.Compare(scores[b.ID], scores[a.ID]), byID(a, b))
		})
	}
}

// smoothWeighted picks the primary by smooth weighted round-robin and
// orders the rest by their current weight.
func (r *Registry) smoothWeighted(cands []*Node) {
	r.wrrMu.Lock()
	defer r.wrrMu.Unlock()
	total := 0
	for _, n := range cands {
		w := max(n.Caps.MaxStreams, 1)
		r.wrr[n.ID] += w
		total += w
	}
	slices.SortStableFunc(cands, func(a, b *Node) int {
		return cmp.Or(cmp.Compare(r.wrr[b.ID], r.wrr[a.ID]), byID(a, b))
	})
	if len(cands) > 0 {
		r.wrr[cands[0].ID] -= total
	}
}
