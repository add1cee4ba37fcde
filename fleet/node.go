package fleet

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Health is a node's self-reported condition.
type Health int

const (
	Healthy Health = iota
	Warning
	Critical
	Unreachable
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Unreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("health(%d)", int(h))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (h Health) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Health) UnmarshalText(b []byte) error {
	for v := Healthy; v <= Unreachable; v++ {
		if v.String() == string(b) {
			*h = v
			return nil
		}
	}
	return fmt.Errorf("fleet: unknown health %q", b)
}

// Location is a point on the globe in degrees.
type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between a and b.
func (a Location) DistanceKm(b Location) float64 {
	rad := math.Pi / 180
	dLat := (b.Lat - a.Lat) * rad
	dLon := (b.Lon - a.Lon) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*rad)*math.Cos(b.Lat*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(min(h, 1)))
}

// Capabilities describe what a node can serve.
type Capabilities struct {
	Compute    float64  `json:"compute"`
	Memory     float64  `json:"memory"`
	Network    float64  `json:"network"`
	MaxStreams int      `json:"maxStreams"`
	Codecs     []string `json:"codecs"`
}

// Supports reports whether every feature in want is advertised.
func (c Capabilities) Supports(want ...string) bool {
	for _, f := range want {
		if !slices.Contains(c.Codecs, f) {
			return false
		}
	}
	return true
}

// Load is a node's current utilisation. Fractions are in [0, 1].
type Load struct {
	CPU           float64 `json:"cpu"`
	Memory        float64 `json:"memory"`
	Network       float64 `json:"network"`
	ActiveStreams int     `json:"activeStreams"`
}

// Score returns the weighted load in [0, 1].
func (l Load) Score() float64 {
	v := 0.4*l.CPU + 0.3*l.Memory + 0.3*l.Network
	return min(max(v, 0), 1)
}

// Node is a serving node as known to the registry.
type Node struct {
	ID            string        `json:"id"`
	Endpoint      string        `json:"endpoint"`
	Caps          Capabilities  `json:"capabilities"`
	Load          Load          `json:"load"`
	Health        Health        `json:"health"`
	LastHeartbeat time.Time     `json:"lastHeartbeat"`
	Quality       float64       `json:"quality"`
	Location      *Location     `json:"location,omitempty"`
	RTT           time.Duration `json:"rtt"`
}

func (n Node) clone() Node {
	n.Caps.Codecs = slices.Clone(n.Caps.Codecs)
	if n.Location != nil {
		l := *n.Location
		n.Location = &l
	}
	return n
}

// Heartbeat is a node's periodic status report.
type Heartbeat struct {
	Load    Load          `json:"load"`
	Health  Health        `json:"health"`
	Quality float64       `json:"quality"`
	RTT     time.Duration `json:"rtt"`
	At      time.Time     `json:"at"`
}
