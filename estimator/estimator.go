// Package estimator tracks per-session network conditions from segment
// delivery reports.
package estimator

import (
	"math"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// Defaults.
const (
	DefaultBandwidthHalfLife = 2 * time.Second
	DefaultRTTHalfLife       = time.Second
	DefaultWindow            = 16

	// jitterGain is the RFC 3550 smoothing factor.
	jitterGain = 1.0 / 16
)

// Delivery is the telemetry for one delivered segment.
type Delivery struct {
	Segment   uint64        `json:"segment"`
	Bytes     int64         `json:"bytes"`
	Elapsed   time.Duration `json:"elapsed"`
	LostBytes int64         `json:"lostBytes"`
	// RTT is the measured round trip, zero when unknown.
	RTT       time.Duration `json:"rtt"`
	Timestamp time.Time     `json:"timestamp"`
}

// Estimate is a consistent view of the estimator's state.
type Estimate struct {
	// Bandwidth is in bits per second.
	Bandwidth float64       `json:"bandwidth"`
	RTT       time.Duration `json:"rtt"`
	// Loss is the smoothed fraction of bytes lost.
	Loss   float64       `json:"loss"`
	Jitter time.Duration `json:"jitter"`
	// Stability is 1/(1+CV) of recent bandwidth samples, in (0, 1].
	Stability float64   `json:"stability"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Config tunes an Estimator. Zero fields take defaults.
type Config struct {
	BandwidthHalfLife time.Duration
	RTTHalfLife       time.Duration
	// Window is the number of bandwidth samples stability is computed
	// over.
	Window int
}

func (c Config) withDefaults() Config {
	if c.BandwidthHalfLife <= 0 {
		c.BandwidthHalfLife = DefaultBandwidthHalfLife
	}
	if c.RTTHalfLife <= 0 {
		c.RTTHalfLife = DefaultRTTHalfLife
	}
	if c.Window <= 1 {
		c.Window = DefaultWindow
	}
	return c
}

// Estimator folds deliveries into an Estimate. Observe and Snapshot are
// safe for concurrent use; each call costs O(1).
type Estimator struct {
	cfg Config

	mu  sync.Mutex
	est Estimate
	// samples holds recent bandwidth samples; sum and sumSq track them.
	samples    deque.Deque[float64]
	sum, sumSq float64
	lastRTT    time.Duration
}

// New returns an estimator seeded with initial. A zero initial estimate
// means nothing is known yet.
func New(cfg Config, initial Estimate) *Estimator {
	cfg = cfg.withDefaults()
	e := &Estimator{cfg: cfg, est: initial}
	e.samples.SetBaseCap(cfg.Window)
	if e.est.Stability <= 0 || e.est.Stability > 1 {
		e.est.Stability = 1
	}
	e.lastRTT = initial.RTT
	return e
}

// alpha is the EWMA weight of a sample spanning dt.
func alpha(dt, halfLife time.Duration) float64 {
	if dt <= 0 {
		return 0
	}
	return 1 - math.Exp2(-dt.Seconds()/halfLife.Seconds())
}

// Observe folds one delivery into the estimate. Deliveries without
// elapsed time update only RTT and jitter.
func (e *Estimator) Observe(d Delivery) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if d.RTT > 0 {
		if e.lastRTT > 0 {
			diff := (d.RTT - e.lastRTT).Abs()
			e.est.Jitter += time.Duration(jitterGain * float64(diff-e.est.Jitter))
		}
		e.lastRTT = d.RTT
		if e.est.RTT <= 0 {
			e.est.RTT = d.RTT
		} else {
			dt := d.Elapsed
			if dt <= 0 {
				dt = d.RTT
			}
			a := alpha(dt, e.cfg.RTTHalfLife)
			e.est.RTT += time.Duration(a * float64(d.RTT-e.est.RTT))
		}
	}

	if d.Elapsed > 0 && d.Bytes >= 0 {
		bw := float64(d.Bytes) * 8 / d.Elapsed.Seconds()
		total := d.Bytes + max(d.LostBytes, 0)
		var loss float64
		if total > 0 {
			loss = float64(max(d.LostBytes, 0)) / float64(total)
		}
		if e.est.Samples == 0 && e.est.Bandwidth <= 0 {
			e.est.Bandwidth = bw
			e.est.Loss = loss
		} else {
			a := alpha(d.Elapsed, e.cfg.BandwidthHalfLife)
			e.est.Bandwidth += a * (bw - e.est.Bandwidth)
			e.est.Loss += a * (loss - e.est.Loss)
		}
		e.push(bw)
		e.est.Samples++
	}

	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	e.est.UpdatedAt = d.Timestamp
}

func (e *Estimator) push(bw float64) {
	if e.samples.Len() == e.cfg.Window {
		e.samples.PopFront()
		e.samples.PushBack(bw)
		// Subtracting the evicted sample lets rounding error build up
		// over a long session; resum the window instead.
		e.sum, e.sumSq = 0, 0
		for i := range e.samples.Len() {
			v := e.samples.At(i)
			e.sum += v
			e.sumSq += v * v
		}
	} else {
		e.samples.PushBack(bw)
		e.sum += bw
		e.sumSq += bw * bw
	}

	n := float64(e.samples.Len())
	if n < 2 || e.sum <= 0 {
		e.est.Stability = 1
		return
	}
	mean := e.sum / n
	variance := max(e.sumSq/n-mean*mean, 0)
	e.est.Stability = 1 / (1 + math.Sqrt(variance)/mean)
}

// Snapshot returns the current estimate.
func (e *Estimator) Snapshot() Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.est
}
