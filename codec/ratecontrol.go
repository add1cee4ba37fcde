package codec

import (
	"math"
	"time"
)

// Rate control bounds.
const (
	MinBaseStep = 0.25
	MaxBaseStep = 64.0

	// rateDeadband is the relative bitrate error tolerated without
	// adjusting.
	rateDeadband = 0.1
	maxRateGain  = 2.0
)

// RateController steers the quantizer base step of one stream toward a
// target bitrate, one segment at a time.
type RateController struct {
	target float64
	step   float64
}

// NewRateController returns a controller aiming at target bits per
// second, starting from step.
func NewRateController(target int64, step float64) *RateController {
	if !(step > 0) {
		step = 1
	}
	return &RateController{target: float64(target), step: min(max(step, MinBaseStep), MaxBaseStep)}
}

// BaseStep is the step to code the next segment with.
func (r *RateController) BaseStep() float64 { return r.step }

// Update reports that the last segment took bytes over d and returns the
// base step for the next one. Steps scale with the square root of the
// bitrate error, at most a factor of two per segment.
func (r *RateController) Update(bytes int, d time.Duration) float64 {
	if r.target <= 0 || d <= 0 || bytes <= 0 {
		return r.step
	}
	actual := float64(bytes) * 8 / d.Seconds()
	ratio := actual / r.target
	if math.Abs(ratio-1) <= rateDeadband {
		return r.step
	}
	gain := min(max(math.Sqrt(ratio), 1/maxRateGain), maxRateGain)
	r.step = min(max(r.step*gain, MinBaseStep), MaxBaseStep)
	return r.step
}
