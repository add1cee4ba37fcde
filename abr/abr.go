// Package abr picks the ladder rung each session requests next.
package abr

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zsiec/afiyah/estimator"
	"github.com/zsiec/afiyah/ladder"
)

// State is the scheduler's view of a session.
type State int

const (
	StateStartup State = iota
	StateSteady
	StateDegraded
	StateRecovering
	StateStalled
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "startup"
	case StateSteady:
		return "steady"
	case StateDegraded:
		return "degraded"
	case StateRecovering:
		return "recovering"
	case StateStalled:
		return "stalled"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for v := StateStartup; v <= StateStopped; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("abr: unknown state %q", b)
}

// Defaults.
const (
	DefaultSafetyMargin  = 0.15
	DefaultLowWater      = 4 * time.Second
	DefaultHighWater     = 12 * time.Second
	DefaultStepUpHold    = 3
	DefaultLossThreshold = 0.05
)

var ErrInvalidConfig = errors.New("abr: invalid config")

// Config tunes a Session. Zero fields take defaults.
type Config struct {
	// SafetyMargin is the fraction of estimated bandwidth held back, in
	// [0, 0.5].
	SafetyMargin float64
	LowWater     time.Duration
	HighWater    time.Duration
	// StepUpHold is the number of consecutive qualifying decisions
	// required before each step up.
	StepUpHold int
	// QualityFloor is the minimum expected quality forced on low buffer.
	QualityFloor float64
	// LossThreshold blocks step-ups while smoothed loss exceeds it.
	LossThreshold float64
	Estimator     estimator.Config
	Log           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.SafetyMargin == 0 {
		c.SafetyMargin = DefaultSafetyMargin
	}
	if c.LowWater == 0 {
		c.LowWater = DefaultLowWater
	}
	if c.HighWater == 0 {
		c.HighWater = DefaultHighWater
	}
	if c.StepUpHold == 0 {
		c.StepUpHold = DefaultStepUpHold
	}
	if c.LossThreshold == 0 {
		c.LossThreshold = DefaultLossThreshold
	}
	return c
}

// Validate checks c after defaults are applied.
func (c Config) Validate() error {
	switch {
	case c.SafetyMargin < 0 || c.SafetyMargin > 0.5 || math.IsNaN(c.SafetyMargin):
		return fmt.Errorf("%w: safety margin %v", ErrInvalidConfig, c.SafetyMargin)
	case c.LowWater < 0 || c.HighWater < c.LowWater:
		return fmt.Errorf("%w: buffer water marks %v/%v", ErrInvalidConfig, c.LowWater, c.HighWater)
	case c.StepUpHold < 0:
		return fmt.Errorf("%w: step up hold %d", ErrInvalidConfig, c.StepUpHold)
	case c.LossThreshold < 0 || c.LossThreshold > 1:
		return fmt.Errorf("%w: loss threshold %v", ErrInvalidConfig, c.LossThreshold)
	}
	return nil
}

// Session schedules rung changes for one viewer. Methods are safe for
// concurrent use; decisions are serialised.
type Session struct {
	ladder *ladder.Ladder
	cfg    Config
	est    *estimator.Estimator
	log    *slog.Logger

	mu      sync.Mutex
	level   ladder.ID
	state   State
	streak  int
	healthy int
}

// NewSession starts a session at the highest rung the initial estimate
// affords, or the lowest rung when nothing is known.
func NewSession(l *ladder.Ladder, initial estimator.Estimate, cfg Config) (*Session, error) {
	if l == nil || l.Len() == 0 {
		return nil, fmt.Errorf("%w: empty ladder", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		ladder: l,
		cfg:    cfg,
		est:    estimator.New(cfg.Estimator, initial),
		log:    log.With("component", "abr"),
		level:  l.Lowest(),
	}
	if initial.Bandwidth > 0 {
		s.level = l.Highest(s.safeBitrate(s.est.Snapshot()))
	}
	return s, nil
}

// safeBitrate is the bandwidth the session may plan on.
func (s *Session) safeBitrate(est estimator.Estimate) float64 {
	stability := est.Stability
	if stability <= 0 || stability > 1 {
		stability = 1
	}
	return est.Bandwidth * (1 - s.cfg.SafetyMargin) * stability
}

// Level returns the current rung.
func (s *Session) Level() ladder.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ladder returns the session's ladder.
func (s *Session) Ladder() *ladder.Ladder { return s.ladder }

// Estimate returns the session estimator's snapshot.
func (s *Session) Estimate() estimator.Estimate { return s.est.Snapshot() }

// ObserveDelivery feeds segment telemetry to the session's estimator.
func (s *Session) ObserveDelivery(d estimator.Delivery) {
	if s.State() == StateStopped {
		return
	}
	s.est.Observe(d)
}

// Degrade records a delivery failure, such as a missed deadline.
func (s *Session) Degrade(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return
	}
	s.streak, s.healthy = 0, 0
	s.setState(StateDegraded, reason)
}

// Stop ends the session. Later decisions return the last rung.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setState(StateStopped, "stopped")
}

// NextQuality decides the rung for the next segment from est and the
// client's buffer occupancy.
func (s *Session) NextQuality(est estimator.Estimate, buffer time.Duration) ladder.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return s.level
	}

	target := s.ladder.Highest(s.safeBitrate(est))
	lossy := est.Loss > s.cfg.LossThreshold

	switch {
	case buffer <= 0 && s.state != StateStartup:
		s.change(s.ladder.Lowest())
		s.streak, s.healthy = 0, 0
		s.setState(StateStalled, "buffer empty")
		return s.level

	case buffer < s.cfg.LowWater && s.state != StateStartup:
		forced := min(target, s.ladder.LowestWithQuality(s.cfg.QualityFloor))
		if forced < s.level {
			s.change(forced)
		}
		s.streak, s.healthy = 0, 0
		s.setState(StateDegraded, "buffer below low water")
		return s.level
	}

	if buffer > s.cfg.HighWater {
		target = s.ladder.Step(target, 1)
	}
	switch {
	case target < s.level:
		s.change(target)
		s.streak = 0
	case target > s.level && !lossy:
		if s.streak >= s.cfg.StepUpHold {
			s.change(s.ladder.Step(s.level, 1))
			s.streak = 0
		}
		s.streak++
	default:
		s.streak = 0
	}

	switch {
	case lossy:
		s.healthy = 0
		if s.state != StateStartup {
			s.setState(StateDegraded, "loss above threshold")
		}
	case s.state == StateStartup:
		if buffer >= s.cfg.LowWater {
			s.setState(StateSteady, "buffer filled")
		}
	case s.state == StateDegraded || s.state == StateStalled:
		s.healthy = 1
		s.setState(StateRecovering, "conditions improved")
	case s.state == StateRecovering:
		s.healthy++
		if s.healthy > s.cfg.StepUpHold {
			s.setState(StateSteady, "recovered")
		}
	}
	return s.level
}

func (s *Session) change(to ladder.ID) {
	if to == s.level {
		return
	}
	s.log.Debug("rung change", "from", s.level, "to", to)
	s.level = to
}

func (s *Session) setState(to State, reason string) {
	if s.state == to {
		return
	}
	s.log.Info("abr state change", "from", s.state, "to", to, "reason", reason, "level", s.level)
	s.state = to
}
