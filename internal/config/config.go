// Package config loads the server configuration from a YAML file overlaid
// by environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/afiyah/abr"
	"github.com/zsiec/afiyah/fleet"
	"github.com/zsiec/afiyah/ladder"
)

// EnvFile names the environment variable holding the config file path.
const EnvFile = "AFIYAH_CONFIG"

// ValidationError reports one out-of-range setting.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s = %v: %s", e.Field, e.Value, e.Reason)
}

// Rung is one ladder entry.
type Rung struct {
	Bitrate int64   `yaml:"bitrate"`
	Width   int     `yaml:"width"`
	Height  int     `yaml:"height"`
	FPS     float64 `yaml:"fps"`
	Quality float64 `yaml:"quality"`
}

// Node is a statically configured serving node.
type Node struct {
	ID         string          `yaml:"id"`
	Endpoint   string          `yaml:"endpoint"`
	MaxStreams int             `yaml:"max_streams"`
	Codecs     []string        `yaml:"codecs"`
	Quality    float64         `yaml:"quality"`
	Location   *fleet.Location `yaml:"location"`
}

// Config is the complete server configuration. Durations are in seconds.
type Config struct {
	TileSize        int     `yaml:"tile_size"`
	ReferenceWindow int     `yaml:"reference_window"`
	Ladder          []Rung  `yaml:"ladder"`
	SafetyMargin    float64 `yaml:"safety_margin"`
	BufferLowWater  float64 `yaml:"buffer_low_water"`
	BufferHighWater float64 `yaml:"buffer_high_water"`
	StepUpHold      int     `yaml:"step_up_hold"`
	MaxRetries      int     `yaml:"max_retries"`
	Lossless        bool    `yaml:"lossless"`
	Attention       bool    `yaml:"attention"`
	ServerPolicy    string  `yaml:"server_policy"`

	SegmentDuration float64 `yaml:"segment_duration"`
	RetainSegments  int     `yaml:"retain_segments"`
	Nodes           []Node  `yaml:"nodes"`

	SegmentAddr string `yaml:"segment_addr"`
	APIAddr     string `yaml:"api_addr"`
	SRTAddr     string `yaml:"srt_addr"`
	Debug       bool   `yaml:"debug"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		TileSize:        16,
		ReferenceWindow: 1,
		SafetyMargin:    abr.DefaultSafetyMargin,
		BufferLowWater:  abr.DefaultLowWater.Seconds(),
		BufferHighWater: abr.DefaultHighWater.Seconds(),
		StepUpHold:      abr.DefaultStepUpHold,
		MaxRetries:      3,
		ServerPolicy:    fleet.Preferred.String(),
		SegmentDuration: 2,
		RetainSegments:  30,
		SegmentAddr:     ":4443",
		APIAddr:         ":4444",
		SRTAddr:         ":6000",
	}
}

// Load reads the file named by AFIYAH_CONFIG, if any, and applies the
// environment overlay.
func Load() (*Config, error) {
	return LoadWith(os.Getenv(EnvFile), os.Getenv)
}

// LoadWith reads path (defaults only when empty) and overlays variables
// looked up with getenv.
func LoadWith(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := cfg.overlay(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. The
// environment is not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) overlay(getenv func(string) string) error {
	for key, dst := range map[string]*string{
		"SEGMENT_ADDR": &c.SegmentAddr,
		"API_ADDR":     &c.APIAddr,
		"SRT_ADDR":     &c.SRTAddr,
	} {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	if v := getenv("DEBUG"); v != "" {
		d, err := strconv.ParseBool(v)
		if err != nil {
			return &ValidationError{Field: "DEBUG", Value: v, Reason: "must be a boolean"}
		}
		c.Debug = d
	}
	return nil
}

// Validate reports every out-of-range setting, joined.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field string, v any, reason string) {
		errs = append(errs, &ValidationError{Field: field, Value: v, Reason: reason})
	}
	finite := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

	if c.TileSize != 8 && c.TileSize != 16 {
		bad("tile_size", c.TileSize, "must be 8 or 16")
	}
	if c.ReferenceWindow < 1 || c.ReferenceWindow > 4 {
		bad("reference_window", c.ReferenceWindow, "must be in [1, 4]")
	}
	if !finite(c.SafetyMargin) || c.SafetyMargin < 0 || c.SafetyMargin > 0.5 {
		bad("safety_margin", c.SafetyMargin, "must be in [0, 0.5]")
	}
	if !finite(c.BufferLowWater) || c.BufferLowWater < 0 {
		bad("buffer_low_water", c.BufferLowWater, "must be non-negative")
	}
	if !finite(c.BufferHighWater) || c.BufferHighWater < c.BufferLowWater {
		bad("buffer_high_water", c.BufferHighWater, "must not be below buffer_low_water")
	}
	if c.StepUpHold < 1 {
		bad("step_up_hold", c.StepUpHold, "must be at least 1")
	}
	if c.MaxRetries < 0 {
		bad("max_retries", c.MaxRetries, "must be non-negative")
	}
	if _, err := fleet.ParsePolicy(c.ServerPolicy); err != nil {
		bad("server_policy", c.ServerPolicy, "unknown policy")
	}
	if !finite(c.SegmentDuration) || c.SegmentDuration <= 0 {
		bad("segment_duration", c.SegmentDuration, "must be positive")
	}
	if c.RetainSegments < 1 {
		bad("retain_segments", c.RetainSegments, "must be at least 1")
	}
	if len(c.Ladder) > 0 {
		if _, err := c.LadderValue(); err != nil {
			bad("ladder", len(c.Ladder), err.Error())
		}
	}
	seen := make(map[string]bool)
	for i, n := range c.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		switch {
		case n.ID == "" || n.Endpoint == "":
			bad(field, n.ID, "id and endpoint are required")
		case seen[n.ID]:
			bad(field, n.ID, "duplicate id")
		case n.MaxStreams < 1:
			bad(field+".max_streams", n.MaxStreams, "must be at least 1")
		}
		seen[n.ID] = true
	}
	return errors.Join(errs...)
}

// LadderValue returns the configured ladder, or the default ladder when
// none is configured.
func (c *Config) LadderValue() (*ladder.Ladder, error) {
	if len(c.Ladder) == 0 {
		return ladder.Default(), nil
	}
	rungs := make([]ladder.Rung, len(c.Ladder))
	for i, r := range c.Ladder {
		rungs[i] = ladder.Rung{Bitrate: r.Bitrate, Width: r.Width, Height: r.Height, FPS: r.FPS, ExpectedQuality: r.Quality}
	}
	return ladder.New(rungs)
}

// Policy returns the parsed server policy.
func (c *Config) Policy() fleet.Policy {
	p, _ := fleet.ParsePolicy(c.ServerPolicy)
	return p
}

// ABR returns the scheduler settings.
func (c *Config) ABR() abr.Config {
	return abr.Config{
		SafetyMargin: c.SafetyMargin,
		LowWater:     seconds(c.BufferLowWater),
		HighWater:    seconds(c.BufferHighWater),
		StepUpHold:   c.StepUpHold,
	}
}

// Segment returns the segment duration.
func (c *Config) Segment() time.Duration { return seconds(c.SegmentDuration) }

// FleetNodes returns the static nodes as registry entries.
func (c *Config) FleetNodes() []fleet.Node {
	out := make([]fleet.Node, len(c.Nodes))
	for i, n := range c.Nodes {
		out[i] = fleet.Node{
			ID:       n.ID,
			Endpoint: n.Endpoint,
			Caps:     fleet.Capabilities{MaxStreams: n.MaxStreams, Codecs: n.Codecs},
			Quality:  n.Quality,
			Location: n.Location,
		}
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
