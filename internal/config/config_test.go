package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/afiyah/fleet"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultsValidate(t *testing.T) {
	t.Parallel()
	cfg, err := LoadWith("", env(nil))
	if err != nil {
		t.Fatalf("LoadWith: %v", err)
	}
	if cfg.SegmentAddr != ":4443" || cfg.APIAddr != ":4444" || cfg.SRTAddr != ":6000" {
		t.Errorf("addrs = %q %q %q", cfg.SegmentAddr, cfg.APIAddr, cfg.SRTAddr)
	}
	l, err := cfg.LadderValue()
	if err != nil {
		t.Fatalf("LadderValue: %v", err)
	}
	if l.Len() == 0 {
		t.Error("default ladder is empty")
	}
	if got := cfg.Policy(); got != fleet.Preferred {
		t.Errorf("policy = %v, want preferred", got)
	}
	if got := cfg.Segment(); got != 2*time.Second {
		t.Errorf("segment = %v, want 2s", got)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte(`
tile_size: 8
reference_window: 2
attention: true
safety_margin: 0.2
buffer_low_water: 2
buffer_high_water: 8.5
server_policy: least_latency
segment_duration: 1
ladder:
  - {bitrate: 200000, width: 320, height: 180, fps: 15, quality: 0.4}
  - {bitrate: 800000, width: 640, height: 360, fps: 30, quality: 0.6}
nodes:
  - id: edge-1
    endpoint: edge-1.example.net:4443
    max_streams: 10
    codecs: [afiyah]
    location: {lat: 51.5, lon: -0.1}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.TileSize != 8 || cfg.ReferenceWindow != 2 || !cfg.Attention {
		t.Errorf("tile/window/attention = %d/%d/%v", cfg.TileSize, cfg.ReferenceWindow, cfg.Attention)
	}
	a := cfg.ABR()
	if a.SafetyMargin != 0.2 || a.LowWater != 2*time.Second || a.HighWater != 8500*time.Millisecond {
		t.Errorf("abr = %+v", a)
	}
	if cfg.Policy() != fleet.LeastLatency {
		t.Errorf("policy = %v", cfg.Policy())
	}
	l, err := cfg.LadderValue()
	if err != nil {
		t.Fatalf("LadderValue: %v", err)
	}
	if l.Len() != 2 {
		t.Errorf("rungs = %d, want 2", l.Len())
	}
	nodes := cfg.FleetNodes()
	if len(nodes) != 1 || nodes[0].ID != "edge-1" || nodes[0].Caps.MaxStreams != 10 {
		t.Fatalf("nodes = %+v", nodes)
	}
	if nodes[0].Location == nil || nodes[0].Location.Lat != 51.5 {
		t.Errorf("location = %+v", nodes[0].Location)
	}
}

func TestParseEmpty(t *testing.T) {
	t.Parallel()
	if _, err := Parse(nil); err != nil {
		t.Errorf("Parse(nil): %v", err)
	}
}

func TestUnknownKey(t *testing.T) {
	t.Parallel()
	if _, err := Parse([]byte("tile_sise: 8\n")); err == nil {
		t.Error("expected unknown key to be rejected")
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"tile size", "tile_size: 12", "tile_size"},
		{"window", "reference_window: 5", "reference_window"},
		{"margin", "safety_margin: 0.7", "safety_margin"},
		{"water marks", "buffer_low_water: 10\nbuffer_high_water: 5", "buffer_high_water"},
		{"hold", "step_up_hold: 0", "step_up_hold"},
		{"policy", "server_policy: random", "server_policy"},
		{"segment", "segment_duration: 0", "segment_duration"},
		{"retain", "retain_segments: 0", "retain_segments"},
		{"ladder", "ladder: [{bitrate: 0, width: 10, height: 10, fps: 30}]", "ladder"},
		{"node", "nodes: [{id: a}]", "nodes[0]"},
		{"duplicate node", "nodes: [{id: a, endpoint: x, max_streams: 1}, {id: a, endpoint: y, max_streams: 1}]", "nodes[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("got %v, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestLoadWithFileAndEnv(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "afiyah.yaml")
	if err := os.WriteFile(path, []byte("api_addr: \":9000\"\nmax_retries: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadWith(path, env(map[string]string{
		"SEGMENT_ADDR": ":7443",
		"DEBUG":        "1",
	}))
	if err != nil {
		t.Fatalf("LoadWith: %v", err)
	}
	if cfg.APIAddr != ":9000" {
		t.Errorf("api addr = %q, want :9000", cfg.APIAddr)
	}
	if cfg.SegmentAddr != ":7443" {
		t.Errorf("segment addr = %q, want :7443", cfg.SegmentAddr)
	}
	if !cfg.Debug || cfg.MaxRetries != 5 {
		t.Errorf("debug/retries = %v/%d", cfg.Debug, cfg.MaxRetries)
	}
}

func TestLoadWithErrors(t *testing.T) {
	t.Parallel()
	if _, err := LoadWith(filepath.Join(t.TempDir(), "missing.yaml"), env(nil)); err == nil {
		t.Error("expected error for missing file")
	}
	_, err := LoadWith("", env(map[string]string{"DEBUG": "maybe"}))
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "DEBUG" {
		t.Errorf("got %v, want DEBUG validation error", err)
	}
}
