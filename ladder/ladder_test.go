package ladder

import (
	"errors"
	"testing"
)

func TestNewAssignsIDsByBitrate(t *testing.T) {
	t.Parallel()
	l, err := New([]Rung{
		{Bitrate: 3e6, Width: 1280, Height: 720, FPS: 30, ExpectedQuality: 0.8},
		{Bitrate: 1e6, Width: 960, Height: 540, FPS: 30, ExpectedQuality: 0.6},
		{Bitrate: 5e5, Width: 640, Height: 360, FPS: 30, ExpectedQuality: 0.5},
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range l.Rungs() {
		if r.ID != ID(i) {
			t.Errorf("rung %d has ID %d", i, r.ID)
		}
		if i > 0 && r.Bitrate < l.Rungs()[i-1].Bitrate {
			t.Errorf("rung %d bitrate %d below previous", i, r.Bitrate)
		}
	}
	if r, _ := l.Rung(2); r.Width != 1280 {
		t.Errorf("top rung width = %d, want 1280", r.Width)
	}
}

func TestNewRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		rungs []Rung
		want  error
	}{
		{"empty", nil, ErrEmpty},
		{"zero bitrate", []Rung{{Width: 1, Height: 1, FPS: 30}}, ErrInvalid},
		{"zero fps", []Rung{{Bitrate: 1, Width: 1, Height: 1}}, ErrInvalid},
		{"quality drops", []Rung{
			{Bitrate: 1e6, Width: 640, Height: 360, FPS: 30, ExpectedQuality: 0.9},
			{Bitrate: 2e6, Width: 960, Height: 540, FPS: 30, ExpectedQuality: 0.5},
		}, ErrOrder},
		{"duplicate", []Rung{
			{Bitrate: 1e6, Width: 640, Height: 360, FPS: 30, ExpectedQuality: 0.5},
			{Bitrate: 1e6, Width: 640, Height: 360, FPS: 30, ExpectedQuality: 0.6},
		}, ErrDuplicate},
	}
	for _, tt := range tests {
		if _, err := New(tt.rungs); !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestLookups(t *testing.T) {
	t.Parallel()
	l := Default()
	if l.Len() != 5 {
		t.Fatalf("default ladder has %d rungs", l.Len())
	}
	tests := []struct {
		max  float64
		want ID
	}{
		{0, 0},
		{399_999, 0},
		{400_000, 0},
		{1_275_000, 1},
		{6_000_000, 3},
		{1e12, 4},
	}
	for _, tt := range tests {
		if got := l.Highest(tt.max); got != tt.want {
			t.Errorf("Highest(%v) = %d, want %d", tt.max, got, tt.want)
		}
	}
	if got := l.LowestWithQuality(0.7); got != 2 {
		t.Errorf("LowestWithQuality(0.7) = %d, want 2", got)
	}
	if got := l.LowestWithQuality(2); got != 4 {
		t.Errorf("LowestWithQuality(2) = %d, want top", got)
	}
	if got := l.Step(4, 1); got != 4 {
		t.Errorf("Step past top = %d", got)
	}
	if got := l.Step(1, -3); got != 0 {
		t.Errorf("Step below bottom = %d", got)
	}
	if _, err := l.Rung(7); !errors.Is(err, ErrNotFound) {
		t.Errorf("Rung(7): got %v, want ErrNotFound", err)
	}
}

func TestBaseStep(t *testing.T) {
	t.Parallel()
	rs := Default().Rungs()
	for i := 1; i < len(rs); i++ {
		if rs[i].BaseStep() <= 0 {
			t.Fatalf("rung %d step %v", i, rs[i].BaseStep())
		}
	}
	r := Rung{Bitrate: 1_000_000, Width: 100, Height: 100, FPS: 1}
	if got := r.BaseStep(); got != 0.25 {
		t.Errorf("rich rung step = %v, want 0.25", got)
	}
	r = Rung{Bitrate: 2_000, Width: 1000, Height: 100, FPS: 2}
	if got := r.BaseStep(); got != 10 {
		t.Errorf("0.01 bpp step = %v, want 10", got)
	}
}
