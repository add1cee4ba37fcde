package perceptual

import (
	"image"
	"math"
	"testing"
)

func TestCSFUnimodal(t *testing.T) {
	t.Parallel()
	tab := New(Params{})

	peak := tab.CSF(PeakFrequency)
	if math.Abs(peak-1) > 1e-9 {
		t.Errorf("CSF(peak) = %f, want 1", peak)
	}
	prev := tab.CSF(0.125)
	for f := 0.25; f <= PeakFrequency; f += 0.125 {
		v := tab.CSF(f)
		if v < prev {
			t.Fatalf("CSF not rising below peak: CSF(%.3f)=%f < %f", f, v, prev)
		}
		prev = v
	}
	for f := PeakFrequency + 0.125; f <= MaxFrequency; f += 0.125 {
		v := tab.CSF(f)
		if v > prev {
			t.Fatalf("CSF not falling above peak: CSF(%.3f)=%f > %f", f, v, prev)
		}
		prev = v
	}
	if v := tab.CSF(0.1); v > 0.05 {
		t.Errorf("CSF(0.1) = %f, want low", v)
	}
	if v := tab.CSF(30); v > 0.1 {
		t.Errorf("CSF(30) = %f, want low", v)
	}
}

func TestSensitivityFlatBelowPeak(t *testing.T) {
	t.Parallel()
	tab := New(Params{})
	for _, f := range []float64{0, 0.5, 1, 2, PeakFrequency} {
		if got := tab.Sensitivity(f); got != 1 {
			t.Errorf("Sensitivity(%v) = %f, want 1", f, got)
		}
	}
	if tab.Sensitivity(20) >= tab.Sensitivity(10) {
		t.Error("Sensitivity should fall above the peak")
	}
}

func TestFalloffAndCutoffDecrease(t *testing.T) {
	t.Parallel()
	tab := New(Params{})
	if got := tab.Falloff(0); got != 1 {
		t.Errorf("Falloff(0) = %f, want 1", got)
	}
	if got, want := tab.Falloff(FoveaConstant), 0.5; math.Abs(got-want) > 0.05 {
		t.Errorf("Falloff(k) = %f, want ~%f", got, want)
	}
	for b := 1; b < EccentricityBands; b++ {
		if tab.FalloffBand(b) >= tab.FalloffBand(b-1) {
			t.Fatalf("falloff not decreasing at band %d", b)
		}
		if tab.CutoffBand(b) >= tab.CutoffBand(b-1) {
			t.Fatalf("cutoff not decreasing at band %d", b)
		}
	}
}

func TestLookupsSaturate(t *testing.T) {
	t.Parallel()
	tab := New(Params{})
	if tab.CSF(1e6) != tab.CSF(MaxFrequency) {
		t.Error("CSF did not saturate above range")
	}
	if tab.CSF(-5) != tab.CSF(0) {
		t.Error("CSF did not saturate below range")
	}
	if tab.Falloff(1e9) != tab.Falloff(MaxEccentricity) {
		t.Error("Falloff did not saturate")
	}
	if tab.Falloff(math.NaN()) != 1 {
		t.Error("Falloff(NaN) should clamp to band 0")
	}
	if Band(-3) != 0 {
		t.Errorf("Band(-3) = %d, want 0", Band(-3))
	}
	if got := tab.FalloffBand(EccentricityBands + 10); got != tab.FalloffBand(EccentricityBands-1) {
		t.Errorf("FalloffBand overflow = %f", got)
	}
}

func TestOrientationPrefersCardinal(t *testing.T) {
	t.Parallel()
	tab := New(Params{})
	h := tab.Orientation(0)
	v := tab.Orientation(math.Pi / 2)
	d := tab.Orientation(math.Pi / 4)
	if h != 1 || v != 1 {
		t.Errorf("cardinal weights = %f, %f, want 1", h, v)
	}
	if math.Abs(d-obliqueWeight) > 1e-9 {
		t.Errorf("oblique weight = %f, want %f", d, obliqueWeight)
	}
	if tab.Orientation(math.Pi/4+math.Pi) != d {
		t.Error("orientation should wrap modulo pi")
	}
	if tab.Orientation(-math.Pi/4) != tab.Orientation(3*math.Pi/4) {
		t.Error("negative angles should wrap")
	}
}

func TestIlluminationLowersSensitivity(t *testing.T) {
	t.Parallel()
	bright := New(Params{Illumination: 250})
	dim := New(Params{Illumination: 1})
	if dim.CSF(PeakFrequency) >= bright.CSF(PeakFrequency) {
		t.Errorf("dim peak %f should be below bright peak %f",
			dim.CSF(PeakFrequency), bright.CSF(PeakFrequency))
	}
}

func TestNewCachesByParams(t *testing.T) {
	t.Parallel()
	a := New(Params{PixelsPerDegree: 40})
	b := New(Params{PixelsPerDegree: 40})
	if a != b {
		t.Error("New should return the cached tables for equal params")
	}
	if New(Params{}).PixelsPerDegree() != DefaultPixelsPerDegree {
		t.Error("zero params should normalize to the default pixels per degree")
	}
}

func TestLookupsDoNotAllocate(t *testing.T) {
	tab := New(Params{})
	var sink float64
	allocs := testing.AllocsPerRun(100, func() {
		sink += tab.CSF(7.3) + tab.Sensitivity(12) + tab.Falloff(4.2) + tab.Cutoff(1.1) + tab.Orientation(0.3)
	})
	if allocs != 0 {
		t.Errorf("lookups allocated %v times per run", allocs)
	}
	_ = sink
}

func TestPixelsPerDegreeFor(t *testing.T) {
	t.Parallel()
	got := PixelsPerDegreeFor(1080, 3)
	if got < 55 || got > 60 {
		t.Errorf("1080p at 3H = %f ppd, want ~57", got)
	}
	if PixelsPerDegreeFor(0, 3) != DefaultPixelsPerDegree {
		t.Error("zero height should yield default")
	}
}

func TestMasking(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rms  float64
		want int
	}{
		{0, 0},
		{math.NaN(), 0},
		{2, 0},
		{2.9, 1},
		{4, 2},
		{8, 4},
		{1000, MaskingLevels - 1},
	}
	for _, tt := range tests {
		if got := MaskingIndex(tt.rms); got != tt.want {
			t.Errorf("MaskingIndex(%v) = %d, want %d", tt.rms, got, tt.want)
		}
	}
	if got := Masking(0); got != 1 {
		t.Errorf("Masking(0) = %f, want 1", got)
	}
	prev := 0.0
	for i := range MaskingLevels {
		g := Masking(i)
		if g <= prev {
			t.Fatalf("Masking(%d) = %f, not above %f", i, g, prev)
		}
		prev = g
	}
	if Masking(-3) != Masking(0) || Masking(99) != Masking(MaskingLevels-1) {
		t.Error("out-of-range indices should saturate")
	}
}

func TestFixation(t *testing.T) {
	t.Parallel()
	const w, h = 128, 96
	plane := func(obj image.Rectangle) []uint8 {
		y := make([]uint8, w*h)
		for i := range y {
			y[i] = 110
		}
		for yy := obj.Min.Y; yy < obj.Max.Y; yy++ {
			for xx := obj.Min.X; xx < obj.Max.X; xx++ {
				y[yy*w+xx] = 20
				if (xx/2+yy/2)%2 == 0 {
					y[yy*w+xx] = 240
				}
			}
		}
		return y
	}

	if got, want := Fixation(plane(image.Rectangle{}), w, h), (image.Point{X: w / 2, Y: h / 2}); got != want {
		t.Errorf("uniform frame: got %v, want %v", got, want)
	}

	obj := image.Rect(96, 16, 112, 32)
	got := Fixation(plane(obj), w, h)
	if !got.In(obj.Inset(-8)) {
		t.Errorf("off-centre object at %v: fixation %v", obj, got)
	}

	if got := Fixation(nil, w, h); got != (image.Point{X: w / 2, Y: h / 2}) {
		t.Errorf("short plane: got %v", got)
	}
}
