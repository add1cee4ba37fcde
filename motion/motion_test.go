package motion

import (
	"errors"
	"math"
	"testing"

	"github.com/zsiec/afiyah/media"
)

// synth renders a smooth pattern shifted by (ox, oy).
func synth(w, h, ox, oy int) *media.Frame {
	f := media.NewFrame(w, h, true)
	for y := range h {
		for x := range w {
			fx, fy := float64(x+ox), float64(y+oy)
			v := 128 + 50*math.Sin(2*math.Pi*fx/37) + 40*math.Cos(2*math.Pi*fy/29) + 20*math.Sin(2*math.Pi*(fx+fy)/41)
			f.Y[y*w+x] = uint8(math.Round(v))
		}
	}
	cw, ch := media.ChromaSize(w, h)
	for i := range cw * ch {
		f.Cb[i], f.Cr[i] = 128, 128
	}
	return f
}

func mustWindow(t *testing.T, size int, frames ...*media.Frame) *Window {
	t.Helper()
	w, err := NewWindow(size)
	if err != nil {
		t.Fatal(err)
	}
	for i, f := range frames {
		w.Push(f, uint64(i), false)
	}
	return w
}

func TestEstimateFindsTranslation(t *testing.T) {
	t.Parallel()
	ref := synth(96, 96, 0, 0)
	cur := synth(96, 96, 3, -2)
	w := mustWindow(t, 2, ref)
	field, err := Estimate(cur, w, Config{TileSize: 16, SearchRadius: 8})
	if err != nil {
		t.Fatal(err)
	}
	if field.Cols != 6 || field.Rows != 6 {
		t.Fatalf("field %dx%d, want 6x6", field.Cols, field.Rows)
	}
	pred := Compensate(w, field, cur.Width, cur.Height, false)
	for row := 1; row < field.Rows-1; row++ {
		for col := 1; col < field.Cols-1; col++ {
			v := field.At(col, row)
			if v.Intra || v.DX != 6 || v.DY != -4 || v.Ref != 0 {
				t.Fatalf("tile (%d,%d): got %+v, want (6,-4) on ref 0", col, row, v)
			}
			if v.Confidence < DefaultConfidence {
				t.Errorf("tile (%d,%d): confidence %f", col, row, v.Confidence)
			}
			for y := row * 16; y < (row+1)*16; y++ {
				for x := col * 16; x < (col+1)*16; x++ {
					if pred.Y[y*96+x] != cur.Y[y*96+x] {
						t.Fatalf("prediction differs at (%d,%d)", x, y)
					}
				}
			}
		}
	}
}

func TestEstimateStaticPrefersNewestReference(t *testing.T) {
	t.Parallel()
	f := synth(64, 64, 0, 0)
	w := mustWindow(t, 3, f.Clone(), f.Clone())
	field, err := Estimate(f, w, Config{TileSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range field.Vectors {
		if v.Intra || v.DX != 0 || v.DY != 0 || v.Ref != 0 {
			t.Fatalf("tile %d: got %+v, want zero vector on ref 0", i, v)
		}
	}
}

func TestFlatAndEmptyWindowAreIntra(t *testing.T) {
	t.Parallel()
	flat := media.NewFrame(40, 24, false)
	for i := range flat.Y {
		flat.Y[i] = 77
	}
	field, err := Estimate(flat, mustWindow(t, 1, flat.Clone()), Config{TileSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	if field.Inter() != 0 {
		t.Errorf("flat frame: %d inter tiles, want 0", field.Inter())
	}
	field, err = Estimate(flat, mustWindow(t, 1), Config{TileSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	if field.Inter() != 0 || len(field.Vectors) != 15 {
		t.Errorf("empty window: %d inter of %d tiles", field.Inter(), len(field.Vectors))
	}
}

func TestEstimateShapeMismatch(t *testing.T) {
	t.Parallel()
	w := mustWindow(t, 1, media.NewFrame(16, 16, false))
	if _, err := Estimate(media.NewFrame(32, 16, false), w, Config{TileSize: 8}); !errors.Is(err, ErrShape) {
		t.Errorf("got %v, want ErrShape", err)
	}
}

func TestWindowRing(t *testing.T) {
	t.Parallel()
	if _, err := NewWindow(0); !errors.Is(err, ErrWindowSize) {
		t.Errorf("size 0: got %v", err)
	}
	if _, err := NewWindow(5); !errors.Is(err, ErrWindowSize) {
		t.Errorf("size 5: got %v", err)
	}
	w := mustWindow(t, 3)
	frames := make([]*media.Frame, 5)
	for i := range frames {
		frames[i] = media.NewFrame(1, 1, false)
		frames[i].PTS = int64(i)
		w.Push(frames[i], uint64(i), i == 3)
	}
	if w.Len() != 3 {
		t.Fatalf("len = %d, want 3", w.Len())
	}
	for i, want := range []int64{4, 3, 2} {
		if got := w.Ref(i).PTS; got != want {
			t.Errorf("ref %d = frame %d, want %d", i, got, want)
		}
	}
	if w.Tainted(0) || !w.Tainted(1) || w.Tainted(2) || !w.Tainted(3) {
		t.Errorf("taint flags wrong")
	}
	snap := w.Snapshot()
	w.Reset()
	if w.Len() != 0 || snap.Len() != 3 || w.Ref(0) != nil {
		t.Errorf("reset affected snapshot or left references")
	}
}

func TestWindowSelectByNumber(t *testing.T) {
	t.Parallel()
	w := mustWindow(t, 3)
	for i := range 3 {
		f := media.NewFrame(1, 1, false)
		f.PTS = int64(10 * i)
		w.Push(f, uint64(10*i), i == 1)
	}
	if got := w.Numbers(); len(got) != 3 || got[0] != 20 || got[2] != 0 {
		t.Fatalf("numbers = %v, want [20 10 0]", got)
	}

	sel := w.Select([]uint64{10, 15, 0})
	if sel.Len() != 3 {
		t.Fatalf("len = %d, want 3", sel.Len())
	}
	if got := sel.Ref(0).PTS; got != 10 {
		t.Errorf("ref 0 = frame %d, want 10", got)
	}
	if sel.Ref(1) != nil || !sel.Tainted(1) {
		t.Error("unknown reference resolved")
	}
	if !sel.Tainted(0) || sel.Tainted(2) {
		t.Error("taint not carried over")
	}
	var blk [4]uint8
	if sel.PredictBlock(blk[:], PlaneY, Vector{Ref: 1}, 0, 0, 2) {
		t.Error("prediction from an unresolved reference succeeded")
	}
}

func TestPredictMedian(t *testing.T) {
	t.Parallel()
	f := NewField(48, 32, 16)
	set := func(c, r, dx, dy int) {
		f.Vectors[r*f.Cols+c] = Vector{DX: dx, DY: dy}
	}
	set(0, 0, 4, -2)
	set(1, 0, 10, 6)
	set(2, 0, -3, 1)
	set(0, 1, 2, 2)
	if x, y := f.Predict(1, 1); x != 2 || y != 2 {
		t.Errorf("Predict(1,1) = (%d,%d), want (2,2)", x, y)
	}
	set(1, 1, 5, 7)
	// Top-right missing on the last column counts as zero.
	if x, y := f.Predict(2, 1); x != 0 || y != 1 {
		t.Errorf("Predict(2,1) = (%d,%d), want (0,1)", x, y)
	}
	if x, y := f.Predict(0, 0); x != 0 || y != 0 {
		t.Errorf("Predict(0,0) = (%d,%d), want (0,0)", x, y)
	}
}

func TestSampleBilinear(t *testing.T) {
	t.Parallel()
	pix := []uint8{0, 100, 200, 60}
	tests := []struct {
		xs, ys int
		shift  uint
		want   uint8
	}{
		{0, 0, 1, 0},
		{1, 0, 1, 50},
		{1, 0, 2, 25},
		{1, 1, 1, 90},
		{-5, -5, 1, 0},
		{9, 9, 1, 60},
	}
	for _, tt := range tests {
		if got := Sample(pix, 2, 2, tt.xs, tt.ys, tt.shift); got != tt.want {
			t.Errorf("Sample(%d,%d,%d) = %d, want %d", tt.xs, tt.ys, tt.shift, got, tt.want)
		}
	}
}

func TestChromaPrediction(t *testing.T) {
	t.Parallel()
	ref := media.NewFrame(16, 16, true)
	for i := range ref.Cb {
		ref.Cb[i] = uint8(i * 3)
		ref.Cr[i] = 9
	}
	w := mustWindow(t, 1, ref)
	blk := make([]uint8, 4)
	// A 4 half-pel luma vector moves chroma by one sample.
	if !w.PredictBlock(blk, PlaneCb, Vector{DX: 4}, 0, 0, 2) {
		t.Fatal("prediction failed")
	}
	if blk[0] != ref.Cb[1] || blk[2] != ref.Cb[9] {
		t.Errorf("got %v, want Cb shifted by one", blk)
	}
	if w.PredictBlock(blk, PlaneY, Vector{Ref: 2}, 0, 0, 2) {
		t.Errorf("missing reference should fail")
	}
}
