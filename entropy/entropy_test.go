package entropy

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
)

func randomSymbols(r *rand.Rand, n int) []Symbol {
	out := make([]Symbol, n)
	for i := range out {
		c := Context(r.IntN(int(NumContexts)))
		var v int32
		switch r.IntN(5) {
		case 0:
			v = 0
		case 1:
			v = int32(r.IntN(7) - 3)
		case 2:
			v = int32(r.IntN(61) - 30)
		case 3:
			v = int32(r.IntN(1<<21) - 1<<20)
		default:
			v = int32(r.NormFloat64() * 4)
		}
		out[i] = Symbol{Ctx: c, Val: v}
	}
	return out
}

func contexts(s []Symbol) []Context {
	out := make([]Context, len(s))
	for i := range s {
		out[i] = s[i].Ctx
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(11, 12))
	for _, n := range []int{0, 1, 2, 17, 500, 20000} {
		in := randomSymbols(r, n)
		data, err := Encode(in)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decode(data, contexts(in))
		if err != nil {
			t.Fatal(err)
		}
		for i := range in {
			if got[i] != in[i] {
				t.Fatalf("n=%d: symbol %d = %+v, want %+v", n, i, got[i], in[i])
			}
		}
	}
}

func TestExtremeValues(t *testing.T) {
	t.Parallel()
	in := []Symbol{
		{CtxDC, 1 << 20}, {CtxDC, -(1 << 20)}, {CtxACHigh, 14}, {CtxACHigh, 15},
		{CtxACHigh, 16}, {CtxACHigh, -15}, {CtxMVX, 1}, {CtxMVY, -1},
		{CtxCorrection, math.MaxInt32 / 4}, {CtxCorrection, 0},
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data, contexts(in))
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("symbol %d = %d, want %d", i, got[i].Val, in[i].Val)
		}
	}
}

func TestStreamingMatchesBatch(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(13, 14))
	in := randomSymbols(r, 3000)
	batch, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}

	e := NewEncoder()
	for round := 0; round < 2; round++ {
		for _, s := range in {
			e.Put(s.Ctx, s.Val)
		}
		if e.Count() != len(in) {
			t.Fatalf("count = %d, want %d", e.Count(), len(in))
		}
		got := e.Flush()
		if string(got) != string(batch) {
			t.Fatalf("round %d: streaming output differs from Encode", round)
		}
	}

	d := NewDecoder(batch)
	for i, s := range in {
		if v := d.Next(s.Ctx); v != s.Val {
			t.Fatalf("symbol %d = %d, want %d", i, v, s.Val)
		}
	}
	if d.Overrun() > 4 {
		t.Errorf("overrun = %d bytes on valid input", d.Overrun())
	}
}

func TestSkewedInputCompresses(t *testing.T) {
	t.Parallel()
	in := make([]Symbol, 10000)
	for i := range in {
		in[i].Ctx = CtxACHigh
		if i%500 == 0 {
			in[i].Val = 1
		}
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) > 120 {
		t.Errorf("mostly-zero input coded to %d bytes", len(data))
	}
}

func TestSizeEstimate(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(15, 16))
	e := NewEncoder()
	for _, s := range randomSymbols(r, 800) {
		e.Put(s.Ctx, s.Val)
	}
	est := e.Size()
	got := len(e.Flush())
	if est < got || est > got+8 {
		t.Errorf("size estimate %d, flushed %d", est, got)
	}
}

func TestGarbageNeverPanics(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(17, 18))
	ctxs := make([]Context, 4000)
	for i := range ctxs {
		ctxs[i] = Context(r.IntN(int(NumContexts)))
	}
	for trial := 0; trial < 200; trial++ {
		junk := make([]byte, r.IntN(64))
		for i := range junk {
			junk[i] = byte(r.Uint32())
		}
		if trial%4 == 0 {
			for i := range junk {
				junk[i] = 0xFF
			}
		}
		if _, err := Decode(junk, ctxs); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTruncatedPrefixDecodes(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(19, 20))
	in := randomSymbols(r, 2000)
	data, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data[:len(data)/2], contexts(in))
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != in[0] {
		t.Errorf("first symbol = %+v, want %+v", got[0], in[0])
	}
}

func TestUnknownContext(t *testing.T) {
	t.Parallel()
	if _, err := Encode([]Symbol{{Ctx: NumContexts}}); !errors.Is(err, ErrUnknownContext) {
		t.Errorf("Encode: got %v, want ErrUnknownContext", err)
	}
	if _, err := Decode(nil, []Context{CtxDC, 200}); !errors.Is(err, ErrUnknownContext) {
		t.Errorf("Decode: got %v, want ErrUnknownContext", err)
	}
	if v := NewDecoder([]byte{1, 2, 3}).Next(99); v != 0 {
		t.Errorf("Next on unknown context = %d, want 0", v)
	}
	if got := Context(40).String(); got != "context(40)" {
		t.Errorf("String = %q", got)
	}
}
