package transform

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
)

func randomTile(r *rand.Rand, n int) []float64 {
	t := make([]float64, n*n)
	for i := range t {
		t[i] = float64(r.IntN(256)) - 128
	}
	return t
}

func TestExactRoundTrip(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(1, 2))
	for _, b := range []Basis{BasisDCT, BasisWavelet} {
		for _, n := range []int{8, 16} {
			for trial := 0; trial < 20; trial++ {
				tile := randomTile(r, n)
				p, err := Forward(tile, n, b, 0)
				if err != nil {
					t.Fatalf("%s/%d: Forward: %v", b, n, err)
				}
				got, err := Inverse(p)
				if err != nil {
					t.Fatalf("%s/%d: Inverse: %v", b, n, err)
				}
				for i := range tile {
					if math.Round(got[i]) != tile[i] {
						t.Fatalf("%s/%d: sample %d = %f, want %f", b, n, i, got[i], tile[i])
					}
					if math.Abs(got[i]-tile[i]) > 1e-9 {
						t.Fatalf("%s/%d: sample %d drift %g", b, n, i, got[i]-tile[i])
					}
				}
			}
		}
	}
}

func TestGaborWithinBudget(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(3, 4))
	for _, n := range []int{8, 16} {
		for trial := 0; trial < 10; trial++ {
			tile := randomTile(r, n)
			p, err := Forward(tile, n, BasisGabor, 3)
			if err != nil {
				t.Fatal(err)
			}
			if p.Basis != BasisGabor || p.Param != 3 {
				t.Fatalf("plane tagged %s/%d, want gabor/3", p.Basis, p.Param)
			}
			got, err := Inverse(p)
			if err != nil {
				t.Fatal(err)
			}
			var errSq, normSq float64
			for i := range tile {
				d := got[i] - tile[i]
				errSq += d * d
				normSq += tile[i] * tile[i]
			}
			if e, budget := math.Sqrt(errSq), GaborErrorBudget(math.Sqrt(normSq)); e > budget {
				t.Fatalf("n=%d: reconstruction error %g exceeds budget %g", n, e, budget)
			}
		}
	}
}

func TestGaborBasisOrthonormal(t *testing.T) {
	t.Parallel()
	for _, n := range []int{8, 16} {
		g := gaborFor(n)
		if len(g.atoms) != n*n {
			t.Fatalf("n=%d: %d atoms, want %d", n, len(g.atoms), n*n)
		}
		if !orthonormal(g.vecs, n*n) {
			t.Fatalf("n=%d: basis not orthonormal", n)
		}
		oriented := 0
		for _, a := range g.atoms {
			if a.orientation >= 0 {
				oriented++
			}
		}
		if oriented < n*n/4 {
			t.Errorf("n=%d: only %d oriented atoms survived", n, oriented)
		}
	}
}

func TestSmallTilesFallBackToDCT(t *testing.T) {
	t.Parallel()
	tile := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	for _, b := range []Basis{BasisGabor, BasisWavelet} {
		p, err := Forward(tile, 4, b, 2)
		if err != nil {
			t.Fatal(err)
		}
		if p.Basis != BasisDCT {
			t.Errorf("%s on 4x4 used %s, want dct", b, p.Basis)
		}
		got, err := Inverse(p)
		if err != nil {
			t.Fatal(err)
		}
		for i := range tile {
			if math.Abs(got[i]-tile[i]) > 1e-9 {
				t.Fatalf("sample %d = %f, want %f", i, got[i], tile[i])
			}
		}
	}
}

func TestSinglePixelTile(t *testing.T) {
	t.Parallel()
	p, err := Forward([]float64{42}, 1, BasisDCT, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Inverse(p)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got[0]-42) > 1e-12 {
		t.Errorf("got %f, want 42", got[0])
	}
}

func TestForwardErrors(t *testing.T) {
	t.Parallel()
	if _, err := Forward(make([]float64, 10), 8, BasisDCT, 0); !errors.Is(err, ErrShape) {
		t.Errorf("short tile: got %v, want ErrShape", err)
	}
	if _, err := Forward(make([]float64, 64), 8, Basis(9), 0); !errors.Is(err, ErrUnsupportedBasis) {
		t.Errorf("bad basis: got %v, want ErrUnsupportedBasis", err)
	}
	if _, err := Forward(make([]float64, 32*32), 32, BasisDCT, 0); !errors.Is(err, ErrBadSize) {
		t.Errorf("32x32: got %v, want ErrBadSize", err)
	}
	p := &Plane{Size: 4, Basis: BasisWavelet, Coef: make([]float64, 16)}
	if _, err := Inverse(p); !errors.Is(err, ErrUnsupportedBasis) {
		t.Errorf("wavelet 4x4 inverse: got %v, want ErrUnsupportedBasis", err)
	}
}

func TestAnalyzeClasses(t *testing.T) {
	t.Parallel()
	const n = 8
	flat := make([]float64, n*n)
	for i := range flat {
		flat[i] = 90
	}
	checker := make([]float64, n*n)
	edge := make([]float64, n*n)
	ramp := make([]float64, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			if (x+y)%2 == 0 {
				checker[y*n+x] = 255
			}
			if x >= n/2 {
				edge[y*n+x] = 255
			}
			ramp[y*n+x] = float64(16 * x)
		}
	}

	tests := []struct {
		name    string
		tile    []float64
		content Content
		basis   Basis
	}{
		{"flat", flat, ContentSmooth, BasisDCT},
		{"ramp", ramp, ContentSmooth, BasisDCT},
		{"checkerboard", checker, ContentTexture, BasisWavelet},
		{"step edge", edge, ContentEdge, BasisGabor},
	}
	for _, tt := range tests {
		a := Describe(tt.tile, n)
		if a.Content != tt.content || a.Basis != tt.basis {
			t.Errorf("%s: got %s/%s, want %s/%s", tt.name, a.Content, a.Basis, tt.content, tt.basis)
		}
	}

	if b, param := Analyze(edge, n); b != BasisGabor || param != 0 {
		t.Errorf("vertical edge: got %s/%d, want gabor/0", b, param)
	}
	if b, _ := Analyze(checker[:16], 4); b != BasisDCT {
		t.Errorf("4x4 analysis chose %s, want dct", b)
	}
}

func TestLayout(t *testing.T) {
	t.Parallel()
	dct := Layout(BasisDCT, 8)
	if dct[0].Freq != 0 {
		t.Errorf("DCT DC frequency = %f, want 0", dct[0].Freq)
	}
	if got, want := dct[63].Freq, math.Hypot(7.0/16, 7.0/16); math.Abs(got-want) > 1e-12 {
		t.Errorf("DCT (7,7) frequency = %f, want %f", got, want)
	}
	wav := Layout(BasisWavelet, 8)
	if got := wav[7*8+7].Freq; math.Abs(got-math.Sqrt(0.5)) > 1e-12 {
		t.Errorf("finest diagonal wavelet frequency = %f, want %f", got, math.Sqrt(0.5))
	}
	if wav[0].Freq != 0 {
		t.Errorf("wavelet approximation frequency = %f, want 0", wav[0].Freq)
	}

	for _, b := range []Basis{BasisDCT, BasisGabor, BasisWavelet} {
		for _, n := range []int{8, 16} {
			order := ScanOrder(b, n)
			seen := make([]bool, n*n)
			for _, i := range order {
				if seen[i] {
					t.Fatalf("%s/%d: index %d repeated in scan order", b, n, i)
				}
				seen[i] = true
			}
			if len(order) != n*n {
				t.Fatalf("%s/%d: scan order has %d entries", b, n, len(order))
			}
		}
	}
}
