// Package motion estimates per-tile motion between a frame and a small
// window of decoded references, and builds the motion-compensated
// prediction the codec codes residuals against.
//
// Vectors are in half-pel luma units. Chroma planes reuse the luma vector
// at quarter-pel precision.
package motion

import (
	"errors"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/afiyah/media"
)

// Defaults.
const (
	DefaultSearchRadius = 16
	// DefaultConfidence is the confidence below which a tile is coded intra.
	DefaultConfidence = 0.15
)

var ErrShape = errors.New("motion: frame does not match references")

// Vector is one tile's motion. Intra tiles carry no vector.
type Vector struct {
	DX, DY     int
	Ref        int
	Confidence float64
	Intra      bool
}

// Field holds one vector per luma tile in raster order.
type Field struct {
	Cols, Rows int
	TileSize   int
	Vectors    []Vector
}

// NewField returns an all-intra field for a w×h frame.
func NewField(w, h, tile int) *Field {
	cols, rows := (w+tile-1)/tile, (h+tile-1)/tile
	f := &Field{Cols: cols, Rows: rows, TileSize: tile, Vectors: make([]Vector, cols*rows)}
	for i := range f.Vectors {
		f.Vectors[i].Intra = true
	}
	return f
}

// At returns the vector of tile (col, row).
func (f *Field) At(col, row int) Vector { return f.Vectors[row*f.Cols+col] }

// Inter reports how many tiles carry a vector.
func (f *Field) Inter() int {
	n := 0
	for _, v := range f.Vectors {
		if !v.Intra {
			n++
		}
	}
	return n
}

// Predict returns the component-wise median of the left, top and top-right
// neighbours' vectors. Unavailable or intra neighbours count as zero.
func (f *Field) Predict(col, row int) (int, int) {
	var xs, ys [3]int
	take := func(i, c, r int) {
		if c < 0 || r < 0 || c >= f.Cols {
			return
		}
		if v := f.At(c, r); !v.Intra {
			xs[i], ys[i] = v.DX, v.DY
		}
	}
	take(0, col-1, row)
	take(1, col, row-1)
	take(2, col+1, row-1)
	return median3(xs[0], xs[1], xs[2]), median3(ys[0], ys[1], ys[2])
}

func median3(a, b, c int) int {
	return max(min(a, b), min(max(a, b), c))
}

// Config tunes Estimate.
type Config struct {
	TileSize     int
	SearchRadius int
	Confidence   float64
}

func (c Config) withDefaults() Config {
	if c.SearchRadius <= 0 {
		c.SearchRadius = DefaultSearchRadius
	}
	if c.Confidence <= 0 {
		c.Confidence = DefaultConfidence
	}
	return c
}

// Estimate searches every luma tile of cur against the references in w.
// Each tile's search is coarse to fine: a full search at quarter
// resolution, ±1 refinement at half and full resolution, then half-pel
// refinement. A tile is intra when no reference exists, when confidence is
// below the threshold, or when the best match costs at least the tile's
// own activity.
func Estimate(cur *media.Frame, w *Window, cfg Config) (*Field, error) {
	cfg = cfg.withDefaults()
	field := NewField(cur.Width, cur.Height, cfg.TileSize)
	if w.Len() == 0 {
		return field, nil
	}
	for i := range w.Len() {
		if r := w.Ref(i); r == nil || r.Width != cur.Width || r.Height != cur.Height {
			return nil, ErrShape
		}
	}
	curPyr := buildPyramid(cur.Y, cur.Width, cur.Height)
	refs := make([]*pyramid, w.Len())
	for i := range refs {
		refs[i] = w.slots[i].pyramid()
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for row := range field.Rows {
		g.Go(func() error {
			for col := range field.Cols {
				field.Vectors[row*field.Cols+col] = searchTile(&curPyr, refs, col*cfg.TileSize, row*cfg.TileSize, cfg)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return field, nil
}

// costs tracks the two lowest distinct candidate costs.
type costs struct {
	best, second int
}

func (c *costs) add(v int) {
	switch {
	case v < c.best:
		c.second = c.best
		c.best = v
	case v < c.second:
		c.second = v
	}
}

func (c *costs) confidence() float64 {
	if c.second == math.MaxInt || c.second == 0 {
		return 0
	}
	return 1 - float64(c.best)/float64(c.second)
}

func searchTile(cur *pyramid, refs []*pyramid, x0, y0 int, cfg Config) Vector {
	n := cfg.TileSize
	radius := cfg.SearchRadius
	best := Vector{Intra: true}
	bestCost := math.MaxInt

	for ref, rp := range refs {
		all := costs{best: math.MaxInt, second: math.MaxInt}
		// Coarsest level: full search.
		top := pyramidLevels - 1
		scale := 1 << top
		rc := max(1, (radius+scale-1)/scale)
		bx, by := 0, 0
		bc := sad(&cur[top], &rp[top], x0/scale, y0/scale, max(1, n/scale), 0, 0)
		for dy := -rc; dy <= rc; dy++ {
			for dx := -rc; dx <= rc; dx++ {
				if c := sad(&cur[top], &rp[top], x0/scale, y0/scale, max(1, n/scale), dx, dy); c < bc {
					bc, bx, by = c, dx, dy
				}
			}
		}
		// Middle levels: ±1 around the doubled vector.
		for l := top - 1; l > 0; l-- {
			s := 1 << l
			bx, by = 2*bx, 2*by
			cx, cy := bx, by
			bc = math.MaxInt
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					c := sad(&cur[l], &rp[l], x0/s, y0/s, max(1, n/s), cx+dx, cy+dy)
					if c < bc {
						bc, bx, by = c, cx+dx, cy+dy
					}
				}
			}
		}
		// Full resolution: ±1 integer, then ±1 half-pel. Every candidate
		// here feeds the reference's confidence measure.
		cx, cy := 2*bx, 2*by
		ib, ibx, iby := math.MaxInt, 0, 0
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				vx, vy := clampVec(cx+dx, radius), clampVec(cy+dy, radius)
				if vx != cx+dx || vy != cy+dy {
					continue
				}
				c := sadHalf(&cur[0], &rp[0], x0, y0, n, 2*vx, 2*vy)
				all.add(c)
				if c < ib {
					ib, ibx, iby = c, vx, vy
				}
			}
		}
		if ib == math.MaxInt {
			continue
		}
		hx, hy, hb := 2*ibx, 2*iby, ib
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				vx, vy := 2*ibx+dx, 2*iby+dy
				if abs(vx) > 2*radius || abs(vy) > 2*radius {
					continue
				}
				c := sadHalf(&cur[0], &rp[0], x0, y0, n, vx, vy)
				all.add(c)
				if c < hb {
					hx, hy, hb = vx, vy, c
				}
			}
		}
		if hb < bestCost {
			bestCost = hb
			best = Vector{DX: hx, DY: hy, Ref: ref, Confidence: all.confidence()}
		}
	}
	if bestCost == math.MaxInt {
		return Vector{Intra: true}
	}
	if best.Confidence < cfg.Confidence || bestCost >= activity(&cur[0], x0, y0, n) {
		return Vector{Intra: true, Confidence: best.Confidence}
	}
	return best
}

// sad is the sum of absolute differences between the current block at
// (x0, y0) and the reference block displaced by (dx, dy) integer pixels.
// Only samples inside the current frame count.
func sad(cur, ref *level, x0, y0, n, dx, dy int) int {
	var sum int
	for y := y0; y < min(y0+n, cur.h); y++ {
		for x := x0; x < min(x0+n, cur.w); x++ {
			sum += abs(int(cur.pix[y*cur.w+x]) - ref.at(x+dx, y+dy))
		}
	}
	return sum
}

// sadHalf is sad with a half-pel vector, interpolated as Block does.
func sadHalf(cur, ref *level, x0, y0, n, vx, vy int) int {
	var sum int
	for y := y0; y < min(y0+n, cur.h); y++ {
		for x := x0; x < min(x0+n, cur.w); x++ {
			p := Sample(ref.pix, ref.w, ref.h, 2*x+vx, 2*y+vy, 1)
			sum += abs(int(cur.pix[y*cur.w+x]) - int(p))
		}
	}
	return sum
}

// activity is the tile's sum of absolute deviations from its mean, the
// intra cost proxy.
func activity(cur *level, x0, y0, n int) int {
	var sum, cnt int
	for y := y0; y < min(y0+n, cur.h); y++ {
		for x := x0; x < min(x0+n, cur.w); x++ {
			sum += int(cur.pix[y*cur.w+x])
			cnt++
		}
	}
	if cnt == 0 {
		return 0
	}
	mean := (sum + cnt/2) / cnt
	var act int
	for y := y0; y < min(y0+n, cur.h); y++ {
		for x := x0; x < min(x0+n, cur.w); x++ {
			act += abs(int(cur.pix[y*cur.w+x]) - mean)
		}
	}
	return act
}

func clampVec(v, radius int) int { return min(max(v, -radius), radius) }

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
