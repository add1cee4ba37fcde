package motion

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zsiec/afiyah/media"
)

// Reference window bounds.
const (
	MinWindow = 1
	MaxWindow = 4
)

var ErrWindowSize = errors.New("motion: reference window must hold 1 to 4 frames")

// Window is a ring of decoded reference frames addressed by index, 0 being
// the newest. Each slot remembers the number of the frame it holds and
// whether that frame was reconstructed from a partial record. A Window has
// a single writer; concurrent readers are safe between writes.
type Window struct {
	size int
	// slots may hold nil entries in a window built by Select.
	slots []*slot
}

type slot struct {
	frame   *media.Frame
	number  uint64
	tainted bool

	once sync.Once
	pyr  pyramid
}

func (s *slot) pyramid() *pyramid {
	s.once.Do(func() { s.pyr = buildPyramid(s.frame.Y, s.frame.Width, s.frame.Height) })
	return &s.pyr
}

// NewWindow returns an empty window holding up to size frames.
func NewWindow(size int) (*Window, error) {
	if size < MinWindow || size > MaxWindow {
		return nil, fmt.Errorf("%w: %d", ErrWindowSize, size)
	}
	return &Window{size: size}, nil
}

// Size returns the window capacity.
func (w *Window) Size() int { return w.size }

// Len returns the number of slots, including unresolved ones.
func (w *Window) Len() int { return len(w.slots) }

// Push makes f, coded as frame number, the newest reference, evicting the
// oldest when full. f must not be modified afterwards.
func (w *Window) Push(f *media.Frame, number uint64, tainted bool) {
	s := &slot{frame: f, number: number, tainted: tainted}
	if len(w.slots) < w.size {
		w.slots = append(w.slots, nil)
	}
	copy(w.slots[1:], w.slots)
	w.slots[0] = s
}

// Ref returns reference i, or nil when out of range or unresolved.
func (w *Window) Ref(i int) *media.Frame {
	if i < 0 || i >= len(w.slots) || w.slots[i] == nil {
		return nil
	}
	return w.slots[i].frame
}

// Numbers returns the frame numbers of the references, newest first.
func (w *Window) Numbers() []uint64 {
	out := make([]uint64, 0, len(w.slots))
	for _, s := range w.slots {
		if s != nil {
			out = append(out, s.number)
		}
	}
	return out
}

// Tainted reports whether reference i was built from a partial frame.
// Missing references count as tainted.
func (w *Window) Tainted(i int) bool {
	if i < 0 || i >= len(w.slots) || w.slots[i] == nil {
		return true
	}
	return w.slots[i].tainted
}

// Select returns a window whose slot i holds the reference coded as
// numbers[i]. References this window does not hold stay unresolved, so
// predictions from them fail instead of using the wrong frame.
func (w *Window) Select(numbers []uint64) *Window {
	out := &Window{size: max(w.size, len(numbers)), slots: make([]*slot, len(numbers))}
	for i, n := range numbers {
		for _, s := range w.slots {
			if s != nil && s.number == n {
				out.slots[i] = s
				break
			}
		}
	}
	return out
}

// Reset drops every reference.
func (w *Window) Reset() { w.slots = w.slots[:0] }

// Snapshot returns a copy of the window sharing the reference frames. The
// codec estimates against a snapshot and commits by replacing its window.
func (w *Window) Snapshot() *Window {
	return &Window{size: w.size, slots: append([]*slot(nil), w.slots...)}
}
