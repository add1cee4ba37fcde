package motion

// pyramidLevels is the number of resolutions searched, full size included.
const pyramidLevels = 3

type level struct {
	w, h int
	pix  []uint8
}

type pyramid [pyramidLevels]level

// buildPyramid halves the plane twice by 2×2 averaging.
func buildPyramid(pix []uint8, w, h int) pyramid {
	var p pyramid
	p[0] = level{w: w, h: h, pix: pix}
	for l := 1; l < pyramidLevels; l++ {
		p[l] = downsample(p[l-1])
	}
	return p
}

func downsample(src level) level {
	w, h := (src.w+1)/2, (src.h+1)/2
	dst := level{w: w, h: h, pix: make([]uint8, w*h)}
	for y := range h {
		for x := range w {
			var sum, n int
			for dy := range 2 {
				for dx := range 2 {
					sx, sy := 2*x+dx, 2*y+dy
					if sx < src.w && sy < src.h {
						sum += int(src.pix[sy*src.w+sx])
						n++
					}
				}
			}
			dst.pix[y*w+x] = uint8((sum + n/2) / n)
		}
	}
	return dst
}

func (l *level) at(x, y int) int {
	x = min(max(x, 0), l.w-1)
	y = min(max(y, 0), l.h-1)
	return int(l.pix[y*l.w+x])
}
