package detect

import "image"

// Mask is a binary image stored row-major.
type Mask struct {
	W, H int
	Bits []bool
}

func NewMask(w, h int) *Mask {
	return &Mask{W: w, H: h, Bits: make([]bool, w*h)}
}

func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return false
	}
	return m.Bits[y*m.W+x]
}

func (m *Mask) Set(x, y int, v bool) {
	m.Bits[y*m.W+x] = v
}

// Count returns the number of set pixels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// Erode keeps a pixel only if its whole 3×3 neighbourhood is set.
// Out-of-bounds neighbours count as unset.
func (m *Mask) Erode() *Mask {
	out := NewMask(m.W, m.H)
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if !m.Bits[y*m.W+x] {
				continue
			}
			keep := true
			for dy := -1; dy <= 1 && keep; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if !m.At(x+dx, y+dy) {
						keep = false
						break
					}
				}
			}
			out.Bits[y*m.W+x] = keep
		}
	}
	return out
}

// Dilate sets a pixel if any pixel in its 3×3 neighbourhood is set.
func (m *Mask) Dilate() *Mask {
	out := NewMask(m.W, m.H)
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if !m.Bits[y*m.W+x] {
				continue
			}
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx >= 0 && ny >= 0 && nx < m.W && ny < m.H {
						out.Bits[ny*m.W+nx] = true
					}
				}
			}
		}
	}
	return out
}

// Open removes specks smaller than the kernel.
func (m *Mask) Open() *Mask { return m.Erode().Dilate() }

// Close fills holes smaller than the kernel.
func (m *Mask) Close() *Mask { return m.Dilate().Erode() }

// Component is one 8-connected region of a mask.
type Component struct {
	Pixels []int // indices into the mask
	Bounds image.Rectangle
	SumX   int
	SumY   int
}

func (c Component) Area() int { return len(c.Pixels) }

// Centroid returns the mean pixel position.
func (c Component) Centroid() (float64, float64) {
	if len(c.Pixels) == 0 {
		return 0, 0
	}
	n := float64(len(c.Pixels))
	return float64(c.SumX) / n, float64(c.SumY) / n
}

// Components labels 8-connected regions with a breadth-first fill and
// returns those with at least minArea pixels, in scan order.
func (m *Mask) Components(minArea int) []Component {
	visited := make([]bool, len(m.Bits))
	var comps []Component
	queue := make([]int, 0, 64)

	for start, set := range m.Bits {
		if !set || visited[start] {
			continue
		}

		visited[start] = true
		queue = append(queue[:0], start)
		sx, sy := start%m.W, start/m.W
		comp := Component{Bounds: image.Rect(sx, sy, sx+1, sy+1)}

		for len(queue) > 0 {
			idx := queue[0]
			queue = queue[1:]
			x, y := idx%m.W, idx/m.W

			comp.Pixels = append(comp.Pixels, idx)
			comp.SumX += x
			comp.SumY += y
			comp.Bounds = comp.Bounds.Union(image.Rect(x, y, x+1, y+1))

			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= m.W || ny >= m.H {
						continue
					}
					n := ny*m.W + nx
					if m.Bits[n] && !visited[n] {
						visited[n] = true
						queue = append(queue, n)
					}
				}
			}
		}

		if comp.Area() >= minArea {
			comps = append(comps, comp)
		}
	}
	return comps
}
