package detect

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"geolocate/internal/geo"
)

const syntheticMargin = 10

// Synthetic generates plausible-looking random boxes. With a seed the output
// depends only on the seed and the image size.
type Synthetic struct {
	Jitter geo.Jitter
	Label  string
}

// NewSynthetic returns a synthetic strategy using jitter for coordinates.
func NewSynthetic(jitter geo.Jitter) *Synthetic {
	return &Synthetic{Jitter: jitter, Label: "house"}
}

func (s *Synthetic) Method() Method { return MethodSynthetic }

func (s *Synthetic) Detect(ctx context.Context, in Input) (Output, error) {
	if in.Image == nil {
		return Output{}, fmt.Errorf("synthetic: nil image")
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	b := in.Image.Bounds()
	return Output{Detections: s.generate(newRand(in.Seed), b.Dx(), b.Dy(), in.Shot)}, nil
}

func (s *Synthetic) generate(rng *rand.Rand, w, h int, shot *geo.Point) []Detection {
	if w <= 0 || h <= 0 {
		return nil
	}

	n := 1 + rng.Intn(5)
	out := make([]Detection, 0, n)
	for i := 0; i < n; i++ {
		bw := max(1, int(float64(w)*uniform(rng, 0.10, 0.40)))
		bh := max(1, int(float64(h)*uniform(rng, 0.10, 0.30)))
		x := place(rng, w, bw)
		y := place(rng, h, bh)

		d := Detection{
			Method:     MethodSynthetic,
			Label:      s.Label,
			BBox:       BBox{X: x, Y: y, W: bw, H: bh},
			Confidence: geo.Round(uniform(rng, 0.5, 0.999), 3),
		}
		if shot != nil {
			p := s.Jitter.Apply(rng, *shot)
			d.SetLocation(&p)
		}
		out = append(out, d)
	}
	return out
}

// place picks an offset for a span of length size inside [0, total),
// keeping the margin when the image is large enough for it.
func place(rng *rand.Rand, total, size int) int {
	lo, hi := syntheticMargin, total-size-syntheticMargin
	if hi < lo {
		lo, hi = 0, total-size
	}
	if hi <= lo {
		return max(lo, 0)
	}
	return lo + rng.Intn(hi-lo+1)
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func newRand(seed *int64) *rand.Rand {
	if seed != nil {
		return rand.New(rand.NewSource(*seed))
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
