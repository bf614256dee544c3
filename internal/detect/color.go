package detect

import (
	"context"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const colorWorkingSize = 256

const (
	colorBackground = iota
	colorBuilding
	colorRoad
	colorVegetation
	colorSky
	colorWater
)

var colorLabels = []string{"background", "building", "road", "vegetation", "sky", "water"}

// ColorSegmenter classifies pixels with HSV rules on a downscaled, blurred
// copy of the image. It needs no model files.
type ColorSegmenter struct {
	WorkingSize int
	Sigma       float64
}

func NewColorSegmenter() *ColorSegmenter {
	return &ColorSegmenter{WorkingSize: colorWorkingSize, Sigma: 1.0}
}

func (c *ColorSegmenter) Labels() []string { return colorLabels }

func (c *ColorSegmenter) Segment(ctx context.Context, img *image.NRGBA) (*SegmentationMap, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	small := img
	if w > c.WorkingSize || h > c.WorkingSize {
		small = imaging.Fit(img, c.WorkingSize, c.WorkingSize, imaging.Box)
	}
	if c.Sigma > 0 {
		small = imaging.Blur(small, c.Sigma)
	}
	sw, sh := small.Bounds().Dx(), small.Bounds().Dy()

	classes := make([]int, sw*sh)
	for y := 0; y < sh; y++ {
		if y%32 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := 0; x < sw; x++ {
			i := small.PixOffset(x, y)
			p := small.Pix[i : i+3 : i+3]
			classes[y*sw+x] = classifyHSV(p[0], p[1], p[2], float64(y)/float64(sh))
		}
	}

	out := &SegmentationMap{W: w, H: h, Classes: make([]int, w*h)}
	for y := 0; y < h; y++ {
		sy := y * sh / h
		for x := 0; x < w; x++ {
			out.Classes[y*w+x] = classes[sy*sw+x*sw/w]
		}
	}
	return out, nil
}

// classifyHSV labels one pixel; row is the relative vertical position.
func classifyHSV(r, g, b uint8, row float64) int {
	hue, sat, val := toHSV(r, g, b)

	switch {
	case row < 0.5 && val > 0.6 && ((hue >= 190 && hue <= 250 && sat > 0.15) || (sat < 0.08 && val > 0.9)):
		return colorSky
	case hue >= 70 && hue <= 170 && sat > 0.2 && val > 0.15:
		return colorVegetation
	case hue >= 180 && hue <= 240 && sat > 0.3 && val < 0.6:
		return colorWater
	case row >= 0.4 && sat < 0.15 && val >= 0.2 && val <= 0.7:
		return colorRoad
	case (hue < 40 || hue > 340) && sat >= 0.2 && val >= 0.2 && val <= 0.95:
		return colorBuilding
	case sat < 0.2 && val >= 0.3:
		return colorBuilding
	}
	return colorBackground
}

func toHSV(r, g, b uint8) (h, s, v float64) {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	maxC := math.Max(rf, math.Max(gf, bf))
	minC := math.Min(rf, math.Min(gf, bf))
	delta := maxC - minC

	v = maxC
	if maxC > 0 {
		s = delta / maxC
	}
	if delta == 0 {
		return 0, s, v
	}
	switch maxC {
	case rf:
		h = 60 * math.Mod((gf-bf)/delta, 6)
	case gf:
		h = 60 * ((bf-rf)/delta + 2)
	default:
		h = 60 * ((rf-gf)/delta + 4)
	}
	if h < 0 {
		h += 360
	}
	return h, s, v
}
