package detect

import (
	"context"
	"fmt"
	"image"
	"strings"

	"geolocate/internal/geo"
)

// SegmentationMap assigns one class id per pixel of the source image.
type SegmentationMap struct {
	W, H    int
	Classes []int
}

func (s *SegmentationMap) At(x, y int) int { return s.Classes[y*s.W+x] }

// Segmenter is the capability a semantic segmentation model provides.
// Labels is the model's class vocabulary indexed by class id.
type Segmenter interface {
	Labels() []string
	Segment(ctx context.Context, img *image.NRGBA) (*SegmentationMap, error)
}

// ClassSet describes how to find a class group in a label vocabulary.
type ClassSet struct {
	Keywords []string
	Fallback []int
}

var (
	buildingClasses = ClassSet{
		Keywords: []string{"building", "house", "roof", "edifice", "skyscraper", "hovel", "hut", "tower"},
		Fallback: []int{1, 25, 48, 84},
	}
	roadClasses = ClassSet{
		Keywords: []string{"road", "street", "sidewalk", "path", "runway", "pavement"},
		Fallback: []int{6, 11, 52},
	}
)

// Resolve returns the ids whose label contains a keyword, or the fallback
// ids that exist in the vocabulary when nothing matches. Without a
// vocabulary the fallback ids are used as is.
func (c ClassSet) Resolve(labels []string) map[int]bool {
	ids := make(map[int]bool)
	for id, label := range labels {
		l := strings.ToLower(label)
		for _, kw := range c.Keywords {
			if strings.Contains(l, kw) {
				ids[id] = true
				break
			}
		}
	}
	if len(ids) > 0 {
		return ids
	}
	for _, id := range c.Fallback {
		if len(labels) == 0 || id < len(labels) {
			ids[id] = true
		}
	}
	return ids
}

// SegmentOptions are the component filters.
type SegmentOptions struct {
	MinArea       int
	MinConfidence float64
	Label         string
}

// DefaultSegmentOptions keeps components of at least 500 px² with 60% purity.
var DefaultSegmentOptions = SegmentOptions{MinArea: 500, MinConfidence: 0.6, Label: "building"}

// SegmentationStrategy turns a segmentation model into a detector.
type SegmentationStrategy struct {
	method     Method
	seg        Segmenter
	opts       SegmentOptions
	projection geo.Projection
}

func NewSegmentationStrategy(method Method, seg Segmenter, opts SegmentOptions, proj geo.Projection) *SegmentationStrategy {
	if opts.Label == "" {
		opts.Label = DefaultSegmentOptions.Label
	}
	return &SegmentationStrategy{method: method, seg: seg, opts: opts, projection: proj}
}

func (s *SegmentationStrategy) Method() Method { return s.method }

func (s *SegmentationStrategy) Detect(ctx context.Context, in Input) (Output, error) {
	if in.Image == nil {
		return Output{}, fmt.Errorf("segmentation: nil image")
	}
	segMap, err := s.seg.Segment(ctx, in.Image)
	if err != nil {
		return Output{}, fmt.Errorf("segment: %w", err)
	}
	b := in.Image.Bounds()
	if segMap.W != b.Dx() || segMap.H != b.Dy() {
		return Output{}, fmt.Errorf("segmentation map %dx%d does not match image %dx%d", segMap.W, segMap.H, b.Dx(), b.Dy())
	}

	labels := s.seg.Labels()
	building := buildingClasses.Resolve(labels)
	road := roadClasses.Resolve(labels)

	buildingMask := NewMask(segMap.W, segMap.H)
	masks := &Masks{Road: NewMask(segMap.W, segMap.H), Other: NewMask(segMap.W, segMap.H)}
	for i, cls := range segMap.Classes {
		switch {
		case building[cls]:
			buildingMask.Bits[i] = true
		case road[cls]:
			masks.Road.Bits[i] = true
		case cls != 0:
			masks.Other.Bits[i] = true
		}
	}

	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	cleaned := buildingMask.Open().Close()
	var dets []Detection
	for _, comp := range cleaned.Components(s.opts.MinArea) {
		purity := dominantShare(comp, segMap, building)
		if purity < s.opts.MinConfidence {
			continue
		}
		r := comp.Bounds
		cx, cy := comp.Centroid()
		d := Detection{
			Method:     s.method,
			Label:      s.opts.Label,
			BBox:       BBox{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()},
			Confidence: geo.Round(purity, 3),
		}
		d.SetLocation(s.projection.Project(in.Shot, cx, cy, segMap.W, segMap.H, float64(comp.Area())))
		dets = append(dets, d)
	}

	return Output{Detections: dets, Masks: masks}, nil
}

// dominantShare is the fraction of component pixels that belong to the most
// frequent building class.
func dominantShare(comp Component, segMap *SegmentationMap, building map[int]bool) float64 {
	if comp.Area() == 0 {
		return 0
	}
	counts := make(map[int]int)
	best := 0
	for _, idx := range comp.Pixels {
		cls := segMap.Classes[idx]
		if !building[cls] {
			continue
		}
		counts[cls]++
		if counts[cls] > best {
			best = counts[cls]
		}
	}
	return float64(best) / float64(comp.Area())
}
