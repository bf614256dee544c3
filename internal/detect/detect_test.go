package detect

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"geolocate/internal/apperr"
	"geolocate/internal/geo"
	"geolocate/internal/logging"

	"github.com/stretchr/testify/require"
)

func blankImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

func seed(v int64) *int64 { return &v }

func TestSyntheticDeterministicForSeed(t *testing.T) {
	engine := NewEngine(logging.Discard(), NewSynthetic(geo.DefaultJitter))
	img := blankImage(800, 600)
	shot := &geo.Point{Lat: 55.0, Lon: 37.0}

	first, err := engine.Detect(context.Background(), Input{Image: img, Shot: shot, Seed: seed(42)}, MethodSynthetic)
	require.NoError(t, err)
	second, err := engine.Detect(context.Background(), Input{Image: img, Shot: shot, Seed: seed(42)}, MethodSynthetic)
	require.NoError(t, err)
	other, err := engine.Detect(context.Background(), Input{Image: img, Shot: shot, Seed: seed(43)}, MethodSynthetic)
	require.NoError(t, err)

	require.NotEmpty(t, first.Detections)
	require.LessOrEqual(t, len(first.Detections), 5)
	require.Equal(t, first.Detections, second.Detections)
	require.NotEqual(t, first.Detections, other.Detections)

	for i, d := range first.Detections {
		require.Equal(t, MethodSynthetic, d.Method)
		require.Equal(t, []string{"1", "2", "3", "4", "5"}[i], d.ID)
		require.True(t, d.BBox.Within(800, 600), "box %+v out of bounds", d.BBox)
		require.GreaterOrEqual(t, d.BBox.X, syntheticMargin)
		require.GreaterOrEqual(t, d.BBox.Y, syntheticMargin)
		require.GreaterOrEqual(t, d.BBox.W, 80)
		require.LessOrEqual(t, d.BBox.W, 320)
		require.GreaterOrEqual(t, d.BBox.H, 60)
		require.LessOrEqual(t, d.BBox.H, 180)
		require.GreaterOrEqual(t, d.Confidence, 0.5)
		require.LessOrEqual(t, d.Confidence, 0.999)
		require.Equal(t, geo.Round(d.Confidence, 3), d.Confidence)
		require.NotNil(t, d.Lat)
		require.NotNil(t, d.Lon)
		require.LessOrEqual(t, geo.Haversine(*shot, geo.Point{Lat: *d.Lat, Lon: *d.Lon}), 100.5)
	}
}

func TestSyntheticBoundsOnManySeedsAndSizes(t *testing.T) {
	s := NewSynthetic(geo.DefaultJitter)
	sizes := [][2]int{{800, 600}, {64, 48}, {15, 12}, {1, 1}}
	for _, size := range sizes {
		for v := int64(0); v < 200; v++ {
			out, err := s.Detect(context.Background(), Input{Image: blankImage(size[0], size[1]), Seed: seed(v)})
			require.NoError(t, err)
			require.NotEmpty(t, out.Detections)
			for _, d := range out.Detections {
				require.True(t, d.BBox.Within(size[0], size[1]), "size %v seed %d box %+v", size, v, d.BBox)
				require.Nil(t, d.Lat)
			}
		}
	}
}

type fakeStrategy struct {
	method Method
	count  int
	err    error
	calls  int
}

func (f *fakeStrategy) Method() Method { return f.method }

func (f *fakeStrategy) Detect(ctx context.Context, in Input) (Output, error) {
	f.calls++
	if f.err != nil {
		return Output{}, f.err
	}
	dets := make([]Detection, f.count)
	for i := range dets {
		dets[i] = Detection{BBox: BBox{X: i, Y: i, W: 1, H: 1}, Confidence: 0.9}
	}
	return Output{Detections: dets}, nil
}

func TestAutoPicksMaxCountLowestIDOnTie(t *testing.T) {
	low := &fakeStrategy{method: 2, count: 3}
	high := &fakeStrategy{method: 3, count: 3}
	weak := &fakeStrategy{method: 4, count: 1}
	synth := &fakeStrategy{method: MethodSynthetic, count: 10}

	// registration order must not matter
	engine := NewEngine(logging.Discard(), synth, weak, high, low)
	out, err := engine.Detect(context.Background(), Input{Image: blankImage(10, 10)}, MethodAuto)
	require.NoError(t, err)
	require.Equal(t, Method(2), out.Method)
	require.Len(t, out.Detections, 3)
	require.Equal(t, map[Method]int{2: 3, 3: 3, 4: 1}, out.Counts)
	require.Zero(t, synth.calls, "synthetic never competes in auto")
	for _, d := range out.Detections {
		require.Equal(t, Method(2), d.Method)
	}

	for m, n := range out.Counts {
		require.GreaterOrEqual(t, len(out.Detections), n, "method %d", m)
	}
}

func TestAutoSkipsFailingCandidates(t *testing.T) {
	broken := &fakeStrategy{method: 2, err: errors.New("boom")}
	ok := &fakeStrategy{method: 3, count: 2}
	engine := NewEngine(logging.Discard(), NewSynthetic(geo.DefaultJitter), broken, ok)

	out, err := engine.Detect(context.Background(), Input{Image: blankImage(10, 10)}, MethodAuto)
	require.NoError(t, err)
	require.Equal(t, Method(3), out.Method)

	engine = NewEngine(logging.Discard(), nil, broken)
	_, err = engine.Detect(context.Background(), Input{Image: blankImage(10, 10)}, MethodAuto)
	require.Equal(t, apperr.KindDetection, apperr.KindOf(err))
}

func TestAutoWithoutModelsUsesSynthetic(t *testing.T) {
	engine := NewEngine(logging.Discard(), NewSynthetic(geo.DefaultJitter))
	out, err := engine.Detect(context.Background(), Input{Image: blankImage(200, 200), Seed: seed(1)}, MethodAuto)
	require.NoError(t, err)
	require.Equal(t, MethodSynthetic, out.Method)
}

func TestExplicitMethodErrors(t *testing.T) {
	engine := NewEngine(logging.Discard(), NewSynthetic(geo.DefaultJitter))

	_, err := engine.Detect(context.Background(), Input{Image: blankImage(10, 10)}, MethodDNN)
	require.Equal(t, apperr.KindDetection, apperr.KindOf(err))

	_, err = engine.Detect(context.Background(), Input{Image: blankImage(10, 10)}, Method(99))
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = engine.Detect(context.Background(), Input{}, MethodSynthetic)
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestMaskOpenCloseAndComponents(t *testing.T) {
	m := NewMask(40, 20)
	fill := func(x0, y0, x1, y1 int) {
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				m.Set(x, y, true)
			}
		}
	}
	fill(2, 2, 12, 12)   // 100 px block
	fill(20, 5, 30, 15)  // second block
	m.Set(35, 2, true)   // speck removed by opening
	m.Set(6, 6, false)   // hole filled by closing
	fill(12, 12, 13, 13) // diagonal touch does not survive opening

	cleaned := m.Open().Close()
	require.False(t, cleaned.At(35, 2))
	require.True(t, cleaned.At(6, 6))

	comps := cleaned.Components(50)
	require.Len(t, comps, 2)
	require.Equal(t, image.Rect(2, 2, 12, 12), comps[0].Bounds)
	require.Equal(t, 100, comps[0].Area())
	cx, cy := comps[0].Centroid()
	require.InDelta(t, 6.5, cx, 1e-9)
	require.InDelta(t, 6.5, cy, 1e-9)

	require.Empty(t, cleaned.Components(101))
}

func TestComponentsAreEightConnected(t *testing.T) {
	m := NewMask(4, 4)
	m.Set(0, 0, true)
	m.Set(1, 1, true)
	m.Set(2, 2, true)
	require.Len(t, m.Components(1), 1)
	require.Equal(t, 3, m.Components(1)[0].Area())
}

type gridSegmenter struct {
	labels []string
	fn     func(x, y int) int
}

func (g gridSegmenter) Labels() []string { return g.labels }

func (g gridSegmenter) Segment(ctx context.Context, img *image.NRGBA) (*SegmentationMap, error) {
	b := img.Bounds()
	m := &SegmentationMap{W: b.Dx(), H: b.Dy(), Classes: make([]int, b.Dx()*b.Dy())}
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			m.Classes[y*m.W+x] = g.fn(x, y)
		}
	}
	return m, nil
}

func TestSegmentationStrategyFiltersAndProjects(t *testing.T) {
	labels := []string{"background", "wall", "house", "road", "tree"}
	seg := gridSegmenter{labels: labels, fn: func(x, y int) int {
		switch {
		case x >= 10 && x < 50 && y >= 10 && y < 40: // 40x30 house
			return 2
		case x >= 60 && x < 70 && y >= 10 && y < 20: // 10x10 house, below min area
			return 2
		case y >= 80:
			return 3
		case x >= 100:
			return 4
		}
		return 0
	}}

	strategy := NewSegmentationStrategy(MethodColor, seg, DefaultSegmentOptions, geo.DefaultProjection)
	shot := &geo.Point{Lat: 55, Lon: 37}
	out, err := strategy.Detect(context.Background(), Input{Image: blankImage(120, 100), Shot: shot})
	require.NoError(t, err)

	require.Len(t, out.Detections, 1)
	d := out.Detections[0]
	require.Equal(t, BBox{X: 10, Y: 10, W: 40, H: 30}, d.BBox)
	require.Equal(t, 1.0, d.Confidence)
	require.Equal(t, "building", d.Label)
	require.NotNil(t, d.Lat)
	require.Less(t, *d.Lat, 55.0, "object above image center moves north-negative")
	require.Less(t, *d.Lon, 37.0)

	require.NotNil(t, out.Masks)
	require.Equal(t, 120*20, out.Masks.Road.Count())
	require.Equal(t, 20*80, out.Masks.Other.Count())
}

func TestSegmentationPurityThreshold(t *testing.T) {
	// two building classes interleaved in a checkerboard: 50% purity
	labels := []string{"background", "building", "house"}
	seg := gridSegmenter{labels: labels, fn: func(x, y int) int {
		if x < 40 && y < 40 {
			return 1 + (x+y)%2
		}
		return 0
	}}
	strategy := NewSegmentationStrategy(MethodColor, seg, DefaultSegmentOptions, geo.DefaultProjection)
	out, err := strategy.Detect(context.Background(), Input{Image: blankImage(80, 80)})
	require.NoError(t, err)
	require.Empty(t, out.Detections)

	loose := DefaultSegmentOptions
	loose.MinConfidence = 0.5
	strategy = NewSegmentationStrategy(MethodColor, seg, loose, geo.DefaultProjection)
	out, err = strategy.Detect(context.Background(), Input{Image: blankImage(80, 80)})
	require.NoError(t, err)
	require.Len(t, out.Detections, 1)
	require.Equal(t, 0.5, out.Detections[0].Confidence)
	require.Nil(t, out.Detections[0].Lat)
}

func TestClassSetFallback(t *testing.T) {
	ids := buildingClasses.Resolve([]string{"a", "b", "c"})
	require.Equal(t, map[int]bool{1: true}, ids)

	ids = roadClasses.Resolve([]string{"x", "Street Lamp", "main road"})
	require.Equal(t, map[int]bool{1: true, 2: true}, ids)
}

func TestSegmentationWithoutVocabularyUsesFallbackIDs(t *testing.T) {
	require.Equal(t, map[int]bool{1: true, 25: true, 48: true, 84: true}, buildingClasses.Resolve(nil))

	seg := gridSegmenter{fn: func(x, y int) int {
		if x >= 20 && x < 80 && y >= 20 && y < 80 {
			return 1
		}
		return 0
	}}
	strategy := NewSegmentationStrategy(MethodDNN, seg, DefaultSegmentOptions, geo.DefaultProjection)
	out, err := strategy.Detect(context.Background(), Input{Image: blankImage(100, 100)})
	require.NoError(t, err)
	require.Len(t, out.Detections, 1)
	require.Equal(t, BBox{X: 20, Y: 20, W: 60, H: 60}, out.Detections[0].BBox)
	require.Zero(t, out.Masks.Other.Count())
}

func TestColorSegmenterFindsRoof(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 400, 300))
	grass := color.NRGBA{R: 60, G: 140, B: 60, A: 255}
	roof := color.NRGBA{R: 150, G: 75, B: 40, A: 255}
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			if x >= 150 && x < 250 && y >= 110 && y < 190 {
				img.SetNRGBA(x, y, roof)
			} else {
				img.SetNRGBA(x, y, grass)
			}
		}
	}

	strategy := NewSegmentationStrategy(MethodColor, NewColorSegmenter(), DefaultSegmentOptions, geo.DefaultProjection)
	out, err := strategy.Detect(context.Background(), Input{Image: img})
	require.NoError(t, err)
	require.Len(t, out.Detections, 1)

	b := out.Detections[0].BBox
	require.InDelta(t, 150, b.X, 12)
	require.InDelta(t, 110, b.Y, 12)
	require.InDelta(t, 100, b.W, 16)
	require.InDelta(t, 80, b.H, 16)
	require.True(t, b.Within(400, 300))
}

func TestModelsTable(t *testing.T) {
	ms := Models()
	require.Equal(t, MethodAuto, ms[0].Method)
	ms[0].Name = "mutated"
	again, ok := LookupModel(MethodAuto)
	require.True(t, ok)
	require.Equal(t, "auto", again.Name)

	m, err := ParseMethod("color-segmentation")
	require.NoError(t, err)
	require.Equal(t, MethodColor, m)
	_, err = ParseMethod("42")
	require.Error(t, err)
}
