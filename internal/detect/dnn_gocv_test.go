//go:build gocv

package detect

import (
	"context"
	"image"
	"image/color"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func stripes(w, h int, c color.NRGBA) *image.NRGBA {
	img := blankImage(w, h)
	for y := 0; y < h; y += 8 {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// Concurrent segmentations must match running each image alone.
func TestDNNSegmenterConcurrentMatchesSerial(t *testing.T) {
	model := os.Getenv("GEOLOCATE_TEST_MODEL")
	if model == "" {
		t.Skip("GEOLOCATE_TEST_MODEL not set")
	}
	seg, err := NewDNNSegmenter(model, os.Getenv("GEOLOCATE_TEST_MODEL_CONFIG"), "", 0)
	require.NoError(t, err)
	defer seg.Close()

	imgs := []*image.NRGBA{
		blankImage(96, 64),
		stripes(96, 64, color.NRGBA{R: 150, G: 75, B: 40, A: 255}),
		stripes(96, 64, color.NRGBA{R: 90, G: 90, B: 90, A: 255}),
	}
	want := make([]*SegmentationMap, len(imgs))
	for i, img := range imgs {
		want[i], err = seg.Segment(context.Background(), img)
		require.NoError(t, err)
	}

	const rounds = 8
	got := make([]*SegmentationMap, len(imgs)*rounds)
	errs := make([]error, len(got))
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = seg.Segment(context.Background(), imgs[i%len(imgs)])
		}(i)
	}
	wg.Wait()

	for i := range got {
		require.NoError(t, errs[i])
		require.Equal(t, want[i%len(imgs)].Classes, got[i].Classes, "image %d", i%len(imgs))
	}
}
