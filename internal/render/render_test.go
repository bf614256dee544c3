package render

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"geolocate/internal/detect"
	"geolocate/internal/logging"

	"github.com/stretchr/testify/require"
)

func whiteImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

func ptr(v float64) *float64 { return &v }

func sampleDetections() []detect.Detection {
	return []detect.Detection{
		{ID: "1", BBox: detect.BBox{X: 20, Y: 30, W: 200, H: 60}, Confidence: 0.873, Lat: ptr(55.123456), Lon: ptr(37.654321)},
		{ID: "2", BBox: detect.BBox{X: 10, Y: 0, W: 40, H: 40}, Confidence: 0.5},
		{ID: "3", BBox: detect.BBox{X: 250, Y: 100, W: 30, H: 30}, Confidence: 0.999},
	}
}

func TestRenderAllDrawsEveryBoxAndStatusBar(t *testing.T) {
	src := whiteImage(300, 200)
	orig := append([]byte(nil), src.Pix...)
	seed := int64(42)

	r := New("jpeg", 85, logging.Discard())
	out := r.RenderAll(src, sampleDetections(), detect.MethodSynthetic, &seed, nil)

	require.False(t, out.Placeholder)
	require.Equal(t, 3, out.Boxes)
	require.True(t, out.StatusBar)
	require.Equal(t, "image/jpeg", out.ContentType)
	require.Equal(t, orig, src.Pix, "source must not be mutated")

	img, err := jpeg.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	require.Equal(t, src.Bounds(), img.Bounds())
}

func TestRenderSingleDrawsOneBoxNoStatusBar(t *testing.T) {
	r := New("jpeg", 85, logging.Discard())
	out := r.RenderSingle(whiteImage(300, 200), sampleDetections(), 2)

	require.False(t, out.Placeholder)
	require.Equal(t, 1, out.Boxes)
	require.False(t, out.StatusBar)
}

func TestRenderEmptyListStillHasStatusBar(t *testing.T) {
	r := New("jpeg", 85, logging.Discard())
	out := r.RenderAll(whiteImage(100, 100), nil, detect.MethodColor, nil, nil)
	require.Zero(t, out.Boxes)
	require.True(t, out.StatusBar)
}

func TestPaletteColorsAndWidths(t *testing.T) {
	dets := sampleDetections()

	c, err := annotate(whiteImage(300, 200), dets, Options{Mode: ModeAll})
	require.NoError(t, err)
	// right edge of box 1 (no badge there), palette index 0
	require.Equal(t, Palette[0], c.img.NRGBAAt(219, 60))
	require.Equal(t, Palette[0], c.img.NRGBAAt(218, 60))
	require.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, c.img.NRGBAAt(217, 60))
	// box 3 gets palette index 2
	require.Equal(t, Palette[2], c.img.NRGBAAt(279, 115))

	c, err = annotate(whiteImage(300, 200), dets, Options{Mode: ModeSingle, Index: 2})
	require.NoError(t, err)
	// single mode is always pink with a doubled outline
	for x := 276; x < 280; x++ {
		require.Equal(t, Palette[0], c.img.NRGBAAt(x, 115))
	}
	require.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, c.img.NRGBAAt(275, 115))
	require.Equal(t, 1, c.boxes)
	require.Zero(t, c.bars)
}

func TestMaskOverlayTintsPixels(t *testing.T) {
	road := detect.NewMask(50, 50)
	for x := 0; x < 50; x++ {
		road.Set(x, 10, true)
	}
	c, err := annotate(whiteImage(50, 50), nil, Options{Mode: ModeAll, Masks: &detect.Masks{Road: road}})
	require.NoError(t, err)

	tinted := c.img.NRGBAAt(25, 10)
	require.Less(t, tinted.R, uint8(255))
	require.Equal(t, uint8(255), tinted.B)
	require.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, c.img.NRGBAAt(25, 11))
}

func TestRenderFailureYieldsPlaceholder(t *testing.T) {
	r := New("jpeg", 85, logging.Discard())

	out := r.RenderSingle(whiteImage(120, 80), sampleDetections(), 7)
	require.True(t, out.Placeholder)
	require.Zero(t, out.Boxes)
	require.NotEmpty(t, out.Data)

	img, err := jpeg.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	require.Equal(t, 120, img.Bounds().Dx())

	out = r.RenderAll(nil, nil, 0, nil, nil)
	require.True(t, out.Placeholder)
	require.NotEmpty(t, out.Data)
}

func TestPlaceholderIsGrayWithText(t *testing.T) {
	img := Placeholder(200, 100, "boom")
	require.Equal(t, color.NRGBA{R: 128, G: 128, B: 128, A: 255}, img.NRGBAAt(199, 99))

	white := 0
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] > 200 {
			white++
		}
	}
	require.Positive(t, white)
}

func TestWebPOutput(t *testing.T) {
	r := New("webp", 80, logging.Discard())
	out := r.RenderAll(whiteImage(64, 64), nil, 1, nil, nil)
	require.False(t, out.Placeholder)
	require.Equal(t, "image/webp", out.ContentType)
	require.Equal(t, "RIFF", string(out.Data[:4]))
}

func TestWrap(t *testing.T) {
	require.Equal(t, []string{"aaa bbb", "ccc"}, wrap("aaa bbb ccc", 8))
	require.Equal(t, []string{"abcd", "ef"}, wrap("abcdef", 4))
}
