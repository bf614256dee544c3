package calc

import (
	"context"
	"image"
	"strconv"
	"strings"
	"testing"

	"geolocate/internal/apperr"
	"geolocate/internal/detect"
	"geolocate/internal/geo"
	"geolocate/internal/logging"
	"geolocate/internal/render"
	"geolocate/internal/results"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	missing map[string]bool
}

func (f fakeSource) Resolve(ctx context.Context, ref string) (*image.NRGBA, error) {
	if f.missing[ref] {
		return nil, apperr.Errorf(apperr.KindFetch, "fake.Resolve", "cannot fetch %s", ref)
	}
	return image.NewNRGBA(image.Rect(0, 0, 320, 240)), nil
}

func newTestService(t *testing.T, src ImageSource) *Service {
	t.Helper()
	engine := detect.NewEngine(logging.Discard(), detect.NewSynthetic(geo.DefaultJitter))
	svc := NewService(context.Background(), src, engine,
		render.New("jpeg", 80, logging.Discard()),
		results.NewMemoryStore(),
		Options{Workers: 2, PublicURL: "http://calc:5003/"},
		logging.Discard())
	t.Cleanup(svc.Close)
	return svc
}

func seed(v int64) *int64 { return &v }

func TestDetectSyntheticStoresRenders(t *testing.T) {
	svc := newTestService(t, fakeSource{})
	lat, lon := 55.75, 37.61

	resp, err := svc.Detect(context.Background(), Request{
		Method: int(detect.MethodSynthetic),
		Seed:   seed(42),
		Images: []ImageRequest{{ImageRef: "a.jpg", Lat: &lat, Lon: &lon}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	res := resp.Results[0]
	require.Empty(t, res.Error)
	require.Equal(t, int(detect.MethodSynthetic), res.Method)
	require.True(t, strings.HasPrefix(res.CompositeURL, "http://calc:5003/photo?id="))
	require.NotEmpty(t, res.Detections)
	require.Equal(t, len(res.Detections)+1, svc.Store().Len())

	for i, d := range res.Detections {
		require.Equal(t, strconv.Itoa(i+1), d.ID)
		require.NotEmpty(t, d.SingleURL)
		require.NotNil(t, d.Lat)
		require.NotNil(t, d.Lon)
		require.Less(t, geo.Haversine(geo.Point{Lat: lat, Lon: lon}, geo.Point{Lat: *d.Lat, Lon: *d.Lon}), 101.0)
	}
}

func TestDetectIsDeterministicWithSeed(t *testing.T) {
	svc := newTestService(t, fakeSource{})
	req := Request{Method: int(detect.MethodSynthetic), Seed: seed(7), Images: []ImageRequest{{ImageRef: "a.jpg"}}}

	first, err := svc.Detect(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Detect(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, len(first.Results[0].Detections), len(second.Results[0].Detections))
	for i := range first.Results[0].Detections {
		require.Equal(t, first.Results[0].Detections[i].BBox, second.Results[0].Detections[i].BBox)
		require.Nil(t, first.Results[0].Detections[i].Lat)
	}
}

func TestDetectIsolatesFailingImages(t *testing.T) {
	svc := newTestService(t, fakeSource{missing: map[string]bool{"gone.jpg": true}})

	resp, err := svc.Detect(context.Background(), Request{
		Method: int(detect.MethodSynthetic),
		Seed:   seed(1),
		Images: []ImageRequest{{ImageRef: "a.jpg"}, {ImageRef: "gone.jpg"}, {ImageRef: "b.jpg"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)

	require.Equal(t, "gone.jpg", resp.Results[1].ImageRef)
	require.Equal(t, "fetch", resp.Results[1].ErrorKind)
	require.NotNil(t, resp.Results[1].Detections)
	require.Empty(t, resp.Results[1].Detections)

	for _, i := range []int{0, 2} {
		require.Empty(t, resp.Results[i].Error)
		require.NotEmpty(t, resp.Results[i].Detections)
	}
	require.True(t, strings.HasPrefix(resp.Results[2].Detections[0].ID, "3."))
}

func TestDetectRejectsBadRequests(t *testing.T) {
	svc := newTestService(t, fakeSource{})

	_, err := svc.Detect(context.Background(), Request{Method: 1})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = svc.Detect(context.Background(), Request{Method: 99, Images: []ImageRequest{{ImageRef: "a.jpg"}}})
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestDetectUnavailableMethodIsPerImage(t *testing.T) {
	svc := newTestService(t, fakeSource{})

	resp, err := svc.Detect(context.Background(), Request{
		Method: int(detect.MethodDNN),
		Images: []ImageRequest{{ImageRef: "a.jpg"}},
	})
	require.NoError(t, err)
	require.Equal(t, "detection", resp.Results[0].ErrorKind)
}

func TestDetectAutoFallsBackToSynthetic(t *testing.T) {
	svc := newTestService(t, fakeSource{})

	resp, err := svc.Detect(context.Background(), Request{
		Method: int(detect.MethodAuto),
		Seed:   seed(3),
		Images: []ImageRequest{{ImageRef: "a.jpg"}},
	})
	require.NoError(t, err)
	require.Equal(t, int(detect.MethodSynthetic), resp.Results[0].Method)
	require.Equal(t, len(resp.Results[0].Detections), resp.DetectionCount())
}
