package server

import (
	"bufio"
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"geolocate/internal/calc"
	"geolocate/internal/detect"
	"geolocate/internal/geo"
	"geolocate/internal/logging"
	"geolocate/internal/render"
	"geolocate/internal/results"

	"github.com/stretchr/testify/require"
)

type blankSource struct{}

func (blankSource) Resolve(ctx context.Context, ref string) (*image.NRGBA, error) {
	return image.NewNRGBA(image.Rect(0, 0, 200, 150)), nil
}

func newTestServer(t *testing.T) (*httptest.Server, *calc.Service) {
	t.Helper()
	engine := detect.NewEngine(logging.Discard(), detect.NewSynthetic(geo.DefaultJitter))
	svc := calc.NewService(context.Background(), blankSource{}, engine,
		render.New("jpeg", 80, logging.Discard()), results.NewMemoryStore(),
		calc.Options{Workers: 2}, logging.Discard())
	t.Cleanup(svc.Close)

	ts := httptest.NewServer(NewServer(":0", svc, logging.Discard()).Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func postDetect(t *testing.T, ts *httptest.Server, body string) (*http.Response, calc.Response) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/detect", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out calc.Response
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestDetectAndFetchPhoto(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, out := postDetect(t, ts, `{"method":1,"seed":42,"images":[{"imageRef":"x.jpg","lat":55.0,"lon":37.0}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Results, 1)
	require.NotEmpty(t, out.Results[0].Detections)

	u, err := url.Parse(out.Results[0].CompositeURL)
	require.NoError(t, err)
	id := u.Query().Get("id")
	require.NotEmpty(t, id)

	photo, err := http.Get(ts.URL + "/photo?id=" + id)
	require.NoError(t, err)
	defer photo.Body.Close()
	require.Equal(t, http.StatusOK, photo.StatusCode)
	require.Equal(t, "image/jpeg", photo.Header.Get("Content-Type"))
}

func TestDetectValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, body := range []string{`{"method":1,"images":[]}`, `{"method":42,"images":[{"imageRef":"a"}]}`, `not json`} {
		resp, _ := postDetect(t, ts, body)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestPhotoNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/photo?id=missing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClearReportsCount(t *testing.T) {
	ts, svc := newTestServer(t)

	postDetect(t, ts, `{"method":1,"seed":5,"images":[{"imageRef":"a.jpg"}]}`)
	stored := svc.Store().Len()
	require.Positive(t, stored)

	resp, err := http.Post(ts.URL+"/clear", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, stored, body["cleared"])
	require.Zero(t, svc.Store().Len())
}

func TestModelsMarksAvailability(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	var models []ModelInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&models))
	require.Len(t, models, len(detect.Models()))
	for _, m := range models {
		switch m.Method {
		case detect.MethodAuto, detect.MethodSynthetic:
			require.True(t, m.Available, m.Name)
		default:
			require.False(t, m.Available, m.Name)
		}
	}
}

func TestStreamPublishesResults(t *testing.T) {
	ts, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	postDetect(t, ts, `{"method":1,"seed":9,"images":[{"imageRef":"s.jpg"}]}`)

	sc := bufio.NewScanner(stream.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev streamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		require.Equal(t, "s.jpg", ev.Ref)
		require.Equal(t, "image", ev.Kind)
		return
	}
	t.Fatal("no event received")
}
