package imagesrc

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"geolocate/internal/apperr"

	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x40
	}
	img.Set(0, 0, color.NRGBA{R: 200, G: 10, B: 10, A: 0})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestResolveHTTPAndNormalize(t *testing.T) {
	data := pngBytes(t, 32, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	defer srv.Close()

	r := NewResolver(Options{ConnectTimeout: time.Second, ReadTimeout: time.Second}, nil)
	img, err := r.Resolve(context.Background(), srv.URL+"/a.png")
	require.NoError(t, err)
	require.Equal(t, 32, img.Bounds().Dx())
	require.Equal(t, 16, img.Bounds().Dy())

	c := img.NRGBAAt(0, 0)
	require.Equal(t, uint8(0xff), c.A)
	require.Equal(t, uint8(200), c.R)
}

func TestResolveHTTPStatusIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewResolver(Options{}, nil)
	_, err := r.Resolve(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, apperr.KindFetch, apperr.KindOf(err))
}

func TestResolveTimeoutIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	r := NewResolver(Options{ConnectTimeout: 50 * time.Millisecond, ReadTimeout: 50 * time.Millisecond}, nil)
	_, err := r.Resolve(context.Background(), srv.URL)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindFetch))
}

func TestResolveFileAndDecodeError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.png"), pngBytes(t, 8, 8), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.jpg"), []byte("not an image"), 0o644))

	r := NewResolver(Options{BaseDir: dir}, nil)

	img, err := r.Resolve(context.Background(), "ok.png")
	require.NoError(t, err)
	require.Equal(t, 8, img.Bounds().Dx())

	img, err = r.Resolve(context.Background(), "file://"+filepath.Join(dir, "ok.png"))
	require.NoError(t, err)
	require.NotNil(t, img)

	_, err = r.Resolve(context.Background(), "bad.jpg")
	require.Equal(t, apperr.KindDecode, apperr.KindOf(err))

	_, err = r.Resolve(context.Background(), "missing.png")
	require.Equal(t, apperr.KindFetch, apperr.KindOf(err))
}

func TestFileReferencesStayInsideBaseDir(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "uploads")
	require.NoError(t, os.MkdirAll(base, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "in.png"), pngBytes(t, 4, 4), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.png"), pngBytes(t, 4, 4), 0o644))

	r := NewResolver(Options{BaseDir: base}, nil)

	_, err := r.Resolve(context.Background(), filepath.Join(base, "in.png"))
	require.NoError(t, err)

	for _, ref := range []string{
		filepath.Join(root, "secret.png"),
		"../secret.png",
		"sub/../../secret.png",
		"file://" + filepath.Join(root, "secret.png"),
	} {
		_, err := r.Fetch(context.Background(), ref)
		require.ErrorContains(t, err, "outside the image directory", ref)
		require.True(t, apperr.Is(err, apperr.KindFetch), ref)
	}

	unrestricted := NewResolver(Options{}, nil)
	_, err = unrestricted.Fetch(context.Background(), filepath.Join(root, "secret.png"))
	require.NoError(t, err)
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	r := NewResolver(Options{MaxBytes: 1024}, nil)
	_, err := r.Fetch(context.Background(), srv.URL)
	require.Equal(t, apperr.KindFetch, apperr.KindOf(err))
}

func TestProbe(t *testing.T) {
	format, w, h, err := Probe(pngBytes(t, 12, 7))
	require.NoError(t, err)
	require.Equal(t, "png", format)
	require.Equal(t, 12, w)
	require.Equal(t, 7, h)

	_, _, _, err = Probe([]byte("plain text"))
	require.True(t, apperr.Is(err, apperr.KindDecode))
}
