// Package imagesrc fetches source images by reference and decodes them into
// opaque NRGBA bitmaps.
package imagesrc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"geolocate/internal/apperr"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const defaultMaxBytes = 25 << 20

// Options configures a Resolver.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxBytes       int64
	BaseDir        string // when set, file references must stay inside it
	UserAgent      string
}

// Resolver retrieves image bytes from http(s) URLs or local files.
type Resolver struct {
	client    *http.Client
	maxBytes  int64
	baseDir   string
	userAgent string
	log       *slog.Logger
}

// NewResolver builds a Resolver whose HTTP client applies the connect and
// read timeouts to their own phases.
func NewResolver(opts Options, log *slog.Logger) *Resolver {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "geolocate/1.0"
	}
	return &Resolver{
		client:    NewHTTPClient(opts.ConnectTimeout, opts.ReadTimeout),
		maxBytes:  opts.MaxBytes,
		baseDir:   opts.BaseDir,
		userAgent: opts.UserAgent,
		log:       log,
	}
}

// NewHTTPClient returns a client with distinct dial and response-header
// deadlines; the overall deadline covers both plus the body read.
func NewHTTPClient(connect, read time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: read,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: connect + read}
}

// Resolve fetches ref and decodes it.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*image.NRGBA, error) {
	data, err := r.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	img, err := Decode(data)
	if err != nil {
		return nil, apperr.E(apperr.KindDecode, "imagesrc.Resolve", fmt.Errorf("%s: %w", ref, err))
	}
	return img, nil
}

// Fetch returns the raw bytes behind ref. Failures are FetchErrors.
func (r *Resolver) Fetch(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperr.Errorf(apperr.KindValidation, "imagesrc.Fetch", "empty image reference")
	}

	u, err := url.Parse(ref)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return r.fetchHTTP(ctx, ref)
	}
	path := ref
	if err == nil && u.Scheme == "file" {
		path = u.Path
	}
	return r.fetchFile(path)
}

func (r *Resolver) fetchHTTP(ctx context.Context, ref string) ([]byte, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, apperr.E(apperr.KindFetch, "imagesrc.Fetch", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperr.E(apperr.KindFetch, "imagesrc.Fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.Errorf(apperr.KindFetch, "imagesrc.Fetch", "%s: HTTP %d", ref, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, apperr.E(apperr.KindFetch, "imagesrc.Fetch", err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, apperr.Errorf(apperr.KindFetch, "imagesrc.Fetch", "%s exceeds %s", ref, humanize.IBytes(uint64(r.maxBytes)))
	}

	if r.log != nil {
		r.log.Debug("image fetched",
			"ref", ref,
			"size", humanize.IBytes(uint64(len(data))),
			"content_type", resp.Header.Get("Content-Type"),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return data, nil
}

func (r *Resolver) fetchFile(path string) ([]byte, error) {
	if r.baseDir != "" {
		confined, err := r.confine(path)
		if err != nil {
			return nil, err
		}
		path = confined
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperr.E(apperr.KindFetch, "imagesrc.Fetch", err)
	}
	if info.Size() > r.maxBytes {
		return nil, apperr.Errorf(apperr.KindFetch, "imagesrc.Fetch", "%s exceeds %s", path, humanize.IBytes(uint64(r.maxBytes)))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.E(apperr.KindFetch, "imagesrc.Fetch", err)
	}
	return data, nil
}

// confine resolves path against the base directory and rejects anything
// that ends up outside it.
func (r *Resolver) confine(path string) (string, error) {
	base, err := filepath.Abs(r.baseDir)
	if err != nil {
		return "", apperr.E(apperr.KindFetch, "imagesrc.Fetch", err)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperr.Errorf(apperr.KindFetch, "imagesrc.Fetch", "%s is outside the image directory", path)
	}
	return path, nil
}

// Decode parses jpeg, png, gif, bmp, tiff or webp data and returns an
// opaque NRGBA copy.
func Decode(data []byte) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image data")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		webpImg, webpErr := webp.Decode(bytes.NewReader(data))
		if webpErr != nil {
			return nil, fmt.Errorf("failed to decode image: %w", err)
		}
		img = webpImg
	}
	return Normalize(img), nil
}

// Normalize copies img into an NRGBA bitmap and drops the alpha channel.
func Normalize(img image.Image) *image.NRGBA {
	out := imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

// Probe reads only the header of data and reports its format and size.
func Probe(data []byte) (format string, width, height int, err error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if wcfg, werr := webp.DecodeConfig(bytes.NewReader(data)); werr == nil {
			return "webp", wcfg.Width, wcfg.Height, nil
		}
		return "", 0, 0, apperr.E(apperr.KindDecode, "imagesrc.Probe", err)
	}
	return format, cfg.Width, cfg.Height, nil
}
