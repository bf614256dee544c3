package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"geolocate/internal/apperr"
	"geolocate/internal/calc"
	"geolocate/internal/photostore"
)

// PhotoStore is what the orchestrator needs from the photo store.
type PhotoStore interface {
	Meta(ctx context.Context, photoID int64) (photostore.Meta, error)
	InsertDetections(ctx context.Context, photoID int64, dets []photostore.Detection) (int, error)
	Simulate(ctx context.Context, photoID int64) (photostore.SimulateResponse, error)
}

// Detector runs a detection request against the calc service.
type Detector interface {
	Detect(ctx context.Context, req calc.Request) (calc.Response, error)
}

// PhotoClient talks to the photo store over HTTP.
type PhotoClient struct {
	base   string
	client *http.Client
}

func NewPhotoClient(base string, client *http.Client) *PhotoClient {
	return &PhotoClient{base: strings.TrimRight(base, "/"), client: client}
}

func (c *PhotoClient) Meta(ctx context.Context, photoID int64) (photostore.Meta, error) {
	var meta photostore.Meta
	err := doJSON(ctx, c.client, http.MethodGet, c.base+"/photos/"+strconv.FormatInt(photoID, 10)+"/meta", nil, &meta)
	return meta, err
}

func (c *PhotoClient) InsertDetections(ctx context.Context, photoID int64, dets []photostore.Detection) (int, error) {
	var out photostore.InsertResponse
	err := doJSON(ctx, c.client, http.MethodPost, c.base+"/photos/"+strconv.FormatInt(photoID, 10)+"/detections",
		photostore.InsertRequest{Detections: dets}, &out)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindFetch {
			err = apperr.E(apperr.KindPersistence, "gateway.InsertDetections", err)
		}
		return 0, err
	}
	return out.Inserted, nil
}

func (c *PhotoClient) Simulate(ctx context.Context, photoID int64) (photostore.SimulateResponse, error) {
	var out photostore.SimulateResponse
	err := doJSON(ctx, c.client, http.MethodPost, c.base+"/calc_for_photo", photostore.SimulateRequest{PhotoID: photoID}, &out)
	return out, err
}

// CalcClient talks to the calc service over HTTP.
type CalcClient struct {
	base   string
	client *http.Client
}

func NewCalcClient(base string, client *http.Client) *CalcClient {
	return &CalcClient{base: strings.TrimRight(base, "/"), client: client}
}

func (c *CalcClient) Detect(ctx context.Context, req calc.Request) (calc.Response, error) {
	var out calc.Response
	err := doJSON(ctx, c.client, http.MethodPost, c.base+"/detect", req, &out)
	return out, err
}

// doJSON sends body as JSON and decodes a 2xx reply into out. Transport
// failures are FetchErrors; error replies keep the kind the peer reported.
func doJSON(ctx context.Context, client *http.Client, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return apperr.E(apperr.KindValidation, "gateway.request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return apperr.E(apperr.KindFetch, "gateway.request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return upstreamError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.E(apperr.KindFetch, "gateway.response", fmt.Errorf("decode %s: %w", url, err))
	}
	return nil
}

func upstreamError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = resp.Status
	}

	kind := apperr.ParseKind(body.Kind)
	if kind == apperr.KindUnknown {
		switch resp.StatusCode {
		case http.StatusNotFound:
			kind = apperr.KindNotFound
		case http.StatusBadRequest:
			kind = apperr.KindValidation
		default:
			kind = apperr.KindFetch
		}
	}
	return apperr.Errorf(kind, "gateway.upstream", "%s %s: %s", resp.Request.Method, resp.Request.URL.Path, msg)
}
