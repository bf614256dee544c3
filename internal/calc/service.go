package calc

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"geolocate/internal/apperr"
	"geolocate/internal/detect"
	"geolocate/internal/geo"
	"geolocate/internal/logging"
	"geolocate/internal/pipeline"
	"geolocate/internal/render"
	"geolocate/internal/results"

	"github.com/dustin/go-humanize"
)

// ImageSource resolves an image reference to a bitmap.
type ImageSource interface {
	Resolve(ctx context.Context, ref string) (*image.NRGBA, error)
}

// Options configures a Service.
type Options struct {
	Workers   int
	QueueSize int
	PublicURL string // base of URLs pointing at GET /photo
	Overlay   bool   // draw road/other masks on composites by default
}

// Service runs detection requests. Per-image work is spread over a bounded
// worker pool shared by all requests.
type Service struct {
	source    ImageSource
	engine    *detect.Engine
	renderer  *render.Renderer
	store     results.Store
	pipe      *pipeline.Pipeline
	publicURL string
	overlay   bool
	log       *slog.Logger
}

type imageJob struct {
	index   int
	multi   bool // ids get an image prefix so they stay unique in the request
	req     ImageRequest
	method  detect.Method
	seed    *int64
	overlay bool
}

func NewService(ctx context.Context, source ImageSource, engine *detect.Engine, renderer *render.Renderer, store results.Store, opts Options, log *slog.Logger) *Service {
	s := &Service{
		source:    source,
		engine:    engine,
		renderer:  renderer,
		store:     store,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		overlay:   opts.Overlay,
		log:       log,
	}
	s.pipe = pipeline.New(ctx, opts.Workers, opts.QueueSize, log, s)
	return s
}

// Store exposes the result store backing GET /photo.
func (s *Service) Store() results.Store { return s.store }

// Pipeline exposes the worker pool for result streaming.
func (s *Service) Pipeline() *pipeline.Pipeline { return s.pipe }

// Engine exposes the detection engine.
func (s *Service) Engine() *detect.Engine { return s.engine }

// Close stops the worker pool.
func (s *Service) Close() {
	s.pipe.Stop()
}

// Detect processes every image of req. A failing image is reported in its
// own result and never fails the request; only malformed requests do.
func (s *Service) Detect(ctx context.Context, req Request) (Response, error) {
	if len(req.Images) == 0 {
		return Response{}, apperr.Errorf(apperr.KindValidation, "calc.Detect", "images must not be empty")
	}
	method := detect.Method(req.Method)
	if _, ok := detect.LookupModel(method); !ok {
		return Response{}, apperr.Errorf(apperr.KindValidation, "calc.Detect", "unknown method %d", req.Method)
	}
	overlay := s.overlay
	if req.Overlay != nil {
		overlay = *req.Overlay
	}

	jobs := make([]pipeline.Job, len(req.Images))
	for i, img := range req.Images {
		jobs[i] = pipeline.Job{
			ID:      fmt.Sprintf("img-%d", i+1),
			Kind:    pipeline.JobImage,
			Ref:     img.ImageRef,
			Payload: imageJob{index: i, multi: len(req.Images) > 1, req: img, method: method, seed: req.Seed, overlay: overlay},
		}
	}

	start := time.Now()
	out := Response{Results: make([]ImageResult, len(jobs))}
	for i, res := range s.pipe.Run(ctx, jobs) {
		if ir, ok := res.Value.(ImageResult); ok {
			out.Results[i] = ir
		} else {
			out.Results[i] = ImageResult{ImageRef: req.Images[i].ImageRef, Method: req.Method}
		}
		if res.Error != nil {
			out.Results[i].Error = res.Error.Error()
			out.Results[i].ErrorKind = apperr.KindOf(res.Error).String()
			out.Results[i].Detections = nil
		}
		if out.Results[i].Detections == nil {
			out.Results[i].Detections = []DetectionResult{}
		}
	}

	s.log.Info("detect request finished",
		"images", len(jobs),
		"method", req.Method,
		"seed", logging.SeedString(req.Seed),
		"detections", out.DetectionCount(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// Process handles one image job on a pool worker.
func (s *Service) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	ij, ok := job.Payload.(imageJob)
	if !ok {
		return pipeline.Result{Error: fmt.Errorf("unexpected payload %T", job.Payload)}
	}
	res, err := s.processImage(ctx, ij)
	return pipeline.Result{
		Value: res,
		Error: err,
		Meta:  map[string]any{"detections": len(res.Detections), "method": res.Method},
	}
}

func (s *Service) processImage(ctx context.Context, ij imageJob) (ImageResult, error) {
	result := ImageResult{ImageRef: ij.req.ImageRef, Method: int(ij.method)}
	start := time.Now()

	img, err := s.source.Resolve(ctx, ij.req.ImageRef)
	if err != nil {
		return result, err
	}

	in := detect.Input{Image: img, Shot: geo.NewPoint(ij.req.Lat, ij.req.Lon), Seed: ij.seed}
	outcome, err := s.engine.Detect(ctx, in, ij.method)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.E(apperr.KindDetection, "calc.Detect", err)
		}
		return result, err
	}
	result.Method = int(outcome.Method)
	if ij.multi {
		for i := range outcome.Detections {
			outcome.Detections[i].ID = fmt.Sprintf("%d.%s", ij.index+1, outcome.Detections[i].ID)
		}
	}
	logging.LogDetection(s.log, ij.req.ImageRef, result.Method, len(outcome.Detections), time.Since(start))

	var masks *detect.Masks
	if ij.overlay {
		masks = outcome.Masks
	}
	composite := s.renderer.RenderAll(img, outcome.Detections, outcome.Method, ij.seed, masks)
	compositeID, err := s.store.Put(composite.Data)
	if err != nil {
		return result, apperr.E(apperr.KindPersistence, "calc.storeComposite", err)
	}
	result.CompositeURL = s.photoURL(compositeID)

	stored := len(composite.Data)
	result.Detections = make([]DetectionResult, len(outcome.Detections))
	for i, d := range outcome.Detections {
		single := s.renderer.RenderSingle(img, outcome.Detections, i)
		singleID, err := s.store.Put(single.Data)
		if err != nil {
			return result, apperr.E(apperr.KindPersistence, "calc.storeSingle", err)
		}
		stored += len(single.Data)
		result.Detections[i] = DetectionResult{
			ID:         d.ID,
			Method:     int(d.Method),
			Label:      d.Label,
			BBox:       d.BBox,
			Confidence: d.Confidence,
			Lat:        d.Lat,
			Lon:        d.Lon,
			SingleURL:  s.photoURL(singleID),
		}
	}

	s.log.Debug("renders stored",
		"image", ij.req.ImageRef,
		"renders", len(outcome.Detections)+1,
		"bytes", humanize.IBytes(uint64(stored)),
	)
	return result, nil
}

func (s *Service) photoURL(id string) string {
	return s.publicURL + "/photo?id=" + url.QueryEscape(id)
}
