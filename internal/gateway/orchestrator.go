// Package gateway orchestrates detection runs across the calc service and
// the photo store, and serves the browser-facing API.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"geolocate/internal/apperr"
	"geolocate/internal/calc"
	"geolocate/internal/logging"
	"geolocate/internal/photostore"
	"geolocate/internal/pipeline"
	"geolocate/internal/web"

	"github.com/google/uuid"
)

// State is where a photo is in its run.
type State string

const (
	StatePending         State = "Pending"
	StateMetadataFetched State = "MetadataFetched"
	StateDetected        State = "Detected"
	StateRendered        State = "Rendered"
	StatePersisted       State = "Persisted"
	StateCompleted       State = "Completed"
	StateFailed          State = "Failed"
	StateDegraded        State = "Degraded"
)

// Failure reasons recorded with StateFailed.
const (
	ReasonMetadata    = "metadata"
	ReasonDetection   = "detection"
	ReasonPersistence = "persistence"
	ReasonSimulation  = "simulation"
)

// Transition is one step of a run's trail.
type Transition struct {
	State  State     `json:"state"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// SingleOutcome is the result of one calc_for_photo run.
type SingleOutcome struct {
	PhotoID      int64        `json:"photoId"`
	Message      string       `json:"message"`
	CompositeURL string       `json:"compositeUrl,omitempty"`
	SingleURLs   []string     `json:"singleUrls"`
	Count        int          `json:"count"`
	State        State        `json:"state"`
	Degraded     bool         `json:"degraded,omitempty"`
	Partial      bool         `json:"partial,omitempty"`
	Error        string       `json:"error,omitempty"`
	Trail        []Transition `json:"trail,omitempty"`
}

// PhotoFailure records a photo skipped by a batch.
type PhotoFailure struct {
	PhotoID int64  `json:"photoId"`
	Reason  string `json:"reason"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error"`
}

// BatchOutcome is the result of one calc_batch run.
type BatchOutcome struct {
	BatchID   string         `json:"batchId"`
	Message   string         `json:"message"`
	Total     int            `json:"total"`
	Processed int            `json:"processed"`
	Failed    []PhotoFailure `json:"failed"`
}

// Publisher receives progress events.
type Publisher interface {
	Publish(ev web.Event)
}

// Options configures an Orchestrator.
type Options struct {
	Language    string
	PreviewBase string // prefix for /api/calc_photo links, empty for relative links
	Workers     int
	QueueSize   int
}

// Orchestrator drives photos through metadata lookup, detection and
// persistence.
type Orchestrator struct {
	photos      PhotoStore
	detector    Detector
	msgs        Messages
	previewBase string
	pub         Publisher
	pipe        *pipeline.Pipeline
	log         *slog.Logger
}

type eachJob struct {
	batchID string
	photoID int64
	method  int
	seed    *int64
}

func NewOrchestrator(ctx context.Context, photos PhotoStore, detector Detector, pub Publisher, opts Options, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		photos:      photos,
		detector:    detector,
		msgs:        NewMessages(opts.Language),
		previewBase: strings.TrimRight(opts.PreviewBase, "/"),
		pub:         pub,
		log:         log,
	}
	o.pipe = pipeline.New(ctx, opts.Workers, opts.QueueSize, log, o)
	return o
}

// Stop shuts down the worker pool.
func (o *Orchestrator) Stop() { o.pipe.Stop() }

// run tracks one photo's state.
type run struct {
	o       *Orchestrator
	batchID string
	photoID int64
	mu      sync.Mutex
	trail   []Transition
}

func (o *Orchestrator) newRun(batchID string, photoID int64) *run {
	r := &run{o: o, batchID: batchID, photoID: photoID}
	r.to(StatePending, "")
	return r
}

func (r *run) to(state State, reason string) {
	r.mu.Lock()
	r.trail = append(r.trail, Transition{State: state, Reason: reason, At: time.Now()})
	r.mu.Unlock()

	logging.LogPhotoState(r.o.log, r.batchID, r.photoID, string(state), reason)
	if r.o.pub != nil {
		r.o.pub.Publish(web.Event{
			Type:    "photo_state",
			BatchID: r.batchID,
			PhotoID: r.photoID,
			State:   string(state),
			Reason:  reason,
		})
	}
}

func (r *run) snapshot() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.trail...)
}

// DetectSingle runs one photo through the primary path, falling back to the
// photo store's simulation when detection fails. Only a metadata failure is
// returned as an error.
func (o *Orchestrator) DetectSingle(ctx context.Context, photoID int64, method int, seed *int64) (SingleOutcome, error) {
	return o.detectSingle(ctx, uuid.NewString(), photoID, method, seed)
}

func (o *Orchestrator) detectSingle(ctx context.Context, batchID string, photoID int64, method int, seed *int64) (SingleOutcome, error) {
	r := o.newRun(batchID, photoID)
	out := SingleOutcome{PhotoID: photoID, SingleURLs: []string{}}
	finish := func(state State) SingleOutcome {
		out.State = state
		out.Trail = r.snapshot()
		return out
	}

	meta, err := o.photos.Meta(ctx, photoID)
	if err != nil {
		r.to(StateFailed, ReasonMetadata)
		out.Error = err.Error()
		return finish(StateFailed), err
	}
	r.to(StateMetadataFetched, "")

	res, err := o.primary(ctx, meta, method, seed)
	if err != nil {
		o.log.Warn("primary detection failed, using simulation", "photo_id", photoID, "error", err)
		r.to(StateDegraded, ReasonDetection)
		o.degrade(ctx, r, &out)
		return finish(StateDegraded), nil
	}
	out.Count = len(res.Detections)
	r.to(StateDetected, "")

	if out.Count == 0 {
		out.Message = o.msgs.Detected(0)
		r.to(StateCompleted, "")
		return finish(StateCompleted), nil
	}

	out.CompositeURL = o.previewURL(res.CompositeURL)
	for _, d := range res.Detections {
		out.SingleURLs = append(out.SingleURLs, o.previewURL(d.SingleURL))
	}
	r.to(StateRendered, "")

	inserted, err := o.photos.InsertDetections(ctx, photoID, toStoreDetections(res.Detections))
	if err != nil {
		o.log.Error("saving detections failed", "photo_id", photoID, "detections", out.Count, "error", err)
		r.to(StateFailed, ReasonPersistence)
		out.Partial = true
		out.Error = err.Error()
		out.Message = o.msgs.PartialSaved(out.Count)
		return finish(StateFailed), nil
	}
	r.to(StatePersisted, "")

	out.Message = o.msgs.Detected(inserted)
	r.to(StateCompleted, "")
	return finish(StateCompleted), nil
}

// degrade asks the photo store for a simulated result. When the simulation
// is unreachable too the outcome carries a notice instead.
func (o *Orchestrator) degrade(ctx context.Context, r *run, out *SingleOutcome) {
	out.Degraded = true
	sim, err := o.photos.Simulate(ctx, r.photoID)
	if err != nil {
		o.log.Error("simulation failed", "photo_id", r.photoID, "error", err)
		r.to(StateDegraded, ReasonSimulation)
		out.Error = err.Error()
		out.Message = o.msgs.Unavailable()
		return
	}
	out.Message = sim.Message
	out.Count = sim.Created
}

// primary sends one image to the calc service and returns its result.
func (o *Orchestrator) primary(ctx context.Context, meta photostore.Meta, method int, seed *int64) (calc.ImageResult, error) {
	resp, err := o.detector.Detect(ctx, calc.Request{
		Method: method,
		Seed:   seed,
		Images: []calc.ImageRequest{imageRequest(meta)},
	})
	if err != nil {
		return calc.ImageResult{}, err
	}
	if len(resp.Results) == 0 {
		return calc.ImageResult{}, apperr.Errorf(apperr.KindDetection, "gateway.primary", "no result for %s", meta.ImageRef)
	}
	res := resp.Results[0]
	if res.Error != "" {
		return calc.ImageResult{}, imageError(res)
	}
	return res, nil
}

// DetectBatch detects on every resolvable photo with one calc request and
// saves each photo's detections. Photos that fail are recorded and skipped.
func (o *Orchestrator) DetectBatch(ctx context.Context, ids []int64, method int, seed *int64) (BatchOutcome, error) {
	if len(ids) == 0 {
		return BatchOutcome{}, apperr.Errorf(apperr.KindValidation, "gateway.DetectBatch", "photo_ids is empty")
	}
	start := time.Now()
	out := BatchOutcome{BatchID: uuid.NewString(), Failed: []PhotoFailure{}}
	logging.LogBatchStart(o.log, "calc_batch", out.BatchID, len(ids), method, seed)
	o.publishBatch("batch_start", out.BatchID, map[string]any{"photos": len(ids)})

	type resolved struct {
		id   int64
		run  *run
		meta photostore.Meta
	}
	var metas []resolved
	for _, id := range ids {
		r := o.newRun(out.BatchID, id)
		meta, err := o.photos.Meta(ctx, id)
		if err != nil {
			r.to(StateFailed, ReasonMetadata)
			out.Failed = append(out.Failed, failure(id, ReasonMetadata, err))
			continue
		}
		r.to(StateMetadataFetched, "")
		metas = append(metas, resolved{id: id, run: r, meta: meta})
	}

	if len(metas) > 0 {
		req := calc.Request{Method: method, Seed: seed}
		for _, m := range metas {
			req.Images = append(req.Images, imageRequest(m.meta))
		}
		resp, err := o.detector.Detect(ctx, req)
		if err != nil {
			for _, m := range metas {
				m.run.to(StateFailed, ReasonDetection)
			}
			logging.LogBatchError(o.log, "calc_batch", out.BatchID, time.Since(start), err, map[string]any{"photos": len(metas)})
			return out, err
		}

		byRef := make(map[string]calc.ImageResult, len(resp.Results))
		for _, res := range resp.Results {
			if _, dup := byRef[res.ImageRef]; !dup {
				byRef[res.ImageRef] = res
			}
		}

		for _, m := range metas {
			id := m.id
			res, ok := byRef[m.meta.ImageRef]
			switch {
			case !ok:
				err = apperr.Errorf(apperr.KindDetection, "gateway.DetectBatch", "no result for %s", m.meta.ImageRef)
			case res.Error != "":
				err = imageError(res)
			default:
				err = nil
			}
			if err != nil {
				m.run.to(StateFailed, ReasonDetection)
				out.Failed = append(out.Failed, failure(id, ReasonDetection, err))
				continue
			}
			m.run.to(StateDetected, "")
			out.Processed++
			if len(res.Detections) == 0 {
				m.run.to(StateCompleted, "")
				continue
			}
			m.run.to(StateRendered, "")

			inserted, err := o.photos.InsertDetections(ctx, id, toStoreDetections(res.Detections))
			if err != nil {
				m.run.to(StateFailed, ReasonPersistence)
				out.Failed = append(out.Failed, failure(id, ReasonPersistence, err))
				continue
			}
			m.run.to(StatePersisted, "")
			m.run.to(StateCompleted, "")
			out.Total += inserted
		}
	}

	out.Message = o.msgs.Batch(out.Total, out.Processed, len(out.Failed))
	logging.LogBatchComplete(o.log, "calc_batch", out.BatchID, time.Since(start), map[string]any{
		"total":     out.Total,
		"processed": out.Processed,
		"failed":    len(out.Failed),
	})
	o.publishBatch("batch_complete", out.BatchID, out)
	return out, nil
}

// DetectEach runs DetectSingle for every photo on the worker pool and
// returns the outcomes in input order.
func (o *Orchestrator) DetectEach(ctx context.Context, ids []int64, method int, seed *int64) ([]SingleOutcome, error) {
	if len(ids) == 0 {
		return nil, apperr.Errorf(apperr.KindValidation, "gateway.DetectEach", "photo_ids is empty")
	}
	start := time.Now()
	batchID := uuid.NewString()
	logging.LogBatchStart(o.log, "detect_batch", batchID, len(ids), method, seed)
	o.publishBatch("batch_start", batchID, map[string]any{"photos": len(ids)})

	jobs := make([]pipeline.Job, len(ids))
	for i, id := range ids {
		jobs[i] = pipeline.Job{
			ID:      batchID + "/" + strconv.Itoa(i),
			Kind:    pipeline.JobPhoto,
			Ref:     strconv.FormatInt(id, 10),
			Payload: eachJob{batchID: batchID, photoID: id, method: method, seed: seed},
		}
	}

	results := o.pipe.Run(ctx, jobs)
	outcomes := make([]SingleOutcome, len(results))
	completed := 0
	for i, res := range results {
		out, ok := res.Value.(SingleOutcome)
		if !ok {
			out = SingleOutcome{PhotoID: ids[i], State: StateFailed, SingleURLs: []string{}}
		}
		if res.Error != nil {
			out.Error = res.Error.Error()
		}
		if out.State == StateCompleted {
			completed++
		}
		outcomes[i] = out
	}

	logging.LogBatchComplete(o.log, "detect_batch", batchID, time.Since(start), map[string]any{
		"photos":    len(ids),
		"completed": completed,
	})
	o.publishBatch("batch_complete", batchID, map[string]any{"photos": len(ids), "completed": completed})
	return outcomes, nil
}

// Process implements pipeline.Processor for DetectEach jobs.
func (o *Orchestrator) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	p, ok := job.Payload.(eachJob)
	if !ok {
		return pipeline.Result{Job: job, Error: fmt.Errorf("unexpected payload %T", job.Payload)}
	}
	out, err := o.detectSingle(ctx, p.batchID, p.photoID, p.method, p.seed)
	return pipeline.Result{
		Job:   job,
		Value: out,
		Error: err,
		Meta:  map[string]any{"state": string(out.State), "count": out.Count},
	}
}

func (o *Orchestrator) publishBatch(kind, batchID string, data any) {
	if o.pub == nil {
		return
	}
	o.pub.Publish(web.Event{Type: kind, BatchID: batchID, Data: data})
}

// previewURL rewrites a calc service /photo link onto the gateway proxy.
func (o *Orchestrator) previewURL(calcURL string) string {
	if calcURL == "" {
		return ""
	}
	u, err := url.Parse(calcURL)
	if err != nil {
		return ""
	}
	id := u.Query().Get("id")
	if id == "" {
		return ""
	}
	return o.previewBase + "/api/calc_photo?id=" + url.QueryEscape(id)
}

func imageRequest(meta photostore.Meta) calc.ImageRequest {
	return calc.ImageRequest{ImageRef: meta.ImageRef, Lat: meta.ShotLat, Lon: meta.ShotLon}
}

func imageError(res calc.ImageResult) error {
	kind := apperr.ParseKind(res.ErrorKind)
	if kind == apperr.KindUnknown {
		kind = apperr.KindDetection
	}
	return apperr.Errorf(kind, "gateway.detect", "%s: %s", res.ImageRef, res.Error)
}

func toStoreDetections(dets []calc.DetectionResult) []photostore.Detection {
	out := make([]photostore.Detection, len(dets))
	for i, d := range dets {
		out[i] = photostore.Detection{
			Label:      d.Label,
			Confidence: d.Confidence,
			BBox:       photostore.BBox(d.BBox),
			Lat:        d.Lat,
			Lon:        d.Lon,
		}
	}
	return out
}

func failure(photoID int64, reason string, err error) PhotoFailure {
	f := PhotoFailure{PhotoID: photoID, Reason: reason, Error: err.Error()}
	if kind := apperr.KindOf(err); kind != apperr.KindUnknown {
		f.Kind = kind.String()
	}
	return f
}
