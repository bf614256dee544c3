package detect

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"geolocate/internal/apperr"
	"geolocate/internal/logging"
)

// Outcome is the engine's result for one image.
type Outcome struct {
	Method     Method // strategy that produced the detections
	Detections []Detection
	Masks      *Masks
	Counts     map[Method]int // per-strategy counts from auto selection
}

// Engine dispatches detection requests to strategies.
type Engine struct {
	synthetic Strategy
	models    []Strategy // sorted by method id
	log       *slog.Logger
}

// NewEngine registers the synthetic strategy and any available model
// strategies. Strategies whose models failed to load are simply not passed.
func NewEngine(log *slog.Logger, synthetic Strategy, models ...Strategy) *Engine {
	sorted := make([]Strategy, 0, len(models))
	for _, m := range models {
		if m != nil {
			sorted = append(sorted, m)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Method() < sorted[j].Method() })
	return &Engine{synthetic: synthetic, models: sorted, log: log}
}

// Available lists the methods that can be requested explicitly.
func (e *Engine) Available() []Method {
	var out []Method
	if e.synthetic != nil {
		out = append(out, e.synthetic.Method())
	}
	for _, m := range e.models {
		out = append(out, m.Method())
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Detect runs the selected strategy, or auto selection for MethodAuto.
// Detection ids are assigned 1..n in output order.
func (e *Engine) Detect(ctx context.Context, in Input, method Method) (Outcome, error) {
	if in.Image == nil {
		return Outcome{}, apperr.Errorf(apperr.KindValidation, "detect.Engine", "no image")
	}

	var (
		out Outcome
		err error
	)
	start := time.Now()
	if method == MethodAuto {
		out, err = e.auto(ctx, in)
	} else {
		out, err = e.single(ctx, in, method)
	}
	if err != nil {
		return Outcome{}, err
	}

	for i := range out.Detections {
		out.Detections[i].ID = strconv.Itoa(i + 1)
		out.Detections[i].Method = out.Method
	}
	if e.log != nil {
		e.log.Debug("engine detect",
			"requested", int(method),
			"chosen", int(out.Method),
			"detections", len(out.Detections),
			"seed", logging.SeedString(in.Seed),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return out, nil
}

func (e *Engine) single(ctx context.Context, in Input, method Method) (Outcome, error) {
	strategy := e.lookup(method)
	if strategy == nil {
		if _, known := LookupModel(method); known {
			return Outcome{}, apperr.Errorf(apperr.KindDetection, "detect.Engine", "method %d (%s) is not available", method, method)
		}
		return Outcome{}, apperr.Errorf(apperr.KindValidation, "detect.Engine", "unknown method %d", method)
	}
	res, err := strategy.Detect(ctx, in)
	if err != nil {
		return Outcome{}, apperr.E(apperr.KindDetection, "detect.Engine", err)
	}
	return Outcome{Method: method, Detections: res.Detections, Masks: res.Masks}, nil
}

// auto runs every model strategy in method order and keeps the one with
// the most detections. Strict comparison keeps the lowest id on ties.
func (e *Engine) auto(ctx context.Context, in Input) (Outcome, error) {
	if len(e.models) == 0 {
		if e.synthetic == nil {
			return Outcome{}, apperr.Errorf(apperr.KindDetection, "detect.Engine", "no strategies registered")
		}
		out, err := e.single(ctx, in, e.synthetic.Method())
		if err != nil {
			return Outcome{}, err
		}
		out.Counts = map[Method]int{out.Method: len(out.Detections)}
		return out, nil
	}

	var (
		best   *Outcome
		errs   []error
		counts = make(map[Method]int, len(e.models))
	)
	for _, strategy := range e.models {
		if err := ctx.Err(); err != nil {
			return Outcome{}, apperr.E(apperr.KindDetection, "detect.Engine", err)
		}
		res, err := strategy.Detect(ctx, in)
		if err != nil {
			errs = append(errs, err)
			if e.log != nil {
				e.log.Warn("auto candidate failed", "method", int(strategy.Method()), "error", err)
			}
			continue
		}
		counts[strategy.Method()] = len(res.Detections)
		if best == nil || len(res.Detections) > len(best.Detections) {
			best = &Outcome{Method: strategy.Method(), Detections: res.Detections, Masks: res.Masks}
		}
	}
	if best == nil {
		return Outcome{}, apperr.E(apperr.KindDetection, "detect.Engine", errors.Join(errs...))
	}
	best.Counts = counts
	return *best, nil
}

func (e *Engine) lookup(method Method) Strategy {
	if e.synthetic != nil && e.synthetic.Method() == method {
		return e.synthetic
	}
	for _, m := range e.models {
		if m.Method() == method {
			return m
		}
	}
	return nil
}
