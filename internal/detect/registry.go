package detect

import (
	"log/slog"

	"geolocate/internal/config"
	"geolocate/internal/geo"
)

// NewFromConfig builds the process-wide engine. Model strategies whose
// weights cannot be loaded are logged and left out, so auto selection only
// sees what is usable.
func NewFromConfig(cfg config.Detection, log *slog.Logger) (*Engine, func()) {
	jitter := geo.Jitter{Radius: cfg.JitterMeters, WideRadius: cfg.JitterWideMeters, WideChance: cfg.JitterWideChance}
	proj := geo.Projection{BaseOffset: cfg.BaseOffsetDeg, AreaNormalizer: cfg.AreaNormalizer}
	opts := SegmentOptions{MinArea: cfg.MinArea, MinConfidence: cfg.MinConfidence}

	var (
		models  []Strategy
		closers []func() error
	)
	for _, mc := range cfg.Models {
		seg, err := NewDNNSegmenter(mc.ModelPath, mc.Config, mc.Labels, mc.InputSize)
		if err != nil {
			log.Warn("dnn model unavailable", "model", mc.Name, "error", err)
			continue
		}
		log.Info("dnn model loaded", "model", mc.Name, "labels", len(seg.Labels()))
		models = append(models, NewSegmentationStrategy(MethodDNN, seg, opts, proj))
		closers = append(closers, seg.Close)
		break // one network per method id
	}
	models = append(models, NewSegmentationStrategy(MethodColor, NewColorSegmenter(), opts, proj))

	engine := NewEngine(log, NewSynthetic(jitter), models...)
	return engine, func() {
		for _, c := range closers {
			_ = c()
		}
	}
}
