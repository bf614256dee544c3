package cli

import (
	"context"
	"fmt"
	"log/slog"

	"geolocate/internal/calc"
	"geolocate/internal/config"
	"geolocate/internal/detect"
	"geolocate/internal/gateway"
	"geolocate/internal/imagesrc"
	"geolocate/internal/photostore"
	"geolocate/internal/render"
	"geolocate/internal/results"
	"geolocate/internal/server"
	"geolocate/internal/storage"
	"geolocate/internal/web"
)

// newCalcService wires the detection engine, renderer and result store.
// A non-empty imageDir confines local image references to that directory.
func newCalcService(ctx context.Context, cfg *config.Config, log *slog.Logger, publicURL, imageDir string) (*calc.Service, func(), error) {
	store, err := results.New(cfg.Results.Backend, cfg.Paths.ResultsDir)
	if err != nil {
		return nil, nil, err
	}
	engine, closeEngine := detect.NewFromConfig(cfg.Detection, log)
	resolver := imagesrc.NewResolver(imagesrc.Options{
		ConnectTimeout: cfg.Timeouts.Connect.Duration,
		ReadTimeout:    cfg.Timeouts.Read.Duration,
		MaxBytes:       cfg.Batch.MaxBytes,
		BaseDir:        imageDir,
	}, log)

	svc := calc.NewService(ctx, resolver, engine, render.New(cfg.Render.Format, cfg.Render.Quality, log), store,
		calc.Options{
			Workers:   cfg.Batch.Workers,
			QueueSize: cfg.Batch.QueueSize,
			PublicURL: publicURL,
			Overlay:   cfg.Render.Overlay,
		}, log)
	return svc, func() {
		svc.Close()
		closeEngine()
	}, nil
}

func buildCalcServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*server.Server, func(), error) {
	log = log.With("service", "calc")
	svc, closeFn, err := newCalcService(ctx, cfg, log, cfg.Services.CalcURL, cfg.Paths.UploadDir)
	if err != nil {
		return nil, nil, err
	}
	return server.NewServer(cfg.Server.CalcAddr, svc, log), closeFn, nil
}

func buildPhotoServer(cfg *config.Config, log *slog.Logger, watch bool) (*photostore.Server, func(), error) {
	log = log.With("service", "photo")
	store, err := storage.New(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open photo database: %w", err)
	}

	var importer *photostore.Importer
	if watch {
		importer = photostore.NewImporter(store, cfg.Paths.ImportDir, cfg.Paths.UploadDir, log)
	}
	srv := photostore.NewServer(cfg.Server.PhotoAddr, store, photostore.NewSimulator(store, nil), importer,
		photostore.Options{
			UploadDir: cfg.Paths.UploadDir,
			PublicURL: cfg.Services.PhotoURL,
			MaxBytes:  cfg.Batch.MaxBytes,
		}, log)
	return srv, func() { store.Close() }, nil
}

func buildGatewayServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*gateway.Server, func()) {
	log = log.With("service", "gateway")
	client := imagesrc.NewHTTPClient(cfg.Timeouts.Connect.Duration, cfg.Timeouts.Read.Duration)
	hub := web.NewHub(log)

	orch := gateway.NewOrchestrator(ctx,
		gateway.NewPhotoClient(cfg.Services.PhotoURL, client),
		gateway.NewCalcClient(cfg.Services.CalcURL, client),
		hub,
		gateway.Options{
			Language:    cfg.Services.Language,
			PreviewBase: cfg.Services.PublicURL,
			Workers:     cfg.Batch.Workers,
			QueueSize:   cfg.Batch.QueueSize,
		}, log)

	srv := gateway.NewServer(cfg.Server.GatewayAddr, orch, hub, cfg.Services.CalcURL, cfg.Services.PhotoURL, client, log)
	return srv, orch.Stop
}
