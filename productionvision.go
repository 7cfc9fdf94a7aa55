// Package productionvision watches a manufacturing line through a camera.
//
// Frames from a live device or a looping recording are paced, letterboxed
// onto a fixed canvas, run through a tracking detector, annotated and served
// to viewers as a multipart MJPEG stream. Each frame's detections update the
// per-line production state, which resolves detected classes through the
// bill of materials.
//
// Basic usage:
//
//	cfg, err := config.Load("")
//	if err != nil {
//		log.Fatal(err)
//	}
//	sys, err := productionvision.New(ctx, cfg, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sys.Close()
//
//	// serve /video_feed, /production_data and friends
//	if err := sys.Serve(ctx, nil); err != nil {
//		log.Fatal(err)
//	}
//
// The package wires these components:
//
// 1. Video (pkg/video): paced capture from devices and looping files
// 2. Processing (pkg/processing): letterboxing, overlays and encoding
// 3. Detection (pkg/detection): tracking detector and current snapshot
// 4. Production (pkg/production): per-line part and output accounting
// 5. Pipeline (pkg/pipeline): the frame loop and source switching
// 6. Server (pkg/server): the HTTP surface
package productionvision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/production-vision/internal/config"
	"github.com/menta2k/production-vision/internal/metrics"
	"github.com/menta2k/production-vision/pkg/bom"
	"github.com/menta2k/production-vision/pkg/client"
	"github.com/menta2k/production-vision/pkg/detection"
	"github.com/menta2k/production-vision/pkg/pipeline"
	"github.com/menta2k/production-vision/pkg/processing"
	"github.com/menta2k/production-vision/pkg/production"
	"github.com/menta2k/production-vision/pkg/server"
	"github.com/menta2k/production-vision/pkg/stream"
	"github.com/menta2k/production-vision/pkg/video"
	"github.com/menta2k/production-vision/pkg/vision"
)

// Version of production-vision
const Version = "0.1.0"

// System is a fully wired production line camera
type System struct {
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Hub        *stream.Hub
	Detector   *detection.Detector
	Production *production.State
	Runner     *pipeline.Runner
	Server     *server.Server
}

type options struct {
	loader vision.Loader
	bom    client.BOM
	opener pipeline.Opener
}

// Option customizes New
type Option func(*options)

// WithLoader replaces the model loader
func WithLoader(l vision.Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithBOM uses b instead of loading bom.path
func WithBOM(b client.BOM) Option {
	return func(o *options) { o.bom = b }
}

// WithOpener replaces how video sources are opened
func WithOpener(op pipeline.Opener) Option {
	return func(o *options) { o.opener = op }
}

// New loads the model and BOM named by cfg and wires every component
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	table := o.bom
	if table == nil {
		t, err := loadBOM(cfg.BOM.Path, logger)
		if err != nil {
			return nil, err
		}
		table = t
	}

	m := metrics.New()
	proc := processing.NewWithConfig(processing.Config{
		ReferenceRatio: cfg.Canvas.ReferenceRatio,
		PassSuffix:     cfg.Overlay.PassSuffix,
	})

	det := detection.NewDetector(o.loader,
		detection.WithLogger(logger.Named("detector")),
		detection.WithMetrics(m),
		detection.WithProcessor(proc))
	if err := det.Configure(ctx, cfg.Model.Path, cfg.Model.Confidence); err != nil {
		return nil, err
	}

	prod := production.NewState(table, production.WithLogger(logger.Named("production")))
	hub := stream.NewHub(logger.Named("stream"))

	opener := o.opener
	if opener == nil {
		opener = pipeline.VideoOpener(
			video.WithFPS(cfg.Source.FPS),
			video.WithReadTimeout(cfg.Source.ReadTimeout),
			video.WithLogger(logger.Named("video")))
	}
	runner := pipeline.NewRunner(opener, det, prod, hub, pipeline.Config{
		Width:   cfg.Canvas.Width,
		Height:  cfg.Canvas.Height,
		Format:  cfg.Stream.Format,
		Quality: cfg.Stream.Quality,
		Line:    cfg.Line.Number,
	},
		pipeline.WithRunnerLogger(logger.Named("pipeline")),
		pipeline.WithRunnerMetrics(m),
		pipeline.WithRunnerProcessor(proc))

	sys := &System{
		Config:     cfg,
		Logger:     logger,
		Metrics:    m,
		Hub:        hub,
		Detector:   det,
		Production: prod,
		Runner:     runner,
	}
	sys.Server = server.New(runner, hub, prod, det, server.Config{
		DefaultSource:  sys.DeviceSpec(),
		UploadDir:      cfg.Server.UploadDir,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}, m, logger.Named("http"))
	return sys, nil
}

func loadBOM(path string, logger *zap.Logger) (client.BOM, error) {
	if path == "" {
		logger.Warn("no bom configured, parts will be empty")
		return bom.New(nil), nil
	}
	table, err := bom.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("bom file not found, parts will be empty", zap.String("path", path))
		return bom.New(nil), nil
	}
	if err != nil {
		return nil, err
	}
	logger.Info("bom loaded", zap.String("path", path), zap.Int("parts", table.Len()))
	return table, nil
}

// DeviceSpec is the configured live camera
func (s *System) DeviceSpec() video.Spec {
	spec := video.DeviceSpec(s.Config.Source.Device)
	if s.Config.Source.InputFormat != "" {
		spec.InputFormat = s.Config.Source.InputFormat
	}
	return spec
}

// SpecFor names a source: /dev paths are devices, anything else a file
func SpecFor(path string) video.Spec {
	if strings.HasPrefix(path, "/dev/") {
		return video.DeviceSpec(path)
	}
	return video.FileSpec(path)
}

// Serve runs the HTTP surface until ctx is done. A non-nil initial source is
// started right away; otherwise the first viewer starts the live device.
func (s *System) Serve(ctx context.Context, initial *video.Spec) error {
	if initial != nil {
		if err := s.Runner.Start(ctx, *initial); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Server.ListenAndServe(gctx, s.Config.Server.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Runner.Stop()
		return nil
	})
	return g.Wait()
}

// Replay runs one pipeline over spec without the HTTP surface, until the
// source ends, the pipeline fails or ctx is done.
func (s *System) Replay(ctx context.Context, spec video.Spec) error {
	if err := s.Runner.Start(ctx, spec); err != nil {
		return err
	}
	err := s.Runner.Wait(ctx)
	s.Runner.Stop()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}

// Close stops the pipeline and releases the model
func (s *System) Close() error {
	s.Runner.Stop()
	s.Hub.Close()
	return s.Detector.Close()
}
