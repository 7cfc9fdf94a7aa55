// Package server exposes the pipeline over HTTP: the annotated MJPEG feed,
// production data, detections, uploads and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/production-vision/internal/metrics"
	"github.com/menta2k/production-vision/internal/utils"
	"github.com/menta2k/production-vision/pkg/pipeline"
	"github.com/menta2k/production-vision/pkg/production"
	"github.com/menta2k/production-vision/pkg/stream"
	"github.com/menta2k/production-vision/pkg/types"
	"github.com/menta2k/production-vision/pkg/video"
)

const (
	uploadField     = "video"
	multipartMemory = 32 << 20
	shutdownTimeout = 5 * time.Second
)

// Pipeline controls the active video pipeline
type Pipeline interface {
	Start(ctx context.Context, spec video.Spec) error
	EnsureRunning(ctx context.Context, spec video.Spec) error
	Status() pipeline.Status
}

// Production is the accounting the dashboard reads and resets
type Production interface {
	Snapshot() production.Report
	Reset()
}

// Detections exposes the latest snapshot
type Detections interface {
	CurrentDetections() types.Snapshot
}

// Config holds the HTTP settings
type Config struct {
	DefaultSource  video.Spec
	UploadDir      string
	MaxUploadBytes int64
}

// Server serves the HTTP routes
type Server struct {
	pipeline   Pipeline
	hub        *stream.Hub
	production Production
	detections Detections
	metrics    *metrics.Metrics
	logger     *zap.Logger
	config     Config

	// upload is the file the current file pipeline plays
	uploadMu sync.Mutex
	upload   string
}

// New creates a server. logger and m may be nil.
func New(p Pipeline, hub *stream.Hub, prod Production, dets Detections, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 512 << 20
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	return &Server{
		pipeline:   p,
		hub:        hub,
		production: prod,
		detections: dets,
		metrics:    m,
		logger:     logger,
		config:     cfg,
	}
}

// Handler returns the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /video_feed", s.handleVideoFeed)
	mux.HandleFunc("GET /production_data", s.handleProductionData)
	mux.HandleFunc("POST /production_data/reset", s.handleProductionReset)
	mux.HandleFunc("POST /upload_video", s.handleUpload)
	mux.HandleFunc("GET /detections", s.handleDetections)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// feeds never end on their own; closing the hub releases them
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.EnsureRunning(r.Context(), s.config.DefaultSource); err != nil {
		s.logger.Warn("cannot start default source", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for chunk := range s.hub.Frames(r.Context()) {
		if _, err := w.Write(chunk); err != nil {
			s.logger.Debug("viewer disconnected", zap.Error(err))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleProductionData(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.production.Snapshot())
}

func (s *Server) handleProductionReset(w http.ResponseWriter, _ *http.Request) {
	s.production.Reset()
	writeJSON(w, http.StatusOK, s.production.Snapshot())
}

func (s *Server) handleDetections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.detections.CurrentDetections())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"pipeline": s.pipeline.Status(),
		"viewers":  s.hub.Subscribers(),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("missing form field \"video\""))
		return
	}
	defer file.Close()

	if !utils.IsVideoFile(header.Filename) {
		writeError(w, http.StatusUnsupportedMediaType, errors.New("not a video file: "+header.Filename))
		return
	}

	path, size, err := utils.SaveUpload(s.config.UploadDir, header.Filename, file, s.config.MaxUploadBytes)
	if err != nil {
		if errors.Is(err, utils.ErrTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		s.logger.Error("saving upload", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("video uploaded",
		zap.String("name", header.Filename),
		zap.String("path", path),
		zap.String("size", utils.FormatFileSize(size)))

	if err := s.pipeline.Start(r.Context(), video.FileSpec(path)); err != nil {
		s.removeUpload(path)
		status := http.StatusInternalServerError
		if errors.Is(err, video.ErrSourceUnavailable) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err)
		return
	}

	s.replaceUpload(path)

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"path":   path,
		"size":   utils.FormatFileSize(size),
	})
}

// replaceUpload records path as the playing upload and deletes the one it replaced
func (s *Server) replaceUpload(path string) {
	s.uploadMu.Lock()
	prev := s.upload
	s.upload = path
	s.uploadMu.Unlock()
	if prev != "" && prev != path {
		s.removeUpload(prev)
	}
}

func (s *Server) removeUpload(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("removing upload", zap.String("path", path), zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
