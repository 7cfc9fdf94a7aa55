// Package video acquires frames from live capture devices and looping video
// files at a bounded rate.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	// ErrSourceUnavailable is returned when a device or file cannot be opened
	ErrSourceUnavailable = errors.New("video source unavailable")
	// ErrFrameRead is returned when no frame could be obtained; callers treat
	// it as the end of the stream
	ErrFrameRead = errors.New("frame read failed")
	// ErrReadTimeout marks a read that stalled past the configured timeout
	ErrReadTimeout = errors.New("frame read timed out")
)

// Defaults for live pacing and stalled reads
const (
	DefaultFPS         = 25
	DefaultReadTimeout = 5 * time.Second
)

// Kind tells live devices and files apart
type Kind int

const (
	// KindDevice is a live capture device or network stream
	KindDevice Kind = iota
	// KindFile is a video file played in a loop
	KindFile
)

func (k Kind) String() string {
	if k == KindFile {
		return "file"
	}
	return "device"
}

// Spec identifies what to open
type Spec struct {
	Kind Kind
	// Path is a device node, a stream URL or a file path
	Path string
	// InputFormat is the pixel format requested from V4L2 devices
	InputFormat string
}

// DeviceSpec returns a Spec for a live device
func DeviceSpec(path string) Spec {
	return Spec{Kind: KindDevice, Path: path, InputFormat: "mjpeg"}
}

// FileSpec returns a Spec for a looping file
func FileSpec(path string) Spec {
	return Spec{Kind: KindFile, Path: path}
}

// Capture is a decoder producing frames in order.
// Read returns io.EOF once the stream is exhausted.
type Capture interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// Rewinder is implemented by captures that can restart from the first frame
type Rewinder interface {
	Rewind(ctx context.Context) error
}

// Source paces and loops a Capture
type Source struct {
	mu          sync.Mutex
	capture     Capture
	live        bool
	interval    time.Duration
	readTimeout time.Duration
	clock       clock.Clock
	logger      *zap.Logger
	lastFrame   time.Time
	closed      atomic.Bool
}

// Option customizes a Source
type Option func(*Source)

// WithClock sets the clock used for pacing and read timeouts
func WithClock(c clock.Clock) Option {
	return func(s *Source) { s.clock = c }
}

// WithFPS sets the maximum live frame rate
func WithFPS(fps float64) Option {
	return func(s *Source) {
		if fps > 0 {
			s.interval = time.Duration(float64(time.Second) / fps)
		}
	}
}

// WithReadTimeout bounds a single capture read
func WithReadTimeout(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func newSource(opts ...Option) *Source {
	s := &Source{
		interval:    time.Second / DefaultFPS,
		readTimeout: DefaultReadTimeout,
		clock:       clock.New(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSource wraps an existing capture. Live captures are paced, others loop
// back to the first frame at the end of the stream.
func NewSource(capture Capture, live bool, opts ...Option) *Source {
	s := newSource(opts...)
	s.capture = capture
	s.live = live
	return s
}

// OpenReader plays a Motion JPEG stream held in r in a loop
func OpenReader(r io.ReadSeeker, opts ...Option) *Source {
	var closer io.Closer
	if c, ok := r.(io.Closer); ok {
		closer = c
	}
	return NewSource(newMJPEGCapture(r, closer), false, opts...)
}

// Open opens the device or file named by spec
func Open(spec Spec, opts ...Option) (*Source, error) {
	s := newSource(opts...)
	s.logger = s.logger.With(zap.String("source", spec.Path), zap.Stringer("kind", spec.Kind))

	var (
		capture Capture
		err     error
	)
	switch spec.Kind {
	case KindFile:
		capture, err = openFile(spec.Path, s.logger)
	case KindDevice:
		s.live = true
		capture, err = newFFmpegCapture(spec.Path, deviceInput(spec), true, s.logger)
	default:
		err = fmt.Errorf("unknown source kind %d", spec.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, spec.Path, err)
	}
	s.capture = capture
	s.logger.Info("video source opened")
	return s, nil
}

func openFile(path string, logger *zap.Logger) (Capture, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if IsMJPEG(path) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return newMJPEGCapture(f, f), nil
	}
	return newFFmpegCapture(path, nil, false, logger)
}

// IsMJPEG reports whether path names a raw Motion JPEG stream
func IsMJPEG(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mjpeg", ".mjpg":
		return true
	}
	return false
}

// Live reports whether the source is a paced live device
func (s *Source) Live() bool {
	return s.live
}

// Next returns the next frame. Live sources wait until the frame interval has
// passed since the previous frame. File sources rewind once on end of stream,
// so a non-empty file never runs out. Every failure wraps ErrFrameRead.
func (s *Source) Next(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil || s.closed.Load() {
		return nil, fmt.Errorf("%w: source is closed", ErrFrameRead)
	}

	if s.live {
		if err := s.pace(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFrameRead, err)
		}
	}

	img, err := s.read(ctx)
	if errors.Is(err, io.EOF) && !s.live {
		if rw, ok := s.capture.(Rewinder); ok {
			s.logger.Debug("end of stream, rewinding")
			if err = rw.Rewind(ctx); err == nil {
				img, err = s.read(ctx)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFrameRead, err)
	}

	if s.live {
		s.lastFrame = s.clock.Now()
	}
	return img, nil
}

func (s *Source) pace(ctx context.Context) error {
	if s.lastFrame.IsZero() {
		return nil
	}
	elapsed := s.clock.Since(s.lastFrame)
	if elapsed >= s.interval {
		return nil
	}
	timer := s.clock.Timer(s.interval - elapsed)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Source) read(ctx context.Context) (image.Image, error) {
	readCtx, cancel := s.clock.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	img, err := s.capture.Read(readCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrReadTimeout
		}
		return nil, err
	}
	if img == nil {
		return nil, errors.New("capture returned no image")
	}
	return img, nil
}

// Close releases the capture. It is safe to call more than once and on a
// source that was never opened.
func (s *Source) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.capture == nil {
		return nil
	}
	return s.capture.Close()
}
