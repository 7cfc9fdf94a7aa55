package video

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strings"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"
)

// pipeOutput makes ffmpeg write every decoded frame as a JPEG to stdout
var pipeOutput = ffmpeg.KwArgs{
	"format": "image2pipe",
	"vcodec": "mjpeg",
	"q:v":    3,
}

// deviceInput returns the ffmpeg input arguments for a live source
func deviceInput(spec Spec) ffmpeg.KwArgs {
	if !strings.HasPrefix(spec.Path, "/dev/") {
		return ffmpeg.KwArgs{}
	}
	args := ffmpeg.KwArgs{
		"f":         "v4l2",
		"framerate": DefaultFPS,
	}
	if spec.InputFormat != "" {
		args["input_format"] = spec.InputFormat
	}
	return args
}

// ffmpegRun is one ffmpeg process and the goroutines feeding its frames
type ffmpegRun struct {
	cancel context.CancelFunc
	frames chan image.Image
	pipe   *io.PipeReader
	wg     sync.WaitGroup
	mu     sync.Mutex
	err    error
}

func (r *ffmpegRun) setErr(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *ffmpegRun) getErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *ffmpegRun) stop() {
	r.cancel()
	_ = r.pipe.Close()
	r.wg.Wait()
}

// ffmpegCapture decodes any container, device or stream URL ffmpeg can open.
// Live captures keep only the newest frame, files deliver every frame.
type ffmpegCapture struct {
	source string
	input  ffmpeg.KwArgs
	live   bool
	logger *zap.Logger

	mu  sync.Mutex
	run *ffmpegRun
}

func newFFmpegCapture(source string, input ffmpeg.KwArgs, live bool, logger *zap.Logger) (*ffmpegCapture, error) {
	// make sure ffmpeg is in the path before doing anything else
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, err
	}
	c := &ffmpegCapture{source: source, input: input, live: live, logger: logger}
	c.run = c.start()
	return c, nil
}

func (c *ffmpegCapture) start() *ffmpegRun {
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	run := &ffmpegRun{cancel: cancel, frames: make(chan image.Image, 1), pipe: pr}

	run.wg.Add(2)
	go func() {
		defer run.wg.Done()
		var stderr bytes.Buffer
		stream := ffmpeg.Input(c.source, c.input).Output("pipe:", pipeOutput)
		stream.Context = ctx
		err := stream.WithOutput(pw).WithErrorOutput(&stderr).Run()
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("ffmpeg exited", zap.Error(err), zap.String("stderr", lastLine(stderr.String())))
			run.setErr(err)
		}
		_ = pw.CloseWithError(err)
	}()

	go func() {
		defer run.wg.Done()
		defer close(run.frames)
		sc := newFrameScanner(pr)
		for sc.Scan() {
			img, err := jpeg.Decode(bytes.NewReader(sc.Bytes()))
			if err != nil {
				c.logger.Debug("dropping undecodable frame", zap.Error(err))
				continue
			}
			if c.live {
				select {
				case <-run.frames:
				default:
				}
			}
			select {
			case run.frames <- img:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			run.setErr(err)
		}
	}()
	return run
}

func (c *ffmpegCapture) current() *ffmpegRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

func (c *ffmpegCapture) Read(ctx context.Context) (image.Image, error) {
	run := c.current()
	if run == nil {
		return nil, errors.New("capture closed")
	}
	select {
	case img, ok := <-run.frames:
		if !ok {
			if err := run.getErr(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return img, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Rewind restarts ffmpeg from the beginning of the input
func (c *ffmpegCapture) Rewind(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return errors.New("capture closed")
	}
	c.run.stop()
	c.run = c.start()
	return nil
}

func (c *ffmpegCapture) Close() error {
	c.mu.Lock()
	run := c.run
	c.run = nil
	c.mu.Unlock()
	if run != nil {
		run.stop()
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
