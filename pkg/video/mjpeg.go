package video

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
)

const (
	initialFrameBuffer = 512 << 10
	maxFrameSize       = 32 << 20
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// splitJPEG is a bufio.SplitFunc returning one complete JPEG image per token.
// Bytes outside SOI...EOI are discarded, as is a truncated trailing frame.
func splitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0xFF, it may begin a marker split across reads
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}

func newFrameScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initialFrameBuffer), maxFrameSize)
	sc.Split(splitJPEG)
	return sc
}

// mjpegCapture decodes a concatenated JPEG stream such as a .mjpeg file
type mjpegCapture struct {
	r       io.ReadSeeker
	closer  io.Closer
	scanner *bufio.Scanner
}

func newMJPEGCapture(r io.ReadSeeker, closer io.Closer) *mjpegCapture {
	return &mjpegCapture{r: r, closer: closer, scanner: newFrameScanner(r)}
}

func (c *mjpegCapture) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	img, err := jpeg.Decode(bytes.NewReader(c.scanner.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

func (c *mjpegCapture) Rewind(_ context.Context) error {
	if _, err := c.r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek to start: %w", err)
	}
	c.scanner = newFrameScanner(c.r)
	return nil
}

func (c *mjpegCapture) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
