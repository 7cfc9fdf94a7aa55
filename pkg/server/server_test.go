package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/menta2k/production-vision/internal/metrics"
	"github.com/menta2k/production-vision/pkg/bom"
	"github.com/menta2k/production-vision/pkg/pipeline"
	"github.com/menta2k/production-vision/pkg/production"
	"github.com/menta2k/production-vision/pkg/stream"
	"github.com/menta2k/production-vision/pkg/types"
	"github.com/menta2k/production-vision/pkg/video"
)

type fakePipeline struct {
	mu       sync.Mutex
	started  []video.Spec
	ensured  int
	startErr error
}

func (p *fakePipeline) Start(_ context.Context, spec video.Spec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.started = append(p.started, spec)
	return nil
}

func (p *fakePipeline) EnsureRunning(_ context.Context, spec video.Spec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensured++
	return p.startErr
}

func (p *fakePipeline) ensureCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensured
}

func (p *fakePipeline) Status() pipeline.Status {
	return pipeline.Status{Running: true, Source: "/dev/video0", Kind: "device"}
}

type fakeDetections struct{ snap types.Snapshot }

func (f fakeDetections) CurrentDetections() types.Snapshot { return f.snap }

type fixture struct {
	server   *Server
	pipeline *fakePipeline
	hub      *stream.Hub
	prod     *production.State
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		pipeline: &fakePipeline{},
		hub:      stream.NewHub(nil),
		prod: production.NewState(bom.New(map[string]types.PartInfo{
			"WIDGET_OK": {Program: "P-100", PartNumber: "00042", Description: "Widget"},
		})),
		dir: t.TempDir(),
	}
	dets := fakeDetections{snap: types.Snapshot{Seq: 4, Detections: []types.Detection{
		{ClassName: "WIDGET_OK", TrackID: 3, Box: [4]int{1, 2, 3, 4}},
	}}}
	f.server = New(f.pipeline, f.hub, f.prod, dets, Config{
		DefaultSource:  video.DeviceSpec("/dev/video0"),
		UploadDir:      f.dir,
		MaxUploadBytes: 1 << 20,
	}, metrics.New(), zaptest.NewLogger(t))
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestProductionData(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.prod.AttributeDetections(1, types.Snapshot{Detections: []types.Detection{{ClassName: "WIDGET_OK"}}}))

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/production_data", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	part := body["line1_part"].(map[string]any)
	assert.Equal(t, "P-100", part["program"])
	assert.Equal(t, "00042", part["number"])
	assert.Equal(t, 0.0, body["total_quantity"])
}

func TestProductionReset(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.prod.AttributeDetections(1, types.Snapshot{Detections: []types.Detection{{ClassName: "WIDGET_OK"}}}))

	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/production_data/reset", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	line1, _ := f.prod.Snapshot().Line(1)
	assert.Equal(t, types.PartInfo{}, line1.Part)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/production_data/reset", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDetections(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/detections", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap types.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Detections, 1)
	assert.Equal(t, 3, snap.Detections[0].TrackID)
	assert.Contains(t, rec.Body.String(), `"class_name":"WIDGET_OK"`)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"running":true`)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "production_vision_frames_total")
}

func uploadRequest(t *testing.T, field, name string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload_video", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadSwitchesSource(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, uploadRequest(t, "video", "shift.mp4", []byte("not really a video")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, f.pipeline.started, 1)
	spec := f.pipeline.started[0]
	assert.Equal(t, video.KindFile, spec.Kind)
	data, err := os.ReadFile(spec.Path)
	require.NoError(t, err)
	assert.Equal(t, "not really a video", string(data))
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestUploadRemovesReplacedFile(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, uploadRequest(t, "video", "first.mp4", []byte("one")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, uploadRequest(t, "video", "second.mp4", []byte("two")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, f.pipeline.started, 2)
	first, second := f.pipeline.started[0].Path, f.pipeline.started[1].Path
	assert.NoFileExists(t, first)
	assert.FileExists(t, second)

	// a file that never started playing is not kept, the playing one stays
	f.pipeline.startErr = video.ErrSourceUnavailable
	rec = f.do(t, uploadRequest(t, "video", "third.mp4", []byte("three")))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.FileExists(t, second)

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUploadRejects(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, uploadRequest(t, "file", "shift.mp4", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, uploadRequest(t, "video", "notes.txt", []byte("x")))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = f.do(t, uploadRequest(t, "video", "huge.mp4", bytes.Repeat([]byte("x"), 2<<20)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	f.pipeline.startErr = errors.Join(video.ErrSourceUnavailable, errors.New("no decoder"))
	rec = f.do(t, uploadRequest(t, "video", "broken.mp4", []byte("x")))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	assert.Empty(t, f.pipeline.started)
}

func TestVideoFeed(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/video_feed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))
	assert.Equal(t, 1, f.pipeline.ensureCalls())

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, 5*time.Second, time.Millisecond)
	chunk := stream.Chunk([]byte{0xFF, 0xD8, 0xFF, 0xD9}, "image/jpeg")
	f.hub.Publish(chunk)

	got := make([]byte, len(chunk))
	_, err = io.ReadFull(resp.Body, got)
	require.NoError(t, err)
	assert.Equal(t, chunk, got)
}

func TestVideoFeedSourceUnavailable(t *testing.T) {
	f := newFixture(t)
	f.pipeline.startErr = video.ErrSourceUnavailable
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/video_feed", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListenAndServeShutsDown(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
