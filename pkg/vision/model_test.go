package vision

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/production-vision/pkg/types"
)

type stubClient struct {
	replies [][]types.RawDetection
	calls   int
	err     error
	prompt  string
	model   string
}

func (s *stubClient) DetectObjects(_ context.Context, model, prompt, imgB64 string) ([]types.RawDetection, error) {
	s.model = model
	s.prompt = prompt
	if s.err != nil {
		return nil, s.err
	}
	if imgB64 == "" {
		return nil, errors.New("empty image")
	}
	if len(s.replies) == 0 {
		return nil, nil
	}
	r := s.replies[s.calls%len(s.replies)]
	s.calls++
	return r, nil
}

func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 64, 255})
		}
	}
	return img
}

func testManifest() Manifest {
	return Manifest{
		Backend: "ollama",
		Model:   "minicpm-v",
		Classes: []string{"WIDGET_OK", "WIDGET_NG"},
	}
}

func TestModelTrack(t *testing.T) {
	stub := &stubClient{replies: [][]types.RawDetection{{
		{Label: "WIDGET_OK", Confidence: 0.9, Box: types.Box{X: 0.1, Y: 0.2, W: 0.5, H: 0.5}},
		{Label: "WIDGET_NG", Confidence: 0.2, Box: types.Box{X: 0.5, Y: 0.5, W: 0.1, H: 0.1}},
		{Label: "GASKET", Confidence: 0.95, Box: types.Box{X: 0, Y: 0, W: 1, H: 1}},
	}}}
	m, err := NewModel(stub, testManifest(), 0.5)
	require.NoError(t, err)

	res, err := m.Track(context.Background(), createTestImage(200, 100), true)
	require.NoError(t, err)
	require.Equal(t, 1, res.Len())
	assert.Equal(t, []int{0}, res.Classes)
	assert.Equal(t, []int{1}, res.IDs)
	assert.InDelta(t, 20, res.Boxes[0].X1, 1e-9)
	assert.InDelta(t, 20, res.Boxes[0].Y1, 1e-9)
	assert.InDelta(t, 120, res.Boxes[0].X2, 1e-9)
	assert.InDelta(t, 70, res.Boxes[0].Y2, 1e-9)
	assert.Equal(t, "minicpm-v", stub.model)
	assert.Contains(t, stub.prompt, "WIDGET_NG")
}

func TestModelTrackPersistence(t *testing.T) {
	stub := &stubClient{replies: [][]types.RawDetection{
		{{Label: "WIDGET_OK", Confidence: 0.9, Box: types.Box{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}}},
		{{Label: "WIDGET_OK", Confidence: 0.9, Box: types.Box{X: 0.7, Y: 0.7, W: 0.2, H: 0.2}}},
	}}
	m, err := NewModel(stub, testManifest(), 0.5)
	require.NoError(t, err)
	img := createTestImage(100, 100)

	res, err := m.Track(context.Background(), img, true)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.IDs)

	res, err = m.Track(context.Background(), img, true)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, res.IDs)

	res, err = m.Track(context.Background(), img, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.IDs)
}

func TestModelTrackNothing(t *testing.T) {
	m, err := NewModel(&stubClient{}, testManifest(), 0.5)
	require.NoError(t, err)

	res, err := m.Track(context.Background(), createTestImage(10, 10), true)
	require.NoError(t, err)
	assert.Zero(t, res.Len())
	assert.Nil(t, res.IDs)
}

func TestModelTrackBackendError(t *testing.T) {
	boom := errors.New("backend down")
	m, err := NewModel(&stubClient{err: boom}, testManifest(), 0.5)
	require.NoError(t, err)

	_, err = m.Track(context.Background(), createTestImage(10, 10), true)
	require.ErrorIs(t, err, boom)
}

func TestModelNames(t *testing.T) {
	m, err := NewModel(&stubClient{}, testManifest(), 0.5)
	require.NoError(t, err)
	names := m.Names()
	assert.Equal(t, map[int]string{0: "WIDGET_OK", 1: "WIDGET_NG"}, names)

	names[0] = "changed"
	assert.Equal(t, "WIDGET_OK", m.Names()[0])
	assert.NoError(t, m.Close())
}

func TestNewModelRejects(t *testing.T) {
	_, err := NewModel(nil, testManifest(), 0.5)
	assert.ErrorIs(t, err, ErrManifest)

	_, err = NewModel(&stubClient{}, Manifest{}, 0.5)
	assert.ErrorIs(t, err, ErrManifest)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "model.yaml", `
backend: llamacpp
url: http://127.0.0.1:9
model: detector
classes: [WIDGET_OK, WIDGET_NG]
tracker:
  iou_threshold: 0.4
  max_age: 10
`)
	tr, err := Load(context.Background(), path, 0.5)
	require.NoError(t, err)
	assert.Equal(t, "WIDGET_NG", tr.Names()[1])
	require.NoError(t, tr.Close())
}

func TestLoadManifestDefaults(t *testing.T) {
	path := writeFile(t, "model.yaml", "backend: Ollama\nmodel: m\nclasses: [A]\n")
	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "ollama", m.Backend)
	assert.Equal(t, "jpg", m.Send.Format)
	assert.Equal(t, 1024, m.Send.MaxDim)
	assert.Equal(t, 85, m.Send.Quality)
}

func TestLoadFailures(t *testing.T) {
	cases := map[string]string{
		"bad yaml":        "backend: [ollama\n",
		"unknown backend": "backend: tflite\nmodel: m\nclasses: [A]\n",
		"no classes":      "backend: ollama\nmodel: m\n",
		"no model":        "backend: ollama\nclasses: [A]\n",
		"duplicate class": "backend: ollama\nmodel: m\nclasses: [A, A]\n",
		"bad threshold":   "backend: ollama\nmodel: m\nclasses: [A]\ntracker: {iou_threshold: 2}\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(context.Background(), writeFile(t, "model.yaml", content), 0.5)
			assert.ErrorIs(t, err, ErrManifest)
		})
	}

	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), 0.5)
	assert.ErrorIs(t, err, ErrManifest)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt([]string{"A_OK", "B"})
	assert.Contains(t, p, "- A_OK\n- B\n")
	assert.Contains(t, p, `"objects"`)
}
