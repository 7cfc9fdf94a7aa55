package vision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/menta2k/production-vision/pkg/client"
	"github.com/menta2k/production-vision/pkg/llamacpp"
	"github.com/menta2k/production-vision/pkg/ollama"
)

// ErrManifest is returned for unreadable or invalid model manifests
var ErrManifest = errors.New("invalid model manifest")

// Manifest describes a detection model: which backend serves it and which
// classes it knows. The position of a class in Classes is its class index.
type Manifest struct {
	Backend string      `yaml:"backend"`
	URL     string      `yaml:"url"`
	Model   string      `yaml:"model"`
	Classes []string    `yaml:"classes"`
	Prompt  string      `yaml:"prompt,omitempty"`
	Tracker TrackerConf `yaml:"tracker"`
	Send    SendConf    `yaml:"send"`
}

// TrackerConf tunes the IoU tracker
type TrackerConf struct {
	IOUThreshold float64 `yaml:"iou_threshold"`
	MaxAge       int     `yaml:"max_age"`
}

// SendConf controls how frames are encoded for the backend
type SendConf struct {
	Format  string `yaml:"format"`
	MaxDim  int    `yaml:"max_dim"`
	Quality int    `yaml:"quality"`
}

// Loader builds a tracking model from a manifest path
type Loader func(ctx context.Context, path string, confidence float64) (client.Tracker, error)

// LoadManifest reads and validates a YAML manifest
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrManifest, path, err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	m.Backend = strings.ToLower(strings.TrimSpace(m.Backend))
	if m.Send.Format == "" {
		m.Send.Format = "jpg"
	}
	if m.Send.MaxDim == 0 {
		m.Send.MaxDim = 1024
	}
	if m.Send.Quality == 0 {
		m.Send.Quality = 85
	}
}

// Validate checks the manifest
func (m *Manifest) Validate() error {
	switch m.Backend {
	case "ollama", "llamacpp":
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrManifest, m.Backend)
	}
	if m.Model == "" {
		return fmt.Errorf("%w: model name is required", ErrManifest)
	}
	if len(m.Classes) == 0 {
		return fmt.Errorf("%w: no classes", ErrManifest)
	}
	seen := make(map[string]bool, len(m.Classes))
	for _, c := range m.Classes {
		if c == "" {
			return fmt.Errorf("%w: empty class name", ErrManifest)
		}
		if seen[c] {
			return fmt.Errorf("%w: duplicate class %q", ErrManifest, c)
		}
		seen[c] = true
	}
	if m.Tracker.IOUThreshold < 0 || m.Tracker.IOUThreshold > 1 {
		return fmt.Errorf("%w: iou_threshold must be between 0 and 1", ErrManifest)
	}
	return nil
}

// NewBackend creates the vision client named by the manifest
func NewBackend(m *Manifest) (client.VisionClient, error) {
	switch m.Backend {
	case "ollama":
		url := m.URL
		if url == "" {
			url = "http://localhost:11434"
		}
		c, err := ollama.NewClient(url)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrManifest, err)
		}
		return c, nil
	case "llamacpp":
		c, err := llamacpp.NewClient(m.URL, llamacpp.WithImageFormat(m.Send.Format))
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrManifest, m.Backend)
}

// Load is the default Loader: manifest, then backend, then model
func Load(_ context.Context, path string, confidence float64) (client.Tracker, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	backend, err := NewBackend(m)
	if err != nil {
		return nil, err
	}
	return NewModel(backend, *m, confidence)
}
