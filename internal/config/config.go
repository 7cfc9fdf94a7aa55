package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	configName      = "production-vision"
	configType      = "yaml"
	envPrefix       = "PV"
	envKeySeparator = "_"
)

// Config holds the application configuration
type Config struct {
	Source  SourceConfig  `mapstructure:"source" yaml:"source"`
	Canvas  CanvasConfig  `mapstructure:"canvas" yaml:"canvas"`
	Model   ModelConfig   `mapstructure:"model" yaml:"model"`
	Overlay OverlayConfig `mapstructure:"overlay" yaml:"overlay"`
	Stream  StreamConfig  `mapstructure:"stream" yaml:"stream"`
	BOM     BOMConfig     `mapstructure:"bom" yaml:"bom"`
	Line    LineConfig    `mapstructure:"line" yaml:"line"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// SourceConfig selects the live capture device
type SourceConfig struct {
	Device      string        `mapstructure:"device" yaml:"device"`
	InputFormat string        `mapstructure:"input_format" yaml:"input_format"`
	FPS         float64       `mapstructure:"fps" yaml:"fps"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
}

// CanvasConfig is the fixed output frame geometry
type CanvasConfig struct {
	Width          int     `mapstructure:"width" yaml:"width"`
	Height         int     `mapstructure:"height" yaml:"height"`
	ReferenceRatio float64 `mapstructure:"reference_ratio" yaml:"reference_ratio"`
}

// ModelConfig points at the model manifest
type ModelConfig struct {
	Path       string  `mapstructure:"path" yaml:"path"`
	Confidence float64 `mapstructure:"confidence" yaml:"confidence"`
}

// OverlayConfig controls detection drawing
type OverlayConfig struct {
	PassSuffix string `mapstructure:"pass_suffix" yaml:"pass_suffix"`
}

// StreamConfig controls frame encoding for viewers
type StreamConfig struct {
	Format  string `mapstructure:"format" yaml:"format"`
	Quality int    `mapstructure:"quality" yaml:"quality"`
}

// BOMConfig points at the bill of materials
type BOMConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LineConfig selects the production line the camera watches
type LineConfig struct {
	Number int `mapstructure:"number" yaml:"number"`
}

// ServerConfig holds the HTTP surface settings
type ServerConfig struct {
	Addr           string `mapstructure:"addr" yaml:"addr"`
	UploadDir      string `mapstructure:"upload_dir" yaml:"upload_dir"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level    string `mapstructure:"level" yaml:"level"`
	Encoding string `mapstructure:"encoding" yaml:"encoding"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Device:      "/dev/video0",
			InputFormat: "mjpeg",
			FPS:         25,
			ReadTimeout: 5 * time.Second,
		},
		Canvas: CanvasConfig{
			Width:          1020,
			Height:         600,
			ReferenceRatio: 16.0 / 9.0,
		},
		Model: ModelConfig{
			Path:       "models/detector.yaml",
			Confidence: 0.5,
		},
		Overlay: OverlayConfig{PassSuffix: "_OK"},
		Stream: StreamConfig{
			Format:  "jpg",
			Quality: 85,
		},
		BOM:  BOMConfig{Path: "bom.yaml"},
		Line: LineConfig{Number: 1},
		Server: ServerConfig{
			Addr:           ":8000",
			UploadDir:      "uploads",
			MaxUploadBytes: 512 << 20,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

func applyDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("source.device", d.Source.Device)
	v.SetDefault("source.input_format", d.Source.InputFormat)
	v.SetDefault("source.fps", d.Source.FPS)
	v.SetDefault("source.read_timeout", d.Source.ReadTimeout)

	v.SetDefault("canvas.width", d.Canvas.Width)
	v.SetDefault("canvas.height", d.Canvas.Height)
	v.SetDefault("canvas.reference_ratio", d.Canvas.ReferenceRatio)

	v.SetDefault("model.path", d.Model.Path)
	v.SetDefault("model.confidence", d.Model.Confidence)

	v.SetDefault("overlay.pass_suffix", d.Overlay.PassSuffix)

	v.SetDefault("stream.format", d.Stream.Format)
	v.SetDefault("stream.quality", d.Stream.Quality)

	v.SetDefault("bom.path", d.BOM.Path)
	v.SetDefault("line.number", d.Line.Number)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.upload_dir", d.Server.UploadDir)
	v.SetDefault("server.max_upload_bytes", d.Server.MaxUploadBytes)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.encoding", d.Log.Encoding)
}

// Load reads configuration from file, PV_* env vars and defaults.
// An empty path searches the working directory and GetConfigPath's
// directory; a missing file there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Dir(GetConfigPath()))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// SaveToFile writes the configuration as YAML
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Source.FPS <= 0 {
		return fmt.Errorf("source.fps must be positive")
	}
	if c.Source.ReadTimeout <= 0 {
		return fmt.Errorf("source.read_timeout must be positive")
	}
	if c.Canvas.Width < 1 || c.Canvas.Height < 1 {
		return fmt.Errorf("canvas.width and canvas.height must be positive")
	}
	if c.Canvas.ReferenceRatio <= 0 {
		return fmt.Errorf("canvas.reference_ratio must be positive")
	}
	if c.Model.Confidence < 0 || c.Model.Confidence > 1 {
		return fmt.Errorf("model.confidence must be between 0 and 1")
	}
	switch strings.ToLower(c.Stream.Format) {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("stream.format %q is not one of jpg, png, webp", c.Stream.Format)
	}
	if c.Stream.Quality < 1 || c.Stream.Quality > 100 {
		return fmt.Errorf("stream.quality must be between 1 and 100")
	}
	if c.Line.Number < 1 || c.Line.Number > 2 {
		return fmt.Errorf("line.number must be 1 or 2")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}
	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./" + configName + ".yaml"
	}
	return filepath.Join(home, ".config", configName, configName+".yaml")
}
