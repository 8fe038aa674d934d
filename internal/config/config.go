package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Scorer backends
const (
	BackendRules    = "rules"
	BackendLocal    = "local"
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
	BackendCloud    = "cloud"
)

// Output sinks
const (
	SinkLocal = "local"
	SinkAzure = "azure"
)

// Config holds the application configuration
type Config struct {
	Analyzer AnalyzerConfig `json:"analyzer"`
	Vision   VisionConfig   `json:"vision"`
	Cropper  CropperConfig  `json:"cropper"`
	Scorer   ScorerConfig   `json:"scorer"`
	Render   RenderConfig   `json:"render"`
	Output   OutputConfig   `json:"output"`
	Server   ServerConfig   `json:"server"`
}

// Duration is a time.Duration written as a string such as "8s"
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "8s" style strings or a number of seconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = v
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	d.Duration = time.Duration(secs * float64(time.Second))
	return nil
}

// AnalyzerConfig holds configuration for image analysis
type AnalyzerConfig struct {
	MaxDimension      int     `json:"max_dimension"`
	MaxPixels         int64   `json:"max_pixels"`
	MinImageSize      int     `json:"min_image_size"`
	MinSubjectPixels  int     `json:"min_subject_pixels"`
	SubjectPercentile float64 `json:"subject_percentile"`
	HorizonPercentile float64 `json:"horizon_percentile"`
	SubjectPadding    int     `json:"subject_padding"`
}

// VisionConfig holds configuration for the saliency and horizon estimators
type VisionConfig struct {
	SaliencyMinStep     int     `json:"saliency_min_step"`
	SaliencyStepRatio   float64 `json:"saliency_step_ratio"`
	SaliencyMinStride   int     `json:"saliency_min_stride"`
	SaliencyRingWidth   int     `json:"saliency_ring_width"`
	SaliencyRingPenalty float64 `json:"saliency_ring_penalty"`
	KeepSaliencyMap     bool    `json:"keep_saliency_map"`
	// DetectSubject asks the scorer's vision model for the subject box
	DetectSubject       bool    `json:"detect_subject"`
	DetectMinConfidence float64 `json:"detect_min_confidence"`

	HorizonBandTop         float64 `json:"horizon_band_top"`
	HorizonBandBottom      float64 `json:"horizon_band_bottom"`
	HorizonMinMagnitude    float64 `json:"horizon_min_magnitude"`
	HorizonConfidenceScale float64 `json:"horizon_confidence_scale"`
}

// CropperConfig holds configuration for candidate generation
type CropperConfig struct {
	MaxCandidates int `json:"max_candidates"`
}

// ScorerConfig selects and tunes the candidate scorer
type ScorerConfig struct {
	Backend string   `json:"backend"`
	URL     string   `json:"url,omitempty"`
	Model   string   `json:"model,omitempty"`
	APIKey  string   `json:"api_key,omitempty"`
	Timeout Duration `json:"timeout"`
	Version string   `json:"version"`
	// ModelFile is a linear model JSON for the local backend
	ModelFile string `json:"model_file,omitempty"`
	Workers   int    `json:"workers"`
	// SendThumbnail attaches a downscaled JPEG to remote scoring requests
	SendThumbnail bool `json:"send_thumbnail"`
	ThumbnailSize int  `json:"thumbnail_size"`
}

// RenderConfig holds configuration for the renderer
type RenderConfig struct {
	DisablePerspective bool    `json:"disable_perspective"`
	MaxRotation        float64 `json:"max_rotation"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	DefaultFormat string `json:"default_format"`
	Quality       int    `json:"quality"`
	Lossless      bool   `json:"lossless"`
	Sink          string `json:"sink"`
	OutputDir     string `json:"output_dir"`
	Prefix        string `json:"prefix"`
	Suffix        string `json:"suffix"`

	AzureAccount   string `json:"azure_account,omitempty"`
	AzureKey       string `json:"azure_key,omitempty"`
	AzureContainer string `json:"azure_container,omitempty"`
	// AzureEndpoint overrides the account blob URL, e.g. for Azurite
	AzureEndpoint string `json:"azure_endpoint,omitempty"`
}

// ServerConfig holds configuration for the HTTP API
type ServerConfig struct {
	Addr           string   `json:"addr"`
	MaxUploadBytes int64    `json:"max_upload_bytes"`
	RequestTimeout Duration `json:"request_timeout"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Analyzer: AnalyzerConfig{
			MaxDimension:      2048,
			MaxPixels:         50_000_000,
			MinImageSize:      16,
			MinSubjectPixels:  50,
			SubjectPercentile: 0.82,
			HorizonPercentile: 0.75,
			SubjectPadding:    4,
		},
		Vision: VisionConfig{
			SaliencyMinStep:        12,
			SaliencyStepRatio:      0.08,
			SaliencyMinStride:      8,
			SaliencyRingWidth:      6,
			SaliencyRingPenalty:    0.45,
			DetectMinConfidence:    0.35,
			HorizonBandTop:         0.2,
			HorizonBandBottom:      0.8,
			HorizonMinMagnitude:    48,
			HorizonConfidenceScale: 22,
		},
		Cropper: CropperConfig{
			MaxCandidates: 6,
		},
		Scorer: ScorerConfig{
			Backend:       BackendRules,
			Timeout:       Duration{8 * time.Second},
			Version:       "v2.0.0",
			Workers:       2,
			ThumbnailSize: 512,
		},
		Render: RenderConfig{
			MaxRotation: 18,
		},
		Output: OutputConfig{
			DefaultFormat: "jpg",
			Quality:       90,
			Sink:          SinkLocal,
			OutputDir:     "./output",
			Prefix:        "",
			Suffix:        "_improved",
		},
		Server: ServerConfig{
			Addr:           ":8080",
			MaxUploadBytes: 32 << 20,
			RequestTimeout: Duration{60 * time.Second},
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Missing fields keep
// their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
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
	if c.Analyzer.MaxDimension < 0 {
		return fmt.Errorf("analyzer.max_dimension cannot be negative")
	}
	if c.Analyzer.MaxPixels < 0 {
		return fmt.Errorf("analyzer.max_pixels cannot be negative")
	}

	if c.Analyzer.MinImageSize < 1 {
		return fmt.Errorf("analyzer.min_image_size must be positive")
	}

	if c.Analyzer.SubjectPercentile <= 0 || c.Analyzer.SubjectPercentile >= 1 {
		return fmt.Errorf("analyzer.subject_percentile must be between 0 and 1")
	}

	if c.Analyzer.HorizonPercentile <= 0 || c.Analyzer.HorizonPercentile >= 1 {
		return fmt.Errorf("analyzer.horizon_percentile must be between 0 and 1")
	}

	if c.Vision.HorizonBandTop < 0 || c.Vision.HorizonBandBottom > 1 || c.Vision.HorizonBandTop >= c.Vision.HorizonBandBottom {
		return fmt.Errorf("vision.horizon_band_top must be below vision.horizon_band_bottom within [0,1]")
	}

	if c.Vision.DetectSubject && c.Scorer.Backend != BackendOllama && c.Scorer.Backend != BackendLlamaCpp {
		return fmt.Errorf("vision.detect_subject needs the ollama or llamacpp backend")
	}

	if c.Cropper.MaxCandidates < 1 {
		return fmt.Errorf("cropper.max_candidates must be positive")
	}

	switch c.Scorer.Backend {
	case BackendRules, BackendLocal, BackendLlamaCpp:
	case BackendOllama:
		if c.Scorer.Model == "" {
			return fmt.Errorf("scorer.model is required for the ollama backend")
		}
	case BackendCloud:
		if c.Scorer.URL == "" {
			return fmt.Errorf("scorer.url is required for the cloud backend")
		}
	default:
		return fmt.Errorf("scorer.backend must be one of rules, local, ollama, llamacpp, cloud")
	}

	if c.Scorer.Timeout.Duration <= 0 {
		return fmt.Errorf("scorer.timeout must be positive")
	}

	if c.Scorer.Workers < 1 {
		return fmt.Errorf("scorer.workers must be positive")
	}

	if c.Render.MaxRotation <= 0 || c.Render.MaxRotation > 45 {
		return fmt.Errorf("render.max_rotation must be between 0 and 45")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	switch strings.ToLower(c.Output.DefaultFormat) {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("output.default_format must be jpg, png or webp")
	}

	switch c.Output.Sink {
	case SinkLocal:
		if c.Output.OutputDir == "" {
			return fmt.Errorf("output.output_dir cannot be empty")
		}
	case SinkAzure:
		if c.Output.AzureAccount == "" || c.Output.AzureKey == "" || c.Output.AzureContainer == "" {
			return fmt.Errorf("output.azure_account, output.azure_key and output.azure_container are required for the azure sink")
		}
	default:
		return fmt.Errorf("output.sink must be local or azure")
	}

	if c.Server.MaxUploadBytes < 1 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "image-composer", "config.json")
}
