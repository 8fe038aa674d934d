package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	composer "github.com/menta2k/image-composer"
	"github.com/menta2k/image-composer/internal/config"
	"github.com/menta2k/image-composer/internal/storage"
	"github.com/menta2k/image-composer/pkg/analyzer"
	"github.com/menta2k/image-composer/pkg/client"
	"github.com/menta2k/image-composer/pkg/cloud"
	"github.com/menta2k/image-composer/pkg/cropper"
	"github.com/menta2k/image-composer/pkg/detection"
	"github.com/menta2k/image-composer/pkg/llamacpp"
	"github.com/menta2k/image-composer/pkg/ollama"
	"github.com/menta2k/image-composer/pkg/processing"
	"github.com/menta2k/image-composer/pkg/render"
	"github.com/menta2k/image-composer/pkg/scoring"
	"github.com/menta2k/image-composer/pkg/types"
	"github.com/menta2k/image-composer/pkg/vision"
)

const defaultOllamaURL = "http://localhost:11434"

// app holds everything a command needs
type app struct {
	cfg       *config.Config
	composer  *composer.Composer
	processor *processing.Processor
	azure     *storage.AzureStorage
	logger    zerolog.Logger
}

func newApp(cfg *config.Config, keepMap bool, logger zerolog.Logger) (*app, error) {
	mc, err := buildModelClient(cfg.Scorer)
	if err != nil {
		return nil, err
	}
	scorer, err := buildScorer(cfg.Scorer, mc, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		composer:  composer.NewWithConfig(composerConfig(cfg, keepMap), scorer),
		processor: processing.NewProcessorWithMaxDimension(cfg.Analyzer.MaxDimension).WithMaxPixels(cfg.Analyzer.MaxPixels),
		logger:    logger,
	}
	if cfg.Vision.DetectSubject && mc != nil {
		d := detection.NewDetector(mc, cfg.Scorer.Model).WithMinConfidence(cfg.Vision.DetectMinConfidence)
		a.composer.WithSubjectDetector(d)
	}

	if cfg.Output.AzureAccount != "" {
		a.azure, err = storage.NewAzureStorage(cfg.Output.AzureAccount, cfg.Output.AzureKey, cfg.Output.AzureContainer, cfg.Output.AzureEndpoint)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) Close() error {
	return a.composer.Close()
}

// composerConfig maps the file configuration onto the pipeline stages
func composerConfig(cfg *config.Config, keepMap bool) composer.Config {
	c := composer.Config{
		Analyzer: analyzer.Config{
			MinSubjectPixels:  cfg.Analyzer.MinSubjectPixels,
			SubjectPercentile: cfg.Analyzer.SubjectPercentile,
			HorizonPercentile: cfg.Analyzer.HorizonPercentile,
			SubjectPadding:    cfg.Analyzer.SubjectPadding,
			MinImageSize:      cfg.Analyzer.MinImageSize,
		},
		Saliency: vision.SaliencyConfig{
			MinStep:     cfg.Vision.SaliencyMinStep,
			StepRatio:   cfg.Vision.SaliencyStepRatio,
			MinStride:   cfg.Vision.SaliencyMinStride,
			RingWidth:   cfg.Vision.SaliencyRingWidth,
			RingPenalty: cfg.Vision.SaliencyRingPenalty,
			KeepMap:     cfg.Vision.KeepSaliencyMap || keepMap,
		},
		Horizon: vision.HorizonConfig{
			BandTop:         cfg.Vision.HorizonBandTop,
			BandBottom:      cfg.Vision.HorizonBandBottom,
			MinMagnitude:    cfg.Vision.HorizonMinMagnitude,
			ConfidenceScale: cfg.Vision.HorizonConfidenceScale,
		},
		Cropper: cropper.CropConfig{MaxCandidates: cfg.Cropper.MaxCandidates},
		Render: render.Options{
			DisablePerspective: cfg.Render.DisablePerspective,
			MaxRotation:        cfg.Render.MaxRotation,
		},
	}
	if cfg.Scorer.SendThumbnail {
		c.ThumbnailSize = cfg.Scorer.ThumbnailSize
	}
	return c
}

// buildModelClient creates the vision model client of the ollama and
// llamacpp backends and returns nil for the others
func buildModelClient(sc config.ScorerConfig) (client.ModelClient, error) {
	switch sc.Backend {
	case config.BackendOllama:
		url := sc.URL
		if url == "" {
			url = defaultOllamaURL
		}
		c, err := ollama.NewClient(url)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return c, nil
	case config.BackendLlamaCpp:
		c, err := llamacpp.NewClient(sc.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return c, nil
	default:
		return nil, nil
	}
}

// buildScorer creates the scoring service for the configured backend. mc is
// the model client for the ollama and llamacpp backends.
func buildScorer(sc config.ScorerConfig, mc client.ModelClient, logger zerolog.Logger) (*scoring.Service, error) {
	opts := []scoring.Option{
		scoring.WithTimeout(sc.Timeout.Duration),
		scoring.WithVersion(sc.Version),
		scoring.WithLogger(logger),
	}

	switch sc.Backend {
	case "", config.BackendRules:
	case config.BackendLocal:
		model := scoring.DefaultLinearModel()
		if sc.ModelFile != "" {
			var err error
			if model, err = scoring.LoadLinearModel(sc.ModelFile); err != nil {
				return nil, err
			}
		}
		opts = append(opts, scoring.WithBackend(scoring.NewLocalBackend(model, sc.Workers)))
	case config.BackendOllama, config.BackendLlamaCpp:
		if mc == nil {
			return nil, fmt.Errorf("backend %s needs a model client", sc.Backend)
		}
		opts = append(opts, scoring.WithBackend(scoring.NewModelBackend(mc, sc.Model)))
	case config.BackendCloud:
		c, err := cloud.NewClient(sc.URL, cloud.WithAPIKey(sc.APIKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create cloud client: %w", err)
		}
		opts = append(opts, scoring.WithBackend(c))
	default:
		return nil, fmt.Errorf("unknown backend: %s", sc.Backend)
	}

	return scoring.NewService(opts...), nil
}

// sink returns where improved images are written
func (a *app) sink(outDir string) (storage.Sink, error) {
	switch a.cfg.Output.Sink {
	case config.SinkAzure:
		if a.azure == nil {
			return nil, fmt.Errorf("azure sink needs an account")
		}
		return a.azure, nil
	default:
		if outDir == "" {
			outDir = a.cfg.Output.OutputDir
		}
		return storage.NewLocalSink(outDir)
	}
}

// load reads a file, URL or azure:// blob into a pixel buffer
func (a *app) load(ctx context.Context, source string) (types.PixelBuffer, error) {
	if !storage.IsBlobRef(source) {
		return a.processor.LoadPixelBuffer(ctx, source)
	}
	if a.azure == nil {
		return types.PixelBuffer{}, fmt.Errorf("%s: azure storage is not configured", source)
	}
	data, err := a.azure.Fetch(ctx, source)
	if err != nil {
		return types.PixelBuffer{}, err
	}
	img, err := a.processor.DecodeImage(data)
	if err != nil {
		return types.PixelBuffer{}, err
	}
	return a.processor.ToPixelBuffer(img), nil
}

func (a *app) outputOptions() types.OutputOptions {
	return types.OutputOptions{
		Format:   a.cfg.Output.DefaultFormat,
		Quality:  a.cfg.Output.Quality,
		Lossless: a.cfg.Output.Lossless,
	}
}

// debugOverlay describes the analysis and the selection for CreateDebugOverlay
func debugOverlay(res *composer.Result) processing.Overlay {
	m := res.Analysis.Metrics
	ov := processing.Overlay{
		Heatmap: res.Analysis.Saliency.Map,
		Subject: m.SubjectRect,
	}
	if m.HorizonConfidence > 0 {
		line := m.HorizonLine
		ov.Horizon = &line
	}
	if sel := res.Selection; sel != nil {
		crop := sel.Crop
		focus := types.Point{
			X: float64(crop.X) + sel.Candidate.Focus.X,
			Y: float64(crop.Y) + sel.Candidate.Focus.Y,
		}
		ov.Crop = &crop
		ov.Focus = &focus
	}
	return ov
}
