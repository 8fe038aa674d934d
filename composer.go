// Package composer analyzes the composition of a photograph and produces an
// automatically improved version of it.
//
// The pipeline measures the image (gradients, saliency, horizon tilt, tone and
// colour statistics), proposes a handful of crop candidates, scores them with
// a pluggable scorer that falls back to a closed-form heuristic, and renders
// the best one: cropped, leveled, slightly keystone-corrected and toned.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		composer "github.com/menta2k/image-composer"
//		"github.com/menta2k/image-composer/pkg/processing"
//		"github.com/menta2k/image-composer/pkg/types"
//	)
//
//	func main() {
//		proc := processing.NewProcessor()
//		buf, err := proc.LoadPixelBuffer(context.Background(), "photo.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		c := composer.New(nil) // heuristic scoring
//		defer c.Close()
//
//		result, err := c.Process(context.Background(), buf, composer.ProcessOptions{})
//		if err != nil {
//			log.Fatal(err)
//		}
//		if result.Rendered != nil {
//			img := result.Rendered.Image.NRGBA()
//			_ = proc.SaveImage(img, "photo_improved.jpg", types.OutputOptions{Format: "jpg", Quality: 90})
//		}
//	}
//
// The packages behind the facade:
//
//  1. Vision (pkg/vision): gradient field, saliency window search, horizon estimate
//  2. Analyzer (pkg/analyzer): composition metrics and feedback tags
//  3. Cropper (pkg/cropper): crop candidates, feature vectors, selection
//  4. Scoring (pkg/scoring): scorer service, heuristic, local and remote backends
//  5. Render (pkg/render): geometric and photometric rendering
package composer

import (
	"context"
	"fmt"

	"github.com/menta2k/image-composer/pkg/analyzer"
	"github.com/menta2k/image-composer/pkg/cropper"
	"github.com/menta2k/image-composer/pkg/processing"
	"github.com/menta2k/image-composer/pkg/render"
	"github.com/menta2k/image-composer/pkg/scoring"
	"github.com/menta2k/image-composer/pkg/types"
	"github.com/menta2k/image-composer/pkg/vision"
)

// Version of the image composer library
const Version = "2.0.0"

// Composer runs the analysis, candidate and render pipeline
type Composer struct {
	analyzer  *analyzer.Analyzer
	saliency  *vision.SaliencyEstimator
	horizon   *vision.HorizonEstimator
	cropper   *cropper.Generator
	renderer  *render.Renderer
	scorer    *scoring.Service
	processor *processing.Processor
	detector  SubjectDetector
	thumbnail int
}

// SubjectDetector locates the main subject by other means than the gradient
// saliency search, typically a vision model
type SubjectDetector interface {
	DetectSubject(ctx context.Context, buf types.PixelBuffer) (vision.SaliencyResult, error)
}

// Config groups the per-stage configuration
type Config struct {
	Analyzer analyzer.Config
	Saliency vision.SaliencyConfig
	Horizon  vision.HorizonConfig
	Cropper  cropper.CropConfig
	Render   render.Options
	// ThumbnailSize > 0 attaches a JPEG thumbnail of that size to scoring requests
	ThumbnailSize int
}

// DefaultConfig returns the stock configuration of every stage
func DefaultConfig() Config {
	return Config{
		Analyzer: analyzer.DefaultConfig(),
		Saliency: vision.DefaultSaliencyConfig(),
		Horizon:  vision.DefaultHorizonConfig(),
		Cropper:  cropper.CropConfig{MaxCandidates: cropper.DefaultMaxCandidates},
		Render:   render.DefaultOptions(),
	}
}

// New creates a Composer with default configuration. A nil scorer scores
// with the heuristic only.
func New(scorer *scoring.Service) *Composer {
	return NewWithConfig(DefaultConfig(), scorer)
}

// NewWithConfig creates a Composer with custom configuration
func NewWithConfig(cfg Config, scorer *scoring.Service) *Composer {
	if scorer == nil {
		scorer = scoring.NewService()
	}
	return &Composer{
		analyzer:  analyzer.NewWithConfig(cfg.Analyzer),
		saliency:  vision.NewSaliencyEstimatorWithConfig(cfg.Saliency),
		horizon:   vision.NewHorizonEstimatorWithConfig(cfg.Horizon),
		cropper:   cropper.NewWithConfig(cfg.Cropper),
		renderer:  render.NewWithOptions(cfg.Render),
		scorer:    scorer,
		processor: processing.NewProcessor(),
		thumbnail: cfg.ThumbnailSize,
	}
}

// Scorer returns the scoring service
func (c *Composer) Scorer() *scoring.Service {
	return c.scorer
}

// WithSubjectDetector makes Process prefer d over the saliency estimate.
// Detector failures fall back to the estimate.
func (c *Composer) WithSubjectDetector(d SubjectDetector) *Composer {
	c.detector = d
	return c
}

// Validate rejects images below the analyzer's minimum size
func (c *Composer) Validate(buf types.PixelBuffer) error {
	return c.analyzer.ValidateImage(buf)
}

// Close releases the scorer backend
func (c *Composer) Close() error {
	return c.scorer.Close()
}

// Subject sources
const (
	SubjectFromSaliency = "saliency"
	SubjectFromDetector = "detector"
)

// Analysis is the metrics record plus the detector results it was built from
type Analysis struct {
	Metrics       analyzer.Metrics      `json:"metrics"`
	Saliency      vision.SaliencyResult `json:"saliency"`
	Horizon       vision.HorizonResult  `json:"horizon"`
	SubjectSource string                `json:"subjectSource"`
}

// Analyze runs the saliency and horizon detectors and the metrics analyzer
func (c *Composer) Analyze(buf types.PixelBuffer) Analysis {
	return c.analyzeWith(buf, c.saliency.Estimate(buf), SubjectFromSaliency)
}

// analyze is Analyze with the subject detector, when one is set
func (c *Composer) analyze(ctx context.Context, buf types.PixelBuffer) Analysis {
	sal := c.saliency.Estimate(buf)
	if c.detector == nil || buf.Empty() {
		return c.analyzeWith(buf, sal, SubjectFromSaliency)
	}
	det, err := c.detector.DetectSubject(ctx, buf)
	if err != nil {
		return c.analyzeWith(buf, sal, SubjectFromSaliency)
	}
	det.Map = sal.Map
	return c.analyzeWith(buf, det, SubjectFromDetector)
}

func (c *Composer) analyzeWith(buf types.PixelBuffer, sal vision.SaliencyResult, source string) Analysis {
	hor := c.horizon.Estimate(buf)
	m := c.analyzer.Analyze(buf, analyzer.Detections{Saliency: &sal, Horizon: &hor})
	return Analysis{Metrics: m, Saliency: sal, Horizon: hor, SubjectSource: source}
}

// GenerateCandidates proposes crops for a width x height image
func (c *Composer) GenerateCandidates(width, height int, m analyzer.Metrics) []cropper.Candidate {
	return c.cropper.Generate(width, height, m)
}

// ScoreContext summarizes the image for scoring backends
func (c *Composer) ScoreContext(buf types.PixelBuffer, m analyzer.Metrics) *scoring.ScoreContext {
	sc := &scoring.ScoreContext{
		ImageWidth:         m.ImageSize.Width,
		ImageHeight:        m.ImageSize.Height,
		SaliencyConfidence: m.SaliencyConfidence,
		HorizonAngle:       m.HorizonAngle,
		HorizonConfidence:  m.HorizonConfidence,
	}
	for _, tag := range m.Feedback {
		sc.Feedback = append(sc.Feedback, string(tag))
	}
	if c.thumbnail > 0 && !buf.Empty() {
		// scoring works without the thumbnail
		if b64, err := c.processor.PrepareImageForModel(buf.View(), "jpg", c.thumbnail, 80); err == nil {
			sc.ImageB64 = b64
		}
	}
	return sc
}

// ScoreCandidates scores one batch and returns scored copies of the
// candidates together with the mode that produced the scores
func (c *Composer) ScoreCandidates(ctx context.Context, candidates []cropper.Candidate, sc *scoring.ScoreContext) ([]cropper.Candidate, scoring.Mode) {
	features := make([]types.Features, len(candidates))
	for i, cand := range candidates {
		features[i] = cand.Features
	}

	batch := c.scorer.Score(ctx, features, sc)

	scored := make([]cropper.Candidate, len(candidates))
	copy(scored, candidates)
	for i := range scored {
		s := batch.Results[i]
		scored[i].CompositionScore = s.Composition
		scored[i].AestheticScore = s.Aesthetic
		scored[i].Mode = string(s.Mode)
	}
	return scored, batch.Mode
}

// SelectBest picks the highest scoring candidate
func (c *Composer) SelectBest(candidates []cropper.Candidate) (cropper.Candidate, bool) {
	return cropper.SelectBest(candidates)
}

// Render produces the improved image for a candidate
func (c *Composer) Render(buf types.PixelBuffer, m analyzer.Metrics, cand cropper.Candidate) (render.Result, error) {
	return c.renderer.Render(buf, m, cand)
}

// Selection is the chosen candidate. Metrics points at the analysis it was
// chosen from and is never modified.
type Selection struct {
	Metrics          *analyzer.Metrics `json:"-"`
	Candidate        cropper.Candidate `json:"candidate"`
	Crop             types.Rect        `json:"crop"`
	Rotation         float64           `json:"rotation"`
	CompositionScore float64           `json:"compositionScore"`
	AestheticScore   float64           `json:"aestheticScore"`
	Mode             scoring.Mode      `json:"mode"`
}

// ProcessOptions controls Process
type ProcessOptions struct {
	// SkipRender stops after selection
	SkipRender bool
}

// Result is the outcome of one Process run
type Result struct {
	Analysis   Analysis            `json:"analysis"`
	Candidates []cropper.Candidate `json:"candidates"`
	ScoreMode  scoring.Mode        `json:"scoreMode"`
	Selection  *Selection          `json:"selection,omitempty"`
	Rendered   *render.Result      `json:"rendered,omitempty"`
}

// Process runs the whole pipeline on buf. Scorer failures never surface;
// an image without candidates yields a result without selection.
func (c *Composer) Process(ctx context.Context, buf types.PixelBuffer, opts ProcessOptions) (*Result, error) {
	res := &Result{Analysis: c.analyze(ctx, buf), ScoreMode: scoring.ModeRules}
	m := &res.Analysis.Metrics

	candidates := c.GenerateCandidates(buf.Width, buf.Height, *m)
	if len(candidates) == 0 {
		res.Candidates = []cropper.Candidate{}
		return res, nil
	}

	res.Candidates, res.ScoreMode = c.ScoreCandidates(ctx, candidates, c.ScoreContext(buf, *m))

	best, ok := c.SelectBest(res.Candidates)
	if !ok {
		return res, nil
	}
	res.Selection = &Selection{
		Metrics:          m,
		Candidate:        best,
		Crop:             best.Crop,
		Rotation:         best.RotationDegrees,
		CompositionScore: best.CompositionScore,
		AestheticScore:   best.AestheticScore,
		Mode:             scoring.Mode(best.Mode),
	}

	if opts.SkipRender {
		return res, nil
	}
	rendered, err := c.Render(buf, *m, best)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", best.ID, err)
	}
	res.Rendered = &rendered
	return res, nil
}
