// Package detection locates the main subject of an image with a vision model.
// Its result replaces the gradient saliency estimate when the model is
// confident enough.
package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/menta2k/image-composer/pkg/client"
	"github.com/menta2k/image-composer/pkg/processing"
	"github.com/menta2k/image-composer/pkg/types"
	"github.com/menta2k/image-composer/pkg/vision"
)

// DefaultPrompt is the default prompt for subject detection
const DefaultPrompt = `You are an image subject locator.

Return JSON only:
{
  "primary": {
    "label": "string",
    "confidence": 0.0,
    "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}
  }
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels). x,y is the top-left corner.
- The box should tightly include the visually dominant subject (prefer people/vehicles/animals; else the most salient object).
- If no subject is found, return {"primary":{"label":"none","confidence":0.0,"box":{"x":0,"y":0,"w":0,"h":0}}}
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Defaults for the detector
const (
	DefaultMinConfidence = 0.35
	DefaultImageSize     = 1024
	DefaultImageQuality  = 85
)

// ErrNoSubject is returned when the model finds nothing usable
var ErrNoSubject = errors.New("no subject detected")

// Detection is the model's answer for the primary subject
type Detection struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Box        types.Box `json:"box"`
}

type answer struct {
	Primary Detection `json:"primary"`
}

// Detector handles image subject detection using vision models
type Detector struct {
	client        client.ModelClient
	model         string
	prompt        string
	processor     *processing.Processor
	minConfidence float64
}

// NewDetector creates a new detector with a model client
func NewDetector(c client.ModelClient, model string) *Detector {
	return &Detector{
		client:        c,
		model:         model,
		prompt:        DefaultPrompt,
		processor:     processing.NewProcessor(),
		minConfidence: DefaultMinConfidence,
	}
}

// WithMinConfidence sets the confidence below which detections are rejected
func (d *Detector) WithMinConfidence(v float64) *Detector {
	d.minConfidence = v
	return d
}

// Detect asks the model for the primary subject of buf
func (d *Detector) Detect(ctx context.Context, buf types.PixelBuffer) (Detection, error) {
	if buf.Empty() {
		return Detection{}, ErrNoSubject
	}
	imgB64, err := d.processor.PrepareImageForModel(buf.View(), "jpg", DefaultImageSize, DefaultImageQuality)
	if err != nil {
		return Detection{}, err
	}

	raw, err := d.client.SimpleQuery(ctx, d.model, d.prompt, imgB64)
	if err != nil {
		return Detection{}, fmt.Errorf("subject detection failed: %w", err)
	}
	return ParseDetection(raw)
}

// DetectSubject returns the model detection as a saliency result in buf's
// pixel coordinates
func (d *Detector) DetectSubject(ctx context.Context, buf types.PixelBuffer) (vision.SaliencyResult, error) {
	det, err := d.Detect(ctx, buf)
	if err != nil {
		return vision.SaliencyResult{}, err
	}
	if det.Label == "none" || det.Confidence < d.minConfidence {
		return vision.SaliencyResult{}, fmt.Errorf("%w: %q at confidence %.2f", ErrNoSubject, det.Label, det.Confidence)
	}

	r := RectFromBox(det.Box, buf.Width, buf.Height)
	if r.Area() == 0 {
		return vision.SaliencyResult{}, fmt.Errorf("%w: empty box", ErrNoSubject)
	}
	return vision.SaliencyResult{
		Rect:       r,
		Center:     r.Center(),
		Confidence: det.Confidence,
	}, nil
}

// ParseDetection decodes a model answer and normalizes its box and label
func ParseDetection(raw string) (Detection, error) {
	raw = client.SanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return Detection{}, client.ErrNoJSON
	}
	var a answer
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Detection{}, fmt.Errorf("failed to parse detection: %w", err)
	}

	det := a.Primary
	det.Label = strings.ToLower(strings.TrimSpace(det.Label))
	det.Confidence = clamp(det.Confidence, 0, 1)
	det.Box = normalizeBox(det.Box)

	// labels that mean the model gave up
	for _, indicator := range []string{"unclear", "empty", "error", "fallback", "generic"} {
		if strings.Contains(det.Label, indicator) {
			det.Label, det.Confidence = "none", 0
			break
		}
	}
	if det.Label == "" {
		det.Label = "none"
	}
	return det, nil
}

// RectFromBox converts a normalized box to a pixel rectangle inside a
// width x height frame
func RectFromBox(b types.Box, width, height int) types.Rect {
	x0 := int(math.Round(clamp(b.X, 0, 1) * float64(width)))
	y0 := int(math.Round(clamp(b.Y, 0, 1) * float64(height)))
	x1 := int(math.Round(clamp(b.X+b.W, 0, 1) * float64(width)))
	y1 := int(math.Round(clamp(b.Y+b.H, 0, 1) * float64(height)))
	if x1 <= x0 || y1 <= y0 {
		return types.Rect{}
	}
	return types.Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeBox ensures box coordinates are within [0,1] bounds
func normalizeBox(b types.Box) types.Box {
	b = types.Box{
		X: clamp(b.X, 0, 1),
		Y: clamp(b.Y, 0, 1),
		W: clamp(b.W, 0, 1),
		H: clamp(b.H, 0, 1),
	}
	if b.X+b.W > 1 {
		b.W = 1 - b.X
	}
	if b.Y+b.H > 1 {
		b.H = 1 - b.Y
	}
	return b
}
