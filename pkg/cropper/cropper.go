package cropper

import (
	"math"

	"github.com/menta2k/image-composer/pkg/analyzer"
	"github.com/menta2k/image-composer/pkg/types"
)

// Generator produces crop candidates from a composition metrics record
type Generator struct {
	config CropConfig
}

// CropConfig holds configuration for candidate generation
type CropConfig struct {
	MaxCandidates int
	Landscape     AspectRatio // used when width >= height
	Portrait      AspectRatio
}

// AspectRatio represents a target crop shape
type AspectRatio struct {
	Width  int
	Height int
	Name   string
}

// Ratio returns width/height
func (a AspectRatio) Ratio() float64 {
	return float64(a.Width) / float64(a.Height)
}

// Preferred aspect ratios
var (
	Landscape = AspectRatio{3, 2, "landscape"}
	Portrait  = AspectRatio{4, 5, "portrait"}
)

// Variation perturbs the crop-box computation. Nil biases fall back to the
// subject-derived defaults.
type Variation struct {
	Name           string   `json:"name"`
	MarginOffset   float64  `json:"marginOffset,omitempty"`
	HorizontalBias *float64 `json:"horizontalBias,omitempty"`
	VerticalBias   *float64 `json:"verticalBias,omitempty"`
}

func bias(v float64) *float64 {
	return &v
}

// Variations returns the named variations in generation order
func Variations() []Variation {
	return []Variation{
		{Name: "base"},
		{Name: "tight", MarginOffset: -0.06},
		{Name: "wide", MarginOffset: 0.08},
		{Name: "leftThird", HorizontalBias: bias(0.32)},
		{Name: "rightThird", HorizontalBias: bias(0.68)},
		{Name: "topThird", VerticalBias: bias(0.38)},
		{Name: "bottomThird", VerticalBias: bias(0.62)},
	}
}

// DefaultMaxCandidates is the candidate cap used by New
const DefaultMaxCandidates = 6

// New creates a new Generator with default configuration
func New() *Generator {
	return &Generator{
		config: CropConfig{
			MaxCandidates: DefaultMaxCandidates,
			Landscape:     Landscape,
			Portrait:      Portrait,
		},
	}
}

// NewWithConfig creates a new Generator with custom configuration
func NewWithConfig(config CropConfig) *Generator {
	if config.MaxCandidates <= 0 {
		config.MaxCandidates = DefaultMaxCandidates
	}
	if config.Landscape.Width <= 0 || config.Landscape.Height <= 0 {
		config.Landscape = Landscape
	}
	if config.Portrait.Width <= 0 || config.Portrait.Height <= 0 {
		config.Portrait = Portrait
	}
	return &Generator{config: config}
}

// Candidate is one proposed edit of the source image
type Candidate struct {
	ID               string         `json:"id"`
	Variation        Variation      `json:"variation"`
	Crop             types.Rect     `json:"crop"`
	Focus            types.Point    `json:"focus"` // crop-local subject center
	RotationDegrees  float64        `json:"rotation"`
	Features         types.Features `json:"features"`
	CompositionScore float64        `json:"compositionScore"`
	AestheticScore   float64        `json:"aestheticScore"`
	Mode             string         `json:"mode,omitempty"`
}

// Generate returns up to MaxCandidates candidates for a width x height image.
// Zero-area images yield no candidates.
func (g *Generator) Generate(width, height int, m analyzer.Metrics) []Candidate {
	if width <= 0 || height <= 0 {
		return nil
	}

	variations := Variations()
	if len(variations) > g.config.MaxCandidates {
		variations = variations[:g.config.MaxCandidates]
	}

	candidates := make([]Candidate, 0, len(variations))
	for _, v := range variations {
		crop, focus := g.CropBox(width, height, m, v)
		candidates = append(candidates, Candidate{
			ID:              v.Name,
			Variation:       v,
			Crop:            crop,
			Focus:           focus,
			RotationDegrees: m.HorizonAngle,
			Features:        BuildFeatures(m, crop),
		})
	}
	return candidates
}

// CropBox computes the crop rectangle and crop-local focus for one variation
func (g *Generator) CropBox(width, height int, m analyzer.Metrics, v Variation) (types.Rect, types.Point) {
	w, h := float64(width), float64(height)
	hasSubject := m.SubjectRect != nil

	aspect := g.config.Portrait.Ratio()
	if width >= height {
		aspect = g.config.Landscape.Ratio()
	}

	base := 0.16
	if hasSubject {
		base = math.Max(0.1, 0.28-1.2*m.SubjectSize)
	}
	margin := clamp(base+v.MarginOffset, 0.08, 0.35)

	cropW := round(w * (1 - margin))
	cropH := round(h * (1 - margin))
	if cropH > 0 && cropW/cropH > aspect {
		cropW = round(cropH * aspect)
	} else {
		cropH = round(cropW / aspect)
	}
	cropW = math.Max(1, math.Min(cropW, w))
	cropH = math.Max(1, math.Min(cropH, h))

	baseX, baseY := w/2, h/2
	hBias, vBias := 0.5, 0.5
	strengthX, strengthY := 0.45, 0.4
	if hasSubject {
		baseX, baseY = m.SubjectCenter.X, m.SubjectCenter.Y
		hBias, vBias = 0.68, 0.64
		if baseX < w/2 {
			hBias = 0.32
		}
		if baseY < h/2 {
			vBias = 0.36
		}
		strengthX, strengthY = 0.7, 0.55
	}
	if v.HorizontalBias != nil {
		hBias = *v.HorizontalBias
	}
	if v.VerticalBias != nil {
		vBias = *v.VerticalBias
	}

	targetX := baseX - cropW*(hBias-0.5) + m.SubjectOffset.X*w*0.12
	targetY := baseY - cropH*(vBias-0.5) + m.SubjectOffset.Y*h*0.12
	blendedX := baseX*(1-strengthX) + targetX*strengthX
	blendedY := baseY*(1-strengthY) + targetY*strengthY

	centerX := clamp(blendedX, cropW/2, w-cropW/2)
	centerY := clamp(blendedY, cropH/2, h-cropH/2)

	crop := types.Rect{
		X:      int(round(centerX - cropW/2)),
		Y:      int(round(centerY - cropH/2)),
		Width:  int(cropW),
		Height: int(cropH),
	}
	// guards against half-pixel rounding at the far edge
	crop.X = max(0, min(crop.X, width-crop.Width))
	crop.Y = max(0, min(crop.Y, height-crop.Height))

	focus := types.Point{X: cropW / 2, Y: cropH / 2}
	if hasSubject {
		focus = types.Point{
			X: m.SubjectCenter.X - float64(crop.X),
			Y: m.SubjectCenter.Y - float64(crop.Y),
		}
	}
	return crop, focus
}

// Generate is a shortcut for New().Generate(width, height, m)
func Generate(width, height int, m analyzer.Metrics) []Candidate {
	return New().Generate(width, height, m)
}

// round rounds half up
func round(v float64) float64 {
	return math.Floor(v + 0.5)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
