package vision

import (
	"math"

	"github.com/menta2k/image-composer/pkg/types"
)

// SaliencyEstimator finds the rectangle that maximizes normalized gradient
// density while penalizing energy in a thin surrounding ring.
type SaliencyEstimator struct {
	config SaliencyConfig
}

// SaliencyConfig holds configuration for the window search
type SaliencyConfig struct {
	MinStep     int     // smallest window edge and size increment
	StepRatio   float64 // step relative to the short image edge
	MinStride   int     // smallest positional stride
	RingWidth   int     // thickness of the surround strips
	RingPenalty float64 // weight of surround energy against window density
	KeepMap     bool    // keep the normalized energy map on the result
}

// DefaultSaliencyConfig returns the stock search parameters
func DefaultSaliencyConfig() SaliencyConfig {
	return SaliencyConfig{
		MinStep:     12,
		StepRatio:   0.08,
		MinStride:   8,
		RingWidth:   6,
		RingPenalty: 0.45,
	}
}

// NewSaliencyEstimator creates a SaliencyEstimator with default configuration
func NewSaliencyEstimator() *SaliencyEstimator {
	return &SaliencyEstimator{config: DefaultSaliencyConfig()}
}

// NewSaliencyEstimatorWithConfig creates a SaliencyEstimator with custom configuration
func NewSaliencyEstimatorWithConfig(config SaliencyConfig) *SaliencyEstimator {
	defaults := DefaultSaliencyConfig()
	if config.MinStep <= 0 {
		config.MinStep = defaults.MinStep
	}
	if config.StepRatio <= 0 {
		config.StepRatio = defaults.StepRatio
	}
	if config.MinStride <= 0 {
		config.MinStride = defaults.MinStride
	}
	if config.RingWidth <= 0 {
		config.RingWidth = defaults.RingWidth
	}
	if config.RingPenalty < 0 {
		config.RingPenalty = defaults.RingPenalty
	}
	return &SaliencyEstimator{config: config}
}

// SaliencyResult is the most salient rectangle found in an image
type SaliencyResult struct {
	Rect       types.Rect  `json:"rect"`
	Center     types.Point `json:"center"`
	Confidence float64     `json:"confidence"`
	// Map is the normalized gradient energy, only populated when KeepMap is set
	Map []float64 `json:"-"`
}

// integral is a summed-area table of size (w+1)*(h+1)
type integral struct {
	width, height int
	sums          []float64
}

func newIntegral(values []float64, width, height int) integral {
	stride := width + 1
	sums := make([]float64, stride*(height+1))
	for y := 0; y < height; y++ {
		row := 0.0
		for x := 0; x < width; x++ {
			row += values[y*width+x]
			sums[(y+1)*stride+x+1] = sums[y*stride+x+1] + row
		}
	}
	return integral{width: width, height: height, sums: sums}
}

// sum returns the total over a rectangle, clipped to the image
func (in integral) sum(x, y, w, h int) float64 {
	x0, y0 := max(0, x), max(0, y)
	x1, y1 := min(in.width, x+w), min(in.height, y+h)
	if x1 <= x0 || y1 <= y0 {
		return 0
	}
	stride := in.width + 1
	return in.sums[y1*stride+x1] - in.sums[y0*stride+x1] - in.sums[y1*stride+x0] + in.sums[y0*stride+x0]
}

// Estimate runs the window search over the buffer
func (s *SaliencyEstimator) Estimate(buf types.PixelBuffer) SaliencyResult {
	if buf.Empty() {
		return SaliencyResult{
			Rect:   types.Rect{Width: max(0, buf.Width), Height: max(0, buf.Height)},
			Center: types.Point{X: float64(max(0, buf.Width)) / 2, Y: float64(max(0, buf.Height)) / 2},
		}
	}
	return s.EstimateField(ExtractGradients(buf, BT709))
}

// EstimateField runs the window search over a precomputed BT.709 gradient field
func (s *SaliencyEstimator) EstimateField(field GradientField) SaliencyResult {
	width, height := field.Width, field.Height
	if width <= 0 || height <= 0 {
		return SaliencyResult{
			Rect:   types.Rect{Width: max(0, width), Height: max(0, height)},
			Center: types.Point{X: float64(max(0, width)) / 2, Y: float64(max(0, height)) / 2},
		}
	}

	energy := normalizeMagnitude(field.Mag)
	table := newIntegral(energy, width, height)

	step := max(s.config.MinStep, roundInt(float64(min(width, height))*s.config.StepRatio))
	stride := max(s.config.MinStride, roundInt(float64(step)/2))
	ring := s.config.RingWidth

	best := types.Rect{Width: width, Height: height}
	bestScore := math.Inf(-1)

	for hSize := step; hSize <= height; hSize += step {
		for wSize := step; wSize <= width; wSize += step {
			for y := 0; y+hSize < height; y += stride {
				for x := 0; x+wSize < width; x += stride {
					area := float64(wSize * hSize)
					density := table.sum(x, y, wSize, hSize) / math.Max(1, area)

					surround := table.sum(max(0, x-ring), max(0, y-ring), wSize+2*ring, ring) +
						table.sum(max(0, x-ring), y+hSize, wSize+2*ring, ring) +
						table.sum(max(0, x-ring), y, ring, hSize) +
						table.sum(x+wSize, y, ring, hSize)
					surround /= math.Max(1, area*0.15)

					score := density - s.config.RingPenalty*surround
					if score > bestScore {
						bestScore = score
						best = types.Rect{X: x, Y: y, Width: wSize, Height: hSize}
					}
				}
			}
		}
	}

	result := SaliencyResult{
		Rect:       best,
		Center:     best.Center(),
		Confidence: windowConfidence(field, energy, best),
	}
	if s.config.KeepMap {
		result.Map = energy
	}
	return result
}

// windowConfidence compares normalized energy in the window against the raw
// absolute gradient sum it came from.
func windowConfidence(field GradientField, energy []float64, r types.Rect) float64 {
	var total, raw float64
	for y := r.Y; y < r.Y+r.Height; y++ {
		row := y * field.Width
		for x := r.X; x < r.X+r.Width; x++ {
			i := row + x
			total += energy[i]
			raw += math.Abs(field.GX[i]) + math.Abs(field.GY[i])
		}
	}
	conf := math.Min(1, total/math.Max(1, raw*0.6))
	if math.IsNaN(conf) || math.IsInf(conf, 0) {
		return 0
	}
	return conf
}

// EstimateSaliency is a shortcut for NewSaliencyEstimator().Estimate(buf)
func EstimateSaliency(buf types.PixelBuffer) SaliencyResult {
	return NewSaliencyEstimator().Estimate(buf)
}

// roundInt rounds half up, matching the rounding the detectors were tuned with
func roundInt(v float64) int {
	return int(math.Floor(v + 0.5))
}
