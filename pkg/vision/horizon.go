package vision

import (
	"math"

	"github.com/menta2k/image-composer/pkg/types"
)

// HorizonEstimator estimates the dominant tilt of an image from the
// orientation of strong gradients in its central band.
type HorizonEstimator struct {
	config HorizonConfig
}

// HorizonConfig holds configuration for horizon estimation
type HorizonConfig struct {
	BandTop         float64 // first row of the band, as a fraction of height
	BandBottom      float64 // end of the band (exclusive), as a fraction of height
	MinMagnitude    float64 // gradients below this are ignored
	ConfidenceScale float64 // weight per pixel that maps to full confidence
}

// DefaultHorizonConfig returns the stock horizon parameters
func DefaultHorizonConfig() HorizonConfig {
	return HorizonConfig{
		BandTop:         0.2,
		BandBottom:      0.8,
		MinMagnitude:    48,
		ConfidenceScale: 22,
	}
}

// NewHorizonEstimator creates a HorizonEstimator with default configuration
func NewHorizonEstimator() *HorizonEstimator {
	return &HorizonEstimator{config: DefaultHorizonConfig()}
}

// NewHorizonEstimatorWithConfig creates a HorizonEstimator with custom configuration
func NewHorizonEstimatorWithConfig(config HorizonConfig) *HorizonEstimator {
	defaults := DefaultHorizonConfig()
	if config.BandBottom <= config.BandTop || config.BandBottom > 1 || config.BandTop < 0 {
		config.BandTop, config.BandBottom = defaults.BandTop, defaults.BandBottom
	}
	if config.MinMagnitude <= 0 {
		config.MinMagnitude = defaults.MinMagnitude
	}
	if config.ConfidenceScale <= 0 {
		config.ConfidenceScale = defaults.ConfidenceScale
	}
	return &HorizonEstimator{config: config}
}

// HorizonResult is the estimated tilt of an image
type HorizonResult struct {
	AngleDegrees float64        `json:"angle"`
	Confidence   float64        `json:"confidence"`
	Line         [2]types.Point `json:"line"`
}

// Estimate measures the horizon tilt of the buffer
func (h *HorizonEstimator) Estimate(buf types.PixelBuffer) HorizonResult {
	width, height := max(0, buf.Width), max(0, buf.Height)
	if buf.Empty() {
		mid := float64(height) / 2
		return HorizonResult{Line: [2]types.Point{{X: 0, Y: mid}, {X: float64(width), Y: mid}}}
	}

	field := ExtractGradients(buf, BT601)
	top := int(math.Floor(float64(height) * h.config.BandTop))
	bottom := int(math.Floor(float64(height) * h.config.BandBottom))

	var weighted, total float64
	for y := top; y < bottom; y++ {
		for x := 1; x < width-1; x++ {
			i := y*width + x
			mag := field.Mag[i]
			if mag < h.config.MinMagnitude {
				continue
			}
			angle := FoldOrientation(math.Atan2(field.GY[i], field.GX[i]) * 180 / math.Pi)
			weight := mag * (1 - math.Abs(angle)/90)
			if weight == 0 {
				continue
			}
			weighted += angle * weight
			total += weight
		}
	}

	angle := 0.0
	if total > 0 {
		angle = weighted / total
	}
	confidence := math.Min(1, total/(float64(width*height)*h.config.ConfidenceScale))

	return HorizonResult{
		AngleDegrees: angle,
		Confidence:   confidence,
		Line:         horizonLine(width, height, angle),
	}
}

// FoldOrientation maps a gradient direction in degrees onto (-90, 90]
func FoldOrientation(deg float64) float64 {
	folded := math.Mod(deg+180, 180)
	if folded < 0 {
		folded += 180
	}
	if folded > 90 {
		folded -= 180
	}
	return folded
}

func horizonLine(width, height int, angle float64) [2]types.Point {
	cx, cy := float64(width)/2, float64(height)/2
	half := float64(max(width, height)) / 2
	rad := angle * math.Pi / 180
	dx, dy := math.Cos(rad)*half, math.Sin(rad)*half
	return [2]types.Point{
		{X: cx - dx, Y: cy - dy},
		{X: cx + dx, Y: cy + dy},
	}
}

// EstimateHorizon is a shortcut for NewHorizonEstimator().Estimate(buf)
func EstimateHorizon(buf types.PixelBuffer) HorizonResult {
	return NewHorizonEstimator().Estimate(buf)
}
