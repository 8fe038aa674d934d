package analyzer

import (
	"fmt"
	"math"

	"github.com/menta2k/image-composer/pkg/types"
	"github.com/menta2k/image-composer/pkg/vision"
)

// Analyzer turns a pixel buffer plus detector results into a composition metrics record
type Analyzer struct {
	config Config
}

// Config holds configuration for the composition analyzer
type Config struct {
	MinSubjectPixels  int     // strong-gradient pixels required for a fallback subject
	SubjectPercentile float64 // gradient percentile marking subject pixels
	HorizonPercentile float64 // gradient percentile marking horizon pixels
	SubjectPadding    int     // pixels added around the fallback subject bounds
	MinImageSize      int     // used by ValidateImage only
}

// DefaultConfig returns the stock analyzer configuration
func DefaultConfig() Config {
	return Config{
		MinSubjectPixels:  50,
		SubjectPercentile: 0.82,
		HorizonPercentile: 0.75,
		SubjectPadding:    4,
		MinImageSize:      16,
	}
}

// New creates a new Analyzer with default configuration
func New() *Analyzer {
	return &Analyzer{config: DefaultConfig()}
}

// NewWithConfig creates a new Analyzer with custom configuration
func NewWithConfig(config Config) *Analyzer {
	defaults := DefaultConfig()
	if config.MinSubjectPixels <= 0 {
		config.MinSubjectPixels = defaults.MinSubjectPixels
	}
	if config.SubjectPercentile <= 0 || config.SubjectPercentile >= 1 {
		config.SubjectPercentile = defaults.SubjectPercentile
	}
	if config.HorizonPercentile <= 0 || config.HorizonPercentile >= 1 {
		config.HorizonPercentile = defaults.HorizonPercentile
	}
	if config.SubjectPadding < 0 {
		config.SubjectPadding = defaults.SubjectPadding
	}
	return &Analyzer{config: config}
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspectRatio"`
	Area        int     `json:"area"`
}

// GetImageInfo returns basic information about a buffer
func GetImageInfo(buf types.PixelBuffer) ImageInfo {
	info := ImageInfo{Width: buf.Width, Height: buf.Height, Area: buf.Width * buf.Height}
	if buf.Height > 0 {
		info.AspectRatio = float64(buf.Width) / float64(buf.Height)
	}
	return info
}

// ValidateImage checks if a buffer meets the configured minimum size
func (a *Analyzer) ValidateImage(buf types.PixelBuffer) error {
	if buf.Width < a.config.MinImageSize || buf.Height < a.config.MinImageSize {
		return fmt.Errorf("image too small: %dx%d (minimum: %d)",
			buf.Width, buf.Height, a.config.MinImageSize)
	}
	return nil
}

// RGB is a mean colour
type RGB struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
}

// ColorCast describes the warm/cool bias of the mean colour
type ColorCast struct {
	Bias     float64 `json:"bias"`
	WarmBias float64 `json:"warmBias"`
	CoolBias float64 `json:"coolBias"`
	Strength float64 `json:"strength"`
}

// LeadingLines is the dominant doubled-angle gradient orientation
type LeadingLines struct {
	Angle    float64 `json:"angle"`
	Strength float64 `json:"strength"`
}

// Metrics is the composition and technical quality record of one image.
// A Metrics value is never modified after Analyze returns it.
type Metrics struct {
	ImageSize            ImageInfo          `json:"imageSize"`
	SubjectRect          *types.Rect        `json:"subjectRect"`
	SubjectCenter        types.Point        `json:"subjectCenter"`
	SubjectOffset        types.Point        `json:"subjectOffset"`
	SubjectSize          float64            `json:"subjectSize"`
	SaliencyConfidence   float64            `json:"saliencyConfidence"`
	HorizonAngle         float64            `json:"horizonAngle"`
	HorizonConfidence    float64            `json:"horizonConfidence"`
	HorizonLine          [2]types.Point     `json:"horizonLine"`
	RuleOfThirdsScore    float64            `json:"ruleOfThirdsScore"`
	SharpnessVariance    float64            `json:"sharpnessVariance"`
	Exposure             float64            `json:"exposure"`
	Contrast             float64            `json:"contrast"`
	Saturation           float64            `json:"saturation"`
	ColorBalance         RGB                `json:"colorBalance"`
	ColorHarmony         float64            `json:"colorHarmony"`
	ForegroundBackground float64            `json:"foregroundBackground"`
	ShadowClipping       float64            `json:"shadowClipping"`
	HighlightClipping    float64            `json:"highlightClipping"`
	MidtoneBalance       float64            `json:"midtoneBalance"`
	ColorCast            ColorCast          `json:"colorCast"`
	LeadingLines         LeadingLines       `json:"leadingLines"`
	TextureStrength      float64            `json:"textureStrength"`
	Feedback             []Tag              `json:"feedback"`
	Histogram            [HistogramBins]int `json:"histogram"`
}

// HasSubject reports whether a subject rectangle is known
func (m Metrics) HasSubject() bool {
	return m.SubjectRect != nil
}

// Detections carries optional detector results that override the
// analyzer's intrinsic subject and horizon estimates
type Detections struct {
	Saliency *vision.SaliencyResult
	Horizon  *vision.HorizonResult
}

// Analyze computes the composition metrics of buf. Feedback is derived from
// the intrinsic estimates before detector overrides are applied.
func (a *Analyzer) Analyze(buf types.PixelBuffer, det Detections) Metrics {
	if buf.Empty() {
		m := neutralMetrics(buf.Width, buf.Height)
		m.Feedback = Evaluate(m).Tags()
		return m
	}

	width, height := buf.Width, buf.Height
	pixelCount := width * height
	field := vision.ExtractGradients(buf, vision.BT709)
	luma := field.Luma

	m := Metrics{
		ImageSize:     GetImageInfo(buf),
		SubjectCenter: types.Point{X: float64(width) / 2, Y: float64(height) / 2},
		Histogram:     histogram(luma),
		Exposure:      mean(luma),
		Contrast:      percentile(luma, 0.95) - percentile(luma, 0.05),
	}

	a.analyzeTone(buf, luma, &m)
	a.analyzeGradients(field, &m)

	m.RuleOfThirdsScore = ThirdsScore(m.SubjectCenter.X, m.SubjectCenter.Y, width, height)
	m.SharpnessVariance = meanSquare(field.Mag)
	m.HorizonLine = horizonLine(width, height, m.HorizonAngle)

	half := height / 2
	var topSum, bottomSum float64
	for i, v := range luma {
		if i/width < half {
			topSum += v
		} else {
			bottomSum += v
		}
	}
	topMean := topSum / math.Max(1, float64(half*width))
	bottomMean := bottomSum / (math.Max(1, float64(height-half)) * float64(width))
	m.ForegroundBackground = bottomMean / math.Max(1, topMean)

	m.Feedback = Evaluate(m).Tags()

	applyDetections(&m, det, pixelCount)
	return m
}

// analyzeTone fills exposure-related, colour and clipping fields
func (a *Analyzer) analyzeTone(buf types.PixelBuffer, luma []float64, m *Metrics) {
	pixelCount := float64(len(luma))

	var r, g, b, satSum, midSum float64
	var shadows, highlights, midCount int
	for i, l := range luma {
		p := i * 4
		pr, pg, pb := float64(buf.Pix[p]), float64(buf.Pix[p+1]), float64(buf.Pix[p+2])
		r += pr
		g += pg
		b += pb
		satSum += (math.Max(pr, math.Max(pg, pb)) - math.Min(pr, math.Min(pg, pb))) / 255

		if l < 15 {
			shadows++
		}
		if l > 240 {
			highlights++
		}
		if l > 96 && l < 192 {
			midSum += l
			midCount++
		}
	}

	m.ColorBalance = RGB{R: r / pixelCount, G: g / pixelCount, B: b / pixelCount}
	m.Saturation = satSum / pixelCount * 255
	m.ShadowClipping = float64(shadows) / pixelCount
	m.HighlightClipping = float64(highlights) / pixelCount
	if midCount > 0 {
		m.MidtoneBalance = midSum / (float64(midCount) * 255)
	} else {
		m.MidtoneBalance = m.Exposure / 255
	}

	avg := (m.ColorBalance.R + m.ColorBalance.G + m.ColorBalance.B) / 3
	warm := m.ColorBalance.R - avg
	cool := m.ColorBalance.B - avg
	m.ColorCast = ColorCast{
		Bias:     warm - cool,
		WarmBias: warm,
		CoolBias: cool,
		Strength: math.Max(math.Abs(warm), math.Abs(cool)) / 255,
	}
	m.ColorHarmony = 1 - math.Min(1, m.ColorCast.Strength*1.4)
}

// analyzeGradients fills texture, the fallback subject, the intrinsic horizon and leading lines
func (a *Analyzer) analyzeGradients(field vision.GradientField, m *Metrics) {
	width, height := field.Width, field.Height
	pixelCount := float64(width * height)

	var gradientSum float64
	for _, v := range field.Mag {
		gradientSum += v
	}
	m.TextureStrength = gradientSum / math.Max(1, pixelCount*255)

	subjectThreshold := percentile(field.Mag, a.config.SubjectPercentile)
	horizonThreshold := percentile(field.Mag, a.config.HorizonPercentile)
	bandTop, bandBottom := float64(height)*0.25, float64(height)*0.75

	minX, minY, maxX, maxY := width, height, 0, 0
	var sumX, sumY float64
	strong := 0
	var horizonSum, horizonWeight, orientX, orientY float64

	for y := 1; y < height-1; y++ {
		fy := float64(y)
		for x := 1; x < width-1; x++ {
			i := y*width + x
			mag := field.Mag[i]
			if mag > subjectThreshold {
				minX, maxX = min(minX, x), max(maxX, x)
				minY, maxY = min(minY, y), max(maxY, y)
				sumX += float64(x)
				sumY += fy
				strong++
			}
			if mag > horizonThreshold && fy > bandTop && fy < bandBottom {
				theta := math.Atan2(field.GY[i], field.GX[i])
				deg := theta*180/math.Pi + 90
				horizonSum += (math.Mod(deg+180, 180) - 90) * mag
				horizonWeight += mag
				orientX += math.Cos(2*theta) * mag
				orientY += math.Sin(2*theta) * mag
			}
		}
	}

	if horizonWeight > 0 {
		m.HorizonAngle = horizonSum / horizonWeight
		m.HorizonConfidence = clamp(horizonWeight/(pixelCount*6), 0, 1)
		m.LeadingLines = LeadingLines{
			Angle:    math.Atan2(orientY, orientX) / 2 * 180 / math.Pi,
			Strength: math.Hypot(orientX, orientY) / horizonWeight,
		}
	}

	if strong >= a.config.MinSubjectPixels {
		pad := a.config.SubjectPadding
		x0, y0 := max(0, minX-pad), max(0, minY-pad)
		x1, y1 := min(width, maxX+pad), min(height, maxY+pad)
		m.SubjectRect = &types.Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
		m.SubjectCenter = types.Point{X: sumX / float64(strong), Y: sumY / float64(strong)}
		m.SubjectOffset = types.Point{
			X: m.SubjectCenter.X/float64(width) - 0.5,
			Y: m.SubjectCenter.Y/float64(height) - 0.5,
		}
		m.SubjectSize = float64((maxX-minX)*(maxY-minY)) / pixelCount
	}
}

// applyDetections overlays detector results onto the intrinsic record
func applyDetections(m *Metrics, det Detections, pixelCount int) {
	width, height := m.ImageSize.Width, m.ImageSize.Height

	if s := det.Saliency; s != nil && (m.SubjectRect == nil || s.Confidence > m.SaliencyConfidence) {
		rect := s.Rect
		m.SaliencyConfidence = s.Confidence
		m.SubjectRect = &rect
		m.SubjectCenter = s.Center
		if width > 0 && height > 0 {
			m.SubjectOffset = types.Point{
				X: s.Center.X/float64(width) - 0.5,
				Y: s.Center.Y/float64(height) - 0.5,
			}
			m.SubjectSize = float64(rect.Area()) / float64(pixelCount)
		}
	}

	if h := det.Horizon; h != nil {
		m.HorizonAngle = h.AngleDegrees
		m.HorizonConfidence = h.Confidence
		m.HorizonLine = h.Line
	}

	m.RuleOfThirdsScore = ThirdsScore(m.SubjectCenter.X, m.SubjectCenter.Y, width, height)
}

// neutralMetrics is the record returned for zero-area input
func neutralMetrics(width, height int) Metrics {
	width, height = max(0, width), max(0, height)
	mid := float64(height) / 2
	return Metrics{
		ImageSize:            ImageInfo{Width: width, Height: height},
		SubjectCenter:        types.Point{X: float64(width) / 2, Y: mid},
		HorizonLine:          [2]types.Point{{X: 0, Y: mid}, {X: float64(width), Y: mid}},
		ForegroundBackground: 1,
		ColorHarmony:         1,
	}
}

func horizonLine(width, height int, angle float64) [2]types.Point {
	cx, cy := float64(width)/2, float64(height)/2
	half := float64(max(width, height)) / 2
	rad := angle * math.Pi / 180
	dx, dy := math.Cos(rad)*half, math.Sin(rad)*half
	return [2]types.Point{{X: cx - dx, Y: cy - dy}, {X: cx + dx, Y: cy + dy}}
}

// Analyze is a shortcut for New().Analyze(buf, det)
func Analyze(buf types.PixelBuffer, det Detections) Metrics {
	return New().Analyze(buf, det)
}
