package cropper

import (
	"github.com/menta2k/image-composer/pkg/analyzer"
	"github.com/menta2k/image-composer/pkg/types"
)

// BuildFeatures derives the scoring features of a crop. Without a subject
// rectangle a box a fifth of the crop size, anchored at the crop center,
// stands in for the subject.
func BuildFeatures(m analyzer.Metrics, crop types.Rect) types.Features {
	width, height := m.ImageSize.Width, m.ImageSize.Height

	var sx, sy, sw, sh float64
	if m.SubjectRect != nil {
		r := *m.SubjectRect
		sx, sy, sw, sh = float64(r.X), float64(r.Y), float64(r.Width), float64(r.Height)
	} else {
		c := crop.Center()
		sx, sy = c.X, c.Y
		sw, sh = float64(crop.Width)*0.2, float64(crop.Height)*0.2
	}

	rule := clamp(analyzer.ThirdsScore(sx+sw/2, sy+sh/2, width, height), 0, 1)

	var cropArea, subjectRatio float64
	if imageArea := width * height; imageArea > 0 {
		cropArea = float64(crop.Area()) / float64(imageArea)
	}
	if crop.Area() > 0 {
		subjectRatio = sw * sh / float64(crop.Area())
	}

	return types.Features{
		RuleOfThirdsScore:   rule,
		SaliencyConfidence:  m.SaliencyConfidence,
		HorizonAngle:        m.HorizonAngle,
		HorizonConfidence:   m.HorizonConfidence,
		TextureStrength:     m.TextureStrength,
		BalanceRatio:        m.ForegroundBackground,
		CropArea:            cropArea,
		ColorHarmony:        m.ColorHarmony,
		SubjectSize:         subjectRatio,
		LeadingLineStrength: m.LeadingLines.Strength,
	}
}
