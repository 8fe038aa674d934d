package analyzer

import (
	"math"
	"testing"

	"github.com/menta2k/image-composer/pkg/types"
	"github.com/menta2k/image-composer/pkg/vision"
)

// createTestImage creates a solid buffer
func createTestImage(width, height int, r, g, b uint8) types.PixelBuffer {
	buf := types.NewPixelBuffer(width, height)
	for i := 0; i < len(buf.Pix); i += 4 {
		buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2], buf.Pix[i+3] = r, g, b, 255
	}
	return buf
}

// fillRect paints a rectangle of the buffer white
func fillRect(buf types.PixelBuffer, r types.Rect) {
	for y := r.Y; y < r.Y+r.Height; y++ {
		for x := r.X; x < r.X+r.Width; x++ {
			i := (y*buf.Width + x) * 4
			buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2] = 255, 255, 255
		}
	}
}

// analyzeWithDetectors runs the full detector set the way the pipeline does
func analyzeWithDetectors(buf types.PixelBuffer) Metrics {
	saliency := vision.EstimateSaliency(buf)
	horizon := vision.EstimateHorizon(buf)
	return New().Analyze(buf, Detections{Saliency: &saliency, Horizon: &horizon})
}

func hasTag(tags []Tag, tag Tag) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func TestNew(t *testing.T) {
	a := New()
	if a == nil {
		t.Fatal("New() returned nil")
	}

	if a.config.MinSubjectPixels != 50 {
		t.Errorf("Expected min subject pixels 50, got %d", a.config.MinSubjectPixels)
	}
}

func TestNewWithConfig(t *testing.T) {
	a := NewWithConfig(Config{MinSubjectPixels: 10, SubjectPercentile: 2})

	if a.config.MinSubjectPixels != 10 {
		t.Errorf("Expected min subject pixels 10, got %d", a.config.MinSubjectPixels)
	}
	if a.config.SubjectPercentile != 0.82 {
		t.Errorf("Expected out-of-range percentile to fall back to 0.82, got %f", a.config.SubjectPercentile)
	}
}

func TestGetImageInfo(t *testing.T) {
	info := GetImageInfo(createTestImage(400, 300, 0, 0, 0))

	if info.Width != 400 || info.Height != 300 {
		t.Errorf("Expected 400x300, got %dx%d", info.Width, info.Height)
	}
	if math.Abs(info.AspectRatio-4.0/3.0) > 1e-9 {
		t.Errorf("Expected aspect ratio %f, got %f", 4.0/3.0, info.AspectRatio)
	}
	if info.Area != 120000 {
		t.Errorf("Expected area 120000, got %d", info.Area)
	}
}

func TestValidateImage(t *testing.T) {
	a := New()

	if err := a.ValidateImage(createTestImage(64, 64, 0, 0, 0)); err != nil {
		t.Errorf("Expected 64x64 to be valid, got %v", err)
	}
	if err := a.ValidateImage(createTestImage(8, 64, 0, 0, 0)); err == nil {
		t.Error("Expected an error for an 8px wide image")
	}
}

func TestAnalyzeUniformGray(t *testing.T) {
	m := analyzeWithDetectors(createTestImage(64, 64, 128, 128, 128))

	if math.Abs(m.Exposure-128) > 1e-6 {
		t.Errorf("Expected exposure 128, got %f", m.Exposure)
	}
	if math.Abs(m.Contrast) > 1e-6 {
		t.Errorf("Expected zero contrast, got %f", m.Contrast)
	}
	if m.Saturation != 0 {
		t.Errorf("Expected zero saturation, got %f", m.Saturation)
	}

	for _, tag := range []Tag{TagContrast, TagLocalContrast, TagSaturation, TagVibrance} {
		if !hasTag(m.Feedback, tag) {
			t.Errorf("Expected feedback to include %s, got %v", tag, m.Feedback)
		}
	}
	for _, tag := range []Tag{TagRotation, TagCrop, TagGood} {
		if hasTag(m.Feedback, tag) {
			t.Errorf("Expected feedback to exclude %s, got %v", tag, m.Feedback)
		}
	}

	if m.SaliencyConfidence != 0 || m.HorizonConfidence != 0 {
		t.Errorf("Expected zero detector confidence, got saliency %f horizon %f", m.SaliencyConfidence, m.HorizonConfidence)
	}
}

func TestAnalyzeOffCenterSquare(t *testing.T) {
	left := createTestImage(192, 128, 0, 0, 0)
	square := types.Rect{X: 20, Y: 46, Width: 36, Height: 36}
	fillRect(left, square)

	m := analyzeWithDetectors(left)

	if m.SubjectRect == nil {
		t.Fatal("Expected a subject rectangle")
	}
	r := *m.SubjectRect
	if r.X > square.X || r.Y > square.Y || r.X+r.Width < square.X+square.Width || r.Y+r.Height < square.Y+square.Height {
		t.Errorf("Expected subject rect %+v to bound the square %+v", r, square)
	}
	if m.SubjectOffset.X >= 0 {
		t.Errorf("Expected negative horizontal offset, got %f", m.SubjectOffset.X)
	}
	if !r.Within(192, 128) {
		t.Errorf("Subject rect %+v outside image", r)
	}
}

func TestRuleOfThirdsImprovesTowardThirdLine(t *testing.T) {
	centered := createTestImage(192, 128, 0, 0, 0)
	fillRect(centered, types.Rect{X: 78, Y: 46, Width: 36, Height: 36})

	onThird := createTestImage(192, 128, 0, 0, 0)
	fillRect(onThird, types.Rect{X: 46, Y: 46, Width: 36, Height: 36})

	a := analyzeWithDetectors(centered)
	b := analyzeWithDetectors(onThird)

	if b.RuleOfThirdsScore <= a.RuleOfThirdsScore {
		t.Errorf("Expected thirds score to increase toward the third line: centered %f, third %f",
			a.RuleOfThirdsScore, b.RuleOfThirdsScore)
	}
}

func TestFallbackSubjectStaysInBounds(t *testing.T) {
	buf := createTestImage(100, 80, 0, 0, 0)
	fillRect(buf, types.Rect{X: 60, Y: 20, Width: 40, Height: 40})

	m := New().Analyze(buf, Detections{})

	if m.SubjectRect == nil {
		t.Fatal("Expected a fallback subject rectangle")
	}
	if !m.SubjectRect.Within(100, 80) {
		t.Errorf("Fallback subject %+v outside 100x80", *m.SubjectRect)
	}
	if m.SaliencyConfidence != 0 {
		t.Errorf("Expected no saliency confidence without detectors, got %f", m.SaliencyConfidence)
	}
}

func TestHorizonDetectorOverrides(t *testing.T) {
	buf := createTestImage(64, 64, 90, 90, 90)
	horizon := vision.HorizonResult{AngleDegrees: 7, Confidence: 0.4}

	m := New().Analyze(buf, Detections{Horizon: &horizon})

	if m.HorizonAngle != 7 || m.HorizonConfidence != 0.4 {
		t.Errorf("Expected detector horizon to override, got angle %f confidence %f", m.HorizonAngle, m.HorizonConfidence)
	}
	// feedback is derived from the intrinsic estimate, which saw no tilt
	if hasTag(m.Feedback, TagRotation) {
		t.Errorf("Expected no rotation feedback from a flat image, got %v", m.Feedback)
	}
}

func TestAnalyzeDegenerate(t *testing.T) {
	m := New().Analyze(types.PixelBuffer{Width: 0, Height: 12}, Detections{})

	if len(m.Feedback) == 0 {
		t.Error("Expected non-empty feedback for a degenerate image")
	}
	values := []float64{m.Exposure, m.Contrast, m.ForegroundBackground, m.TextureStrength, m.RuleOfThirdsScore, m.SubjectCenter.Y}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("Value %d is not finite: %f", i, v)
		}
	}
}

func TestColorCast(t *testing.T) {
	m := New().Analyze(createTestImage(32, 32, 200, 120, 60), Detections{})

	if m.ColorCast.Bias <= 0 {
		t.Errorf("Expected warm bias, got %f", m.ColorCast.Bias)
	}
	if !hasTag(m.Feedback, TagColorWarm) {
		t.Errorf("Expected warm cast feedback, got %v", m.Feedback)
	}
	if m.ColorHarmony >= 1 {
		t.Errorf("Expected reduced harmony, got %f", m.ColorHarmony)
	}
}

func TestEvaluateGood(t *testing.T) {
	rect := types.Rect{X: 10, Y: 10, Width: 50, Height: 50}
	m := Metrics{
		SubjectRect:          &rect,
		RuleOfThirdsScore:    0.9,
		Exposure:             130,
		ShadowClipping:       0.01,
		HighlightClipping:    0.01,
		Contrast:             100,
		TextureStrength:      0.2,
		Saturation:           80,
		SharpnessVariance:    500,
		ForegroundBackground: 1,
		LeadingLines:         LeadingLines{Strength: 0.5},
		SubjectSize:          0.3,
	}

	tags := Evaluate(m).Tags()
	if len(tags) != 1 || tags[0] != TagGood {
		t.Errorf("Expected only %s, got %v", TagGood, tags)
	}
}

func TestEvaluateOrder(t *testing.T) {
	m := Metrics{
		HorizonAngle:         -3,
		Exposure:             200,
		Contrast:             100,
		TextureStrength:      0.2,
		Saturation:           80,
		SharpnessVariance:    500,
		ForegroundBackground: 1,
		ColorCast:            ColorCast{Bias: -30, Strength: 0.1},
		SubjectSize:          0.5,
	}

	want := []Tag{TagRotation, TagHighlights, TagColorCool}
	got := Evaluate(m).Tags()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected tag %d to be %s, got %s", i, want[i], got[i])
		}
	}
}

func TestTagSet(t *testing.T) {
	set := NewTagSet()
	set.Add(TagCrop)
	set.Add(TagRotation)
	set.Add(TagCrop)

	tags := set.Tags()
	if len(tags) != 2 || tags[0] != TagCrop || tags[1] != TagRotation {
		t.Errorf("Expected [crop rotation], got %v", tags)
	}

	tags[0] = TagGood
	if !set.Has(TagCrop) || set.Tags()[0] != TagCrop {
		t.Error("Tags() must return a copy")
	}
}

func TestVocabularyClosed(t *testing.T) {
	for _, tag := range Vocabulary {
		if !tag.Valid() {
			t.Errorf("Vocabulary tag %s reported invalid", tag)
		}
	}
	if Tag("feedback_unknown").Valid() {
		t.Error("Expected unknown tag to be invalid")
	}
}

func TestPercentile(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3}

	if got := percentile(values, 0); got != 1 {
		t.Errorf("Expected p0 = 1, got %f", got)
	}
	if got := percentile(values, 1); got != 5 {
		t.Errorf("Expected p100 = 5, got %f", got)
	}
	if got := percentile(values, 0.5); got != 3 {
		t.Errorf("Expected p50 = 3, got %f", got)
	}
	if values[0] != 5 {
		t.Error("percentile must not reorder its input")
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Errorf("Expected 0 for empty input, got %f", got)
	}
}

func TestHistogram(t *testing.T) {
	h := histogram([]float64{0, 7.9, 8, 255})

	if h[0] != 2 {
		t.Errorf("Expected 2 values in bin 0, got %d", h[0])
	}
	if h[1] != 1 {
		t.Errorf("Expected 1 value in bin 1, got %d", h[1])
	}
	if h[HistogramBins-1] != 1 {
		t.Errorf("Expected 255 in the last bin, got %d", h[HistogramBins-1])
	}
}

func TestThirdsScore(t *testing.T) {
	if got := ThirdsScore(30, 20, 90, 60); math.Abs(got-1) > 1e-9 {
		t.Errorf("Expected 1 on an intersection, got %f", got)
	}
	if got := ThirdsScore(45, 30, 90, 60); got >= 1 {
		t.Errorf("Expected less than 1 at the center, got %f", got)
	}
}

func BenchmarkAnalyze(b *testing.B) {
	buf := createTestImage(400, 300, 40, 60, 80)
	fillRect(buf, types.Rect{X: 100, Y: 80, Width: 120, Height: 90})
	a := New()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		a.Analyze(buf, Detections{})
	}
}
