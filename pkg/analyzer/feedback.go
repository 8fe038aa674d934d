package analyzer

import "math"

// VocabularyVersion identifies the feedback tag vocabulary below.
// Bump it whenever a tag is added, removed or renamed.
const VocabularyVersion = "1"

// Tag is a localization-neutral feedback identifier
type Tag string

// Feedback tags. The set is closed; consumers map tags to messages.
const (
	TagRotation      Tag = "feedback_rotation"
	TagCrop          Tag = "feedback_crop"
	TagExposure      Tag = "feedback_exposure"
	TagHighlights    Tag = "feedback_highlights"
	TagShadows       Tag = "feedback_shadows"
	TagContrast      Tag = "feedback_contrast"
	TagLocalContrast Tag = "feedback_local_contrast"
	TagSaturation    Tag = "feedback_saturation"
	TagVibrance      Tag = "feedback_vibrance"
	TagSharpness     Tag = "feedback_sharpness"
	TagBalance       Tag = "feedback_balance"
	TagColorWarm     Tag = "feedback_color_warm"
	TagColorCool     Tag = "feedback_color_cool"
	TagLeadingLines  Tag = "feedback_leading_lines"
	TagVignette      Tag = "feedback_vignette"
	TagGood          Tag = "feedback_good"
)

// Vocabulary lists every tag in evaluation order
var Vocabulary = []Tag{
	TagRotation, TagCrop, TagExposure, TagHighlights, TagShadows,
	TagContrast, TagLocalContrast, TagSaturation, TagVibrance, TagSharpness,
	TagBalance, TagColorWarm, TagColorCool, TagLeadingLines, TagVignette, TagGood,
}

// Valid reports whether t belongs to the vocabulary
func (t Tag) Valid() bool {
	for _, v := range Vocabulary {
		if v == t {
			return true
		}
	}
	return false
}

// TagSet is an insertion-ordered set of tags; the first occurrence wins
type TagSet struct {
	order []Tag
	seen  map[Tag]struct{}
}

// NewTagSet creates an empty TagSet
func NewTagSet() *TagSet {
	return &TagSet{seen: make(map[Tag]struct{})}
}

// Add appends tag unless it is already present
func (s *TagSet) Add(tag Tag) {
	if _, ok := s.seen[tag]; ok {
		return
	}
	s.seen[tag] = struct{}{}
	s.order = append(s.order, tag)
}

// Has reports whether tag was added
func (s *TagSet) Has(tag Tag) bool {
	_, ok := s.seen[tag]
	return ok
}

// Len returns the number of tags
func (s *TagSet) Len() int {
	return len(s.order)
}

// Tags returns a copy of the tags in insertion order
func (s *TagSet) Tags() []Tag {
	out := make([]Tag, len(s.order))
	copy(out, s.order)
	return out
}

// Feedback thresholds
const (
	rotationThreshold      = 1.5
	cropThirdsThreshold    = 0.6
	exposureLow            = 110
	exposureHigh           = 165
	shadowExposureGuard    = 0.03
	clippingThreshold      = 0.035
	contrastLow            = 45
	textureLow             = 0.08
	saturationLow          = 50
	sharpnessLow           = 120
	balanceLow             = 0.8
	balanceHigh            = 1.2
	castThreshold          = 0.08
	leadingLineThreshold   = 0.18
	vignetteSubjectSizeMax = 0.14
)

// Evaluate applies the feedback table to a metrics record. The result is
// never empty: feedback_good is added when nothing else fired.
func Evaluate(m Metrics) *TagSet {
	set := NewTagSet()

	if math.Abs(m.HorizonAngle) > rotationThreshold {
		set.Add(TagRotation)
	}
	if m.SubjectRect != nil && m.RuleOfThirdsScore < cropThirdsThreshold {
		set.Add(TagCrop)
	}
	if m.Exposure < exposureLow && m.ShadowClipping < shadowExposureGuard {
		set.Add(TagExposure)
	}
	if m.HighlightClipping > clippingThreshold || m.Exposure > exposureHigh {
		set.Add(TagHighlights)
	}
	if m.ShadowClipping > clippingThreshold {
		set.Add(TagShadows)
	}
	if m.Contrast < contrastLow || m.TextureStrength < textureLow {
		set.Add(TagContrast)
		set.Add(TagLocalContrast)
	}
	if m.Saturation < saturationLow {
		set.Add(TagSaturation)
		set.Add(TagVibrance)
	}
	if m.SharpnessVariance < sharpnessLow {
		set.Add(TagSharpness)
	}
	if m.ForegroundBackground < balanceLow || m.ForegroundBackground > balanceHigh {
		set.Add(TagBalance)
	}
	if m.ColorCast.Strength > castThreshold {
		if m.ColorCast.Bias >= 0 {
			set.Add(TagColorWarm)
		} else {
			set.Add(TagColorCool)
		}
	}
	if m.LeadingLines.Strength < leadingLineThreshold && m.SubjectRect != nil {
		set.Add(TagLeadingLines)
	}
	if m.SubjectSize < vignetteSubjectSizeMax {
		set.Add(TagVignette)
	}

	if set.Len() == 0 {
		set.Add(TagGood)
	}
	return set
}
