package render

import (
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/image-composer/pkg/analyzer"
	"github.com/menta2k/image-composer/pkg/types"
)

// toneSettings are the per-image photometric parameters
type toneSettings struct {
	focusLift      float64
	vibrance       float64
	gamma          float64
	shadowBoost    float64
	highlightPull  float64
	midtoneBias    float64
	blackLift      float64
	brightnessLift float64
	warmShift      float64
	coolShift      float64
	naturalWarmth  float64
}

func newToneSettings(m analyzer.Metrics) toneSettings {
	s := toneSettings{
		focusLift:      0.18,
		vibrance:       0.08,
		gamma:          1,
		shadowBoost:    0.18,
		highlightPull:  0.12,
		blackLift:      0.06,
		brightnessLift: 0.02,
	}

	if m.SubjectSize < 0.18 {
		s.focusLift = 0.35
	}
	if m.Saturation < 55 {
		s.vibrance = 0.18
	}
	switch {
	case m.Exposure < 110:
		s.gamma = 0.95
		s.brightnessLift = 0.06
	case m.Exposure > 170:
		s.gamma = 1.05
	}
	if m.ShadowClipping > 0.035 {
		s.shadowBoost = 0.32
	}
	if m.HighlightClipping > 0.035 {
		s.highlightPull = 0.28
	}
	switch {
	case m.Exposure < 115:
		s.midtoneBias = 0.04
	case m.Exposure > 170:
		s.midtoneBias = -0.03
	}
	if m.ShadowClipping > 0.045 {
		s.blackLift = 0.14
	}

	bias := m.ColorCast.Bias
	if bias > 0 {
		s.warmShift = math.Min(0.16, bias/255)
	}
	if bias < 0 {
		s.coolShift = math.Min(0.14, -bias/255)
		s.naturalWarmth = -bias * 0.0007
	}
	return s
}

// curve maps a normalized tone through the shadow, black, highlight and
// brightness terms
func (s toneSettings) curve(v float64) float64 {
	if s.shadowBoost > 0 && v < 0.6 {
		v += (0.6 - v) / 0.6 * s.shadowBoost * 0.35
	}
	if s.blackLift > 0 && v < 0.4 {
		v += (0.4 - v) / 0.4 * s.blackLift * 0.55
	}
	if s.highlightPull > 0 && v > 0.6 {
		v -= (v - 0.6) / 0.4 * s.highlightPull * 0.5
	}
	v += s.midtoneBias + s.brightnessLift
	return clamp(v, 0, 1)
}

// adjustTone applies the tone curve, lifts, gamma, cast correction and
// vibrance in place
func adjustTone(img *image.NRGBA, s toneSettings, focus types.Point) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	focusRadius := float64(min(w, h)) * 0.35
	warmth := math.Max(0, s.naturalWarmth-s.warmShift*0.3)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+3]
			r, g, bl := float64(p[0]), float64(p[1]), float64(p[2])

			tone := (0.2126*r + 0.7152*g + 0.0722*bl) / 255
			mapped := s.curve(tone)
			scale := mapped
			if tone > 0 {
				scale = mapped / tone
			}
			if scale > 0 {
				r, g, bl = clamp255(r*scale), clamp255(g*scale), clamp255(bl*scale)
			}

			if s.brightnessLift > 0 {
				lift := s.brightnessLift * 0.45
				r, g, bl = clamp255(r+(255-r)*lift), clamp255(g+(255-g)*lift), clamp255(bl+(255-bl)*lift)
			}

			if s.blackLift > 0 && tone < 0.45 {
				gain := s.blackLift * (0.45 - tone) / 0.45 * 14
				r, g, bl = clamp255(r+gain), clamp255(g+gain), clamp255(bl+gain)
			}

			if focusRadius > 0 {
				dist := math.Hypot(float64(x)-focus.X, float64(y)-focus.Y)
				if influence := 1 - dist/focusRadius; influence > 0 {
					lift := 1 + influence*s.focusLift
					r, g, bl = clamp255(r*lift), clamp255(g*lift), clamp255(bl*lift)
				}
			}

			if s.gamma != 1 {
				r = clamp255(math.Pow(r/255, s.gamma) * 255)
				g = clamp255(math.Pow(g/255, s.gamma) * 255)
				bl = clamp255(math.Pow(bl/255, s.gamma) * 255)
			}

			if s.warmShift > 0 {
				r = clamp255(r - s.warmShift*9)
				bl = clamp255(bl + s.warmShift*6)
			}
			if s.coolShift > 0 {
				r = clamp255(r + s.coolShift*6)
				bl = clamp255(bl - s.coolShift*9)
			}
			if warmth > 0 {
				r = clamp255(r + warmth*7)
				g = clamp255(g + warmth*3)
				bl = clamp255(bl - warmth*8)
			}

			if s.vibrance != 0 {
				avg := (r + g + bl) / 3
				weight := math.Min(1, (math.Abs(r-avg)+math.Abs(g-avg)+math.Abs(bl-avg))/255)
				primary := 1 + s.vibrance*weight
				secondary := 1 + s.vibrance*weight*0.6
				r = clamp255(avg + (r-avg)*primary)
				g = clamp255(avg + (g-avg)*secondary)
				bl = clamp255(avg + (bl-avg)*primary)
			}

			p[0], p[1], p[2] = toByte(r), toByte(g), toByte(bl)
		}
	}
}

func clarityAmount(texture float64) float64 {
	switch {
	case texture < 0.08:
		return 0.038
	case texture < 0.12:
		return 0.032
	default:
		return 0.026
	}
}

// localContrast adds back amount times the difference from a blurred copy
func localContrast(img *image.NRGBA, amount float64) {
	b := img.Bounds()
	if amount <= 0 || b.Empty() {
		return
	}
	blurred := imaging.Blur(img, 2)

	w, h := b.Dx(), b.Dy()
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		brow := blurred.Pix[y*blurred.Stride:]
		for i := 0; i < w*4; i += 4 {
			for c := 0; c < 3; c++ {
				v := float64(row[i+c])
				row[i+c] = toByte(v + (v-float64(brow[i+c]))*amount)
			}
		}
	}
}

func vignetteStrength(subjectSize float64) float64 {
	switch {
	case subjectSize < 0.12:
		return 0.12
	case subjectSize < 0.25:
		return 0.08
	default:
		return 0.05
	}
}

// vignette darkens pixels with distance from the focus point
func vignette(img *image.NRGBA, strength float64, focus types.Point) {
	b := img.Bounds()
	if strength <= 0 || b.Empty() {
		return
	}
	w, h := b.Dx(), b.Dy()
	fw, fh := float64(w), float64(h)
	maxDist := math.Hypot(math.Max(focus.X, fw-focus.X), math.Max(focus.Y, fh-focus.Y))
	if maxDist <= 0 {
		return
	}

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			influence := math.Min(1, math.Hypot(float64(x)-focus.X, float64(y)-focus.Y)/maxDist)
			factor := 1 - strength*math.Pow(influence, 1.4)
			p := row[x*4 : x*4+3]
			p[0] = toByte(float64(p[0]) * factor)
			p[1] = toByte(float64(p[1]) * factor)
			p[2] = toByte(float64(p[2]) * factor)
		}
	}
}

func clamp255(v float64) float64 {
	return clamp(v, 0, 255)
}

// toByte stores a channel value the way a clamped byte array does
func toByte(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	return uint8(math.RoundToEven(clamp255(v)))
}
