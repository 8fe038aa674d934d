// Package render turns a selected crop candidate into the finished image:
// crop, level, a slight keystone shear, resample back to the crop size, then
// tone, clarity and vignette adjustments around the focus point.
package render

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/image-composer/pkg/analyzer"
	"github.com/menta2k/image-composer/pkg/cropper"
	"github.com/menta2k/image-composer/pkg/types"
)

// ErrInvalidCrop is returned when the candidate crop does not fit the source
var ErrInvalidCrop = errors.New("crop outside source image")

// DefaultMaxRotation caps the leveling correction in degrees
const DefaultMaxRotation = 18.0

// Options controls the geometric steps
type Options struct {
	// DisablePerspective skips the keystone shear
	DisablePerspective bool `json:"disablePerspective"`
	// MaxRotation clamps the leveling angle, in degrees
	MaxRotation float64 `json:"maxRotation"`
}

// DefaultOptions returns the standard rendering options
func DefaultOptions() Options {
	return Options{MaxRotation: DefaultMaxRotation}
}

// Result is a rendered candidate
type Result struct {
	Image types.PixelBuffer `json:"-"`
	Crop  types.Rect        `json:"crop"`
	// Rotation is the counter-rotation applied, in degrees
	Rotation float64     `json:"rotation"`
	Focus    types.Point `json:"focus"`
}

// Renderer renders candidates with fixed options
type Renderer struct {
	opts Options
}

// New creates a Renderer with default options
func New() *Renderer {
	return NewWithOptions(DefaultOptions())
}

// NewWithOptions creates a Renderer
func NewWithOptions(opts Options) *Renderer {
	if opts.MaxRotation <= 0 {
		opts.MaxRotation = DefaultMaxRotation
	}
	return &Renderer{opts: opts}
}

// Render produces the improved image for candidate c of src. It only fails
// when the candidate's crop is empty or outside src.
func (r *Renderer) Render(src types.PixelBuffer, m analyzer.Metrics, c cropper.Candidate) (Result, error) {
	crop := c.Crop
	if src.Empty() || crop.Width <= 0 || crop.Height <= 0 || !crop.Within(src.Width, src.Height) {
		return Result{}, fmt.Errorf("%w: %+v in %dx%d", ErrInvalidCrop, crop, src.Width, src.Height)
	}

	// 1. crop
	cropped := imaging.Crop(src.View(), crop.Image())

	// 2. level
	leveled := clamp(c.RotationDegrees, -r.opts.MaxRotation, r.opts.MaxRotation)
	rotated := rotate(cropped, -leveled, c.Focus)

	// 3. keystone
	var sheared shearResult
	if r.opts.DisablePerspective {
		sheared = shearResult{canvas: rotated.canvas, focus: rotated.focus}
	} else {
		sheared = shear(rotated.canvas, rotated.focus, m)
	}

	// 4. resample back to the crop size
	distortion := math.Max(math.Abs(sheared.skewX), math.Abs(sheared.skewY))
	out, focus := resample(sheared.canvas, sheared.focus, crop.Width, crop.Height, math.Abs(leveled), distortion, m.SubjectSize)

	// 5-7. photometric
	adjustTone(out, newToneSettings(m), focus)
	localContrast(out, clarityAmount(m.TextureStrength))
	vignette(out, vignetteStrength(m.SubjectSize), focus)

	// 8. trim transparent gutters
	out = trimGutters(out)

	return Result{
		Image:    types.FromNRGBA(out),
		Crop:     crop,
		Rotation: rotated.degrees,
		Focus:    focus,
	}, nil
}

// Render renders with default options
func Render(src types.PixelBuffer, m analyzer.Metrics, c cropper.Candidate) (Result, error) {
	return New().Render(src, m, c)
}

// trimGutters crops away near-transparent borders
func trimGutters(img *image.NRGBA) *image.NRGBA {
	b := img.Bounds()
	bounds, ok := contentBounds(img.Pix, img.Stride, b.Dx(), b.Dy(), 2)
	if !ok || bounds.Eq(image.Rect(0, 0, b.Dx(), b.Dy())) {
		return img
	}
	return imaging.Crop(img, bounds.Add(b.Min))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
