// Package vision provides the low-level detectors the composition analyzer
// builds on: luminance and Sobel gradient extraction, a saliency window search
// and a gradient-orientation horizon estimator.
package vision

import (
	"math"

	"github.com/menta2k/image-composer/pkg/types"
)

// LumaWeights are the channel coefficients used to derive luminance
type LumaWeights struct {
	R, G, B float64
}

var (
	// BT709 weights, used by saliency and the composition metrics
	BT709 = LumaWeights{R: 0.2126, G: 0.7152, B: 0.0722}
	// BT601 weights, used by the horizon estimator
	BT601 = LumaWeights{R: 0.299, G: 0.587, B: 0.114}
)

// GradientField holds luminance and Sobel gradients for a buffer.
// All slices are width*height long; border pixels have zero gradient.
type GradientField struct {
	Width  int
	Height int
	Luma   []float64
	GX     []float64
	GY     []float64
	Mag    []float64
}

// Luminance computes per-pixel luminance in 0..255 using the given weights
func Luminance(buf types.PixelBuffer, weights LumaWeights) []float64 {
	if buf.Empty() {
		return nil
	}
	n := buf.Width * buf.Height
	luma := make([]float64, n)
	for i, p := 0, 0; i < n; i, p = i+1, p+4 {
		luma[i] = weights.R*float64(buf.Pix[p]) +
			weights.G*float64(buf.Pix[p+1]) +
			weights.B*float64(buf.Pix[p+2])
	}
	return luma
}

// Sobel applies the 3x3 Sobel operator to a luminance plane
func Sobel(luma []float64, width, height int) (gx, gy, mag []float64) {
	n := width * height
	if n <= 0 || len(luma) < n {
		return nil, nil, nil
	}
	gx = make([]float64, n)
	gy = make([]float64, n)
	mag = make([]float64, n)

	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			i := y*width + x
			tl := luma[i-width-1]
			tc := luma[i-width]
			tr := luma[i-width+1]
			ml := luma[i-1]
			mr := luma[i+1]
			bl := luma[i+width-1]
			bc := luma[i+width]
			br := luma[i+width+1]

			sx := -tl + tr - 2*ml + 2*mr - bl + br
			sy := -tl - 2*tc - tr + bl + 2*bc + br

			gx[i] = sx
			gy[i] = sy
			mag[i] = math.Hypot(sx, sy)
		}
	}
	return gx, gy, mag
}

// ExtractGradients builds the luminance plane and its Sobel gradients
func ExtractGradients(buf types.PixelBuffer, weights LumaWeights) GradientField {
	field := GradientField{Width: buf.Width, Height: buf.Height}
	if buf.Empty() {
		field.Width, field.Height = 0, 0
		return field
	}
	field.Luma = Luminance(buf, weights)
	field.GX, field.GY, field.Mag = Sobel(field.Luma, buf.Width, buf.Height)
	return field
}

// normalizeMagnitude rescales values to [0,1] by their min/max range
func normalizeMagnitude(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}
	for i, v := range values {
		out[i] = (v - lo) / span
	}
	return out
}
