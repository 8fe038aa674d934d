package render

import (
	"image"
	"math"

	"github.com/anthonynsimon/bild/transform"
	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/menta2k/image-composer/pkg/analyzer"
	"github.com/menta2k/image-composer/pkg/types"
)

// minRotation is the smallest angle, in degrees, that is corrected (0.002 rad)
const minRotation = 0.002 * 180 / math.Pi

// alphaThreshold separates content from transparent canvas
const alphaThreshold = 8

type rotation struct {
	canvas  image.Image
	focus   types.Point
	degrees float64
}

// rotate turns img clockwise by deg about its center on an expanded canvas
// and carries the focus point along
func rotate(img *image.NRGBA, deg float64, focus types.Point) rotation {
	if math.Abs(deg) < minRotation {
		return rotation{canvas: img, focus: focus}
	}

	out := transform.Rotate(img, deg, &transform.RotationOptions{ResizeBounds: true})

	src, dst := img.Bounds(), out.Bounds()
	sin, cos := math.Sincos(deg * math.Pi / 180)
	rx := focus.X - float64(src.Dx())/2
	ry := focus.Y - float64(src.Dy())/2

	return rotation{
		canvas: out,
		focus: types.Point{
			X: float64(dst.Dx())/2 + rx*cos - ry*sin,
			Y: float64(dst.Dy())/2 + rx*sin + ry*cos,
		},
		degrees: deg,
	}
}

type shearResult struct {
	canvas image.Image
	focus  types.Point
	skewX  float64
	skewY  float64
	margin int
}

// shear pads img and skews it slightly toward the subject, a cheap stand-in
// for keystone correction
func shear(img image.Image, focus types.Point, m analyzer.Metrics) shearResult {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	offset := math.Hypot(m.SubjectOffset.X, m.SubjectOffset.Y)
	angleInfluence := math.Min(0.14, math.Abs(m.HorizonAngle)*0.0075)
	offsetInfluence := math.Min(0.1, offset*0.16)
	marginRatio := clamp(0.1+angleInfluence*0.55+offsetInfluence*0.7, 0.1, 0.22)
	margin := roundInt(float64(max(w, h)) * marginRatio)

	skewLimit := 0.055
	if m.HasSubject() {
		skewLimit = 0.07
	}
	skewX := clamp(m.SubjectOffset.X*0.032+m.HorizonAngle*0.00065, -skewLimit, skewLimit)
	skewY := clamp(m.SubjectOffset.Y*0.03, -skewLimit, skewLimit)

	canvas := image.NewRGBA(image.Rect(0, 0, w+2*margin, h+2*margin))
	mf := float64(margin)
	// x' = x + skewX*y + m, y' = skewY*x + y + m
	s2d := f64.Aff3{
		1, skewX, mf - float64(b.Min.X) - skewX*float64(b.Min.Y),
		skewY, 1, mf - float64(b.Min.Y) - skewY*float64(b.Min.X),
	}
	xdraw.BiLinear.Transform(canvas, s2d, img, b, xdraw.Over, nil)

	return shearResult{
		canvas: canvas,
		focus: types.Point{
			X: mf + focus.X + skewX*focus.Y,
			Y: mf + focus.Y + skewY*focus.X,
		},
		skewX:  skewX,
		skewY:  skewY,
		margin: margin,
	}
}

// resample samples a zoomed window of the canvas content back down to
// width x height and maps the focus into output coordinates
func resample(canvas image.Image, focus types.Point, width, height int, rotationDeg, distortion, subjectSize float64) (*image.NRGBA, types.Point) {
	b := canvas.Bounds()

	subjectPadding := 0.12
	if subjectSize < 0.18 {
		subjectPadding = 0.22
	}
	zoomPadding := rotationDeg*0.017 + distortion*1.65 + subjectPadding
	extraScale := 1 + math.Min(0.6, math.Max(0.2, zoomPadding+0.08))
	targetAspect := float64(width) / float64(height)

	sample := image.Rect(0, 0, b.Dx(), b.Dy())
	if bounds, ok := imageContentBounds(canvas, 4); ok {
		sample = bounds
	}
	sx, sy := sample.Min.X, sample.Min.Y
	sw, sh := sample.Dx(), sample.Dy()

	adjustedW := min(sw, roundInt(float64(width)*extraScale))
	adjustedH := min(sh, roundInt(float64(height)*extraScale))
	if float64(adjustedW)/float64(adjustedH) > targetAspect {
		adjustedW = roundInt(float64(adjustedH) * targetAspect)
	} else {
		adjustedH = roundInt(float64(adjustedW) / targetAspect)
	}
	adjustedW = max(width, min(adjustedW, sw))
	adjustedH = max(height, min(adjustedH, sh))

	if excess := sw - adjustedW; excess > 0 {
		sx += excess / 2
		sw = adjustedW
	}
	if excess := sh - adjustedH; excess > 0 {
		sy += excess / 2
		sh = adjustedH
	}

	// keep clear of rotated or sheared edges
	safety := math.Min(0.24, rotationDeg*0.018+distortion*0.65)
	marginX := min(roundInt(float64(sw)*(0.03+safety*0.5)), max(0, (sw-width)/2))
	marginY := min(roundInt(float64(sh)*(0.025+safety*0.45)), max(0, (sh-height)/2))
	if marginX > 0 {
		sx += marginX
		sw -= marginX * 2
	}
	if marginY > 0 {
		sy += marginY
		sh -= marginY * 2
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	src := image.Rect(sx, sy, sx+sw, sy+sh).Add(b.Min)
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), canvas, src, xdraw.Src, nil)

	fw, fh := float64(width), float64(height)
	mapped := types.Point{
		X: clamp((focus.X-float64(sx))/float64(sw)*fw, 0, fw),
		Y: clamp((focus.Y-float64(sy))/float64(sh)*fh, 0, fh),
	}
	return imaging.Clone(dst), mapped
}

// imageContentBounds finds the non-transparent bounds of an RGBA or NRGBA
// canvas, relative to its origin
func imageContentBounds(img image.Image, step int) (image.Rectangle, bool) {
	b := img.Bounds()
	switch c := img.(type) {
	case *image.RGBA:
		return contentBounds(c.Pix[c.PixOffset(b.Min.X, b.Min.Y):], c.Stride, b.Dx(), b.Dy(), step)
	case *image.NRGBA:
		return contentBounds(c.Pix[c.PixOffset(b.Min.X, b.Min.Y):], c.Stride, b.Dx(), b.Dy(), step)
	default:
		n := imaging.Clone(img)
		return contentBounds(n.Pix, n.Stride, b.Dx(), b.Dy(), step)
	}
}

// contentBounds scans every step-th pixel for alpha above the threshold and
// then tightens the box row by row and column by column
func contentBounds(pix []uint8, stride, width, height, step int) (image.Rectangle, bool) {
	if width <= 0 || height <= 0 {
		return image.Rectangle{}, false
	}
	if step < 1 {
		step = 1
	}
	alpha := func(x, y int) uint8 {
		return pix[y*stride+x*4+3]
	}

	minX, maxX, minY, maxY := width, -1, height, -1
	for y := 0; y < height; y += step {
		for x := 0; x < width; x += step {
			if alpha(x, y) > alphaThreshold {
				minX, maxX = min(minX, x), max(maxX, x)
				minY, maxY = min(minY, y), max(maxY, y)
			}
		}
	}
	if maxX < minX || maxY < minY {
		return image.Rectangle{}, false
	}

	startX := max(0, minX-step)
	endX := min(width-1, maxX+1+step)
	startY := max(0, minY-step)
	endY := min(height-1, maxY+1+step)

	rowHas := func(y, x0, x1 int) bool {
		for x := x0; x <= x1; x++ {
			if alpha(x, y) > alphaThreshold {
				return true
			}
		}
		return false
	}
	colHas := func(x, y0, y1 int) bool {
		for y := y0; y <= y1; y++ {
			if alpha(x, y) > alphaThreshold {
				return true
			}
		}
		return false
	}

	top := startY
	for top < endY && !rowHas(top, startX, endX) {
		top++
	}
	bottom := endY
	for bottom > top && !rowHas(bottom, startX, endX) {
		bottom--
	}
	left := startX
	for left < endX && !colHas(left, top, bottom) {
		left++
	}
	right := endX
	for right > left && !colHas(right, top, bottom) {
		right--
	}

	return image.Rect(left, top, left+max(1, right-left+1), top+max(1, bottom-top+1)), true
}

// roundInt rounds to the nearest integer, halves up
func roundInt(v float64) int {
	return int(math.Floor(v + 0.5))
}
