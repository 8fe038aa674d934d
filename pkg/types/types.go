package types

import (
	"image"
	"image/draw"
)

// PixelBuffer is a row-major RGBA8 image with straight (non-premultiplied) alpha.
// Buffers are treated as immutable; transforms always produce a new buffer.
type PixelBuffer struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewPixelBuffer allocates a zeroed (fully transparent) buffer
func NewPixelBuffer(width, height int) PixelBuffer {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return PixelBuffer{Width: width, Height: height, Pix: make([]uint8, width*height*4)}
}

// Empty reports whether the buffer has zero area
func (b PixelBuffer) Empty() bool {
	return b.Width <= 0 || b.Height <= 0 || len(b.Pix) < b.Width*b.Height*4
}

// Bounds returns the full-frame rectangle of the buffer
func (b PixelBuffer) Bounds() Rect {
	return Rect{Width: b.Width, Height: b.Height}
}

// FromImage copies any image into a PixelBuffer
func FromImage(img image.Image) PixelBuffer {
	bounds := img.Bounds()
	nrgba := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), img, bounds.Min, draw.Src)
	return FromNRGBA(nrgba)
}

// FromNRGBA wraps the pixels of an NRGBA image, copying rows when the stride is padded
func FromNRGBA(img *image.NRGBA) PixelBuffer {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	buf := NewPixelBuffer(w, h)
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		copy(buf.Pix[y*w*4:(y+1)*w*4], src)
	}
	return buf
}

// NRGBA returns a copy of the buffer as an *image.NRGBA
func (b PixelBuffer) NRGBA() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, b.Width, b.Height))
	copy(img.Pix, b.Pix)
	return img
}

// View returns an *image.NRGBA sharing the buffer's pixels. Callers must not
// write through it.
func (b PixelBuffer) View() *image.NRGBA {
	return &image.NRGBA{Pix: b.Pix, Stride: b.Width * 4, Rect: image.Rect(0, 0, b.Width, b.Height)}
}

// Rect is an integer rectangle in pixel coordinates
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns width*height
func (r Rect) Area() int {
	return r.Width * r.Height
}

// Center returns the geometric center of the rectangle
func (r Rect) Center() Point {
	return Point{X: float64(r.X) + float64(r.Width)/2, Y: float64(r.Y) + float64(r.Height)/2}
}

// Within reports whether the rectangle lies inside a width x height frame
func (r Rect) Within(width, height int) bool {
	return r.X >= 0 && r.Y >= 0 && r.Width >= 0 && r.Height >= 0 &&
		r.X+r.Width <= width && r.Y+r.Height <= height
}

// Image converts the rectangle to an image.Rectangle
func (r Rect) Image() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Point is a real-valued position in pixel coordinates
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// BoxFromRect normalizes a pixel rectangle against the frame size
func BoxFromRect(r Rect, width, height int) Box {
	if width <= 0 || height <= 0 {
		return Box{}
	}
	fw, fh := float64(width), float64(height)
	return Box{
		X: float64(r.X) / fw,
		Y: float64(r.Y) / fh,
		W: float64(r.Width) / fw,
		H: float64(r.Height) / fh,
	}
}

// ModelScore is a single candidate score returned by a model backend
type ModelScore struct {
	Index       int     `json:"index"`
	Composition float64 `json:"composition"`
	Aesthetic   float64 `json:"aesthetic"`
}

// ScoreEnvelope contains the complete scoring answer from a model backend
type ScoreEnvelope struct {
	Results []ModelScore `json:"results"`
	Notes   string       `json:"notes,omitempty"`
}

// OutputOptions contains options for encoding rendered images
type OutputOptions struct {
	Format   string
	Quality  int
	Lossless bool
}

// FeatureCount is the length of a feature vector
const FeatureCount = 10

// Features describes one crop candidate for scoring. The named fields are
// the JSON wire form; Vector returns them in the fixed model input order.
type Features struct {
	RuleOfThirdsScore   float64 `json:"ruleOfThirdsScore"`
	SaliencyConfidence  float64 `json:"saliencyConfidence"`
	HorizonAngle        float64 `json:"horizonAngle"` // degrees
	HorizonConfidence   float64 `json:"horizonConfidence"`
	TextureStrength     float64 `json:"textureStrength"`
	BalanceRatio        float64 `json:"balanceRatio"`
	CropArea            float64 `json:"cropArea"`
	ColorHarmony        float64 `json:"colorHarmony"`
	SubjectSize         float64 `json:"subjectSize"` // subject area relative to the crop
	LeadingLineStrength float64 `json:"leadingLineStrength"`
}

// Vector returns the features in model input order
func (f Features) Vector() [FeatureCount]float64 {
	return [FeatureCount]float64{
		f.RuleOfThirdsScore,
		f.SaliencyConfidence,
		f.HorizonAngle / 90,
		f.TextureStrength,
		f.BalanceRatio,
		f.CropArea,
		f.ColorHarmony,
		f.HorizonConfidence,
		f.SubjectSize,
		f.LeadingLineStrength,
	}
}
