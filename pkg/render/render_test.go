package render

import (
	"errors"
	"image"
	"math"
	"testing"

	"github.com/menta2k/image-composer/pkg/analyzer"
	"github.com/menta2k/image-composer/pkg/cropper"
	"github.com/menta2k/image-composer/pkg/types"
	"github.com/menta2k/image-composer/pkg/vision"
)

// createTestImage creates an opaque solid-color buffer
func createTestImage(width, height int, r, g, b uint8) types.PixelBuffer {
	buf := types.NewPixelBuffer(width, height)
	for i := 0; i < len(buf.Pix); i += 4 {
		buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2], buf.Pix[i+3] = r, g, b, 255
	}
	return buf
}

// createTiltedBarImage draws a bright near-vertical bar through the center
// of a black image, leaning right by tiltDeg going down
func createTiltedBarImage(width, height int, tiltDeg float64) types.PixelBuffer {
	buf := createTestImage(width, height, 0, 0, 0)
	slope := math.Tan(tiltDeg * math.Pi / 180)
	cx, cy := float64(width)/2, float64(height)/2
	const halfWidth = 14.0

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			covered := 0
			for sy := 0; sy < 4; sy++ {
				for sx := 0; sx < 4; sx++ {
					px := float64(x) + (float64(sx)+0.5)/4
					py := float64(y) + (float64(sy)+0.5)/4
					if math.Abs(px-(cx+(py-cy)*slope)) < halfWidth {
						covered++
					}
				}
			}
			v := uint8(math.Round(float64(covered) / 16 * 220))
			i := (y*width + x) * 4
			buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2] = v, v, v
		}
	}
	return buf
}

func createTestMetrics(width, height int) analyzer.Metrics {
	return analyzer.Metrics{
		ImageSize:       analyzer.ImageInfo{Width: width, Height: height},
		SubjectCenter:   types.Point{X: float64(width) / 2, Y: float64(height) / 2},
		SubjectSize:     0.3,
		Exposure:        128,
		Saturation:      60,
		TextureStrength: 0.2,
		ColorHarmony:    1,
	}
}

func meanLuma(buf types.PixelBuffer) float64 {
	var sum float64
	for i := 0; i < len(buf.Pix); i += 4 {
		sum += 0.2126*float64(buf.Pix[i]) + 0.7152*float64(buf.Pix[i+1]) + 0.0722*float64(buf.Pix[i+2])
	}
	return sum / float64(buf.Width*buf.Height)
}

func TestNewWithOptions(t *testing.T) {
	r := NewWithOptions(Options{DisablePerspective: true})
	if r.opts.MaxRotation != DefaultMaxRotation {
		t.Errorf("Expected default max rotation, got %f", r.opts.MaxRotation)
	}
	if !r.opts.DisablePerspective {
		t.Error("Expected perspective to stay disabled")
	}
}

func TestRenderInvalidCrop(t *testing.T) {
	buf := createTestImage(100, 80, 128, 128, 128)
	m := createTestMetrics(100, 80)

	crops := []types.Rect{
		{X: 0, Y: 0, Width: 0, Height: 10},
		{X: 50, Y: 0, Width: 60, Height: 10},
		{X: -1, Y: 0, Width: 10, Height: 10},
	}
	for _, crop := range crops {
		_, err := Render(buf, m, cropper.Candidate{Crop: crop})
		if !errors.Is(err, ErrInvalidCrop) {
			t.Errorf("Crop %+v: expected ErrInvalidCrop, got %v", crop, err)
		}
	}

	if _, err := Render(types.PixelBuffer{}, m, cropper.Candidate{Crop: types.Rect{Width: 1, Height: 1}}); !errors.Is(err, ErrInvalidCrop) {
		t.Errorf("Expected ErrInvalidCrop for an empty source, got %v", err)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	buf := createTestImage(120, 80, 90, 110, 130)
	for y := 30; y < 50; y++ {
		for x := 50; x < 70; x++ {
			i := (y*120 + x) * 4
			buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2] = 240, 240, 240
		}
	}
	m := createTestMetrics(120, 80)
	cand := cropper.Candidate{
		ID:    "base",
		Crop:  types.Rect{X: 15, Y: 10, Width: 90, Height: 60},
		Focus: types.Point{X: 45, Y: 30},
	}

	res, err := NewWithOptions(Options{DisablePerspective: true}).Render(buf, m, cand)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	if res.Crop != cand.Crop {
		t.Errorf("Expected crop %+v, got %+v", cand.Crop, res.Crop)
	}
	if res.Image.Width != 90 || res.Image.Height != 60 {
		t.Errorf("Expected 90x60 output, got %dx%d", res.Image.Width, res.Image.Height)
	}
	if res.Rotation != 0 {
		t.Errorf("Expected no rotation, got %f", res.Rotation)
	}
	if math.Abs(res.Focus.X-45) > 1e-9 || math.Abs(res.Focus.Y-30) > 1e-9 {
		t.Errorf("Expected focus (45,30), got %+v", res.Focus)
	}

	// the subject square stays where it was in crop coordinates
	center := (30*90 + 45) * 4
	corner := (2*90 + 2) * 4
	if res.Image.Pix[center] <= res.Image.Pix[corner] {
		t.Errorf("Expected the bright square at the crop center, center %d corner %d", res.Image.Pix[center], res.Image.Pix[corner])
	}
}

func TestRenderLevelsHorizon(t *testing.T) {
	buf := createTiltedBarImage(200, 200, 8)
	before := vision.EstimateHorizon(buf)
	if math.Abs(before.AngleDegrees) < 5 {
		t.Fatalf("Expected a clearly tilted input, measured %f", before.AngleDegrees)
	}

	m := createTestMetrics(200, 200)
	m.HorizonAngle = before.AngleDegrees
	m.HorizonConfidence = before.Confidence
	cand := cropper.Candidate{
		ID:              "base",
		Crop:            types.Rect{X: 20, Y: 20, Width: 160, Height: 160},
		Focus:           types.Point{X: 80, Y: 80},
		RotationDegrees: before.AngleDegrees,
	}

	res, err := NewWithOptions(Options{DisablePerspective: true}).Render(buf, m, cand)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if math.Abs(res.Rotation+before.AngleDegrees) > 1e-9 {
		t.Errorf("Expected rotation %f, got %f", -before.AngleDegrees, res.Rotation)
	}

	after := vision.EstimateHorizon(res.Image)
	if math.Abs(after.AngleDegrees) > 2.5 {
		t.Errorf("Expected a level result, measured %f (before %f)", after.AngleDegrees, before.AngleDegrees)
	}
}

func TestRenderClampsRotation(t *testing.T) {
	buf := createTestImage(120, 90, 100, 100, 100)
	m := createTestMetrics(120, 90)
	cand := cropper.Candidate{
		Crop:            types.Rect{X: 0, Y: 0, Width: 120, Height: 90},
		Focus:           types.Point{X: 60, Y: 45},
		RotationDegrees: 40,
	}

	res, err := Render(buf, m, cand)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if res.Rotation != -DefaultMaxRotation {
		t.Errorf("Expected rotation clamped to %f, got %f", -DefaultMaxRotation, res.Rotation)
	}
	if res.Image.Width <= 0 || res.Image.Width > 120 || res.Image.Height <= 0 || res.Image.Height > 90 {
		t.Errorf("Unexpected output size %dx%d", res.Image.Width, res.Image.Height)
	}
	if res.Focus.X < 0 || res.Focus.X > 120 || res.Focus.Y < 0 || res.Focus.Y > 90 {
		t.Errorf("Expected focus inside the output, got %+v", res.Focus)
	}
}

func TestRenderWithPerspective(t *testing.T) {
	buf := createTestImage(160, 120, 120, 120, 120)
	m := createTestMetrics(160, 120)
	m.SubjectRect = &types.Rect{X: 10, Y: 30, Width: 40, Height: 40}
	m.SubjectOffset = types.Point{X: -0.31, Y: -0.08}
	m.HorizonAngle = 4

	cand := cropper.Candidate{
		Crop:            types.Rect{X: 0, Y: 0, Width: 150, Height: 100},
		Focus:           types.Point{X: 30, Y: 50},
		RotationDegrees: 4,
	}
	res, err := Render(buf, m, cand)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if res.Image.Empty() {
		t.Fatal("Expected a non-empty output")
	}
	if res.Image.Width > 150 || res.Image.Height > 100 {
		t.Errorf("Expected output no larger than the crop, got %dx%d", res.Image.Width, res.Image.Height)
	}
}

func TestRenderBrightensDarkImage(t *testing.T) {
	buf := createTestImage(80, 60, 50, 50, 50)
	m := createTestMetrics(80, 60)
	m.Exposure = 50
	cand := cropper.Candidate{Crop: types.Rect{Width: 80, Height: 60}, Focus: types.Point{X: 40, Y: 30}}

	res, err := NewWithOptions(Options{DisablePerspective: true}).Render(buf, m, cand)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := meanLuma(res.Image); got <= 50 {
		t.Errorf("Expected a dark image to be brightened, mean %f", got)
	}
}

func TestShearFocus(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 100, 50))
	m := createTestMetrics(100, 50)
	m.SubjectRect = &types.Rect{X: 70, Y: 10, Width: 20, Height: 20}
	m.SubjectOffset = types.Point{X: 0.3, Y: -0.2}

	res := shear(img, types.Point{X: 80, Y: 20}, m)

	wantSkewX := 0.3 * 0.032
	wantSkewY := -0.2 * 0.03
	if math.Abs(res.skewX-wantSkewX) > 1e-12 || math.Abs(res.skewY-wantSkewY) > 1e-12 {
		t.Errorf("Expected skew (%f,%f), got (%f,%f)", wantSkewX, wantSkewY, res.skewX, res.skewY)
	}

	// offset 0.36: margin ratio 0.1 + 0.7*0.0577 = 0.1404
	if res.margin != 14 {
		t.Errorf("Expected margin 14, got %d", res.margin)
	}
	b := res.canvas.Bounds()
	if b.Dx() != 128 || b.Dy() != 78 {
		t.Errorf("Expected 128x78 canvas, got %dx%d", b.Dx(), b.Dy())
	}

	wantX := 14 + 80 + wantSkewX*20
	wantY := 14 + 20 + wantSkewY*80
	if math.Abs(res.focus.X-wantX) > 1e-9 || math.Abs(res.focus.Y-wantY) > 1e-9 {
		t.Errorf("Expected focus (%f,%f), got %+v", wantX, wantY, res.focus)
	}
}

func TestRotateSmallAngleSkipped(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	focus := types.Point{X: 10, Y: 5}

	r := rotate(img, 0.1, focus)
	if r.canvas != image.Image(img) || r.focus != focus || r.degrees != 0 {
		t.Errorf("Expected a no-op below %f degrees, got %+v", minRotation, r)
	}
}

func TestRenderCorrectsSmallTilt(t *testing.T) {
	buf := createTestImage(120, 80, 90, 110, 130)
	cand := cropper.Candidate{
		ID:              "base",
		Crop:            types.Rect{X: 15, Y: 10, Width: 90, Height: 60},
		Focus:           types.Point{X: 45, Y: 30},
		RotationDegrees: 0.3,
	}

	res, err := NewWithOptions(Options{DisablePerspective: true}).Render(buf, createTestMetrics(120, 80), cand)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if math.Abs(res.Rotation+0.3) > 1e-9 {
		t.Errorf("Expected a -0.3 degree counter-rotation, got %f", res.Rotation)
	}
}

func TestRotateFocusQuarterTurn(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	r := rotate(img, 90, types.Point{X: 30, Y: 10})

	b := r.canvas.Bounds()
	if b.Dx() < 20 || b.Dx() > 21 || b.Dy() < 40 || b.Dy() > 41 {
		t.Fatalf("Expected a 20x40 canvas, got %dx%d", b.Dx(), b.Dy())
	}
	// a point right of center ends up below center after a clockwise turn
	wantX, wantY := float64(b.Dx())/2, float64(b.Dy())/2+10
	if math.Abs(r.focus.X-wantX) > 1e-9 || math.Abs(r.focus.Y-wantY) > 1e-9 {
		t.Errorf("Expected focus (%f,%f), got %+v", wantX, wantY, r.focus)
	}
}

func TestContentBounds(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 50, 40))
	for y := 7; y < 31; y++ {
		for x := 5; x < 43; x++ {
			img.Pix[img.PixOffset(x, y)+3] = 255
		}
	}

	for _, step := range []int{1, 2, 4} {
		got, ok := contentBounds(img.Pix, img.Stride, 50, 40, step)
		if !ok {
			t.Fatalf("step %d: expected content", step)
		}
		if got != image.Rect(5, 7, 43, 31) {
			t.Errorf("step %d: expected (5,7)-(43,31), got %v", step, got)
		}
	}

	empty := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	if _, ok := contentBounds(empty.Pix, empty.Stride, 10, 10, 2); ok {
		t.Error("Expected no content in a transparent image")
	}
}

func TestTrimGutters(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 30, 20))
	for y := 0; y < 20; y++ {
		for x := 3; x < 30; x++ {
			img.Pix[img.PixOffset(x, y)+3] = 255
		}
	}
	out := trimGutters(img)
	if out.Bounds().Dx() != 27 || out.Bounds().Dy() != 20 {
		t.Errorf("Expected 27x20 after trimming, got %v", out.Bounds())
	}
}

func TestToneCurve(t *testing.T) {
	s := newToneSettings(createTestMetrics(10, 10))

	prev := -1.0
	for i := 0; i <= 100; i++ {
		v := s.curve(float64(i) / 100)
		if v < 0 || v > 1 {
			t.Fatalf("curve(%f) = %f out of range", float64(i)/100, v)
		}
		if v < prev-1e-12 {
			t.Errorf("Expected a monotonic curve, curve(%f) = %f < %f", float64(i)/100, v, prev)
		}
		prev = v
	}
	if s.curve(0) <= 0 {
		t.Error("Expected blacks to be lifted")
	}
}

func TestToneSettings(t *testing.T) {
	m := createTestMetrics(10, 10)
	m.Exposure = 90
	m.ShadowClipping = 0.05
	m.HighlightClipping = 0.04
	m.Saturation = 20
	m.SubjectSize = 0.1
	m.ColorCast.Bias = -30

	s := newToneSettings(m)
	if s.gamma != 0.95 || s.brightnessLift != 0.06 || s.midtoneBias != 0.04 {
		t.Errorf("Unexpected exposure settings %+v", s)
	}
	if s.shadowBoost != 0.32 || s.blackLift != 0.14 || s.highlightPull != 0.28 {
		t.Errorf("Unexpected clipping settings %+v", s)
	}
	if s.vibrance != 0.18 || s.focusLift != 0.35 {
		t.Errorf("Unexpected vibrance/focus settings %+v", s)
	}
	if s.warmShift != 0 || math.Abs(s.coolShift-30.0/255) > 1e-12 || math.Abs(s.naturalWarmth-0.021) > 1e-12 {
		t.Errorf("Unexpected cast settings %+v", s)
	}
}

func TestVignetteDarkensCorners(t *testing.T) {
	img := createTestImage(60, 40, 200, 200, 200).NRGBA()
	vignette(img, 0.12, types.Point{X: 30, Y: 20})

	center := img.Pix[img.PixOffset(30, 20)]
	corner := img.Pix[img.PixOffset(0, 0)]
	if center != 200 {
		t.Errorf("Expected the focus pixel untouched, got %d", center)
	}
	if corner >= center {
		t.Errorf("Expected a darker corner, corner %d center %d", corner, center)
	}
}

func TestLocalContrastFlatImage(t *testing.T) {
	img := createTestImage(20, 20, 77, 77, 77).NRGBA()
	localContrast(img, 0.038)
	if img.Pix[img.PixOffset(10, 10)] != 77 {
		t.Errorf("Expected a flat image to be unchanged, got %d", img.Pix[img.PixOffset(10, 10)])
	}
}

func TestPresetTables(t *testing.T) {
	if clarityAmount(0.05) != 0.038 || clarityAmount(0.1) != 0.032 || clarityAmount(0.5) != 0.026 {
		t.Error("Unexpected clarity amounts")
	}
	if vignetteStrength(0.05) != 0.12 || vignetteStrength(0.2) != 0.08 || vignetteStrength(0.4) != 0.05 {
		t.Error("Unexpected vignette strengths")
	}
}

func TestToByte(t *testing.T) {
	tests := []struct {
		in   float64
		want uint8
	}{
		{-3, 0}, {0.5, 0}, {1.5, 2}, {254.6, 255}, {300, 255}, {math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := toByte(tt.in); got != tt.want {
			t.Errorf("toByte(%f) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func BenchmarkRender(b *testing.B) {
	buf := createTiltedBarImage(320, 240, 6)
	m := createTestMetrics(320, 240)
	m.HorizonAngle = -6
	cand := cropper.Candidate{
		Crop:            types.Rect{X: 20, Y: 20, Width: 270, Height: 180},
		Focus:           types.Point{X: 135, Y: 90},
		RotationDegrees: -6,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Render(buf, m, cand); err != nil {
			b.Fatal(err)
		}
	}
}
