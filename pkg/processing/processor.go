package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/image-composer/pkg/types"
)

// DefaultMaxDimension bounds the longest side of ingested images
const DefaultMaxDimension = 2048

// DefaultMaxPixels bounds the declared size of an image accepted for decoding
const DefaultMaxPixels = 50_000_000

// maxDownloadSize caps image downloads
const maxDownloadSize = 64 << 20

// ErrImageTooLarge is returned when an image header declares more pixels than
// the processor accepts
var ErrImageTooLarge = errors.New("image too large")

// Processor handles image ingestion and output
type Processor struct {
	maxDim     int
	maxPixels  int64
	httpClient *http.Client
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return NewProcessorWithMaxDimension(DefaultMaxDimension)
}

// NewProcessorWithMaxDimension creates a processor that downscales anything
// larger than maxDim; maxDim <= 0 disables downscaling
func NewProcessorWithMaxDimension(maxDim int) *Processor {
	return &Processor{
		maxDim:     maxDim,
		maxPixels:  DefaultMaxPixels,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithMaxPixels sets the decode budget; n <= 0 disables the check
func (p *Processor) WithMaxPixels(n int64) *Processor {
	p.maxPixels = n
	return p
}

// checkSize reads only the image header and rejects images over the pixel
// budget. Unknown formats pass; the decoder reports them.
func (p *Processor) checkSize(r io.Reader) error {
	if p.maxPixels <= 0 {
		return nil
	}
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return nil
	}
	if int64(cfg.Width)*int64(cfg.Height) > p.maxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, p.maxPixels)
	}
	return nil
}

// MaxDimension returns the downscale bound
func (p *Processor) MaxDimension() int {
	return p.maxDim
}

// LoadImageFromURL downloads and loads an image from a URL
func (p *Processor) LoadImageFromURL(ctx context.Context, imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Image-Composer/1.0 (+https://github.com/menta2k/image-composer)")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	imageData, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}

	return p.DecodeImage(imageData)
}

// LoadImage loads an image from a file path, applying EXIF orientation
func (p *Processor) LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := p.checkSize(f); err != nil {
		return nil, err
	}

	if img, err := imaging.Open(path, imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	// Fallback: explicit WebP decode
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	if strings.Contains(strings.ToLower(path), ".webp") {
		if img, err := webp.Decode(f); err == nil {
			return img, nil
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err == nil {
		if img, _, err := image.Decode(f); err == nil {
			return img, nil
		}
	}
	return nil, fmt.Errorf("image: unknown format for %s", path)
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(ctx context.Context, source string) (image.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadImageFromURL(ctx, source)
	}
	return p.LoadImage(source)
}

// LoadPixelBuffer loads source and converts it to a bounded PixelBuffer
func (p *Processor) LoadPixelBuffer(ctx context.Context, source string) (types.PixelBuffer, error) {
	img, err := p.LoadImageSmart(ctx, source)
	if err != nil {
		return types.PixelBuffer{}, err
	}
	return p.ToPixelBuffer(img), nil
}

// DecodeImage decodes image bytes, applying EXIF orientation, with a WebP fallback
func (p *Processor) DecodeImage(data []byte) (image.Image, error) {
	if err := p.checkSize(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	if img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// ToPixelBuffer downscales img to fit the maximum dimension and copies it
// into a PixelBuffer
func (p *Processor) ToPixelBuffer(img image.Image) types.PixelBuffer {
	b := img.Bounds()
	if p.maxDim > 0 && (b.Dx() > p.maxDim || b.Dy() > p.maxDim) {
		return types.FromNRGBA(imaging.Fit(img, p.maxDim, p.maxDim, imaging.Lanczos))
	}
	return types.FromImage(img)
}

// EncodeImage writes img in the requested format
func (p *Processor) EncodeImage(w io.Writer, img image.Image, opts types.OutputOptions) error {
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	switch NormalizeFormat(opts.Format) {
	case "webp":
		return webp.Encode(w, img, &webp.Options{Lossless: opts.Lossless, Quality: float32(quality)})
	case "png":
		return png.Encode(w, img)
	default:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	}
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path string, opts types.OutputOptions) error {
	switch NormalizeFormat(opts.Format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return p.EncodeImage(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default:
		quality := opts.Quality
		if quality <= 0 || quality > 100 {
			quality = 90
		}
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// NormalizeFormat maps format names and extensions to jpg, png or webp
func NormalizeFormat(format string) string {
	switch strings.TrimPrefix(strings.ToLower(format), ".") {
	case "png":
		return "png"
	case "webp":
		return "webp"
	default:
		return "jpg"
	}
}

// ContentType returns the MIME type of a normalized format
func ContentType(format string) string {
	switch NormalizeFormat(format) {
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Overlay lists what CreateDebugOverlay draws, all in source pixel coordinates
type Overlay struct {
	// Heatmap is a normalized saliency map of the source size
	Heatmap []float64
	Subject *types.Rect
	Crop    *types.Rect
	Horizon *[2]types.Point
	Focus   *types.Point
}

// CreateDebugOverlay draws the saliency heatmap, subject and crop boxes, the
// horizon line and the focus point over a copy of buf
func (p *Processor) CreateDebugOverlay(buf types.PixelBuffer, ov Overlay) *image.NRGBA {
	nrgba := buf.NRGBA()
	w, h := buf.Width, buf.Height
	if w <= 0 || h <= 0 {
		return nrgba
	}

	if len(ov.Heatmap) == w*h {
		drawHeatmap(nrgba, ov.Heatmap)
	}

	// Colors
	green := color.NRGBA{0, 255, 0, 255}                 // subject box
	gold := color.NRGBA{255, 204, 0, 255}                // crop box
	red := color.NRGBA{255, 0, 0, 255}                   // focus
	cyan := color.NRGBA{0, 170, 255, 255}                // horizon
	stroke := int(math.Max(2, 0.004*float64(min(w, h)))) // ~0.4% of min side
	cross := int(math.Max(4, 0.01*float64(min(w, h))))   // ~1% of min side

	if ov.Subject != nil {
		drawBox(nrgba, types.BoxFromRect(*ov.Subject, w, h), w, h, green, stroke)
	}
	if ov.Crop != nil && ov.Crop.Width > 0 && ov.Crop.Height > 0 {
		drawBox(nrgba, types.BoxFromRect(*ov.Crop, w, h), w, h, gold, stroke)
	}
	if ov.Horizon != nil {
		for s := 0; s < stroke; s++ {
			drawLine(nrgba, ov.Horizon[0].X, ov.Horizon[0].Y+float64(s), ov.Horizon[1].X, ov.Horizon[1].Y+float64(s), cyan)
		}
	}
	if ov.Focus != nil {
		px, py := int(ov.Focus.X+0.5), int(ov.Focus.Y+0.5)
		drawHLine(nrgba, py, px-cross, px+cross, red)
		drawVLine(nrgba, px, py-cross, py+cross, red)
	}

	return nrgba
}

// drawHeatmap blends a blue-to-red ramp over the image, weighted by energy
func drawHeatmap(img *image.NRGBA, energy []float64) {
	w := img.Bounds().Dx()
	for i, v := range energy {
		v = clamp(v, 0, 1)
		if v < 0.05 {
			continue
		}
		c := colorful.Hsv(240*(1-v), 1, 1)
		r, g, b := c.RGB255()
		alpha := 0.55 * v

		x, y := i%w, i/w
		o := y*img.Stride + x*4
		img.Pix[o+0] = blend(img.Pix[o+0], r, alpha)
		img.Pix[o+1] = blend(img.Pix[o+1], g, alpha)
		img.Pix[o+2] = blend(img.Pix[o+2], b, alpha)
	}
}

func blend(dst, src uint8, alpha float64) uint8 {
	return uint8(math.Round(float64(dst)*(1-alpha) + float64(src)*alpha))
}

// Helper functions
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func boxToPixels(box types.Box, w, h int) (int, int, int, int) {
	x0 := int(clamp(box.X, 0, 1)*float64(w) + 0.5)
	y0 := int(clamp(box.Y, 0, 1)*float64(h) + 0.5)
	x1 := int(clamp(box.X+box.W, 0, 1)*float64(w) + 0.5)
	y1 := int(clamp(box.Y+box.H, 0, 1)*float64(h) + 0.5)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return x0, y0, x1, y1
}

func drawBox(img *image.NRGBA, box types.Box, w, h int, color color.NRGBA, stroke int) {
	x0, y0, x1, y1 := boxToPixels(box, w, h)
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, color)
		drawHLine(img, y1-1-s, x0, x1, color)
		drawVLine(img, x0+s, y0, y1, color)
		drawVLine(img, x1-1-s, y0, y1, color)
	}
}

// drawLine plots a straight segment by stepping along its longer axis
func drawLine(img *image.NRGBA, x0, y0, x1, y1 float64, c color.NRGBA) {
	steps := int(math.Ceil(math.Max(math.Abs(x1-x0), math.Abs(y1-y0))))
	if steps == 0 {
		setPixel(img, int(x0), int(y0), c)
		return
	}
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		setPixel(img, int(math.Round(x0+(x1-x0)*t)), int(math.Round(y0+(y1-y0)*t)), c)
	}
}

func setPixel(img *image.NRGBA, x, y int, c color.NRGBA) {
	b := img.Bounds()
	if x < 0 || y < 0 || x >= b.Dx() || y >= b.Dy() {
		return
	}
	i := y*img.Stride + x*4
	img.Pix[i+0] = c.R
	img.Pix[i+1] = c.G
	img.Pix[i+2] = c.B
	img.Pix[i+3] = c.A
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
