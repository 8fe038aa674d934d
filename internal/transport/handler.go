// Package transport exposes the composer pipeline over HTTP.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	composer "github.com/menta2k/image-composer"
	"github.com/menta2k/image-composer/pkg/processing"
	"github.com/menta2k/image-composer/pkg/scoring"
	"github.com/menta2k/image-composer/pkg/types"
)

// Options configures the HTTP handler
type Options struct {
	MaxUploadBytes int64
	RequestTimeout time.Duration
	Output         types.OutputOptions
	// APIKey, when set, is required as a bearer token on /v1/score
	APIKey string
}

// ErrorResponse is the JSON body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type handler struct {
	composer  *composer.Composer
	processor *processing.Processor
	opts      Options
	logger    zerolog.Logger
}

// NewHandler builds the gin engine serving the composer
func NewHandler(c *composer.Composer, p *processing.Processor, opts Options, logger zerolog.Logger) http.Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = time.Minute
	}
	h := &handler{composer: c, processor: p, opts: opts, logger: logger}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		requestLogger(logger),
		requestSizeLimiter(opts.MaxUploadBytes),
	)

	r.GET("/health", h.healthCheck)
	v1 := r.Group("/v1")
	v1.POST("/analyze", h.analyze)
	v1.POST("/improve", h.improve)
	v1.POST("/score", h.requireAPIKey(), h.score)

	return r
}

func (h *handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "available",
		"version": composer.Version,
		"scorer":  h.composer.Scorer().Status(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) analyze(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.RequestTimeout)
	defer cancel()

	buf, ok := h.readImage(c)
	if !ok {
		return
	}

	res, err := h.composer.Process(ctx, buf, composer.ProcessOptions{SkipRender: true})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "analysis failed", err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *handler) improve(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.RequestTimeout)
	defer cancel()

	buf, ok := h.readImage(c)
	if !ok {
		return
	}

	res, err := h.composer.Process(ctx, buf, composer.ProcessOptions{})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "render failed", err)
		return
	}
	if res.Selection == nil || res.Rendered == nil {
		respondError(c, http.StatusUnprocessableEntity, "no candidate", errors.New("image too small to crop"))
		return
	}

	out := h.opts.Output
	if format := c.Query("format"); format != "" {
		out.Format = format
	}
	var encoded bytes.Buffer
	if err := h.processor.EncodeImage(&encoded, res.Rendered.Image.NRGBA(), out); err != nil {
		respondError(c, http.StatusInternalServerError, "encode failed", err)
		return
	}

	sel := res.Selection
	c.Header("X-Candidate", sel.Candidate.ID)
	c.Header("X-Score-Mode", string(sel.Mode))
	c.Header("X-Composition-Score", strconv.FormatFloat(sel.CompositionScore, 'f', 4, 64))
	c.Header("X-Aesthetic-Score", strconv.FormatFloat(sel.AestheticScore, 'f', 4, 64))
	c.Header("X-Rotation", strconv.FormatFloat(res.Rendered.Rotation, 'f', 2, 64))
	c.Data(http.StatusOK, processing.ContentType(out.Format), encoded.Bytes())
}

// score serves the scorer wire contract with this instance's scoring service
func (h *handler) score(c *gin.Context) {
	var req scoring.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, statusForBodyError(err, http.StatusBadRequest), "invalid request format", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.RequestTimeout)
	defer cancel()

	batch := h.composer.Scorer().Score(ctx, req.Features, req.Context)
	c.JSON(http.StatusOK, scoring.Response{ID: req.ID, Mode: batch.Mode, Results: batch.Results})
}

// readImage decodes the multipart "image" field into a bounded buffer
func (h *handler) readImage(c *gin.Context) (types.PixelBuffer, bool) {
	fh, err := c.FormFile("image")
	if err != nil {
		respondError(c, statusForBodyError(err, http.StatusBadRequest), "missing image", err)
		return types.PixelBuffer{}, false
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, "unreadable image", err)
		return types.PixelBuffer{}, false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		respondError(c, http.StatusBadRequest, "unreadable image", err)
		return types.PixelBuffer{}, false
	}
	img, err := h.processor.DecodeImage(data)
	if errors.Is(err, processing.ErrImageTooLarge) {
		respondError(c, http.StatusRequestEntityTooLarge, err.Error(), err)
		return types.PixelBuffer{}, false
	}
	if err != nil {
		respondError(c, http.StatusUnprocessableEntity, "unsupported image", err)
		return types.PixelBuffer{}, false
	}
	buf := h.processor.ToPixelBuffer(img)
	if err := h.composer.Validate(buf); err != nil {
		respondError(c, http.StatusUnprocessableEntity, err.Error(), err)
		return types.PixelBuffer{}, false
	}
	return buf, true
}

func (h *handler) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.opts.APIKey != "" && c.GetHeader("Authorization") != "Bearer "+h.opts.APIKey {
			respondError(c, http.StatusUnauthorized, "invalid API key", errors.New("missing or wrong bearer token"))
			return
		}
		c.Next()
	}
}

// Middleware and helper functions
func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// requestLogger puts the logger in the request context and logs one line
// per request
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))

		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		if status >= http.StatusInternalServerError {
			event = logger.Error()
		} else if status >= http.StatusBadRequest {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("request")
	}
}

func statusForBodyError(err error, fallback int) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return fallback
}

func respondError(c *gin.Context, code int, message string, err error) {
	zerolog.Ctx(c.Request.Context()).Debug().
		Err(err).
		Int("status_code", code).
		Str("path", c.Request.URL.Path).
		Msg(message)

	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Message: fmt.Sprintf("%s: %v", message, err),
	})
}
