package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	composer "github.com/menta2k/image-composer"
	"github.com/menta2k/image-composer/internal/storage"
	"github.com/menta2k/image-composer/internal/transport"
	"github.com/menta2k/image-composer/internal/utils"
	"github.com/menta2k/image-composer/pkg/processing"
	"github.com/menta2k/image-composer/pkg/types"
)

type analyzeCmd struct {
	Files   []string `arg:"" name:"file" help:"Images, directories, URLs or azure://container/blob references"`
	Workers int      `help:"Images analyzed in parallel" default:"4"`
}

// report is one line of analyze output
type report struct {
	Source string           `json:"source"`
	Error  string           `json:"error,omitempty"`
	Result *composer.Result `json:"result,omitempty"`
}

func (cmd *analyzeCmd) Run(g *Globals) error {
	ctx, cancel, a, err := g.setup(false)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	sources, err := utils.ExpandInputs(cmd.Files)
	if err != nil {
		return err
	}

	reports := make([]report, len(sources))
	p := pool.New().WithMaxGoroutines(max(1, cmd.Workers)).WithContext(ctx)
	for i, source := range sources {
		p.Go(func(ctx context.Context) error {
			reports[i].Source = source
			buf, err := a.load(ctx, source)
			if err != nil {
				reports[i].Error = err.Error()
				return fmt.Errorf("%s: %w", source, err)
			}
			res, err := a.composer.Process(ctx, buf, composer.ProcessOptions{SkipRender: true})
			if err != nil {
				reports[i].Error = err.Error()
				return fmt.Errorf("%s: %w", source, err)
			}
			reports[i].Result = res
			return nil
		})
	}
	poolErr := p.Wait()

	printJSONL(reports)
	return poolErr
}

type improveCmd struct {
	Files   []string `arg:"" name:"file" help:"Images, directories, URLs or azure://container/blob references"`
	Out     string   `help:"Output directory for the local sink" short:"o" type:"path"`
	Format  string   `help:"Output format: jpg, png or webp (default from config)"`
	Quality int      `help:"JPEG/WebP quality (1-100)"`
	Debug   bool     `help:"Also write a debug overlay for every image"`
	Workers int      `help:"Images rendered in parallel" default:"4"`
}

func (cmd *improveCmd) Run(g *Globals) error {
	ctx, cancel, a, err := g.setup(cmd.Debug)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	sink, err := a.sink(cmd.Out)
	if err != nil {
		return err
	}

	out := a.outputOptions()
	if cmd.Format != "" {
		out.Format = cmd.Format
	}
	if cmd.Quality > 0 {
		out.Quality = cmd.Quality
	}

	sources, err := utils.ExpandInputs(cmd.Files)
	if err != nil {
		return err
	}

	p := pool.New().WithMaxGoroutines(max(1, cmd.Workers)).WithContext(ctx)
	for _, source := range sources {
		p.Go(func(ctx context.Context) error {
			if err := a.improve(ctx, source, sink, out, cmd.Debug); err != nil {
				log.Ctx(ctx).Error().Err(err).Str("source", source).Msg("failed to improve image")
				return fmt.Errorf("%s: %w", source, err)
			}
			return nil
		})
	}
	return p.Wait()
}

// improve renders the best crop of one source and writes it to sink
func (a *app) improve(ctx context.Context, source string, sink storage.Sink, out types.OutputOptions, debug bool) error {
	start := time.Now()
	buf, err := a.load(ctx, source)
	if err != nil {
		return err
	}

	res, err := a.composer.Process(ctx, buf, composer.ProcessOptions{})
	if err != nil {
		return err
	}
	logger := log.Ctx(ctx).With().Str("source", source).Logger()
	if res.Rendered == nil {
		logger.Warn().Msg("no crop candidate, image skipped")
		return nil
	}

	format := processing.NormalizeFormat(out.Format)
	var encoded bytes.Buffer
	if err := a.processor.EncodeImage(&encoded, res.Rendered.Image.NRGBA(), out); err != nil {
		return err
	}
	name := utils.OutputName(source, a.cfg.Output.Prefix, a.cfg.Output.Suffix, format)
	location, err := sink.Put(ctx, name, encoded.Bytes(), processing.ContentType(format))
	if err != nil {
		return err
	}

	sel := res.Selection
	logger.Info().
		Str("output", location).
		Str("size", utils.FormatFileSize(int64(encoded.Len()))).
		Str("candidate", sel.Candidate.ID).
		Str("mode", string(sel.Mode)).
		Float64("composition", sel.CompositionScore).
		Float64("aesthetic", sel.AestheticScore).
		Float64("rotation", res.Rendered.Rotation).
		Strs("feedback", feedbackStrings(res)).
		Dur("took", time.Since(start)).
		Msg("improved")

	if !debug {
		return nil
	}
	overlay := a.processor.CreateDebugOverlay(buf, debugOverlay(res))
	var dbg bytes.Buffer
	if err := a.processor.EncodeImage(&dbg, overlay, types.OutputOptions{Format: "png"}); err != nil {
		return err
	}
	dbgName := utils.OutputName(source, a.cfg.Output.Prefix, "_debug", "png")
	dbgLocation, err := sink.Put(ctx, dbgName, dbg.Bytes(), processing.ContentType("png"))
	if err != nil {
		return err
	}
	logger.Debug().Str("output", dbgLocation).Msg("wrote debug overlay")
	return nil
}

func feedbackStrings(res *composer.Result) []string {
	tags := make([]string, len(res.Analysis.Metrics.Feedback))
	for i, tag := range res.Analysis.Metrics.Feedback {
		tags[i] = string(tag)
	}
	return tags
}

type serveCmd struct {
	Addr   string `help:"Listen address (default from config)" env:"COMPOSER_ADDR"`
	APIKey string `help:"Require this bearer token on /v1/score" name:"score-key" env:"COMPOSER_SCORE_KEY"`
}

func (cmd *serveCmd) Run(g *Globals) error {
	ctx, cancel, a, err := g.setup(false)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	// load failures leave the scorer on the heuristic
	if err := a.composer.Scorer().Initialize(ctx); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("scorer unavailable, using rules")
	}

	addr := a.cfg.Server.Addr
	if cmd.Addr != "" {
		addr = cmd.Addr
	}
	timeout := a.cfg.Server.RequestTimeout.Duration

	handler := transport.NewHandler(a.composer, a.processor, transport.Options{
		MaxUploadBytes: a.cfg.Server.MaxUploadBytes,
		RequestTimeout: timeout,
		Output:         a.outputOptions(),
		APIKey:         cmd.APIKey,
	}, log.Logger)

	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  timeout,
		WriteTimeout: timeout + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Ctx(ctx).Info().
			Str("address", addr).
			Dur("timeout", timeout).
			Str("scorer", a.composer.Scorer().State().String()).
			Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Ctx(ctx).Info().Msg("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Ctx(ctx).Info().Msg("Server exited")
	return nil
}

func printJSONL[T any](data []T) {
	enc := json.NewEncoder(os.Stdout)
	for _, item := range data {
		if err := enc.Encode(item); err != nil {
			log.Error().Err(err).Msg("Failed to encode item to JSON")
			continue
		}
	}
}
