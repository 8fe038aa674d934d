package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	composer "github.com/menta2k/image-composer"
	"github.com/menta2k/image-composer/internal/config"
	"github.com/menta2k/image-composer/internal/utils"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func run() error {
	var args cliArgs
	cliCtx := kong.Parse(
		&args,
		kong.Name("composer"),
		kong.Description("Analyze photo composition and render improved crops."),
		kong.UsageOnError(),
		kong.Vars{"version": composer.Version},
	)
	return cliCtx.Run(&args.Globals)
}

// Globals are the flags shared by every command
type Globals struct {
	Config  string           `help:"JSON configuration file (default ~/.config/image-composer/config.json)" type:"path" env:"COMPOSER_CONFIG"`
	Verbose bool             `help:"Enable verbose logging" short:"v"`
	LogJSON bool             `help:"Write logs as JSON instead of the console format" name:"log-json"`
	Backend string           `help:"Scorer backend: rules, local, ollama, llamacpp or cloud" env:"COMPOSER_BACKEND"`
	URL     string           `help:"Scorer server URL" name:"url" env:"COMPOSER_URL"`
	Model   string           `help:"Model name for the ollama and llamacpp backends" env:"COMPOSER_MODEL"`
	APIKey  string           `help:"Bearer token for the cloud backend" name:"api-key" env:"COMPOSER_API_KEY"`
	Timeout time.Duration    `help:"Scorer timeout" env:"COMPOSER_TIMEOUT"`
	Detect  bool             `help:"Locate the subject with the vision model of the ollama or llamacpp backend" env:"COMPOSER_DETECT"`
	Version kong.VersionFlag `help:"Print the version and exit"`
}

type cliArgs struct {
	Globals

	Analyze analyzeCmd `cmd:"" help:"Print the composition analysis of images as JSON lines"`
	Improve improveCmd `cmd:"" help:"Render the best crop of each image"`
	Serve   serveCmd   `cmd:"" help:"Serve the HTTP API"`
}

// setupLogging configures the global zerolog logger
func (g *Globals) setupLogging() {
	level := zerolog.InfoLevel
	if g.Verbose {
		level = zerolog.DebugLevel
	}
	if g.LogJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
	} else {
		log.Logger = log.Output(zerolog.NewConsoleWriter()).Level(level)
	}
	zerolog.DefaultContextLogger = &log.Logger
}

// loadConfig reads the configuration file, applies flag overrides and
// validates the result
func (g *Globals) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	path := g.Config
	if path == "" && utils.FileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
		log.Debug().Str("path", path).Msg("loaded configuration")
	}

	if g.Backend != "" {
		cfg.Scorer.Backend = g.Backend
	}
	if g.URL != "" {
		cfg.Scorer.URL = g.URL
	}
	if g.Model != "" {
		cfg.Scorer.Model = g.Model
	}
	if g.APIKey != "" {
		cfg.Scorer.APIKey = g.APIKey
	}
	if g.Timeout > 0 {
		cfg.Scorer.Timeout = config.Duration{Duration: g.Timeout}
	}
	if g.Detect {
		cfg.Vision.DetectSubject = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setup prepares logging, configuration and the signal-aware context
func (g *Globals) setup(keepMap bool) (context.Context, context.CancelFunc, *app, error) {
	g.setupLogging()

	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	a, err := newApp(cfg, keepMap, log.Logger)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx = log.Logger.WithContext(ctx)

	log.Ctx(ctx).Debug().
		Str("backend", cfg.Scorer.Backend).
		Dur("timeout", cfg.Scorer.Timeout.Duration).
		Str("sink", cfg.Output.Sink).
		Msg("composer ready")

	return ctx, cancel, a, nil
}
