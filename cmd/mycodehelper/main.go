package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mycodehelper/internal/config"
	"mycodehelper/internal/conversation"
	"mycodehelper/internal/metrics"
	"mycodehelper/internal/providers/registry"
	"mycodehelper/internal/ratelimit"
	"mycodehelper/internal/scan"
	"mycodehelper/internal/session"
	"mycodehelper/internal/storage"
)

const version = "0.2.0"

type options struct {
	interactive bool
	file        string
	output      string
	format      string
	noStream    bool
	analyze     bool
	codebase    bool
	configPath  string
	version     bool
	encrypt     string
	prompt      string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("mycodehelper", flag.ContinueOnError)
	fs.BoolVar(&o.interactive, "i", false, "start interactive mode (default)")
	fs.BoolVar(&o.interactive, "interactive", false, "start interactive mode (default)")
	fs.StringVar(&o.file, "f", "", "process a specific file")
	fs.StringVar(&o.file, "file", "", "process a specific file")
	fs.StringVar(&o.output, "o", "", "save output to file")
	fs.StringVar(&o.output, "output", "", "save output to file")
	fs.StringVar(&o.format, "format", "", "output format: text, markdown or json")
	fs.BoolVar(&o.noStream, "no-stream", false, "disable streaming responses")
	fs.BoolVar(&o.analyze, "a", false, "analyze current codebase")
	fs.BoolVar(&o.analyze, "analyze", false, "analyze current codebase")
	fs.BoolVar(&o.codebase, "c", false, "load project context")
	fs.BoolVar(&o.codebase, "codebase", false, "load project context")
	fs.StringVar(&o.configPath, "config", "", "load a .toml or .json configuration file")
	fs.BoolVar(&o.version, "v", false, "show version")
	fs.BoolVar(&o.version, "version", false, "show version")
	fs.StringVar(&o.encrypt, "encrypt", "", "print a sealed api_key_enc value for a config file")
	fs.Usage = func() {
		out := fs.Output()
		_, _ = fmt.Fprintf(out, "Usage: mycodehelper [OPTIONS] [PROMPT]\n\n")
		fs.PrintDefaults()
		_, _ = fmt.Fprintf(out, "\nInteractive commands: help, clear, status, analyze, file <path>, exit\n")
	}
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	o.prompt = strings.TrimSpace(strings.Join(fs.Args(), " "))
	return o, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if opts.version {
		fmt.Printf("mycodehelper %s\n", version)
		return
	}

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		setupLogger("warn")
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.Log.Level)

	if opts.configPath != "" {
		cfg, err = cfg.WithFile(opts.configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", opts.configPath).Msg("failed to load config file")
		}
		log.Info().Str("path", opts.configPath).Msg("configuration file loaded")
	}

	if opts.encrypt != "" {
		if err := printSealed(cfg, opts.encrypt); err != nil {
			log.Fatal().Err(err).Msg("failed to seal value")
		}
		return
	}

	if err := run(cfg, opts); err != nil {
		log.Error().Err(err).Msg("mycodehelper failed")
		os.Exit(1)
	}
}

func run(cfg config.Config, opts options) error {
	if opts.noStream {
		cfg.Streaming = false
	}
	format := cfg.OutputFormat
	if opts.format != "" {
		format = strings.ToLower(opts.format)
	}
	switch format {
	case session.FormatText, session.FormatMarkdown, session.FormatJSON:
	default:
		return config.ErrInvalidFormat
	}

	active, err := cfg.Active()
	if err != nil {
		if errors.Is(err, config.ErrNoProvider) {
			fmt.Fprintln(os.Stderr, "❌ No AI provider configured!")
			fmt.Fprintln(os.Stderr, "Set HUGGING_FACE_API_KEY or LOCAL_AI_API_KEY environment variable.")
		}
		return err
	}

	provider, err := registry.Build(registry.BuildOptions{
		Kind:        active.Kind,
		BaseURL:     active.BaseURL,
		APIKey:      active.APIKey,
		Model:       active.Model,
		Temperature: active.Temperature,
		MaxTokens:   active.MaxTokens,
		Headers:     active.Headers,
		WordDelay:   cfg.WordDelay,
		HTTPClient:  &http.Client{Timeout: cfg.HTTP.ClientTimeout},
		Logger:      log.Logger,
	})
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}
	log.Info().Str("provider", provider.Name()).Str("model", provider.Model()).Msg("provider ready")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var rdb *redis.Client
	if cfg.Rate.PerHour > 0 && cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, using in-process rate limit")
			_ = rdb.Close()
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}
	limiter := ratelimit.New(rdb, active.Kind, cfg.Rate.PerHour)

	var usage session.UsageLedger
	if cfg.DB.DSN != "" {
		store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
		if err != nil {
			log.Warn().Err(err).Str("driver", cfg.DB.Driver).Msg("usage ledger disabled")
		} else {
			defer store.Close()
			if err := pruneUsage(ctx, store, cfg.DB.Retention, time.Now()); err != nil {
				log.Warn().Err(err).Msg("failed to prune usage ledger")
			}
			usage = store
		}
	}

	m := metrics.Global()
	if cfg.Metrics.ListenAddr != "" {
		srv := startMetricsServer(cfg.Metrics.ListenAddr)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("failed to stop metrics server")
			}
		}()
	}

	var projectContext *scan.Summary
	if opts.codebase {
		s := scan.Summarize(cfg.ProjectRoot)
		projectContext = &s
		log.Info().Int("files", s.TotalFiles).Msg("project context loaded")
	}

	runner := session.New(session.Config{
		Provider:       provider,
		History:        conversation.New(),
		Limiter:        limiter,
		Usage:          usage,
		Metrics:        m,
		Logger:         log.Logger,
		Out:            os.Stdout,
		Streaming:      cfg.Streaming,
		Format:         format,
		Root:           cfg.ProjectRoot,
		ProjectContext: projectContext,
		OutputPath:     opts.output,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
	})

	switch {
	case opts.file != "":
		return runner.File(ctx, opts.file, opts.prompt)
	case opts.prompt != "":
		return runner.Prompt(ctx, opts.prompt)
	case opts.analyze:
		return runner.Analyze(ctx)
	default:
		in := newLinePrompter()
		defer in.Close()
		err := runner.Interactive(ctx, in)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// pruneUsage drops ledger entries older than retention. A zero retention keeps
// everything.
func pruneUsage(ctx context.Context, store *storage.Store, retention time.Duration, now time.Time) error {
	if retention <= 0 {
		return nil
	}
	n, err := store.DeleteUsageBefore(ctx, now.Add(-retention))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().Int64("entries", n).Dur("retention", retention).Msg("pruned usage ledger")
	return nil
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("metrics server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

func printSealed(cfg config.Config, value string) error {
	box, err := cfg.SecretBox()
	if err != nil {
		return err
	}
	if box == nil {
		return config.ErrMissingSecretKey
	}
	sealed, err := box.Seal(value)
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.WarnLevel
	}
}
