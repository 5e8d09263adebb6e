package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"portfolio-scraper/internal/agent"
	"portfolio-scraper/internal/bot"
	"portfolio-scraper/internal/browser"
	"portfolio-scraper/internal/cache"
	"portfolio-scraper/internal/config"
	"portfolio-scraper/internal/db"
	"portfolio-scraper/internal/domain"
	"portfolio-scraper/internal/handler"
	"portfolio-scraper/internal/influx"
	"portfolio-scraper/internal/job"
	"portfolio-scraper/internal/llm"
	"portfolio-scraper/internal/report"
	"portfolio-scraper/internal/repository"
	"portfolio-scraper/internal/service"
	"portfolio-scraper/pkg/logger"
	"portfolio-scraper/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tele "gopkg.in/telebot.v3"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

var (
	loadEnvFunc       = godotenv.Load
	loadConfigFunc    = config.Load
	initTracerFunc    = tracing.InitTracer
	resolveModelsFunc = llm.Resolve
	newAcquireFunc    = func(tracer trace.Tracer, log zerolog.Logger, cfg browser.Config) service.AcquireFunc {
		p := browser.NewProvider(tracer, log, cfg)
		return func(ctx context.Context) (service.BrowserSession, error) {
			s, err := p.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}
	probeBrowserFunc = func(ctx context.Context, cfg browser.Config) error {
		_, err := browser.Probe(ctx, &http.Client{Timeout: cfg.ProbeTimeout}, cfg.DebugURL)
		return err
	}
	newExtractorFunc = func(tracer trace.Tracer, log zerolog.Logger, models llm.Models, opts agent.Options) service.Extractor {
		return agent.New(tracer, log, models, opts)
	}
	newWriterFunc = func(tracer trace.Tracer, log zerolog.Logger) service.PortfolioWriter {
		return influx.NewWriter(tracer, log)
	}
	initRedisFunc          = cache.InitRedis
	initPostgresFunc       = db.InitPostgres
	newBotFunc             = bot.NewBot
	startBotFunc           = func(b *tele.Bot) { go b.Start() }
	newRouterFunc          = gin.New
	notifyContextFunc      = signal.NotifyContext
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
	exitFunc               = os.Exit
)

func main() {
	exitFunc(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	mode     domain.Mode
	persist  bool
	logLevel string
	schedule string
	timeout  time.Duration
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("scraper", flag.ContinueOnError)
	fs.SetOutput(stderr)

	dataType := fs.String("data-type", string(domain.ModeBoth), "data to extract: structured, raw or both")
	noInflux := fs.Bool("no-influxdb", false, "disable InfluxDB persistence")
	logLevel := fs.String("log-level", "", "log level: "+strings.Join(logger.Levels, ", ")+" (default LOG_LEVEL or INFO)")
	schedule := fs.String("schedule", "", "cron schedule; when set the scraper keeps running (default SCRAPE_SCHEDULE)")
	timeout := fs.Duration("timeout", 0, "overall extraction timeout, e.g. 10m (default EXTRACT_TIMEOUT_SECS)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	mode, err := domain.ParseMode(*dataType)
	if err != nil {
		return options{}, err
	}
	if *logLevel != "" {
		if _, ok := logger.ParseLevel(*logLevel); !ok {
			return options{}, fmt.Errorf("invalid log level %q: choose from %s", *logLevel, strings.Join(logger.Levels, ", "))
		}
	}
	if *timeout < 0 {
		return options{}, errors.New("timeout must not be negative")
	}

	return options{
		mode:     mode,
		persist:  !*noInflux,
		logLevel: *logLevel,
		schedule: strings.TrimSpace(*schedule),
		timeout:  *timeout,
	}, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	_ = loadEnvFunc()

	level := opts.logLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	log := logger.New(logger.Config{Level: level, Pretty: true, Out: stderr})
	logger.SetGlobalLogger(log)

	cfg := loadConfigFunc()
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return exitFatal
	}
	if opts.schedule == "" {
		opts.schedule = cfg.Schedule
	}

	ctx, stop := notifyContextFunc(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
		return exitFatal
	}
	defer shutdownTracer(log, tp)

	models, err := resolveModelsFunc(ctx, llmConfig(cfg))
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve LLM provider")
		return exitFatal
	}
	log.Info().Str("main", models.Main.Name()).Str("planner", models.Planner.Name()).Msg("LLM provider resolved")

	browserCfg := browserConfig(cfg)
	agentOpts := agentOptions(cfg, opts)

	var svcOpts []service.Option

	if cfg.RedisURL != "" {
		client, err := initRedisFunc(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, browser session lease disabled")
		} else {
			defer closeRedis(log, client)
			ttl := leaseTTL(cfg, opts.mode, agentOpts.Timeout)
			svcOpts = append(svcOpts, service.WithSessionLocker(cache.NewSessionLease(client, cfg.ChromeDebugURL, ttl)))
		}
	}

	var history handler.RunHistory
	if cfg.DatabaseURL != "" {
		pool, err := initPostgresFunc(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Warn().Err(err).Msg("Postgres unavailable, run history disabled")
		} else {
			defer pool.Close()
			repo := repository.NewRunRepository(pool, tracer)
			history = repo
			svcOpts = append(svcOpts, service.WithRunRecorder(repo))
		}
	}

	scheduled := opts.schedule != ""
	var tgBot *tele.Bot
	if cfg.TelegramBotToken != "" {
		b, err := newBotFunc(cfg.TelegramBotToken, scheduled)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram bot disabled")
		} else {
			tgBot = b
			if n, err := bot.NewNotifier(b, cfg.TelegramChatID, log); err != nil {
				log.Warn().Err(err).Msg("Telegram notifications disabled")
			} else {
				svcOpts = append(svcOpts, service.WithNotifier(n))
			}
		}
	}

	svc := service.NewScrapeService(
		tracer,
		log,
		newExtractorFunc(tracer, log, models, agentOpts),
		newAcquireFunc(tracer, log, browserCfg),
		newWriterFunc(tracer, log),
		influx.Config{URL: cfg.InfluxURL, Token: cfg.InfluxToken, Org: cfg.InfluxOrg, Bucket: cfg.InfluxBucket},
		cfg.PortfolioURL,
		agentOpts,
		svcOpts...,
	)
	runOpts := service.RunOptions{Mode: opts.mode, Persist: opts.persist}

	if !scheduled {
		rep, err := svc.Run(ctx, runOpts)
		printReport(stdout, rep)
		if err != nil {
			log.Error().Err(err).Msg("Scrape run could not start")
			return exitFatal
		}
		return exitOK
	}

	if browserCfg.Mode == browser.ModeAttach {
		if err := probeBrowserFunc(ctx, browserCfg); err != nil {
			log.Error().Err(err).Msg("Chrome must be running with remote debugging before scheduling scrapes")
			return exitFatal
		}
	}

	scrapeJob, err := job.NewScrapeJob(tracer, log, opts.schedule, func(ctx context.Context) (service.RunReport, error) {
		rep, err := svc.Run(ctx, runOpts)
		printReport(stdout, rep)
		return rep, err
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	if tgBot != nil {
		bot.RegisterCommands(tgBot, lastRunSummary(scrapeJob), scrapeJob.Next)
		startBotFunc(tgBot)
		defer tgBot.Stop()
	}

	r := newRouterFunc()
	r.Use(gin.Recovery(), otelgin.Middleware(tracing.ServiceName))
	handler.New(tracer, scrapeJob, history).RegisterRoutes(r, cfg.APIKey)

	srv := &http.Server{
		Addr:              cfg.HealthAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := startHTTPServerFunc(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("HTTP server stopped")
		}
	}()

	log.Info().Str("schedule", opts.schedule).Str("addr", srv.Addr).Msg("Scheduled scraping started")
	scrapeJob.Start(ctx)
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server forced to shutdown")
	}
	return exitOK
}

func printReport(w io.Writer, rep service.RunReport) {
	if !rep.RawCapture.Empty() {
		fmt.Fprintln(w, report.Raw(rep.RawCapture))
		fmt.Fprintln(w)
	}
	if rep.Wealth != nil {
		fmt.Fprintln(w, report.Wealth(*rep.Wealth))
		fmt.Fprintln(w)
	}
	if !rep.HasResult() {
		fmt.Fprintln(w, report.NoResultMessage)
	}
	fmt.Fprintln(w, report.RunSummary(rep))
}

func lastRunSummary(j *job.ScrapeJob) bot.LastRunFunc {
	return func() (string, bool) {
		rep, ok := j.Last()
		if !ok {
			return "", false
		}
		return rep.PlainSummary(), true
	}
}

func llmConfig(cfg *config.Config) llm.Config {
	return llm.Config{
		Provider:        llm.ParseSelector(cfg.LLMProvider),
		Temperature:     cfg.LLMTemperature,
		Timeout:         cfg.LLMTimeout(),
		RateLimitPerMin: cfg.LLMRateLimitPerMin,
		OpenAI: llm.BackendConfig{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			Model:        cfg.OpenAIModel,
			PlannerModel: cfg.OpenAIPlannerModel,
		},
		Anthropic: llm.BackendConfig{
			APIKey:       cfg.AnthropicAPIKey,
			Model:        cfg.AnthropicModel,
			PlannerModel: cfg.AnthropicPlannerModel,
		},
		Google: llm.BackendConfig{
			APIKey:       cfg.GeminiAPIKey,
			Model:        cfg.GeminiModel,
			PlannerModel: cfg.GeminiPlannerModel,
		},
		Ollama: llm.BackendConfig{
			BaseURL:      cfg.OllamaHost,
			Model:        cfg.OllamaModel,
			PlannerModel: cfg.OllamaPlannerModel,
			NumCtx:       cfg.OllamaNumCtx,
		},
	}
}

func browserConfig(cfg *config.Config) browser.Config {
	return browser.Config{
		Mode:         browser.Mode(cfg.BrowserMode),
		DebugURL:     cfg.ChromeDebugURL,
		BinaryPath:   cfg.BrowserBinaryPath,
		Headless:     cfg.BrowserHeadless,
		ProbeTimeout: time.Duration(cfg.BrowserProbeTimeoutSecs) * time.Second,
		MinWait:      time.Duration(cfg.BrowserMinWaitSecs) * time.Second,
		NetworkIdle:  time.Duration(cfg.BrowserNetworkIdleSecs) * time.Second,
	}
}

func agentOptions(cfg *config.Config, opts options) agent.Options {
	timeout := cfg.ExtractTimeout()
	if opts.timeout > 0 {
		timeout = opts.timeout
	}
	return agent.Options{
		MaxSteps:         cfg.AgentMaxSteps,
		RawMaxSteps:      cfg.AgentRawMaxSteps,
		PlannerInterval:  cfg.AgentPlannerInterval,
		UsePlanner:       cfg.AgentUsePlanner,
		UseMemory:        cfg.AgentUseMemory,
		PlannerReasoning: cfg.AgentPlannerReasoning,
		Timeout:          timeout,
	}
}

// leaseMargin covers browser probing and persistence around the extractions.
const leaseMargin = 2 * time.Minute

// leaseTTL is the configured lease TTL, raised to cover every extraction the
// mode performs so a lease is never shorter than one run.
func leaseTTL(cfg *config.Config, mode domain.Mode, timeout time.Duration) time.Duration {
	ttl := time.Duration(cfg.SessionLeaseTTLSecs) * time.Second
	extractions := 1
	if mode == domain.ModeBoth {
		extractions = 2
	}
	if budget := time.Duration(extractions)*timeout + leaseMargin; budget > ttl {
		return budget
	}
	return ttl
}

func shutdownTracer(log zerolog.Logger, tp *sdktrace.TracerProvider) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Error shutting down tracer provider")
	}
}

func closeRedis(log zerolog.Logger, client *redis.Client) {
	if err := client.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing Redis client")
	}
}
