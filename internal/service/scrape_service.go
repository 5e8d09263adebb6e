package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"portfolio-scraper/internal/agent"
	"portfolio-scraper/internal/browser"
	"portfolio-scraper/internal/domain"
	"portfolio-scraper/internal/influx"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Extractor runs extractions against pages borrowed from a session.
type Extractor interface {
	Extract(ctx context.Context, req domain.ExtractionRequest, pages browser.PageOpener) (agent.Result, error)
	ExtractBoth(ctx context.Context, raw, structured domain.ExtractionRequest, pages browser.PageOpener) agent.BothResult
}

// BrowserSession is a browser the service owns for the length of one run.
type BrowserSession interface {
	browser.PageOpener
	Release() error
}

// AcquireFunc opens the browser session for a run.
type AcquireFunc func(ctx context.Context) (BrowserSession, error)

type PortfolioWriter interface {
	Write(ctx context.Context, cfg influx.Config, payload domain.Payload, tags map[string]string) influx.WriteResult
}

// SessionLocker guards a browser against concurrent runs from other processes.
type SessionLocker interface {
	Lock(ctx context.Context) (unlock func(context.Context) error, err error)
}

type RunRecorder interface {
	RecordRun(ctx context.Context, rec domain.RunRecord) error
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// RunOptions selects what one run does.
type RunOptions struct {
	Mode    domain.Mode
	Persist bool
}

// ScrapeService sequences one scrape run: acquire a browser, extract, persist
// each payload independently and always release the browser.
type ScrapeService struct {
	tracer    trace.Tracer
	log       zerolog.Logger
	extractor Extractor
	acquire   AcquireFunc
	writer    PortfolioWriter
	influx    influx.Config
	targetURL string
	agentOpts agent.Options

	locker   SessionLocker
	recorder RunRecorder
	notifier Notifier

	now   func() time.Time
	newID func() string
}

type Option func(*ScrapeService)

func WithSessionLocker(l SessionLocker) Option {
	return func(s *ScrapeService) { s.locker = l }
}

func WithRunRecorder(r RunRecorder) Option {
	return func(s *ScrapeService) { s.recorder = r }
}

func WithNotifier(n Notifier) Option {
	return func(s *ScrapeService) { s.notifier = n }
}

func NewScrapeService(
	tracer trace.Tracer,
	log zerolog.Logger,
	extractor Extractor,
	acquire AcquireFunc,
	writer PortfolioWriter,
	influxCfg influx.Config,
	targetURL string,
	agentOpts agent.Options,
	opts ...Option,
) *ScrapeService {
	s := &ScrapeService{
		tracer:    tracer,
		log:       log.With().Str("component", "scrape-service").Logger(),
		extractor: extractor,
		acquire:   acquire,
		writer:    writer,
		influx:    influxCfg,
		targetURL: targetURL,
		agentOpts: agentOpts,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run performs one scrape. The returned error is non-nil only for fatal
// preconditions (lease or browser acquisition); extraction and persistence
// failures are carried in the report.
func (s *ScrapeService) Run(ctx context.Context, opts RunOptions) (RunReport, error) {
	ctx, span := s.tracer.Start(ctx, "scrape-service.run")
	defer span.End()

	report := RunReport{ID: s.newID(), Mode: opts.Mode, StartedAt: s.now()}
	span.SetAttributes(attribute.String("run.id", report.ID), attribute.String("run.mode", string(opts.Mode)))
	log := s.log.With().Str("run_id", report.ID).Str("mode", string(opts.Mode)).Logger()

	err := s.run(ctx, log, opts, &report)
	if err != nil {
		span.RecordError(err)
		report.Err = err.Error()
	}

	report.FinishedAt = s.now()
	span.SetAttributes(attribute.String("run.status", string(report.Status())))
	s.finish(ctx, log, report)
	return report, err
}

func (s *ScrapeService) run(ctx context.Context, log zerolog.Logger, opts RunOptions, report *RunReport) error {
	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx)
		if err != nil {
			return fmt.Errorf("lock browser session: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("Failed to release browser lease")
			}
		}()
	}

	session, err := s.acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire browser session: %w", err)
	}
	defer func() {
		if err := session.Release(); err != nil {
			log.Warn().Err(err).Msg("Browser session release reported errors")
		}
	}()

	switch opts.Mode {
	case domain.ModeRaw:
		res, err := s.extractor.Extract(ctx, agent.NewRequest(s.targetURL, domain.ModeRaw, s.agentOpts), session)
		report.Raw = extractionOutcome(res, err)
		report.RawCapture = res.Raw
	case domain.ModeStructured:
		res, err := s.extractor.Extract(ctx, agent.NewRequest(s.targetURL, domain.ModeStructured, s.agentOpts), session)
		report.Structured = extractionOutcome(res, err)
		report.Wealth = res.Wealth
	case domain.ModeBoth:
		both := s.extractor.ExtractBoth(ctx,
			agent.NewRequest(s.targetURL, domain.ModeRaw, s.agentOpts),
			agent.NewRequest(s.targetURL, domain.ModeStructured, s.agentOpts),
			session)
		report.Raw = extractionOutcome(both.Raw, both.RawErr)
		report.RawCapture = both.Raw.Raw
		report.Structured = extractionOutcome(both.Structured, both.StructuredErr)
		report.Wealth = both.Structured.Wealth
	default:
		return fmt.Errorf("unsupported mode %q", opts.Mode)
	}

	if report.Raw.Extraction == ExtractionOK {
		s.persist(ctx, log, opts, &report.Raw, report.RawCapture, map[string]string{"data_type": "raw"})
	}
	if report.Structured.Extraction == ExtractionOK && report.Wealth != nil {
		s.persist(ctx, log, opts, &report.Structured, *report.Wealth, nil)
	}
	return nil
}

func extractionOutcome(res agent.Result, err error) ModeOutcome {
	out := ModeOutcome{Requested: true, Steps: res.Steps, Persistence: PersistNotAttempted}
	switch {
	case err != nil:
		out.Extraction = ExtractionFailed
		out.Error = err.Error()
	case res.Status == agent.StatusOK:
		out.Extraction = ExtractionOK
	default:
		out.Extraction = ExtractionNoData
	}
	return out
}

func (s *ScrapeService) persist(ctx context.Context, log zerolog.Logger, opts RunOptions, out *ModeOutcome, payload domain.Payload, tags map[string]string) {
	kind := domain.PayloadKind(payload)
	switch {
	case !opts.Persist:
		out.Persistence = PersistDisabled
		return
	case !s.influx.Complete():
		log.Warn().Str("payload", kind).Msg("InfluxDB configuration incomplete, skipping persistence")
		out.Persistence = PersistSkipped
		return
	}

	res := s.writer.Write(ctx, s.influx, payload, tags)
	out.Records = res.Written
	if res.OK() {
		out.Persistence = PersistWritten
		log.Info().Str("payload", kind).Int("records", res.Written).Msg("Payload persisted")
		return
	}
	out.Persistence = PersistFailed
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	log.Error().Str("payload", kind).Int("written", res.Written).Int("attempted", res.Attempted).Msg("Payload persistence failed")
}

// finish records and announces a run. Failures here never change the report.
func (s *ScrapeService) finish(ctx context.Context, log zerolog.Logger, report RunReport) {
	ctx = context.WithoutCancel(ctx)
	status := report.Status()
	ev := log.Info()
	if status != StatusSuccess {
		ev = log.Warn()
	}
	ev.Str("status", string(status)).Dur("duration", report.FinishedAt.Sub(report.StartedAt)).Msg("Scrape run finished")

	if s.recorder != nil {
		if err := s.recorder.RecordRun(ctx, report.Record()); err != nil {
			log.Warn().Err(err).Msg("Failed to record run history")
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, report.PlainSummary()); err != nil {
			log.Warn().Err(err).Msg("Failed to send run notification")
		}
	}
}

// Extraction outcomes of one mode.
const (
	ExtractionOK     = "ok"
	ExtractionNoData = "no_data"
	ExtractionFailed = "failed"
)

// Persistence outcomes of one mode.
const (
	PersistWritten      = "written"
	PersistFailed       = "failed"
	PersistSkipped      = "skipped"
	PersistDisabled     = "disabled"
	PersistNotAttempted = "not_attempted"
)

// ModeOutcome is what happened to one of raw or structured in a run.
type ModeOutcome struct {
	Requested   bool   `json:"requested"`
	Extraction  string `json:"extraction,omitempty"`
	Persistence string `json:"persistence,omitempty"`
	Records     int    `json:"records"`
	Steps       int    `json:"steps"`
	Error       string `json:"error,omitempty"`
}

func (o ModeOutcome) persisted() bool {
	return o.Persistence == PersistWritten || o.Persistence == PersistDisabled
}

// RunStatus is the overall verdict on a run.
type RunStatus string

const (
	StatusSuccess  RunStatus = "success"
	StatusDegraded RunStatus = "degraded"
	StatusNoResult RunStatus = "no_result"
	StatusFailed   RunStatus = "failed"
)

// RunReport is the full account of one run.
type RunReport struct {
	ID         string            `json:"id"`
	Mode       domain.Mode       `json:"mode"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Raw        ModeOutcome       `json:"raw"`
	Structured ModeOutcome       `json:"structured"`
	RawCapture domain.RawCapture `json:"-"`
	Wealth     *domain.Wealth    `json:"wealth,omitempty"`
	Err        string            `json:"error,omitempty"`
}

// Status is success when every requested mode was extracted and stored (or
// storage was turned off), degraded when something but not everything
// succeeded, no_result when nothing was extracted and failed when the run
// never got to extract.
func (r RunReport) Status() RunStatus {
	if r.Err != "" {
		return StatusFailed
	}
	var requested, extracted, complete int
	for _, o := range []ModeOutcome{r.Raw, r.Structured} {
		if !o.Requested {
			continue
		}
		requested++
		if o.Extraction == ExtractionOK {
			extracted++
			if o.persisted() {
				complete++
			}
		}
	}
	switch {
	case extracted == 0:
		return StatusNoResult
	case complete == requested:
		return StatusSuccess
	default:
		return StatusDegraded
	}
}

// HasResult reports whether any payload was extracted.
func (r RunReport) HasResult() bool {
	return r.Raw.Extraction == ExtractionOK || r.Structured.Extraction == ExtractionOK
}

// Record flattens the report into its run-history row.
func (r RunReport) Record() domain.RunRecord {
	rec := domain.RunRecord{
		ID:                r.ID,
		Mode:              r.Mode,
		Status:            string(r.Status()),
		RawOutcome:        r.Raw.Extraction,
		StructuredOutcome: r.Structured.Extraction,
		RecordsWritten:    r.Raw.Records + r.Structured.Records,
		StartedAt:         r.StartedAt,
		FinishedAt:        r.FinishedAt,
	}
	if r.Wealth != nil {
		nw := r.Wealth.NetWorth.NetWorth.StringFixed(2)
		rec.NetWorth = &nw
	}
	var errs []string
	for _, e := range []string{r.Err, r.Raw.Error, r.Structured.Error} {
		if e != "" {
			errs = append(errs, e)
		}
	}
	rec.Error = strings.Join(errs, "; ")
	return rec
}

// PlainSummary is the short text sent to chat notifications.
func (r RunReport) PlainSummary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Portfolio scrape %s (%s)\n", r.Status(), r.Mode)
	if r.Wealth != nil {
		sb.WriteString(r.Wealth.Summary())
		sb.WriteString("\n")
	}
	for _, m := range []struct {
		name string
		o    ModeOutcome
	}{{"raw", r.Raw}, {"structured", r.Structured}} {
		if !m.o.Requested {
			continue
		}
		fmt.Fprintf(&sb, "%s: extraction %s, persistence %s", m.name, m.o.Extraction, m.o.Persistence)
		if m.o.Records > 0 {
			fmt.Fprintf(&sb, " (%d records)", m.o.Records)
		}
		sb.WriteString("\n")
	}
	if r.Err != "" {
		fmt.Fprintf(&sb, "error: %s\n", r.Err)
	}
	return strings.TrimRight(sb.String(), "\n")
}
