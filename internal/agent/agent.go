package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"portfolio-scraper/internal/browser"
	"portfolio-scraper/internal/domain"
	"portfolio-scraper/internal/llm"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrStepLimitReached means the step budget or the extraction deadline ran
	// out before the model produced a final result.
	ErrStepLimitReached = errors.New("step limit reached without a final result")
	// ErrNoFinalResult means the model finished without any result text.
	ErrNoFinalResult = errors.New("agent finished without a final result")
)

// State is the position of an extraction in its lifecycle.
type State string

const (
	StateInit             State = "init"
	StateNavigating       State = "navigating"
	StateStepLoop         State = "step_loop"
	StateResultReady      State = "result_ready"
	StateStepLimitReached State = "step_limit_reached"
	StateFatalError       State = "fatal_error"
)

// Status describes what a successful extraction produced.
type Status string

const (
	StatusOK     Status = "ok"
	StatusNoData Status = "no_data"
)

// Result is the outcome of one extraction. Exactly one of Raw or Wealth is set
// when Status is StatusOK.
type Result struct {
	Mode   domain.Mode
	Status Status
	State  State
	Steps  int
	Raw    domain.RawCapture
	Wealth *domain.Wealth
}

// Payload returns the persisted form of the result, or nil when there is none.
func (r Result) Payload() domain.Payload {
	if r.Status != StatusOK {
		return nil
	}
	if r.Wealth != nil {
		return *r.Wealth
	}
	if !r.Raw.Empty() {
		return r.Raw
	}
	return nil
}

// Options tunes the step loop.
type Options struct {
	MaxSteps         int
	RawMaxSteps      int
	PlannerInterval  int
	UsePlanner       bool
	UseMemory        bool
	PlannerReasoning bool
	Timeout          time.Duration
}

const (
	maxConsecutiveParseFailures = 3
	defaultScrollPixels         = 800
	maxWaitSeconds              = 10
	maxPromptTextBytes          = 20000
	maxPlannerTextBytes         = 8000
	maxGuidanceBytes            = 2000
	maxNoteBytes                = 6000
	maxNotes                    = 20
	maxJournalEntries           = 40
	shortJournalEntries         = 3
)

// Extractor drives a browser page with a language model until it produces a
// raw report or a structured Wealth summary. It borrows pages from a session
// it does not own.
type Extractor struct {
	models llm.Models
	tracer trace.Tracer
	log    zerolog.Logger
	opts   Options
}

func New(tracer trace.Tracer, log zerolog.Logger, models llm.Models, opts Options) *Extractor {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 25
	}
	if opts.RawMaxSteps <= 0 {
		opts.RawMaxSteps = 50
	}
	if opts.PlannerInterval <= 0 {
		opts.PlannerInterval = 2
	}
	return &Extractor{
		models: models,
		tracer: tracer,
		log:    log.With().Str("component", "agent").Logger(),
		opts:   opts,
	}
}

// Options returns the options the extractor was built with.
func (e *Extractor) Options() Options { return e.opts }

// Extract runs one extraction. A raw extraction that finishes with no text
// returns StatusNoData and a nil error.
func (e *Extractor) Extract(ctx context.Context, req domain.ExtractionRequest, pages browser.PageOpener) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "agent.extract")
	defer span.End()
	span.SetAttributes(attribute.String("agent.mode", string(req.Mode)))

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	log := e.log.With().Str("mode", string(req.Mode)).Logger()
	res := Result{Mode: req.Mode, State: StateInit}

	if req.Mode == domain.ModeRaw {
		log.Info().Msg("Fetching raw portfolio data...")
	} else {
		log.Info().Msg("Fetching structured portfolio data...")
	}

	page, err := pages.OpenPage(ctx)
	if err != nil {
		res.State = StateFatalError
		span.RecordError(err)
		return res, fmt.Errorf("open page: %w", err)
	}

	text, st, err := e.run(ctx, req, page, log)
	res.State, res.Steps = st.state, st.steps
	span.SetAttributes(attribute.Int("agent.steps", st.steps), attribute.String("agent.state", string(st.state)))
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Int("steps", st.steps).Str("state", string(st.state)).Msg("Extraction failed")
		return res, err
	}

	switch req.Mode {
	case domain.ModeRaw:
		raw := domain.RawCapture(text)
		if raw.Empty() {
			res.Status = StatusNoData
			log.Warn().Msg("No raw portfolio data found")
			return res, nil
		}
		res.Raw = raw
	default:
		if strings.TrimSpace(text) == "" {
			log.Error().Msg("No structured portfolio data found")
			return res, ErrNoFinalResult
		}
		w, err := domain.ParseWealth(text)
		if err != nil {
			span.RecordError(err)
			log.Error().Err(err).Msg("Structured result failed validation")
			return res, fmt.Errorf("structured result: %w", err)
		}
		res.Wealth = &w
	}

	res.Status = StatusOK
	if req.Mode == domain.ModeRaw {
		log.Info().Int("steps", st.steps).Int("bytes", len(res.Raw)).Msg("Raw portfolio data fetched successfully")
	} else {
		log.Info().Int("steps", st.steps).Str("net_worth", res.Wealth.NetWorth.NetWorth.String()).Msg("Structured portfolio data fetched successfully")
	}
	return res, nil
}

// BothOutcome summarises a combined raw and structured extraction.
type BothOutcome string

const (
	BothSucceeded      BothOutcome = "both"
	BothRawOnly        BothOutcome = "raw_only"
	BothStructuredOnly BothOutcome = "structured_only"
	BothNone           BothOutcome = "none"
)

// BothResult holds each half of a combined extraction independently.
type BothResult struct {
	Raw           Result
	RawErr        error
	Structured    Result
	StructuredErr error
}

func (b BothResult) Outcome() BothOutcome {
	raw := b.RawErr == nil && b.Raw.Status == StatusOK
	structured := b.StructuredErr == nil && b.Structured.Status == StatusOK
	switch {
	case raw && structured:
		return BothSucceeded
	case raw:
		return BothRawOnly
	case structured:
		return BothStructuredOnly
	default:
		return BothNone
	}
}

// ExtractBoth runs the raw extraction and then the structured one on the same
// session. A failure in one half never prevents the other.
func (e *Extractor) ExtractBoth(ctx context.Context, raw, structured domain.ExtractionRequest, pages browser.PageOpener) BothResult {
	var out BothResult
	out.Raw, out.RawErr = e.Extract(ctx, raw, pages)
	out.Structured, out.StructuredErr = e.Extract(ctx, structured, pages)
	e.log.Info().Str("outcome", string(out.Outcome())).Msg("Combined extraction finished")
	return out
}
