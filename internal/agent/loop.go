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
)

var errUnparseable = errors.New("unusable model answer")

type journalEntry struct {
	Step    int
	Action  string
	Outcome string
}

type runState struct {
	state State
	steps int
}

// loop carries the mutable state of one extraction.
type loop struct {
	e    *Extractor
	req  domain.ExtractionRequest
	page browser.Page
	log  zerolog.Logger

	journal  []journalEntry
	notes    []string
	guidance string
	feedback string
	obs      browser.Observation
}

func (e *Extractor) maxSteps(mode domain.Mode) int {
	if mode == domain.ModeRaw {
		return e.opts.RawMaxSteps
	}
	return e.opts.MaxSteps
}

// run navigates to the target and steps until the model answers done, the
// budget is spent or the context ends. It returns the done text.
func (e *Extractor) run(ctx context.Context, req domain.ExtractionRequest, page browser.Page, log zerolog.Logger) (string, runState, error) {
	st := runState{state: StateNavigating}
	l := &loop{e: e, req: req, page: page, log: log}

	log.Debug().Str("url", req.TargetURL).Msg("Navigating to portfolio page")
	if err := page.Navigate(ctx, req.TargetURL); err != nil {
		return l.stop(ctx, st, fmt.Errorf("navigate to %s: %w", req.TargetURL, err))
	}
	st.state = StateStepLoop

	limit := e.maxSteps(req.Mode)
	failures := 0
	for step := 1; step <= limit; step++ {
		st.steps = step
		if err := ctx.Err(); err != nil {
			return l.stop(ctx, st, err)
		}

		text, done, err := l.step(ctx, step, limit)
		if errors.Is(err, errUnparseable) {
			failures++
			if failures >= maxConsecutiveParseFailures {
				st.state = StateFatalError
				return "", st, fmt.Errorf("%d consecutive unusable model answers: %w", failures, err)
			}
			continue
		}
		if err != nil {
			return l.stop(ctx, st, err)
		}
		failures = 0
		if done {
			st.state = StateResultReady
			log.Info().Int("step", step).Msg("Model reported a final result")
			return text, st, nil
		}
	}

	st.state = StateStepLimitReached
	log.Warn().Int("max_steps", limit).Msg("Step limit reached")
	if req.Mode == domain.ModeRaw {
		if text := l.finalReport(ctx); strings.TrimSpace(text) != "" {
			return text, st, nil
		}
	}
	return "", st, ErrStepLimitReached
}

// stop classifies a loop-ending error. An expired deadline counts as an
// exhausted budget; anything else is fatal.
func (l *loop) stop(ctx context.Context, st runState, err error) (string, runState, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		st.state = StateStepLimitReached
		return "", st, fmt.Errorf("%w: extraction deadline exceeded after %d steps", ErrStepLimitReached, st.steps)
	}
	st.state = StateFatalError
	return "", st, err
}

// step performs one observe, decide, act cycle. done is true when the model
// returned its final answer.
func (l *loop) step(ctx context.Context, step, limit int) (string, bool, error) {
	ctx, span := l.e.tracer.Start(ctx, "agent.step")
	defer span.End()
	span.SetAttributes(attribute.Int("agent.step", step))

	obs, err := l.page.Observe(ctx)
	if err != nil {
		span.RecordError(err)
		return "", false, err
	}
	l.obs = obs

	if l.plannerDue(step) {
		if g := l.plan(ctx); g != "" {
			l.guidance = g
		}
	}

	prompt := stepPrompt(l.req, stepView{
		Step:     step,
		MaxSteps: limit,
		Obs:      obs,
		Journal:  l.visibleJournal(),
		Notes:    l.notes,
		Guidance: l.guidance,
		Feedback: l.feedback,
	})
	l.feedback = ""

	reply, err := l.e.models.Main.Generate(ctx, llm.Request{
		System: systemPrompt(l.req),
		Prompt: prompt,
		JSON:   true,
	})
	if err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("step %d: model call: %w", step, err)
	}

	action, err := parseAction(reply)
	if err != nil {
		l.log.Warn().Err(err).Int("step", step).Msg("Unusable model answer")
		l.feedback = err.Error()
		l.record(step, "invalid answer", err.Error())
		return "", false, fmt.Errorf("%w: %v", errUnparseable, err)
	}
	span.SetAttributes(attribute.String("agent.action", string(action.Kind)))

	if l.req.UseMemory && strings.TrimSpace(action.Memory) != "" {
		l.remember(action.Memory)
	}
	if action.Kind == ActionDone {
		return action.ResultText(), true, nil
	}

	outcome := l.execute(ctx, action)
	l.log.Debug().Int("step", step).Str("action", action.describe()).Str("outcome", outcome).Msg("Step finished")
	l.record(step, action.describe(), outcome)
	return "", false, nil
}

// execute applies an action to the page. Failed actions are reported back to
// the model rather than ending the run.
func (l *loop) execute(ctx context.Context, a Action) string {
	var err error
	switch a.Kind {
	case ActionNavigate:
		err = l.page.Navigate(ctx, a.URL)
	case ActionClick, ActionType:
		el, ok := l.obs.Element(*a.Index)
		if !ok {
			return fmt.Sprintf("error: no element with index %d", *a.Index)
		}
		if a.Kind == ActionClick {
			err = l.page.Click(ctx, el.Selector)
		} else {
			err = l.page.Type(ctx, el.Selector, a.Text)
		}
	case ActionScroll:
		err = l.page.Scroll(ctx, a.Pixels)
	case ActionWait:
		err = l.page.Wait(ctx, time.Duration(a.Seconds*float64(time.Second)))
	case ActionExtractText:
		var obs browser.Observation
		obs, err = l.page.Observe(ctx)
		if err == nil {
			l.remember(fmt.Sprintf("Page text of %s:\n%s", obs.URL, clip(obs.Text, maxNoteBytes)))
			return fmt.Sprintf("ok, saved %d bytes of page text", len(obs.Text))
		}
	}
	if err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func (l *loop) record(step int, action, outcome string) {
	l.journal = append(l.journal, journalEntry{Step: step, Action: action, Outcome: clip(outcome, 300)})
}

func (l *loop) remember(note string) {
	l.notes = append(l.notes, strings.TrimSpace(note))
	if len(l.notes) > maxNotes {
		l.notes = l.notes[len(l.notes)-maxNotes:]
	}
}

// visibleJournal is the history shown to the model. Without memory only the
// most recent steps are kept in view.
func (l *loop) visibleJournal() []journalEntry {
	keep := shortJournalEntries
	if l.req.UseMemory {
		keep = maxJournalEntries
	}
	if len(l.journal) <= keep {
		return l.journal
	}
	return l.journal[len(l.journal)-keep:]
}

func (l *loop) plannerDue(step int) bool {
	if !l.req.UsePlanner || l.e.models.Planner == nil {
		return false
	}
	return (step-1)%l.e.opts.PlannerInterval == 0
}

// plan asks the planner model for guidance on the current screenshot. Planner
// failures only cost guidance.
func (l *loop) plan(ctx context.Context) string {
	ctx, span := l.e.tracer.Start(ctx, "agent.plan")
	defer span.End()

	var images [][]byte
	if shot, err := l.page.Screenshot(ctx); err != nil {
		l.log.Debug().Err(err).Msg("Screenshot for planner failed")
	} else if len(shot) > 0 {
		images = [][]byte{shot}
	}

	reply, err := l.e.models.Planner.Generate(ctx, llm.Request{
		Prompt: plannerPrompt(l.req, l.obs, l.journal, l.e.opts.PlannerReasoning),
		Images: images,
	})
	if err != nil {
		span.RecordError(err)
		l.log.Warn().Err(err).Msg("Planner call failed")
		return ""
	}
	return guidanceFrom(reply)
}

// finalReport gives a raw extraction that ran out of steps one chance to write
// its report from what it has gathered.
func (l *loop) finalReport(ctx context.Context) string {
	if ctx.Err() != nil {
		return ""
	}
	reply, err := l.e.models.Main.Generate(ctx, llm.Request{
		System: systemPrompt(l.req),
		Prompt: finalReportPrompt(l.req, l.obs, l.journal, l.notes),
	})
	if err != nil {
		l.log.Warn().Err(err).Msg("Final report call failed")
		return ""
	}
	return reply
}
