package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"portfolio-scraper/internal/browser"
	"portfolio-scraper/internal/domain"
	"portfolio-scraper/internal/llm"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type scriptedModel struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []llm.Request
}

func (m *scriptedModel) Generate(ctx context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return "", m.err
	}
	if len(m.replies) == 0 {
		return `{"action":"wait","seconds":1}`, nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}

func (m *scriptedModel) Name() string { return "stub/scripted" }

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type fakePage struct {
	obs         browser.Observation
	navigateErr error
	navigated   []string
	clicked     []string
	typed       []string
	scrolled    []int
	waited      []time.Duration
	screenshots int
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.navigated = append(p.navigated, url)
	return p.navigateErr
}

func (p *fakePage) Observe(ctx context.Context) (browser.Observation, error) {
	return p.obs, nil
}

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	p.screenshots++
	return []byte("png"), nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.clicked = append(p.clicked, selector)
	return nil
}

func (p *fakePage) Type(ctx context.Context, selector, text string) error {
	p.typed = append(p.typed, selector+"="+text)
	return nil
}

func (p *fakePage) Scroll(ctx context.Context, pixels int) error {
	p.scrolled = append(p.scrolled, pixels)
	return nil
}

func (p *fakePage) Wait(ctx context.Context, d time.Duration) error {
	p.waited = append(p.waited, d)
	return nil
}

type fakeOpener struct {
	page  browser.Page
	err   error
	opens int
}

func (o *fakeOpener) OpenPage(ctx context.Context) (browser.Page, error) {
	o.opens++
	if o.err != nil {
		return nil, o.err
	}
	return o.page, nil
}

func newPage() *fakePage {
	return &fakePage{obs: browser.Observation{
		URL:   "https://portfolio.example/wallet",
		Title: "Portfolio",
		Text:  "Net worth $301.00",
		Elements: []browser.Element{
			{Index: 0, Tag: "button", Text: "Tokens", Selector: `[data-scraper-idx="0"]`},
			{Index: 1, Tag: "button", Text: "Assets", Selector: `[data-scraper-idx="1"]`},
		},
	}}
}

func newExtractor(main, planner llm.Model, opts Options) *Extractor {
	return New(trace.NewNoopTracerProvider().Tracer("test"), zerolog.Nop(), llm.Models{Main: main, Planner: planner}, opts)
}

const wealthAnswer = `{"action":"done","result":{"top_5_holdings":[{"asset":"SOL","value":250.5,"percentage":83.2}],"net_worth":{"net_worth":301.0,"sol_equivalent":1.5},"top_5_platforms":[{"platform":"Wallet","value":301.0,"percentage":100}]}}`

func TestExtractStructured(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`{"thought":"switch tab","action":"click","index":1}`,
		wealthAnswer,
	}}
	page := newPage()
	ex := newExtractor(model, nil, Options{MaxSteps: 5})

	req := NewRequest("https://portfolio.example/wallet", domain.ModeStructured, Options{UsePlanner: true, UseMemory: true})
	res, err := ex.Extract(context.Background(), req, &fakeOpener{page: page})
	require.NoError(t, err)

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, StateResultReady, res.State)
	assert.Equal(t, 2, res.Steps)
	require.NotNil(t, res.Wealth)
	assert.Equal(t, "301", res.Wealth.NetWorth.NetWorth.String())
	assert.Equal(t, []string{"https://portfolio.example/wallet"}, page.navigated)
	assert.Equal(t, []string{`[data-scraper-idx="1"]`}, page.clicked)
	assert.Equal(t, 3, res.Wealth.RecordCount())

	_, ok := res.Payload().(domain.Wealth)
	assert.True(t, ok)
	assert.True(t, model.requests[0].JSON)
	assert.Contains(t, model.requests[0].System, "top_5_holdings")
}

func TestExtractRawWithPlannerAndMemory(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`{"action":"scroll","memory":"net worth is $301"}`,
		`{"action":"extract_text"}`,
		`{"action":"done","result":"# Portfolio\n\nNet worth: $301"}`,
	}}
	planner := &scriptedModel{replies: []string{"look around", "Reasoning here.\nGUIDANCE:\n- finish the report"}}
	page := newPage()
	ex := newExtractor(model, planner, Options{RawMaxSteps: 10, PlannerInterval: 2, UsePlanner: true, UseMemory: true, PlannerReasoning: true})

	req := NewRequest("https://portfolio.example/wallet", domain.ModeRaw, ex.Options())
	require.True(t, req.UsePlanner)
	require.True(t, req.UseMemory)

	res, err := ex.Extract(context.Background(), req, &fakeOpener{page: page})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, domain.RawCapture("# Portfolio\n\nNet worth: $301"), res.Raw)
	assert.Equal(t, []int{defaultScrollPixels}, page.scrolled)

	// planner runs on steps 1 and 3
	assert.Equal(t, 2, planner.calls())
	assert.Equal(t, 2, page.screenshots)
	assert.Len(t, planner.requests[0].Images, 1)

	last := model.requests[2].Prompt
	assert.Contains(t, last, "net worth is $301")
	assert.Contains(t, last, "Page text of https://portfolio.example/wallet")
	assert.Contains(t, last, "- finish the report")
	assert.NotContains(t, last, "Reasoning here.")
}

func TestExtractRawEmptyIsNoData(t *testing.T) {
	model := &scriptedModel{replies: []string{`{"action":"done","result":"   "}`}}
	ex := newExtractor(model, nil, Options{})

	res, err := ex.Extract(context.Background(), NewRequest("https://x", domain.ModeRaw, Options{}), &fakeOpener{page: newPage()})
	require.NoError(t, err)
	assert.Equal(t, StatusNoData, res.Status)
	assert.Nil(t, res.Payload())
}

func TestExtractRawKeepsResultVerbatim(t *testing.T) {
	model := &scriptedModel{replies: []string{`{"action":"done","result":"\n  # Portfolio\n\nNet worth: $5\n"}`}}
	ex := newExtractor(model, nil, Options{})

	res, err := ex.Extract(context.Background(), NewRequest("https://x", domain.ModeRaw, Options{}), &fakeOpener{page: newPage()})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, domain.RawCapture("\n  # Portfolio\n\nNet worth: $5\n"), res.Raw)
}

func TestExtractStructuredInvalidResult(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`{"action":"done","result":{"top_5_holdings":[],"net_worth":{"net_worth":"lots","sol_equivalent":1},"top_5_platforms":[]}}`,
	}}
	ex := newExtractor(model, nil, Options{})

	_, err := ex.Extract(context.Background(), NewRequest("https://x", domain.ModeStructured, Options{}), &fakeOpener{page: newPage()})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "$.net_worth.net_worth", verr.Path)
}

func TestExtractStructuredEmptyResult(t *testing.T) {
	model := &scriptedModel{replies: []string{`{"action":"done"}`}}
	ex := newExtractor(model, nil, Options{})

	_, err := ex.Extract(context.Background(), NewRequest("https://x", domain.ModeStructured, Options{}), &fakeOpener{page: newPage()})
	assert.ErrorIs(t, err, ErrNoFinalResult)
}

func TestExtractStepLimit(t *testing.T) {
	model := &scriptedModel{}
	ex := newExtractor(model, nil, Options{MaxSteps: 3})

	res, err := ex.Extract(context.Background(), NewRequest("https://x", domain.ModeStructured, Options{}), &fakeOpener{page: newPage()})
	assert.ErrorIs(t, err, ErrStepLimitReached)
	assert.Equal(t, StateStepLimitReached, res.State)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, 3, model.calls())
}

func TestExtractRawStepLimitWritesFinalReport(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`{"action":"wait"}`,
		`{"action":"wait"}`,
		"# Portfolio\nPartial report",
	}}
	ex := newExtractor(model, nil, Options{RawMaxSteps: 2})

	res, err := ex.Extract(context.Background(), NewRequest("https://x", domain.ModeRaw, Options{}), &fakeOpener{page: newPage()})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, StateStepLimitReached, res.State)
	assert.Equal(t, domain.RawCapture("# Portfolio\nPartial report"), res.Raw)
	assert.False(t, model.requests[2].JSON)
}

func TestExtractStopsAfterRepeatedGarbage(t *testing.T) {
	model := &scriptedModel{replies: []string{"no json", `{"action":"fly"}`, `{"action":"click"}`}}
	ex := newExtractor(model, nil, Options{MaxSteps: 10})

	res, err := ex.Extract(context.Background(), NewRequest("https://x", domain.ModeStructured, Options{}), &fakeOpener{page: newPage()})
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnparseable)
	assert.Equal(t, StateFatalError, res.State)
	assert.Equal(t, 3, model.calls())
	assert.Contains(t, model.requests[1].Prompt, "ERROR FROM YOUR LAST ANSWER")
}

func TestExtractRecoversFromSingleGarbageAnswer(t *testing.T) {
	model := &scriptedModel{replies: []string{"oops", `{"action":"done","result":"report"}`}}
	ex := newExtractor(model, nil, Options{})

	res, err := ex.Extract(context.Background(), NewRequest("https://x", domain.ModeRaw, Options{}), &fakeOpener{page: newPage()})
	require.NoError(t, err)
	assert.Equal(t, domain.RawCapture("report"), res.Raw)
}

func TestExtractUnknownElementIsReportedToModel(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`{"action":"click","index":42}`,
		`{"action":"done","result":"report"}`,
	}}
	page := newPage()
	ex := newExtractor(model, nil, Options{})

	_, err := ex.Extract(context.Background(), NewRequest("https://x", domain.ModeRaw, Options{}), &fakeOpener{page: page})
	require.NoError(t, err)
	assert.Empty(t, page.clicked)
	assert.Contains(t, model.requests[1].Prompt, "no element with index 42")
}

func TestExtractNavigationFailureIsFatal(t *testing.T) {
	page := newPage()
	page.navigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
	model := &scriptedModel{}
	ex := newExtractor(model, nil, Options{})

	res, err := ex.Extract(context.Background(), NewRequest("https://x", domain.ModeRaw, Options{}), &fakeOpener{page: page})
	require.Error(t, err)
	assert.Equal(t, StateFatalError, res.State)
	assert.Zero(t, model.calls())
}

func TestExtractModelErrorIsFatal(t *testing.T) {
	model := &scriptedModel{err: errors.New("401 unauthorized")}
	ex := newExtractor(model, nil, Options{})

	res, err := ex.Extract(context.Background(), NewRequest("https://x", domain.ModeStructured, Options{}), &fakeOpener{page: newPage()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401 unauthorized")
	assert.Equal(t, StateFatalError, res.State)
}

func TestExtractDeadlineCountsAsStepLimit(t *testing.T) {
	model := &scriptedModel{}
	ex := newExtractor(model, nil, Options{MaxSteps: 1000, Timeout: time.Nanosecond})

	res, err := ex.Extract(context.Background(), NewRequest("https://x", domain.ModeStructured, Options{}), &fakeOpener{page: newPage()})
	assert.ErrorIs(t, err, ErrStepLimitReached)
	assert.Equal(t, StateStepLimitReached, res.State)
}

func TestExtractOpenPageFailure(t *testing.T) {
	ex := newExtractor(&scriptedModel{}, nil, Options{})

	res, err := ex.Extract(context.Background(), NewRequest("https://x", domain.ModeRaw, Options{}), &fakeOpener{err: errors.New("browser gone")})
	require.Error(t, err)
	assert.Equal(t, StateFatalError, res.State)
}

func TestExtractBothIsolatesFailures(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`{"action":"done","result":"# raw report"}`,
		`{"action":"done","result":{"net_worth":{"net_worth":-1}}}`,
	}}
	opener := &fakeOpener{page: newPage()}
	ex := newExtractor(model, nil, Options{})

	out := ex.ExtractBoth(context.Background(),
		NewRequest("https://x", domain.ModeRaw, Options{}),
		NewRequest("https://x", domain.ModeStructured, Options{}),
		opener)

	require.NoError(t, out.RawErr)
	require.Error(t, out.StructuredErr)
	assert.Equal(t, BothRawOnly, out.Outcome())
	assert.Equal(t, 2, opener.opens)
}

func TestBothOutcome(t *testing.T) {
	ok := Result{Status: StatusOK}
	boom := errors.New("boom")
	assert.Equal(t, BothSucceeded, BothResult{Raw: ok, Structured: ok}.Outcome())
	assert.Equal(t, BothStructuredOnly, BothResult{Raw: Result{Status: StatusNoData}, Structured: ok}.Outcome())
	assert.Equal(t, BothNone, BothResult{RawErr: boom, StructuredErr: boom}.Outcome())
}

func TestParseAction(t *testing.T) {
	a, err := parseAction("```json\n{\"action\":\"WAIT\",\"seconds\":60}\n```")
	require.NoError(t, err)
	assert.Equal(t, ActionWait, a.Kind)
	assert.Equal(t, float64(maxWaitSeconds), a.Seconds)

	a, err = parseAction(`{"action":"done","result":"text"}`)
	require.NoError(t, err)
	assert.Equal(t, "text", a.ResultText())

	a, err = parseAction(`{"action":"done","result":{"a":1}}`)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, a.ResultText())

	for _, bad := range []string{"", "plain text", `{"action":"navigate"}`, `{"action":"type","text":"x"}`, `{"thought":"hm"}`} {
		_, err := parseAction(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewRequestModes(t *testing.T) {
	opts := Options{UsePlanner: true, UseMemory: true}

	raw := NewRequest("https://step.finance/x", domain.ModeRaw, opts)
	assert.True(t, raw.UsePlanner)
	assert.Contains(t, raw.Instructions, "https://step.finance/x")
	assert.Contains(t, raw.Instructions, "markdown")

	structured := NewRequest("https://step.finance/x", domain.ModeStructured, opts)
	assert.False(t, structured.UsePlanner)
	assert.False(t, structured.UseMemory)
	assert.Contains(t, structured.Instructions, "'Assets' switcher")
}

func TestVisibleJournalWithoutMemory(t *testing.T) {
	l := &loop{req: domain.ExtractionRequest{}}
	for i := 1; i <= 6; i++ {
		l.record(i, "wait(1s)", "ok")
	}
	got := l.visibleJournal()
	require.Len(t, got, shortJournalEntries)
	assert.Equal(t, 4, got[0].Step)

	l.req.UseMemory = true
	assert.Len(t, l.visibleJournal(), 6)
}

func TestClipKeepsUTF8(t *testing.T) {
	s := strings.Repeat("é", 10)
	out := clip(s, 5)
	assert.True(t, strings.HasPrefix(out, "éé"))
	assert.NotContains(t, out, "\xc3\n")
	assert.Equal(t, "short", clip("short", 10))
}
