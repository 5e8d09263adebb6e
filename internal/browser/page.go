package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

const (
	maxObservedTextBytes = 60000
	maxObservedElements  = 200
	requestIdleWindow    = 500 * time.Millisecond
	defaultNavTimeout    = 60 * time.Second
	actionSettle         = 500 * time.Millisecond
)

// observeJS tags interactive elements with a stable data attribute so the model
// can refer to them by index, and returns visible text plus scroll geometry.
const observeJS = `(maxText, maxElements) => {
	const visible = (el) => {
		const r = el.getBoundingClientRect();
		const s = window.getComputedStyle(el);
		return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none';
	};
	const nodes = document.querySelectorAll('a, button, input, select, textarea, [role=button], [role=tab], [role=switch], [onclick], [tabindex]');
	const elements = [];
	let i = 0;
	for (const el of nodes) {
		if (elements.length >= maxElements) break;
		if (!visible(el)) continue;
		const id = String(i);
		el.setAttribute('data-scraper-idx', id);
		const label = (el.innerText || el.value || el.getAttribute('aria-label') || el.getAttribute('title') || '').trim().replace(/\s+/g, ' ');
		elements.push({
			index: i,
			tag: el.tagName.toLowerCase(),
			role: el.getAttribute('role') || '',
			text: label.slice(0, 120),
			selector: '[data-scraper-idx="' + id + '"]',
		});
		i++;
	}
	const text = (document.body ? document.body.innerText : '').slice(0, maxText);
	return {
		url: location.href,
		title: document.title,
		text: text,
		elements: elements,
		scrollY: Math.round(window.scrollY),
		scrollHeight: Math.round(document.documentElement.scrollHeight),
		viewportHeight: Math.round(window.innerHeight),
	};
}`

type rodPage struct {
	page *rod.Page
	cfg  Config
}

func newRodPage(page *rod.Page, cfg Config) *rodPage {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	return &rodPage{page: page, cfg: cfg}
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	idle := page.Timeout(p.cfg.NavigationTimeout+p.cfg.NetworkIdle).WaitRequestIdle(requestIdleWindow, nil, nil, nil)

	if err := page.Timeout(p.cfg.NavigationTimeout).Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := page.Timeout(p.cfg.NavigationTimeout).WaitLoad(); err != nil {
		return fmt.Errorf("wait for load of %s: %w", url, err)
	}
	return p.settle(ctx, p.cfg.MinWait, idle)
}

// settle applies a minimum wait and then waits, bounded by NetworkIdle, for
// in-flight requests to drain.
func (p *rodPage) settle(ctx context.Context, wait time.Duration, idle func()) error {
	if err := sleepCtx(ctx, wait); err != nil {
		return err
	}
	if p.cfg.NetworkIdle <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		idle()
	}()
	t := time.NewTimer(p.cfg.NetworkIdle)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *rodPage) Observe(ctx context.Context) (Observation, error) {
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      observeJS,
		JSArgs:  []interface{}{maxObservedTextBytes, maxObservedElements},
		ByValue: true,
	})
	if err != nil {
		return Observation{}, fmt.Errorf("observe page: %w", err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return Observation{}, fmt.Errorf("encode observation: %w", err)
	}
	var obs Observation
	if err := json.Unmarshal(raw, &obs); err != nil {
		return Observation{}, fmt.Errorf("decode observation: %w", err)
	}
	return obs, nil
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(false, nil)
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	page := p.page.Context(ctx)
	el, err := page.Timeout(p.cfg.NavigationTimeout).Element(selector)
	if err != nil {
		return fmt.Errorf("element %s not found: %w", selector, err)
	}
	idle := page.Timeout(p.cfg.NetworkIdle+actionSettle).WaitRequestIdle(requestIdleWindow, nil, nil, nil)
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return p.settle(ctx, actionSettle, idle)
}

func (p *rodPage) Type(ctx context.Context, selector, text string) error {
	el, err := p.page.Context(ctx).Timeout(p.cfg.NavigationTimeout).Element(selector)
	if err != nil {
		return fmt.Errorf("element %s not found: %w", selector, err)
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

func (p *rodPage) Scroll(ctx context.Context, pixels int) error {
	page := p.page.Context(ctx)
	idle := page.Timeout(p.cfg.NetworkIdle+actionSettle).WaitRequestIdle(requestIdleWindow, nil, nil, nil)
	if err := page.Mouse.Scroll(0, float64(pixels), 4); err != nil {
		return fmt.Errorf("scroll by %d: %w", pixels, err)
	}
	return p.settle(ctx, actionSettle, idle)
}

func (p *rodPage) Wait(ctx context.Context, d time.Duration) error {
	return sleepCtx(ctx, d)
}
