package browser

import (
	"context"
	"time"
)

// Mode selects how a session obtains its browser.
type Mode string

const (
	// ModeAttach connects to a Chrome the user started with remote debugging.
	ModeAttach Mode = "attach"
	// ModeLaunch starts and owns a local Chrome process.
	ModeLaunch Mode = "launch"
)

// Config controls session acquisition and page settling.
type Config struct {
	Mode         Mode
	DebugURL     string
	BinaryPath   string
	Headless     bool
	ProbeTimeout time.Duration

	// MinWait is always waited after a page load. NetworkIdle bounds how long
	// a page may take to go quiet on the network before we move on.
	MinWait           time.Duration
	NetworkIdle       time.Duration
	NavigationTimeout time.Duration
}

// Element is a clickable or typeable node surfaced to the model by index.
type Element struct {
	Index    int    `json:"index"`
	Tag      string `json:"tag"`
	Role     string `json:"role,omitempty"`
	Text     string `json:"text"`
	Selector string `json:"selector"`
}

// Observation is what the agent sees of a page on one step.
type Observation struct {
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	Text           string    `json:"text"`
	Elements       []Element `json:"elements"`
	ScrollY        int       `json:"scrollY"`
	ScrollHeight   int       `json:"scrollHeight"`
	ViewportHeight int       `json:"viewportHeight"`
}

// Element returns the element with the given index.
func (o Observation) Element(index int) (Element, bool) {
	for _, el := range o.Elements {
		if el.Index == index {
			return el, true
		}
	}
	return Element{}, false
}

// AtBottom reports whether the viewport has reached the end of the document.
func (o Observation) AtBottom() bool {
	return o.ScrollY+o.ViewportHeight >= o.ScrollHeight
}

// Page is the set of browser actions the extraction agent may take.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Observe(ctx context.Context) (Observation, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Scroll(ctx context.Context, pixels int) error
	Wait(ctx context.Context, d time.Duration) error
}

// PageOpener hands out pages on a borrowed session.
type PageOpener interface {
	OpenPage(ctx context.Context) (Page, error)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
