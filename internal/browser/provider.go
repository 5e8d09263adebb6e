package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	connectBrowser = func(ctx context.Context, controlURL string) (*rod.Browser, error) {
		b := rod.New().ControlURL(controlURL).Context(ctx)
		if err := b.Connect(); err != nil {
			return nil, err
		}
		return b, nil
	}
	launchBrowser = func(cfg Config) (string, func(), error) {
		l := launcher.New().Headless(cfg.Headless)
		if cfg.BinaryPath != "" {
			l = l.Bin(cfg.BinaryPath)
		}
		u, err := l.Launch()
		if err != nil {
			return "", nil, err
		}
		return u, func() {
			l.Kill()
			l.Cleanup()
		}, nil
	}
)

// Provider acquires browser sessions for one run.
type Provider struct {
	cfg    Config
	client *http.Client
	tracer trace.Tracer
	log    zerolog.Logger
}

func NewProvider(tracer trace.Tracer, log zerolog.Logger, cfg Config) *Provider {
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.ProbeTimeout},
		tracer: tracer,
		log:    log.With().Str("component", "browser").Logger(),
	}
}

// Acquire returns a connected session. In attach mode the debug endpoint is
// probed first and a failed probe returns ErrDebugEndpointUnavailable without
// touching any page.
func (p *Provider) Acquire(ctx context.Context) (*Session, error) {
	ctx, span := p.tracer.Start(ctx, "browser.acquire")
	defer span.End()
	span.SetAttributes(attribute.String("browser.mode", string(p.cfg.Mode)))

	connCtx, cancel := context.WithCancel(context.Background())
	s := &Session{cfg: p.cfg, log: p.log, cancel: cancel}

	var controlURL string
	switch p.cfg.Mode {
	case ModeLaunch:
		u, kill, err := launchBrowser(p.cfg)
		if err != nil {
			cancel()
			span.RecordError(err)
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
		s.owned = true
		s.kill = kill
	default:
		p.log.Info().Str("debug_url", p.cfg.DebugURL).Msg("Checking Chrome remote debugging endpoint")
		info, err := Probe(ctx, p.client, p.cfg.DebugURL)
		if err != nil {
			cancel()
			span.RecordError(err)
			p.log.Error().Err(err).Msg("Chrome is not running with remote debugging")
			return nil, err
		}
		p.log.Info().Str("browser", info.Browser).Msg("Chrome is running")
		controlURL = info.WebSocketDebuggerURL
		if controlURL == "" {
			if controlURL, err = launcher.ResolveURL(p.cfg.DebugURL); err != nil {
				cancel()
				return nil, &ProbeError{URL: p.cfg.DebugURL, Cause: err}
			}
		}
	}

	b, err := connectBrowser(connCtx, controlURL)
	if err != nil {
		s.Release()
		span.RecordError(err)
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	s.browser = b
	p.log.Info().Bool("owned", s.owned).Msg("Browser session acquired")
	return s, nil
}

// Session is a live connection to a browser. Release must be called exactly
// once by the run that acquired it; further calls are no-ops.
type Session struct {
	cfg     Config
	log     zerolog.Logger
	browser *rod.Browser
	owned   bool
	kill    func()
	cancel  context.CancelFunc

	mu    sync.Mutex
	pages []*rod.Page
	once  sync.Once
}

// OpenPage opens a new tab on the session.
func (s *Session) OpenPage(ctx context.Context) (Page, error) {
	if s.browser == nil {
		return nil, errors.New("browser session is not connected")
	}
	page, err := s.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	s.mu.Lock()
	s.pages = append(s.pages, page)
	s.mu.Unlock()
	return newRodPage(page, s.cfg), nil
}

// Release closes the pages this session opened and tears down the connection.
// A launched browser is killed; an attached browser is left running.
func (s *Session) Release() error {
	var errs []error
	s.once.Do(func() {
		s.mu.Lock()
		pages := s.pages
		s.pages = nil
		s.mu.Unlock()

		for _, page := range pages {
			if err := page.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close page: %w", err))
			}
		}
		if s.owned && s.browser != nil {
			if err := s.browser.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close browser: %w", err))
			}
		}
		if s.kill != nil {
			s.kill()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.log.Info().Msg("Browser connection closed")
	})
	return errors.Join(errs...)
}
