package browser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

func TestProbeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"Browser":"Chrome/126.0","Protocol-Version":"1.3","webSocketDebuggerUrl":"ws://127.0.0.1:9222/devtools/browser/abc"}`))
	}))
	defer srv.Close()

	info, err := Probe(context.Background(), srv.Client(), srv.URL+"/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Browser != "Chrome/126.0" || !strings.HasPrefix(info.WebSocketDebuggerURL, "ws://") {
		t.Fatalf("unexpected version info %+v", info)
	}
}

func TestProbeFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"non-200", func(w http.ResponseWriter, r *http.Request) { http.Error(w, "nope", http.StatusInternalServerError) }},
		{"bad json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("<html>")) }},
		{"missing browser", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"Protocol-Version":"1.3"}`)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := Probe(context.Background(), srv.Client(), srv.URL)
			if !errors.Is(err, ErrDebugEndpointUnavailable) {
				t.Fatalf("expected ErrDebugEndpointUnavailable, got %v", err)
			}
			if !strings.Contains(err.Error(), "--remote-debugging-port") {
				t.Fatalf("expected start hint in error, got %q", err.Error())
			}
		})
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := Probe(context.Background(), &http.Client{Timeout: time.Second}, url)
	if !errors.Is(err, ErrDebugEndpointUnavailable) {
		t.Fatalf("expected ErrDebugEndpointUnavailable, got %v", err)
	}
}

func stubConnect(t *testing.T, fn func(ctx context.Context, controlURL string) (*rod.Browser, error)) {
	t.Helper()
	orig := connectBrowser
	connectBrowser = fn
	t.Cleanup(func() { connectBrowser = orig })
}

func TestAcquireAttachFailsFastWhenProbeFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	connected := false
	stubConnect(t, func(ctx context.Context, controlURL string) (*rod.Browser, error) {
		connected = true
		return rod.New(), nil
	})

	p := NewProvider(trace.NewNoopTracerProvider().Tracer("test"), zerolog.Nop(), Config{
		Mode: ModeAttach, DebugURL: srv.URL, ProbeTimeout: time.Second,
	})
	s, err := p.Acquire(context.Background())
	if !errors.Is(err, ErrDebugEndpointUnavailable) {
		t.Fatalf("expected ErrDebugEndpointUnavailable, got %v", err)
	}
	if s != nil {
		t.Fatal("expected no session")
	}
	if connected {
		t.Fatal("connect must not be attempted after a failed probe")
	}
}

func TestAcquireAttachUsesWebSocketURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Browser":"Chrome/126.0","webSocketDebuggerUrl":"ws://127.0.0.1:9222/devtools/browser/xyz"}`))
	}))
	defer srv.Close()

	var gotURL string
	stubConnect(t, func(ctx context.Context, controlURL string) (*rod.Browser, error) {
		gotURL = controlURL
		return rod.New(), nil
	})

	p := NewProvider(trace.NewNoopTracerProvider().Tracer("test"), zerolog.Nop(), Config{
		Mode: ModeAttach, DebugURL: srv.URL, ProbeTimeout: time.Second,
	})
	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotURL != "ws://127.0.0.1:9222/devtools/browser/xyz" {
		t.Fatalf("unexpected control url %s", gotURL)
	}
	if s.owned {
		t.Fatal("attached session must not own the browser")
	}
	if err := s.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestAcquireLaunchKillsOnConnectFailure(t *testing.T) {
	origLaunch := launchBrowser
	t.Cleanup(func() { launchBrowser = origLaunch })

	kills := 0
	launchBrowser = func(cfg Config) (string, func(), error) {
		if cfg.BinaryPath != "/opt/chrome" {
			t.Errorf("expected binary path to be passed, got %q", cfg.BinaryPath)
		}
		return "ws://127.0.0.1:1/devtools/browser/launched", func() { kills++ }, nil
	}
	stubConnect(t, func(ctx context.Context, controlURL string) (*rod.Browser, error) {
		return nil, errors.New("refused")
	})

	p := NewProvider(trace.NewNoopTracerProvider().Tracer("test"), zerolog.Nop(), Config{
		Mode: ModeLaunch, BinaryPath: "/opt/chrome",
	})
	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if kills != 1 {
		t.Fatalf("expected launched browser to be killed once, got %d", kills)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	kills, cancels := 0, 0
	s := &Session{
		log:    zerolog.Nop(),
		owned:  true,
		kill:   func() { kills++ },
		cancel: func() { cancels++ },
	}
	for i := 0; i < 3; i++ {
		if err := s.Release(); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	if kills != 1 || cancels != 1 {
		t.Fatalf("expected single teardown, got kills=%d cancels=%d", kills, cancels)
	}
}

func TestObservationHelpers(t *testing.T) {
	obs := Observation{
		Elements:       []Element{{Index: 0, Selector: "a"}, {Index: 3, Selector: "b"}},
		ScrollY:        900,
		ViewportHeight: 100,
		ScrollHeight:   1000,
	}
	if el, ok := obs.Element(3); !ok || el.Selector != "b" {
		t.Fatalf("unexpected element lookup %+v %v", el, ok)
	}
	if _, ok := obs.Element(7); ok {
		t.Fatal("expected missing element")
	}
	if !obs.AtBottom() {
		t.Fatal("expected viewport at bottom")
	}
}

func TestOpenPageRequiresConnection(t *testing.T) {
	s := &Session{log: zerolog.Nop()}
	if _, err := s.OpenPage(context.Background()); err == nil {
		t.Fatal("expected error for disconnected session")
	}
}
