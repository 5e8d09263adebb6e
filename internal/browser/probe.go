package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrDebugEndpointUnavailable means no Chrome answered on the debug URL.
var ErrDebugEndpointUnavailable = errors.New("chrome remote debugging endpoint unavailable")

const startChromeHint = "start Chrome with --remote-debugging-port=9222 (for example ./launch_chrome_debug.sh) and try again"

// VersionInfo is the body of GET /json/version.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ProbeError wraps the cause of a failed debug endpoint probe.
type ProbeError struct {
	URL   string
	Cause error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%v at %s: %v; %s", ErrDebugEndpointUnavailable, e.URL, e.Cause, startChromeHint)
}

func (e *ProbeError) Unwrap() []error {
	return []error{ErrDebugEndpointUnavailable, e.Cause}
}

// Probe checks that a Chrome DevTools endpoint is reachable at debugURL and
// returns its version information.
func Probe(ctx context.Context, client *http.Client, debugURL string) (VersionInfo, error) {
	endpoint := strings.TrimRight(debugURL, "/") + "/json/version"
	fail := func(err error) (VersionInfo, error) {
		return VersionInfo{}, &ProbeError{URL: endpoint, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fail(err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fail(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var info VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return fail(fmt.Errorf("decode version: %w", err))
	}
	if info.Browser == "" {
		return fail(errors.New("response has no Browser field"))
	}
	return info, nil
}
