package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/scrape-workspace/internal/fetcher"
	"github.com/JakeFAU/scrape-workspace/internal/metrics"
)

const robotsFallbackReason = "robots.txt unreachable"

const allowAllRobots = "User-agent: *\nAllow: /"

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsAwareTransport retries robots.txt probes that time out and, once the
// retries are spent, answers with an allow-all file so the page fetch still
// happens. The fallback is recorded on the page.
type robotsAwareTransport struct {
	base    http.RoundTripper
	state   *robotsProbeState
	backoff []time.Duration
}

func (t *robotsAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if t.state == nil || req.URL == nil || !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("robots transport base roundtrip: %w", err)
		}
		return resp, nil
	}

	backoff := t.backoff
	if backoff == nil {
		backoff = robotsRetryBackoff
	}
	for attempt := 0; ; attempt++ {
		probe := req.Clone(req.Context())
		resp, err := t.base.RoundTrip(probe)
		if err == nil {
			return resp, nil
		}
		if !isTimeout(err) {
			return nil, fmt.Errorf("robots probe: %w", err)
		}
		if attempt >= len(backoff) {
			t.state.markIndeterminate(robotsFallbackReason)
			return allowAllResponse(req), nil
		}
		if err := sleepCtx(req.Context(), backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots probe backoff: %w", err)
		}
	}
}

type robotsProbeState struct {
	status fetcher.RobotsStatus
	reason string
}

func newRobotsProbeState() *robotsProbeState {
	return &robotsProbeState{}
}

func (s *robotsProbeState) markIndeterminate(reason string) {
	if s.status == fetcher.RobotsStatusIndeterminate {
		return
	}
	s.status = fetcher.RobotsStatusIndeterminate
	s.reason = reason
	metrics.ObserveRobotsFallback(reason)
}

func (s *robotsProbeState) apply(page *fetcher.Page) {
	if s == nil || page == nil || s.status == fetcher.RobotsStatusUnknown {
		return
	}
	page.RobotsStatus = s.status
	page.RobotsReason = s.reason
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
