package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kmirotor/rotor/pkg/log"
	"github.com/kmirotor/rotor/pkg/metrics"
)

const upstreamTimeout = 30 * time.Second

// ErrUpstream signals a connection-level failure that survived all retries.
var ErrUpstream = errors.New("upstream transport failure")

// hopByHopHeaders are never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Dispatcher performs the upstream request with bounded retries and
// exponential backoff. Responses stream; the body is closed by the caller.
type Dispatcher struct {
	client    *http.Client
	retryMax  int
	retryBase time.Duration
}

// NewDispatcher builds a dispatcher. retryBaseMS <= 0 falls back to 250 ms.
func NewDispatcher(retryMax, retryBaseMS int) *Dispatcher {
	if retryBaseMS <= 0 {
		retryBaseMS = 250
	}
	return &Dispatcher{
		client: &http.Client{
			Timeout: upstreamTimeout,
			// Redirects are relayed to the client, not followed.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		retryMax:  retryMax,
		retryBase: time.Duration(retryBaseMS) * time.Millisecond,
	}
}

// Do sends the request, retrying on transport errors and on 429/5xx while
// attempts remain. The body must be fully buffered so retries can resend it.
func (d *Dispatcher) Do(ctx context.Context, method, targetURL string, header http.Header, body []byte) (*http.Response, error) {
	logger := log.WithComponent("dispatcher")
	var lastErr error
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("building upstream request: %w", err)
		}
		copyHeader(req.Header, header)

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			if attempt >= d.retryMax {
				metrics.UpstreamErrors.Inc()
				return nil, fmt.Errorf("%w: %v", ErrUpstream, lastErr)
			}
			d.backoff(ctx, attempt, logger, "transport_error", err.Error())
			continue
		}
		if (resp.StatusCode == 429 || resp.StatusCode >= 500) && attempt < d.retryMax {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
			resp.Body.Close()
			d.backoff(ctx, attempt, logger, "retryable_status", fmt.Sprint(resp.StatusCode))
			continue
		}
		return resp, nil
	}
}

func (d *Dispatcher) backoff(ctx context.Context, attempt int, logger zerolog.Logger, cause, detail string) {
	metrics.UpstreamRetries.Inc()
	delay := d.retryBase * (1 << attempt)
	logger.Debug().
		Int("attempt", attempt+1).
		Dur("delay", delay).
		Str("cause", cause).
		Str("detail", detail).
		Msg("upstream_retry")
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// SanitizeHeaders builds the outbound header set: hop-by-hop headers and the
// tokens named by Connection are dropped, Host and Content-Length are left
// to the transport, proxy credentials are stripped, and Authorization is
// replaced with the selected key.
func SanitizeHeaders(in http.Header, secret string) http.Header {
	out := make(http.Header, len(in))
	skip := make(map[string]bool, len(hopByHopHeaders)+4)
	for _, name := range hopByHopHeaders {
		skip[http.CanonicalHeaderKey(name)] = true
	}
	for _, token := range in.Values("Connection") {
		for _, name := range strings.Split(token, ",") {
			if trimmed := strings.TrimSpace(name); trimmed != "" {
				skip[http.CanonicalHeaderKey(trimmed)] = true
			}
		}
	}
	skip["Host"] = true
	skip["Content-Length"] = true
	skip["Authorization"] = true
	skip["X-Kmi-Proxy-Token"] = true

	for name, values := range in {
		if skip[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	out.Set("Authorization", "Bearer "+secret)
	return out
}

// FilterResponseHeaders copies upstream response headers, dropping
// hop-by-hop ones.
func FilterResponseHeaders(dst http.Header, src http.Header) {
	skip := make(map[string]bool, len(hopByHopHeaders))
	for _, name := range hopByHopHeaders {
		skip[http.CanonicalHeaderKey(name)] = true
	}
	for _, token := range src.Values("Connection") {
		for _, name := range strings.Split(token, ",") {
			if trimmed := strings.TrimSpace(name); trimmed != "" {
				skip[http.CanonicalHeaderKey(trimmed)] = true
			}
		}
	}
	for name, values := range src {
		if skip[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
