package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/smartramana/hookmesh/pkg/observability"
)

// maxResponseBytes bounds the response body captured on attempt records
const maxResponseBytes = 4096

// errMalformedURL marks a permanent, non-retryable target URL failure
var errMalformedURL = errors.New("malformed webhook url")

// transport posts signed payloads to webhook targets. Each webhook gets
// a circuit breaker; each destination host gets an optional outbound
// rate limiter.
type transport struct {
	client  *http.Client
	rps     float64
	burst   int
	logger  observability.Logger
	metrics observability.MetricsClient

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*rate.Limiter
}

func newTransport(timeout time.Duration, rps float64, burst int, logger observability.Logger, metrics observability.MetricsClient) *transport {
	return &transport{
		client:   &http.Client{Timeout: timeout},
		rps:      rps,
		burst:    burst,
		logger:   logger,
		metrics:  metrics,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *transport) breaker(webhookID string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	br, ok := t.breakers[webhookID]
	if !ok {
		br = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "webhook-" + webhookID,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 10
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				t.logger.Warn("Webhook circuit state changed", map[string]interface{}{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				})
			},
		})
		t.breakers[webhookID] = br
	}
	return br
}

func (t *transport) limiter(host string) *rate.Limiter {
	if t.rps <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	lim, ok := t.limiters[host]
	if !ok {
		burst := t.burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(t.rps), burst)
		t.limiters[host] = lim
	}
	return lim
}

// post sends one attempt. It returns the HTTP status code and the
// truncated response body; a zero code means the request never got a
// response (network error, timeout, open breaker).
func (t *transport) post(ctx context.Context, webhookID, targetURL string, body []byte, headers map[string]string) (int, string, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil || parsed.Host == "" {
		return 0, "", fmt.Errorf("%w: %q", errMalformedURL, targetURL)
	}
	if lim := t.limiter(parsed.Host); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return 0, "", err
		}
	}

	result, err := t.breaker(webhookID).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		limited, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return &postResult{code: resp.StatusCode, body: string(limited)}, nil
	})
	if err != nil {
		t.metrics.IncrementCounterWithLabels("webhook_post_errors", 1, map[string]string{
			"webhook_id": webhookID,
		})
		return 0, "", err
	}
	r := result.(*postResult)
	return r.code, r.body, nil
}

type postResult struct {
	code int
	body string
}

// isPermanentFailure classifies a failed attempt. Transient failures
// (5xx, 429, 408, network errors) retry; everything else fails the
// delivery immediately.
func isPermanentFailure(code int, err error) bool {
	if err != nil {
		// Malformed targets never succeed; everything else that errored
		// (network, timeout, open breaker) is worth retrying
		return errors.Is(err, errMalformedURL)
	}
	if code >= 500 {
		return false
	}
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return true
}
