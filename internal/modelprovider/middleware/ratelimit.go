// Package middleware provides reusable modelprovider.Client middlewares,
// namely adaptive rate limiting.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/fieldlab/missionctl/internal/modelprovider"
)

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket in front of
// a modelprovider.Client. It estimates the token cost of each request, blocks
// callers until capacity is available, and shrinks its effective
// tokens-per-minute budget whenever the wrapped client reports
// modelprovider.ErrRateLimited, recovering gradually on each subsequent
// success.
//
// The limiter is process-local: construct one instance per provider and wrap
// that provider's Client with Middleware before handing it to the gateway.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64

	onBackoff func(newTPM float64)
	onProbe   func(newTPM float64)
}

type limitedClient struct {
	next    modelprovider.Client
	limiter *AdaptiveRateLimiter
}

// NewAdaptiveRateLimiter constructs a limiter with an initial and maximum
// tokens-per-minute budget. maxTPM is clamped to initialTPM when smaller.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// OnBackoff registers a callback invoked whenever the limiter shrinks its
// budget in response to a rate-limit signal.
func (l *AdaptiveRateLimiter) OnBackoff(fn func(newTPM float64)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onBackoff = fn
}

// OnProbe registers a callback invoked whenever the limiter grows its budget
// after a successful call.
func (l *AdaptiveRateLimiter) OnProbe(fn func(newTPM float64)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onProbe = fn
}

// Middleware wraps a modelprovider.Client so every Complete/Stream call
// passes through the adaptive limiter first.
func (l *AdaptiveRateLimiter) Middleware() func(modelprovider.Client) modelprovider.Client {
	return func(next modelprovider.Client) modelprovider.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

func (c *limitedClient) Complete(ctx context.Context, req *modelprovider.Request) (*modelprovider.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (c *limitedClient) Stream(ctx context.Context, req *modelprovider.Request) (modelprovider.Streamer, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	stream, err := c.next.Stream(ctx, req)
	c.limiter.observe(err)
	return stream, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req *modelprovider.Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, modelprovider.ErrRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onBackoff
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onProbe
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

// CurrentTPM reports the limiter's current effective tokens-per-minute
// budget, primarily for telemetry/tests.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// estimateTokens computes a cheap heuristic for the token cost of a request:
// message content character counts divided by an approximate
// characters-per-token ratio, plus a fixed buffer for framing/system prompt
// overhead.
func estimateTokens(req *modelprovider.Request) int {
	charCount := 0
	for _, m := range req.Messages {
		charCount += len(m.Content)
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
