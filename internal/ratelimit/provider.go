package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentbroker/broker/internal/logger"
)

// ProviderLimiter wraps a SlidingWindow with a reactive global block
// ("blocked_until") triggered when the upstream provider reports a rate
// limit error (C2). Constructed explicitly once by the caller and threaded
// through — no hidden process-wide singleton, per the design note against
// implicit global state.
type ProviderLimiter struct {
	window *SlidingWindow
	log    *logger.Logger

	mu          sync.Mutex
	blockedUnit int64 // unix nano of blockedUntil, 0 = not blocked

	now func() time.Time
}

// NewProviderLimiter constructs a provider limiter with the given sliding
// window admission control.
func NewProviderLimiter(n int, w time.Duration, log *logger.Logger) (*ProviderLimiter, error) {
	sw, err := NewSlidingWindow(n, w)
	if err != nil {
		return nil, err
	}
	return &ProviderLimiter{
		window: sw,
		log:    log.WithComponent("provider_limiter"),
		now:    time.Now,
	}, nil
}

// SetBlocked sets a reactive global block for the given duration, measured
// from now.
func (p *ProviderLimiter) SetBlocked(d time.Duration) {
	p.mu.Lock()
	p.blockedUnit = p.now().Add(d).UnixNano()
	p.mu.Unlock()
	p.log.Warn("provider reactively blocked", "duration", d)
}

// RemainingWait returns how long is left on the current block, or 0 if not
// blocked.
func (p *ProviderLimiter) RemainingWait() time.Duration {
	p.mu.Lock()
	until := p.blockedUnit
	p.mu.Unlock()
	if until == 0 {
		return 0
	}
	remaining := time.Unix(0, until).Sub(p.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsBlocked reports whether the limiter currently has an active reactive
// block.
func (p *ProviderLimiter) IsBlocked() bool {
	return p.RemainingWait() > 0
}

// WaitIfBlocked blocks until the reactive block (if any) clears, then
// returns whether it waited.
func (p *ProviderLimiter) WaitIfBlocked(ctx context.Context) (waited bool, err error) {
	wait := p.RemainingWait()
	if wait <= 0 {
		return false, nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return true, nil
	}
}

// Acquire waits out any reactive block, then acquires a sliding-window
// slot. This is the single entry point every outbound provider call must
// go through.
func (p *ProviderLimiter) Acquire(ctx context.Context) (waitedReactive bool, err error) {
	waitedReactive, err = p.WaitIfBlocked(ctx)
	if err != nil {
		return waitedReactive, err
	}
	if err := p.window.Acquire(ctx); err != nil {
		return waitedReactive, err
	}
	return waitedReactive, nil
}

// RetryConfig parametrizes ExecuteWithRetry.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     time.Duration
}

// RateLimitSignal is the interface a callable's error must satisfy for
// ExecuteWithRetry to recognize an upstream rate-limit failure and retry.
type RateLimitSignal interface {
	error
	IsRateLimited() bool
}

// ExecuteWithRetry runs fn through the limiter. On a rate-limit failure
// (fn's error implements RateLimitSignal and IsRateLimited() is true), it
// computes an exponential backoff with jitter, sets the reactive block, and
// retries up to cfg.MaxRetries additional times. The first attempt's
// failure counts as attempt 0.
func ExecuteWithRetry[T any](ctx context.Context, p *ProviderLimiter, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var attempts atomic.Int32
	var zero T

	for {
		if _, err := p.Acquire(ctx); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		rl, ok := err.(RateLimitSignal)
		attempt := int(attempts.Load())
		if !ok || !rl.IsRateLimited() || attempt >= cfg.MaxRetries {
			return zero, err
		}

		delay := cfg.BaseDelay * time.Duration(1<<uint(attempt))
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		if cfg.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(cfg.Jitter)))
		}

		p.SetBlocked(delay)
		attempts.Add(1)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
