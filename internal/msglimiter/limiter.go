// Package msglimiter implements the messaging-side rate limiter (C3): a
// single worker draining a FIFO of dedup-keyed tasks, with task compaction
// and pause-on-flood, built on top of internal/ratelimit's sliding window.
package msglimiter

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentbroker/broker/internal/logger"
	"github.com/agentbroker/broker/internal/ratelimit"
)

// Task is the unit of work enqueued by dedup key. Result is sent back to
// every waiter sharing the key at the time the task actually runs.
type Task func(ctx context.Context) (any, error)

// FloodError is implemented by errors that carry an explicit flood-pause
// duration (e.g. a Telegram "Too Many Requests: retry after N" error).
type FloodError interface {
	error
	RetryAfter() time.Duration
}

type pending struct {
	fn      Task
	waiters []chan result
}

type result struct {
	value any
	err   error
}

// Limiter is the messaging rate limiter. Construct one explicitly per
// platform/process; there is no hidden singleton.
type Limiter struct {
	window *ratelimit.SlidingWindow
	log    *logger.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []string
	byKey       map[string]*pending
	pausedUntil time.Time
	shutdown    bool
	done        chan struct{}

	defaultFloodWait time.Duration
	now              func() time.Time
}

// New constructs and starts the limiter's worker goroutine.
func New(windowN int, windowW time.Duration, defaultFloodWait time.Duration, log *logger.Logger) (*Limiter, error) {
	sw, err := ratelimit.NewSlidingWindow(windowN, windowW)
	if err != nil {
		return nil, err
	}
	l := &Limiter{
		window:           sw,
		log:              log.WithComponent("msglimiter"),
		byKey:            make(map[string]*pending),
		done:             make(chan struct{}),
		defaultFloodWait: defaultFloodWait,
		now:              time.Now,
	}
	l.cond = sync.NewCond(&l.mu)
	go l.worker()
	return l, nil
}

// Enqueue schedules fn under dedupKey and blocks until it (or whichever
// task superseded it under the same key) has executed, returning its
// result. If dedupKey is empty, a unique key is used so no compaction
// happens.
func (l *Limiter) Enqueue(ctx context.Context, dedupKey string, fn Task) (any, error) {
	ch := l.enqueueInternal(dedupKey, fn)
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FireAndForget enqueues fn without a caller-visible result, retrying up to
// 2 extra attempts if the task's error looks transient (message contains
// "connect", "timeout", or "broken").
func (l *Limiter) FireAndForget(dedupKey string, fn Task) {
	wrapped := func(ctx context.Context) (any, error) {
		var lastErr error
		for attempt := 0; attempt <= 2; attempt++ {
			v, err := fn(ctx)
			if err == nil {
				return v, nil
			}
			lastErr = err
			if !isTransient(err) {
				return nil, err
			}
			l.log.Warn("fire-and-forget task failed transiently, retrying", "attempt", attempt, "error", err)
			time.Sleep(time.Duration(1<<uint(attempt)) * time.Second)
		}
		return nil, lastErr
	}
	l.enqueueInternal(dedupKey, wrapped)
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connect") || strings.Contains(msg, "timeout") || strings.Contains(msg, "broken")
}

func (l *Limiter) enqueueInternal(dedupKey string, fn Task) chan result {
	ch := make(chan result, 1)

	l.mu.Lock()
	defer l.mu.Unlock()

	if dedupKey == "" {
		dedupKey = uniqueKey()
	}

	if p, exists := l.byKey[dedupKey]; exists {
		// Task compaction: supersede the stored callable, append the waiter,
		// leave the key's FIFO position unchanged.
		p.fn = fn
		p.waiters = append(p.waiters, ch)
	} else {
		l.byKey[dedupKey] = &pending{fn: fn, waiters: []chan result{ch}}
		l.queue = append(l.queue, dedupKey)
	}

	l.cond.Signal()
	return ch
}

// Shutdown signals the worker to stop and waits up to timeout for it to
// drain. Idempotent.
func (l *Limiter) Shutdown(timeout time.Duration) {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return
	}
	l.shutdown = true
	l.cond.Broadcast()
	l.mu.Unlock()

	select {
	case <-l.done:
	case <-time.After(timeout):
		l.log.Warn("msglimiter shutdown timed out")
	}
}

func (l *Limiter) worker() {
	defer close(l.done)
	for {
		key, p, ok := l.nextTask()
		if !ok {
			return
		}

		l.waitOutPause()

		if err := l.window.Acquire(context.Background()); err != nil {
			l.rejectAll(p, err)
			continue
		}

		value, err := p.fn(context.Background())
		if err != nil {
			l.handleFailure(key, p, err)
			continue
		}

		for _, w := range p.waiters {
			w <- result{value: value}
		}
	}
}

// nextTask blocks until a key is available or shutdown is requested, waits
// out any flood pause while the key is still queued (so enqueues arriving
// during the pause compact onto it), then pops it from both the queue and
// the map.
func (l *Limiter) nextTask() (string, *pending, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		for len(l.queue) == 0 && !l.shutdown {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			return "", nil, false
		}
		wait := l.pausedUntil.Sub(l.now())
		if wait <= 0 {
			break
		}
		l.mu.Unlock()
		time.Sleep(wait)
		l.mu.Lock()
	}

	key := l.queue[0]
	l.queue = l.queue[1:]
	p := l.byKey[key]
	delete(l.byKey, key)
	return key, p, true
}

func (l *Limiter) waitOutPause() {
	l.mu.Lock()
	wait := l.pausedUntil.Sub(l.now())
	l.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
}

func (l *Limiter) handleFailure(key string, p *pending, err error) {
	l.rejectAll(p, err)

	msg := strings.ToLower(err.Error())
	isFlood := strings.Contains(msg, "flood") || strings.Contains(msg, "wait")

	var fe FloodError
	if errors.As(err, &fe) {
		isFlood = true
	}

	if !isFlood {
		l.log.Error("messaging task failed", "key", key, "error", err)
		return
	}

	wait := l.defaultFloodWait
	if fe != nil {
		wait = fe.RetryAfter()
	} else if parsed, ok := parseAfterSeconds(err.Error()); ok {
		wait = parsed
	}
	if wait <= 0 {
		wait = 30 * time.Second
	}

	l.mu.Lock()
	l.pausedUntil = l.now().Add(wait)
	l.mu.Unlock()

	l.log.Warn("messaging flood detected, pausing worker", "key", key, "pause", wait)
}

func (l *Limiter) rejectAll(p *pending, err error) {
	for _, w := range p.waiters {
		w <- result{err: err}
	}
}

// parseAfterSeconds extracts an integer following "after " in err text, the
// shape Telegram-style flood errors typically use ("Too Many Requests:
// retry after 30").
func parseAfterSeconds(msg string) (time.Duration, bool) {
	idx := strings.Index(strings.ToLower(msg), "after ")
	if idx < 0 {
		return 0, false
	}
	rest := strings.TrimSpace(msg[idx+len("after "):])
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

var uniqueCounter int64
var uniqueMu sync.Mutex

func uniqueKey() string {
	uniqueMu.Lock()
	defer uniqueMu.Unlock()
	uniqueCounter++
	return "anon-" + strconv.FormatInt(uniqueCounter, 10) + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}
