package msglimiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agentbroker/broker/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func TestLimiter_CompactionExecutesFirstAndLast(t *testing.T) {
	l, err := New(1000, time.Millisecond, 30*time.Second, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Shutdown(time.Second)

	// Pause the worker so all K enqueues land before any execution starts.
	l.mu.Lock()
	l.pausedUntil = l.now().Add(150 * time.Millisecond)
	l.mu.Unlock()

	const k = 5
	executed := make([]int, 0, k)
	var mu sync.Mutex

	var wg sync.WaitGroup
	results := make([]any, k)
	for i := 0; i < k; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _ := l.Enqueue(context.Background(), "dedup-1", func(ctx context.Context) (any, error) {
				mu.Lock()
				executed = append(executed, i)
				mu.Unlock()
				return i, nil
			})
			results[i] = v
		}()
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(executed) > 2 {
		t.Fatalf("expected at most 2 executions (first+last), got %d: %v", len(executed), executed)
	}
	for i := range results {
		if results[i] != k-1 {
			t.Fatalf("waiter %d did not receive last-executed result: got %v", i, results[i])
		}
	}
}

func TestLimiter_FloodPause(t *testing.T) {
	l, err := New(1000, time.Millisecond, 100*time.Millisecond, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Shutdown(time.Second)

	_, err = l.Enqueue(context.Background(), "", func(ctx context.Context) (any, error) {
		return nil, fmt.Errorf("flood wait")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	start := time.Now()
	done := make(chan struct{})
	go func() {
		l.Enqueue(context.Background(), "", func(ctx context.Context) (any, error) {
			close(done)
			return nil, nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second task never ran")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("expected flood pause to delay next task")
	}
}
