package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// manualLimiter returns a limiter whose windows only refill when the test sends on tick.
func manualLimiter(t *testing.T, capacity int) (*Limiter, chan time.Time) {
	t.Helper()
	tick := make(chan time.Time)
	l := newLimiter("test", Config{Capacity: capacity, Period: time.Second}, testLogger(), tick)
	t.Cleanup(l.Close)
	return l, tick
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default", cfg: DefaultConfig()},
		{name: "zero capacity", cfg: Config{Capacity: 0, Period: time.Second}, wantErr: true},
		{name: "zero period", cfg: Config{Capacity: 1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLimiter_ReleasesPerWindow(t *testing.T) {
	l, tick := manualLimiter(t, 10)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire() error: %v", err)
				return
			}
			granted.Add(1)
		}()
	}

	waitFor(t, func() bool { return l.State().Waiting == 15 }, "15 queued callers")
	if got := granted.Load(); got != 10 {
		t.Fatalf("granted before first refill = %d, want 10", got)
	}

	tick <- time.Now()
	waitFor(t, func() bool { return granted.Load() == 20 }, "20 grants after first refill")
	if s := l.State(); s.Waiting != 5 || s.Available != 0 {
		t.Fatalf("state after first refill = %+v", s)
	}

	tick <- time.Now()
	waitFor(t, func() bool { return granted.Load() == 25 }, "25 grants after second refill")
	wg.Wait()

	if s := l.State(); s.Available != 5 {
		t.Errorf("available after second refill = %d, want 5", s.Available)
	}
}

func TestLimiter_RefillNeverExceedsCapacity(t *testing.T) {
	l, tick := manualLimiter(t, 3)

	for i := 0; i < 3; i++ {
		tick <- time.Now()
	}

	if s := l.State(); s.Available != 3 {
		t.Errorf("available = %d, want capacity 3", s.Available)
	}
}

func TestLimiter_FIFO(t *testing.T) {
	l, tick := manualLimiter(t, 1)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			if err := l.Acquire(context.Background()); err == nil {
				order <- i
			}
		}()
		waitFor(t, func() bool { return l.State().Waiting == i+1 }, "waiter queued")
	}

	for want := 0; want < 3; want++ {
		tick <- time.Now()
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("released waiter %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never released", want)
		}
	}
}

func TestLimiter_AbandonedWaitDoesNotLeak(t *testing.T) {
	l, tick := manualLimiter(t, 1)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want deadline exceeded", err)
	}
	if s := l.State(); s.Waiting != 0 {
		t.Fatalf("abandoned waiter still queued: %+v", s)
	}

	tick <- time.Now()
	if s := l.State(); s.Available != 1 {
		t.Fatalf("abandoned waiter consumed the refill: %+v", s)
	}
}

func TestLimiter_RealTimer(t *testing.T) {
	l, err := New("timer", Config{Capacity: 2, Period: 50 * time.Millisecond}, testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer l.Close()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire() error: %v", err)
		}
	}

	// 2 immediately, 2 after the first window, 1 after the second.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("5 acquisitions took %s, want at least two windows", elapsed)
	}
}

func TestLimiter_CloseFailsWaiters(t *testing.T) {
	l, _ := manualLimiter(t, 1)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- l.Acquire(context.Background()) }()
	waitFor(t, func() bool { return l.State().Waiting == 1 }, "waiter queued")

	l.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrLimiterClosed) {
			t.Errorf("Acquire() error = %v, want ErrLimiterClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released on Close")
	}

	if err := l.Acquire(context.Background()); !errors.Is(err, ErrLimiterClosed) {
		t.Errorf("Acquire() after Close error = %v", err)
	}
}
