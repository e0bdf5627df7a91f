package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRequestBeforeWaitIsNotLost(t *testing.T) {
	s := New()
	s.RequestShutdown(Reason{Cause: CauseFrameBudget})

	done := make(chan bool, 1)
	go func() { done <- s.Wait() }()

	select {
	case exit := <-done:
		if !exit {
			t.Fatal("Wait returned without shutdown flag")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait blocked although shutdown was already requested")
	}
}

func TestFirstReasonWins(t *testing.T) {
	s := New()
	if !s.RequestShutdown(Reason{Cause: CauseSignal, Detail: "interrupt"}) {
		t.Fatal("first request should be recorded")
	}
	if s.RequestShutdown(Reason{Cause: CauseFrameBudget}) {
		t.Error("second request should be absorbed")
	}
	if got := s.Reason().Cause; got != CauseSignal {
		t.Errorf("Reason().Cause = %v, want %v", got, CauseSignal)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done channel not closed after shutdown request")
	}
}

func TestConcurrentRequests(t *testing.T) {
	s := New()
	var recorded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.RequestShutdown(Reason{Cause: CauseAPI}) {
				recorded.Add(1)
			}
		}()
	}
	wg.Wait()

	if recorded.Load() != 1 {
		t.Errorf("recorded %d requests, want exactly 1", recorded.Load())
	}
	if !s.Wait() {
		t.Error("Wait should report shutdown")
	}
}

func TestWakeWithoutShutdown(t *testing.T) {
	s := New()

	done := make(chan bool, 1)
	go func() { done <- s.Wait() }()

	time.Sleep(10 * time.Millisecond)
	s.Wake()

	select {
	case exit := <-done:
		if exit {
			t.Error("Wake should not report shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("Wake did not release the waiter")
	}

	if s.Requested() {
		t.Error("Requested() = true after Wake")
	}
}

func TestBindContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	stop := s.BindContext(ctx)
	defer stop()

	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("context cancellation did not request shutdown")
	}
	if got := s.Reason().Cause; got != CauseContext {
		t.Errorf("Reason().Cause = %v, want %v", got, CauseContext)
	}
}

func TestWatchdogExpiresOnce(t *testing.T) {
	var fired atomic.Int32
	w := &Watchdog{
		Timeout:  5 * time.Millisecond,
		OnExpire: func() { fired.Add(1) },
	}
	w.Start()
	time.Sleep(50 * time.Millisecond)
	w.Expire()

	if fired.Load() != 1 {
		t.Errorf("OnExpire fired %d times, want 1", fired.Load())
	}
}

func TestWatchdogStop(t *testing.T) {
	var fired atomic.Int32
	w := &Watchdog{
		Timeout:  20 * time.Millisecond,
		OnExpire: func() { fired.Add(1) },
	}
	w.Start()
	w.Stop()
	time.Sleep(50 * time.Millisecond)

	if fired.Load() != 0 {
		t.Error("stopped watchdog should not fire")
	}
}

func TestBestEffort(t *testing.T) {
	if !BestEffort(time.Second, func() {}) {
		t.Error("fast function should finish in time")
	}
	block := make(chan struct{})
	defer close(block)
	if BestEffort(10*time.Millisecond, func() { <-block }) {
		t.Error("blocked function should time out")
	}
}
