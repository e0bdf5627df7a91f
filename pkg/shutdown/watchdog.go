package shutdown

import (
	"sync"
	"time"
)

// Watchdog force-terminates a run that outlives its timeout.
// Expiry bypasses the graceful teardown; OnExpire decides what is still
// attempted before the process exits.
type Watchdog struct {
	Timeout  time.Duration
	OnExpire func()

	mu    sync.Mutex
	timer *time.Timer
	once  sync.Once
}

// Start arms the watchdog. A zero timeout leaves it disarmed.
func (w *Watchdog) Start() {
	if w.Timeout <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(w.Timeout, w.Expire)
}

// Stop disarms the watchdog
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Expire runs the expiry path at most once. It is also the target for an
// externally delivered alarm signal.
func (w *Watchdog) Expire() {
	w.once.Do(func() {
		if w.OnExpire != nil {
			w.OnExpire()
		}
	})
}

// BestEffort runs fn but gives up waiting after limit.
// It reports whether fn finished in time.
func BestEffort(limit time.Duration, fn func()) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	select {
	case <-done:
		return true
	case <-time.After(limit):
		return false
	}
}
