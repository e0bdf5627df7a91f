package shutdown

import (
	"context"
	"fmt"
	"sync"
)

// Cause identifies who asked the capture run to stop
type Cause int

const (
	CauseNone Cause = iota
	CauseSignal
	CauseFrameBudget
	CauseDesync
	CauseFatal
	CauseAPI
	CauseContext
)

// String returns the cause name used in logs
func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseSignal:
		return "signal"
	case CauseFrameBudget:
		return "frame-budget"
	case CauseDesync:
		return "desync"
	case CauseFatal:
		return "fatal"
	case CauseAPI:
		return "api"
	case CauseContext:
		return "context"
	default:
		return fmt.Sprintf("cause(%d)", int(c))
	}
}

// Reason describes the first shutdown request of a run
type Reason struct {
	Cause  Cause
	Detail string
	Err    error
}

func (r Reason) String() string {
	if r.Detail == "" {
		return r.Cause.String()
	}
	return r.Cause.String() + ": " + r.Detail
}

// Signal is the process-wide exit flag of one capture run.
// Any number of producers may request shutdown; one controller waits on it.
type Signal struct {
	mu     sync.Mutex
	cond   *sync.Cond
	exit   bool
	woken  bool
	reason Reason
	done   chan struct{}
}

// New creates an unset shutdown signal
func New() *Signal {
	s := &Signal{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// RequestShutdown sets the exit flag and wakes the waiter.
// Only the first request records its reason; later requests are absorbed.
func (s *Signal) RequestShutdown(reason Reason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exit {
		s.cond.Signal()
		return false
	}
	s.exit = true
	s.reason = reason
	close(s.done)
	s.cond.Signal()
	return true
}

// Wake wakes the waiter without requesting shutdown so the controller
// runs one pause/flush/restart cycle.
func (s *Signal) Wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.woken = true
	s.cond.Signal()
}

// Wait blocks until shutdown is requested or a wake is pending.
// It reports whether shutdown was requested.
func (s *Signal) Wait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.exit && !s.woken {
		s.cond.Wait()
	}
	s.woken = false
	return s.exit
}

// Requested reports whether shutdown has been requested
func (s *Signal) Requested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit
}

// Reason returns the first recorded shutdown reason
func (s *Signal) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed once shutdown has been requested
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// BindContext turns cancellation of ctx into a shutdown request.
// The returned function detaches the binding.
func (s *Signal) BindContext(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		s.RequestShutdown(Reason{Cause: CauseContext, Detail: context.Cause(ctx).Error()})
	})
}
