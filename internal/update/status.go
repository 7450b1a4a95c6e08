package update

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrAlreadyRunning is returned when a check or apply is started while
	// another of the same kind is still in flight
	ErrAlreadyRunning = errors.New("workflow already running")

	// ErrCancelled is returned by a workflow that observed cancellation. A
	// cancelled check carries no answer.
	ErrCancelled = errors.New("workflow cancelled")
)

// Status is the state of one workflow slot
type Status int

const (
	Idle Status = iota
	Running
	Completed
	Cancelled
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON and logs
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name as produced by MarshalText
func (s *Status) UnmarshalText(text []byte) error {
	for c := Idle; c <= Failed; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// statusOf maps a workflow error onto its terminal status
func statusOf(err error) Status {
	switch {
	case err == nil:
		return Completed
	case errors.Is(err, ErrCancelled):
		return Cancelled
	default:
		return Failed
	}
}

// slot guards one workflow kind. Only one invocation may hold it at a time.
type slot struct {
	mu      sync.Mutex
	running bool
	status  Status
	cancel  context.CancelFunc
}

func (s *slot) begin(cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.status = Running
	s.cancel = cancel
	return nil
}

func (s *slot) end(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	s.status = status
	s.cancel = nil
}

func (s *slot) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Cancel requests cancellation of the running invocation, if any. It reports
// whether something was running.
func (s *slot) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Job is the handle of an asynchronous workflow. The result is delivered
// exactly once, after which Done is closed.
type Job[R any] struct {
	done   chan struct{}
	result R
	cancel context.CancelFunc
}

func newJob[R any](cancel context.CancelFunc) *Job[R] {
	return &Job[R]{done: make(chan struct{}), cancel: cancel}
}

func (j *Job[R]) finish(r R) {
	j.result = r
	close(j.done)
}

// Done is closed once the result is available
func (j *Job[R]) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the workflow finishes and returns its result
func (j *Job[R]) Wait() R {
	<-j.done
	return j.result
}

// Cancel requests cooperative cancellation. The workflow stops at the next
// entry boundary.
func (j *Job[R]) Cancel() {
	j.cancel()
}
