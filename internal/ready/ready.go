// Package ready provides a one-shot readiness signal.
package ready

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is the error carried by a signal torn down before it fired.
var ErrClosed = errors.New("closed before ready")

// Signal fires exactly once, optionally carrying an error. Waiters
// registered before firing are released when it fires; later waiters are
// served immediately. Firing with an error still counts as ready.
type Signal struct {
	mu          sync.Mutex
	fired       bool
	err         error
	done        chan struct{}
	subscribers []func(error)
}

// New creates an unfired signal.
func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fire marks the signal ready with err and runs queued subscribers in the
// order they were added. It returns false if the signal had already fired.
func (s *Signal) Fire(err error) bool {
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		return false
	}
	s.fired = true
	s.err = err
	subs := s.subscribers
	s.subscribers = nil
	close(s.done)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(err)
	}
	return true
}

// Close fires the signal with ErrClosed if it has not fired yet.
func (s *Signal) Close() {
	s.Fire(ErrClosed)
}

// Done returns a channel closed once the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Fired reports whether the signal has fired.
func (s *Signal) Fired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Err returns the error the signal fired with, or nil if it has not fired.
func (s *Signal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the signal fires or ctx is done. It returns the fired
// error, or the context error if ctx ended first.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe runs fn with the fired error once the signal fires. If it has
// already fired, fn runs synchronously before Subscribe returns.
func (s *Signal) Subscribe(fn func(error)) {
	s.mu.Lock()
	if !s.fired {
		s.subscribers = append(s.subscribers, fn)
		s.mu.Unlock()
		return
	}
	err := s.err
	s.mu.Unlock()

	fn(err)
}
