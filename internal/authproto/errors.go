package authproto

import (
	"errors"
	"fmt"
	"time"

	"github.com/codrive/codrive/pkg/drive"
)

var (
	// ErrTimeout is wrapped by TimeoutError.
	ErrTimeout = errors.New("authorization request timed out")

	// ErrClosed is returned for requests still waiting when the protocol closes.
	ErrClosed = errors.New("authorization protocol closed")

	// ErrNotStarted is returned by requests made before Start.
	ErrNotStarted = errors.New("authorization protocol not started")
)

// TimeoutError reports that no peer allowed or denied a request in time.
type TimeoutError struct {
	Key   drive.Key
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("authorization of %s: no response after %s", e.Key.Short(), e.After)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
