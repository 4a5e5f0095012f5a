package codrive

import (
	"errors"
	"fmt"

	"github.com/codrive/codrive/internal/authproto"
	"github.com/codrive/codrive/internal/reconcile"
	"github.com/codrive/codrive/internal/writers"
)

var (
	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("codrive: closed")

	// ErrTimeout is wrapped by TimeoutError.
	ErrTimeout = authproto.ErrTimeout
)

type (
	// StorageError reports a failed read or write of a writers record.
	StorageError = writers.StorageError

	// LoadError reports a failure opening a writer drive.
	LoadError = reconcile.LoadError

	// UnloadError reports a failure releasing a writer drive.
	UnloadError = reconcile.UnloadError

	// AggregateError wraps the last of one or more failed reconcile steps.
	AggregateError = reconcile.AggregateError

	// TimeoutError reports an authorization request nobody answered in time.
	TimeoutError = authproto.TimeoutError
)

// ReadinessError reports that the initial reconciliation failed. The handle
// is still usable.
type ReadinessError struct {
	Err error
}

func (e *ReadinessError) Error() string {
	return fmt.Sprintf("codrive: initial load: %v", e.Err)
}

func (e *ReadinessError) Unwrap() error {
	return e.Err
}
