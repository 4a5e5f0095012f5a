package reconcile

import (
	"errors"
	"fmt"

	"github.com/codrive/codrive/pkg/drive"
)

// ErrClosed is returned by passes requested after Close.
var ErrClosed = errors.New("synchronizer closed")

// LoadError reports a failure opening a writer drive.
type LoadError struct {
	Key drive.Key
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load writer %s: %v", e.Key.Short(), e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// UnloadError reports a failure releasing a writer drive.
type UnloadError struct {
	Key drive.Key
	Err error
}

func (e *UnloadError) Error() string {
	return fmt.Sprintf("unload writer %s: %v", e.Key.Short(), e.Err)
}

func (e *UnloadError) Unwrap() error {
	return e.Err
}

// AggregateError is returned when one or more per-key steps of a pass
// failed. Steps that succeeded are kept.
type AggregateError struct {
	Last   error // last error encountered
	Failed int   // number of failed steps
}

func (e *AggregateError) Error() string {
	if e.Failed == 1 {
		return e.Last.Error()
	}
	return fmt.Sprintf("%d writer operations failed, last: %v", e.Failed, e.Last)
}

func (e *AggregateError) Unwrap() error {
	return e.Last
}
