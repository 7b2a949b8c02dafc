package cache

import (
	"fmt"

	"github.com/pkg/errors"
)

// ProcessorError is the failure outcome of a processor that
// returned an error or panicked. Its message is the processor's
// own error message.
type ProcessorError struct {
	Key   interface{}
	cause error
}

func newProcessorError(key interface{}, cause error) *ProcessorError {
	return &ProcessorError{Key: key, cause: cause}
}

func (err *ProcessorError) Error() string {
	return err.cause.Error()
}

// Cause returns the error returned by the processor
func (err *ProcessorError) Cause() error {
	return err.cause
}

func (err *ProcessorError) Unwrap() error {
	return err.cause
}

// SideEffectError is the failure outcome of an invocation whose
// declared side effect could not be applied. The entry mutation
// staged by the same invocation is discarded.
type SideEffectError struct {
	Effect string
	cause  error
}

func (err *SideEffectError) Error() string {
	return fmt.Sprintf("could not apply side effect %s: %s", err.Effect, err.cause)
}

// Cause returns the error returned by the side effect
func (err *SideEffectError) Cause() error {
	return err.cause
}

func (err *SideEffectError) Unwrap() error {
	return err.cause
}

// RoutingError is the failure outcome of a key whose owning
// node could not be reached within the allowed attempts
type RoutingError struct {
	Attempts int
	cause    error
}

func (err *RoutingError) Error() string {
	return fmt.Sprintf("could not route key after %d attempts: %s", err.Attempts, err.cause)
}

// Cause returns the routing error seen on the last attempt
func (err *RoutingError) Cause() error {
	return err.cause
}

func (err *RoutingError) Unwrap() error {
	return err.cause
}

// panicError turns a recovered panic value into an error
func panicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return errors.Wrap(err, "processor panicked")
	}

	return errors.Errorf("processor panicked: %v", r)
}
