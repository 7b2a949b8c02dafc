package cache

import (
	"fmt"
)

// OutcomeKind says what a single invocation produced
type OutcomeKind int

const (
	// OutcomeAbsent means the processor returned no result
	OutcomeAbsent OutcomeKind = iota
	// OutcomeValue means the processor returned a result,
	// possibly a zero value
	OutcomeValue
	// OutcomeFailure means the invocation failed
	OutcomeFailure
)

func (kind OutcomeKind) String() string {
	switch kind {
	case OutcomeAbsent:
		return "absent"
	case OutcomeValue:
		return "value"
	case OutcomeFailure:
		return "failure"
	}

	return fmt.Sprintf("OutcomeKind(%d)", int(kind))
}

// Outcome is the result of one invocation
type Outcome struct {
	Kind  OutcomeKind
	Value interface{}
	Err   error
}

func valueOutcome(value interface{}) Outcome {
	if value == nil {
		return Outcome{Kind: OutcomeAbsent}
	}

	return Outcome{Kind: OutcomeValue, Value: value}
}

func failureOutcome(err error) Outcome {
	return Outcome{Kind: OutcomeFailure, Err: err}
}

// Result wraps the outcome of one invocation. A failure is
// only reported when Get is called.
type Result struct {
	outcome Outcome
}

// Get returns the invocation's result. It returns nil, nil
// if the processor had no result and the failure if the
// invocation failed.
func (result *Result) Get() (interface{}, error) {
	if result.outcome.Kind == OutcomeFailure {
		return nil, result.outcome.Err
	}

	return result.outcome.Value, nil
}

// Outcome returns the wrapped outcome
func (result *Result) Outcome() Outcome {
	return result.outcome
}

// As returns the result converted to R. It returns the zero value
// of R if the processor had no result.
func As[R any](result *Result) (R, error) {
	var r R

	value, err := result.Get()

	if err != nil || value == nil {
		return r, err
	}

	r, ok := value.(R)

	if !ok {
		return r, fmt.Errorf("result has type %T, not %T", value, r)
	}

	return r, nil
}
