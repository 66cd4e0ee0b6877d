package promise

import "runloop/loop"

// Combinators aggregate multiple Deferreds into one derived Deferred.
// They use nothing beyond the public Then contract, so relative
// ordering between already-settled inputs follows reaction registration
// order (input order), and between pending inputs follows settlement
// order.

// OutcomeStatus labels a per-input result from AllSettled.
type OutcomeStatus string

const (
	StatusFulfilled OutcomeStatus = "fulfilled"
	StatusRejected  OutcomeStatus = "rejected"
)

// Outcome is one input's terminal result, as reported by AllSettled.
type Outcome struct {
	Value  any
	Reason error
	Status OutcomeStatus
}

// All fulfills with every input's value, in input order, once all
// inputs fulfill. It rejects with the reason of the first input to
// reject; later settlements are observed but have no further effect.
// An empty input set fulfills with an empty []any.
func All(lp *loop.Loop, inputs []*Deferred) *Deferred {
	out, res := New(lp)
	if len(inputs) == 0 {
		res.Resolve(make([]any, 0))
		return out
	}

	values := make([]any, len(inputs))
	remaining := len(inputs)
	settled := false

	for i, in := range inputs {
		idx := i
		in.Then(
			func(v any) (any, error) {
				if settled {
					return nil, nil
				}
				values[idx] = v
				remaining--
				if remaining == 0 {
					settled = true
					res.Resolve(values)
				}
				return nil, nil
			},
			func(reason error) (any, error) {
				if !settled {
					settled = true
					res.Reject(reason)
				}
				return nil, nil
			},
		)
	}
	return out
}

// AllSettled fulfills, never rejects, once every input has settled,
// with one Outcome per input in input order.
func AllSettled(lp *loop.Loop, inputs []*Deferred) *Deferred {
	out, res := New(lp)
	if len(inputs) == 0 {
		res.Resolve(make([]Outcome, 0))
		return out
	}

	outcomes := make([]Outcome, len(inputs))
	remaining := len(inputs)

	record := func(idx int, o Outcome) {
		outcomes[idx] = o
		remaining--
		if remaining == 0 {
			res.Resolve(outcomes)
		}
	}

	for i, in := range inputs {
		idx := i
		in.Then(
			func(v any) (any, error) {
				record(idx, Outcome{Status: StatusFulfilled, Value: v})
				return nil, nil
			},
			func(reason error) (any, error) {
				record(idx, Outcome{Status: StatusRejected, Reason: reason})
				return nil, nil
			},
		)
	}
	return out
}

// Race settles with the outcome of whichever input settles first, in
// microtask scheduling order. An empty input set never settles.
func Race(lp *loop.Loop, inputs []*Deferred) *Deferred {
	out, res := New(lp)
	if len(inputs) == 0 {
		return out
	}

	settled := false
	for _, in := range inputs {
		in.Then(
			func(v any) (any, error) {
				if !settled {
					settled = true
					res.Resolve(v)
				}
				return nil, nil
			},
			func(reason error) (any, error) {
				if !settled {
					settled = true
					res.Reject(reason)
				}
				return nil, nil
			},
		)
	}
	return out
}

// Any fulfills with the first input to fulfill, and rejects only once
// every input has rejected, with an AggregateError carrying each
// input's reason in input order. An empty input set rejects with an
// empty AggregateError.
func Any(lp *loop.Loop, inputs []*Deferred) *Deferred {
	out, res := New(lp)
	if len(inputs) == 0 {
		res.Reject(&AggregateError{Message: "no deferreds were provided"})
		return out
	}

	reasons := make([]error, len(inputs))
	remaining := len(inputs)
	settled := false

	for i, in := range inputs {
		idx := i
		in.Then(
			func(v any) (any, error) {
				if !settled {
					settled = true
					res.Resolve(v)
				}
				return nil, nil
			},
			func(reason error) (any, error) {
				reasons[idx] = reason
				remaining--
				if remaining == 0 && !settled {
					settled = true
					res.Reject(&AggregateError{
						Message: "all deferreds were rejected",
						Errors:  reasons,
					})
				}
				return nil, nil
			},
		)
	}
	return out
}

// AggregateError is the rejection reason produced by Any when every
// input rejected. Errors preserves the input order.
type AggregateError struct {
	Message string
	Errors  []error
}

func (e *AggregateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "all deferreds were rejected"
}

// Unwrap exposes the per-input reasons to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error { return e.Errors }
