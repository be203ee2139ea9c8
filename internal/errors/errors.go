package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the closed set of business error categories surfaced by
// the orchestration engine. Anything outside this set is an internal error.
type Kind int

const (
	// KindNotFound - the referenced entity does not exist
	KindNotFound Kind = iota
	// KindInvalidState - the operation is illegal in the entity's current state
	KindInvalidState
	// KindBudgetExhausted - a spending limit refuses the operation
	KindBudgetExhausted
	// KindPlanParse - the planner response could not be parsed into a plan
	KindPlanParse
	// KindCycleDetected - the plan's dependency graph contains a cycle
	KindCycleDetected
	// KindConflict - the write conflicts with existing state
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindBudgetExhausted:
		return "budget_exhausted"
	case KindPlanParse:
		return "plan_parse"
	case KindCycleDetected:
		return "cycle_detected"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a categorized business error. The HTTP layer maps Kind to a
// status code; everything else treats it as an opaque error value.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound reports a missing entity.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidState reports an operation illegal in the entity's current state.
func InvalidState(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// BudgetExhausted reports a refused spend.
func BudgetExhausted(format string, args ...any) *Error {
	return &Error{Kind: KindBudgetExhausted, Message: fmt.Sprintf(format, args...)}
}

// PlanParse reports an unparseable planner response.
func PlanParse(format string, args ...any) *Error {
	return &Error{Kind: KindPlanParse, Message: fmt.Sprintf(format, args...)}
}

// CycleDetected reports a dependency cycle in a plan.
func CycleDetected(format string, args ...any) *Error {
	return &Error{Kind: KindCycleDetected, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a write conflicting with existing state.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error, preserving the chain.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the business kind from an error chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsNotFound reports whether err is a missing-entity error.
func IsNotFound(err error) bool { return is(err, KindNotFound) }

// IsInvalidState reports whether err is an illegal-transition error.
func IsInvalidState(err error) bool { return is(err, KindInvalidState) }

// IsBudgetExhausted reports whether err is a refused-spend error.
func IsBudgetExhausted(err error) bool { return is(err, KindBudgetExhausted) }

// IsPlanParse reports whether err is an unparseable-plan error.
func IsPlanParse(err error) bool { return is(err, KindPlanParse) }

// IsCycleDetected reports whether err is a dependency-cycle error.
func IsCycleDetected(err error) bool { return is(err, KindCycleDetected) }

// IsConflict reports whether err is a conflicting-write error.
func IsConflict(err error) bool { return is(err, KindConflict) }

// HTTPStatus maps a business error to its response status code. Errors
// outside the taxonomy map to 500.
func HTTPStatus(err error) int {
	kind, ok := KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState:
		return http.StatusConflict
	case KindBudgetExhausted:
		return http.StatusPaymentRequired
	case KindPlanParse, KindCycleDetected:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
