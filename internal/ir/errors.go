package ir

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind is the top-level classification of an engine failure.
type ErrorKind string

const (
	// KindInvariantViolation is fatal: the operation is aborted and state
	// is left unchanged.
	KindInvariantViolation ErrorKind = "INVARIANT_VIOLATION"

	// KindValidation rejects malformed or out-of-policy input synchronously.
	KindValidation ErrorKind = "VALIDATION_ERROR"

	// KindDeliveryFailure marks an outbound instruction the executor did not
	// acknowledge. It is recorded and retried only by explicit reconciliation.
	KindDeliveryFailure ErrorKind = "EXECUTOR_DELIVERY_FAILURE"
)

// ErrorCode is the reason code carried by an Error.
type ErrorCode string

const (
	ErrCodeAlreadySettled     ErrorCode = "ALREADY_SETTLED"
	ErrCodeNoAcceptedFacts    ErrorCode = "NO_ACCEPTED_FACTS"
	ErrCodeHeightNotReached   ErrorCode = "HEIGHT_NOT_REACHED"
	ErrCodeSupplyCapExceeded  ErrorCode = "SUPPLY_CAP_EXCEEDED"
	ErrCodeOverflow           ErrorCode = "ARITHMETIC_OVERFLOW"
	ErrCodeNonMonotonicHeight ErrorCode = "NON_MONOTONIC_HEIGHT"
	ErrCodeBelowMinimum       ErrorCode = "BELOW_MINIMUM"
	ErrCodeAboveMaximum       ErrorCode = "ABOVE_MAXIMUM"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidParams      ErrorCode = "INVALID_PARAMS"
	ErrCodeDuplicateAttester  ErrorCode = "DUPLICATE_ATTESTER"
	ErrCodeOutsideWindow      ErrorCode = "OUTSIDE_WINDOW"
	ErrCodeAlreadyAccepted    ErrorCode = "ALREADY_ACCEPTED"
	ErrCodeKeyResolved        ErrorCode = "KEY_RESOLVED"
	ErrCodeUnknownPeriod      ErrorCode = "UNKNOWN_PERIOD"
	ErrCodePeriodExists       ErrorCode = "PERIOD_EXISTS"
	ErrCodeFactPeriodMismatch ErrorCode = "FACT_PERIOD_MISMATCH"
	ErrCodeUnknownTransfer    ErrorCode = "UNKNOWN_TRANSFER"
	ErrCodeNotAwaiting        ErrorCode = "NOT_AWAITING"
	ErrCodeIllegalTransition  ErrorCode = "ILLEGAL_TRANSITION"
	ErrCodeConcurrentWrite    ErrorCode = "CONCURRENT_WRITE"
	ErrCodeUnknownInstruction ErrorCode = "UNKNOWN_INSTRUCTION"
	ErrCodeDeliveryFailed     ErrorCode = "DELIVERY_FAILED"
)

// Error is the structured failure returned by every engine component.
type Error struct {
	Kind    ErrorKind
	Code    ErrorCode
	Message string

	// Key identifies the affected entity (period id, transfer id, quorum key).
	Key string

	// Details carries additional diagnostic context.
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Key != "" {
		fmt.Fprintf(&b, " (key=%s)", e.Key)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, e.Details[k])
		}
	}
	return b.String()
}

// With returns a copy of e with an extra detail.
func (e *Error) With(k, v string) *Error {
	out := *e
	out.Details = make(map[string]string, len(e.Details)+1)
	for dk, dv := range e.Details {
		out.Details[dk] = dv
	}
	out.Details[k] = v
	return &out
}

// NewInvariant creates an InvariantViolation error.
func NewInvariant(code ErrorCode, key, format string, args ...any) *Error {
	return &Error{Kind: KindInvariantViolation, Code: code, Key: key, Message: fmt.Sprintf(format, args...)}
}

// NewValidation creates a ValidationError.
func NewValidation(code ErrorCode, key, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Key: key, Message: fmt.Sprintf(format, args...)}
}

// NewDeliveryFailure creates an ExecutorDeliveryFailure error.
func NewDeliveryFailure(key, reason string) *Error {
	return &Error{Kind: KindDeliveryFailure, Code: ErrCodeDeliveryFailed, Key: key, Message: reason}
}

// AsError extracts an *Error from a wrapped chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsInvariant reports whether err is an InvariantViolation.
func IsInvariant(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindInvariantViolation
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindValidation
}

// CodeOf returns the error code of err, or "" if err is not an *Error.
func CodeOf(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
