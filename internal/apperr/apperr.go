package apperr

import (
	"errors"
	"fmt"
)

// Kind is the coarse error category the transport maps to a status code.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindTierRequirement     Kind = "TierRequirementNotMet"
	KindConflict            Kind = "ConflictError"
	KindNotFound            Kind = "NotFound"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindInvalidState        Kind = "InvalidState"
	KindInternal            Kind = "Internal"
)

// Code is the stable, specific error identifier returned to callers.
type Code string

const (
	CodeInvalidRequest            Code = "InvalidRequest"
	CodeInvalidSignature          Code = "InvalidSignature"
	CodeInvalidRegistration       Code = "InvalidRegistration"
	CodeTierRequirementNotMet     Code = "TierRequirementNotMet"
	CodeProfileNameTaken          Code = "ProfileNameTaken"
	CodeNameAlreadyReserved       Code = "NameAlreadyReserved"
	CodeUnsupportedPair           Code = "UnsupportedPair"
	CodeInvalidState              Code = "InvalidState"
	CodeExpired                   Code = "Expired"
	CodeAlreadyPaid               Code = "AlreadyPaid"
	CodePaymentReferenceUsed      Code = "PaymentReferenceUsed"
	CodePaymentVerificationFailed Code = "PaymentVerificationFailed"
	CodeNotFound                  Code = "NotFound"
	CodeUpstreamUnavailable       Code = "UpstreamUnavailable"
	CodeInternal                  Code = "Internal"
)

// Error is a domain error. Current optionally carries the authoritative
// state a caller needs to reconcile after a conflict.
type Error struct {
	Kind    Kind
	Code    Code
	Reason  string
	Current any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so that sentinels work with errors.Is regardless of
// the reason text or attached state.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindUpstreamUnavailable
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidRequest            = &Error{Kind: KindValidation, Code: CodeInvalidRequest}
	ErrInvalidSignature          = &Error{Kind: KindValidation, Code: CodeInvalidSignature}
	ErrInvalidRegistration       = &Error{Kind: KindValidation, Code: CodeInvalidRegistration}
	ErrTierRequirementNotMet     = &Error{Kind: KindTierRequirement, Code: CodeTierRequirementNotMet}
	ErrProfileNameTaken          = &Error{Kind: KindConflict, Code: CodeProfileNameTaken}
	ErrNameAlreadyReserved       = &Error{Kind: KindConflict, Code: CodeNameAlreadyReserved}
	ErrUnsupportedPair           = &Error{Kind: KindValidation, Code: CodeUnsupportedPair}
	ErrInvalidState              = &Error{Kind: KindInvalidState, Code: CodeInvalidState}
	ErrExpired                   = &Error{Kind: KindInvalidState, Code: CodeExpired}
	ErrAlreadyPaid               = &Error{Kind: KindConflict, Code: CodeAlreadyPaid}
	ErrPaymentReferenceUsed      = &Error{Kind: KindConflict, Code: CodePaymentReferenceUsed}
	ErrPaymentVerificationFailed = &Error{Kind: KindValidation, Code: CodePaymentVerificationFailed}
	ErrNotFound                  = &Error{Kind: KindNotFound, Code: CodeNotFound}
	ErrUpstreamUnavailable       = &Error{Kind: KindUpstreamUnavailable, Code: CodeUpstreamUnavailable}
)

func newf(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Validation builds a ValidationError with the given code.
func Validation(code Code, format string, args ...any) *Error {
	return newf(KindValidation, code, format, args...)
}

// InvalidSignature builds the signature-mismatch error.
func InvalidSignature(format string, args ...any) *Error {
	return newf(KindValidation, CodeInvalidSignature, format, args...)
}

// Conflict builds a ConflictError carrying the authoritative state.
func Conflict(code Code, current any, format string, args ...any) *Error {
	e := newf(KindConflict, code, format, args...)
	e.Current = current
	return e
}

// NotFound builds a NotFound error.
func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, CodeNotFound, format, args...)
}

// InvalidState builds an error for an illegal state transition.
func InvalidState(code Code, current any, format string, args ...any) *Error {
	e := newf(KindInvalidState, code, format, args...)
	e.Current = current
	return e
}

// Upstream wraps a collaborator failure as retryable.
func Upstream(err error, format string, args ...any) *Error {
	e := newf(KindUpstreamUnavailable, CodeUpstreamUnavailable, format, args...)
	e.Err = err
	return e
}

// Internal wraps an unexpected failure such as a persistence error.
func Internal(err error, format string, args ...any) *Error {
	e := newf(KindInternal, CodeInternal, format, args...)
	e.Err = err
	return e
}

// TierRequirementNotMet is deliberately identical for every minimum tier.
func TierRequirementNotMet() *Error {
	return newf(KindTierRequirement, CodeTierRequirementNotMet, "tier requirement not met")
}

// As extracts the domain error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
