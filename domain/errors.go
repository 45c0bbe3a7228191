package domain

import "errors"

// Code classifies engine failures.
type Code string

const (
	CodeAlreadyExists                  Code = "ALREADY_EXISTS"
	CodeNotFound                       Code = "NOT_FOUND"
	CodeInvalidTransition              Code = "INVALID_TRANSITION"
	CodeArgumentLengthMismatch         Code = "ARGUMENT_LENGTH_MISMATCH"
	CodeTemplateNotApproved            Code = "TEMPLATE_NOT_APPROVED"
	CodeResourceNotRegistered          Code = "RESOURCE_NOT_REGISTERED"
	CodeLockConditionNotFulfilled      Code = "LOCK_CONDITION_NOT_FULFILLED"
	CodeReleaseConditionNotYetResolved Code = "RELEASE_CONDITION_NOT_YET_RESOLVED"
	CodeInvalidReceiver                Code = "INVALID_RECEIVER"
	CodeRoyaltiesNotSatisfied          Code = "ROYALTIES_NOT_SATISFIED"
	CodeInsufficientBalance            Code = "INSUFFICIENT_BALANCE"
	CodeUnauthorized                   Code = "UNAUTHORIZED"
	CodeInvalidArgument                Code = "INVALID_ARGUMENT"
	CodeRoleAlreadyGranted             Code = "ROLE_ALREADY_GRANTED"
	CodeLockAlreadyReleased            Code = "LOCK_ALREADY_RELEASED"
)

// Error is the engine error type. Two errors match under errors.Is when
// their codes are equal, so callers compare against the sentinels below.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// NewError creates an engine error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates an engine error with an underlying cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

var (
	ErrAlreadyExists                  = NewError(CodeAlreadyExists, "already exists")
	ErrNotFound                       = NewError(CodeNotFound, "not found")
	ErrInvalidTransition              = NewError(CodeInvalidTransition, "invalid state transition")
	ErrArgumentLengthMismatch         = NewError(CodeArgumentLengthMismatch, "argument length mismatch")
	ErrTemplateNotApproved            = NewError(CodeTemplateNotApproved, "template not approved")
	ErrResourceNotRegistered          = NewError(CodeResourceNotRegistered, "resource not registered")
	ErrLockConditionNotFulfilled      = NewError(CodeLockConditionNotFulfilled, "lock condition needs to be fulfilled")
	ErrReleaseConditionNotYetResolved = NewError(CodeReleaseConditionNotYetResolved, "release condition not yet resolved")
	ErrInvalidReceiver                = NewError(CodeInvalidReceiver, "invalid receiver")
	ErrRoyaltiesNotSatisfied          = NewError(CodeRoyaltiesNotSatisfied, "royalties are not satisfied")
	ErrInsufficientBalance            = NewError(CodeInsufficientBalance, "insufficient balance")
	ErrUnauthorized                   = NewError(CodeUnauthorized, "unauthorized")
	ErrInvalidArgument                = NewError(CodeInvalidArgument, "invalid argument")
	ErrRoleAlreadyGranted             = NewError(CodeRoleAlreadyGranted, "role already granted")
	ErrLockAlreadyReleased            = NewError(CodeLockAlreadyReleased, "lock already released")
)

// Errorf builds a coded error with a specific message.
func Errorf(code Code, message string) error {
	return NewError(code, message)
}

// CodeOf extracts the code of the first engine error in the chain.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// IsNotYetResolved reports the retryable escrow outcome: the call changed
// nothing and may succeed later once release conditions settle.
func IsNotYetResolved(err error) bool {
	return errors.Is(err, ErrReleaseConditionNotYetResolved)
}
