package transfer

import (
	"context"
	"errors"
	"fmt"
)

// Common transfer errors.
// Gateways, breakers and stores return these so callers can tell apart
// "we never tried", "we tried and the bank said no" and "we do not know".
var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("transfer: invalid request")

	// ErrRemoteRejected is matched by every *RejectedError.
	ErrRemoteRejected = errors.New("transfer: rejected by remote")

	// Code-specific rejections. A *RejectedError matches the one for its code.
	ErrInsufficientFunds  = errors.New("transfer: insufficient funds")
	ErrInvalidDestination = errors.New("transfer: invalid destination account")
	ErrAccountFrozen      = errors.New("transfer: account frozen")
	ErrLimitExceeded      = errors.New("transfer: transfer limit exceeded")

	// ErrUnreachable is returned when the gateway could not be reached or
	// answered with a server-side failure.
	ErrUnreachable = errors.New("transfer: gateway unreachable")

	// ErrTimeout is returned when the gateway did not answer within the call timeout.
	ErrTimeout = errors.New("transfer: gateway timeout")

	// ErrMalformedResponse is returned when the gateway answered with something
	// that cannot be interpreted as either success or rejection.
	ErrMalformedResponse = errors.New("transfer: malformed gateway response")

	// ErrCircuitOpen is returned when the circuit breaker refused the call
	// without touching the network.
	ErrCircuitOpen = errors.New("transfer: circuit breaker open")

	// ErrNeedsReconciliation is matched by *UnknownOutcomeError.
	ErrNeedsReconciliation = errors.New("transfer: outcome unknown, needs reconciliation")

	// ErrDuplicateSuccess is returned by ledger stores when a second SUCCESS
	// record is appended for an operation key.
	ErrDuplicateSuccess = errors.New("transfer: operation key already succeeded")

	// ErrAccountNotLinked is returned by AccountLinkLookup when the account is
	// not linked to the user or the link is inactive.
	ErrAccountNotLinked = errors.New("transfer: account not linked")

	// ErrContractNotFound is returned by contract stores for unknown ids.
	ErrContractNotFound = errors.New("transfer: recurring contract not found")

	// ErrInvalidStatusTransition is returned when an operator status change is not allowed.
	ErrInvalidStatusTransition = errors.New("transfer: invalid contract status transition")

	// ErrRecordNotFound is returned when no ledger record exists.
	ErrRecordNotFound = errors.New("transfer: ledger record not found")

	// ErrUnresolved is the cause when a key is not sent because its latest
	// attempt is still UNKNOWN.
	ErrUnresolved = errors.New("transfer: latest attempt unresolved")
)

// Remote rejection codes as sent by the bank.
const (
	CodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	CodeInvalidAccount     = "INVALID_ACCOUNT"
	CodeInvalidDestination = "INVALID_DESTINATION"
	CodeAccountFrozen      = "ACCOUNT_FROZEN"
	CodeLimitExceeded      = "LIMIT_EXCEEDED"
	CodeDuplicateRequest   = "DUPLICATE_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeRejected           = "REJECTED"
)

// Reason codes stored in ExecutionRecord.FailureReason and used as metric labels.
const (
	ReasonValidation  = "VALIDATION"
	ReasonTimeout     = "TIMEOUT"
	ReasonUnreachable = "UNREACHABLE"
	ReasonMalformed   = "MALFORMED_RESPONSE"
	ReasonCircuitOpen = "CIRCUIT_OPEN"
	ReasonPending     = "PENDING"
	ReasonCancelled   = "CANCELLED"
	ReasonInternal    = "INTERNAL"

	ReasonNeedsReconciliation = "NEEDS_RECONCILIATION"
)

// ValidationError describes a request rejected before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("transfer: invalid %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// RejectedError is a well-formed business rejection from the remote side.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transfer: rejected by remote: %s", e.Code)
	}
	return fmt.Sprintf("transfer: rejected by remote: %s: %s", e.Code, e.Message)
}

// Is matches ErrRemoteRejected and the sentinel for the rejection code.
func (e *RejectedError) Is(target error) bool {
	switch target {
	case ErrRemoteRejected:
		return true
	case ErrInsufficientFunds:
		return e.Code == CodeInsufficientFunds
	case ErrInvalidDestination:
		return e.Code == CodeInvalidAccount || e.Code == CodeInvalidDestination
	case ErrAccountFrozen:
		return e.Code == CodeAccountFrozen
	case ErrLimitExceeded:
		return e.Code == CodeLimitExceeded
	}
	return false
}

// UnknownOutcomeError is returned when an attempt may or may not have moved money.
// It must never be treated as success; the operation key needs reconciliation
// before it is submitted again.
type UnknownOutcomeError struct {
	OperationKey string
	Cause        error
}

func (e *UnknownOutcomeError) Error() string {
	return fmt.Sprintf("transfer %s: outcome unknown, reconcile before retrying: %v", e.OperationKey, e.Cause)
}

// Is reports whether target is ErrNeedsReconciliation.
func (e *UnknownOutcomeError) Is(target error) bool {
	return target == ErrNeedsReconciliation
}

func (e *UnknownOutcomeError) Unwrap() error {
	return e.Cause
}

// IsValidation checks if the error is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsRejected checks if the error is a business rejection from the remote side.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRemoteRejected)
}

// IsTransport checks if the error is a transport-level failure whose remote
// effect cannot be determined.
func IsTransport(err error) bool {
	return errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrMalformedResponse)
}

// IsCircuitOpen checks if the error indicates the circuit breaker refused the call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// NeedsReconciliation checks if the error leaves the transfer in UNKNOWN state.
func NeedsReconciliation(err error) bool {
	return errors.Is(err, ErrNeedsReconciliation)
}

// ClassifyError returns the stable reason code for an error.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
		if rejected.Code == "" {
			return CodeRejected
		}
		return rejected.Code
	case errors.Is(err, ErrUnresolved):
		return ReasonNeedsReconciliation
	case errors.Is(err, ErrValidation):
		return ReasonValidation
	case errors.Is(err, ErrCircuitOpen):
		return ReasonCircuitOpen
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrUnreachable):
		return ReasonUnreachable
	case errors.Is(err, ErrMalformedResponse):
		return ReasonMalformed
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	default:
		return ReasonInternal
	}
}

// Reject builds a *RejectedError for a remote code.
func Reject(code, message string) error {
	if code == "" {
		code = CodeRejected
	}
	return &RejectedError{Code: code, Message: message}
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
