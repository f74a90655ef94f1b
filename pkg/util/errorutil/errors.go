package errorutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of failure categories surfaced by the ticket core.
type Kind string

const (
	KindNotFound             Kind = "NOT_FOUND"
	KindConflict             Kind = "CONFLICT"
	KindInvalidTransition    Kind = "INVALID_TRANSITION"
	KindInvalidState         Kind = "INVALID_STATE"
	KindAlreadyPresent       Kind = "ALREADY_PRESENT"
	KindNotPresent           Kind = "NOT_PRESENT"
	KindUnauthorized         Kind = "UNAUTHORIZED"
	KindConfirmationRequired Kind = "CONFIRMATION_REQUIRED"
	KindOverloaded           Kind = "OVERLOADED"
	KindTimeout              Kind = "TIMEOUT"
	KindBackend              Kind = "BACKEND_ERROR"

	// KindValidation and KindUnauthenticated are produced by the HTTP and CLI
	// surfaces only.
	KindValidation      Kind = "VALIDATION_FAILED"
	KindUnauthenticated Kind = "UNAUTHENTICATED"
)

// Reasons refine a Kind where callers need to tell two causes apart.
const (
	ReasonOpenTicketExists     = "open_ticket_exists"
	ReasonTicketIDTaken        = "ticket_id_taken"
	ReasonAlreadySet           = "already_set"
	ReasonProvisioningFailed   = "channel_provisioning_failed"
	ReasonTranscriptFailed     = "transcript_capture_failed"
	ReasonRoleLookupFailed     = "role_lookup_failed"
	ReasonConfirmationRejected = "confirmation_rejected"
)

var kindStatus = map[Kind]int{
	KindNotFound:             http.StatusNotFound,
	KindConflict:             http.StatusConflict,
	KindInvalidTransition:    http.StatusConflict,
	KindInvalidState:         http.StatusConflict,
	KindAlreadyPresent:       http.StatusConflict,
	KindNotPresent:           http.StatusConflict,
	KindUnauthorized:         http.StatusForbidden,
	KindConfirmationRequired: http.StatusPreconditionRequired,
	KindOverloaded:           http.StatusServiceUnavailable,
	KindTimeout:              http.StatusGatewayTimeout,
	KindBackend:              http.StatusInternalServerError,
	KindValidation:           http.StatusBadRequest,
	KindUnauthenticated:      http.StatusUnauthorized,
}

// DomainError standardizes application errors.
type DomainError struct {
	Kind       Kind
	Code       string
	Reason     string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Transient  bool
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches any DomainError of the same kind, so sentinels work with errors.Is.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound             = &DomainError{Kind: KindNotFound}
	ErrConflict             = &DomainError{Kind: KindConflict}
	ErrDuplicateTicket      = &DomainError{Kind: KindConflict, Reason: ReasonOpenTicketExists}
	ErrInvalidTransition    = &DomainError{Kind: KindInvalidTransition}
	ErrInvalidState         = &DomainError{Kind: KindInvalidState}
	ErrAlreadyPresent       = &DomainError{Kind: KindAlreadyPresent}
	ErrNotPresent           = &DomainError{Kind: KindNotPresent}
	ErrUnauthorized         = &DomainError{Kind: KindUnauthorized}
	ErrConfirmationRequired = &DomainError{Kind: KindConfirmationRequired}
	ErrOverloaded           = &DomainError{Kind: KindOverloaded}
	ErrTimeout              = &DomainError{Kind: KindTimeout}
	ErrBackend              = &DomainError{Kind: KindBackend}
)

// New constructs a DomainError of the given kind.
func New(kind Kind, message string, details map[string]any) *DomainError {
	return &DomainError{
		Kind:       kind,
		Code:       string(kind),
		Message:    message,
		HTTPStatus: statusFor(kind),
		Details:    details,
	}
}

// WithReason returns a copy of e tagged with reason.
func (e *DomainError) WithReason(reason string) *DomainError {
	clone := *e
	clone.Reason = reason
	return &clone
}

// Wrap returns a copy of e wrapping cause.
func (e *DomainError) Wrap(cause error) *DomainError {
	clone := *e
	clone.Err = cause
	return &clone
}

func NewValidationError(message string, details map[string]any) error {
	return New(KindValidation, message, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return New(KindNotFound, fmt.Sprintf("%s not found", resource), details)
}

func NewUnauthenticated(message string) error {
	return New(KindUnauthenticated, message, nil)
}

func NewUnauthorized(message string) error {
	return New(KindUnauthorized, message, nil)
}

func NewConflict(reason, message string, details map[string]any) error {
	return New(KindConflict, message, details).WithReason(reason)
}

func NewInvalidTransition(message string, details map[string]any) error {
	return New(KindInvalidTransition, message, details)
}

func NewInvalidState(message string, details map[string]any) error {
	return New(KindInvalidState, message, details)
}

func NewAlreadyPresent(message string, details map[string]any) error {
	return New(KindAlreadyPresent, message, details)
}

func NewNotPresent(message string, details map[string]any) error {
	return New(KindNotPresent, message, details)
}

// NewConfirmationRequired signals that the caller must re-invoke with token.
func NewConfirmationRequired(message, token string) error {
	return New(KindConfirmationRequired, message, map[string]any{"confirmation_token": token})
}

func NewOverloaded(message string) error {
	return New(KindOverloaded, message, nil)
}

func NewTimeout(err error) error {
	return New(KindTimeout, "operation timed out", nil).Wrap(err)
}

// NewBackendError wraps a backend failure. Transient failures are retried by
// the persistence facade.
func NewBackendError(op string, err error, transient bool) error {
	de := New(KindBackend, fmt.Sprintf("%s failed", op), nil).Wrap(err)
	de.Transient = transient
	return de
}

// Tag returns err as a DomainError carrying reason.
func Tag(err error, reason string) error {
	if err == nil {
		return nil
	}
	return ToDomainError(err).WithReason(reason)
}

func NewInternalError(err error) error {
	return New(KindBackend, "internal server error", nil).Wrap(err)
}

// FromContext converts context errors into Timeout; it returns nil otherwise.
func FromContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewTimeout(err)
	}
	return nil
}

// KindOf reports the taxonomy kind of err, KindBackend for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindBackend
}

// ReasonOf returns the reason sub-code of err, if any.
func ReasonOf(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Reason
	}
	return ""
}

// IsTransient reports whether err is a retryable backend failure.
func IsTransient(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Kind == KindBackend && domainErr.Transient
	}
	return false
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		if domainErr.HTTPStatus == 0 {
			clone := *domainErr
			clone.HTTPStatus = statusFor(clone.Kind)
			if clone.Code == "" {
				clone.Code = string(clone.Kind)
			}
			if clone.Message == "" {
				clone.Message = string(clone.Kind)
			}
			return &clone
		}
		return domainErr
	}
	if ctxErr := FromContext(err); ctxErr != nil {
		errors.As(ctxErr, &domainErr)
		return domainErr
	}
	errors.As(NewInternalError(err), &domainErr)
	return domainErr
}

func MapError(err error) error {
	if err == nil {
		return nil
	}
	return ToDomainError(err)
}

func statusFor(kind Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}
