package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	Validation             Kind = "validation"
	InsufficientFunds      Kind = "insufficient_funds"
	InvalidStateTransition Kind = "invalid_state_transition"
	Gateway                Kind = "gateway_error"
	GatewayUnavailable     Kind = "gateway_unavailable"
	WebhookVerification    Kind = "webhook_verification"
	NotFound               Kind = "not_found"
	Conflict               Kind = "conflict"
	Internal               Kind = "internal"
)

// Webhook verification reasons.
const (
	ReasonMissingSignature = "missing_signature"
	ReasonInvalidSignature = "invalid_signature"
	ReasonExpiredTimestamp = "expired_timestamp"
)

// Error is the single error type crossing package boundaries in the checkout core.
// Message is safe to show to end users; Err carries the internal cause.
type Error struct {
	Kind    Kind              `json:"kind"`
	Message string            `json:"message"`
	Code    string            `json:"code,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`

	// InsufficientFunds
	Required  int64 `json:"required,omitempty"`
	Available int64 `json:"available,omitempty"`

	// InvalidStateTransition
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Gateway / GatewayUnavailable
	Provider   string `json:"provider,omitempty"`
	StatusCode int    `json:"-"`
	Raw        []byte `json:"-"`

	Err error `json:"-"`
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the whole operation may be retried with the same idempotency key.
func (e *Error) Retryable() bool {
	return e.Kind == GatewayUnavailable || e.Kind == Conflict
}

func ValidationErr(message string, fields map[string]string) *Error {
	return &Error{Kind: Validation, Message: message, Fields: fields}
}

func InsufficientFundsErr(required, available int64) *Error {
	return &Error{
		Kind:      InsufficientFunds,
		Message:   fmt.Sprintf("insufficient funds: required %d, available %d", required, available),
		Required:  required,
		Available: available,
	}
}

func InvalidTransitionErr(from, to string) *Error {
	return &Error{
		Kind:    InvalidStateTransition,
		Message: fmt.Sprintf("cannot transition payment from %s to %s", from, to),
		From:    from,
		To:      to,
	}
}

// GatewayErr describes a business rejection returned by a provider (4xx/5xx with a reason).
func GatewayErr(provider string, status int, code, message string, raw []byte) *Error {
	if message == "" {
		message = "payment provider rejected the request"
	}
	return &Error{
		Kind:       Gateway,
		Message:    message,
		Code:       code,
		Provider:   provider,
		StatusCode: status,
		Raw:        raw,
	}
}

func UnavailableErr(provider string, err error) *Error {
	return &Error{
		Kind:     GatewayUnavailable,
		Message:  "payment provider is unavailable, try again",
		Provider: provider,
		Err:      err,
	}
}

func VerificationErr(reason string) *Error {
	return &Error{Kind: WebhookVerification, Message: "webhook signature rejected", Code: reason}
}

func NotFoundErr(message string) *Error {
	return &Error{Kind: NotFound, Message: message}
}

func ConflictErr(message string) *Error {
	return &Error{Kind: Conflict, Message: message}
}

// Wrap turns an unclassified error into an Internal error without a public message.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := As(err); ok {
		return ae
	}
	return &Error{Kind: Internal, Message: "unexpected error", Err: err}
}

func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	ae, ok := As(err)
	return ok && ae.Kind == kind
}

func HTTPStatus(err error) int {
	ae, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case Validation:
		return http.StatusBadRequest
	case InsufficientFunds:
		return http.StatusPaymentRequired
	case InvalidStateTransition, Conflict:
		return http.StatusConflict
	case Gateway:
		return http.StatusUnprocessableEntity
	case GatewayUnavailable:
		return http.StatusServiceUnavailable
	case WebhookVerification:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
