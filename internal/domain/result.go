package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the shared error taxonomy every flow failure is classified into.
type ErrorKind string

const (
	ErrorAuthenticationFailure ErrorKind = "authentication_failure"
	ErrorAuthorizationFailure  ErrorKind = "authorization_failure"
	ErrorUpgradeRequired       ErrorKind = "upgrade_required"
	ErrorConfigurationInvalid  ErrorKind = "configuration_invalid"
	ErrorServerFailure         ErrorKind = "server_failure"
	ErrorServiceUnavailable    ErrorKind = "service_unavailable"
	ErrorUnclassified          ErrorKind = "unclassified"
)

// FlowError is a classified failure. Cause keeps the original error for in-process introspection;
// it is not serialised.
type FlowError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

// NewFlowError wraps cause with the supplied classification.
func NewFlowError(kind ErrorKind, code string, cause error) *FlowError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &FlowError{Kind: kind, Code: strings.TrimSpace(code), Message: msg, Cause: cause}
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the original error.
func (e *FlowError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ErrorKindOf returns the classification carried by err, or ErrorUnclassified.
func ErrorKindOf(err error) ErrorKind {
	var flowErr *FlowError
	if errors.As(err, &flowErr) && flowErr != nil && flowErr.Kind != "" {
		return flowErr.Kind
	}
	return ErrorUnclassified
}

// Outcome enumerates the terminal outcomes of a session.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// SessionResult is the single terminal artifact of a session. Only the constructors below build
// valid values, so exactly one of Method or Error is populated for success and failure.
type SessionResult struct {
	Outcome    Outcome                  `json:"outcome"`
	Method     *PaymentMethodDescriptor `json:"method,omitempty"`
	DeviceData string                   `json:"deviceData,omitempty"`
	Error      *FlowError               `json:"error,omitempty"`
}

// SuccessResult builds a success outcome.
func SuccessResult(method PaymentMethodDescriptor, deviceData string) SessionResult {
	m := method
	return SessionResult{Outcome: OutcomeSuccess, Method: &m, DeviceData: deviceData}
}

// CancelledResult builds a cancellation outcome.
func CancelledResult() SessionResult {
	return SessionResult{Outcome: OutcomeCancelled}
}

// FailedResult builds a failure outcome carrying the classified error verbatim.
func FailedResult(err *FlowError) SessionResult {
	if err == nil {
		err = &FlowError{Kind: ErrorUnclassified, Message: "unknown error"}
	}
	return SessionResult{Outcome: OutcomeFailed, Error: err}
}

// VaultedMethodSet is an ordered sequence of descriptors unique by nonce. The zero value is empty.
// Sets are immutable; callers swap in a new set rather than editing one.
type VaultedMethodSet struct {
	methods []PaymentMethodDescriptor
}

// NewVaultedMethodSet builds a set in vault order, dropping blank and duplicate nonces.
func NewVaultedMethodSet(methods []PaymentMethodDescriptor) VaultedMethodSet {
	if len(methods) == 0 {
		return VaultedMethodSet{}
	}
	seen := make(map[string]struct{}, len(methods))
	out := make([]PaymentMethodDescriptor, 0, len(methods))
	for _, method := range methods {
		nonce := strings.TrimSpace(method.Nonce)
		if nonce == "" {
			continue
		}
		if _, ok := seen[nonce]; ok {
			continue
		}
		seen[nonce] = struct{}{}
		out = append(out, method)
	}
	return VaultedMethodSet{methods: out}
}

// Methods returns a copy of the descriptors in vault order.
func (s VaultedMethodSet) Methods() []PaymentMethodDescriptor {
	if len(s.methods) == 0 {
		return []PaymentMethodDescriptor{}
	}
	out := make([]PaymentMethodDescriptor, len(s.methods))
	copy(out, s.methods)
	return out
}

// Len reports the number of methods.
func (s VaultedMethodSet) Len() int { return len(s.methods) }

// Find returns the descriptor registered under nonce.
func (s VaultedMethodSet) Find(nonce string) (PaymentMethodDescriptor, bool) {
	nonce = strings.TrimSpace(nonce)
	for _, method := range s.methods {
		if method.Nonce == nonce {
			return method, true
		}
	}
	return PaymentMethodDescriptor{}, false
}
