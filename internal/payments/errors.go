package payments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/stripe/stripe-go/v78"

	"github.com/hanko-field/dropin/internal/domain"
)

var (
	// ErrMissingCustomer is returned when a vault operation runs without a customer-bound credential.
	ErrMissingCustomer = errors.New("payments: customer id is required")
	// ErrMissingNonce is returned when a step-up is started without a payment method.
	ErrMissingNonce = errors.New("payments: payment method nonce is required")
	// ErrMissingSetupIntent is returned when a step-up action carries no setup intent to verify.
	ErrMissingSetupIntent = errors.New("payments: setup intent id is required")
	// ErrStepUpPending is returned when the customer has not finished the challenge yet.
	ErrStepUpPending = errors.New("payments: step-up still pending")
	// ErrStepUpMismatch is returned when a setup intent was created for another action.
	ErrStepUpMismatch = errors.New("payments: setup intent belongs to another action")
)

// GatewayError is a gateway failure carrying the classification the session uses to pick its exit
// signal.
type GatewayError struct {
	Op      string
	Status  int
	Code    string
	Message string
	Kind    domain.ErrorKind
	Err     error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s (%s): %s", e.Op, e.Kind, e.Code, msg)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorKind reports the classification.
func (e *GatewayError) ErrorKind() domain.ErrorKind { return e.Kind }

// ErrorCode reports the gateway code, falling back to the HTTP status.
func (e *GatewayError) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return strconv.Itoa(e.Status)
	}
	return ""
}

// ClassifyStripeError wraps err in a GatewayError. Context errors pass through unchanged.
func ClassifyStripeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return err
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := string(stripeErr.Code)
		if stripeErr.DeclineCode != "" {
			code = string(stripeErr.DeclineCode)
		}
		return &GatewayError{
			Op:      op,
			Status:  stripeErr.HTTPStatusCode,
			Code:    code,
			Message: stripeErr.Msg,
			Kind:    kindForStripe(stripeErr),
			Err:     err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &GatewayError{Op: op, Code: "network", Kind: domain.ErrorServiceUnavailable, Err: err}
	}
	return &GatewayError{Op: op, Kind: domain.ErrorUnclassified, Err: err}
}

func kindForStripe(err *stripe.Error) domain.ErrorKind {
	switch status := err.HTTPStatusCode; {
	case status == http.StatusUnauthorized:
		return domain.ErrorAuthenticationFailure
	case status == http.StatusForbidden:
		return domain.ErrorAuthorizationFailure
	case status == http.StatusUpgradeRequired:
		return domain.ErrorUpgradeRequired
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return domain.ErrorServiceUnavailable
	case status >= http.StatusInternalServerError:
		return domain.ErrorServerFailure
	}
	switch err.Type {
	case stripe.ErrorTypeInvalidRequest:
		return domain.ErrorConfigurationInvalid
	case stripe.ErrorTypeAPI:
		return domain.ErrorServerFailure
	default:
		return domain.ErrorUnclassified
	}
}
