package dropin

import (
	"context"
	"errors"

	"github.com/hanko-field/dropin/internal/domain"
)

var (
	// ErrSessionClosed indicates the session already produced its result.
	ErrSessionClosed = errors.New("dropin: session closed")
	// ErrNotReady indicates the configuration has not loaded yet.
	ErrNotReady = errors.New("dropin: session not ready")
	// ErrFlowInProgress indicates another flow owns the session.
	ErrFlowInProgress = errors.New("dropin: flow in progress")
	// ErrUnsupportedMethod indicates the selected kind is not offered in this session.
	ErrUnsupportedMethod = errors.New("dropin: unsupported payment method")
	// ErrUnknownVaultedMethod indicates the nonce is not in the available vaulted set.
	ErrUnknownVaultedMethod = errors.New("dropin: unknown vaulted payment method")
	// ErrVaultManagerUnavailable indicates the credential or request does not allow vault management.
	ErrVaultManagerUnavailable = errors.New("dropin: vault manager unavailable")
)

// classifiedError is implemented by collaborator errors that know their taxonomy kind.
type classifiedError interface {
	error
	ErrorKind() domain.ErrorKind
}

// Classify maps err onto the shared error taxonomy, keeping err as the cause.
func Classify(err error) *domain.FlowError {
	if err == nil {
		return nil
	}
	var flowErr *domain.FlowError
	if errors.As(err, &flowErr) && flowErr != nil && flowErr.Kind != "" {
		return flowErr
	}
	var classified classifiedError
	if errors.As(err, &classified) {
		code := ""
		if coded, ok := classified.(interface{ ErrorCode() string }); ok {
			code = coded.ErrorCode()
		}
		return domain.NewFlowError(classified.ErrorKind(), code, err)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewFlowError(domain.ErrorServiceUnavailable, "timeout", err)
	case errors.Is(err, context.Canceled):
		return domain.NewFlowError(domain.ErrorServiceUnavailable, "canceled", err)
	}
	return domain.NewFlowError(domain.ErrorUnclassified, "", err)
}

// classifyConfigurationError treats unclassified configuration fetch failures as invalid configuration.
func classifyConfigurationError(err error) *domain.FlowError {
	flowErr := Classify(err)
	if flowErr != nil && flowErr.Kind == domain.ErrorUnclassified {
		return domain.NewFlowError(domain.ErrorConfigurationInvalid, flowErr.Code, err)
	}
	return flowErr
}
