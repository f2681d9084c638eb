package dropin

import (
	"strings"

	"github.com/hanko-field/dropin/internal/domain"
)

// StepUpEligible reports whether a freshly produced nonce may be challenged. Cards are eligible;
// Google Pay cards are eligible unless the wallet already network-tokenised them.
func StepUpEligible(method domain.PaymentMethodDescriptor) bool {
	switch method.Kind {
	case domain.KindCard:
		return true
	case domain.KindGooglePay:
		return !method.IsNetworkTokenized
	default:
		return false
	}
}

// StepUpRequested reports whether the merchant asked for, and the gateway supports, step-up.
func StepUpRequested(req domain.DropInRequest, cfg *domain.ConfigurationSnapshot) bool {
	return req.RequestThreeDSecure && cfg != nil && cfg.ThreeDSecureEnabled
}

// ShouldStepUp applies the step-up policy: eligible nonce, merchant request and no attempt yet in
// this result cycle.
func ShouldStepUp(method domain.PaymentMethodDescriptor, req domain.DropInRequest, cfg *domain.ConfigurationSnapshot, ctx domain.StepUpContext) bool {
	return StepUpEligible(method) && StepUpRequested(req, cfg) && !ctx.InProgress
}

// ResolveStepUpAmount picks the step-up amount: explicit step-up amount, then the checkout amount.
// An empty result means the gateway decides.
func ResolveStepUpAmount(req domain.DropInRequest) string {
	if req.ThreeDSecure != nil {
		if amount := strings.TrimSpace(req.ThreeDSecure.Amount); amount != "" {
			return amount
		}
	}
	return strings.TrimSpace(req.Amount)
}

// BeginStepUp marks the cycle as in progress for method and builds the flow request.
func BeginStepUp(state State, method domain.PaymentMethodDescriptor, actionID string) (domain.StepUpContext, ThreeDSecureRequest) {
	amount := ResolveStepUpAmount(state.Request)
	challenge := false
	if state.Request.ThreeDSecure != nil {
		challenge = state.Request.ThreeDSecure.ChallengeRequested
	}
	stepUp := domain.StepUpContext{
		InProgress:      true,
		TargetNonce:     method.Nonce,
		RequestedAmount: amount,
	}
	return stepUp, ThreeDSecureRequest{
		SessionID:          state.SessionID,
		ActionID:           actionID,
		Nonce:              method.Nonce,
		Amount:             amount,
		Currency:           state.Request.Currency,
		ChallengeRequested: challenge,
		Authorization:      state.Authorization,
	}
}
