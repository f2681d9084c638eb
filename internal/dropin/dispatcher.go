package dropin

import (
	"strconv"
	"strings"

	"github.com/hanko-field/dropin/internal/domain"
)

// Flow parameter keys shared with the client-action launchers.
const (
	ParamAmount                      = "amount"
	ParamCurrency                    = "currency"
	ParamDisplayName                 = "display_name"
	ParamBillingAgreementDescription = "billing_agreement_description"
	ParamVault                       = "vault"
	ParamTotalPrice                  = "total_price"
	ParamEnvironment                 = "environment"
	ParamMerchantID                  = "merchant_id"
	ParamCardNetworks                = "card_networks"
	ParamCustomerID                  = "customer_id"
)

// BuildFlowRequest routes a selection to exactly one external flow. It is pure; the orchestrator
// launches the returned request.
func BuildFlowRequest(state State, sel domain.SelectionRequest, actionID string) (FlowRequest, error) {
	if state.Configuration == nil {
		return FlowRequest{}, ErrNotReady
	}
	cfg := *state.Configuration
	req := state.Request
	flow := FlowRequest{
		SessionID: state.SessionID,
		ActionID:  actionID,
		Params:    map[string]string{},
	}
	amount := strings.TrimSpace(sel.Amount)

	switch sel.Kind {
	case domain.KindPayPal:
		paypal := domain.PayPalRequest{}
		if req.PayPal != nil {
			paypal = *req.PayPal
		}
		if amount == "" {
			amount = strings.TrimSpace(paypal.Amount)
		}
		if amount != "" {
			flow.Type = domain.ActionPayPalOneTimePayment
			flow.Params[ParamAmount] = amount
			flow.Params[ParamCurrency] = firstNonEmpty(paypal.Currency, req.Currency)
		} else {
			flow.Type = domain.ActionPayPalBillingAgreement
			setIfNotEmpty(flow.Params, ParamBillingAgreementDescription, paypal.BillingAgreementDescription)
		}
		setIfNotEmpty(flow.Params, ParamDisplayName, paypal.DisplayName)
	case domain.KindVenmo:
		flow.Type = domain.ActionVenmoAuthorizeAccount
		flow.Params[ParamVault] = strconv.FormatBool(req.VaultVenmo && state.Authorization.CanListVaultedMethods())
	case domain.KindGooglePay:
		wallet := domain.GooglePayRequest{}
		if req.GooglePay != nil {
			wallet = *req.GooglePay
		}
		flow.Type = domain.ActionGooglePayRequestPayment
		flow.Params[ParamTotalPrice] = firstNonEmpty(wallet.TotalPrice, amount, req.Amount)
		flow.Params[ParamCurrency] = firstNonEmpty(wallet.Currency, req.Currency)
		flow.Params[ParamEnvironment] = firstNonEmpty(wallet.Environment, cfg.GooglePay.Environment)
		setIfNotEmpty(flow.Params, ParamMerchantID, firstNonEmpty(wallet.MerchantID, cfg.GooglePay.MerchantID))
	case domain.KindCard, domain.KindUnknown:
		flow.Type = domain.ActionCardEntry
		networks := SupportedCardNetworks(cfg)
		names := make([]string, 0, len(networks))
		for _, network := range networks {
			names = append(names, string(network))
		}
		flow.Params[ParamCardNetworks] = strings.Join(names, ",")
		flow.Params[ParamVault] = strconv.FormatBool(cardVaultDefault(sel.VaultPreference, req, state.Authorization))
		setIfNotEmpty(flow.Params, ParamAmount, firstNonEmpty(amount, req.Amount))
	default:
		return FlowRequest{}, ErrUnsupportedMethod
	}
	return flow, nil
}

// VaultManagerRequest builds the flow request for the vault manager screen.
func VaultManagerRequest(state State, actionID string) FlowRequest {
	return FlowRequest{
		SessionID: state.SessionID,
		ActionID:  actionID,
		Type:      domain.ActionVaultManager,
		Params: map[string]string{
			ParamCustomerID: state.Authorization.CustomerID,
		},
	}
}

func cardVaultDefault(pref domain.VaultPreference, req domain.DropInRequest, auth domain.AuthorizationContext) bool {
	if !auth.CanListVaultedMethods() {
		return false
	}
	switch pref {
	case domain.VaultPreferenceVault:
		return true
	case domain.VaultPreferenceSkip:
		return false
	default:
		return req.VaultCardDefault
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func setIfNotEmpty(params map[string]string, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		params[key] = value
	}
}
