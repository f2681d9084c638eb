package dropin

import (
	"github.com/hanko-field/dropin/internal/domain"
)

// methodPriority is the fixed presentation order of the selection sheet.
var methodPriority = []domain.PaymentMethodKind{
	domain.KindPayPal,
	domain.KindVenmo,
	domain.KindCard,
	domain.KindGooglePay,
}

// SupportedCardNetworks returns the gateway's card networks with UnionPay removed when the gateway
// has it disabled. Blank and repeated networks are dropped.
func SupportedCardNetworks(cfg domain.ConfigurationSnapshot) []domain.CardNetwork {
	seen := make(map[domain.CardNetwork]struct{}, len(cfg.Card.SupportedNetworks))
	networks := make([]domain.CardNetwork, 0, len(cfg.Card.SupportedNetworks))
	for _, network := range cfg.Card.SupportedNetworks {
		if network == "" {
			continue
		}
		if network == domain.CardNetworkUnionPay && !cfg.UnionPayEnabled {
			continue
		}
		if _, ok := seen[network]; ok {
			continue
		}
		seen[network] = struct{}{}
		networks = append(networks, network)
	}
	return networks
}

// ResolveSupportedMethods intersects the merchant request, gateway configuration and wallet
// readiness into the ordered list of selectable kinds. It has no side effects.
func ResolveSupportedMethods(cfg domain.ConfigurationSnapshot, req domain.DropInRequest, walletReady bool) []domain.PaymentMethodKind {
	methods := make([]domain.PaymentMethodKind, 0, len(methodPriority))
	for _, kind := range methodPriority {
		if kindEnabled(kind, cfg, req, walletReady) {
			methods = append(methods, kind)
		}
	}
	return methods
}

func kindEnabled(kind domain.PaymentMethodKind, cfg domain.ConfigurationSnapshot, req domain.DropInRequest, walletReady bool) bool {
	switch kind {
	case domain.KindPayPal:
		return req.PayPalEnabled() && cfg.PayPalEnabled
	case domain.KindVenmo:
		return req.VenmoEnabled() && cfg.VenmoEnabled
	case domain.KindCard:
		return req.CardEnabled() && len(SupportedCardNetworks(cfg)) > 0
	case domain.KindGooglePay:
		return googlePayConfigured(cfg, req) && walletReady
	default:
		return false
	}
}

func googlePayConfigured(cfg domain.ConfigurationSnapshot, req domain.DropInRequest) bool {
	return req.GooglePayEnabled() && cfg.GooglePay.Enabled
}

// AvailableVaultedMethods filters the vaulted set down to the rails this session can present.
// Vaulted Google Pay cards appear only while the wallet is ready.
func AvailableVaultedMethods(set domain.VaultedMethodSet, cfg domain.ConfigurationSnapshot, req domain.DropInRequest, walletReady bool) []domain.PaymentMethodDescriptor {
	methods := set.Methods()
	out := make([]domain.PaymentMethodDescriptor, 0, len(methods))
	for _, method := range methods {
		if kindEnabled(method.Kind, cfg, req, walletReady) {
			out = append(out, method)
		}
	}
	return out
}

// containsKind reports whether kinds includes kind.
func containsKind(kinds []domain.PaymentMethodKind, kind domain.PaymentMethodKind) bool {
	for _, candidate := range kinds {
		if candidate == kind {
			return true
		}
	}
	return false
}
