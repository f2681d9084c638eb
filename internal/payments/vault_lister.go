package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/platform/textutil"
)

const (
	displayLimit = 80

	metadataKind = "dropin_kind"
)

// StripeVaultLister lists a customer's saved Stripe payment methods as Drop-In descriptors.
type StripeVaultLister struct {
	stripeBase
}

// NewStripeVaultLister constructs a vault lister.
func NewStripeVaultLister(cfg StripeConfig) (*StripeVaultLister, error) {
	base, err := newStripeBase(cfg)
	if err != nil {
		return nil, err
	}
	if base.api.PaymentMethods == nil || base.api.Customers == nil {
		return nil, fmt.Errorf("stripe: incomplete client configuration for vault lister")
	}
	return &StripeVaultLister{stripeBase: base}, nil
}

// ListVaultedMethods returns the customer's methods with the customer's default first.
func (l *StripeVaultLister) ListVaultedMethods(ctx context.Context, auth domain.AuthorizationContext) ([]domain.PaymentMethodDescriptor, error) {
	if !auth.CanListVaultedMethods() {
		return nil, ErrMissingCustomer
	}
	customerID := strings.TrimSpace(auth.CustomerID)

	customerParams := &stripe.CustomerParams{}
	l.scope(ctx, &customerParams.Params)
	customer, err := l.api.Customers.Get(customerID, customerParams)
	if err != nil {
		return nil, ClassifyStripeError("stripe.customers.get", err)
	}
	defaultID := ""
	if customer != nil && customer.InvoiceSettings != nil && customer.InvoiceSettings.DefaultPaymentMethod != nil {
		defaultID = customer.InvoiceSettings.DefaultPaymentMethod.ID
	}

	params := &stripe.PaymentMethodListParams{Customer: stripe.String(customerID)}
	params.Context = ctx
	if l.account != "" {
		params.SetStripeAccount(l.account)
	}

	var defaults, rest []domain.PaymentMethodDescriptor
	iter := l.api.PaymentMethods.List(params)
	for iter.Next() {
		descriptor, ok := DescriptorFromPaymentMethod(iter.PaymentMethod())
		if !ok {
			continue
		}
		if descriptor.Nonce == defaultID {
			descriptor.IsDefault = true
			defaults = append(defaults, descriptor)
			continue
		}
		rest = append(rest, descriptor)
	}
	if err := iter.Err(); err != nil {
		return nil, ClassifyStripeError("stripe.payment_methods.list", err)
	}

	methods := append(defaults, rest...)
	l.logger(ctx, "payments.stripe.vault.listed", map[string]any{
		"customerId": customerID,
		"count":      len(methods),
	})
	return methods, nil
}

// DescriptorFromPaymentMethod maps a Stripe payment method onto a descriptor. Types Drop-In cannot
// present are reported as not ok.
func DescriptorFromPaymentMethod(pm *stripe.PaymentMethod) (domain.PaymentMethodDescriptor, bool) {
	if pm == nil || strings.TrimSpace(pm.ID) == "" {
		return domain.PaymentMethodDescriptor{}, false
	}
	descriptor := domain.PaymentMethodDescriptor{
		Nonce:           pm.ID,
		IsVaultEligible: pm.Customer != nil,
	}
	if pm.BillingDetails != nil {
		descriptor.Display.Email = textutil.PlainText(pm.BillingDetails.Email, displayLimit)
	}

	switch pm.Type {
	case stripe.PaymentMethodTypeCard:
		if pm.Card == nil {
			return domain.PaymentMethodDescriptor{}, false
		}
		descriptor.Kind = domain.KindCard
		if pm.Card.Wallet != nil && pm.Card.Wallet.Type == stripe.PaymentMethodCardWalletTypeGooglePay {
			descriptor.Kind = domain.KindGooglePay
			descriptor.IsNetworkTokenized = pm.Card.Wallet.DynamicLast4 != ""
		}
		network := cardNetwork(pm.Card.Brand)
		descriptor.Display.Network = string(network)
		descriptor.Display.LastFour = textutil.PlainText(pm.Card.Last4, 4)
		descriptor.Display.Title = textutil.PlainText(cardTitle(network), displayLimit)
		if descriptor.Display.LastFour != "" {
			descriptor.Display.Description = "ending in " + descriptor.Display.LastFour
		}
	case stripe.PaymentMethodTypePaypal:
		descriptor.Kind = domain.KindPayPal
		descriptor.Display.Title = "PayPal"
		if pm.Paypal != nil && pm.Paypal.PayerEmail != "" {
			descriptor.Display.Email = textutil.PlainText(pm.Paypal.PayerEmail, displayLimit)
		}
		descriptor.Display.Description = descriptor.Display.Email
	default:
		return domain.PaymentMethodDescriptor{}, false
	}

	if kind, ok := domain.ParsePaymentMethodKind(pm.Metadata[metadataKind]); ok && kind == domain.KindVenmo {
		descriptor.Kind = domain.KindVenmo
		descriptor.Display.Title = "Venmo"
		descriptor.Display.Username = textutil.PlainText(pm.Metadata["venmo_username"], displayLimit)
		descriptor.Display.Description = descriptor.Display.Username
	}
	return descriptor, true
}

func cardNetwork(brand stripe.PaymentMethodCardBrand) domain.CardNetwork {
	switch brand {
	case stripe.PaymentMethodCardBrandVisa:
		return domain.CardNetworkVisa
	case stripe.PaymentMethodCardBrandMastercard:
		return domain.CardNetworkMastercard
	case stripe.PaymentMethodCardBrandAmex:
		return domain.CardNetworkAmex
	case stripe.PaymentMethodCardBrandDiscover:
		return domain.CardNetworkDiscover
	case stripe.PaymentMethodCardBrandJCB:
		return domain.CardNetworkJCB
	case stripe.PaymentMethodCardBrandDiners:
		return domain.CardNetworkDiners
	case stripe.PaymentMethodCardBrandUnionpay:
		return domain.CardNetworkUnionPay
	default:
		return domain.CardNetwork(strings.ToLower(string(brand)))
	}
}

func cardTitle(network domain.CardNetwork) string {
	switch network {
	case domain.CardNetworkVisa:
		return "Visa"
	case domain.CardNetworkMastercard:
		return "Mastercard"
	case domain.CardNetworkAmex:
		return "American Express"
	case domain.CardNetworkDiscover:
		return "Discover"
	case domain.CardNetworkJCB:
		return "JCB"
	case domain.CardNetworkDiners:
		return "Diners Club"
	case domain.CardNetworkUnionPay:
		return "UnionPay"
	case "":
		return "Card"
	default:
		return strings.ToUpper(string(network[:1])) + string(network[1:])
	}
}
