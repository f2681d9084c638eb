package services

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/dropin"
	"github.com/hanko-field/dropin/internal/payments"
	"github.com/hanko-field/dropin/internal/platform/textutil"
)

const (
	maxNonceLength      = 256
	maxDeviceDataLength = 4096
	maxDisplayLength    = 80
	maxPayPalNameLength = 127
	maxAgreementLength  = 255
	maxCallbackMethods  = 50
)

var amountPattern = regexp.MustCompile(`^\d{1,12}(\.\d{1,3})?$`)

func normalizeAmount(raw string) (string, error) {
	amount := strings.TrimSpace(raw)
	if amount == "" {
		return "", nil
	}
	if !amountPattern.MatchString(amount) {
		return "", fmt.Errorf("%w: amount %q must be a non-negative decimal", ErrInvalidInput, raw)
	}
	return amount, nil
}

func normalizeOptionalCurrency(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	code, err := payments.NormalizeCurrency(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return code, nil
}

// normalizeRequest validates amounts and currencies and strips markup from merchant display text.
func normalizeRequest(req domain.DropInRequest) (domain.DropInRequest, error) {
	var err error
	if req.Amount, err = normalizeAmount(req.Amount); err != nil {
		return domain.DropInRequest{}, err
	}
	if req.Currency, err = normalizeOptionalCurrency(req.Currency); err != nil {
		return domain.DropInRequest{}, err
	}
	if req.ThreeDSecure != nil {
		tds := *req.ThreeDSecure
		if tds.Amount, err = normalizeAmount(tds.Amount); err != nil {
			return domain.DropInRequest{}, err
		}
		req.ThreeDSecure = &tds
	}
	if req.PayPal != nil {
		pp := *req.PayPal
		if pp.Amount, err = normalizeAmount(pp.Amount); err != nil {
			return domain.DropInRequest{}, err
		}
		if pp.Currency, err = normalizeOptionalCurrency(pp.Currency); err != nil {
			return domain.DropInRequest{}, err
		}
		pp.DisplayName = textutil.PlainText(pp.DisplayName, maxPayPalNameLength)
		pp.BillingAgreementDescription = textutil.PlainText(pp.BillingAgreementDescription, maxAgreementLength)
		req.PayPal = &pp
	}
	if req.GooglePay != nil {
		gp := *req.GooglePay
		if gp.TotalPrice, err = normalizeAmount(gp.TotalPrice); err != nil {
			return domain.DropInRequest{}, err
		}
		if gp.Currency, err = normalizeOptionalCurrency(gp.Currency); err != nil {
			return domain.DropInRequest{}, err
		}
		gp.Environment = strings.ToUpper(strings.TrimSpace(gp.Environment))
		switch gp.Environment {
		case "", "TEST", "PRODUCTION":
		default:
			return domain.DropInRequest{}, fmt.Errorf("%w: unknown google pay environment %q", ErrInvalidInput, gp.Environment)
		}
		gp.MerchantID = strings.TrimSpace(gp.MerchantID)
		req.GooglePay = &gp
	}
	return req, nil
}

// callbackEvent turns a host callback into the orchestrator event it reports.
func callbackEvent(cmd CallbackCommand) (dropin.Event, error) {
	switch cmd.Type {
	case CallbackNonceCreated, CallbackCardEntrySucceeded, CallbackStepUpSucceeded:
		method, err := callbackMethod(cmd.Method)
		if err != nil {
			return nil, err
		}
		deviceData := strings.TrimSpace(cmd.DeviceData)
		if len(deviceData) > maxDeviceDataLength {
			return nil, fmt.Errorf("%w: device data is too long", ErrInvalidInput)
		}
		switch cmd.Type {
		case CallbackNonceCreated:
			return dropin.NonceCreated{Method: method, DeviceData: deviceData}, nil
		case CallbackCardEntrySucceeded:
			return dropin.CardEntrySucceeded{Method: method, DeviceData: deviceData}, nil
		default:
			return dropin.StepUpSucceeded{ActionID: strings.TrimSpace(cmd.ActionID), Method: method}, nil
		}
	case CallbackFlowCancelled:
		return dropin.FlowCancelled{}, nil
	case CallbackFlowFailed:
		return dropin.FlowFailed{Err: callbackError(cmd.Error)}, nil
	case CallbackStepUpFailed:
		return dropin.StepUpFailed{ActionID: strings.TrimSpace(cmd.ActionID), Err: callbackError(cmd.Error)}, nil
	case CallbackStepUpCancelled:
		return dropin.StepUpCancelled{ActionID: strings.TrimSpace(cmd.ActionID)}, nil
	case CallbackCardEntryCancelled:
		return dropin.CardEntryCancelled{}, nil
	case CallbackCardEntryFailed:
		return dropin.CardEntryFailed{Err: callbackError(cmd.Error)}, nil
	case CallbackVaultManagerClosed:
		if len(cmd.Methods) > maxCallbackMethods {
			return nil, fmt.Errorf("%w: too many vaulted methods", ErrInvalidInput)
		}
		methods := make([]domain.PaymentMethodDescriptor, 0, len(cmd.Methods))
		for i := range cmd.Methods {
			method, err := callbackMethod(&cmd.Methods[i])
			if err != nil {
				return nil, err
			}
			methods = append(methods, method)
		}
		return dropin.VaultManagerClosed{Methods: methods}, nil
	case CallbackWalletReadiness:
		probe := strings.TrimSpace(cmd.ProbeID)
		if probe == "" {
			return nil, fmt.Errorf("%w: probe id is required", ErrInvalidInput)
		}
		return dropin.WalletReadinessResolved{ProbeID: probe, Ready: cmd.Ready}, nil
	default:
		return nil, fmt.Errorf("%w: unknown callback type %q", ErrInvalidInput, cmd.Type)
	}
}

func callbackMethod(method *domain.PaymentMethodDescriptor) (domain.PaymentMethodDescriptor, error) {
	if method == nil {
		return domain.PaymentMethodDescriptor{}, fmt.Errorf("%w: payment method is required", ErrInvalidInput)
	}
	kind, ok := domain.ParsePaymentMethodKind(string(method.Kind))
	if !ok || kind == domain.KindUnknown {
		return domain.PaymentMethodDescriptor{}, fmt.Errorf("%w: unknown payment method kind %q", ErrInvalidInput, method.Kind)
	}
	nonce := strings.TrimSpace(method.Nonce)
	if nonce == "" || len(nonce) > maxNonceLength {
		return domain.PaymentMethodDescriptor{}, fmt.Errorf("%w: payment method nonce is invalid", ErrInvalidInput)
	}
	out := *method
	out.Kind = kind
	out.Nonce = nonce
	out.Display = domain.DisplayMetadata{
		Title:       textutil.PlainText(method.Display.Title, maxDisplayLength),
		Description: textutil.PlainText(method.Display.Description, maxDisplayLength),
		Network:     textutil.PlainText(method.Display.Network, maxDisplayLength),
		LastFour:    textutil.PlainText(method.Display.LastFour, 4),
		Email:       textutil.PlainText(method.Display.Email, maxDisplayLength),
		Username:    textutil.PlainText(method.Display.Username, maxDisplayLength),
	}
	return out, nil
}

func callbackError(cerr *CallbackError) error {
	if cerr == nil {
		return domain.NewFlowError(domain.ErrorUnclassified, "client_error", errors.New("flow failed"))
	}
	kind := cerr.Kind
	switch kind {
	case domain.ErrorAuthenticationFailure, domain.ErrorAuthorizationFailure, domain.ErrorUpgradeRequired,
		domain.ErrorConfigurationInvalid, domain.ErrorServerFailure, domain.ErrorServiceUnavailable:
	default:
		kind = domain.ErrorUnclassified
	}
	message := textutil.PlainText(cerr.Message, 200)
	if message == "" {
		message = "flow failed"
	}
	return domain.NewFlowError(kind, textutil.PlainText(cerr.Code, 64), errors.New(message))
}
