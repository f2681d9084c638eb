package payments

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"golang.org/x/text/currency"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/dropin"
	"github.com/hanko-field/dropin/internal/platform/textutil"
)

// ErrInvalidCurrency indicates an amount was given in something other than an ISO-4217 code.
var ErrInvalidCurrency = errors.New("payments: invalid currency")

// LauncherConfig configures the client action launcher.
type LauncherConfig struct {
	// BrowserSwitchURL is the base URL the host opens for PayPal and Venmo approval.
	BrowserSwitchURL string
	Logger           Logger
}

// ClientActionLauncher turns flow requests into client actions the host performs out of band.
type ClientActionLauncher struct {
	browserSwitch *url.URL
	logger        Logger
}

// NewClientActionLauncher constructs a launcher.
func NewClientActionLauncher(cfg LauncherConfig) (*ClientActionLauncher, error) {
	launcher := &ClientActionLauncher{logger: cfg.Logger}
	if launcher.logger == nil {
		launcher.logger = func(context.Context, string, map[string]any) {}
	}
	if raw := strings.TrimSpace(cfg.BrowserSwitchURL); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, errors.New("payments: browser switch url must be absolute")
		}
		launcher.browserSwitch = parsed
	}
	return launcher, nil
}

// Launch validates the flow parameters and builds its client action.
func (l *ClientActionLauncher) Launch(ctx context.Context, req dropin.FlowRequest) (domain.ClientAction, error) {
	params := textutil.NormalizeStringMap(req.Params)
	if code, ok := params[dropin.ParamCurrency]; ok {
		normalized, err := NormalizeCurrency(code)
		if err != nil {
			return domain.ClientAction{}, err
		}
		params[dropin.ParamCurrency] = normalized
	}

	action := domain.ClientAction{
		ID:     req.ActionID,
		Type:   req.Type,
		Params: params,
	}
	if requiresBrowserSwitch(req.Type) && l.browserSwitch != nil {
		action.URL = l.switchURL(req)
	}
	l.logger(ctx, "payments.flow.launched", map[string]any{
		"actionId": req.ActionID,
		"type":     string(req.Type),
	})
	return action, nil
}

func (l *ClientActionLauncher) switchURL(req dropin.FlowRequest) string {
	target := *l.browserSwitch
	target.Path = strings.TrimRight(target.Path, "/") + "/" + strings.ReplaceAll(string(req.Type), ".", "/")
	query := target.Query()
	query.Set("session", req.SessionID)
	query.Set("action", req.ActionID)
	target.RawQuery = query.Encode()
	return target.String()
}

func requiresBrowserSwitch(t domain.ActionType) bool {
	switch t {
	case domain.ActionPayPalOneTimePayment, domain.ActionPayPalBillingAgreement, domain.ActionVenmoAuthorizeAccount:
		return true
	default:
		return false
	}
}

// NormalizeCurrency upper-cases code and checks it is a recognised ISO-4217 currency.
func NormalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return "", &GatewayError{
			Op:      "payments.currency",
			Code:    "invalid_currency",
			Message: "unsupported currency " + strings.TrimSpace(code),
			Kind:    domain.ErrorConfigurationInvalid,
			Err:     ErrInvalidCurrency,
		}
	}
	return unit.String(), nil
}
