package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/platform/httpx"
)

var (
	// ErrCredentialMissing signals that no authorization credential was supplied.
	ErrCredentialMissing = errors.New("auth: credential missing")
	// ErrCredentialInvalid signals a malformed, unknown or badly signed credential.
	ErrCredentialInvalid = errors.New("auth: credential invalid")
	// ErrCredentialExpired signals a client token past its expiry.
	ErrCredentialExpired = errors.New("auth: credential expired")
)

const defaultClientTokenTTL = 24 * time.Hour

// ClientTokenClaims are the claims of a customer-bound client token.
type ClientTokenClaims struct {
	MerchantID string `json:"merchant_id"`
	CustomerID string `json:"customer_id,omitempty"`
	jwt.RegisteredClaims
}

// AuthorizerConfig configures credential verification.
type AuthorizerConfig struct {
	// ClientTokenSecret signs HS256 client tokens. Client tokens are rejected when empty.
	ClientTokenSecret string
	Issuer            string
	// SessionTokens maps lower-cased merchant ids to their session token secret.
	SessionTokens map[string]string
	Clock         func() time.Time
}

// Authorizer resolves merchant credentials into an AuthorizationContext.
type Authorizer struct {
	secret        []byte
	issuer        string
	sessionTokens map[string]string
	clock         func() time.Time
}

// NewAuthorizer constructs an Authorizer.
func NewAuthorizer(cfg AuthorizerConfig) *Authorizer {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	tokens := make(map[string]string, len(cfg.SessionTokens))
	for merchant, token := range cfg.SessionTokens {
		merchant = strings.ToLower(strings.TrimSpace(merchant))
		token = strings.TrimSpace(token)
		if merchant == "" || token == "" {
			continue
		}
		tokens[merchant] = token
	}
	return &Authorizer{
		secret:        []byte(strings.TrimSpace(cfg.ClientTokenSecret)),
		issuer:        strings.TrimSpace(cfg.Issuer),
		sessionTokens: tokens,
		clock:         func() time.Time { return clock().UTC() },
	}
}

// Authorize verifies credential. A three-segment JWT is a client token; anything else must be a
// "merchantID:secret" session token.
func (a *Authorizer) Authorize(_ context.Context, credential string) (domain.AuthorizationContext, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return domain.AuthorizationContext{}, ErrCredentialMissing
	}
	if strings.Count(credential, ".") == 2 {
		return a.authorizeClientToken(credential)
	}
	return a.authorizeSessionToken(credential)
}

func (a *Authorizer) authorizeClientToken(raw string) (domain.AuthorizationContext, error) {
	if len(a.secret) == 0 {
		return domain.AuthorizationContext{}, fmt.Errorf("%w: client tokens are not accepted", ErrCredentialInvalid)
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	claims := &ClientTokenClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return domain.AuthorizationContext{}, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}

	now := a.clock()
	if claims.ExpiresAt == nil || !claims.VerifyExpiresAt(now, true) {
		return domain.AuthorizationContext{}, ErrCredentialExpired
	}
	if !claims.VerifyNotBefore(now, false) {
		return domain.AuthorizationContext{}, fmt.Errorf("%w: token not yet valid", ErrCredentialInvalid)
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return domain.AuthorizationContext{}, fmt.Errorf("%w: issuer mismatch", ErrCredentialInvalid)
	}
	merchantID := strings.TrimSpace(claims.MerchantID)
	if merchantID == "" {
		return domain.AuthorizationContext{}, fmt.Errorf("%w: merchant_id claim missing", ErrCredentialInvalid)
	}

	return domain.AuthorizationContext{
		Kind:       domain.AuthorizationClientToken,
		MerchantID: merchantID,
		CustomerID: strings.TrimSpace(claims.CustomerID),
		ExpiresAt:  claims.ExpiresAt.Time.UTC(),
	}, nil
}

func (a *Authorizer) authorizeSessionToken(raw string) (domain.AuthorizationContext, error) {
	merchantID, secret, ok := strings.Cut(raw, ":")
	merchantID = strings.TrimSpace(merchantID)
	if !ok || merchantID == "" || secret == "" {
		return domain.AuthorizationContext{}, fmt.Errorf("%w: malformed session token", ErrCredentialInvalid)
	}
	expected, known := a.sessionTokens[strings.ToLower(merchantID)]
	if !known || subtle.ConstantTimeCompare([]byte(expected), []byte(secret)) != 1 {
		return domain.AuthorizationContext{}, fmt.Errorf("%w: unknown session token", ErrCredentialInvalid)
	}
	return domain.AuthorizationContext{
		Kind:       domain.AuthorizationSessionToken,
		MerchantID: merchantID,
	}, nil
}

// IssueClientToken signs a client token for merchantID and customerID. It is used by merchant
// back-office tooling and tests.
func (a *Authorizer) IssueClientToken(merchantID, customerID string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth: client token secret not configured")
	}
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return "", errors.New("auth: merchant id is required")
	}
	if ttl <= 0 {
		ttl = defaultClientTokenTTL
	}
	now := a.clock()
	claims := ClientTokenClaims{
		MerchantID: merchantID,
		CustomerID: strings.TrimSpace(customerID),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

type authorizationContextKey struct{}

// WithAuthorization stores the resolved credential on the context.
func WithAuthorization(ctx context.Context, auth domain.AuthorizationContext) context.Context {
	return context.WithValue(ctx, authorizationContextKey{}, auth)
}

// AuthorizationFromContext retrieves the credential stored by RequireCredential.
func AuthorizationFromContext(ctx context.Context) (domain.AuthorizationContext, bool) {
	auth, ok := ctx.Value(authorizationContextKey{}).(domain.AuthorizationContext)
	return auth, ok
}

// RequireCredential verifies the Authorization bearer credential before calling next.
func (a *Authorizer) RequireCredential() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized))
				return
			}
			auth, err := a.Authorize(r.Context(), credential)
			if err != nil {
				code, msg := "invalid_credential", "credential verification failed"
				if errors.Is(err, ErrCredentialExpired) {
					code, msg = "credential_expired", "credential has expired"
				}
				httpx.WriteError(r.Context(), w, httpx.NewError(code, msg, http.StatusUnauthorized))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuthorization(r.Context(), auth)))
		})
	}
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
