package auth

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

var (
	// ErrRestoreTokenInvalid signals a restore token that cannot be opened.
	ErrRestoreTokenInvalid = errors.New("auth: restore token invalid")
	// ErrRestoreTokenExpired signals a restore token past its expiry.
	ErrRestoreTokenExpired = errors.New("auth: restore token expired")
)

const defaultRestoreTTL = time.Hour

// RestoreClaims is the sealed content of a restore token.
type RestoreClaims struct {
	SessionID  string          `json:"sid"`
	MerchantID string          `json:"mid"`
	Version    int64           `json:"ver"`
	State      json.RawMessage `json:"state,omitempty"`
	IssuedAt   time.Time       `json:"iat"`
	ExpiresAt  time.Time       `json:"exp"`
}

// Sealer encrypts restore tokens with a key derived from a shared secret (JWE dir + A256GCM), so a
// recreated screen can resume its session without the host holding server state.
type Sealer struct {
	key   []byte
	ttl   time.Duration
	clock func() time.Time
}

// NewSealer derives the content key from secret.
func NewSealer(secret string, ttl time.Duration, clock func() time.Time) (*Sealer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: restore token key is required")
	}
	if ttl <= 0 {
		ttl = defaultRestoreTTL
	}
	if clock == nil {
		clock = time.Now
	}
	sum := sha256.Sum256([]byte(secret))
	return &Sealer{key: sum[:], ttl: ttl, clock: clock}, nil
}

// Seal encrypts claims, stamping issue and expiry times.
func (s *Sealer) Seal(claims RestoreClaims) (string, error) {
	if strings.TrimSpace(claims.SessionID) == "" {
		return "", errors.New("auth: restore token requires a session id")
	}
	now := s.clock().UTC()
	claims.IssuedAt = now
	claims.ExpiresAt = now.Add(s.ttl)

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	encrypter, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: s.key}, (&jose.EncrypterOptions{}).WithContentType("dropin-restore"))
	if err != nil {
		return "", fmt.Errorf("auth: build encrypter: %w", err)
	}
	object, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("auth: seal restore token: %w", err)
	}
	return object.CompactSerialize()
}

// Open decrypts token and checks its expiry.
func (s *Sealer) Open(token string) (RestoreClaims, error) {
	object, err := jose.ParseEncrypted(strings.TrimSpace(token), []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return RestoreClaims{}, fmt.Errorf("%w: %v", ErrRestoreTokenInvalid, err)
	}
	payload, err := object.Decrypt(s.key)
	if err != nil {
		return RestoreClaims{}, fmt.Errorf("%w: %v", ErrRestoreTokenInvalid, err)
	}
	var claims RestoreClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return RestoreClaims{}, fmt.Errorf("%w: %v", ErrRestoreTokenInvalid, err)
	}
	if strings.TrimSpace(claims.SessionID) == "" {
		return RestoreClaims{}, fmt.Errorf("%w: session id missing", ErrRestoreTokenInvalid)
	}
	if !s.clock().UTC().Before(claims.ExpiresAt) {
		return RestoreClaims{}, ErrRestoreTokenExpired
	}
	return claims, nil
}
