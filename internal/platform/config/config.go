package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultSessionBackend      = "firestore"
	defaultSessionTTL          = 24 * time.Hour
	defaultSessionRetention    = 15 * time.Minute
	defaultSweepInterval       = time.Minute
	defaultWalletProbeTimeout  = 5 * time.Second
	defaultCallbacksPerSecond  = 5.0
	defaultCallbackBurst       = 10
	defaultSessionCreatePerMin = 120
	defaultSecurityEnvironment = "local"
	defaultRestoreTokenTTL     = time.Hour
	defaultClientTokenIssuer   = "dropin"
	defaultTraceSampleRatio    = 1.0
)

// Session store backends.
const (
	SessionBackendFirestore = "firestore"
	SessionBackendRedis     = "redis"
	SessionBackendMemory    = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Firestore     FirestoreConfig
	PubSub        PubSubConfig
	SessionStore  SessionStoreConfig
	PSP           PSPConfig
	Authorization AuthorizationConfig
	Sessions      SessionConfig
	RateLimits    RateLimitConfig
	Security      SecurityConfig
	Telemetry     TelemetryConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig names the topics session signals are published to. Empty topics disable publishing.
type PubSubConfig struct {
	ProjectID      string
	AnalyticsTopic string
	ResultsTopic   string
}

// SessionStoreConfig selects where serialised session state lives.
type SessionStoreConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	// MerchantConfigFile seeds merchant configuration from YAML or JSON when Firestore is not
	// configured.
	MerchantConfigFile string
}

// PSPConfig collects Stripe credentials.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	StripeAccountID     string
	ReturnURL           string
	BrowserSwitchURL    string
}

// AuthorizationConfig controls client token and session token verification.
type AuthorizationConfig struct {
	ClientTokenSecret string
	ClientTokenIssuer string
	SessionTokens     map[string]string
}

// SessionConfig tunes session lifecycle behaviour.
type SessionConfig struct {
	Retention          time.Duration
	SweepInterval      time.Duration
	WalletProbeTimeout time.Duration
	RestoreTokenKey    string
	RestoreTokenTTL    time.Duration
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	CallbacksPerSecond     float64
	CallbackBurst          int
	SessionCreatePerMinute int
}

// SecurityConfig groups environment level security settings.
type SecurityConfig struct {
	Environment string
}

// TelemetryConfig points trace and metric export at an OTLP/gRPC collector. An empty endpoint
// keeps telemetry in-process only.
type TelemetryConfig struct {
	OTLPEndpoint string
	Insecure     bool
	SampleRatio  float64
}

// SecretResolver resolves secret:// references, normally backed by Secret Manager.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists every field that is missing, out of range or unparseable.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config: invalid or missing fields [" + strings.Join(e.fields, ", ") + "]"
}

func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError wraps a failed secret:// lookup.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve secret %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError names required secrets that resolved to nothing. Error only prints hashed
// names so the message is safe to log verbatim.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return "config: missing required secrets [" + strings.Join(e.RedactedNames(), ", ") + "]"
}

// Names returns the config field names, sorted.
func (e *MissingSecretsError) Names() []string {
	return append([]string(nil), e.names...)
}

// RedactedNames returns sha256 prefixes of Names, sorted.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	systemEnv       bool
	resolver        SecretResolver
	requiredSecrets []string
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, systemEnv: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithEnvFile overrides the .env path; an empty path skips the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that win over both the OS environment and the .env file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.systemEnv = false }
}

func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.resolver = resolver }
}

// WithRequiredSecrets makes Load fail unless the named fields (e.g. "PSP.StripeAPIKey") end up
// non-empty after secret resolution.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// EnvironmentValues returns the merged key space Load reads from. The process uses it to build the
// secret fetcher before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	e, err := newEnv(newLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	return e.values, nil
}

// Load builds the configuration from defaults, the .env file, the OS environment and the explicit
// map (later sources win), then resolves secret:// references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	e, err := newEnv(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            e.str("DROPIN_SERVER_PORT", defaultPort),
			ReadTimeout:     e.duration("DROPIN_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    e.duration("DROPIN_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     e.duration("DROPIN_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: e.duration("DROPIN_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    e.str("DROPIN_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: e.str("DROPIN_FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:      e.str("DROPIN_PUBSUB_PROJECT_ID", ""),
			AnalyticsTopic: e.str("DROPIN_PUBSUB_ANALYTICS_TOPIC", ""),
			ResultsTopic:   e.str("DROPIN_PUBSUB_RESULTS_TOPIC", ""),
		},
		SessionStore: SessionStoreConfig{
			Backend:            strings.ToLower(e.str("DROPIN_SESSION_STORE", defaultSessionBackend)),
			RedisAddr:          e.str("DROPIN_REDIS_ADDR", ""),
			RedisPassword:      e.str("DROPIN_REDIS_PASSWORD", ""),
			RedisDB:            e.integer("DROPIN_REDIS_DB", 0),
			TTL:                e.duration("DROPIN_SESSION_TTL", defaultSessionTTL),
			MerchantConfigFile: e.str("DROPIN_MERCHANT_CONFIG_FILE", ""),
		},
		PSP: PSPConfig{
			StripeAPIKey:        e.str("DROPIN_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: e.str("DROPIN_PSP_STRIPE_WEBHOOK_SECRET", ""),
			StripeAccountID:     e.str("DROPIN_PSP_STRIPE_ACCOUNT_ID", ""),
			ReturnURL:           e.str("DROPIN_PSP_RETURN_URL", ""),
			BrowserSwitchURL:    e.str("DROPIN_PSP_BROWSER_SWITCH_URL", ""),
		},
		Authorization: AuthorizationConfig{
			ClientTokenSecret: e.str("DROPIN_AUTH_CLIENT_TOKEN_SECRET", ""),
			ClientTokenIssuer: e.str("DROPIN_AUTH_CLIENT_TOKEN_ISSUER", defaultClientTokenIssuer),
			SessionTokens:     e.pairs("DROPIN_AUTH_SESSION_TOKENS"),
		},
		Sessions: SessionConfig{
			Retention:          e.duration("DROPIN_SESSION_RETENTION", defaultSessionRetention),
			SweepInterval:      e.duration("DROPIN_SESSION_SWEEP_INTERVAL", defaultSweepInterval),
			WalletProbeTimeout: e.duration("DROPIN_WALLET_PROBE_TIMEOUT", defaultWalletProbeTimeout),
			RestoreTokenKey:    e.str("DROPIN_RESTORE_TOKEN_KEY", ""),
			RestoreTokenTTL:    e.duration("DROPIN_RESTORE_TOKEN_TTL", defaultRestoreTokenTTL),
		},
		RateLimits: RateLimitConfig{
			CallbacksPerSecond:     e.float("DROPIN_RATELIMIT_CALLBACKS_PER_SEC", defaultCallbacksPerSecond),
			CallbackBurst:          e.integer("DROPIN_RATELIMIT_CALLBACK_BURST", defaultCallbackBurst),
			SessionCreatePerMinute: e.integer("DROPIN_RATELIMIT_SESSION_CREATE_PER_MIN", defaultSessionCreatePerMin),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(e.str("DROPIN_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: e.str("DROPIN_OTEL_ENDPOINT", ""),
			Insecure:     e.boolean("DROPIN_OTEL_INSECURE", false),
			SampleRatio:  e.float("DROPIN_OTEL_SAMPLE_RATIO", defaultTraceSampleRatio),
		},
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	secrets := secretResolution{resolver: options.resolver, resolved: map[string]string{}}
	fields := []struct {
		name  string
		value *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"Authorization.ClientTokenSecret", &cfg.Authorization.ClientTokenSecret},
		{"Sessions.RestoreTokenKey", &cfg.Sessions.RestoreTokenKey},
		{"SessionStore.RedisPassword", &cfg.SessionStore.RedisPassword},
	}
	for _, f := range fields {
		if err := secrets.resolve(ctx, f.name, f.value); err != nil {
			return Config{}, err
		}
	}
	merchants := make([]string, 0, len(cfg.Authorization.SessionTokens))
	for merchant := range cfg.Authorization.SessionTokens {
		merchants = append(merchants, merchant)
	}
	sort.Strings(merchants)
	for _, merchant := range merchants {
		token := cfg.Authorization.SessionTokens[merchant]
		if err := secrets.resolve(ctx, "Authorization.SessionTokens["+merchant+"]", &token); err != nil {
			return Config{}, err
		}
		cfg.Authorization.SessionTokens[merchant] = token
	}

	if invalid := append(validate(cfg), e.invalid...); len(invalid) > 0 {
		return Config{}, &ValidationError{fields: invalid}
	}
	if missing := secrets.missing(options.requiredSecrets); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func validate(cfg Config) []string {
	var fields []string
	require := func(ok bool, field string) {
		if !ok {
			fields = append(fields, field)
		}
	}

	require(cfg.Server.Port != "", "Server.Port")
	switch cfg.SessionStore.Backend {
	case SessionBackendFirestore:
		require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case SessionBackendRedis:
		require(cfg.SessionStore.RedisAddr != "", "SessionStore.RedisAddr")
	case SessionBackendMemory:
	default:
		fields = append(fields, "SessionStore.Backend")
	}
	require(cfg.SessionStore.TTL > 0, "SessionStore.TTL")
	require(cfg.Sessions.WalletProbeTimeout > 0, "Sessions.WalletProbeTimeout")
	require(cfg.Sessions.Retention > 0, "Sessions.Retention")
	require(cfg.Sessions.RestoreTokenTTL > 0, "Sessions.RestoreTokenTTL")
	require(cfg.RateLimits.CallbacksPerSecond > 0 && cfg.RateLimits.CallbackBurst > 0, "RateLimits.Callbacks")
	require(cfg.Telemetry.SampleRatio >= 0 && cfg.Telemetry.SampleRatio <= 1, "Telemetry.SampleRatio")
	return fields
}

// secretResolution replaces secret:// (or legacy sm://) values in place and remembers what each
// named field resolved to for the required-secrets check.
type secretResolution struct {
	resolver SecretResolver
	resolved map[string]string
}

func (s *secretResolution) resolve(ctx context.Context, name string, field *string) error {
	value := strings.TrimSpace(*field)
	ref, isRef := secretReference(value)
	if isRef {
		if s.resolver == nil {
			return &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}
		resolved, err := s.resolver.ResolveSecret(ctx, ref)
		if err != nil {
			return &SecretError{Ref: ref, Err: err}
		}
		*field = resolved
		value = strings.TrimSpace(resolved)
	}
	s.resolved[name] = value
	return nil
}

func (s *secretResolution) missing(required []string) *MissingSecretsError {
	seen := map[string]bool{}
	var names []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if s.resolved[name] == "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return &MissingSecretsError{names: names}
}

func secretReference(value string) (string, bool) {
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest, true
	}
	return value, strings.HasPrefix(value, "secret://")
}

// env is the merged configuration key space. Typed getters fall back to the default for absent or
// empty keys and record keys whose value does not parse.
type env struct {
	values  map[string]string
	invalid []string
}

func newEnv(o loaderOptions) (*env, error) {
	values := map[string]string{}
	if o.envFile != "" {
		fileValues, err := readDotEnv(o.envFile)
		if err != nil {
			return nil, err
		}
		for k, v := range fileValues {
			values[k] = v
		}
	}
	if o.systemEnv {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	for k, v := range o.envMap {
		values[k] = v
	}
	return &env{values: values}, nil
}

func (e *env) raw(key string) (string, bool) {
	value := strings.TrimSpace(e.values[key])
	return value, value != ""
}

func (e *env) str(key, fallback string) string {
	if value, ok := e.raw(key); ok {
		return value
	}
	return fallback
}

func (e *env) duration(key string, fallback time.Duration) time.Duration {
	return parseOr(e, key, fallback, time.ParseDuration)
}

func (e *env) integer(key string, fallback int) int {
	return parseOr(e, key, fallback, strconv.Atoi)
}

func (e *env) boolean(key string, fallback bool) bool {
	return parseOr(e, key, fallback, strconv.ParseBool)
}

func (e *env) float(key string, fallback float64) float64 {
	return parseOr(e, key, fallback, func(v string) (float64, error) { return strconv.ParseFloat(v, 64) })
}

func parseOr[T any](e *env, key string, fallback T, parse func(string) (T, error)) T {
	value, ok := e.raw(key)
	if !ok {
		return fallback
	}
	parsed, err := parse(value)
	if err != nil {
		e.invalid = append(e.invalid, key)
		return fallback
	}
	return parsed
}

// pairs parses "key=value,key=value". Keys are lower-cased; malformed entries are skipped.
func (e *env) pairs(key string) map[string]string {
	out := map[string]string{}
	raw, _ := e.raw(key)
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(entry, "=")
		name, value = strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}

// readDotEnv reads KEY=value lines, allowing comments, an "export " prefix and quoted values. A
// missing file is not an error.
func readDotEnv(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()
	values, err := parseDotEnv(file)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return values, nil
}

func parseDotEnv(r io.Reader) (map[string]string, error) {
	values := map[string]string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	return values, scanner.Err()
}
