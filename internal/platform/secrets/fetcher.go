package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	healthSecretID      = "dropin-healthz"
	metricNamespace     = "github.com/hanko-field/dropin/internal/platform/secrets"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (secretManagerClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret://name[?version=N&project=P] references against Secret Manager.
// Values are cached for a bounded time so rotated Stripe keys and signing secrets are picked up
// without a restart. When Secret Manager is unreachable or denies access, values come from a local
// "secret://name=value" file, which is how development runs.
type Fetcher struct {
	client     secretManagerClient
	clientOpts []option.ClientOption
	ownsClient bool
	logger     *zap.Logger
	clock      func() time.Time
	ttl        time.Duration

	env        string
	defaultPrj string
	projects   map[string]string

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu       sync.Mutex
	cache    map[string]cachedSecret
	inFlight singleflight.Group

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type cachedSecret struct {
	value   string
	expires time.Time
}

type Option func(*Fetcher)

func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithEnvironment selects the entry of the project map used for unqualified references.
func WithEnvironment(env string) Option {
	return func(f *Fetcher) { f.env = strings.ToLower(strings.TrimSpace(env)) }
}

func WithDefaultProject(projectID string) Option {
	return func(f *Fetcher) { f.defaultPrj = strings.TrimSpace(projectID) }
}

// WithProjectMap maps environment labels to Secret Manager projects.
func WithProjectMap(m map[string]string) Option {
	return func(f *Fetcher) {
		for env, project := range m {
			f.projects[strings.ToLower(env)] = strings.TrimSpace(project)
		}
	}
}

// WithFallbackFile sets the local secrets file; an empty path disables the fallback.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher) { f.fallbackPath = strings.TrimSpace(path) }
}

// WithCacheTTL bounds how long a resolved value is reused. Zero or negative caches forever.
func WithCacheTTL(ttl time.Duration) Option {
	return func(f *Fetcher) { f.ttl = ttl }
}

func WithClock(clock func() time.Time) Option {
	return func(f *Fetcher) {
		if clock != nil {
			f.clock = clock
		}
	}
}

// WithMeter registers the fetch metrics on m instead of the global meter provider.
func WithMeter(m metric.Meter) Option {
	return func(f *Fetcher) { f.registerMetrics(m) }
}

// WithSecretManagerClient injects the client; the fetcher will not close it.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithClientOptions forwards Cloud client options, such as a credentials file, to the client the
// fetcher creates for itself.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(f *Fetcher) { f.clientOpts = append(f.clientOpts, opts...) }
}

// NewFetcher builds a Fetcher. If no client is injected one is created; failure to create it leaves
// the fetcher in fallback-only mode rather than failing startup.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger:       zap.NewNop(),
		clock:        time.Now,
		ttl:          defaultCacheTTL,
		projects:     map[string]string{},
		fallbackPath: defaultFallbackPath,
		cache:        map[string]cachedSecret{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.latency == nil {
		f.registerMetrics(otel.GetMeterProvider().Meter(metricNamespace))
	}
	if f.client != nil {
		return f, nil
	}

	client, err := newSecretManagerClient(ctx, f.clientOpts...)
	if err != nil {
		f.logger.Warn("secret manager client unavailable; resolving from fallback file only", zap.Error(err))
		return f, nil
	}
	f.client, f.ownsClient = client, true
	return f, nil
}

func (f *Fetcher) registerMetrics(meter metric.Meter) {
	var err error
	if f.latency, err = meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency by source")); err != nil {
		f.logger.Warn("register secrets latency metric", zap.Error(err))
	}
	if f.cacheHits, err = meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Secret resolutions served from the in-process cache")); err != nil {
		f.logger.Warn("register secrets cache metric", zap.Error(err))
	}
}

func (f *Fetcher) Close() error {
	if f.ownsClient {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the value behind ref. Concurrent misses for one reference share a single fetch.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	key := parsed.cacheKey()

	if value, ok := f.cached(key); ok {
		if f.cacheHits != nil {
			f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskReference(parsed.canonical))))
		}
		f.recordLatency(ctx, start, "cache")
		return value, nil
	}

	v, err, _ := f.inFlight.Do(key, func() (any, error) {
		value, source, err := f.fetch(ctx, parsed)
		if err != nil {
			f.recordLatency(ctx, start, "error")
			return "", err
		}
		f.store(key, value)
		f.recordLatency(ctx, start, source)
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[key]
	if !ok {
		return "", false
	}
	if !entry.expires.IsZero() && !f.clock().Before(entry.expires) {
		delete(f.cache, key)
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value string) {
	entry := cachedSecret{value: value}
	if f.ttl > 0 {
		entry.expires = f.clock().Add(f.ttl)
	}
	f.mu.Lock()
	f.cache[key] = entry
	f.mu.Unlock()
}

// Invalidate drops every cached version of ref so the next Resolve refetches it.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseReference(ref)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.cache {
		if strings.HasPrefix(key, parsed.canonical+"#") {
			delete(f.cache, key)
		}
	}
}

// Ping checks that Secret Manager answers for the default project. A missing health secret still
// counts as reachable, and fallback-only mode has nothing to check.
func (f *Fetcher) Ping(ctx context.Context) error {
	project := f.projectFor("")
	if f.client == nil || project == "" {
		return nil
	}
	_, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: versionName(project, healthSecretID, "latest"),
	})
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, ref reference) (value, source string, err error) {
	if project := f.projectFor(ref.project); project != "" && f.client != nil {
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
			Name: versionName(project, ref.secretID, ref.version),
		})
		switch {
		case err == nil && resp.GetPayload() != nil:
			return string(resp.GetPayload().GetData()), "remote", nil
		case err == nil:
			return "", "", fmt.Errorf("secrets: empty payload for %s", ref.canonical)
		case !fallbackEligible(err):
			return "", "", fmt.Errorf("secrets: fetch %s: %w", ref.canonical, err)
		}
		f.logger.Debug("secret manager unavailable for reference; using fallback file",
			zap.String("ref", maskReference(ref.canonical)), zap.Error(err))
	}

	fallback, err := f.fallbackValues()
	if err != nil {
		return "", "", err
	}
	if value, ok := fallback[ref.cacheKey()]; ok {
		return value, "fallback", nil
	}
	return "", "", fmt.Errorf("secrets: no fallback value for %s", ref.canonical)
}

func (f *Fetcher) projectFor(override string) string {
	if override != "" {
		return override
	}
	if project := f.projects[f.env]; project != "" {
		return project
	}
	return f.defaultPrj
}

// fallbackValues parses the fallback file once. Lines are "secret://name[?version=N]=value"; the
// legacy sm:// scheme is accepted. A missing file is an empty set.
func (f *Fetcher) fallbackValues() (map[string]string, error) {
	f.fallbackOnce.Do(func() {
		f.fallback = map[string]string{}
		if f.fallbackPath == "" {
			return
		}
		file, err := os.Open(f.fallbackPath)
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err != nil {
			f.fallbackErr = fmt.Errorf("secrets: open fallback file: %w", err)
			return
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			if rest, found := strings.CutPrefix(strings.TrimSpace(key), "sm://"); found {
				key = "secret://" + rest
			}
			parsed, err := parseReference(key)
			if err != nil {
				continue
			}
			f.fallback[parsed.cacheKey()] = strings.TrimSpace(value)
		}
		if err := scanner.Err(); err != nil {
			f.fallbackErr = fmt.Errorf("secrets: read fallback file: %w", err)
		}
	})
	return f.fallback, f.fallbackErr
}

func (f *Fetcher) recordLatency(ctx context.Context, start time.Time, source string) {
	if f.latency == nil {
		return
	}
	f.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

type reference struct {
	canonical string
	secretID  string
	version   string
	project   string
}

func (r reference) cacheKey() string { return r.canonical + "#" + r.version }

// parseReference accepts secret://path/to/name. Secret Manager ids cannot contain '/', so path
// separators become '-' (secret://stripe/api resolves the "stripe-api" secret).
func parseReference(ref string) (reference, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	query := u.Query()
	version := strings.TrimSpace(query.Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{
		canonical: "secret://" + name,
		secretID:  strings.ReplaceAll(name, "/", "-"),
		version:   version,
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func versionName(project, secretID, version string) string {
	return "projects/" + project + "/secrets/" + secretID + "/versions/" + version
}

func maskReference(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:8])
}

// fallbackEligible lists the statuses that mean "Secret Manager cannot serve this here" as opposed to
// a malformed request.
func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded, codes.NotFound:
		return true
	}
	return false
}
