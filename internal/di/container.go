package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/hanko-field/dropin/internal/dropin"
	"github.com/hanko-field/dropin/internal/handlers"
	"github.com/hanko-field/dropin/internal/payments"
	"github.com/hanko-field/dropin/internal/platform/auth"
	"github.com/hanko-field/dropin/internal/platform/config"
	"github.com/hanko-field/dropin/internal/platform/jobs"
	"github.com/hanko-field/dropin/internal/platform/observability"
	"github.com/hanko-field/dropin/internal/platform/secrets"
	"github.com/hanko-field/dropin/internal/repositories"
	"github.com/hanko-field/dropin/internal/services"
)

const tracerName = "github.com/hanko-field/dropin/internal/dropin"

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	DropIn services.DropInService
	System services.SystemService
}

// Container wires repositories, services, and the HTTP surface for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Router       http.Handler

	logger  *zap.Logger
	closers []func(context.Context) error
}

// Option customises container construction.
type Option func(*containerOptions)

type containerOptions struct {
	logger   *zap.Logger
	build    services.BuildInfo
	registry repositories.Registry
	stripe   *payments.StripeClients
	secrets  *secrets.Fetcher
	meter    metric.Meter
	clock    func() time.Time
}

// WithLogger sets the base logger. Components receive named children.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// WithBuildInfo sets the build metadata reported by health endpoints.
func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = info
	}
}

// WithRegistry supplies a prebuilt repository registry instead of building one from configuration.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *containerOptions) {
		o.registry = reg
	}
}

// WithStripeClients replaces the Stripe API clients, typically with fakes in tests.
func WithStripeClients(clients *payments.StripeClients) Option {
	return func(o *containerOptions) {
		o.stripe = clients
	}
}

// WithSecretFetcher registers the Secret Manager fetcher for readiness checks.
func WithSecretFetcher(fetcher *secrets.Fetcher) Option {
	return func(o *containerOptions) {
		o.secrets = fetcher
	}
}

// WithMeter overrides the meter session metrics are registered on.
func WithMeter(meter metric.Meter) Option {
	return func(o *containerOptions) {
		o.meter = meter
	}
}

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies from configuration.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	options := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	if options.build.StartedAt.IsZero() {
		options.build.StartedAt = options.clock().UTC()
	}

	c := &Container{Config: cfg, logger: options.logger}

	reg := options.registry
	if reg == nil {
		built, err := buildRegistry(ctx, cfg, options)
		if err != nil {
			return nil, err
		}
		reg = built
	}
	c.Repositories = reg

	svc, err := c.buildServices(ctx, options)
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	c.Services = svc

	router, err := c.buildRouter(options)
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	c.Router = router
	return c, nil
}

func (c *Container) buildServices(ctx context.Context, options containerOptions) (Services, error) {
	cfg := c.Config
	reg := c.Repositories
	logger := options.logger
	eventLogger := observability.NewEventLogger(logger.Named("dropin"))

	fetcher, err := services.NewMerchantConfigFetcher(reg.MerchantConfigs(), 0, options.clock)
	if err != nil {
		return Services{}, fmt.Errorf("build merchant config fetcher: %w", err)
	}

	stripeLogger := payments.Logger(observability.NewEventLogger(logger.Named("stripe")))
	stripeCfg := payments.StripeConfig{
		APIKey:    cfg.PSP.StripeAPIKey,
		AccountID: cfg.PSP.StripeAccountID,
		ReturnURL: cfg.PSP.ReturnURL,
		Clients:   options.stripe,
		Logger:    stripeLogger,
		Clock:     options.clock,
	}
	threeDS, err := payments.NewStripeThreeDSecure(stripeCfg)
	if err != nil {
		return Services{}, fmt.Errorf("build stripe 3-d secure: %w", err)
	}
	var vault dropin.VaultLister
	if lister, err := payments.NewStripeVaultLister(stripeCfg); err != nil {
		logger.Warn("vaulted payment methods disabled", zap.Error(err))
	} else {
		vault = lister
	}

	launcher, err := payments.NewClientActionLauncher(payments.LauncherConfig{
		BrowserSwitchURL: cfg.PSP.BrowserSwitchURL,
		Logger:           payments.Logger(eventLogger),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build client action launcher: %w", err)
	}

	var restore services.RestoreSealer
	if key := strings.TrimSpace(cfg.Sessions.RestoreTokenKey); key != "" {
		sealer, err := auth.NewSealer(key, cfg.Sessions.RestoreTokenTTL, options.clock)
		if err != nil {
			return Services{}, fmt.Errorf("build restore sealer: %w", err)
		}
		restore = sealer
	} else {
		logger.Warn("restore tokens disabled; sessions resume only from the session store")
	}

	analytics, results, err := c.buildPublishers(ctx, cfg, eventLogger)
	if err != nil {
		return Services{}, err
	}

	meter := options.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(tracerName)
	}
	metrics, err := dropin.NewMetrics(meter)
	if err != nil {
		return Services{}, fmt.Errorf("register session metrics: %w", err)
	}

	dropInSvc, err := services.NewDropInService(services.DropInServiceDeps{
		Sessions:      reg.Sessions(),
		LastUsed:      reg.LastUsed(),
		Configuration: fetcher,
		DeviceData:    payments.NewCorrelationDeviceData(),
		Vault:         vault,
		Flows:         launcher,
		ThreeDSecure:  threeDS,
		StepUps:       threeDS,
		Analytics:     analytics,
		Results:       results,
		Restore:       restore,
		Metrics:       metrics,
		Tracer:        otel.Tracer(tracerName),
		Clock:         options.clock,
		Logger:        eventLogger,
		Settings: services.DropInSettings{
			SessionTTL:             cfg.SessionStore.TTL,
			Retention:              cfg.Sessions.Retention,
			WalletProbeTimeout:     cfg.Sessions.WalletProbeTimeout,
			CallbacksPerSecond:     cfg.RateLimits.CallbacksPerSecond,
			CallbackBurst:          cfg.RateLimits.CallbackBurst,
			SessionCreatePerMinute: cfg.RateLimits.SessionCreatePerMinute,
		},
	})
	if err != nil {
		return Services{}, fmt.Errorf("build dropin service: %w", err)
	}

	svc := Services{DropIn: dropInSvc}
	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			LiveSessions:     dropInSvc.LiveSessions,
			Clock:            options.clock,
			Build:            options.build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}
	return svc, nil
}

func (c *Container) buildPublishers(ctx context.Context, cfg config.Config, eventLogger observability.EventLogger) (dropin.AnalyticsSink, services.ResultPublisher, error) {
	logSink := services.LogAnalyticsSink(eventLogger)
	analyticsTopic := strings.TrimSpace(cfg.PubSub.AnalyticsTopic)
	resultsTopic := strings.TrimSpace(cfg.PubSub.ResultsTopic)
	if analyticsTopic == "" && resultsTopic == "" {
		return services.NewAnalyticsFanout(logSink), nil, nil
	}
	if strings.TrimSpace(cfg.PubSub.ProjectID) == "" {
		return nil, nil, errors.New("pubsub: project id is required when topics are configured")
	}

	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("build pubsub client: %w", err)
	}
	c.closers = append(c.closers, func(context.Context) error { return client.Close() })

	var sinks []dropin.AnalyticsSink
	if analyticsTopic != "" {
		topic := client.Topic(analyticsTopic)
		c.closers = append(c.closers, func(context.Context) error { topic.Stop(); return nil })
		publisher, err := jobs.NewPubSubAnalyticsPublisher(topic, eventLogger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, publisher)
	}
	sinks = append(sinks, logSink)

	var results services.ResultPublisher
	if resultsTopic != "" {
		topic := client.Topic(resultsTopic)
		c.closers = append(c.closers, func(context.Context) error { topic.Stop(); return nil })
		publisher, err := jobs.NewPubSubResultPublisher(topic)
		if err != nil {
			return nil, nil, err
		}
		results = publisher
	}
	return services.NewAnalyticsFanout(sinks...), results, nil
}

func (c *Container) buildRouter(options containerOptions) (http.Handler, error) {
	cfg := c.Config
	httpLogger := options.logger.Named("http")
	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)

	healthOpts := []handlers.HealthOption{
		handlers.WithHealthBuildInfo(options.build),
		handlers.WithHealthClock(options.clock),
	}
	if c.Services.System != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(c.Services.System))
	}

	authorizer := auth.NewAuthorizer(auth.AuthorizerConfig{
		ClientTokenSecret: cfg.Authorization.ClientTokenSecret,
		Issuer:            cfg.Authorization.ClientTokenIssuer,
		SessionTokens:     cfg.Authorization.SessionTokens,
		Clock:             options.clock,
	})

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithDropInMiddlewares(authorizer.RequireCredential()),
		handlers.WithDropInRoutes(handlers.NewDropInHandlers(c.Services.DropIn).Routes),
	}

	if secret := strings.TrimSpace(cfg.PSP.StripeWebhookSecret); secret != "" {
		verifier, err := payments.NewWebhookVerifier(secret, 0)
		if err != nil {
			return nil, fmt.Errorf("build stripe webhook verifier: %w", err)
		}
		opts = append(opts, handlers.WithWebhookRoutes(handlers.NewWebhookHandlers(c.Services.DropIn, verifier).Routes))
	} else {
		options.logger.Warn("stripe webhook secret not configured; step-up completion relies on client callbacks")
	}

	return handlers.NewRouter(opts...), nil
}

// RunSweeper evicts finished sessions and deletes expired records every interval until ctx ends.
func (c *Container) RunSweeper(ctx context.Context) error {
	if c == nil || c.Services.DropIn == nil {
		return nil
	}
	interval := c.Config.Sessions.SweepInterval
	if interval <= 0 {
		return nil
	}
	logger := c.logger.Named("sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			report, err := c.Services.DropIn.Sweep(runCtx)
			cancel()
			if err != nil {
				logger.Error("session sweep failed", zap.Error(err))
				continue
			}
			if report.Evicted > 0 || report.Deleted > 0 {
				logger.Info("session sweep completed", zap.Int("evicted", report.Evicted), zap.Int("deleted", report.Deleted))
			}
		}
	}
}

// Close stops session runners and releases clients. Live sessions are persisted by their runners
// before they stop.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Services.DropIn != nil {
		if err := c.Services.DropIn.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown dropin service: %w", err))
		}
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
