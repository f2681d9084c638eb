package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/hanko-field/dropin/internal/di"
	"github.com/hanko-field/dropin/internal/platform/config"
	"github.com/hanko-field/dropin/internal/platform/observability"
	"github.com/hanko-field/dropin/internal/platform/secrets"
	"github.com/hanko-field/dropin/internal/services"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dropin: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("dropin")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment values: %w", err)
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		return fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	build := buildInfoFromEnv(envValues, cfg, startedAt)
	shutdownTelemetry, err := observability.SetupTelemetry(ctx, cfg.Telemetry, build.Version, build.Environment)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(logger),
		di.WithBuildInfo(build),
		di.WithSecretFetcher(fetcher),
	)
	if err != nil {
		_ = shutdownTelemetry(context.WithoutCancel(ctx))
		return fmt.Errorf("build container: %w", err)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      container.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		serverLogger.Info("dropin service listening",
			zap.String("sessionStore", cfg.SessionStore.Backend),
			zap.String("environment", cfg.Security.Environment),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return container.RunSweeper(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown signal received; draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("graceful shutdown: %w", err))
		}
		if err := container.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close container: %w", err))
		}
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("flush telemetry: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := group.Wait(); err != nil {
		logger.Error("dropin service stopped with error", zap.Error(err))
		return err
	}
	logger.Info("dropin service stopped")
	return nil
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["DROPIN_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["DROPIN_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("DROPIN_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("DROPIN_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("DROPIN_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("DROPIN_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projects := parseKeyValueList(lookup("DROPIN_SECRET_PROJECT_IDS")); len(projects) > 0 {
		normalized := make(map[string]string, len(projects))
		for label, project := range projects {
			normalized[strings.ToLower(label)] = project
		}
		opts = append(opts, secrets.WithProjectMap(normalized))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("DROPIN_GOOGLE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists secrets the process refuses to start without. Production environments
// must carry Stripe credentials and the restore-token key.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"PSP.StripeAPIKey"}
	switch strings.ToLower(strings.TrimSpace(env["DROPIN_SECURITY_ENVIRONMENT"])) {
	case "", "local", "dev", "test":
	default:
		required = append(required, "PSP.StripeWebhookSecret", "Sessions.RestoreTokenKey")
	}
	if strings.TrimSpace(env["DROPIN_AUTH_CLIENT_TOKEN_SECRET"]) != "" {
		required = append(required, "Authorization.ClientTokenSecret")
	}
	return required
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}
