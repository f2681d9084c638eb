package di

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hanko-field/dropin/internal/domain"
	"github.com/hanko-field/dropin/internal/platform/config"
	pfirestore "github.com/hanko-field/dropin/internal/platform/firestore"
	"github.com/hanko-field/dropin/internal/platform/secrets"
	"github.com/hanko-field/dropin/internal/repositories"
	firestoreRepo "github.com/hanko-field/dropin/internal/repositories/firestore"
	"github.com/hanko-field/dropin/internal/repositories/memory"
	redisRepo "github.com/hanko-field/dropin/internal/repositories/redis"
)

// buildRegistry assembles repositories for the configured session store backend. Merchant
// configuration and last-used methods live in Firestore whenever a project is configured, and in
// memory otherwise.
func buildRegistry(ctx context.Context, cfg config.Config, options containerOptions) (reg repositories.Registry, err error) {
	var (
		parts  repositories.RegistryParts
		checks []repositories.DependencyCheck
	)
	defer func() {
		if err != nil {
			closeParts(ctx, parts)
		}
	}()

	var provider *pfirestore.Provider
	if strings.TrimSpace(cfg.Firestore.ProjectID) != "" {
		provider = pfirestore.NewProvider(cfg.Firestore)
		parts.Closers = append(parts.Closers, provider.Close)
		checks = append(checks, firestoreCheck(provider))

		lastUsed, err := firestoreRepo.NewLastUsedRepository(provider)
		if err != nil {
			return nil, fmt.Errorf("build last used repository: %w", err)
		}
		configs, err := firestoreRepo.NewMerchantConfigRepository(provider, options.clock)
		if err != nil {
			return nil, fmt.Errorf("build merchant config repository: %w", err)
		}
		parts.LastUsed = lastUsed
		parts.MerchantConfigs = configs
	} else {
		seed, err := loadMerchantConfigs(cfg.SessionStore.MerchantConfigFile)
		if err != nil {
			return nil, err
		}
		parts.LastUsed = memory.NewLastUsedRepository()
		parts.MerchantConfigs = memory.NewMerchantConfigRepository(seed)
	}

	switch cfg.SessionStore.Backend {
	case config.SessionBackendFirestore:
		if provider == nil {
			return nil, errors.New("firestore session store requires a firestore project id")
		}
		sessions, err := firestoreRepo.NewSessionRepository(provider)
		if err != nil {
			return nil, fmt.Errorf("build firestore session repository: %w", err)
		}
		parts.Sessions = sessions
	case config.SessionBackendRedis:
		client := redisRepo.NewClient(cfg.SessionStore.RedisAddr, cfg.SessionStore.RedisPassword, cfg.SessionStore.RedisDB)
		parts.Closers = append(parts.Closers, func(context.Context) error { return client.Close() })
		sessions, err := redisRepo.NewSessionRepository(client, redisRepo.WithTTL(cfg.SessionStore.TTL+cfg.Sessions.Retention))
		if err != nil {
			return nil, fmt.Errorf("build redis session repository: %w", err)
		}
		parts.Sessions = sessions
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check:   sessions.Ping,
		})
	case config.SessionBackendMemory, "":
		parts.Sessions = memory.NewSessionRepository()
	default:
		return nil, fmt.Errorf("unsupported session store backend %q", cfg.SessionStore.Backend)
	}

	sessions := parts.Sessions
	checks = append(checks, repositories.DependencyCheck{
		Name: "sessionStore",
		Check: func(ctx context.Context) error {
			_, err := sessions.ListExpired(ctx, time.Time{}, 1)
			return err
		},
	})
	if options.secrets != nil {
		checks = append(checks, secretManagerCheck(options.secrets))
	}

	health, err := repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyClock(options.clock))
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}
	parts.Health = health

	return repositories.NewRegistry(parts)
}

func firestoreCheck(provider *pfirestore.Provider) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "firestore",
		Timeout: 1500 * time.Millisecond,
		Check:   provider.Ping,
	}
}

func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check:   fetcher.Ping,
	}
}

// loadMerchantConfigs reads a YAML (or JSON) list of configuration snapshots keyed by merchant id.
// Entries are re-encoded as JSON so the snapshot's json tags stay the only field naming.
func loadMerchantConfigs(path string) (map[string]domain.ConfigurationSnapshot, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read merchant config file: %w", err)
	}
	var entries []map[string]any
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode merchant config file: %w", err)
	}
	out := make(map[string]domain.ConfigurationSnapshot, len(entries))
	for i, entry := range entries {
		encoded, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("merchant config file: entry %d: %w", i, err)
		}
		var snapshot domain.ConfigurationSnapshot
		if err := json.Unmarshal(encoded, &snapshot); err != nil {
			return nil, fmt.Errorf("merchant config file: entry %d: %w", i, err)
		}
		id := strings.TrimSpace(snapshot.MerchantID)
		if id == "" {
			return nil, fmt.Errorf("merchant config file: entry %d has no merchantId", i)
		}
		out[id] = snapshot
	}
	return out, nil
}

func closeParts(ctx context.Context, parts repositories.RegistryParts) {
	for i := len(parts.Closers) - 1; i >= 0; i-- {
		_ = parts.Closers[i](ctx)
	}
}
