package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultDependencyTimeout = 1500 * time.Millisecond

// Health statuses reported by readiness probes.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// HealthCheck is the outcome of one dependency probe.
type HealthCheck struct {
	Status    string        `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	Latency   time.Duration `json:"latencyNs"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// HealthReport aggregates dependency status for readiness endpoints.
type HealthReport struct {
	Status      string                 `json:"status"`
	Checks      map[string]HealthCheck `json:"checks"`
	GeneratedAt time.Time              `json:"generatedAt"`
}

// DependencyCheck describes a dependency probe executed during readiness checks.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// DependencyHealthOption customises the dependency-backed health repository.
type DependencyHealthOption func(*dependencyHealthRepository)

// WithDependencyTimeout overrides the timeout applied when a check omits its own.
func WithDependencyTimeout(timeout time.Duration) DependencyHealthOption {
	return func(repo *dependencyHealthRepository) {
		if timeout > 0 {
			repo.defaultTimeout = timeout
		}
	}
}

// WithDependencyClock injects a custom clock for tests.
func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(repo *dependencyHealthRepository) {
		if clock != nil {
			repo.now = clock
		}
	}
}

type dependencyHealthRepository struct {
	checks         []DependencyCheck
	defaultTimeout time.Duration
	now            func() time.Time
}

var _ HealthRepository = (*dependencyHealthRepository)(nil)

// NewDependencyHealthRepository constructs a HealthRepository that evaluates checks concurrently.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	for _, check := range checks {
		if strings.TrimSpace(check.Name) == "" {
			return nil, errors.New("health repository: dependency check missing name")
		}
		if check.Check == nil {
			return nil, fmt.Errorf("health repository: dependency %s missing check function", check.Name)
		}
	}
	repo := &dependencyHealthRepository{
		checks:         append([]DependencyCheck(nil), checks...),
		defaultTimeout: defaultDependencyTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func (r *dependencyHealthRepository) Collect(ctx context.Context) (HealthReport, error) {
	results := make(map[string]HealthCheck, len(r.checks))
	var mu sync.Mutex

	var group errgroup.Group
	for _, check := range r.checks {
		check := check
		group.Go(func() error {
			timeout := check.Timeout
			if timeout <= 0 {
				timeout = r.defaultTimeout
			}
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := r.now()
			err := check.Check(checkCtx)
			end := r.now()

			result := HealthCheck{Status: HealthStatusOK, Latency: end.Sub(start), CheckedAt: end}
			switch {
			case err == nil && checkCtx.Err() != nil:
				result.Status, result.Detail = HealthStatusError, checkCtx.Err().Error()
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded):
				result.Status, result.Detail = HealthStatusError, "timeout"
			case errors.Is(err, context.Canceled):
				result.Status, result.Detail = HealthStatusError, "cancelled"
			default:
				result.Status, result.Detail = HealthStatusDegraded, err.Error()
			}

			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	return HealthReport{Status: SummarizeHealth(results), Checks: results, GeneratedAt: r.now()}, nil
}

// SummarizeHealth is error if any check errored, degraded if any degraded, ok otherwise.
func SummarizeHealth(checks map[string]HealthCheck) string {
	status := HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case HealthStatusError:
			return HealthStatusError
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}
