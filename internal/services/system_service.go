package services

import (
	"context"
	"errors"
	"time"

	"github.com/hanko-field/dropin/internal/repositories"
)

// BuildInfo is reported by /healthz and /readyz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// LiveSessions reports how many session runners this instance currently holds.
	LiveSessions func() int
	Clock        func() time.Time
	Build        BuildInfo
}

type systemService struct {
	deps SystemServiceDeps
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Build.StartedAt.IsZero() {
		deps.Build.StartedAt = deps.Clock()
	}
	return &systemService{deps: deps}, nil
}

// HealthReport probes every dependency and stamps the result with build metadata and the live
// session count.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	collected, err := s.deps.HealthRepository.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	if collected.Checks == nil {
		collected.Checks = map[string]repositories.HealthCheck{}
	}
	if collected.Status == "" {
		collected.Status = repositories.SummarizeHealth(collected.Checks)
	}

	now := s.deps.Clock().UTC()
	if collected.GeneratedAt.IsZero() {
		collected.GeneratedAt = now
	}
	report := SystemHealthReport{
		HealthReport: collected,
		Version:      s.deps.Build.Version,
		CommitSHA:    s.deps.Build.CommitSHA,
		Environment:  s.deps.Build.Environment,
		Uptime:       now.Sub(s.deps.Build.StartedAt),
	}
	if s.deps.LiveSessions != nil {
		report.Sessions = s.deps.LiveSessions()
	}
	return report, nil
}
