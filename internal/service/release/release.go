// Package release dispatches pipeline release calls when a deployment is
// promoted to in_progress. Integrations register a Releaser per deployment
// type; anything unregistered falls back to a log-only stub so lifecycle
// transitions never depend on an external pipeline being wired up.
package release

import (
	"context"
	"log/slog"

	"github.com/martocorp/deployment-queue-api/internal/domain"
)

// Releaser triggers the delivery pipeline for a deployment. Implementations
// must be safe for concurrent use. A returned error is logged by the caller
// but never rolls back the lifecycle transition that triggered it.
type Releaser interface {
	Release(ctx context.Context, deployment *domain.Deployment) error
}

// Registry routes release calls by deployment type.
type Registry struct {
	releasers map[domain.DeploymentType]Releaser
	fallback  Releaser
}

// NewRegistry returns a registry whose unregistered types fall back to a
// log-only releaser.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		releasers: make(map[domain.DeploymentType]Releaser),
		fallback:  &LogReleaser{log: log},
	}
}

// Register installs a releaser for the given deployment type, replacing any
// previous registration.
func (r *Registry) Register(t domain.DeploymentType, releaser Releaser) {
	r.releasers[t] = releaser
}

// Release dispatches to the releaser registered for the deployment's type.
func (r *Registry) Release(ctx context.Context, deployment *domain.Deployment) error {
	if releaser, ok := r.releasers[deployment.Type]; ok {
		return releaser.Release(ctx, deployment)
	}
	return r.fallback.Release(ctx, deployment)
}

// LogReleaser records the release intent and does nothing else.
type LogReleaser struct {
	log *slog.Logger
}

// NewLogReleaser returns a log-only releaser.
func NewLogReleaser(log *slog.Logger) *LogReleaser {
	return &LogReleaser{log: log}
}

// Release logs the dispatch.
func (l *LogReleaser) Release(_ context.Context, d *domain.Deployment) error {
	if l.log != nil {
		l.log.Info("release triggered",
			"deployment_id", d.ID,
			"organisation", d.Organisation,
			"name", d.Name,
			"version", d.Version,
			"type", string(d.Type),
			"trigger", string(d.Trigger),
		)
	}
	return nil
}
