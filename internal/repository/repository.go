package repository

import (
	"context"

	"github.com/martocorp/deployment-queue-api/internal/domain"
)

// Filter narrows a deployment list query. Zero values mean "no filter";
// every value is bound as a query parameter, never interpolated.
type Filter struct {
	Status         domain.Status
	Name           string
	Provider       domain.Provider
	CloudAccountID string
	Region         string
	Cell           string
	Trigger        domain.Trigger
	Limit          int
}

// FieldUpdate carries the mutable fields of a partial deployment update.
// Nil pointers leave the column untouched; updated_at is always bumped.
type FieldUpdate struct {
	Status        *domain.Status
	Notes         *string
	DeploymentURI *string
}

// Empty reports whether the update carries no field changes.
func (u FieldUpdate) Empty() bool {
	return u.Status == nil && u.Notes == nil && u.DeploymentURI == nil
}

// DeploymentRepository stores deployment records. Every operation is scoped
// to an organisation passed explicitly from the verified caller identity.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, organisation, id string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, organisation string, filter Filter) ([]domain.Deployment, error)
	// ListByTaxonomy returns records for the taxonomy, newest first. A nil
	// key cell matches only rows without a cell. An empty status matches
	// any; a non-positive limit returns every match.
	ListByTaxonomy(ctx context.Context, key domain.TaxonomyKey, status domain.Status, limit int) ([]domain.Deployment, error)
	// UpdateDeploymentFields applies a partial update and returns the
	// resulting row, or ErrNotFound when the id is absent or not owned.
	UpdateDeploymentFields(ctx context.Context, organisation, id string, update FieldUpdate) (*domain.Deployment, error)
	// SkipScheduled marks the given still-scheduled taxonomy siblings as
	// skipped in one conditional statement and returns the affected count.
	SkipScheduled(ctx context.Context, key domain.TaxonomyKey, excludeID string, ids []string) (int64, error)
}
