package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/martocorp/deployment-queue-api/internal/domain"
	"github.com/martocorp/deployment-queue-api/internal/repository"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.DeploymentRepository = (*Repository)(nil)

const deploymentColumns = `id, organisation, name, version, commit_sha, pipeline_extra_params,
	provider, cloud_account_id, region, environment, cell, type, status, auto, "trigger",
	description, notes, build_uri, deployment_uri, resource,
	source_deployment_id, rollback_from_deployment_id,
	created_by_repo, created_by_workflow, created_by_actor, created_at, updated_at`

// CreateDeployment inserts a fully populated deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (
			id, organisation, name, version, commit_sha, pipeline_extra_params,
			provider, cloud_account_id, region, environment, cell, type, status, auto, "trigger",
			description, notes, build_uri, deployment_uri, resource,
			source_deployment_id, rollback_from_deployment_id,
			created_by_repo, created_by_workflow, created_by_actor, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27
		)`
	_, err := r.pool.Exec(ctx, query,
		d.ID,
		d.Organisation,
		d.Name,
		d.Version,
		d.CommitSHA,
		d.PipelineExtraParams,
		d.Provider,
		d.CloudAccountID,
		d.Region,
		d.Environment,
		stringPtrToNil(d.Cell),
		d.Type,
		d.Status,
		d.Auto,
		d.Trigger,
		d.Description,
		d.Notes,
		d.BuildURI,
		d.DeploymentURI,
		d.Resource,
		stringPtrToNil(d.SourceDeploymentID),
		stringPtrToNil(d.RollbackFromDeploymentID),
		d.CreatedByRepo,
		d.CreatedByWorkflow,
		d.CreatedByActor,
		d.CreatedAt,
		d.UpdatedAt,
	)
	return mapPgError(err)
}

// GetDeployment fetches a deployment owned by the organisation. Missing and
// foreign-org rows are indistinguishable to the caller.
func (r *Repository) GetDeployment(ctx context.Context, organisation, id string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments WHERE organisation = $1 AND id = $2`
	row := r.pool.QueryRow(ctx, query, organisation, id)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListDeployments returns records for the organisation, newest first, with
// optional filters. Clause shapes are fixed; filter values are only ever
// bound as parameters.
func (r *Repository) ListDeployments(ctx context.Context, organisation string, f repository.Filter) ([]domain.Deployment, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments
		WHERE organisation = $1
			AND ($2 = '' OR status = $2)
			AND ($3 = '' OR name = $3)
			AND ($4 = '' OR provider = $4)
			AND ($5 = '' OR cloud_account_id = $5)
			AND ($6 = '' OR region = $6)
			AND ($7 = '' OR cell = $7)
			AND ($8 = '' OR "trigger" = $8)
		ORDER BY created_at DESC
		LIMIT $9`
	rows, err := r.pool.Query(ctx, query,
		organisation,
		string(f.Status),
		f.Name,
		string(f.Provider),
		f.CloudAccountID,
		f.Region,
		f.Cell,
		string(f.Trigger),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// ListByTaxonomy returns records matching the taxonomy key, newest first.
// The cell predicate is strict: a nil cell matches only rows where cell is
// NULL. A non-positive limit binds LIMIT NULL, returning every match; the
// supersession sweep relies on seeing all scheduled siblings.
func (r *Repository) ListByTaxonomy(ctx context.Context, key domain.TaxonomyKey, status domain.Status, limit int) ([]domain.Deployment, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	const base = `SELECT ` + deploymentColumns + `
		FROM deployments
		WHERE organisation = $1
			AND name = $2
			AND provider = $3
			AND cloud_account_id = $4
			AND region = $5`
	var (
		rows pgx.Rows
		err  error
	)
	if key.Cell == nil {
		const query = base + `
			AND cell IS NULL
			AND ($6 = '' OR status = $6)
		ORDER BY created_at DESC
		LIMIT $7`
		rows, err = r.pool.Query(ctx, query,
			key.Organisation, key.Name, string(key.Provider), key.CloudAccountID, key.Region,
			string(status), limitArg)
	} else {
		const query = base + `
			AND cell = $6
			AND ($7 = '' OR status = $7)
		ORDER BY created_at DESC
		LIMIT $8`
		rows, err = r.pool.Query(ctx, query,
			key.Organisation, key.Name, string(key.Provider), key.CloudAccountID, key.Region,
			*key.Cell, string(status), limitArg)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// UpdateDeploymentFields applies a partial update and returns the updated
// row. updated_at is always refreshed.
func (r *Repository) UpdateDeploymentFields(ctx context.Context, organisation, id string, update repository.FieldUpdate) (*domain.Deployment, error) {
	const query = `UPDATE deployments
		SET status = COALESCE($3, status),
			notes = COALESCE($4, notes),
			deployment_uri = COALESCE($5, deployment_uri),
			updated_at = NOW()
		WHERE organisation = $1 AND id = $2
		RETURNING ` + deploymentColumns
	var status any
	if update.Status != nil {
		status = string(*update.Status)
	}
	row := r.pool.QueryRow(ctx, query,
		organisation,
		id,
		status,
		stringPtrToNil(update.Notes),
		stringPtrToNil(update.DeploymentURI),
	)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, mapPgError(err)
	}
	return d, nil
}

// SkipScheduled marks the listed taxonomy siblings as skipped in a single
// statement conditioned on them still being scheduled. Rows that left the
// scheduled state since they were read are left alone.
func (r *Repository) SkipScheduled(ctx context.Context, key domain.TaxonomyKey, excludeID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const base = `UPDATE deployments
		SET status = 'skipped', updated_at = NOW()
		WHERE organisation = $1
			AND name = $2
			AND provider = $3
			AND cloud_account_id = $4
			AND region = $5
			AND status = 'scheduled'`
	var (
		tag pgconn.CommandTag
		err error
	)
	if key.Cell == nil {
		const query = base + `
			AND cell IS NULL
			AND id <> $6
			AND id = ANY($7)`
		tag, err = r.pool.Exec(ctx, query,
			key.Organisation, key.Name, string(key.Provider), key.CloudAccountID, key.Region,
			excludeID, ids)
	} else {
		const query = base + `
			AND cell = $6
			AND id <> $7
			AND id = ANY($8)`
		tag, err = r.pool.Exec(ctx, query,
			key.Organisation, key.Name, string(key.Provider), key.CloudAccountID, key.Region,
			*key.Cell, excludeID, ids)
	}
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d            domain.Deployment
		cell         sql.NullString
		sourceID     sql.NullString
		rollbackFrom sql.NullString
	)
	if err := row.Scan(
		&d.ID,
		&d.Organisation,
		&d.Name,
		&d.Version,
		&d.CommitSHA,
		&d.PipelineExtraParams,
		&d.Provider,
		&d.CloudAccountID,
		&d.Region,
		&d.Environment,
		&cell,
		&d.Type,
		&d.Status,
		&d.Auto,
		&d.Trigger,
		&d.Description,
		&d.Notes,
		&d.BuildURI,
		&d.DeploymentURI,
		&d.Resource,
		&sourceID,
		&rollbackFrom,
		&d.CreatedByRepo,
		&d.CreatedByWorkflow,
		&d.CreatedByActor,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if cell.Valid {
		value := cell.String
		d.Cell = &value
	}
	if sourceID.Valid {
		value := sourceID.String
		d.SourceDeploymentID = &value
	}
	if rollbackFrom.Valid {
		value := rollbackFrom.String
		d.RollbackFromDeploymentID = &value
	}
	return &d, nil
}

func stringPtrToNil(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505", "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}
