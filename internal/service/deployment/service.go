// Package deployment implements the deployment lifecycle engine: record
// creation, status transitions, version-aware supersession of stale
// scheduled work, and remediation rollbacks.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/martocorp/deployment-queue-api/internal/domain"
	"github.com/martocorp/deployment-queue-api/internal/repository"
	"github.com/martocorp/deployment-queue-api/internal/service/release"
	"github.com/martocorp/deployment-queue-api/internal/version"
)

// Sentinel errors surfaced to the transport layer.
var (
	// ErrNotFound is returned when a record does not exist or belongs to
	// another organisation.
	ErrNotFound = repository.ErrNotFound
	// ErrEmptyUpdate is returned for a partial update carrying no fields.
	ErrEmptyUpdate = errors.New("update carries no fields")
	// ErrNoSuccessfulDeployment is returned when a rollback finds no deployed
	// sibling to fall back to.
	ErrNoSuccessfulDeployment = errors.New("no previous successful deployment for taxonomy")
	// ErrNotRollbackable is returned when a rollback targets a record that is
	// not in the failed state.
	ErrNotRollbackable = errors.New("only failed deployments can be rolled back")
)

// ValidationError reports per-field input problems.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("invalid input: %s", strings.Join(keys, ", "))
}

// EventPublisher receives lifecycle events for streaming to subscribers.
type EventPublisher interface {
	Publish(eventType string, d *domain.Deployment)
}

// Event types handed to the publisher.
const (
	EventCreated    = "deployment.created"
	EventUpdated    = "deployment.updated"
	EventSkipped    = "deployment.skipped"
	EventRolledBack = "deployment.rolled_back"
)

// Service coordinates the deployment lifecycle over the store.
type Service struct {
	store    repository.DeploymentRepository
	releases release.Releaser
	events   EventPublisher
	log      *slog.Logger

	now   func() time.Time
	newID func() string
}

// New constructs the lifecycle service. events may be nil when no stream is
// attached.
func New(store repository.DeploymentRepository, releases release.Releaser, events EventPublisher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		releases: releases,
		events:   events,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
}

// CreateInput is the payload for scheduling a new deployment.
type CreateInput struct {
	Name                string
	Version             string
	CommitSHA           string
	PipelineExtraParams string
	Provider            domain.Provider
	CloudAccountID      string
	Region              string
	Environment         string
	Cell                *string
	Type                domain.DeploymentType
	Auto                bool
	Description         string
	Notes               string
	BuildURI            string
	DeploymentURI       string
	Resource            string
}

// Validate checks required fields and enum values.
func (in *CreateInput) Validate() error {
	fields := make(map[string]string)
	if strings.TrimSpace(in.Name) == "" {
		fields["name"] = "required"
	}
	if strings.TrimSpace(in.Version) == "" {
		fields["version"] = "required"
	}
	if in.Provider == "" {
		fields["provider"] = "required"
	} else if !in.Provider.Valid() {
		fields["provider"] = "unknown provider"
	}
	if strings.TrimSpace(in.CloudAccountID) == "" {
		fields["cloud_account_id"] = "required"
	}
	if strings.TrimSpace(in.Region) == "" {
		fields["region"] = "required"
	}
	if in.Cell != nil && strings.TrimSpace(*in.Cell) == "" {
		fields["cell"] = "must be absent or non-empty"
	}
	if in.Type != "" && !in.Type.Valid() {
		fields["type"] = "unknown deployment type"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Create schedules a new deployment record for the caller's organisation.
// Records always enter the queue as scheduled; the trigger reflects whether
// automation or a human asked for it.
func (s *Service) Create(ctx context.Context, identity domain.Identity, in CreateInput) (*domain.Deployment, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	deploymentType := in.Type
	if deploymentType == "" {
		deploymentType = domain.TypeK8s
	}
	trigger := domain.TriggerManual
	if in.Auto {
		trigger = domain.TriggerAuto
	}

	now := s.now()
	d := &domain.Deployment{
		ID:                  s.newID(),
		Organisation:        identity.Organisation,
		Name:                in.Name,
		Version:             in.Version,
		CommitSHA:           in.CommitSHA,
		PipelineExtraParams: in.PipelineExtraParams,
		Provider:            in.Provider,
		CloudAccountID:      in.CloudAccountID,
		Region:              in.Region,
		Environment:         in.Environment,
		Cell:                in.Cell,
		Type:                deploymentType,
		Status:              domain.StatusScheduled,
		Auto:                in.Auto,
		Trigger:             trigger,
		Description:         in.Description,
		Notes:               in.Notes,
		BuildURI:            in.BuildURI,
		DeploymentURI:       in.DeploymentURI,
		Resource:            in.Resource,
		CreatedByRepo:       identity.Repository,
		CreatedByWorkflow:   identity.Workflow,
		CreatedByActor:      identity.Actor,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.store.CreateDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.publish(EventCreated, d)
	return d, nil
}

// Get fetches a deployment owned by the organisation.
func (s *Service) Get(ctx context.Context, organisation, id string) (*domain.Deployment, error) {
	return s.store.GetDeployment(ctx, organisation, id)
}

// List returns the organisation's records, newest first, with optional
// filters.
func (s *Service) List(ctx context.Context, organisation string, filter repository.Filter) ([]domain.Deployment, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &ValidationError{Fields: map[string]string{"status": "unknown status"}}
	}
	if filter.Trigger != "" && !filter.Trigger.Valid() {
		return nil, &ValidationError{Fields: map[string]string{"trigger": "unknown trigger"}}
	}
	if filter.Provider != "" && !filter.Provider.Valid() {
		return nil, &ValidationError{Fields: map[string]string{"provider": "unknown provider"}}
	}
	return s.store.ListDeployments(ctx, organisation, filter)
}

// TaxonomyQuery identifies a deployable unit for current/history lookups.
type TaxonomyQuery struct {
	Name           string
	Provider       domain.Provider
	CloudAccountID string
	Region         string
	Cell           *string
}

// Validate checks the query names a complete taxonomy.
func (q *TaxonomyQuery) Validate() error {
	fields := make(map[string]string)
	if strings.TrimSpace(q.Name) == "" {
		fields["name"] = "required"
	}
	if q.Provider == "" {
		fields["provider"] = "required"
	} else if !q.Provider.Valid() {
		fields["provider"] = "unknown provider"
	}
	if strings.TrimSpace(q.CloudAccountID) == "" {
		fields["cloud_account_id"] = "required"
	}
	if strings.TrimSpace(q.Region) == "" {
		fields["region"] = "required"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func (q *TaxonomyQuery) key(organisation string) domain.TaxonomyKey {
	return domain.TaxonomyKey{
		Organisation:   organisation,
		Name:           q.Name,
		Provider:       q.Provider,
		CloudAccountID: q.CloudAccountID,
		Region:         q.Region,
		Cell:           q.Cell,
	}
}

// Current returns the most recently created record for the taxonomy,
// whatever its state. Pipelines polling their own progress need to see the
// scheduled or in_progress record, not the last success.
func (s *Service) Current(ctx context.Context, organisation string, q TaxonomyQuery) (*domain.Deployment, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	records, err := s.store.ListByTaxonomy(ctx, q.key(organisation), "", 1)
	if err != nil {
		return nil, fmt.Errorf("resolve current deployment: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return &records[0], nil
}

// History returns the taxonomy's records, newest first.
func (s *Service) History(ctx context.Context, organisation string, q TaxonomyQuery, limit int) ([]domain.Deployment, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.store.ListByTaxonomy(ctx, q.key(organisation), "", limit)
}

// UpdateInput is a partial update to a deployment's mutable fields.
type UpdateInput struct {
	Status        *domain.Status
	Notes         *string
	DeploymentURI *string
}

// Validate rejects empty updates and unknown statuses.
func (in *UpdateInput) Validate() error {
	if in.Status == nil && in.Notes == nil && in.DeploymentURI == nil {
		return ErrEmptyUpdate
	}
	if in.Status != nil && !in.Status.Valid() {
		return &ValidationError{Fields: map[string]string{"status": "unknown status"}}
	}
	return nil
}

// Update applies a partial update to the record. Promoting to in_progress
// from scheduled triggers the release hook; promoting to deployed supersedes
// strictly older scheduled siblings. The returned count is the number of
// siblings skipped.
func (s *Service) Update(ctx context.Context, organisation, id string, in UpdateInput) (*domain.Deployment, int64, error) {
	if err := in.Validate(); err != nil {
		return nil, 0, err
	}

	prior, err := s.store.GetDeployment(ctx, organisation, id)
	if err != nil {
		return nil, 0, err
	}

	updated, err := s.store.UpdateDeploymentFields(ctx, organisation, id, repository.FieldUpdate{
		Status:        in.Status,
		Notes:         in.Notes,
		DeploymentURI: in.DeploymentURI,
	})
	if err != nil {
		return nil, 0, err
	}
	s.publish(EventUpdated, updated)

	if in.Status != nil && prior.Status == domain.StatusScheduled && *in.Status == domain.StatusInProgress {
		s.triggerRelease(ctx, updated)
	}

	var skipped int64
	if in.Status != nil && *in.Status == domain.StatusDeployed && prior.Status != domain.StatusDeployed {
		skipped = s.supersede(ctx, updated)
	}
	return updated, skipped, nil
}

// UpdateCurrent applies a partial update to the most recent record for the
// taxonomy, regardless of its state. Pipelines that only know their taxonomy
// use this to report progress without tracking record ids.
func (s *Service) UpdateCurrent(ctx context.Context, organisation string, q TaxonomyQuery, in UpdateInput) (*domain.Deployment, int64, error) {
	if err := q.Validate(); err != nil {
		return nil, 0, err
	}
	records, err := s.store.ListByTaxonomy(ctx, q.key(organisation), "", 1)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve latest deployment: %w", err)
	}
	if len(records) == 0 {
		return nil, 0, ErrNotFound
	}
	return s.Update(ctx, organisation, records[0].ID, in)
}

// Rollback remediates a failed deployment: it schedules a new rollback
// record re-deploying the most recent deployed sibling, best-effort marks
// the failed record rolled_back, and auto-advances the new record into
// in_progress, firing the release hook once.
func (s *Service) Rollback(ctx context.Context, organisation, failedID string, identity domain.Identity) (*domain.Deployment, error) {
	failed, err := s.store.GetDeployment(ctx, organisation, failedID)
	if err != nil {
		return nil, err
	}
	if failed.Status != domain.StatusFailed {
		return nil, ErrNotRollbackable
	}

	siblings, err := s.store.ListByTaxonomy(ctx, failed.Taxonomy(), domain.StatusDeployed, 1)
	if err != nil {
		return nil, fmt.Errorf("resolve rollback target: %w", err)
	}
	if len(siblings) == 0 {
		return nil, ErrNoSuccessfulDeployment
	}
	target := siblings[0]

	now := s.now()
	sourceID := target.ID
	rollbackFromID := failed.ID
	rollback := &domain.Deployment{
		ID:                       s.newID(),
		Organisation:             organisation,
		Name:                     target.Name,
		Version:                  target.Version,
		CommitSHA:                target.CommitSHA,
		PipelineExtraParams:      target.PipelineExtraParams,
		Provider:                 target.Provider,
		CloudAccountID:           target.CloudAccountID,
		Region:                   target.Region,
		Environment:              target.Environment,
		Cell:                     target.Cell,
		Type:                     target.Type,
		Status:                   domain.StatusScheduled,
		Auto:                     false,
		Trigger:                  domain.TriggerRollback,
		Description:              target.Description,
		Notes:                    fmt.Sprintf("rollback of %s: restoring version %s from %s", failed.ID, target.Version, target.ID),
		BuildURI:                 target.BuildURI,
		DeploymentURI:            target.DeploymentURI,
		Resource:                 target.Resource,
		SourceDeploymentID:       &sourceID,
		RollbackFromDeploymentID: &rollbackFromID,
		CreatedByRepo:            identity.Repository,
		CreatedByWorkflow:        identity.Workflow,
		CreatedByActor:           identity.Actor,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := s.store.CreateDeployment(ctx, rollback); err != nil {
		return nil, fmt.Errorf("create rollback deployment: %w", err)
	}
	s.publish(EventCreated, rollback)

	// The remediation is already queued at this point. Failing to label the
	// failed record must not fail the request.
	rolledBack := domain.StatusRolledBack
	if marked, err := s.store.UpdateDeploymentFields(ctx, organisation, failed.ID, repository.FieldUpdate{Status: &rolledBack}); err != nil {
		s.log.Warn("could not mark failed deployment rolled_back",
			"deployment_id", failed.ID, "organisation", organisation, "error", err)
	} else {
		s.publish(EventRolledBack, marked)
	}

	inProgress := domain.StatusInProgress
	advanced, err := s.store.UpdateDeploymentFields(ctx, organisation, rollback.ID, repository.FieldUpdate{Status: &inProgress})
	if err != nil {
		return nil, fmt.Errorf("advance rollback deployment: %w", err)
	}
	s.publish(EventUpdated, advanced)
	s.triggerRelease(ctx, advanced)
	return advanced, nil
}

// supersede skips scheduled taxonomy siblings whose versions are strictly
// older than the newly deployed record. Records with versions that do not
// parse are never skipped, and nothing is skipped when the deployed version
// itself does not parse.
func (s *Service) supersede(ctx context.Context, deployed *domain.Deployment) int64 {
	deployedVersion := version.Parse(deployed.Version)
	if !deployedVersion.Comparable() {
		return 0
	}

	key := deployed.Taxonomy()
	siblings, err := s.store.ListByTaxonomy(ctx, key, domain.StatusScheduled, 0)
	if err != nil {
		s.log.Warn("could not list scheduled siblings for supersession",
			"deployment_id", deployed.ID, "organisation", deployed.Organisation, "error", err)
		return 0
	}

	var stale []domain.Deployment
	for _, sibling := range siblings {
		if sibling.ID == deployed.ID {
			continue
		}
		v := version.Parse(sibling.Version)
		if v.Comparable() && v.Less(deployedVersion) {
			stale = append(stale, sibling)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	ids := make([]string, len(stale))
	for i, sibling := range stale {
		ids[i] = sibling.ID
	}
	skipped, err := s.store.SkipScheduled(ctx, key, deployed.ID, ids)
	if err != nil {
		s.log.Warn("could not skip superseded deployments",
			"deployment_id", deployed.ID, "organisation", deployed.Organisation, "error", err)
		return 0
	}
	if skipped > 0 {
		s.log.Info("superseded scheduled deployments",
			"deployment_id", deployed.ID, "organisation", deployed.Organisation,
			"version", deployed.Version, "skipped", skipped)
		for i := range stale {
			stale[i].Status = domain.StatusSkipped
			s.publish(EventSkipped, &stale[i])
		}
	}
	return skipped
}

// triggerRelease fires the pipeline hook. Hook failures are logged and never
// surfaced: the lifecycle transition has already been persisted.
func (s *Service) triggerRelease(ctx context.Context, d *domain.Deployment) {
	if s.releases == nil {
		return
	}
	if err := s.releases.Release(ctx, d); err != nil {
		s.log.Warn("release hook failed",
			"deployment_id", d.ID, "organisation", d.Organisation, "error", err)
	}
}

func (s *Service) publish(eventType string, d *domain.Deployment) {
	if s.events != nil {
		s.events.Publish(eventType, d)
	}
}
