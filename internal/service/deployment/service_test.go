package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/martocorp/deployment-queue-api/internal/domain"
	"github.com/martocorp/deployment-queue-api/internal/repository"
)

type fakeStore struct {
	records map[string]*domain.Deployment
	// updateErr, when set, fails UpdateDeploymentFields for the given id.
	updateErr map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:   make(map[string]*domain.Deployment),
		updateErr: make(map[string]error),
	}
}

func (f *fakeStore) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	copied := *d
	f.records[d.ID] = &copied
	return nil
}

func (f *fakeStore) GetDeployment(_ context.Context, organisation, id string) (*domain.Deployment, error) {
	d, ok := f.records[id]
	if !ok || d.Organisation != organisation {
		return nil, repository.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (f *fakeStore) ListDeployments(_ context.Context, organisation string, filter repository.Filter) ([]domain.Deployment, error) {
	var out []domain.Deployment
	for _, d := range f.records {
		if d.Organisation != organisation {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.Name != "" && d.Name != filter.Name {
			continue
		}
		out = append(out, *d)
	}
	sortNewestFirst(out)
	return out, nil
}

func (f *fakeStore) ListByTaxonomy(_ context.Context, key domain.TaxonomyKey, status domain.Status, limit int) ([]domain.Deployment, error) {
	var out []domain.Deployment
	for _, d := range f.records {
		if !d.Taxonomy().Equal(key) {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, *d)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) UpdateDeploymentFields(_ context.Context, organisation, id string, update repository.FieldUpdate) (*domain.Deployment, error) {
	if err, ok := f.updateErr[id]; ok {
		return nil, err
	}
	d, ok := f.records[id]
	if !ok || d.Organisation != organisation {
		return nil, repository.ErrNotFound
	}
	if update.Status != nil {
		d.Status = *update.Status
	}
	if update.Notes != nil {
		d.Notes = *update.Notes
	}
	if update.DeploymentURI != nil {
		d.DeploymentURI = *update.DeploymentURI
	}
	d.UpdatedAt = d.UpdatedAt.Add(time.Second)
	copied := *d
	return &copied, nil
}

func (f *fakeStore) SkipScheduled(_ context.Context, key domain.TaxonomyKey, excludeID string, ids []string) (int64, error) {
	var n int64
	for _, id := range ids {
		d, ok := f.records[id]
		if !ok || id == excludeID || d.Status != domain.StatusScheduled || !d.Taxonomy().Equal(key) {
			continue
		}
		d.Status = domain.StatusSkipped
		n++
	}
	return n, nil
}

func sortNewestFirst(records []domain.Deployment) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

type fakeReleaser struct {
	calls []string
	err   error
}

func (r *fakeReleaser) Release(_ context.Context, d *domain.Deployment) error {
	r.calls = append(r.calls, d.ID)
	return r.err
}

type fakePublisher struct {
	events []string
}

func (p *fakePublisher) Publish(eventType string, _ *domain.Deployment) {
	p.events = append(p.events, eventType)
}

func newTestService(store *fakeStore) (*Service, *fakeReleaser, *fakePublisher) {
	releaser := &fakeReleaser{}
	publisher := &fakePublisher{}
	svc := New(store, releaser, publisher, slog.Default())

	base := time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	seq := 0
	svc.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return svc, releaser, publisher
}

var testIdentity = domain.Identity{
	Organisation: "acme",
	Source:       "github-oidc",
	Repository:   "acme/platform",
	Workflow:     "deploy.yml",
	Actor:        "octocat",
}

func validInput(version string) CreateInput {
	return CreateInput{
		Name:           "payments",
		Version:        version,
		Provider:       domain.ProviderGCP,
		CloudAccountID: "prj-123",
		Region:         "europe-west1",
	}
}

func seed(t *testing.T, svc *Service, version string, status domain.Status) *domain.Deployment {
	t.Helper()
	d, err := svc.Create(context.Background(), testIdentity, validInput(version))
	if err != nil {
		t.Fatalf("seed create: %v", err)
	}
	if status != domain.StatusScheduled {
		s := status
		if _, _, err := svc.Update(context.Background(), "acme", d.ID, UpdateInput{Status: &s}); err != nil {
			t.Fatalf("seed transition: %v", err)
		}
		d.Status = status
	}
	return d
}

func TestCreateSchedulesRecord(t *testing.T) {
	svc, releaser, publisher := newTestService(newFakeStore())

	in := validInput("1.2.3")
	in.Auto = true
	d, err := svc.Create(context.Background(), testIdentity, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if d.Status != domain.StatusScheduled {
		t.Errorf("status = %s, want scheduled", d.Status)
	}
	if d.Trigger != domain.TriggerAuto {
		t.Errorf("trigger = %s, want auto", d.Trigger)
	}
	if d.Type != domain.TypeK8s {
		t.Errorf("type = %s, want default k8s", d.Type)
	}
	if d.Organisation != "acme" || d.CreatedByActor != "octocat" || d.CreatedByRepo != "acme/platform" {
		t.Errorf("identity fields not carried: %+v", d)
	}
	if len(releaser.calls) != 0 {
		t.Errorf("release hook must not fire at creation, got %v", releaser.calls)
	}
	if len(publisher.events) != 1 || publisher.events[0] != EventCreated {
		t.Errorf("events = %v, want single created", publisher.events)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(newFakeStore())

	in := validInput("1.0.0")
	in.Name = ""
	in.Provider = "docker"

	_, err := svc.Create(context.Background(), testIdentity, in)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok := vErr.Fields["name"]; !ok {
		t.Errorf("missing name field error: %v", vErr.Fields)
	}
	if _, ok := vErr.Fields["provider"]; !ok {
		t.Errorf("missing provider field error: %v", vErr.Fields)
	}
}

func TestUpdateRejectsEmptyPayload(t *testing.T) {
	svc, _, _ := newTestService(newFakeStore())
	d := seed(t, svc, "1.0.0", domain.StatusScheduled)

	_, _, err := svc.Update(context.Background(), "acme", d.ID, UpdateInput{})
	if !errors.Is(err, ErrEmptyUpdate) {
		t.Fatalf("expected ErrEmptyUpdate, got %v", err)
	}
}

func TestUpdateFiresReleaseHookOnPromotion(t *testing.T) {
	svc, releaser, _ := newTestService(newFakeStore())
	d := seed(t, svc, "1.0.0", domain.StatusScheduled)

	inProgress := domain.StatusInProgress
	updated, _, err := svc.Update(context.Background(), "acme", d.ID, UpdateInput{Status: &inProgress})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != domain.StatusInProgress {
		t.Errorf("status = %s", updated.Status)
	}
	if len(releaser.calls) != 1 || releaser.calls[0] != d.ID {
		t.Fatalf("release calls = %v, want exactly one for %s", releaser.calls, d.ID)
	}

	// A repeated in_progress write must not fire the hook again.
	if _, _, err := svc.Update(context.Background(), "acme", d.ID, UpdateInput{Status: &inProgress}); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if len(releaser.calls) != 1 {
		t.Fatalf("release calls = %v, hook fired more than once", releaser.calls)
	}
}

func TestUpdateNotesOnlyDoesNotFireHook(t *testing.T) {
	svc, releaser, _ := newTestService(newFakeStore())
	d := seed(t, svc, "1.0.0", domain.StatusScheduled)

	notes := "waiting on change freeze"
	if _, _, err := svc.Update(context.Background(), "acme", d.ID, UpdateInput{Notes: &notes}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(releaser.calls) != 0 {
		t.Fatalf("release calls = %v, want none", releaser.calls)
	}
}

func TestDeployedSupersedesOlderScheduledSiblings(t *testing.T) {
	svc, _, publisher := newTestService(newFakeStore())

	older := seed(t, svc, "1.1.0", domain.StatusScheduled)
	newer := seed(t, svc, "2.0.1", domain.StatusScheduled)
	equal := seed(t, svc, "2.0.0", domain.StatusScheduled)
	junk := seed(t, svc, "not-a-version", domain.StatusScheduled)
	winner := seed(t, svc, "v2.0.0", domain.StatusScheduled)

	deployed := domain.StatusDeployed
	_, skipped, err := svc.Update(context.Background(), "acme", winner.ID, UpdateInput{Status: &deployed})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if skipped != 1 {
		t.Fatalf("skipped = %d, want 1", skipped)
	}

	assertStatus(t, svc, older.ID, domain.StatusSkipped)
	assertStatus(t, svc, newer.ID, domain.StatusScheduled)
	assertStatus(t, svc, equal.ID, domain.StatusScheduled)
	assertStatus(t, svc, junk.ID, domain.StatusScheduled)

	var sawSkipEvent bool
	for _, e := range publisher.events {
		if e == EventSkipped {
			sawSkipEvent = true
		}
	}
	if !sawSkipEvent {
		t.Error("no skip event published")
	}
}

func TestDeployedWithUnparseableVersionSkipsNothing(t *testing.T) {
	svc, _, _ := newTestService(newFakeStore())

	older := seed(t, svc, "0.1.0", domain.StatusScheduled)
	winner := seed(t, svc, "build-latest", domain.StatusScheduled)

	deployed := domain.StatusDeployed
	_, skipped, err := svc.Update(context.Background(), "acme", winner.ID, UpdateInput{Status: &deployed})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if skipped != 0 {
		t.Fatalf("skipped = %d, want 0", skipped)
	}
	assertStatus(t, svc, older.ID, domain.StatusScheduled)
}

func TestSupersessionIgnoresOtherTaxonomies(t *testing.T) {
	svc, _, _ := newTestService(newFakeStore())

	other := validInput("0.5.0")
	other.Region = "us-east1"
	otherRegion, err := svc.Create(context.Background(), testIdentity, other)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cellIn := validInput("0.5.0")
	cell := "cell-a"
	cellIn.Cell = &cell
	withCell, err := svc.Create(context.Background(), testIdentity, cellIn)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	winner := seed(t, svc, "1.0.0", domain.StatusScheduled)
	deployed := domain.StatusDeployed
	if _, _, err := svc.Update(context.Background(), "acme", winner.ID, UpdateInput{Status: &deployed}); err != nil {
		t.Fatalf("update: %v", err)
	}

	assertStatus(t, svc, otherRegion.ID, domain.StatusScheduled)
	assertStatus(t, svc, withCell.ID, domain.StatusScheduled)
}

func TestCurrentReturnsLatestRecordRegardlessOfStatus(t *testing.T) {
	svc, _, _ := newTestService(newFakeStore())

	seed(t, svc, "1.0.0", domain.StatusDeployed)
	seed(t, svc, "1.1.0", domain.StatusDeployed)
	latest := seed(t, svc, "1.2.0", domain.StatusInProgress)

	q := TaxonomyQuery{Name: "payments", Provider: domain.ProviderGCP, CloudAccountID: "prj-123", Region: "europe-west1"}
	current, err := svc.Current(context.Background(), "acme", q)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.ID != latest.ID {
		t.Fatalf("current = %s, want most recently created %s", current.ID, latest.ID)
	}

	// A scheduled-only taxonomy still has a current record.
	other := validInput("0.1.0")
	other.Name = "billing"
	scheduled, err := svc.Create(context.Background(), testIdentity, other)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	q.Name = "billing"
	current, err = svc.Current(context.Background(), "acme", q)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.ID != scheduled.ID || current.Status != domain.StatusScheduled {
		t.Fatalf("current = %+v, want the scheduled record", current)
	}
}

func TestCurrentNotFoundWithoutRecords(t *testing.T) {
	svc, _, _ := newTestService(newFakeStore())

	q := TaxonomyQuery{Name: "payments", Provider: domain.ProviderGCP, CloudAccountID: "prj-123", Region: "europe-west1"}
	if _, err := svc.Current(context.Background(), "acme", q); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRollbackCreatesRemediationRecord(t *testing.T) {
	svc, releaser, _ := newTestService(newFakeStore())

	good := seed(t, svc, "1.0.0", domain.StatusDeployed)
	goodURI := "https://deploys.example.com/payments/1.0.0"
	if _, _, err := svc.Update(context.Background(), "acme", good.ID, UpdateInput{DeploymentURI: &goodURI}); err != nil {
		t.Fatalf("seed deployment_uri: %v", err)
	}
	failed := seed(t, svc, "1.1.0", domain.StatusFailed)
	releaser.calls = nil

	rollback, err := svc.Rollback(context.Background(), "acme", failed.ID, testIdentity)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if rollback.Trigger != domain.TriggerRollback {
		t.Errorf("trigger = %s, want rollback", rollback.Trigger)
	}
	if rollback.Auto {
		t.Error("auto = true, rollback records are caller-driven")
	}
	if !strings.Contains(rollback.Notes, failed.ID) || !strings.Contains(rollback.Notes, good.ID) || !strings.Contains(rollback.Notes, "1.0.0") {
		t.Errorf("notes = %q, want the failed id, source id and source version", rollback.Notes)
	}
	if rollback.DeploymentURI != goodURI {
		t.Errorf("deployment_uri = %q, want the source's %q", rollback.DeploymentURI, goodURI)
	}
	if rollback.Status != domain.StatusInProgress {
		t.Errorf("status = %s, want in_progress after auto-advance", rollback.Status)
	}
	if rollback.Version != "1.0.0" {
		t.Errorf("version = %s, want the deployed sibling's", rollback.Version)
	}
	if rollback.SourceDeploymentID == nil || *rollback.SourceDeploymentID != good.ID {
		t.Errorf("source_deployment_id = %v, want %s", rollback.SourceDeploymentID, good.ID)
	}
	if rollback.RollbackFromDeploymentID == nil || *rollback.RollbackFromDeploymentID != failed.ID {
		t.Errorf("rollback_from_deployment_id = %v, want %s", rollback.RollbackFromDeploymentID, failed.ID)
	}
	if len(releaser.calls) != 1 || releaser.calls[0] != rollback.ID {
		t.Fatalf("release calls = %v, want exactly one for %s", releaser.calls, rollback.ID)
	}
	assertStatus(t, svc, failed.ID, domain.StatusRolledBack)
}

func TestRollbackSurvivesFailedMarkError(t *testing.T) {
	store := newFakeStore()
	svc, _, _ := newTestService(store)

	seed(t, svc, "1.0.0", domain.StatusDeployed)
	failed := seed(t, svc, "1.1.0", domain.StatusFailed)

	store.updateErr[failed.ID] = errors.New("connection reset")

	rollback, err := svc.Rollback(context.Background(), "acme", failed.ID, testIdentity)
	if err != nil {
		t.Fatalf("rollback should succeed despite mark failure: %v", err)
	}
	if rollback.Status != domain.StatusInProgress {
		t.Errorf("status = %s", rollback.Status)
	}
}

func TestRollbackWithoutDeployedSibling(t *testing.T) {
	svc, _, _ := newTestService(newFakeStore())
	failed := seed(t, svc, "1.0.0", domain.StatusFailed)

	if _, err := svc.Rollback(context.Background(), "acme", failed.ID, testIdentity); !errors.Is(err, ErrNoSuccessfulDeployment) {
		t.Fatalf("expected ErrNoSuccessfulDeployment, got %v", err)
	}
}

func TestRollbackRequiresFailedStatus(t *testing.T) {
	svc, _, _ := newTestService(newFakeStore())
	d := seed(t, svc, "1.0.0", domain.StatusDeployed)

	if _, err := svc.Rollback(context.Background(), "acme", d.ID, testIdentity); !errors.Is(err, ErrNotRollbackable) {
		t.Fatalf("expected ErrNotRollbackable, got %v", err)
	}
}

func TestCrossOrganisationAccessLooksLikeNotFound(t *testing.T) {
	svc, _, _ := newTestService(newFakeStore())
	d := seed(t, svc, "1.0.0", domain.StatusScheduled)

	if _, err := svc.Get(context.Background(), "globex", d.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign org, got %v", err)
	}
	status := domain.StatusDeployed
	if _, _, err := svc.Update(context.Background(), "globex", d.ID, UpdateInput{Status: &status}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign org update, got %v", err)
	}
	if _, err := svc.Rollback(context.Background(), "globex", d.ID, testIdentity); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign org rollback, got %v", err)
	}
}

func assertStatus(t *testing.T, svc *Service, id string, want domain.Status) {
	t.Helper()
	d, err := svc.Get(context.Background(), "acme", id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if d.Status != want {
		t.Errorf("status of %s = %s, want %s", id, d.Status, want)
	}
}
