package domain

import "time"

// Provider identifies the cloud provider a deployment targets.
type Provider string

// Supported cloud providers.
const (
	ProviderGCP   Provider = "gcp"
	ProviderAWS   Provider = "aws"
	ProviderAzure Provider = "azure"
)

// Valid reports whether the provider is one of the supported values.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGCP, ProviderAWS, ProviderAzure:
		return true
	}
	return false
}

// DeploymentType identifies the kind of artifact being deployed.
type DeploymentType string

// Supported deployment types.
const (
	TypeK8s          DeploymentType = "k8s"
	TypeTerraform    DeploymentType = "terraform"
	TypeDataPipeline DeploymentType = "data_pipeline"
)

// Valid reports whether the deployment type is supported.
func (t DeploymentType) Valid() bool {
	switch t {
	case TypeK8s, TypeTerraform, TypeDataPipeline:
		return true
	}
	return false
}

// Status is the lifecycle state of a deployment record.
type Status string

// Lifecycle states. A record starts scheduled and ends in one of
// deployed, skipped, failed or rolled_back.
const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusDeployed   Status = "deployed"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusDeployed, StatusSkipped, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// Trigger records what caused a deployment record to be created.
type Trigger string

// Trigger values, set once at creation.
const (
	TriggerManual   Trigger = "manual"
	TriggerAuto     Trigger = "auto"
	TriggerRollback Trigger = "rollback"
)

// Valid reports whether the trigger is a known value.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerAuto, TriggerRollback:
		return true
	}
	return false
}

// Deployment is a single deployment record. Taxonomy, trigger, lineage and
// audit fields are immutable after creation.
type Deployment struct {
	ID                       string         `json:"id"`
	Organisation             string         `json:"organisation"`
	Name                     string         `json:"name"`
	Version                  string         `json:"version"`
	CommitSHA                string         `json:"commit_sha,omitempty"`
	PipelineExtraParams      string         `json:"pipeline_extra_params,omitempty"`
	Provider                 Provider       `json:"provider"`
	CloudAccountID           string         `json:"cloud_account_id,omitempty"`
	Region                   string         `json:"region,omitempty"`
	Environment              string         `json:"environment"`
	Cell                     *string        `json:"cell,omitempty"`
	Type                     DeploymentType `json:"type"`
	Status                   Status         `json:"status"`
	Auto                     bool           `json:"auto"`
	Trigger                  Trigger        `json:"trigger"`
	Description              string         `json:"description,omitempty"`
	Notes                    string         `json:"notes,omitempty"`
	BuildURI                 string         `json:"build_uri,omitempty"`
	DeploymentURI            string         `json:"deployment_uri,omitempty"`
	Resource                 string         `json:"resource,omitempty"`
	SourceDeploymentID       *string        `json:"source_deployment_id,omitempty"`
	RollbackFromDeploymentID *string        `json:"rollback_from_deployment_id,omitempty"`
	CreatedByRepo            string         `json:"created_by_repo,omitempty"`
	CreatedByWorkflow        string         `json:"created_by_workflow,omitempty"`
	CreatedByActor           string         `json:"created_by_actor,omitempty"`
	CreatedAt                time.Time      `json:"created_at"`
	UpdatedAt                time.Time      `json:"updated_at"`
}

// Taxonomy returns the key identifying the logical unit this record targets.
func (d *Deployment) Taxonomy() TaxonomyKey {
	return TaxonomyKey{
		Organisation:   d.Organisation,
		Name:           d.Name,
		Provider:       d.Provider,
		CloudAccountID: d.CloudAccountID,
		Region:         d.Region,
		Cell:           d.Cell,
	}
}

// TaxonomyKey identifies a deployable unit over time. Environment is tracked
// on the record but is deliberately not part of the key: supersession and
// lineage matching ignore it. A nil Cell matches only records without a cell,
// never any non-nil value.
type TaxonomyKey struct {
	Organisation   string
	Name           string
	Provider       Provider
	CloudAccountID string
	Region         string
	Cell           *string
}

// Equal reports whether two keys identify the same deployable unit.
func (k TaxonomyKey) Equal(other TaxonomyKey) bool {
	if k.Organisation != other.Organisation ||
		k.Name != other.Name ||
		k.Provider != other.Provider ||
		k.CloudAccountID != other.CloudAccountID ||
		k.Region != other.Region {
		return false
	}
	if k.Cell == nil || other.Cell == nil {
		return k.Cell == nil && other.Cell == nil
	}
	return *k.Cell == *other.Cell
}

// Identity is the verified caller identity resolved by the authentication
// collaborator. Organisation is the tenant boundary for every data access;
// it is never accepted from request parameters.
type Identity struct {
	Organisation string
	Source       string
	Repository   string
	Workflow     string
	Actor        string
}
