package domain

import "testing"

func TestTaxonomyKeyEqualCellHandling(t *testing.T) {
	base := TaxonomyKey{
		Organisation:   "acme",
		Name:           "billing",
		Provider:       ProviderAWS,
		CloudAccountID: "123456789",
		Region:         "eu-west-1",
	}

	cellA := "cell-a"
	cellA2 := "cell-a"
	cellB := "cell-b"

	withCellA := base
	withCellA.Cell = &cellA
	withCellA2 := base
	withCellA2.Cell = &cellA2
	withCellB := base
	withCellB.Cell = &cellB

	if !base.Equal(base) {
		t.Fatal("key should equal itself")
	}
	if base.Equal(withCellA) {
		t.Fatal("nil cell must not match a non-nil cell")
	}
	if withCellA.Equal(base) {
		t.Fatal("non-nil cell must not match a nil cell")
	}
	if !withCellA.Equal(withCellA2) {
		t.Fatal("equal cell values should match across distinct pointers")
	}
	if withCellA.Equal(withCellB) {
		t.Fatal("different cells must not match")
	}
}

func TestTaxonomyKeyEqualEnvironmentExcluded(t *testing.T) {
	a := Deployment{
		Organisation:   "acme",
		Name:           "billing",
		Provider:       ProviderGCP,
		CloudAccountID: "proj-1",
		Region:         "europe-west4",
		Environment:    "staging",
	}
	b := a
	b.Environment = "production"

	if !a.Taxonomy().Equal(b.Taxonomy()) {
		t.Fatal("environment must not participate in taxonomy matching")
	}
}

func TestEnumValidation(t *testing.T) {
	if !ProviderGCP.Valid() || Provider("do").Valid() {
		t.Fatal("provider validation broken")
	}
	if !TypeTerraform.Valid() || DeploymentType("helm").Valid() {
		t.Fatal("type validation broken")
	}
	if !StatusRolledBack.Valid() || Status("done").Valid() {
		t.Fatal("status validation broken")
	}
	if !TriggerRollback.Valid() || Trigger("cron").Valid() {
		t.Fatal("trigger validation broken")
	}
}
