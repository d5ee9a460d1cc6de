package core

import (
	"context"
	"testing"

	"budgetcore/pkg/domain"
)

func TestCreateParentBuildsGroupShell(t *testing.T) {
	f := newFixture(t)
	if !f.parent.IsParent || f.parent.Version != nil || f.parent.VersionGroupID != f.parent.ID {
		t.Fatalf("unexpected parent shell %+v", f.parent)
	}
	if f.version.IsParent || f.version.VersionNumber() != 1 || f.version.VersionGroupID != f.parent.ID {
		t.Fatalf("unexpected first version %+v", f.version)
	}
	if f.version.Phase != domain.PhaseDraft || f.version.State != domain.StateDraft {
		t.Fatalf("first version should be a DRAFT draft, got %s/%s", f.version.Phase, f.version.State)
	}
	group, err := f.svc.GetVersionGroup(context.Background(), f.parent.ID)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if len(group.Versions) != 1 {
		t.Fatalf("expected one version, got %d", len(group.Versions))
	}
	if _, ok := group.Version(f.version.ID); !ok {
		t.Fatalf("version %s missing from group", f.version.ID)
	}
}

func TestCreateParentValidatesInput(t *testing.T) {
	svc := NewInMemoryService(nil)
	ctx := context.Background()
	for _, in := range []ParentInput{
		{Name: "no project"},
		{ProjectID: "P"},
		{ProjectID: "P", Name: "n", TaxPercent: -1},
	} {
		_, err := svc.CreateParent(ctx, in)
		expectValidation(t, err)
	}
}

func TestUpdateParentFansOutAndRecomputes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.concreteTree(t, f.version.ID)

	group, err := f.svc.UpdateParent(ctx, f.parent.ID, ParentPatch{
		Name:       domain.StringPtr("Tower B"),
		TaxPercent: domain.FloatPtr(0),
	})
	if err != nil {
		t.Fatalf("update parent: %v", err)
	}
	if group.Parent.Name != "Tower B" || group.Parent.TaxPercent != 0 {
		t.Fatalf("parent not updated: %+v", group.Parent)
	}
	v := group.Versions[0]
	if v.Name != "Tower B" || v.TaxPercent != 0 {
		t.Fatalf("version not updated: %+v", v)
	}
	expectMoney(t, "tax", v.Tax, 0)
	expectMoney(t, "total", v.Total, 2310)

	_, err = f.svc.UpdateParent(ctx, f.version.ID, ParentPatch{Name: domain.StringPtr("x")})
	expectValidation(t, err)
	_, err = f.svc.UpdateParent(ctx, f.parent.ID, ParentPatch{ProfitPercent: domain.FloatPtr(-5)})
	expectValidation(t, err)
}

func TestSubmitToBiddingOnlyFromFirstDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clone, _, err := f.svc.CloneVersion(ctx, f.version.ID, "planner")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if clone.VersionNumber() != 2 || clone.Phase != domain.PhaseDraft {
		t.Fatalf("unexpected clone %+v", clone)
	}
	_, err = f.svc.SubmitToBidding(ctx, clone.ID)
	expectInvalidState(t, err)

	bidding, err := f.svc.SubmitToBidding(ctx, f.version.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if bidding.Phase != domain.PhaseBidding || f.budget(t, f.parent.ID).Phase != domain.PhaseBidding {
		t.Fatalf("phase not advanced: %+v", bidding)
	}
	_, err = f.svc.SubmitToBidding(ctx, f.version.ID)
	expectInvalidState(t, err)
	_, err = f.svc.SubmitToBidding(ctx, f.parent.ID)
	expectValidation(t, err)
}

func TestGetVersionGroupOrdersVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flow := advanceToAsBuilt(t, f)

	group, err := f.svc.GetVersionGroup(ctx, f.parent.ID)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	var got []string
	for _, v := range group.Versions {
		got = append(got, v.ID)
	}
	want := []string{f.version.ID, flow.contractual.ID, flow.asBuilt.ID}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDeleteVersionRefusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.concreteTree(t, f.version.ID)

	expectValidation(t, f.svc.DeleteVersion(ctx, f.parent.ID))

	if _, err := f.svc.SubmitToBidding(ctx, f.version.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.RequestContractual(ctx, f.version.ID, "planner", ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	expectInvalidState(t, f.svc.DeleteVersion(ctx, f.version.ID))

	spare, _, err := f.svc.CloneVersion(ctx, f.version.ID, "planner")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if err := f.svc.DeleteVersion(ctx, spare.ID); err != nil {
		t.Fatalf("delete spare: %v", err)
	}
	snap := f.store.ExportState()
	for _, title := range snap.Titles {
		if title.BudgetID == spare.ID {
			t.Fatalf("title %s of deleted version survived", title.ID)
		}
	}
	for _, p := range snap.Prices {
		if p.BudgetID == spare.ID {
			t.Fatalf("shared price %s of deleted version survived", p.ID)
		}
	}
}

func TestDeleteCurrentVersionRefused(t *testing.T) {
	f := newFixture(t)
	flow := advanceToAsBuilt(t, f)
	ctx := context.Background()
	req, err := f.svc.RequestOfficialize(ctx, flow.asBuilt.ID, "planner", "")
	if err != nil {
		t.Fatalf("request officialize: %v", err)
	}
	if _, err := f.svc.Approve(ctx, req.ID, "director", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	expectInvalidState(t, f.svc.DeleteVersion(ctx, flow.asBuilt.ID))
}

func TestDeleteGroupRemovesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	advanceToAsBuilt(t, f)
	other, err := f.svc.CreateParent(ctx, ParentInput{ProjectID: "PRJ-1", Name: "Annex"})
	if err != nil {
		t.Fatalf("create other: %v", err)
	}

	if err := f.svc.DeleteGroup(ctx, f.parent.ID); err != nil {
		t.Fatalf("delete group: %v", err)
	}
	snap := f.store.ExportState()
	if len(snap.Titles) != 0 || len(snap.LineItems) != 0 || len(snap.Analyses) != 0 || len(snap.Approvals) != 0 || len(snap.Prices) != 0 {
		t.Fatalf("group records survived: %s", countRecords(t, f.store))
	}
	if len(snap.Budgets) != 2 {
		t.Fatalf("expected only the other group to remain, got %d budgets", len(snap.Budgets))
	}
	if _, ok := snap.Budgets[other.Parent.ID]; !ok {
		t.Fatalf("unrelated group deleted")
	}
	expectValidation(t, f.svc.DeleteGroup(ctx, other.Versions[0].ID))
}

func TestMaterializeAsBuiltRunsOncePerGroup(t *testing.T) {
	f := newFixture(t)
	flow := advanceToAsBuilt(t, f)
	ctx := context.Background()
	if flow.asBuilt.Phase != domain.PhaseAsBuilt || flow.asBuilt.State != domain.StateApproved || flow.asBuilt.VersionNumber() != 1 {
		t.Fatalf("unexpected baseline %+v", flow.asBuilt)
	}
	if flow.asBuilt.BaseBudgetID != flow.contractual.ID {
		t.Fatalf("baseline should record its base, got %q", flow.asBuilt.BaseBudgetID)
	}
	expectMoney(t, "baseline total", flow.asBuilt.Total, flow.contractual.Total)
	_, _, err := f.svc.MaterializeAsBuilt(ctx, flow.contractual.ID, "planner")
	expectInvalidState(t, err)
	_, _, err = f.svc.MaterializeAsBuilt(ctx, f.version.ID, "planner")
	expectInvalidState(t, err)
}

type lifecycleFlow struct {
	contractual domain.Budget
	asBuilt     domain.Budget
}

// advanceToAsBuilt seeds the fixture's first version and walks the group
// through BIDDING and CONTRACTUAL to its AS_BUILT baseline.
func advanceToAsBuilt(t *testing.T, f *fixture) lifecycleFlow {
	t.Helper()
	ctx := context.Background()
	f.concreteTree(t, f.version.ID)
	if _, err := f.svc.SubmitToBidding(ctx, f.version.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	req, err := f.svc.RequestContractual(ctx, f.version.ID, "planner", "ready")
	if err != nil {
		t.Fatalf("request contractual: %v", err)
	}
	approved, err := f.svc.Approve(ctx, req.ID, "director", "ok")
	if err != nil {
		t.Fatalf("approve contractual: %v", err)
	}
	contractual := f.budget(t, approved.ResultBudgetID)
	asBuilt, _, err := f.svc.MaterializeAsBuilt(ctx, contractual.ID, "planner")
	if err != nil {
		t.Fatalf("materialize as-built: %v", err)
	}
	return lifecycleFlow{contractual: contractual, asBuilt: asBuilt}
}
