package core

import (
	"context"
	"strings"
	"testing"

	"budgetcore/pkg/domain"
)

func TestApplyBatchResolvesTemporaryIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.ApplyBatch(ctx, BatchRequest{
		BudgetID: f.version.ID,
		// Child listed before its parent on purpose.
		CreateTitles: []TitleCreate{
			{TempID: "tmp:walls", Title: domain.Title{ItemNumber: "01.01", Name: "Walls", ParentID: domain.StringPtr("tmp:works")}},
			{TempID: "tmp:works", Title: domain.Title{ItemNumber: "01", Name: "Works"}},
		},
		CreateLineItems: []LineItemCreate{
			{TempID: "tmp:brick-sub", Item: domain.LineItem{TitleID: "tmp:walls", ParentItemID: domain.StringPtr("tmp:brick"), Code: "01.01.01.a", Quantity: 5, UnitPrice: 1}},
			{TempID: "tmp:brick", Item: domain.LineItem{TitleID: "tmp:walls", Code: "01.01.01", Quantity: 2, UnitPrice: 5}},
		},
	})
	if err != nil {
		t.Fatalf("apply batch: %v", err)
	}
	if res.Created != 4 || len(res.IDMap) != 4 {
		t.Fatalf("expected four creations, got %+v", res)
	}
	walls := f.titleByID(t, res.IDMap["tmp:walls"])
	if domain.Deref(walls.ParentID) != res.IDMap["tmp:works"] {
		t.Fatalf("walls not placed under works: %+v", walls)
	}
	sub := f.lineItem(t, res.IDMap["tmp:brick-sub"])
	if domain.Deref(sub.ParentItemID) != res.IDMap["tmp:brick"] || sub.TitleID != walls.ID {
		t.Fatalf("sub-item not wired: %+v", sub)
	}
	expectMoney(t, "works total", f.titleByID(t, res.IDMap["tmp:works"]).TotalParcial, 10)
	expectMoney(t, "budget parcial", f.budget(t, f.version.ID).Parcial, 10)
	if len(res.RecomputedTitles) != 2 {
		t.Fatalf("expected each title recomputed once, got %v", res.RecomputedTitles)
	}
}

func TestApplyBatchCircularReferencesWriteNothing(t *testing.T) {
	for _, mode := range storeModes() {
		t.Run(mode.name, func(t *testing.T) {
			store := mode.store()
			f := newFixtureWithStore(t, store)
			before := countRecords(t, store)
			_, err := f.svc.ApplyBatch(context.Background(), BatchRequest{
				BudgetID: f.version.ID,
				CreateTitles: []TitleCreate{
					{TempID: "tmp:ok", Title: domain.Title{ItemNumber: "09", Name: "Fine"}},
					{TempID: "tmp:a", Title: domain.Title{ItemNumber: "01", ParentID: domain.StringPtr("tmp:b")}},
					{TempID: "tmp:b", Title: domain.Title{ItemNumber: "02", ParentID: domain.StringPtr("tmp:a")}},
				},
			})
			expectValidation(t, err)
			if !strings.Contains(err.Error(), "circular") {
				t.Fatalf("expected circular reference message, got %v", err)
			}
			if after := countRecords(t, store); after != before {
				t.Fatalf("batch left records behind: %s -> %s", before, after)
			}
		})
	}
}

func TestApplyBatchEnforcesUniqueness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	title := f.title(t, f.version.ID, "01", nil)
	f.item(t, title, "A-1", 1, 1)
	before := countRecords(t, f.store)

	_, err := f.svc.ApplyBatch(ctx, BatchRequest{
		BudgetID:     f.version.ID,
		CreateTitles: []TitleCreate{{TempID: "tmp:dup", Title: domain.Title{ItemNumber: "01"}}},
	})
	expectValidation(t, err)

	_, err = f.svc.ApplyBatch(ctx, BatchRequest{
		BudgetID: f.version.ID,
		CreateLineItems: []LineItemCreate{
			{TempID: "tmp:x", Item: domain.LineItem{TitleID: title.ID, Code: "B-1"}},
			{TempID: "tmp:y", Item: domain.LineItem{TitleID: title.ID, Code: "A-1"}},
		},
	})
	expectValidation(t, err)

	_, err = f.svc.ApplyBatch(ctx, BatchRequest{
		BudgetID: f.version.ID,
		CreateTitles: []TitleCreate{
			{TempID: "tmp:same", Title: domain.Title{ItemNumber: "05"}},
			{TempID: "tmp:same", Title: domain.Title{ItemNumber: "06"}},
		},
	})
	expectValidation(t, err)

	if after := countRecords(t, f.store); after != before {
		t.Fatalf("failed batches left records behind: %s -> %s", before, after)
	}
}

func TestApplyBatchDeletesUpdatesAndMoves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.title(t, f.version.ID, "01", nil)
	b := f.title(t, f.version.ID, "02", nil)
	gone := f.title(t, f.version.ID, "03", nil)
	moved := f.item(t, a, "A-1", 2, 10)
	f.item(t, gone, "C-1", 1, 100)

	res, err := f.svc.ApplyBatch(ctx, BatchRequest{
		BudgetID:        f.version.ID,
		DeleteTitles:    []string{gone.ID},
		UpdateTitles:    []TitleUpdate{{ID: b.ID, Patch: TitlePatch{Name: domain.StringPtr("Finishes")}}},
		UpdateLineItems: []LineItemUpdate{{ID: moved.ID, Patch: LineItemPatch{TitleID: domain.StringPtr(b.ID), Quantity: domain.FloatPtr(3)}}},
	})
	if err != nil {
		t.Fatalf("apply batch: %v", err)
	}
	if res.Deleted != 2 || res.Updated != 2 {
		t.Fatalf("unexpected counts %+v", res)
	}
	expectMoney(t, "a total", f.titleByID(t, a.ID).TotalParcial, 0)
	expectMoney(t, "b total", f.titleByID(t, b.ID).TotalParcial, 30)
	expectMoney(t, "budget parcial", f.budget(t, f.version.ID).Parcial, 30)
	if f.titleByID(t, b.ID).Name != "Finishes" {
		t.Fatalf("title rename lost")
	}
	titles, err := f.svc.ListTitles(ctx, f.version.ID)
	if err != nil || len(titles) != 2 {
		t.Fatalf("expected deleted title to be gone: %v %v", titles, err)
	}
}

func TestApplyBatchRejectsParentAndUnknownTemp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.ApplyBatch(ctx, BatchRequest{BudgetID: f.parent.ID})
	expectValidation(t, err)

	_, err = f.svc.ApplyBatch(ctx, BatchRequest{
		BudgetID:     f.version.ID,
		UpdateTitles: []TitleUpdate{{ID: "tmp:never", Patch: TitlePatch{Name: domain.StringPtr("x")}}},
	})
	expectValidation(t, err)
}

func TestDeleteTitleCascadesSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.title(t, f.version.ID, "01", nil)
	child := f.title(t, f.version.ID, "01.01", domain.StringPtr(root.ID))
	keep := f.title(t, f.version.ID, "02", nil)
	f.item(t, keep, "K-1", 1, 5)
	item := f.item(t, child, "C-1", 1, 0)
	f.sharedPrice(t, f.version.ID, "CEMENT", domain.ResourceMaterial, 20)
	if _, err := f.svc.SaveAnalysis(ctx, AnalysisInput{LineItemID: item.ID,
		Resources: []domain.Resource{{Type: domain.ResourceMaterial, ResourceID: "CEMENT", Quantity: 1}}}); err != nil {
		t.Fatalf("save analysis: %v", err)
	}

	if err := f.svc.DeleteTitle(ctx, root.ID); err != nil {
		t.Fatalf("delete title: %v", err)
	}
	snap := f.store.ExportState()
	if len(snap.Titles) != 1 || len(snap.LineItems) != 1 || len(snap.Analyses) != 0 {
		t.Fatalf("cascade incomplete: %s", countRecords(t, f.store))
	}
	expectMoney(t, "budget parcial", f.budget(t, f.version.ID).Parcial, 5)
}

func TestUpdateTitleRefusesCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.title(t, f.version.ID, "01", nil)
	child := f.title(t, f.version.ID, "01.01", domain.StringPtr(root.ID))
	_, err := f.svc.UpdateTitle(ctx, root.ID, TitlePatch{ParentID: domain.StringPtr(child.ID)})
	expectValidation(t, err)

	f.item(t, child, "X", 1, 8)
	moved, err := f.svc.UpdateTitle(ctx, child.ID, TitlePatch{ParentID: domain.StringPtr("")})
	if err != nil {
		t.Fatalf("move to root: %v", err)
	}
	if moved.ParentID != nil {
		t.Fatalf("expected child at root, got %+v", moved)
	}
	expectMoney(t, "old parent total", f.titleByID(t, root.ID).TotalParcial, 0)
	expectMoney(t, "budget parcial", f.budget(t, f.version.ID).Parcial, 8)
}

func TestTreeAssemblesHierarchy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.title(t, f.version.ID, "01", nil)
	child := f.title(t, f.version.ID, "01.01", domain.StringPtr(root.ID))
	second := f.title(t, f.version.ID, "02", nil)
	if _, err := f.svc.UpdateTitle(ctx, second.ID, TitlePatch{Order: domain.IntPtr(-1)}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	item := f.item(t, child, "A", 1, 0)
	if _, err := f.svc.CreateLineItem(ctx, domain.LineItem{BudgetID: f.version.ID, TitleID: child.ID,
		ParentItemID: domain.StringPtr(item.ID), Code: "A.1", Quantity: 1, UnitPrice: 3}); err != nil {
		t.Fatalf("create sub-item: %v", err)
	}
	if _, err := f.svc.SaveAnalysis(ctx, AnalysisInput{LineItemID: item.ID,
		Resources: []domain.Resource{{Type: domain.ResourceSubcontract, Quantity: 1, OverridePrice: domain.FloatPtr(9)}}}); err != nil {
		t.Fatalf("save analysis: %v", err)
	}

	tree, err := f.svc.Tree(ctx, f.version.ID)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(tree.Titles) != 2 || tree.Titles[0].Title.ID != second.ID || tree.Titles[1].Title.ID != root.ID {
		t.Fatalf("unexpected root order: %+v", tree.Titles)
	}
	node := tree.Titles[1]
	if len(node.Children) != 1 || len(node.Children[0].Items) != 1 {
		t.Fatalf("child title not nested: %+v", node)
	}
	leaf := node.Children[0].Items[0]
	if leaf.Analysis == nil || len(leaf.SubItems) != 1 || leaf.SubItems[0].Item.Code != "A.1" {
		t.Fatalf("item node incomplete: %+v", leaf)
	}
	expectMoney(t, "tree budget total", tree.Budget.Parcial, 9)
}
