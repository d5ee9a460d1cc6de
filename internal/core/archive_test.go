package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"budgetcore/internal/blob"
	"budgetcore/pkg/domain"
)

func TestExportVersionRoundTrip(t *testing.T) {
	archive := blob.NewMemory()
	f := newFixture(t, WithArchiveStore(archive))
	ctx := context.Background()
	f.concreteTree(t, f.version.ID)

	info, err := f.svc.ExportVersion(ctx, f.version.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	prefix := "budgets/" + f.parent.ID + "/" + f.version.ID + "/20250301T120000Z-"
	if !strings.HasPrefix(info.Key, prefix) || !strings.HasSuffix(info.Key, ".json") {
		t.Fatalf("unexpected key %s", info.Key)
	}
	if info.ContentType != "application/json" || info.Metadata["phase"] != string(domain.PhaseDraft) || info.Metadata["version"] != "1" {
		t.Fatalf("unexpected info %+v", info)
	}

	got, err := f.svc.ReadArchive(ctx, info.Key)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if got.Format != ArchiveFormat || got.Budget.ID != f.version.ID || got.Parent.ID != f.parent.ID {
		t.Fatalf("unexpected archive header %+v", got)
	}
	if len(got.Titles) != 1 || len(got.LineItems) != 1 || len(got.Analyses) != 1 || len(got.SharedPrices) != 1 {
		t.Fatalf("archive incomplete: titles=%d items=%d analyses=%d prices=%d",
			len(got.Titles), len(got.LineItems), len(got.Analyses), len(got.SharedPrices))
	}
	expectMoney(t, "archived total", got.Budget.Total, 2688)

	list, err := f.svc.ListArchives(ctx, f.version.ID)
	if err != nil || len(list) != 1 || list[0].Key != info.Key {
		t.Fatalf("unexpected archive list %v %v", list, err)
	}
	if f.logger.count("info", "version archived") != 1 {
		t.Fatalf("export not logged")
	}
}

func TestExportVersionRefusesParent(t *testing.T) {
	f := newFixture(t, WithArchiveStore(blob.NewMemory()))
	_, err := f.svc.ExportVersion(context.Background(), f.parent.ID)
	expectValidation(t, err)
}

func TestArchiveDisabledByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.ExportVersion(ctx, f.version.ID); !errors.Is(err, ErrArchiveDisabled) {
		t.Fatalf("expected ErrArchiveDisabled, got %v", err)
	}
	if _, err := f.svc.ReadArchive(ctx, "budgets/x.json"); !errors.Is(err, ErrArchiveDisabled) {
		t.Fatalf("expected ErrArchiveDisabled, got %v", err)
	}
	if f.logger.count("error", "operation failed") != 0 {
		t.Fatalf("disabled archive should not log failures")
	}
	advanceToAsBuilt(t, f)
	if f.logger.count("warn", "baseline archive failed") != 0 {
		t.Fatalf("disabled archive should not warn on baselines")
	}
}

func TestBaselinesAreArchivedAutomatically(t *testing.T) {
	f := newFixture(t, WithArchiveStore(blob.NewMemory()))
	ctx := context.Background()
	flow := advanceToAsBuilt(t, f)
	for _, id := range []string{flow.contractual.ID, flow.asBuilt.ID} {
		list, err := f.svc.ListArchives(ctx, id)
		if err != nil {
			t.Fatalf("list %s: %v", id, err)
		}
		if len(list) != 1 {
			t.Fatalf("expected one baseline archive for %s, got %d", id, len(list))
		}
	}
	list, err := f.svc.ListArchives(ctx, f.version.ID)
	if err != nil || len(list) != 0 {
		t.Fatalf("bidding version should not be archived: %v %v", list, err)
	}
}

func TestReadArchiveRejectsUnknownFormat(t *testing.T) {
	archive := blob.NewMemory()
	f := newFixture(t, WithArchiveStore(archive))
	ctx := context.Background()
	if _, err := archive.Put(ctx, "budgets/x/y/old.json", strings.NewReader(`{"format":"legacy"}`), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := f.svc.ReadArchive(ctx, "budgets/x/y/old.json"); err == nil || !strings.Contains(err.Error(), "unknown format") {
		t.Fatalf("expected format error, got %v", err)
	}
	if _, err := f.svc.ReadArchive(ctx, "budgets/x/y/missing.json"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
