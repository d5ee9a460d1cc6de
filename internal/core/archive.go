package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"budgetcore/internal/blob"
	"budgetcore/pkg/domain"
)

// ErrArchiveDisabled is returned by ExportVersion when no archive store is configured.
var ErrArchiveDisabled = errors.New("version archive disabled")

// ArchiveFormat tags the JSON layout of a version archive.
const ArchiveFormat = "budgetcore.version/v1"

// VersionArchive is the serialised tree of one budget version.
type VersionArchive struct {
	Format       string               `json:"format"`
	ExportedAt   time.Time            `json:"exported_at"`
	Parent       domain.Budget        `json:"parent"`
	Budget       domain.Budget        `json:"budget"`
	Titles       []domain.Title       `json:"titles"`
	LineItems    []domain.LineItem    `json:"line_items"`
	Analyses     []domain.Analysis    `json:"analyses"`
	SharedPrices []domain.SharedPrice `json:"shared_prices"`
}

// ArchiveKey returns the blob key of an export of budget taken at ts.
func ArchiveKey(budget domain.Budget, ts time.Time, id string) string {
	return fmt.Sprintf("budgets/%s/%s/%s-%s.json", budget.VersionGroupID, budget.ID, ts.UTC().Format("20060102T150405Z"), id)
}

// ExportVersion writes the version tree as JSON to the archive store.
func (s *Service) ExportVersion(ctx context.Context, budgetID string) (blob.Info, error) {
	start := time.Now()
	opID := uuid.NewString()
	info, err := s.exportVersion(ctx, budgetID)
	duration := time.Since(start)
	s.metrics.Observe(ctx, "export_version", err == nil, duration)
	if err != nil {
		if !errors.Is(err, ErrArchiveDisabled) {
			s.logger.Error("operation failed", "operation", "export_version", "operation_id", opID, "error", err)
		}
		s.recordAuditError(ctx, "export_version", opID, budgetID, err, duration)
		return blob.Info{}, err
	}
	s.logger.Info("version archived", "budget_id", budgetID, "key", info.Key, "size", info.Size)
	s.recordAuditSuccess(ctx, "export_version", opID, budgetID, duration)
	return info, nil
}

// ReadArchive loads a previously exported version archive.
func (s *Service) ReadArchive(ctx context.Context, key string) (VersionArchive, error) {
	_, rc, err := s.archive.Get(ctx, key)
	if err != nil {
		return VersionArchive{}, err
	}
	defer rc.Close()
	var out VersionArchive
	if err := json.NewDecoder(rc).Decode(&out); err != nil {
		return VersionArchive{}, fmt.Errorf("decode archive %s: %w", key, err)
	}
	if out.Format != ArchiveFormat {
		return VersionArchive{}, fmt.Errorf("archive %s has unknown format %q", key, out.Format)
	}
	return out, nil
}

// ListArchives lists the exports of one version, oldest first.
func (s *Service) ListArchives(ctx context.Context, budgetID string) ([]blob.Info, error) {
	var budget domain.Budget
	err := s.view(ctx, func(v domain.TransactionView) error {
		var err error
		budget, err = domain.MustGet(v.Budgets(), domain.EntityBudget, budgetID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.archive.List(ctx, fmt.Sprintf("budgets/%s/%s/", budget.VersionGroupID, budget.ID))
}

func (s *Service) exportVersion(ctx context.Context, budgetID string) (blob.Info, error) {
	var archive VersionArchive
	err := s.view(ctx, func(v domain.TransactionView) error {
		budget, err := versionBudget(v, budgetID)
		if err != nil {
			return err
		}
		parent, err := parentBudget(v, budget.VersionGroupID)
		if err != nil {
			return err
		}
		archive = VersionArchive{
			Format:       ArchiveFormat,
			ExportedAt:   s.clock.Now(),
			Parent:       parent,
			Budget:       budget,
			Titles:       v.Titles().List(func(t domain.Title) bool { return t.BudgetID == budgetID }),
			LineItems:    v.LineItems().List(func(i domain.LineItem) bool { return i.BudgetID == budgetID }),
			Analyses:     v.Analyses().List(func(a domain.Analysis) bool { return a.BudgetID == budgetID }),
			SharedPrices: v.SharedPrices().List(func(p domain.SharedPrice) bool { return p.BudgetID == budgetID }),
		}
		return nil
	})
	if err != nil {
		return blob.Info{}, err
	}
	raw, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return blob.Info{}, fmt.Errorf("encode archive: %w", err)
	}
	key := ArchiveKey(archive.Budget, archive.ExportedAt, uuid.NewString())
	return s.archive.Put(ctx, key, bytes.NewReader(raw), blob.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"budget":  archive.Budget.ID,
			"group":   archive.Budget.VersionGroupID,
			"phase":   string(archive.Budget.Phase),
			"version": fmt.Sprint(archive.Budget.VersionNumber()),
		},
	})
}

// archiveBaseline exports a freshly materialized baseline. Failures are
// logged only.
func (s *Service) archiveBaseline(ctx context.Context, budgetID string) {
	if budgetID == "" {
		return
	}
	if _, err := s.ExportVersion(ctx, budgetID); err != nil && !errors.Is(err, ErrArchiveDisabled) {
		s.logger.Warn("baseline archive failed", "budget_id", budgetID, "error", err)
	}
}

// disabledArchive is the archive store used when none is configured.
type disabledArchive struct{}

func (disabledArchive) Put(context.Context, string, io.Reader, blob.PutOptions) (blob.Info, error) {
	return blob.Info{}, ErrArchiveDisabled
}

func (disabledArchive) Get(context.Context, string) (blob.Info, io.ReadCloser, error) {
	return blob.Info{}, nil, ErrArchiveDisabled
}

func (disabledArchive) Head(context.Context, string) (blob.Info, error) {
	return blob.Info{}, ErrArchiveDisabled
}

func (disabledArchive) Delete(context.Context, string) (bool, error) {
	return false, ErrArchiveDisabled
}

func (disabledArchive) List(context.Context, string) ([]blob.Info, error) {
	return nil, ErrArchiveDisabled
}

func (disabledArchive) Driver() blob.Driver { return "disabled" }
