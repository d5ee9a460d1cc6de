package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"budgetcore/pkg/domain"
)

// ParentInput describes a new version group.
type ParentInput struct {
	ProjectID     string
	Name          string
	Description   string
	TaxPercent    float64
	ProfitPercent float64
	CreatedBy     string
}

// ParentPatch edits a version group. Nil fields are left untouched.
type ParentPatch struct {
	Name          *string
	Description   *string
	TaxPercent    *float64
	ProfitPercent *float64
}

// VersionGroup is a parent shell with its versions.
type VersionGroup struct {
	Parent   domain.Budget
	Versions []domain.Budget
}

// Version returns the version with id, if it belongs to the group.
func (g VersionGroup) Version(id string) (domain.Budget, bool) {
	for _, v := range g.Versions {
		if v.ID == id {
			return v, true
		}
	}
	return domain.Budget{}, false
}

// CreateParent creates a version group shell and its first draft version.
func (s *Service) CreateParent(ctx context.Context, in ParentInput) (VersionGroup, error) {
	if strings.TrimSpace(in.ProjectID) == "" {
		return VersionGroup{}, domain.ErrValidation{Entity: domain.EntityBudget, Field: "project_id", Message: "required"}
	}
	if strings.TrimSpace(in.Name) == "" {
		return VersionGroup{}, domain.ErrValidation{Entity: domain.EntityBudget, Field: "name", Message: "required"}
	}
	if in.TaxPercent < 0 || in.ProfitPercent < 0 {
		return VersionGroup{}, domain.ErrValidation{Entity: domain.EntityBudget, Field: "percent", Message: "must not be negative"}
	}
	var group VersionGroup
	_, err := s.run(ctx, "create_parent", func(tx domain.Transaction) (string, error) {
		id := tx.NextID(domain.EntityBudget)
		parent, err := tx.Budgets().Create(domain.Budget{
			Base:           domain.Base{ID: id},
			ProjectID:      in.ProjectID,
			Name:           in.Name,
			Description:    in.Description,
			VersionGroupID: id,
			IsParent:       true,
			Phase:          domain.PhaseDraft,
			State:          domain.StateDraft,
			TaxPercent:     in.TaxPercent,
			ProfitPercent:  in.ProfitPercent,
			CreatedBy:      in.CreatedBy,
		})
		if err != nil {
			return id, err
		}
		first, err := tx.Budgets().Create(domain.Budget{
			ProjectID:      in.ProjectID,
			Name:           in.Name,
			Description:    in.Description,
			VersionGroupID: id,
			Version:        domain.IntPtr(1),
			Phase:          domain.PhaseDraft,
			State:          domain.StateDraft,
			TaxPercent:     in.TaxPercent,
			ProfitPercent:  in.ProfitPercent,
			CreatedBy:      in.CreatedBy,
		})
		if err != nil {
			return id, err
		}
		group = VersionGroup{Parent: parent, Versions: []domain.Budget{first}}
		return id, nil
	})
	if err != nil {
		return VersionGroup{}, err
	}
	return group, nil
}

// UpdateParent edits a parent shell and copies the values to every version.
// Versions that already carry a parcial get their summary recomputed.
func (s *Service) UpdateParent(ctx context.Context, parentID string, patch ParentPatch) (VersionGroup, error) {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return VersionGroup{}, domain.ErrValidation{Entity: domain.EntityBudget, Field: "name", Message: "required"}
	}
	if (patch.TaxPercent != nil && *patch.TaxPercent < 0) || (patch.ProfitPercent != nil && *patch.ProfitPercent < 0) {
		return VersionGroup{}, domain.ErrValidation{Entity: domain.EntityBudget, Field: "percent", Message: "must not be negative"}
	}
	var group VersionGroup
	_, err := s.run(ctx, "update_parent", func(tx domain.Transaction) (string, error) {
		parent, err := parentBudget(tx.Snapshot(), parentID)
		if err != nil {
			return parentID, err
		}
		apply := func(b *domain.Budget) error {
			if patch.Name != nil {
				b.Name = *patch.Name
			}
			if patch.Description != nil {
				b.Description = *patch.Description
			}
			if patch.TaxPercent != nil {
				b.TaxPercent = *patch.TaxPercent
			}
			if patch.ProfitPercent != nil {
				b.ProfitPercent = *patch.ProfitPercent
			}
			if !b.IsParent && b.Parcial > 0 {
				b.Tax, b.Profit, b.Total = budgetFigures(b.Parcial, b.TaxPercent, b.ProfitPercent)
			}
			return nil
		}
		if _, err := tx.Budgets().Update(parent.ID, apply); err != nil {
			return parentID, err
		}
		for _, v := range groupVersions(tx.Snapshot(), parent.ID) {
			if _, err := tx.Budgets().Update(v.ID, apply); err != nil {
				return parentID, fmt.Errorf("update version %s: %w", v.ID, err)
			}
		}
		group, err = loadGroup(tx.Snapshot(), parent.ID)
		return parentID, err
	})
	if err != nil {
		return VersionGroup{}, err
	}
	return group, nil
}

// SubmitToBidding moves version 1 of a DRAFT group, and the group, to BIDDING.
func (s *Service) SubmitToBidding(ctx context.Context, versionID string) (domain.Budget, error) {
	var out domain.Budget
	_, err := s.run(ctx, "submit_to_bidding", func(tx domain.Transaction) (string, error) {
		version, err := versionBudget(tx.Snapshot(), versionID)
		if err != nil {
			return versionID, err
		}
		if version.VersionNumber() != 1 || version.Phase != domain.PhaseDraft {
			return versionID, domain.ErrInvalidState{Entity: domain.EntityBudget, ID: versionID, Operation: "submit to bidding",
				State: fmt.Sprintf("%s v%d", version.Phase, version.VersionNumber()), Message: "only version 1 in DRAFT can be submitted"}
		}
		parent, err := parentBudget(tx.Snapshot(), version.VersionGroupID)
		if err != nil {
			return versionID, err
		}
		if parent.Phase != domain.PhaseDraft {
			return versionID, domain.ErrInvalidState{Entity: domain.EntityBudget, ID: parent.ID, Operation: "submit to bidding", State: string(parent.Phase)}
		}
		if _, err := setPhase(tx, parent.ID, domain.PhaseBidding); err != nil {
			return versionID, err
		}
		out, err = setPhase(tx, version.ID, domain.PhaseBidding)
		return versionID, err
	})
	if err != nil {
		return domain.Budget{}, err
	}
	return out, nil
}

// CloneVersion deep-copies a version into a new draft of the same group.
// The copy stays in the base's phase, except that a CONTRACTUAL version cloned
// after the group reached AS_BUILT becomes an AS_BUILT draft.
func (s *Service) CloneVersion(ctx context.Context, baseVersionID, actor string) (domain.Budget, CloneReport, error) {
	var out domain.Budget
	var report CloneReport
	_, err := s.run(ctx, "clone_version", func(tx domain.Transaction) (string, error) {
		view := tx.Snapshot()
		base, err := versionBudget(view, baseVersionID)
		if err != nil {
			return baseVersionID, err
		}
		parent, err := parentBudget(view, base.VersionGroupID)
		if err != nil {
			return baseVersionID, err
		}
		phase := base.Phase
		if base.Phase == domain.PhaseContractual && parent.Phase == domain.PhaseAsBuilt {
			phase = domain.PhaseAsBuilt
		}
		out, report, err = materializeVersion(tx, s.logger, base, phase, domain.StateDraft, actor)
		return out.ID, err
	})
	if err != nil {
		return domain.Budget{}, CloneReport{}, err
	}
	return out, report, nil
}

// MaterializeAsBuilt creates the AS_BUILT baseline of a group from a
// CONTRACTUAL version. It runs once per group.
func (s *Service) MaterializeAsBuilt(ctx context.Context, baseContractualVersionID, actor string) (domain.Budget, CloneReport, error) {
	var out domain.Budget
	var report CloneReport
	_, err := s.run(ctx, "materialize_as_built", func(tx domain.Transaction) (string, error) {
		view := tx.Snapshot()
		base, err := versionBudget(view, baseContractualVersionID)
		if err != nil {
			return baseContractualVersionID, err
		}
		if base.Phase != domain.PhaseContractual {
			return base.ID, domain.ErrInvalidState{Entity: domain.EntityBudget, ID: base.ID, Operation: "materialize as-built",
				State: string(base.Phase), Message: "base must be a CONTRACTUAL version"}
		}
		parent, err := parentBudget(view, base.VersionGroupID)
		if err != nil {
			return base.ID, err
		}
		if parent.Phase != domain.PhaseContractual || hasPhase(view, parent.ID, domain.PhaseAsBuilt) {
			return base.ID, domain.ErrInvalidState{Entity: domain.EntityBudget, ID: parent.ID, Operation: "materialize as-built",
				State: string(parent.Phase), Message: "the group already has an AS_BUILT baseline"}
		}
		out, report, err = materializeVersion(tx, s.logger, base, domain.PhaseAsBuilt, domain.StateApproved, actor)
		if err != nil {
			return base.ID, err
		}
		_, err = setPhase(tx, parent.ID, domain.PhaseAsBuilt)
		return out.ID, err
	})
	if err != nil {
		return domain.Budget{}, CloneReport{}, err
	}
	s.archiveBaseline(ctx, out.ID)
	return out, report, nil
}

// GetVersionGroup returns a parent and its versions ordered by phase,
// numbering pool and version number.
func (s *Service) GetVersionGroup(ctx context.Context, groupID string) (VersionGroup, error) {
	var group VersionGroup
	err := s.view(ctx, func(v domain.TransactionView) error {
		var err error
		group, err = loadGroup(v, groupID)
		return err
	})
	return group, err
}

// DeleteVersion removes one version and its whole tree. Parents, current
// versions and versions under review cannot be deleted.
func (s *Service) DeleteVersion(ctx context.Context, versionID string) error {
	_, err := s.run(ctx, "delete_version", func(tx domain.Transaction) (string, error) {
		version, err := versionBudget(tx.Snapshot(), versionID)
		if err != nil {
			return versionID, err
		}
		if version.State == domain.StateCurrent || version.State == domain.StateInReview {
			return versionID, domain.ErrInvalidState{Entity: domain.EntityBudget, ID: versionID, Operation: "delete", State: string(version.State)}
		}
		return versionID, deleteVersionTree(tx, versionID)
	})
	return err
}

// DeleteGroup removes a parent, every version with its tree and every
// approval request of the group.
func (s *Service) DeleteGroup(ctx context.Context, parentID string) error {
	_, err := s.run(ctx, "delete_group", func(tx domain.Transaction) (string, error) {
		parent, err := parentBudget(tx.Snapshot(), parentID)
		if err != nil {
			return parentID, err
		}
		for _, a := range tx.Approvals().List(func(a domain.ApprovalRequest) bool { return a.ParentBudgetID == parent.ID }) {
			if err := tx.Approvals().Delete(a.ID); err != nil {
				return parentID, err
			}
		}
		for _, v := range groupVersions(tx.Snapshot(), parent.ID) {
			if err := deleteVersionTree(tx, v.ID); err != nil {
				return parentID, fmt.Errorf("delete version %s: %w", v.ID, err)
			}
		}
		return parentID, tx.Budgets().Delete(parent.ID)
	})
	return err
}

func parentBudget(view domain.TransactionView, id string) (domain.Budget, error) {
	b, err := domain.MustGet(view.Budgets(), domain.EntityBudget, id)
	if err != nil {
		return domain.Budget{}, err
	}
	if !b.IsParent {
		return domain.Budget{}, domain.ErrValidation{Entity: domain.EntityBudget, Field: "id", Message: fmt.Sprintf("%s is a version, not a parent", id)}
	}
	return b, nil
}

func versionBudget(view domain.TransactionView, id string) (domain.Budget, error) {
	b, err := domain.MustGet(view.Budgets(), domain.EntityBudget, id)
	if err != nil {
		return domain.Budget{}, err
	}
	if b.IsParent {
		return domain.Budget{}, domain.ErrValidation{Entity: domain.EntityBudget, Field: "id", Message: fmt.Sprintf("%s is a parent, not a version", id)}
	}
	return b, nil
}

func groupVersions(view domain.TransactionView, groupID string) []domain.Budget {
	versions := view.Budgets().List(func(b domain.Budget) bool { return b.VersionGroupID == groupID && !b.IsParent })
	sort.SliceStable(versions, func(i, j int) bool {
		a, b := versions[i], versions[j]
		if a.Phase.Rank() != b.Phase.Rank() {
			return a.Phase.Rank() < b.Phase.Rank()
		}
		if a.State.Pool() != b.State.Pool() {
			return a.State.Pool() == domain.PoolApproved
		}
		return a.VersionNumber() < b.VersionNumber()
	})
	return versions
}

func loadGroup(view domain.TransactionView, groupID string) (VersionGroup, error) {
	parent, err := parentBudget(view, groupID)
	if err != nil {
		return VersionGroup{}, err
	}
	return VersionGroup{Parent: parent, Versions: groupVersions(view, parent.ID)}, nil
}

func hasPhase(view domain.TransactionView, groupID string, phase domain.Phase) bool {
	found := view.Budgets().List(func(b domain.Budget) bool {
		return b.VersionGroupID == groupID && !b.IsParent && b.Phase == phase
	})
	return len(found) > 0
}

// nextVersionNumber returns the next number of the (group, phase, pool)
// numbering sequence.
func nextVersionNumber(view domain.TransactionView, groupID string, phase domain.Phase, pool domain.Pool) int {
	max := 0
	for _, b := range view.Budgets().List(func(b domain.Budget) bool {
		return b.VersionGroupID == groupID && !b.IsParent && b.Phase == phase && b.State.Pool() == pool
	}) {
		if n := b.VersionNumber(); n > max {
			max = n
		}
	}
	return max + 1
}

func setPhase(tx domain.Transaction, id string, phase domain.Phase) (domain.Budget, error) {
	return tx.Budgets().Update(id, func(b *domain.Budget) error {
		b.Phase = phase
		return nil
	})
}

func setState(tx domain.Transaction, id string, state domain.VersionState) (domain.Budget, error) {
	return tx.Budgets().Update(id, func(b *domain.Budget) error {
		b.State = state
		return nil
	})
}

// materializeVersion creates a new version of base's group in phase/state,
// deep-copies base's tree into it and recomputes its totals.
func materializeVersion(tx domain.Transaction, logger Logger, base domain.Budget, phase domain.Phase, state domain.VersionState, actor string) (domain.Budget, CloneReport, error) {
	if err := validateCloneSource(tx.Snapshot(), base.ID); err != nil {
		return domain.Budget{}, CloneReport{}, err
	}
	number := nextVersionNumber(tx.Snapshot(), base.VersionGroupID, phase, state.Pool())
	created, err := tx.Budgets().Create(domain.Budget{
		ProjectID:      base.ProjectID,
		Name:           base.Name,
		Description:    base.Description,
		VersionGroupID: base.VersionGroupID,
		Version:        domain.IntPtr(number),
		Phase:          phase,
		State:          state,
		BaseBudgetID:   base.ID,
		TaxPercent:     base.TaxPercent,
		ProfitPercent:  base.ProfitPercent,
		CreatedBy:      actor,
	})
	if err != nil {
		return domain.Budget{}, CloneReport{}, err
	}
	report, err := cloneTree(tx, logger, base.ID, created)
	if err != nil {
		return domain.Budget{}, report, err
	}
	if err := recomputeBudgetTree(tx, created.ID); err != nil {
		return domain.Budget{}, report, err
	}
	out, err := domain.MustGet(tx.Budgets(), domain.EntityBudget, created.ID)
	if err != nil {
		return domain.Budget{}, report, err
	}
	logger.Info("version materialized", "source", base.ID, "target", out.ID, "phase", string(phase),
		"version", number, "titles", report.Titles, "line_items", report.LineItems, "analyses", report.Analyses,
		"skipped_analyses", len(report.SkippedAnalyses))
	return out, report, nil
}

// deleteVersionTree removes every record that belongs to a version.
func deleteVersionTree(tx domain.Transaction, budgetID string) error {
	for _, a := range tx.Analyses().List(func(a domain.Analysis) bool { return a.BudgetID == budgetID }) {
		if err := tx.Analyses().Delete(a.ID); err != nil {
			return err
		}
	}
	for _, i := range tx.LineItems().List(func(i domain.LineItem) bool { return i.BudgetID == budgetID }) {
		if err := tx.LineItems().Delete(i.ID); err != nil {
			return err
		}
	}
	for _, t := range tx.Titles().List(func(t domain.Title) bool { return t.BudgetID == budgetID }) {
		if err := tx.Titles().Delete(t.ID); err != nil {
			return err
		}
	}
	for _, p := range tx.SharedPrices().List(func(p domain.SharedPrice) bool { return p.BudgetID == budgetID }) {
		if err := tx.SharedPrices().Delete(p.ID); err != nil {
			return err
		}
	}
	return tx.Budgets().Delete(budgetID)
}
