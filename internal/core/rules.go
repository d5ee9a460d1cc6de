package core

import (
	"context"
	"fmt"
	"sort"

	"budgetcore/pkg/domain"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewApprovalUniquenessRule())
	engine.Register(NewSingleCurrentVersionRule())
	engine.Register(NewVersionGroupShapeRule())
	engine.Register(LifecycleTransitionRule())
	engine.Register(NewTitleHierarchyRule())
	return engine
}

// NewApprovalUniquenessRule blocks a second PENDING request of one type for
// the same parent budget.
func NewApprovalUniquenessRule() domain.Rule {
	return approvalUniquenessRule{}
}

type approvalUniquenessRule struct{}

func (approvalUniquenessRule) Name() string { return "approval_uniqueness" }

func (approvalUniquenessRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	if !touches(changes, domain.EntityApproval) {
		return domain.Result{}, nil
	}
	pending := view.Approvals().List(func(a domain.ApprovalRequest) bool { return a.Status == domain.ApprovalPending })
	seen := make(map[string]string, len(pending))
	res := domain.Result{}
	for _, a := range pending {
		key := a.ParentBudgetID + "|" + string(a.Type)
		if first, dup := seen[key]; dup {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "approval_uniqueness",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("budget %s already has pending %s request %s", a.ParentBudgetID, a.Type, first),
				Entity:   domain.EntityApproval,
				EntityID: a.ID,
			})
			continue
		}
		seen[key] = a.ID
	}
	return res, nil
}

// NewSingleCurrentVersionRule allows at most one current version per group.
func NewSingleCurrentVersionRule() domain.Rule {
	return singleCurrentVersionRule{}
}

type singleCurrentVersionRule struct{}

func (singleCurrentVersionRule) Name() string { return "single_current_version" }

func (singleCurrentVersionRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	if !touches(changes, domain.EntityBudget) {
		return domain.Result{}, nil
	}
	current := make(map[string][]string)
	for _, b := range view.Budgets().List(func(b domain.Budget) bool { return b.State == domain.StateCurrent && !b.IsParent }) {
		current[b.VersionGroupID] = append(current[b.VersionGroupID], b.ID)
	}
	res := domain.Result{}
	for _, group := range sortedKeys(current) {
		ids := current[group]
		if len(ids) <= 1 {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "single_current_version",
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("version group %s has %d current versions", group, len(ids)),
			Entity:   domain.EntityBudget,
			EntityID: group,
		})
	}
	return res, nil
}

// NewVersionGroupShapeRule checks that every touched version group has
// exactly one parent shell and that only the parent lacks a version number.
func NewVersionGroupShapeRule() domain.Rule {
	return versionGroupShapeRule{}
}

type versionGroupShapeRule struct{}

func (versionGroupShapeRule) Name() string { return "version_group_shape" }

func (versionGroupShapeRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	groups := make(map[string]struct{})
	for _, c := range changes {
		if c.Entity != domain.EntityBudget {
			continue
		}
		for _, payload := range []any{c.Before, c.After} {
			if b, ok := payload.(domain.Budget); ok && b.VersionGroupID != "" {
				groups[b.VersionGroupID] = struct{}{}
			}
		}
	}
	res := domain.Result{}
	block := func(id, msg string) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "version_group_shape",
			Severity: domain.SeverityBlock,
			Message:  msg,
			Entity:   domain.EntityBudget,
			EntityID: id,
		})
	}
	for _, group := range sortedKeys(groups) {
		members := view.Budgets().List(func(b domain.Budget) bool { return b.VersionGroupID == group })
		if len(members) == 0 {
			continue
		}
		parents := 0
		for _, b := range members {
			if b.IsParent != (b.Version == nil) {
				block(b.ID, fmt.Sprintf("budget %s: is_parent must be set exactly when version is empty", b.ID))
			}
			if b.IsParent {
				parents++
				if b.ID != group {
					block(b.ID, fmt.Sprintf("parent %s does not own group id %s", b.ID, group))
				}
			}
		}
		if parents != 1 {
			block(group, fmt.Sprintf("version group %s has %d parents", group, parents))
		}
	}
	return res, nil
}

// NewTitleHierarchyRule rejects title parent links that form a cycle.
func NewTitleHierarchyRule() domain.Rule {
	return titleHierarchyRule{}
}

type titleHierarchyRule struct{}

func (titleHierarchyRule) Name() string { return "title_hierarchy" }

func (titleHierarchyRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	budgets := make(map[string]struct{})
	for _, c := range changes {
		if c.Entity != domain.EntityTitle {
			continue
		}
		if t, ok := c.After.(domain.Title); ok {
			budgets[t.BudgetID] = struct{}{}
		}
	}
	res := domain.Result{}
	for _, budgetID := range sortedKeys(budgets) {
		titles := view.Titles().List(func(t domain.Title) bool { return t.BudgetID == budgetID })
		if id, found := findTitleCycle(titles); found {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "title_hierarchy",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("title %s is part of a parent cycle", id),
				Entity:   domain.EntityTitle,
				EntityID: id,
			})
		}
	}
	return res, nil
}

// findTitleCycle runs an iterative three-colour DFS over parent links.
func findTitleCycle(titles []domain.Title) (string, bool) {
	parent := make(map[string]string, len(titles))
	for _, t := range titles {
		if t.ParentID != nil {
			parent[t.ID] = *t.ParentID
		}
	}
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(titles))
	for _, t := range titles {
		if colour[t.ID] != white {
			continue
		}
		var path []string
		cur := t.ID
		for cur != "" && colour[cur] == white {
			colour[cur] = grey
			path = append(path, cur)
			cur = parent[cur]
		}
		if cur != "" && colour[cur] == grey {
			return cur, true
		}
		for _, id := range path {
			colour[id] = black
		}
	}
	return "", false
}

func touches(changes []domain.Change, entity domain.EntityType) bool {
	for _, c := range changes {
		if c.Entity == entity {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
