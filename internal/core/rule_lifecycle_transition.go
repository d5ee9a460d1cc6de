package core

import (
	"context"
	"fmt"

	"budgetcore/pkg/domain"
)

// LifecycleTransitionRule blocks illegal state transitions: resolved approval
// requests never change status, and a version group's phase never moves back.
func LifecycleTransitionRule() domain.Rule {
	return lifecycleTransitionRule{}
}

type lifecycleTransitionRule struct{}

type lifecycleMachine struct {
	entity    domain.EntityType
	label     string
	terminal  map[string]struct{}
	valid     map[string]struct{}
	extractor func(payload any) (id string, state string, ok bool)
}

var lifecycleMachines = map[domain.EntityType]lifecycleMachine{
	domain.EntityApproval: {
		entity: domain.EntityApproval,
		label:  "approval request",
		terminal: toSet(
			string(domain.ApprovalApproved),
			string(domain.ApprovalRejected),
			string(domain.ApprovalCancelled),
		),
		valid: toSet(
			string(domain.ApprovalPending),
			string(domain.ApprovalApproved),
			string(domain.ApprovalRejected),
			string(domain.ApprovalCancelled),
		),
		extractor: func(payload any) (string, string, bool) {
			request, ok := payload.(domain.ApprovalRequest)
			if !ok {
				return "", "", false
			}
			return request.ID, string(request.Status), true
		},
	},
	domain.EntityBudget: {
		entity: domain.EntityBudget,
		label:  "budget",
		valid: toSet(
			string(domain.StateDraft),
			string(domain.StateInReview),
			string(domain.StateApproved),
			string(domain.StateRejected),
			string(domain.StateCurrent),
		),
		extractor: func(payload any) (string, string, bool) {
			budget, ok := payload.(domain.Budget)
			if !ok {
				return "", "", false
			}
			return budget.ID, string(budget.State), true
		},
	},
}

func (lifecycleTransitionRule) Name() string { return "lifecycle_transition" }

func (lifecycleTransitionRule) Evaluate(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	block := func(entity domain.EntityType, id, msg string) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "lifecycle_transition",
			Severity: domain.SeverityBlock,
			Message:  msg,
			Entity:   entity,
			EntityID: id,
		})
	}
	for _, change := range changes {
		if change.Entity == domain.EntityBudget {
			before, hadBefore := change.Before.(domain.Budget)
			after, hasAfter := change.After.(domain.Budget)
			if hasAfter && !after.Phase.Valid() {
				block(domain.EntityBudget, after.ID, fmt.Sprintf("budget %s is set to invalid phase %s", after.ID, after.Phase))
			}
			if hadBefore && hasAfter && before.IsParent && after.Phase.Rank() < before.Phase.Rank() {
				block(domain.EntityBudget, after.ID, fmt.Sprintf("cannot move version group %s back from %s to %s", after.ID, before.Phase, after.Phase))
			}
		}

		machine, ok := lifecycleMachines[change.Entity]
		if !ok {
			continue
		}
		afterID, newState, ok := machine.extractor(change.After)
		if ok {
			if _, valid := machine.valid[newState]; !valid {
				block(machine.entity, afterID, fmt.Sprintf("%s %s is set to invalid state %s", machine.label, afterID, newState))
				continue
			}
		}
		if change.Action != domain.ActionUpdate {
			continue
		}
		beforeID, beforeState, ok := machine.extractor(change.Before)
		if !ok {
			continue
		}
		if _, terminal := machine.terminal[beforeState]; !terminal {
			continue
		}
		if newState != beforeState {
			block(machine.entity, afterID, fmt.Sprintf("cannot move %s %s from terminal state %s to %s", machine.label, beforeID, beforeState, newState))
		}
	}
	return res, nil
}

func toSet(values ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
