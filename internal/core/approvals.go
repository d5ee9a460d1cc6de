package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"budgetcore/pkg/domain"
)

// ApprovalFilter narrows ListApprovals. Empty fields match everything.
type ApprovalFilter struct {
	ProjectID      string
	ParentBudgetID string
	Status         domain.ApprovalStatus
	Type           domain.ApprovalType
}

func (f ApprovalFilter) match(a domain.ApprovalRequest) bool {
	return (f.ProjectID == "" || a.ProjectID == f.ProjectID) &&
		(f.ParentBudgetID == "" || a.ParentBudgetID == f.ParentBudgetID) &&
		(f.Status == "" || a.Status == f.Status) &&
		(f.Type == "" || a.Type == f.Type)
}

// PendingEntry pairs a pending request with the version it reviews.
type PendingEntry struct {
	Request domain.ApprovalRequest
	Version domain.Budget
}

// GroupApprovals lists the pending requests of one version group.
type GroupApprovals struct {
	VersionGroupID string
	Parent         domain.Budget
	Entries        []PendingEntry
}

// ProjectApprovals lists the version groups of one project with pending requests.
type ProjectApprovals struct {
	ProjectID string
	Groups    []GroupApprovals
}

// RequestContractual asks for a BIDDING version to become the contractual
// baseline. The version goes into review.
func (s *Service) RequestContractual(ctx context.Context, baseBiddingVersionID, requester, comment string) (domain.ApprovalRequest, error) {
	var out domain.ApprovalRequest
	_, err := s.run(ctx, "request_contractual", func(tx domain.Transaction) (string, error) {
		view := tx.Snapshot()
		base, err := versionBudget(view, baseBiddingVersionID)
		if err != nil {
			return baseBiddingVersionID, err
		}
		parent, err := parentBudget(view, base.VersionGroupID)
		if err != nil {
			return base.ID, err
		}
		if base.Phase != domain.PhaseBidding || parent.Phase != domain.PhaseBidding {
			return base.ID, domain.ErrInvalidState{Entity: domain.EntityBudget, ID: base.ID, Operation: "request contractual",
				State: string(base.Phase), Message: "base and group must be in BIDDING"}
		}
		if base.State != domain.StateDraft {
			return base.ID, domain.ErrInvalidState{Entity: domain.EntityBudget, ID: base.ID, Operation: "request contractual", State: string(base.State)}
		}
		if hasPhase(view, parent.ID, domain.PhaseContractual) {
			return base.ID, domain.ErrInvalidState{Entity: domain.EntityBudget, ID: parent.ID, Operation: "request contractual",
				State: string(parent.Phase), Message: "the group already has a contractual baseline"}
		}
		out, err = fileRequest(tx, parent, base, domain.ApprovalBiddingToContractual, domain.PhaseContractual, requester, comment)
		if err != nil {
			return base.ID, err
		}
		_, err = setState(tx, base.ID, domain.StateInReview)
		return out.ID, err
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	return out, nil
}

// RequestNewAsBuiltVersion submits an AS_BUILT draft for approval.
func (s *Service) RequestNewAsBuiltVersion(ctx context.Context, draftVersionID, requester, comment string) (domain.ApprovalRequest, error) {
	var out domain.ApprovalRequest
	_, err := s.run(ctx, "request_new_asbuilt_version", func(tx domain.Transaction) (string, error) {
		view := tx.Snapshot()
		draft, err := versionBudget(view, draftVersionID)
		if err != nil {
			return draftVersionID, err
		}
		if draft.Phase != domain.PhaseAsBuilt {
			return draft.ID, domain.ErrInvalidState{Entity: domain.EntityBudget, ID: draft.ID, Operation: "request as-built approval", State: string(draft.Phase)}
		}
		if draft.State != domain.StateDraft {
			msg := ""
			if draft.State == domain.StateRejected {
				msg = "rejected versions cannot be resubmitted"
			}
			return draft.ID, domain.ErrInvalidState{Entity: domain.EntityBudget, ID: draft.ID, Operation: "request as-built approval", State: string(draft.State), Message: msg}
		}
		parent, err := parentBudget(view, draft.VersionGroupID)
		if err != nil {
			return draft.ID, err
		}
		kind := domain.ApprovalNewAsBuiltVersion
		if base, ok := view.Budgets().Get(draft.BaseBudgetID); ok && base.Phase == domain.PhaseContractual {
			kind = domain.ApprovalContractualToAsBuilt
		}
		out, err = fileRequest(tx, parent, draft, kind, domain.PhaseAsBuilt, requester, comment)
		if err != nil {
			return draft.ID, err
		}
		_, err = setState(tx, draft.ID, domain.StateInReview)
		return out.ID, err
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	return out, nil
}

// RequestOfficialize asks for the highest approved AS_BUILT version to become current.
func (s *Service) RequestOfficialize(ctx context.Context, versionID, requester, comment string) (domain.ApprovalRequest, error) {
	var out domain.ApprovalRequest
	_, err := s.run(ctx, "request_officialize", func(tx domain.Transaction) (string, error) {
		view := tx.Snapshot()
		version, err := versionBudget(view, versionID)
		if err != nil {
			return versionID, err
		}
		if err := checkOfficializable(view, version); err != nil {
			return version.ID, err
		}
		parent, err := parentBudget(view, version.VersionGroupID)
		if err != nil {
			return version.ID, err
		}
		out, err = fileRequest(tx, parent, version, domain.ApprovalOfficializeAsBuilt, domain.PhaseAsBuilt, requester, comment)
		return out.ID, err
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	return out, nil
}

// Approve resolves a pending request and applies its transition.
func (s *Service) Approve(ctx context.Context, requestID, approver, comment string) (domain.ApprovalRequest, error) {
	var out domain.ApprovalRequest
	_, err := s.run(ctx, "approve", func(tx domain.Transaction) (string, error) {
		req, err := pendingRequest(tx.Snapshot(), requestID, "approve")
		if err != nil {
			return requestID, err
		}
		resultID, err := s.applyApproval(tx, req, approver)
		if err != nil {
			return requestID, err
		}
		out, err = resolveRequest(tx, req, domain.ApprovalApproved, approver, comment, s.clock.Now(), resultID)
		return requestID, err
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if out.Type == domain.ApprovalBiddingToContractual {
		s.archiveBaseline(ctx, out.ResultBudgetID)
	}
	return out, nil
}

// Reject resolves a pending request without applying it. A comment is required.
func (s *Service) Reject(ctx context.Context, requestID, approver, comment string) (domain.ApprovalRequest, error) {
	if strings.TrimSpace(comment) == "" {
		return domain.ApprovalRequest{}, domain.ErrValidation{Entity: domain.EntityApproval, Field: "comment", Message: "a rejection needs a comment"}
	}
	var out domain.ApprovalRequest
	_, err := s.run(ctx, "reject", func(tx domain.Transaction) (string, error) {
		req, err := pendingRequest(tx.Snapshot(), requestID, "reject")
		if err != nil {
			return requestID, err
		}
		switch req.Type {
		case domain.ApprovalBiddingToContractual:
			_, err = setState(tx, req.TargetBudgetID, domain.StateDraft)
		case domain.ApprovalNewAsBuiltVersion, domain.ApprovalContractualToAsBuilt:
			_, err = setState(tx, req.TargetBudgetID, domain.StateRejected)
		}
		if err != nil {
			return requestID, err
		}
		out, err = resolveRequest(tx, req, domain.ApprovalRejected, approver, comment, s.clock.Now(), "")
		return requestID, err
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	return out, nil
}

// Cancel withdraws a pending request. The version under review returns to draft.
func (s *Service) Cancel(ctx context.Context, requestID, requester string) (domain.ApprovalRequest, error) {
	var out domain.ApprovalRequest
	_, err := s.run(ctx, "cancel", func(tx domain.Transaction) (string, error) {
		req, err := pendingRequest(tx.Snapshot(), requestID, "cancel")
		if err != nil {
			return requestID, err
		}
		if target, ok := tx.Budgets().Get(req.TargetBudgetID); ok && target.State == domain.StateInReview {
			if _, err := setState(tx, target.ID, domain.StateDraft); err != nil {
				return requestID, err
			}
		}
		out, err = resolveRequest(tx, req, domain.ApprovalCancelled, requester, "", s.clock.Now(), "")
		return requestID, err
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	return out, nil
}

// ListApprovals returns matching requests ordered by id.
func (s *Service) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]domain.ApprovalRequest, error) {
	var out []domain.ApprovalRequest
	err := s.view(ctx, func(v domain.TransactionView) error {
		out = v.Approvals().List(filter.match)
		return nil
	})
	return out, err
}

// PendingApprovalGroups groups pending requests by project, then by version
// group, each entry carrying the version under review.
func (s *Service) PendingApprovalGroups(ctx context.Context) ([]ProjectApprovals, error) {
	var out []ProjectApprovals
	err := s.view(ctx, func(v domain.TransactionView) error {
		byProject := make(map[string]map[string]*GroupApprovals)
		for _, req := range v.Approvals().List(func(a domain.ApprovalRequest) bool { return a.Status == domain.ApprovalPending }) {
			groups, ok := byProject[req.ProjectID]
			if !ok {
				groups = make(map[string]*GroupApprovals)
				byProject[req.ProjectID] = groups
			}
			group, ok := groups[req.VersionGroupID]
			if !ok {
				parent, _ := v.Budgets().Get(req.ParentBudgetID)
				group = &GroupApprovals{VersionGroupID: req.VersionGroupID, Parent: parent}
				groups[req.VersionGroupID] = group
			}
			version, found := v.Budgets().Get(req.TargetBudgetID)
			if !found {
				return domain.NewIntegrityError(domain.EntityApproval, req.ID, nil,
					fmt.Sprintf("request targets missing budget %s", req.TargetBudgetID))
			}
			group.Entries = append(group.Entries, PendingEntry{Request: req, Version: version})
		}
		for _, project := range sortedKeys(byProject) {
			entry := ProjectApprovals{ProjectID: project}
			groups := byProject[project]
			for _, id := range sortedKeys(groups) {
				entry.Groups = append(entry.Groups, *groups[id])
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

func (s *Service) applyApproval(tx domain.Transaction, req domain.ApprovalRequest, approver string) (string, error) {
	view := tx.Snapshot()
	target, err := versionBudget(view, req.TargetBudgetID)
	if err != nil {
		return "", err
	}
	switch req.Type {
	case domain.ApprovalBiddingToContractual:
		return materializeContractual(tx, s.logger, target, approver)
	case domain.ApprovalNewAsBuiltVersion, domain.ApprovalContractualToAsBuilt:
		if target.State != domain.StateDraft && target.State != domain.StateInReview {
			return "", domain.ErrInvalidState{Entity: domain.EntityBudget, ID: target.ID, Operation: "approve", State: string(target.State)}
		}
		number := nextVersionNumber(view, target.VersionGroupID, domain.PhaseAsBuilt, domain.PoolApproved)
		_, err := tx.Budgets().Update(target.ID, func(b *domain.Budget) error {
			b.State = domain.StateApproved
			b.Version = domain.IntPtr(number)
			return nil
		})
		return target.ID, err
	case domain.ApprovalOfficializeAsBuilt:
		if err := checkOfficializable(view, target); err != nil {
			return "", err
		}
		for _, cur := range view.Budgets().List(func(b domain.Budget) bool {
			return b.VersionGroupID == target.VersionGroupID && b.State == domain.StateCurrent
		}) {
			if _, err := setState(tx, cur.ID, domain.StateApproved); err != nil {
				return "", err
			}
		}
		_, err := setState(tx, target.ID, domain.StateCurrent)
		return target.ID, err
	default:
		return "", domain.ErrValidation{Entity: domain.EntityApproval, Field: "type", Message: fmt.Sprintf("unknown request type %q", req.Type)}
	}
}

// materializeContractual approves the BIDDING base and deep-copies it into
// the group's CONTRACTUAL version 1.
func materializeContractual(tx domain.Transaction, logger Logger, base domain.Budget, actor string) (string, error) {
	view := tx.Snapshot()
	parent, err := parentBudget(view, base.VersionGroupID)
	if err != nil {
		return "", err
	}
	if parent.Phase != domain.PhaseBidding || hasPhase(view, parent.ID, domain.PhaseContractual) {
		return "", domain.ErrInvalidState{Entity: domain.EntityBudget, ID: parent.ID, Operation: "materialize contractual", State: string(parent.Phase)}
	}
	if _, err := setState(tx, base.ID, domain.StateApproved); err != nil {
		return "", err
	}
	contractual, _, err := materializeVersion(tx, logger, base, domain.PhaseContractual, domain.StateApproved, actor)
	if err != nil {
		return "", err
	}
	if _, err := tx.Budgets().Update(parent.ID, func(b *domain.Budget) error {
		b.Phase = domain.PhaseContractual
		b.State = domain.StateApproved
		return nil
	}); err != nil {
		return "", err
	}
	return contractual.ID, nil
}

func pendingRequest(view domain.TransactionView, id, operation string) (domain.ApprovalRequest, error) {
	req, err := domain.MustGet(view.Approvals(), domain.EntityApproval, id)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if req.Status != domain.ApprovalPending {
		return domain.ApprovalRequest{}, domain.ErrInvalidState{Entity: domain.EntityApproval, ID: id, Operation: operation, State: string(req.Status)}
	}
	return req, nil
}

// checkOfficializable requires an approved AS_BUILT version with the highest
// approved number of its group.
func checkOfficializable(view domain.TransactionView, version domain.Budget) error {
	if version.Phase != domain.PhaseAsBuilt || version.State != domain.StateApproved {
		return domain.ErrInvalidState{Entity: domain.EntityBudget, ID: version.ID, Operation: "officialize",
			State: fmt.Sprintf("%s/%s", version.Phase, version.State), Message: "only approved AS_BUILT versions can be officialized"}
	}
	highest := nextVersionNumber(view, version.VersionGroupID, domain.PhaseAsBuilt, domain.PoolApproved) - 1
	if version.VersionNumber() != highest {
		return domain.ErrInvalidState{Entity: domain.EntityBudget, ID: version.ID, Operation: "officialize",
			State: string(version.State), Message: fmt.Sprintf("version %d is not the latest approved version %d", version.VersionNumber(), highest)}
	}
	return nil
}

func fileRequest(tx domain.Transaction, parent, target domain.Budget, kind domain.ApprovalType, to domain.Phase, requester, comment string) (domain.ApprovalRequest, error) {
	duplicate := tx.Approvals().List(func(a domain.ApprovalRequest) bool {
		return a.ParentBudgetID == parent.ID && a.Type == kind && a.Status == domain.ApprovalPending
	})
	if len(duplicate) > 0 {
		return domain.ApprovalRequest{}, domain.ErrInvalidState{Entity: domain.EntityApproval, ID: duplicate[0].ID, Operation: "file",
			State: string(domain.ApprovalPending), Message: fmt.Sprintf("budget %s already has a pending %s request", parent.ID, kind)}
	}
	req, err := tx.Approvals().Create(domain.ApprovalRequest{
		ProjectID:      parent.ProjectID,
		ParentBudgetID: parent.ID,
		VersionGroupID: parent.VersionGroupID,
		TargetBudgetID: target.ID,
		TargetVersion:  domain.IntPtr(target.VersionNumber()),
		Type:           kind,
		Status:         domain.ApprovalPending,
		FromPhase:      target.Phase,
		ToPhase:        to,
		RequestedBy:    requester,
		RequestComment: comment,
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	_, err = tx.Budgets().Update(parent.ID, func(b *domain.Budget) error {
		b.AwaitingApproval = true
		b.PendingApprovalType = kind
		return nil
	})
	return req, err
}

// resolveRequest closes req and recomputes the parent's awaiting marker from
// the requests still pending.
func resolveRequest(tx domain.Transaction, req domain.ApprovalRequest, status domain.ApprovalStatus, by, comment string, at time.Time, resultID string) (domain.ApprovalRequest, error) {
	out, err := tx.Approvals().Update(req.ID, func(a *domain.ApprovalRequest) error {
		a.Status = status
		a.ResolvedBy = by
		a.ResolutionComment = comment
		a.ResolvedAt = &at
		a.ResultBudgetID = resultID
		return nil
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	remaining := tx.Approvals().List(func(a domain.ApprovalRequest) bool {
		return a.ParentBudgetID == req.ParentBudgetID && a.Status == domain.ApprovalPending
	})
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].ID < remaining[j].ID })
	_, err = tx.Budgets().Update(req.ParentBudgetID, func(b *domain.Budget) error {
		b.AwaitingApproval = len(remaining) > 0
		b.PendingApprovalType = ""
		if len(remaining) > 0 {
			b.PendingApprovalType = remaining[0].Type
		}
		return nil
	})
	return out, err
}
