// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by budgetcore.
package domain

import (
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityBudget identifies a budget record, either a version group parent or one of its versions.
	EntityBudget EntityType = "budget"
	// EntityTitle identifies a title (grouping node) inside a budget tree.
	EntityTitle EntityType = "title"
	// EntityLineItem identifies a priced line item under a title.
	EntityLineItem EntityType = "line_item"
	// EntityAnalysis identifies a unit-price analysis owned by a line item.
	EntityAnalysis EntityType = "analysis"
	// EntityResource identifies a resource line embedded in an analysis.
	EntityResource EntityType = "resource"
	// EntitySharedPrice identifies a per-budget shared resource price.
	EntitySharedPrice EntityType = "shared_price"
	// EntityApproval identifies an approval request gating a phase transition.
	EntityApproval EntityType = "approval_request"
)

// Phase is the lifecycle phase of a budget version group.
type Phase string

// Budget phases in lifecycle order.
const (
	PhaseDraft       Phase = "DRAFT"
	PhaseBidding     Phase = "BIDDING"
	PhaseContractual Phase = "CONTRACTUAL"
	PhaseAsBuilt     Phase = "AS_BUILT"
)

var phaseRank = map[Phase]int{
	PhaseDraft:       0,
	PhaseBidding:     1,
	PhaseContractual: 2,
	PhaseAsBuilt:     3,
}

// Rank orders phases; unknown phases rank below DRAFT.
func (p Phase) Rank() int {
	if r, ok := phaseRank[p]; ok {
		return r
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok
}

// VersionState is the review state of a budget version (and of the parent shell).
type VersionState string

// Version states. Draft, in-review and rejected versions share one numbering
// pool; approved and current versions share another.
const (
	StateDraft    VersionState = "draft"
	StateInReview VersionState = "in_review"
	StateApproved VersionState = "approved"
	StateRejected VersionState = "rejected"
	StateCurrent  VersionState = "current"
)

// Pool identifies the numbering pool a state belongs to.
type Pool string

// Numbering pools.
const (
	PoolWorking  Pool = "working"
	PoolApproved Pool = "approved"
)

// Pool returns the numbering pool of the state.
func (s VersionState) Pool() Pool {
	switch s {
	case StateApproved, StateCurrent:
		return PoolApproved
	default:
		return PoolWorking
	}
}

// ResourceType classifies a resource line of an analysis.
type ResourceType string

// Resource types with distinct costing formulas.
const (
	ResourceMaterial    ResourceType = "MATERIAL"
	ResourceLabor       ResourceType = "LABOR"
	ResourceEquipment   ResourceType = "EQUIPMENT"
	ResourceSubcontract ResourceType = "SUBCONTRACT"
)

// Equipment units with special formulas.
const (
	// UnitPercentLabor prices equipment as a percentage of the analysis labor parcial sum.
	UnitPercentLabor = "%mo"
	// UnitMachineHour prices equipment per machine hour, like labor.
	UnitMachineHour = "hm"
)

// ApprovalType identifies the transition an approval request gates.
type ApprovalType string

// Approval request types.
const (
	ApprovalBiddingToContractual ApprovalType = "BIDDING_TO_CONTRACTUAL"
	ApprovalContractualToAsBuilt ApprovalType = "CONTRACTUAL_TO_ASBUILT"
	ApprovalNewAsBuiltVersion    ApprovalType = "NEW_ASBUILT_VERSION"
	ApprovalOfficializeAsBuilt   ApprovalType = "OFFICIALIZE_ASBUILT"
)

// ApprovalStatus is the status of an approval request.
type ApprovalStatus string

// Approval statuses. Every status other than PENDING is terminal.
const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	ApprovalCancelled ApprovalStatus = "CANCELLED"
)

// Terminal reports whether the status can no longer change.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all entities.
type Base struct {
	ID        string    `json:"id" bson:"_id"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Meta exposes the embedded base record to generic persistence code.
func (b *Base) Meta() *Base { return b }

// Budget is either the parent shell of a version group (Version nil) or one
// numbered version inside it. The parent's ID doubles as the group ID.
type Budget struct {
	Base                `bson:",inline"`
	ProjectID           string       `json:"project_id" bson:"project_id"`
	Name                string       `json:"name" bson:"name"`
	Description         string       `json:"description,omitempty" bson:"description,omitempty"`
	VersionGroupID      string       `json:"version_group_id" bson:"version_group_id"`
	Version             *int         `json:"version,omitempty" bson:"version,omitempty"`
	IsParent            bool         `json:"is_parent" bson:"is_parent"`
	Phase               Phase        `json:"phase" bson:"phase"`
	State               VersionState `json:"state" bson:"state"`
	AwaitingApproval    bool         `json:"awaiting_approval" bson:"awaiting_approval"`
	PendingApprovalType ApprovalType `json:"pending_approval_type,omitempty" bson:"pending_approval_type,omitempty"`
	BaseBudgetID        string       `json:"base_budget_id,omitempty" bson:"base_budget_id,omitempty"`
	DirectCost          float64      `json:"direct_cost" bson:"direct_cost"`
	TaxPercent          float64      `json:"tax_percent" bson:"tax_percent"`
	ProfitPercent       float64      `json:"profit_percent" bson:"profit_percent"`
	Parcial             float64      `json:"parcial" bson:"parcial"`
	Tax                 float64      `json:"tax" bson:"tax"`
	Profit              float64      `json:"profit" bson:"profit"`
	Total               float64      `json:"total" bson:"total"`
	CreatedBy           string       `json:"created_by,omitempty" bson:"created_by,omitempty"`
}

// Clone returns a deep copy of the budget.
func (b Budget) Clone() Budget {
	b.Version = cloneInt(b.Version)
	return b
}

// VersionNumber returns the version or zero for the parent shell.
func (b Budget) VersionNumber() int {
	if b.Version == nil {
		return 0
	}
	return *b.Version
}

// Title groups line items and nested titles.
type Title struct {
	Base         `bson:",inline"`
	BudgetID     string  `json:"budget_id" bson:"budget_id"`
	ProjectID    string  `json:"project_id" bson:"project_id"`
	ParentID     *string `json:"parent_id,omitempty" bson:"parent_id,omitempty"`
	ItemNumber   string  `json:"item_number" bson:"item_number"`
	Name         string  `json:"name" bson:"name"`
	Order        int     `json:"order" bson:"order"`
	TotalParcial float64 `json:"total_parcial" bson:"total_parcial"`
}

// Clone returns a deep copy of the title.
func (t Title) Clone() Title {
	t.ParentID = cloneString(t.ParentID)
	return t
}

// LineItem is a priced row of a budget. Parcial is quantity times unit price
// rounded to two decimals.
type LineItem struct {
	Base         `bson:",inline"`
	BudgetID     string  `json:"budget_id" bson:"budget_id"`
	ProjectID    string  `json:"project_id" bson:"project_id"`
	TitleID      string  `json:"title_id" bson:"title_id"`
	ParentItemID *string `json:"parent_item_id,omitempty" bson:"parent_item_id,omitempty"`
	Code         string  `json:"code" bson:"code"`
	Description  string  `json:"description" bson:"description"`
	Unit         string  `json:"unit" bson:"unit"`
	Order        int     `json:"order" bson:"order"`
	Quantity     float64 `json:"quantity" bson:"quantity"`
	UnitPrice    float64 `json:"unit_price" bson:"unit_price"`
	Parcial      float64 `json:"parcial" bson:"parcial"`
}

// Clone returns a deep copy of the line item.
func (l LineItem) Clone() LineItem {
	l.ParentItemID = cloneString(l.ParentItemID)
	return l
}

// Resource is one input line of a unit-price analysis.
type Resource struct {
	ID                string       `json:"id" bson:"id"`
	Type              ResourceType `json:"type" bson:"type"`
	ResourceID        string       `json:"resource_id,omitempty" bson:"resource_id,omitempty"`
	SharedPriceID     *string      `json:"shared_price_id,omitempty" bson:"shared_price_id,omitempty"`
	SubItemID         *string      `json:"sub_item_id,omitempty" bson:"sub_item_id,omitempty"`
	Description       string       `json:"description" bson:"description"`
	Unit              string       `json:"unit" bson:"unit"`
	Quantity          float64      `json:"quantity" bson:"quantity"`
	WastePercent      float64      `json:"waste_percent" bson:"waste_percent"`
	QuantityWithWaste float64      `json:"quantity_with_waste" bson:"quantity_with_waste"`
	CrewSize          float64      `json:"crew_size" bson:"crew_size"`
	OverridePrice     *float64     `json:"override_price,omitempty" bson:"override_price,omitempty"`
	Price             float64      `json:"price" bson:"price"`
	Parcial           float64      `json:"parcial" bson:"parcial"`
	Order             int          `json:"order" bson:"order"`
}

// IsSubItem reports whether the resource refers to a nested line item.
func (r Resource) IsSubItem() bool {
	return r.SubItemID != nil && *r.SubItemID != ""
}

// Clone returns a deep copy of the resource.
func (r Resource) Clone() Resource {
	r.SharedPriceID = cloneString(r.SharedPriceID)
	r.SubItemID = cloneString(r.SubItemID)
	if r.OverridePrice != nil {
		v := *r.OverridePrice
		r.OverridePrice = &v
	}
	return r
}

// Analysis is the unit-price breakdown of exactly one line item.
type Analysis struct {
	Base            `bson:",inline"`
	BudgetID        string     `json:"budget_id" bson:"budget_id"`
	LineItemID      string     `json:"line_item_id" bson:"line_item_id"`
	Yield           float64    `json:"yield" bson:"yield"`
	ShiftHours      float64    `json:"shift_hours" bson:"shift_hours"`
	MaterialCost    float64    `json:"material_cost" bson:"material_cost"`
	LaborCost       float64    `json:"labor_cost" bson:"labor_cost"`
	EquipmentCost   float64    `json:"equipment_cost" bson:"equipment_cost"`
	SubcontractCost float64    `json:"subcontract_cost" bson:"subcontract_cost"`
	SubItemCost     float64    `json:"sub_item_cost" bson:"sub_item_cost"`
	DirectCost      float64    `json:"direct_cost" bson:"direct_cost"`
	Resources       []Resource `json:"resources" bson:"resources"`
}

// Clone returns a deep copy of the analysis including its resources.
func (a Analysis) Clone() Analysis {
	if a.Resources != nil {
		resources := make([]Resource, len(a.Resources))
		for i, r := range a.Resources {
			resources[i] = r.Clone()
		}
		a.Resources = resources
	}
	return a
}

// References reports whether any resource of the analysis uses the shared price.
func (a Analysis) References(price SharedPrice) bool {
	for _, r := range a.Resources {
		if r.SharedPriceID != nil && *r.SharedPriceID == price.ID {
			return true
		}
		if r.SharedPriceID == nil && r.ResourceID != "" && r.ResourceID == price.ResourceID {
			return true
		}
	}
	return false
}

// SharedPrice is the price of one catalog resource within one budget version.
type SharedPrice struct {
	Base           `bson:",inline"`
	BudgetID       string       `json:"budget_id" bson:"budget_id"`
	ResourceID     string       `json:"resource_id" bson:"resource_id"`
	Type           ResourceType `json:"type" bson:"type"`
	Description    string       `json:"description" bson:"description"`
	Unit           string       `json:"unit" bson:"unit"`
	Price          float64      `json:"price" bson:"price"`
	UpdatedBy      string       `json:"updated_by,omitempty" bson:"updated_by,omitempty"`
	PriceUpdatedAt *time.Time   `json:"price_updated_at,omitempty" bson:"price_updated_at,omitempty"`
}

// Clone returns a deep copy of the shared price.
func (p SharedPrice) Clone() SharedPrice {
	p.PriceUpdatedAt = cloneTime(p.PriceUpdatedAt)
	return p
}

// ApprovalRequest gates a phase or state transition of a version group.
type ApprovalRequest struct {
	Base              `bson:",inline"`
	ProjectID         string         `json:"project_id" bson:"project_id"`
	ParentBudgetID    string         `json:"parent_budget_id" bson:"parent_budget_id"`
	VersionGroupID    string         `json:"version_group_id" bson:"version_group_id"`
	TargetBudgetID    string         `json:"target_budget_id" bson:"target_budget_id"`
	TargetVersion     *int           `json:"target_version,omitempty" bson:"target_version,omitempty"`
	Type              ApprovalType   `json:"type" bson:"type"`
	Status            ApprovalStatus `json:"status" bson:"status"`
	FromPhase         Phase          `json:"from_phase" bson:"from_phase"`
	ToPhase           Phase          `json:"to_phase" bson:"to_phase"`
	RequestedBy       string         `json:"requested_by" bson:"requested_by"`
	RequestComment    string         `json:"request_comment,omitempty" bson:"request_comment,omitempty"`
	ResolvedBy        string         `json:"resolved_by,omitempty" bson:"resolved_by,omitempty"`
	ResolutionComment string         `json:"resolution_comment,omitempty" bson:"resolution_comment,omitempty"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
	ResultBudgetID    string         `json:"result_budget_id,omitempty" bson:"result_budget_id,omitempty"`
}

// Clone returns a deep copy of the request.
func (a ApprovalRequest) Clone() ApprovalRequest {
	a.TargetVersion = cloneInt(a.TargetVersion)
	a.ResolvedAt = cloneTime(a.ResolvedAt)
	return a
}

// TargetsSubVersion reports whether approving the request changes only the
// targeted version rather than the whole group.
func (a ApprovalRequest) TargetsSubVersion() bool {
	switch a.Type {
	case ApprovalNewAsBuiltVersion, ApprovalContractualToAsBuilt, ApprovalOfficializeAsBuilt:
		return true
	default:
		return false
	}
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}

// StringPtr returns a pointer to a copy of v.
func StringPtr(v string) *string { return &v }

// IntPtr returns a pointer to a copy of v.
func IntPtr(v int) *int { return &v }

// FloatPtr returns a pointer to a copy of v.
func FloatPtr(v float64) *float64 { return &v }

// Deref returns the pointed-to string or "" for nil.
func Deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
