package domain

import "time"

// ── Enumerations ─────────────────────────────────────────────────────────────

// Category identifies the transaction type a rule or workflow applies to.
type Category string

const (
	CategoryPurchaseRequest Category = "purchase_request"
	CategoryPurchaseOrder   Category = "purchase_order"
	CategoryContracts       Category = "contracts"
	CategoryCapex           Category = "capex"
	CategoryPayments        Category = "payments"
	CategoryFloatCash       Category = "float_cash"
)

// ValidCategory reports whether s is a known transaction category.
func ValidCategory(s string) bool {
	switch Category(s) {
	case CategoryPurchaseRequest, CategoryPurchaseOrder, CategoryContracts,
		CategoryCapex, CategoryPayments, CategoryFloatCash:
		return true
	}
	return false
}

// Status is shared by workflows and workflow actions.
type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusEscalated    Status = "escalated"
	StatusAutoApproved Status = "auto_approved"
)

// Terminal reports whether a workflow in this status can no longer change.
// Escalated is a visibility state, not an outcome.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusAutoApproved
}

// OverrideType classifies an administratively sanctioned bypass.
type OverrideType string

const (
	OverrideEmergencyPurchase  OverrideType = "emergency_purchase"
	OverrideSingleSource       OverrideType = "single_source_justification"
	OverrideCapexSpecial       OverrideType = "capex_special"
	OverrideFloatCashReplenish OverrideType = "float_cash_replenishment"
	OverrideBudget             OverrideType = "budget_override"
)

// ── Catalog entities ─────────────────────────────────────────────────────────

// ApprovalRole is an approver role referenced by rule chains. Roles are never
// deleted once referenced by history; deactivation hides them from new rules.
type ApprovalRole struct {
	ID             string
	Code           string
	Name           string
	HierarchyLevel int // lower = more junior
	Permissions    []string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ApprovalRuleApprover is one step in a rule's ordered approver chain.
type ApprovalRuleApprover struct {
	SequenceOrder  int    `json:"sequence_order"` // 1..N, unique per rule
	ApprovalRoleID string `json:"approval_role_id"`
	IsMandatory    bool   `json:"is_mandatory"`
	CanDelegate    bool   `json:"can_delegate"`
}

// ApprovalRule is a versioned routing rule. Amounts are minor units (fils);
// the rule applies to amounts in [MinAmount, MaxAmount), MaxAmount nil means
// unbounded above. A nil DepartmentID makes the rule company-wide.
type ApprovalRule struct {
	ID                 string
	Name               string
	Category           Category
	Currency           string
	DepartmentID       *string
	MinAmount          int64
	MaxAmount          *int64
	AutoApproveBelow   *int64
	RequiresSequential bool
	EscalationHours    *int
	IsActive           bool
	Version            int // bumped on every edit
	Approvers          []ApprovalRuleApprover
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ContainsAmount reports whether amount falls inside the rule's band.
func (r *ApprovalRule) ContainsAmount(amount int64) bool {
	if amount < r.MinAmount {
		return false
	}
	if r.MaxAmount != nil && amount >= *r.MaxAmount {
		return false
	}
	return true
}

// ApprovalOverride can bypass part of a rule's chain under documented,
// time-bounded conditions. A nil Category applies to any category; a nil
// MaxAmount means no cap on applicability.
type ApprovalOverride struct {
	ID                   string
	OverrideType         OverrideType
	Category             *Category
	MaxAmount            *int64
	BypassLevels         []int // sequence orders skipped when applied
	RequireJustification bool
	ValidFrom            time.Time
	ValidUntil           time.Time
	IsActive             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// BypassSet returns the bypass levels as a membership set keyed by
// sequence order.
func (o *ApprovalOverride) BypassSet() map[int]bool {
	set := make(map[int]bool, len(o.BypassLevels))
	for _, lvl := range o.BypassLevels {
		set[lvl] = true
	}
	return set
}

// ValidAt reports whether the override may be applied at t.
func (o *ApprovalOverride) ValidAt(t time.Time) bool {
	if !o.IsActive {
		return false
	}
	if t.Before(o.ValidFrom) || t.After(o.ValidUntil) {
		return false
	}
	return true
}

// ── Workflow entities ────────────────────────────────────────────────────────

// ApprovalWorkflow is the state machine instance for one transaction.
// At most one non-terminal workflow exists per (ReferenceType, ReferenceID).
// RowVersion drives optimistic locking on every state-changing update.
type ApprovalWorkflow struct {
	ID                    string
	ReferenceType         Category
	ReferenceID           string
	Amount                int64
	Currency              string
	DepartmentID          *string
	RuleID                *string // nil when auto-approved with no rule or override-only
	RuleVersion           *int    // catalog version the rule had at creation
	RequiresSequential    bool    // frozen from the rule at creation; edits never reorder a live chain
	EscalationHours       *int    // frozen from the rule at creation; window granted to each current step
	OverrideID            *string
	OverrideJustification *string
	Status                Status
	CurrentLevel          int // sequence of the lowest open mandatory action; 0 = no actions
	InitiatedBy           string
	RowVersion            int
	SubmittedAt           time.Time
	CompletedAt           *time.Time // set iff Status.Terminal()
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// WorkflowAction is one step of a materialized approval chain.
type WorkflowAction struct {
	ID              string
	WorkflowID      string
	SequenceOrder   int
	ApprovalRoleID  string
	IsMandatory     bool
	CanDelegate     bool
	ApproverID      *string // nil until acted or delegated
	Status          Status
	DelegatedFrom   *string
	Comments        *string
	RejectionReason *string
	OverrideID      *string // set when bypassed by an override
	ActedAt         *time.Time
	DueAt           *time.Time // escalation deadline; nil when the rule never escalates
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Open reports whether the action still awaits a decision. Escalated actions
// remain actionable.
func (a *WorkflowAction) Open() bool {
	return a.Status == StatusPending || a.Status == StatusEscalated
}

// ── Audit entities ───────────────────────────────────────────────────────────

// MatrixVersion is an immutable snapshot of the full rule catalog, taken
// before every catalog mutation so historical workflows can be replayed
// against the catalog as it existed at creation time.
type MatrixVersion struct {
	ID            string
	VersionNumber int
	Snapshot      CatalogSnapshot
	ChangeSummary *string
	CreatedBy     string
	CreatedAt     time.Time
}

// AuditEntry is one append-only audit log record.
type AuditEntry struct {
	ID          string
	Action      string // e.g. workflow_created, action_approved, rule_updated
	EntityType  string // workflow, action, rule, override, role
	EntityID    string
	WorkflowID  *string
	OldValues   map[string]any
	NewValues   map[string]any
	PerformedBy string
	PerformedAt time.Time
}
