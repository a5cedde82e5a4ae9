package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/procureline/be-approvals/internal/apperrors"
	"github.com/procureline/be-approvals/internal/domain"
)

// CatalogService administers the rule catalog: rules, overrides and roles.
// Every mutation writes a full-catalog snapshot reflecting the post-edit
// state before the edit is applied to the live tables, so in-flight
// resolutions see either the pre- or post-edit catalog and historical
// workflows can be replayed against any version.
type CatalogService struct {
	rules     CatalogStore
	overrides OverrideStore
	roles     RoleStore
	matrix    MatrixStore
	audit     *AuditRecorder
	log       zerolog.Logger
	now       func() time.Time
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(
	rules CatalogStore,
	overrides OverrideStore,
	roles RoleStore,
	matrix MatrixStore,
	audit *AuditRecorder,
	log zerolog.Logger,
) *CatalogService {
	return &CatalogService{
		rules:     rules,
		overrides: overrides,
		roles:     roles,
		matrix:    matrix,
		audit:     audit,
		log:       log,
		now:       time.Now,
	}
}

// ── Requests ─────────────────────────────────────────────────────────────────

// RuleRequest creates or updates an approval rule.
type RuleRequest struct {
	Name               string                        `json:"name"`
	Category           string                        `json:"category"`
	Currency           string                        `json:"currency"`
	DepartmentID       *string                       `json:"department_id,omitempty"`
	MinAmount          int64                         `json:"min_amount"`
	MaxAmount          *int64                        `json:"max_amount,omitempty"`
	AutoApproveBelow   *int64                        `json:"auto_approve_below,omitempty"`
	RequiresSequential bool                          `json:"requires_sequential"`
	EscalationHours    *int                          `json:"escalation_hours,omitempty"`
	Approvers          []domain.ApprovalRuleApprover `json:"approvers"`
	PerformedBy        string                        `json:"performed_by"`
	ChangeSummary      string                        `json:"change_summary,omitempty"`
}

// OverrideDefinitionRequest creates an override definition.
type OverrideDefinitionRequest struct {
	OverrideType         string    `json:"override_type"`
	Category             *string   `json:"category,omitempty"`
	MaxAmount            *int64    `json:"max_amount,omitempty"`
	BypassLevels         []int     `json:"bypass_levels"`
	RequireJustification bool      `json:"require_justification"`
	ValidFrom            time.Time `json:"valid_from"`
	ValidUntil           time.Time `json:"valid_until"`
	PerformedBy          string    `json:"performed_by"`
}

// RoleRequest creates an approver role.
type RoleRequest struct {
	Code           string   `json:"code"`
	Name           string   `json:"name"`
	HierarchyLevel int      `json:"hierarchy_level"`
	Permissions    []string `json:"permissions,omitempty"`
	PerformedBy    string   `json:"performed_by"`
}

// CatalogWrite is returned by every catalog mutation: the entity id and the
// new matrix version number.
type CatalogWrite struct {
	ID             string `json:"id"`
	CatalogVersion int    `json:"catalog_version"`
}

// ── Rules ─────────────────────────────────────────────────────────────────────

// CreateRule validates and inserts a new rule, snapshotting the catalog.
func (s *CatalogService) CreateRule(ctx context.Context, req *RuleRequest) (*CatalogWrite, error) {
	rule, err := s.buildRule(ctx, req, nil)
	if err != nil {
		return nil, err
	}

	version, err := s.snapshot(ctx, req.PerformedBy, summaryOr(req.ChangeSummary, "rule created: "+rule.Name),
		func(snap *domain.CatalogSnapshot) {
			snap.Rules = append(snap.Rules, rule)
		})
	if err != nil {
		return nil, err
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("category", string(rule.Category)).
		Str("currency", rule.Currency).
		Int("catalog_version", version).
		Msg("approval rule created")
	s.audit.Record(ctx, "rule_created", "rule", rule.ID, nil, nil, ruleValues(rule), req.PerformedBy)
	return &CatalogWrite{ID: rule.ID, CatalogVersion: version}, nil
}

// UpdateRule applies an edit to an existing rule, bumping its version.
func (s *CatalogService) UpdateRule(ctx context.Context, ruleID string, req *RuleRequest) (*CatalogWrite, error) {
	existing, err := s.rules.GetByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	updated, err := s.buildRule(ctx, req, existing)
	if err != nil {
		return nil, err
	}

	version, err := s.snapshot(ctx, req.PerformedBy, summaryOr(req.ChangeSummary, "rule updated: "+updated.Name),
		func(snap *domain.CatalogSnapshot) {
			replaceRule(snap, updated)
		})
	if err != nil {
		return nil, err
	}
	if err := s.rules.Update(ctx, updated); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("rule_id", updated.ID).
		Int("rule_version", updated.Version).
		Int("catalog_version", version).
		Msg("approval rule updated")
	s.audit.Record(ctx, "rule_updated", "rule", updated.ID, nil, ruleValues(existing), ruleValues(updated), req.PerformedBy)
	return &CatalogWrite{ID: updated.ID, CatalogVersion: version}, nil
}

// DeactivateRule retires a rule from resolution without deleting it.
func (s *CatalogService) DeactivateRule(ctx context.Context, ruleID, performedBy string) (*CatalogWrite, error) {
	existing, err := s.rules.GetByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if !existing.IsActive {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidState, "rule %s is already inactive", ruleID)
	}

	updated := *existing
	updated.IsActive = false
	updated.Version = existing.Version + 1
	updated.UpdatedAt = s.now().UTC()

	version, err := s.snapshot(ctx, performedBy, "rule deactivated: "+existing.Name,
		func(snap *domain.CatalogSnapshot) {
			replaceRule(snap, &updated)
		})
	if err != nil {
		return nil, err
	}
	if err := s.rules.Update(ctx, &updated); err != nil {
		return nil, err
	}

	s.log.Info().Str("rule_id", ruleID).Int("catalog_version", version).Msg("approval rule deactivated")
	s.audit.Record(ctx, "rule_deactivated", "rule", ruleID, nil,
		map[string]any{"is_active": true}, map[string]any{"is_active": false}, performedBy)
	return &CatalogWrite{ID: ruleID, CatalogVersion: version}, nil
}

// ListRules returns the rule catalog.
func (s *CatalogService) ListRules(ctx context.Context, activeOnly bool) ([]*domain.ApprovalRule, error) {
	return s.rules.List(ctx, activeOnly)
}

// buildRule validates a rule request into a domain rule. existing is nil on
// create; on update identity and version carry over with a bump.
func (s *CatalogService) buildRule(ctx context.Context, req *RuleRequest, existing *domain.ApprovalRule) (*domain.ApprovalRule, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperrors.InvalidInput("name", "rule name is required")
	}
	if !domain.ValidCategory(req.Category) {
		return nil, apperrors.InvalidInput("category", "unknown transaction category")
	}
	if len(req.Currency) != 3 {
		return nil, apperrors.InvalidInput("currency", "currency must be 3-letter ISO code")
	}
	if req.MinAmount < 0 {
		return nil, apperrors.InvalidInput("min_amount", "minimum amount cannot be negative")
	}
	if req.MaxAmount != nil && *req.MaxAmount <= req.MinAmount {
		return nil, apperrors.InvalidInput("max_amount", "band upper bound must exceed lower bound")
	}
	if len(req.Approvers) == 0 {
		return nil, apperrors.InvalidInput("approvers", "at least one approver step is required")
	}
	seen := make(map[int]bool, len(req.Approvers))
	for _, a := range req.Approvers {
		if a.SequenceOrder < 1 {
			return nil, apperrors.InvalidInput("approvers", "sequence orders start at 1")
		}
		if seen[a.SequenceOrder] {
			return nil, apperrors.Newf(apperrors.ErrCodeValidation,
				"approvers: duplicate sequence order %d", a.SequenceOrder)
		}
		seen[a.SequenceOrder] = true
		if _, err := s.roles.GetByID(ctx, a.ApprovalRoleID); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	rule := &domain.ApprovalRule{
		ID:                 uuid.NewString(),
		Name:               req.Name,
		Category:           domain.Category(req.Category),
		Currency:           strings.ToUpper(req.Currency),
		DepartmentID:       req.DepartmentID,
		MinAmount:          req.MinAmount,
		MaxAmount:          req.MaxAmount,
		AutoApproveBelow:   req.AutoApproveBelow,
		RequiresSequential: req.RequiresSequential,
		EscalationHours:    req.EscalationHours,
		IsActive:           true,
		Version:            1,
		Approvers:          sortedApprovers(req.Approvers),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if existing != nil {
		rule.ID = existing.ID
		rule.Category = existing.Category
		rule.Currency = existing.Currency
		rule.Version = existing.Version + 1
		rule.IsActive = existing.IsActive
		rule.CreatedAt = existing.CreatedAt
	}

	// Active rule bands for one (category, currency, department) scope must
	// not overlap; the resolver depends on uniqueness of match.
	if rule.IsActive {
		active, err := s.rules.List(ctx, true)
		if err != nil {
			return nil, err
		}
		if conflict := domain.FindOverlap(active, rule); conflict != nil {
			return nil, apperrors.Newf(apperrors.ErrCodeValidation,
				"amount band overlaps active rule %q (%s)", conflict.Name, conflict.ID)
		}
	}
	return rule, nil
}

// ── Overrides ─────────────────────────────────────────────────────────────────

// CreateOverride validates and inserts an override definition.
func (s *CatalogService) CreateOverride(ctx context.Context, req *OverrideDefinitionRequest) (*CatalogWrite, error) {
	switch domain.OverrideType(req.OverrideType) {
	case domain.OverrideEmergencyPurchase, domain.OverrideSingleSource, domain.OverrideCapexSpecial,
		domain.OverrideFloatCashReplenish, domain.OverrideBudget:
	default:
		return nil, apperrors.InvalidInput("override_type", "unknown override type")
	}
	if req.Category != nil && !domain.ValidCategory(*req.Category) {
		return nil, apperrors.InvalidInput("category", "unknown transaction category")
	}
	if len(req.BypassLevels) == 0 {
		return nil, apperrors.InvalidInput("bypass_levels", "at least one bypass level is required")
	}
	if !req.ValidUntil.After(req.ValidFrom) {
		return nil, apperrors.InvalidInput("valid_until", "validity window must end after it starts")
	}

	now := s.now().UTC()
	o := &domain.ApprovalOverride{
		ID:                   uuid.NewString(),
		OverrideType:         domain.OverrideType(req.OverrideType),
		MaxAmount:            req.MaxAmount,
		BypassLevels:         req.BypassLevels,
		RequireJustification: req.RequireJustification,
		ValidFrom:            req.ValidFrom,
		ValidUntil:           req.ValidUntil,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if req.Category != nil {
		category := domain.Category(*req.Category)
		o.Category = &category
	}

	version, err := s.snapshot(ctx, req.PerformedBy, "override created: "+req.OverrideType,
		func(snap *domain.CatalogSnapshot) {
			snap.Overrides = append(snap.Overrides, o)
		})
	if err != nil {
		return nil, err
	}
	if err := s.overrides.Create(ctx, o); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("override_id", o.ID).
		Str("override_type", string(o.OverrideType)).
		Int("catalog_version", version).
		Msg("approval override created")
	s.audit.Record(ctx, "override_created", "override", o.ID, nil, nil,
		map[string]any{
			"override_type": o.OverrideType,
			"bypass_levels": o.BypassLevels,
			"valid_from":    o.ValidFrom,
			"valid_until":   o.ValidUntil,
		}, req.PerformedBy)
	return &CatalogWrite{ID: o.ID, CatalogVersion: version}, nil
}

// DeactivateOverride disables an override definition.
func (s *CatalogService) DeactivateOverride(ctx context.Context, overrideID, performedBy string) (*CatalogWrite, error) {
	existing, err := s.overrides.GetByID(ctx, overrideID)
	if err != nil {
		return nil, err
	}

	version, err := s.snapshot(ctx, performedBy, "override deactivated: "+string(existing.OverrideType),
		func(snap *domain.CatalogSnapshot) {
			for _, o := range snap.Overrides {
				if o.ID == overrideID {
					o.IsActive = false
				}
			}
		})
	if err != nil {
		return nil, err
	}
	if err := s.overrides.Deactivate(ctx, overrideID); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, "override_deactivated", "override", overrideID, nil,
		map[string]any{"is_active": true}, map[string]any{"is_active": false}, performedBy)
	return &CatalogWrite{ID: overrideID, CatalogVersion: version}, nil
}

// ListOverrides returns override definitions.
func (s *CatalogService) ListOverrides(ctx context.Context, activeOnly bool) ([]*domain.ApprovalOverride, error) {
	return s.overrides.List(ctx, activeOnly)
}

// ── Roles ─────────────────────────────────────────────────────────────────────

// CreateRole inserts a new approver role.
func (s *CatalogService) CreateRole(ctx context.Context, req *RoleRequest) (*CatalogWrite, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, apperrors.InvalidInput("code", "role code is required")
	}
	if req.HierarchyLevel < 1 {
		return nil, apperrors.InvalidInput("hierarchy_level", "hierarchy level starts at 1")
	}

	now := s.now().UTC()
	role := &domain.ApprovalRole{
		ID:             uuid.NewString(),
		Code:           strings.ToUpper(req.Code),
		Name:           req.Name,
		HierarchyLevel: req.HierarchyLevel,
		Permissions:    req.Permissions,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	version, err := s.snapshot(ctx, req.PerformedBy, "role created: "+role.Code,
		func(snap *domain.CatalogSnapshot) {
			snap.Roles = append(snap.Roles, role)
		})
	if err != nil {
		return nil, err
	}
	if err := s.roles.Create(ctx, role); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, "role_created", "role", role.ID, nil, nil,
		map[string]any{"code": role.Code, "hierarchy_level": role.HierarchyLevel}, req.PerformedBy)
	return &CatalogWrite{ID: role.ID, CatalogVersion: version}, nil
}

// ListRoles returns approver roles.
func (s *CatalogService) ListRoles(ctx context.Context, activeOnly bool) ([]*domain.ApprovalRole, error) {
	return s.roles.List(ctx, activeOnly)
}

// ── Matrix versions ───────────────────────────────────────────────────────────

// ListMatrixVersions returns catalog snapshots newest-first.
func (s *CatalogService) ListMatrixVersions(ctx context.Context, limit int) ([]*domain.MatrixVersion, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return s.matrix.List(ctx, limit)
}

// GetMatrixVersion returns one catalog snapshot.
func (s *CatalogService) GetMatrixVersion(ctx context.Context, versionNumber int) (*domain.MatrixVersion, error) {
	return s.matrix.GetByNumber(ctx, versionNumber)
}

// ── Internals ─────────────────────────────────────────────────────────────────

// snapshot loads the full catalog, applies the pending edit to the in-memory
// copy, and persists it as the next matrix version. The live tables are only
// touched after the snapshot exists.
func (s *CatalogService) snapshot(ctx context.Context, performedBy, summary string, apply func(*domain.CatalogSnapshot)) (int, error) {
	rules, err := s.rules.List(ctx, false)
	if err != nil {
		return 0, err
	}
	overrides, err := s.overrides.List(ctx, false)
	if err != nil {
		return 0, err
	}
	roles, err := s.roles.List(ctx, false)
	if err != nil {
		return 0, err
	}

	snap := domain.CatalogSnapshot{Rules: rules, Overrides: overrides, Roles: roles}
	apply(&snap)

	mv := &domain.MatrixVersion{
		ID:            uuid.NewString(),
		Snapshot:      snap,
		ChangeSummary: &summary,
		CreatedBy:     performedBy,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.matrix.Create(ctx, mv); err != nil {
		return 0, err
	}
	return mv.VersionNumber, nil
}

func replaceRule(snap *domain.CatalogSnapshot, updated *domain.ApprovalRule) {
	for i, r := range snap.Rules {
		if r.ID == updated.ID {
			snap.Rules[i] = updated
			return
		}
	}
	snap.Rules = append(snap.Rules, updated)
}

func sortedApprovers(approvers []domain.ApprovalRuleApprover) []domain.ApprovalRuleApprover {
	out := make([]domain.ApprovalRuleApprover, len(approvers))
	copy(out, approvers)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].SequenceOrder < out[j-1].SequenceOrder; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func ruleValues(rule *domain.ApprovalRule) map[string]any {
	return map[string]any{
		"name":                rule.Name,
		"category":            rule.Category,
		"currency":            rule.Currency,
		"department_id":       rule.DepartmentID,
		"min_amount":          rule.MinAmount,
		"max_amount":          rule.MaxAmount,
		"auto_approve_below":  rule.AutoApproveBelow,
		"requires_sequential": rule.RequiresSequential,
		"escalation_hours":    rule.EscalationHours,
		"is_active":           rule.IsActive,
		"version":             rule.Version,
		"approvers":           rule.Approvers,
	}
}

func summaryOr(summary, fallback string) string {
	if strings.TrimSpace(summary) != "" {
		return summary
	}
	return fallback
}
