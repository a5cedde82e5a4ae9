package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/procureline/be-approvals/internal/apperrors"
	"github.com/procureline/be-approvals/internal/domain"
)

// memStore is an in-memory implementation of every store interface, with the
// same optimistic-locking and conditional-update semantics as the Postgres
// repositories.
type memStore struct {
	mu sync.Mutex

	rules     map[string]*domain.ApprovalRule
	overrides map[string]*domain.ApprovalOverride
	roles     map[string]*domain.ApprovalRole
	workflows map[string]*domain.ApprovalWorkflow
	actions   map[string]*domain.WorkflowAction
	matrix    []*domain.MatrixVersion
	audit     []*domain.AuditEntry

	// auditFailures makes the next N Append calls fail.
	auditFailures int
	// saveConflicts makes the next N SaveDecision calls lose the row-version
	// race.
	saveConflicts int
	// hideOpenReference makes the next N GetOpenByReference calls miss,
	// simulating a racing submission whose insert has not yet committed.
	hideOpenReference int
}

func newMemStore() *memStore {
	return &memStore{
		rules:     make(map[string]*domain.ApprovalRule),
		overrides: make(map[string]*domain.ApprovalOverride),
		roles:     make(map[string]*domain.ApprovalRole),
		workflows: make(map[string]*domain.ApprovalWorkflow),
		actions:   make(map[string]*domain.WorkflowAction),
	}
}

// ── CatalogStore ─────────────────────────────────────────────────────────────

func (m *memStore) LoadActiveCatalog(ctx context.Context) (domain.Catalog, error) {
	rules, err := m.List(ctx, true)
	if err != nil {
		return domain.Catalog{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.Catalog{Version: len(m.matrix), Rules: rules}, nil
}

func (m *memStore) List(_ context.Context, activeOnly bool) ([]*domain.ApprovalRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ApprovalRule
	for _, r := range m.rules {
		if activeOnly && !r.IsActive {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*domain.ApprovalRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, apperrors.NotFound("approval_rule", id)
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) Create(_ context.Context, rule *domain.ApprovalRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rule
	m.rules[rule.ID] = &cp
	return nil
}

func (m *memStore) Update(_ context.Context, rule *domain.ApprovalRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[rule.ID]; !ok {
		return apperrors.NotFound("approval_rule", rule.ID)
	}
	cp := *rule
	m.rules[rule.ID] = &cp
	return nil
}

// ── OverrideStore / RoleStore ────────────────────────────────────────────────

type overrideView struct{ *memStore }

// Overrides returns an OverrideStore view of the memStore. Method sets clash
// between the stores, so each gets a thin wrapper.
func (m *memStore) Overrides() OverrideStore { return overrideView{m} }

func (v overrideView) GetByID(_ context.Context, id string) (*domain.ApprovalOverride, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.overrides[id]
	if !ok {
		return nil, apperrors.NotFound("approval_override", id)
	}
	cp := *o
	return &cp, nil
}

func (v overrideView) List(_ context.Context, activeOnly bool) ([]*domain.ApprovalOverride, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []*domain.ApprovalOverride
	for _, o := range v.overrides {
		if activeOnly && !o.IsActive {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v overrideView) Create(_ context.Context, o *domain.ApprovalOverride) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := *o
	v.overrides[o.ID] = &cp
	return nil
}

func (v overrideView) Deactivate(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.overrides[id]
	if !ok {
		return apperrors.NotFound("approval_override", id)
	}
	o.IsActive = false
	return nil
}

type roleView struct{ *memStore }

// Roles returns a RoleStore view of the memStore.
func (m *memStore) Roles() RoleStore { return roleView{m} }

func (v roleView) GetByID(_ context.Context, id string) (*domain.ApprovalRole, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.roles[id]
	if !ok {
		return nil, apperrors.NotFound("approval_role", id)
	}
	cp := *r
	return &cp, nil
}

func (v roleView) List(_ context.Context, activeOnly bool) ([]*domain.ApprovalRole, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []*domain.ApprovalRole
	for _, r := range v.roles {
		if activeOnly && !r.IsActive {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v roleView) Create(_ context.Context, role *domain.ApprovalRole) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := *role
	v.roles[role.ID] = &cp
	return nil
}

func (v roleView) Deactivate(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.roles[id]
	if !ok {
		return apperrors.NotFound("approval_role", id)
	}
	r.IsActive = false
	return nil
}

// ── WorkflowStore ────────────────────────────────────────────────────────────

type workflowView struct{ *memStore }

// Workflows returns a WorkflowStore view of the memStore.
func (m *memStore) Workflows() WorkflowStore { return workflowView{m} }

func (v workflowView) Create(_ context.Context, wf *domain.ApprovalWorkflow, actions []*domain.WorkflowAction) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	// Same guarantee as the partial unique index on open references.
	if !wf.Status.Terminal() {
		for _, existing := range v.workflows {
			if existing.ReferenceType == wf.ReferenceType &&
				existing.ReferenceID == wf.ReferenceID && !existing.Status.Terminal() {
				return apperrors.Newf(apperrors.ErrCodeConcurrentModification,
					"an open workflow already exists for %s %s", wf.ReferenceType, wf.ReferenceID)
			}
		}
	}
	cp := *wf
	v.workflows[wf.ID] = &cp
	for _, a := range actions {
		acp := *a
		v.actions[a.ID] = &acp
	}
	return nil
}

func (v workflowView) GetByID(_ context.Context, id string) (*domain.ApprovalWorkflow, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	wf, ok := v.workflows[id]
	if !ok {
		return nil, apperrors.NotFound("approval_workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (v workflowView) GetOpenByReference(_ context.Context, refType domain.Category, refID string) (*domain.ApprovalWorkflow, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.hideOpenReference > 0 {
		v.hideOpenReference--
		return nil, nil
	}
	for _, wf := range v.workflows {
		if wf.ReferenceType == refType && wf.ReferenceID == refID && !wf.Status.Terminal() {
			cp := *wf
			return &cp, nil
		}
	}
	return nil, nil
}

func (v workflowView) GetLatestByReference(_ context.Context, refType domain.Category, refID string) (*domain.ApprovalWorkflow, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var latest *domain.ApprovalWorkflow
	for _, wf := range v.workflows {
		if wf.ReferenceType != refType || wf.ReferenceID != refID {
			continue
		}
		if latest == nil || wf.SubmittedAt.After(latest.SubmittedAt) {
			latest = wf
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (v workflowView) SaveDecision(_ context.Context, wf *domain.ApprovalWorkflow, changed []*domain.WorkflowAction) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.saveConflicts > 0 {
		v.saveConflicts--
		return apperrors.Newf(apperrors.ErrCodeConcurrentModification,
			"workflow %s was modified concurrently", wf.ID)
	}
	stored, ok := v.workflows[wf.ID]
	if !ok {
		return apperrors.NotFound("approval_workflow", wf.ID)
	}
	if stored.RowVersion != wf.RowVersion {
		return apperrors.Newf(apperrors.ErrCodeConcurrentModification,
			"workflow %s was modified concurrently", wf.ID)
	}
	cp := *wf
	cp.RowVersion++
	v.workflows[wf.ID] = &cp
	for _, a := range changed {
		acp := *a
		v.actions[a.ID] = &acp
	}
	wf.RowVersion++
	return nil
}

func (v workflowView) MarkEscalated(_ context.Context, workflowID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	wf, ok := v.workflows[workflowID]
	if !ok {
		return false, apperrors.NotFound("approval_workflow", workflowID)
	}
	if wf.Status != domain.StatusPending {
		return false, nil
	}
	wf.Status = domain.StatusEscalated
	wf.RowVersion++
	return true, nil
}

// ── ActionStore ──────────────────────────────────────────────────────────────

type actionView struct{ *memStore }

// Actions returns an ActionStore view of the memStore.
func (m *memStore) Actions() ActionStore { return actionView{m} }

func (v actionView) ListByWorkflow(_ context.Context, workflowID string) ([]*domain.WorkflowAction, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []*domain.WorkflowAction
	for _, a := range v.actions {
		if a.WorkflowID == workflowID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceOrder < out[j].SequenceOrder })
	return out, nil
}

func (v actionView) Get(ctx context.Context, workflowID string, sequenceOrder int) (*domain.WorkflowAction, error) {
	actions, _ := v.ListByWorkflow(ctx, workflowID)
	for _, a := range actions {
		if a.SequenceOrder == sequenceOrder {
			return a, nil
		}
	}
	return nil, apperrors.NotFound("approval_action", workflowID)
}

func (v actionView) ListPendingForRoles(_ context.Context, roleIDs []string) ([]*domain.WorkflowAction, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	roleSet := make(map[string]bool, len(roleIDs))
	for _, id := range roleIDs {
		roleSet[id] = true
	}
	var out []*domain.WorkflowAction
	for _, a := range v.actions {
		wf := v.workflows[a.WorkflowID]
		if wf == nil || wf.Status.Terminal() {
			continue
		}
		if a.Open() && roleSet[a.ApprovalRoleID] {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v actionView) ListOverdue(_ context.Context, asOf time.Time, limit int) ([]*domain.WorkflowAction, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []*domain.WorkflowAction
	for _, a := range v.actions {
		if a.Status != domain.StatusPending || a.DueAt == nil || a.DueAt.After(asOf) {
			continue
		}
		wf := v.workflows[a.WorkflowID]
		if wf == nil || wf.Status.Terminal() {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(*out[j].DueAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v actionView) Escalate(_ context.Context, actionID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, ok := v.actions[actionID]
	if !ok {
		return false, apperrors.NotFound("approval_action", actionID)
	}
	if a.Status != domain.StatusPending {
		return false, nil
	}
	a.Status = domain.StatusEscalated
	return true, nil
}

// setActionApprover pre-assigns an action's approver, as an inbox assignment
// step would.
func (m *memStore) setActionApprover(actionID, approverID string, canDelegate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.actions[actionID]
	id := approverID
	a.ApproverID = &id
	a.CanDelegate = canDelegate
}

// ── MatrixStore ──────────────────────────────────────────────────────────────

type matrixView struct{ *memStore }

// Matrix returns a MatrixStore view of the memStore.
func (m *memStore) Matrix() MatrixStore { return matrixView{m} }

func (v matrixView) Create(_ context.Context, mv *domain.MatrixVersion) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	mv.VersionNumber = len(v.matrix) + 1
	cp := *mv
	v.matrix = append(v.matrix, &cp)
	return nil
}

func (v matrixView) GetByNumber(_ context.Context, versionNumber int) (*domain.MatrixVersion, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, mv := range v.matrix {
		if mv.VersionNumber == versionNumber {
			cp := *mv
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("approval_matrix_version", "")
}

func (v matrixView) List(_ context.Context, limit int) ([]*domain.MatrixVersion, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []*domain.MatrixVersion
	for i := len(v.matrix) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *v.matrix[i]
		out = append(out, &cp)
	}
	return out, nil
}

// ── AuditStore ───────────────────────────────────────────────────────────────

type auditView struct{ *memStore }

// Audit returns an AuditStore view of the memStore.
func (m *memStore) Audit() AuditStore { return auditView{m} }

func (v auditView) Append(_ context.Context, entry *domain.AuditEntry) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.auditFailures > 0 {
		v.auditFailures--
		return errors.New("audit store unavailable")
	}
	cp := *entry
	v.audit = append(v.audit, &cp)
	return nil
}

func (v auditView) ListByWorkflow(_ context.Context, workflowID string) ([]*domain.AuditEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []*domain.AuditEntry
	for _, e := range v.audit {
		if e.WorkflowID != nil && *e.WorkflowID == workflowID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (v auditView) ListByEntity(_ context.Context, entityType, entityID string) ([]*domain.AuditEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []*domain.AuditEntry
	for _, e := range v.audit {
		if e.EntityType == entityType && e.EntityID == entityID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// auditActions returns the recorded audit action names in order.
func (m *memStore) auditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.audit))
	for _, e := range m.audit {
		out = append(out, e.Action)
	}
	return out
}

// ── DirectoryClient / EventPublisher fakes ───────────────────────────────────

type fakeDirectory struct {
	rolesByUser map[string][]string
}

func (d *fakeDirectory) GetUserRoles(_ context.Context, userID string) ([]string, error) {
	return d.rolesByUser[userID], nil
}

type capturedEvent struct {
	eventType  string
	workflowID string
	payload    map[string]any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *fakePublisher) PublishWorkflowEvent(_ context.Context, eventType string, wf *domain.ApprovalWorkflow, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{eventType: eventType, workflowID: wf.ID, payload: payload})
}

func (p *fakePublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.eventType)
	}
	return out
}
