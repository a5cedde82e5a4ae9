package domain

// Catalog is an immutable snapshot of the active rule set handed to each
// resolution call. Rule edits produce a new catalog version; they never
// mutate a catalog already in flight.
type Catalog struct {
	Version int
	Rules   []*ApprovalRule
}

// CatalogSnapshot is the JSON shape persisted into approval_matrix_versions.
type CatalogSnapshot struct {
	Rules     []*ApprovalRule     `json:"rules"`
	Overrides []*ApprovalOverride `json:"overrides"`
	Roles     []*ApprovalRole     `json:"roles"`
}

// FindOverlap returns the first pair of active rules in the catalog that
// share (category, currency, department-or-nil) and have intersecting amount
// bands, or nil when the uniqueness invariant holds. candidate may be a rule
// not yet in the catalog (pre-insert validation); pass its own ID to skip
// self-comparison on update.
func FindOverlap(rules []*ApprovalRule, candidate *ApprovalRule) *ApprovalRule {
	for _, r := range rules {
		if !r.IsActive || r.ID == candidate.ID {
			continue
		}
		if r.Category != candidate.Category || r.Currency != candidate.Currency {
			continue
		}
		if !sameDepartment(r.DepartmentID, candidate.DepartmentID) {
			continue
		}
		if bandsOverlap(r, candidate) {
			return r
		}
	}
	return nil
}

func sameDepartment(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// bandsOverlap reports whether [a.Min, a.Max) intersects [b.Min, b.Max).
func bandsOverlap(a, b *ApprovalRule) bool {
	if a.MaxAmount != nil && *a.MaxAmount <= b.MinAmount {
		return false
	}
	if b.MaxAmount != nil && *b.MaxAmount <= a.MinAmount {
		return false
	}
	return true
}
