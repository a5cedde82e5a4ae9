package domain

// ResolutionKind tags the outcome of rule resolution.
type ResolutionKind string

const (
	// ResolutionRule means a rule matched and its approver chain applies.
	ResolutionRule ResolutionKind = "rule"
	// ResolutionAutoApprove means a rule matched and the amount is below its
	// auto-approve threshold; no chain is required. Rule is still attached
	// for audit.
	ResolutionAutoApprove ResolutionKind = "auto_approve"
	// ResolutionNoRule means no active rule covers the transaction. The
	// caller must treat this as a configuration error, never as approval.
	ResolutionNoRule ResolutionKind = "no_rule"
)

// Resolution is the tagged result of resolving a transaction against a
// catalog. DuplicateBand is set when two active rules matched the same band,
// which violates the catalog uniqueness invariant; the newest-versioned rule
// was selected and the condition should be reported.
type Resolution struct {
	Kind          ResolutionKind
	Rule          *ApprovalRule
	DuplicateBand bool
}

// Resolve selects the single best-matching active rule for a transaction.
//
// Candidates are filtered by category, currency and amount band. When the
// transaction carries a department and any department-specific rule matches,
// department-specific rules win over company-wide ones; a transaction
// without a department only matches company-wide rules.
func Resolve(catalog Catalog, category Category, amount int64, currency string, departmentID *string) Resolution {
	var companyWide, departmental []*ApprovalRule

	for _, rule := range catalog.Rules {
		if !rule.IsActive || rule.Category != category || rule.Currency != currency {
			continue
		}
		if !rule.ContainsAmount(amount) {
			continue
		}
		if rule.DepartmentID == nil {
			companyWide = append(companyWide, rule)
			continue
		}
		if departmentID != nil && *rule.DepartmentID == *departmentID {
			departmental = append(departmental, rule)
		}
	}

	candidates := companyWide
	if len(departmental) > 0 {
		candidates = departmental
	}
	if len(candidates) == 0 {
		return Resolution{Kind: ResolutionNoRule}
	}

	rule := candidates[0]
	duplicate := false
	for _, c := range candidates[1:] {
		// Uniqueness invariant violated; deterministically prefer the most
		// recently versioned rule.
		duplicate = true
		if c.Version > rule.Version || (c.Version == rule.Version && c.UpdatedAt.After(rule.UpdatedAt)) {
			rule = c
		}
	}

	if rule.AutoApproveBelow != nil && amount < *rule.AutoApproveBelow {
		return Resolution{Kind: ResolutionAutoApprove, Rule: rule, DuplicateBand: duplicate}
	}
	return Resolution{Kind: ResolutionRule, Rule: rule, DuplicateBand: duplicate}
}
