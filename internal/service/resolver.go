package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/procureline/be-approvals/internal/domain"
)

// RuleResolver selects the approval rule for a transaction against a
// consistent snapshot of the active catalog.
type RuleResolver struct {
	catalog CatalogStore
	audit   *AuditRecorder
	log     zerolog.Logger
}

// NewRuleResolver creates a new RuleResolver.
func NewRuleResolver(catalog CatalogStore, audit *AuditRecorder, log zerolog.Logger) *RuleResolver {
	return &RuleResolver{catalog: catalog, audit: audit, log: log}
}

// Resolve loads the active catalog and resolves the transaction attributes
// against it. The returned catalog version stamps new workflows so audits
// can replay them against the rule set as it existed. A duplicate-band
// condition is resolved deterministically and reported, never surfaced as an
// error.
func (r *RuleResolver) Resolve(ctx context.Context, category domain.Category, amount int64, currency string, departmentID *string) (domain.Resolution, int, error) {
	catalog, err := r.catalog.LoadActiveCatalog(ctx)
	if err != nil {
		return domain.Resolution{}, 0, err
	}

	res := domain.Resolve(catalog, category, amount, currency, departmentID)

	if res.DuplicateBand {
		r.log.Warn().
			Str("category", string(category)).
			Str("currency", currency).
			Int64("amount", amount).
			Str("selected_rule_id", res.Rule.ID).
			Msg("multiple active rules matched one band, selected most recently versioned")
		r.audit.Record(ctx, "rule_conflict_detected", "rule", res.Rule.ID, nil, nil,
			map[string]any{
				"category": category,
				"currency": currency,
				"amount":   amount,
			}, "system")
	}

	return res, catalog.Version, nil
}
