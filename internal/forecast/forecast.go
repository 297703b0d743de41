// Package forecast computes cash-margin projections for future periods from
// the obligation catalog. It is read-only: projections feed the advisory
// collaborator and the API, they never mutate ledger state.
package forecast

import (
	"github.com/shopspring/decimal"

	"cofrinho/internal/catalog"
	"cofrinho/internal/core"
	"cofrinho/internal/schedule"
)

// Projection is the expected cash position of one future period, assuming
// every catalog obligation materializes and nothing else happens.
type Projection struct {
	Period                string          `json:"period"`
	FixedIncome           decimal.Decimal `json:"fixedIncome"`
	RecurringExpenseTotal decimal.Decimal `json:"recurringExpenseTotal"`
	CommittedInstallments decimal.Decimal `json:"committedInstallments"`
	Margin                decimal.Decimal `json:"margin"`
}

type Forecaster struct {
	catalog *catalog.Catalog
}

func New(cat *catalog.Catalog) *Forecaster {
	return &Forecaster{catalog: cat}
}

// Project returns projections for the n periods after from, in order.
// FixedIncome and RecurringExpenseTotal are constant across periods;
// CommittedInstallments decays as finite obligations run out, which is the
// number the projections exist to surface.
func (f *Forecaster) Project(from core.Month, n int) []Projection {
	if n <= 0 {
		return nil
	}

	fixedIncome := decimal.Zero
	for _, inc := range f.catalog.Incomes {
		fixedIncome = fixedIncome.Add(inc.Amount)
	}
	recurring := decimal.Zero
	for _, def := range f.catalog.Recurring {
		recurring = recurring.Add(def.Amount)
	}

	projections := make([]Projection, 0, n)
	m := from
	for i := 0; i < n; i++ {
		m = m.Next()

		committed := decimal.Zero
		for _, def := range f.catalog.Finite {
			if _, ok := schedule.InstallmentIndex(def.Anchor(), def.Total, m); ok {
				committed = committed.Add(def.InstallmentAmount())
			}
		}

		projections = append(projections, Projection{
			Period:                m.Key(),
			FixedIncome:           fixedIncome,
			RecurringExpenseTotal: recurring,
			CommittedInstallments: committed,
			Margin:                fixedIncome.Sub(recurring).Sub(committed),
		})
	}
	return projections
}
