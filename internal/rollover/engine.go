// Package rollover derives a month's ledger from the previous month plus the
// static obligation catalog. Rollover never fails on absent data: with no
// prior period the genesis defaults apply, and a corrupt cached document is
// logged and regenerated.
package rollover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"cofrinho/internal/catalog"
	"cofrinho/internal/core"
	"cofrinho/internal/schedule"
	"cofrinho/internal/store"
)

var monthNames = [...]string{
	"Janeiro", "Fevereiro", "Março", "Abril", "Maio", "Junho",
	"Julho", "Agosto", "Setembro", "Outubro", "Novembro", "Dezembro",
}

// Saver is the write path a freshly derived period is persisted through;
// replication implements it (synchronous local write, async remote push).
type Saver interface {
	Save(ctx context.Context, m core.Month, p *core.Period) error
}

type Engine struct {
	local   store.Store
	remote  store.Store // nil when running without a remote replica
	saver   Saver
	catalog *catalog.Catalog

	now   func() time.Time
	newID func() string
}

func New(local store.Store, remote store.Store, saver Saver, cat *catalog.Catalog) *Engine {
	return &Engine{
		local:   local,
		remote:  remote,
		saver:   saver,
		catalog: cat,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Materialize returns the ledger for m: the cached document when one exists,
// the remote copy when only the remote has one, and otherwise a new period
// derived from m-1 plus the catalog. The second return reports whether a new
// period was created.
func (e *Engine) Materialize(ctx context.Context, m core.Month) (*core.Period, bool, error) {
	if err := m.Validate(); err != nil {
		return nil, false, fmt.Errorf("materialize: %w", err)
	}

	if p := e.fetch(ctx, e.local, m); p != nil {
		return p, false, nil
	}

	// Absent locally; a fresh replica may still find it on the remote.
	if e.remote != nil {
		if p := e.fetch(ctx, e.remote, m); p != nil {
			if err := e.local.Put(ctx, m, p); err != nil {
				slog.WarnContext(ctx, "Failed to cache remote period locally",
					"period", m.Key(), "error", err)
			}
			return p, false, nil
		}
	}

	prev := e.fetch(ctx, e.local, m.Prev())
	if prev == nil && e.remote != nil {
		prev = e.fetch(ctx, e.remote, m.Prev())
	}

	p := e.build(m, prev)
	if err := e.saver.Save(ctx, m, p); err != nil {
		return nil, false, fmt.Errorf("persist derived period %s: %w", m, err)
	}

	slog.InfoContext(ctx, "Derived new period",
		"period", m.Key(),
		"from_prior", prev != nil,
		"incomes", len(p.Incomes),
		"expenses", len(p.Expenses))
	return p, true, nil
}

// fetch reads one replica, mapping both absence and corruption to nil.
// Corruption is the documented discard-and-regenerate policy: the ledger must
// stay usable, so a broken document is treated as absent and logged.
func (e *Engine) fetch(ctx context.Context, s store.Store, m core.Month) *core.Period {
	p, err := s.Get(ctx, m)
	if err == nil {
		return p
	}
	if errors.Is(err, store.ErrCorrupt) {
		slog.ErrorContext(ctx, "Discarding corrupt period document",
			"period", m.Key(), "error", err)
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		slog.WarnContext(ctx, "Period fetch failed, treating as absent",
			"period", m.Key(), "error", err)
	}
	return nil
}

func (e *Engine) build(m core.Month, prev *core.Period) *core.Period {
	genesis := m == e.catalog.GenesisMonth()

	p := &core.Period{
		Incomes:       []core.Transaction{},
		Expenses:      []core.Transaction{},
		ShoppingItems: []core.ShoppingItem{},
		AvulsosItems:  []core.Transaction{},
		UpdatedAt:     e.now().UnixMilli(),
	}

	// Goals, savings goals and bank accounts are inherited verbatim, never
	// regenerated from templates. Genesis defaults apply only when there is
	// no prior period at all.
	if prev != nil {
		p.Goals = append([]core.Goal(nil), prev.Goals...)
		p.SavingsGoals = append([]core.SavingsGoal(nil), prev.SavingsGoals...)
		p.BankAccounts = append([]core.BankAccount(nil), prev.BankAccounts...)
	} else {
		p.Goals = append([]core.Goal(nil), e.catalog.Genesis.Goals...)
		p.SavingsGoals = []core.SavingsGoal{}
		p.BankAccounts = append([]core.BankAccount(nil), e.catalog.Genesis.Accounts...)
	}

	e.generateIncomes(p, m, genesis)
	regenerated := e.generateExpenses(p, m, genesis)
	e.carryForward(p, m, prev, regenerated)

	return p
}

func (e *Engine) generateIncomes(p *core.Period, m core.Month, genesis bool) {
	ref := m.Prev()
	for _, d := range e.catalog.Incomes {
		t := core.Transaction{
			ID:        e.newID(),
			LineageID: d.Lineage,
			Amount:    d.Amount,
			Category:  d.Category,
			Paid:      genesis && d.PaidAtGenesis,
		}
		switch d.Mode {
		case catalog.IncomeSalary:
			// Cash basis: the salary "for" month M is credited on the
			// reference month M-1's payday.
			t.Description = fmt.Sprintf("%s (Ref. %s)", d.Description, monthNames[ref.Month-1])
			t.Date = ref.Date(e.catalog.Payday(ref.Month))
		case catalog.IncomeStipend:
			t.Description = d.Description
			t.Date = m.Date(d.Day)
		}
		p.Incomes = append(p.Incomes, t)
	}
}

// generateExpenses emits catalog obligations for m and returns the set of
// lineage ids it produced.
func (e *Engine) generateExpenses(p *core.Period, m core.Month, genesis bool) map[string]struct{} {
	regenerated := make(map[string]struct{})

	for _, d := range e.catalog.Recurring {
		p.Expenses = append(p.Expenses, core.Transaction{
			ID:          e.newID(),
			LineageID:   d.Lineage,
			Description: d.Description,
			Payee:       d.Payee,
			Amount:      d.Amount,
			Category:    d.Category,
			Paid:        genesis && d.PaidAtGenesis,
			DueDate:     m.Date(d.DueDay),
		})
		regenerated[d.Lineage] = struct{}{}
	}

	for _, d := range e.catalog.Finite {
		k, ok := schedule.InstallmentIndex(d.Anchor(), d.Total, m)
		if !ok {
			continue // lineage not started yet, or already paid off
		}
		p.Expenses = append(p.Expenses, core.Transaction{
			ID:           e.newID(),
			LineageID:    d.Lineage,
			Description:  fmt.Sprintf("%s (%d/%d)", d.Description, k, d.Total),
			Payee:        d.Payee,
			Amount:       d.InstallmentAmount(),
			Category:     d.Category,
			Paid:         genesis && d.PaidAtGenesis,
			DueDate:      m.Date(d.DueDay),
			Installments: &core.InstallmentDescriptor{Current: k, Total: d.Total},
		})
		regenerated[d.Lineage] = struct{}{}
	}

	return regenerated
}

// carryForward clones prior unpaid expenses the catalog did not regenerate,
// so a missed payment never silently vanishes. The lineage id is the join
// key: an obligation the catalog re-emitted for m is skipped even when it was
// unpaid in m-1.
func (e *Engine) carryForward(p *core.Period, m core.Month, prev *core.Period, regenerated map[string]struct{}) {
	if prev == nil {
		return
	}
	for _, old := range prev.Expenses {
		if old.Paid {
			continue
		}
		if old.LineageID != "" {
			if _, ok := regenerated[old.LineageID]; ok {
				continue
			}
		}
		clone := old
		clone.ID = e.newID()
		clone.Description = core.CarryOverPrefix + strings.TrimPrefix(old.Description, core.CarryOverPrefix)
		clone.Paid = false
		clone.DueDate = m.Date(1)
		if old.Installments != nil {
			d := *old.Installments
			clone.Installments = &d
		}
		p.Expenses = append(p.Expenses, clone)
	}
}
