package rollover

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cofrinho/internal/catalog"
	"cofrinho/internal/core"
	"cofrinho/internal/store/memory"
)

// localSaver persists straight into the local store, standing in for the
// replication write path.
type localSaver struct{ local *memory.Store }

func (s *localSaver) Save(ctx context.Context, m core.Month, p *core.Period) error {
	return s.local.Put(ctx, m, p)
}

func testCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		Paydays: map[int]int{11: 28, 12: 23},
		Genesis: catalog.Genesis{
			Year:  2026,
			Month: 1,
			Goals: []core.Goal{
				{ID: "goal_1", Category: core.CategoryHousing, Amount: decimal.NewFromInt(2200)},
			},
			Accounts: []core.BankAccount{
				{ID: "acc_main", Name: "Conta Principal", Balance: decimal.Zero},
			},
		},
		Incomes: []catalog.IncomeDefinition{
			{
				Lineage: "inc:salario", Description: "SALARIO MARCELLY",
				Amount: decimal.NewFromFloat(3349.92), Category: core.CategorySalary,
				Mode: catalog.IncomeSalary, PaidAtGenesis: true,
			},
			{
				Lineage: "inc:mumbuca", Description: "MUMBUCA MARCELLY",
				Amount: decimal.NewFromInt(650), Category: core.CategoryMumbuca,
				Mode: catalog.IncomeStipend, Day: 15,
			},
		},
		Recurring: []catalog.RecurringDefinition{
			{
				Lineage: "rec:internet", Description: "INTERNET DE CASA",
				Amount: decimal.NewFromInt(125), Category: core.CategoryHousing, DueDay: 18,
			},
			{
				Lineage: "rec:aluguel-novo", Description: "ALUGUEL NOVO",
				Amount: decimal.NewFromInt(1400), Category: core.CategoryHousing,
				DueDay: 1, PaidAtGenesis: true,
			},
		},
		Finite: []catalog.FiniteObligationDefinition{
			{
				Lineage: "fin:multas", Description: "MULTAS", Payee: "MARCIA BRITO",
				Amount: decimal.NewFromInt(260), Category: core.CategoryTransport,
				DueDay: 30, Total: 4, AnchorYear: 2025, AnchorMonth: 11,
			},
		},
	}
}

func newTestEngine(t *testing.T, cat *catalog.Catalog) (*Engine, *memory.Store, *memory.Store) {
	t.Helper()
	local := memory.New()
	remote := memory.New()
	e := New(local, remote, &localSaver{local: local}, cat)
	e.now = func() time.Time { return time.UnixMilli(1_000) }
	seq := 0
	e.newID = func() string {
		seq++
		return fmt.Sprintf("id_%d", seq)
	}
	return e, local, remote
}

func findLineage(list []core.Transaction, lineage string) *core.Transaction {
	for i := range list {
		if list[i].LineageID == lineage {
			return &list[i]
		}
	}
	return nil
}

func TestGenesisFallback(t *testing.T) {
	e, _, _ := newTestEngine(t, testCatalog())

	p, created, err := e.Materialize(context.Background(), core.NewMonth(2026, 1))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !created {
		t.Fatal("expected a freshly derived period")
	}

	if len(p.Goals) != 1 || p.Goals[0].ID != "goal_1" {
		t.Errorf("goals = %+v, want genesis defaults", p.Goals)
	}
	if len(p.BankAccounts) != 1 || p.BankAccounts[0].ID != "acc_main" {
		t.Errorf("accounts = %+v, want genesis defaults", p.BankAccounts)
	}

	// Genesis-paid flags apply only for the ledger's first month.
	if tr := findLineage(p.Expenses, "rec:aluguel-novo"); tr == nil || !tr.Paid {
		t.Error("genesis-paid recurring expense should start paid in the genesis month")
	}
	if tr := findLineage(p.Expenses, "rec:internet"); tr == nil || tr.Paid {
		t.Error("recurring expense without genesis flag should start unpaid")
	}
	if tr := findLineage(p.Incomes, "inc:salario"); tr == nil || !tr.Paid {
		t.Error("genesis-paid salary should start paid in the genesis month")
	}
}

func TestSalaryCashBasisDating(t *testing.T) {
	e, _, _ := newTestEngine(t, testCatalog())

	p, _, err := e.Materialize(context.Background(), core.NewMonth(2026, 1))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	sal := findLineage(p.Incomes, "inc:salario")
	if sal == nil {
		t.Fatal("salary income missing")
	}
	// Reference month is December 2025; its payday is the 23rd.
	if sal.Date != "2025-12-23" {
		t.Errorf("salary date = %q, want 2025-12-23", sal.Date)
	}
	if !strings.Contains(sal.Description, "(Ref. Dezembro)") {
		t.Errorf("salary description = %q, want reference-month suffix", sal.Description)
	}

	stipend := findLineage(p.Incomes, "inc:mumbuca")
	if stipend == nil || stipend.Date != "2026-01-15" {
		t.Errorf("stipend date = %v, want 2026-01-15", stipend)
	}
}

func TestFiniteInstallmentEmission(t *testing.T) {
	e, _, _ := newTestEngine(t, testCatalog())
	ctx := context.Background()

	// MULTAS anchored 2025-11 with 4 installments: index 3 in January,
	// index 4 in February, absent from March on.
	jan, _, err := e.Materialize(ctx, core.NewMonth(2026, 1))
	if err != nil {
		t.Fatal(err)
	}
	multas := findLineage(jan.Expenses, "fin:multas")
	if multas == nil {
		t.Fatal("expected MULTAS installment in January")
	}
	if multas.Installments == nil || multas.Installments.Current != 3 {
		t.Errorf("installments = %+v, want current 3", multas.Installments)
	}
	if !strings.HasSuffix(multas.Description, "(3/4)") {
		t.Errorf("description = %q, want (3/4) suffix", multas.Description)
	}
	if multas.Payee != "MARCIA BRITO" {
		t.Errorf("payee = %q, want MARCIA BRITO", multas.Payee)
	}

	// Pay everything so March has no carry-over noise.
	for m := core.NewMonth(2026, 1); m.Before(core.NewMonth(2026, 3)); m = m.Next() {
		p, _, err := e.Materialize(ctx, m)
		if err != nil {
			t.Fatal(err)
		}
		for i := range p.Expenses {
			p.Expenses[i].Paid = true
		}
		e.local.Put(ctx, m, p)
	}

	mar, _, err := e.Materialize(ctx, core.NewMonth(2026, 3))
	if err != nil {
		t.Fatal(err)
	}
	if findLineage(mar.Expenses, "fin:multas") != nil {
		t.Error("MULTAS lineage ended in February, must not appear in March")
	}
}

func TestInheritedStateIsStructurallyIdentical(t *testing.T) {
	e, local, _ := newTestEngine(t, testCatalog())
	ctx := context.Background()

	jan, _, err := e.Materialize(ctx, core.NewMonth(2026, 1))
	if err != nil {
		t.Fatal(err)
	}
	jan.SavingsGoals = []core.SavingsGoal{{ID: "sv1", Name: "Viagem", Target: decimal.NewFromInt(5000)}}
	jan.BankAccounts[0].Balance = decimal.NewFromFloat(123.45)
	local.Put(ctx, core.NewMonth(2026, 1), jan)

	feb, _, err := e.Materialize(ctx, core.NewMonth(2026, 2))
	if err != nil {
		t.Fatal(err)
	}

	if len(feb.Goals) != len(jan.Goals) ||
		feb.Goals[0].ID != jan.Goals[0].ID ||
		feb.Goals[0].Category != jan.Goals[0].Category ||
		!feb.Goals[0].Amount.Equal(jan.Goals[0].Amount) {
		t.Errorf("goals not inherited verbatim: %+v", feb.Goals)
	}
	if len(feb.SavingsGoals) != 1 || feb.SavingsGoals[0].ID != "sv1" {
		t.Errorf("savings goals not inherited: %+v", feb.SavingsGoals)
	}
	if !feb.BankAccounts[0].Balance.Equal(decimal.NewFromFloat(123.45)) {
		t.Errorf("account balance not inherited: %s", feb.BankAccounts[0].Balance)
	}
}

func TestCarryOverOfUnpaidDebt(t *testing.T) {
	e, local, _ := newTestEngine(t, testCatalog())
	ctx := context.Background()

	jan, _, err := e.Materialize(ctx, core.NewMonth(2026, 1))
	if err != nil {
		t.Fatal(err)
	}
	// An ad-hoc debt with no catalog lineage; it must be carried.
	jan.Expenses = append(jan.Expenses, core.Transaction{
		ID:          "exp_aluguel",
		Description: "ALUGUEL",
		Amount:      decimal.NewFromFloat(1300.00),
		Category:    core.CategoryHousing,
		Paid:        false,
		DueDate:     "2026-01-01",
	})
	local.Put(ctx, core.NewMonth(2026, 1), jan)

	feb, _, err := e.Materialize(ctx, core.NewMonth(2026, 2))
	if err != nil {
		t.Fatal(err)
	}

	var carried *core.Transaction
	for i := range feb.Expenses {
		if feb.Expenses[i].Description == "[carry-over] ALUGUEL" {
			carried = &feb.Expenses[i]
		}
	}
	if carried == nil {
		t.Fatal("expected [carry-over] ALUGUEL in February")
	}
	if !carried.Amount.Equal(decimal.NewFromFloat(1300.00)) {
		t.Errorf("amount = %s, want 1300.00", carried.Amount)
	}
	if carried.Paid {
		t.Error("carried debt must be unpaid")
	}
	if carried.DueDate != "2026-02-01" {
		t.Errorf("due date = %q, want 2026-02-01", carried.DueDate)
	}
	if carried.ID == "exp_aluguel" {
		t.Error("carried clone must get a fresh id")
	}
}

func TestCarryOverPrefixDoesNotStack(t *testing.T) {
	e, local, _ := newTestEngine(t, testCatalog())
	ctx := context.Background()

	jan, _, err := e.Materialize(ctx, core.NewMonth(2026, 1))
	if err != nil {
		t.Fatal(err)
	}
	jan.Expenses = append(jan.Expenses, core.Transaction{
		ID:          "d1",
		Description: "[carry-over] DÍVIDA ANTIGA",
		Amount:      decimal.NewFromInt(50),
		Category:    core.CategoryDebts,
	})
	local.Put(ctx, core.NewMonth(2026, 1), jan)

	feb, _, err := e.Materialize(ctx, core.NewMonth(2026, 2))
	if err != nil {
		t.Fatal(err)
	}
	for _, exp := range feb.Expenses {
		if strings.Contains(exp.Description, "[carry-over] [carry-over]") {
			t.Errorf("stacked carry-over marker: %q", exp.Description)
		}
	}
}

func TestNoDuplicationOfRegeneratedObligations(t *testing.T) {
	e, local, _ := newTestEngine(t, testCatalog())
	ctx := context.Background()

	jan, _, err := e.Materialize(ctx, core.NewMonth(2026, 1))
	if err != nil {
		t.Fatal(err)
	}
	// Leave the recurring INTERNET unpaid; February regenerates it via the
	// catalog and must not also clone it as a carry-over.
	local.Put(ctx, core.NewMonth(2026, 1), jan)

	feb, _, err := e.Materialize(ctx, core.NewMonth(2026, 2))
	if err != nil {
		t.Fatal(err)
	}

	count := 0
	for _, exp := range feb.Expenses {
		if exp.LineageID == "rec:internet" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("rec:internet appears %d times, want exactly 1", count)
	}
	for _, exp := range feb.Expenses {
		if strings.Contains(exp.Description, "[carry-over] INTERNET") {
			t.Errorf("regenerated obligation also carried over: %q", exp.Description)
		}
	}
}

func TestEndedLineageCarriesWhenUnpaid(t *testing.T) {
	e, local, _ := newTestEngine(t, testCatalog())
	ctx := context.Background()

	// February holds MULTAS (4/4). Left unpaid, March no longer regenerates
	// the lineage, so the final installment must carry over.
	jan, _, err := e.Materialize(ctx, core.NewMonth(2026, 1))
	if err != nil {
		t.Fatal(err)
	}
	for i := range jan.Expenses {
		jan.Expenses[i].Paid = true
	}
	local.Put(ctx, core.NewMonth(2026, 1), jan)

	feb, _, err := e.Materialize(ctx, core.NewMonth(2026, 2))
	if err != nil {
		t.Fatal(err)
	}
	local.Put(ctx, core.NewMonth(2026, 2), feb)

	mar, _, err := e.Materialize(ctx, core.NewMonth(2026, 3))
	if err != nil {
		t.Fatal(err)
	}
	carried := findLineage(mar.Expenses, "fin:multas")
	if carried == nil {
		t.Fatal("unpaid final installment must carry into March")
	}
	if !strings.HasPrefix(carried.Description, core.CarryOverPrefix) {
		t.Errorf("description = %q, want carry-over marker", carried.Description)
	}
	if carried.Installments == nil || carried.Installments.Current != 4 {
		t.Errorf("installments = %+v, want (4/4) preserved", carried.Installments)
	}
}

func TestExistingPeriodIsReturnedUntouched(t *testing.T) {
	e, local, _ := newTestEngine(t, testCatalog())
	ctx := context.Background()

	m := core.NewMonth(2026, 1)
	first, created, err := e.Materialize(ctx, m)
	if err != nil || !created {
		t.Fatalf("first Materialize: created=%v err=%v", created, err)
	}
	local.Put(ctx, m, first)

	second, created, err := e.Materialize(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("existing period must not be re-derived")
	}
	if len(second.Expenses) != len(first.Expenses) {
		t.Errorf("expenses changed across materializations: %d vs %d",
			len(second.Expenses), len(first.Expenses))
	}
}

func TestRemoteAdoptionOnFreshReplica(t *testing.T) {
	e, local, remote := newTestEngine(t, testCatalog())
	ctx := context.Background()

	m := core.NewMonth(2026, 1)
	doc := &core.Period{
		Expenses:  []core.Transaction{{ID: "r1", Description: "REMOTA", Amount: decimal.NewFromInt(10), Category: core.CategoryOther}},
		UpdatedAt: 500,
	}
	remote.Inject(m, doc)

	p, created, err := e.Materialize(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("remote copy exists, nothing should be derived")
	}
	if len(p.Expenses) != 1 || p.Expenses[0].ID != "r1" {
		t.Errorf("expected remote document adopted, got %+v", p.Expenses)
	}

	cached, err := local.Get(ctx, m)
	if err != nil {
		t.Fatalf("remote document not cached locally: %v", err)
	}
	if cached.UpdatedAt != 500 {
		t.Errorf("cached UpdatedAt = %d, want 500", cached.UpdatedAt)
	}
}

func TestSteadyStateRolloverStartsUnpaid(t *testing.T) {
	e, local, _ := newTestEngine(t, testCatalog())
	ctx := context.Background()

	jan, _, err := e.Materialize(ctx, core.NewMonth(2026, 1))
	if err != nil {
		t.Fatal(err)
	}
	for i := range jan.Expenses {
		jan.Expenses[i].Paid = true
	}
	local.Put(ctx, core.NewMonth(2026, 1), jan)

	feb, _, err := e.Materialize(ctx, core.NewMonth(2026, 2))
	if err != nil {
		t.Fatal(err)
	}
	if tr := findLineage(feb.Expenses, "rec:aluguel-novo"); tr == nil || tr.Paid {
		t.Error("genesis-paid flag must not leak into steady-state rollover")
	}
	if tr := findLineage(feb.Incomes, "inc:salario"); tr == nil || tr.Paid {
		t.Error("salary must start unpaid outside the genesis month")
	}
}
