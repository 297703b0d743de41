package core

import "github.com/shopspring/decimal"

// Period is one month's complete ledger snapshot. Exactly one Period document
// exists per family per month key; it is created once by rollover and never
// deleted.
//
// UpdatedAt is a monotonically increasing logical write timestamp (wall-clock
// milliseconds) used only for replica reconciliation.
type Period struct {
	Incomes       []Transaction  `json:"incomes"`
	Expenses      []Transaction  `json:"expenses"`
	ShoppingItems []ShoppingItem `json:"shoppingItems"`
	AvulsosItems  []Transaction  `json:"avulsosItems"`
	Goals         []Goal         `json:"goals"`
	SavingsGoals  []SavingsGoal  `json:"savingsGoals"`
	BankAccounts  []BankAccount  `json:"bankAccounts"`
	UpdatedAt     int64          `json:"updatedAt"`
}

// Clone returns a deep copy. Replication hands Periods across goroutines, so
// stored documents must never share slices with callers.
func (p *Period) Clone() *Period {
	if p == nil {
		return nil
	}
	out := &Period{UpdatedAt: p.UpdatedAt}
	out.Incomes = cloneTransactions(p.Incomes)
	out.Expenses = cloneTransactions(p.Expenses)
	out.AvulsosItems = cloneTransactions(p.AvulsosItems)
	out.ShoppingItems = append([]ShoppingItem(nil), p.ShoppingItems...)
	out.Goals = append([]Goal(nil), p.Goals...)
	out.SavingsGoals = append([]SavingsGoal(nil), p.SavingsGoals...)
	out.BankAccounts = append([]BankAccount(nil), p.BankAccounts...)
	return out
}

func cloneTransactions(in []Transaction) []Transaction {
	if in == nil {
		return nil
	}
	out := make([]Transaction, len(in))
	for i, t := range in {
		out[i] = t
		if t.Installments != nil {
			d := *t.Installments
			out[i].Installments = &d
		}
	}
	return out
}

// FindTransaction looks an entry up by id across incomes, expenses and avulsos.
// The returned pointer aliases the period's backing array.
func (p *Period) FindTransaction(id string) *Transaction {
	for _, list := range [][]Transaction{p.Incomes, p.Expenses, p.AvulsosItems} {
		for i := range list {
			if list[i].ID == id {
				return &list[i]
			}
		}
	}
	return nil
}

// FindAccount looks a bank account up by id.
func (p *Period) FindAccount(id string) *BankAccount {
	for i := range p.BankAccounts {
		if p.BankAccounts[i].ID == id {
			return &p.BankAccounts[i]
		}
	}
	return nil
}

// LineageIDs returns the set of obligation lineages present among expenses.
func (p *Period) LineageIDs() map[string]struct{} {
	out := make(map[string]struct{})
	for _, e := range p.Expenses {
		if e.LineageID != "" {
			out[e.LineageID] = struct{}{}
		}
	}
	return out
}

// ExpenseTotal sums all expenses regardless of paid state.
func (p *Period) ExpenseTotal() decimal.Decimal {
	total := decimal.Zero
	for _, e := range p.Expenses {
		total = total.Add(e.Amount)
	}
	return total
}

// CategorySpend sums expenses of one category; used against Goal caps.
func (p *Period) CategorySpend(category string) decimal.Decimal {
	total := decimal.Zero
	for _, e := range p.Expenses {
		if e.Category == category {
			total = total.Add(e.Amount)
		}
	}
	return total
}
