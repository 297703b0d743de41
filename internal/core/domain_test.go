package core

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestMonthPrevNext(t *testing.T) {
	tests := []struct {
		name string
		m    Month
		prev Month
		next Month
	}{
		{"mid-year", NewMonth(2026, 6), NewMonth(2026, 5), NewMonth(2026, 7)},
		{"january wraps back", NewMonth(2026, 1), NewMonth(2025, 12), NewMonth(2026, 2)},
		{"december wraps forward", NewMonth(2025, 12), NewMonth(2025, 11), NewMonth(2026, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.Prev(); got != tt.prev {
				t.Errorf("Prev() = %v, want %v", got, tt.prev)
			}
			if got := tt.m.Next(); got != tt.next {
				t.Errorf("Next() = %v, want %v", got, tt.next)
			}
		})
	}
}

func TestMonthKeyRoundTrip(t *testing.T) {
	m := NewMonth(2026, 2)
	if m.Key() != "2026-02" {
		t.Fatalf("Key() = %q, want 2026-02", m.Key())
	}
	parsed, err := ParseMonthKey("2026-02")
	if err != nil {
		t.Fatalf("ParseMonthKey: %v", err)
	}
	if parsed != m {
		t.Fatalf("ParseMonthKey() = %v, want %v", parsed, m)
	}
	if _, err := ParseMonthKey("2026-13"); err == nil {
		t.Fatal("expected error for month 13")
	}
}

func TestMonthDateClampsDay(t *testing.T) {
	if got := NewMonth(2026, 2).Date(31); got != "2026-02-28" {
		t.Errorf("Date(31) = %q, want 2026-02-28", got)
	}
	if got := NewMonth(2026, 1).Date(1); got != "2026-01-01" {
		t.Errorf("Date(1) = %q, want 2026-01-01", got)
	}
}

func TestTransactionValidate(t *testing.T) {
	good := Transaction{
		ID:          "t1",
		Description: "ALUGUEL",
		Amount:      decimal.NewFromFloat(1300),
		Category:    CategoryHousing,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Transaction)
	}{
		{"empty description", func(tr *Transaction) { tr.Description = "  " }},
		{"negative amount", func(tr *Transaction) { tr.Amount = decimal.NewFromFloat(-1) }},
		{"unknown category", func(tr *Transaction) { tr.Category = "Misc" }},
		{"installment out of range", func(tr *Transaction) {
			tr.Installments = &InstallmentDescriptor{Current: 5, Total: 4}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := good
			tt.mutate(&bad)
			if err := bad.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPeriodCloneIsDeep(t *testing.T) {
	p := &Period{
		Expenses: []Transaction{{
			ID:           "e1",
			Description:  "FACULDADE (2/10)",
			Amount:       decimal.NewFromFloat(202.68),
			Category:     CategoryEducation,
			Installments: &InstallmentDescriptor{Current: 2, Total: 10},
		}},
		Goals:     []Goal{{ID: "g1", Category: CategoryHousing, Amount: decimal.NewFromInt(2200)}},
		UpdatedAt: 100,
	}

	c := p.Clone()
	c.Expenses[0].Paid = true
	c.Expenses[0].Installments.Current = 3
	c.Goals[0].Category = CategoryHealth

	if p.Expenses[0].Paid {
		t.Error("clone shares expense backing array")
	}
	if p.Expenses[0].Installments.Current != 2 {
		t.Error("clone shares installment descriptor")
	}
	if p.Goals[0].Category != CategoryHousing {
		t.Error("clone shares goal backing array")
	}
}

func TestPeriodCategorySpend(t *testing.T) {
	p := &Period{Expenses: []Transaction{
		{Description: "a", Amount: decimal.NewFromFloat(10.50), Category: CategoryHealth},
		{Description: "b", Amount: decimal.NewFromFloat(4.50), Category: CategoryHealth},
		{Description: "c", Amount: decimal.NewFromFloat(99), Category: CategoryHousing},
	}}
	if got := p.CategorySpend(CategoryHealth); !got.Equal(decimal.NewFromInt(15)) {
		t.Errorf("CategorySpend = %s, want 15", got)
	}
}
