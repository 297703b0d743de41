package core

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Categories form a closed set; transactions outside it are rejected at the edge.
const (
	CategorySalary     = "Salário"
	CategoryMumbuca    = "Mumbuca"
	CategoryHousing    = "Moradia"
	CategoryGroceries  = "Alimentação"
	CategoryTransport  = "Transporte"
	CategoryHealth     = "Saúde"
	CategoryEducation  = "Educação"
	CategoryLeisure    = "Lazer"
	CategoryDebts      = "Dívidas"
	CategoryInvestment = "Investimento"
	CategoryFuel       = "Abastecimento"
	CategoryDonation   = "Doação"
	CategoryExtra      = "Renda Extra"
	CategoryOther      = "Outros"
)

// CarryOverPrefix marks an unpaid expense cloned into the next period.
const CarryOverPrefix = "[carry-over] "

var (
	ErrInvalidMonth       = errors.New("invalid month")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrEmptyDescription   = errors.New("empty description")
	ErrUnknownCategory    = errors.New("unknown category")
	ErrInvalidInstallment = errors.New("invalid installment descriptor")
)

var categories = map[string]struct{}{
	CategorySalary: {}, CategoryMumbuca: {}, CategoryHousing: {},
	CategoryGroceries: {}, CategoryTransport: {}, CategoryHealth: {},
	CategoryEducation: {}, CategoryLeisure: {}, CategoryDebts: {},
	CategoryInvestment: {}, CategoryFuel: {}, CategoryDonation: {},
	CategoryExtra: {}, CategoryOther: {},
}

// KnownCategory reports whether name belongs to the closed category set.
func KnownCategory(name string) bool {
	_, ok := categories[name]
	return ok
}

// InstallmentDescriptor positions a transaction inside a finite obligation
// lineage: payment Current of Total.
type InstallmentDescriptor struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

func (d InstallmentDescriptor) Validate() error {
	if d.Current < 1 || d.Total < 1 || d.Current > d.Total {
		return ErrInvalidInstallment
	}
	return nil
}

// Transaction is a single income or expense entry within a period.
//
// LineageID is stable across periods for obligations derived from the catalog
// (and for their carry-over clones); it is the join key that keeps rollover
// from emitting the same obligation twice. Ad-hoc entries have no lineage.
type Transaction struct {
	ID           string                 `json:"id"`
	LineageID    string                 `json:"lineageId,omitempty"`
	Description  string                 `json:"description"`
	Payee        string                 `json:"payee,omitempty"`
	Amount       decimal.Decimal        `json:"amount"`
	Category     string                 `json:"category"`
	Paid         bool                   `json:"paid"`
	DueDate      string                 `json:"dueDate,omitempty"`
	Date         string                 `json:"date,omitempty"`
	Installments *InstallmentDescriptor `json:"installments,omitempty"`
	// SourceAccount is a weak reference into the period's BankAccounts; it
	// never implies account lifetime.
	SourceAccount string `json:"sourceAccount,omitempty"`
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.Description) == "" {
		return ErrEmptyDescription
	}
	if t.Amount.IsNegative() {
		return ErrInvalidAmount
	}
	if !KnownCategory(t.Category) {
		return ErrUnknownCategory
	}
	if t.Installments != nil {
		if err := t.Installments.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// BankAccount balances change only through explicit account edits, never as a
// side effect of paying a transaction.
type BankAccount struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

// Goal is a soft monthly spending cap per category; advisory only.
type Goal struct {
	ID       string          `json:"id"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
}

type SavingsGoal struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Target decimal.Decimal `json:"target"`
	Saved  decimal.Decimal `json:"saved"`
}

type ShoppingItem struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Bought      bool            `json:"bought"`
}
