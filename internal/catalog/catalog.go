// Package catalog holds the static obligation templates the rollover engine
// consumes: recurring expenses, finite installment obligations, the income
// roster with its payday calendar, and the genesis defaults used when no
// prior period exists. The catalog is loaded once at startup and read-only
// afterwards.
package catalog

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"cofrinho/internal/core"
)

//go:embed data/catalog.json
var defaultFS embed.FS

// fallbackPayday is used for reference months missing from the calendar.
const fallbackPayday = 23

// IncomeMode selects how an income roster entry is dated.
type IncomeMode string

const (
	// IncomeSalary follows the cash-basis rule: the entry for month M is
	// dated on the reference month M-1's payday.
	IncomeSalary IncomeMode = "salary"
	// IncomeStipend is dated on a fixed day inside month M itself.
	IncomeStipend IncomeMode = "stipend"
)

// RecurringDefinition regenerates one expense every period. It carries no
// state between periods.
type RecurringDefinition struct {
	Lineage       string          `json:"lineage"`
	Description   string          `json:"description"`
	Payee         string          `json:"payee,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Category      string          `json:"category"`
	DueDay        int             `json:"dueDay"`
	PaidAtGenesis bool            `json:"paidAtGenesis"`
}

// FiniteObligationDefinition anchors a finite installment lineage. Exactly one
// of Amount (per installment) or TotalAmount must be set.
type FiniteObligationDefinition struct {
	Lineage       string          `json:"lineage"`
	Description   string          `json:"description"`
	Payee         string          `json:"payee,omitempty"`
	Amount        decimal.Decimal `json:"amount,omitempty"`
	TotalAmount   decimal.Decimal `json:"totalAmount,omitempty"`
	Category      string          `json:"category"`
	DueDay        int             `json:"dueDay"`
	Total         int             `json:"totalInstallments"`
	AnchorYear    int             `json:"anchorYear"`
	AnchorMonth   int             `json:"anchorMonth"`
	PaidAtGenesis bool            `json:"paidAtGenesis"`
}

// Anchor returns the obligation's first-installment period.
func (d FiniteObligationDefinition) Anchor() core.Month {
	return core.NewMonth(d.AnchorYear, d.AnchorMonth)
}

// InstallmentAmount is the amount emitted per installment: the fixed
// per-installment value when present, else the total split evenly and rounded
// to 2 decimals.
func (d FiniteObligationDefinition) InstallmentAmount() decimal.Decimal {
	if !d.Amount.IsZero() {
		return d.Amount
	}
	return d.TotalAmount.Div(decimal.NewFromInt(int64(d.Total))).Round(2)
}

// IncomeDefinition is one entry of the fixed payee roster. Amounts and
// descriptions are static; they are never re-derived from the prior period.
type IncomeDefinition struct {
	Lineage       string          `json:"lineage"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	Category      string          `json:"category"`
	Mode          IncomeMode      `json:"mode"`
	Day           int             `json:"day,omitempty"`
	PaidAtGenesis bool            `json:"paidAtGenesis"`
}

// Genesis holds the defaults seeded into the very first period of a ledger.
type Genesis struct {
	Year     int                `json:"year"`
	Month    int                `json:"month"`
	Goals    []core.Goal        `json:"goals"`
	Accounts []core.BankAccount `json:"bankAccounts"`
}

// Catalog is the full static configuration. Callers must treat it as frozen.
type Catalog struct {
	Incomes   []IncomeDefinition           `json:"incomes"`
	Recurring []RecurringDefinition        `json:"recurring"`
	Finite    []FiniteObligationDefinition `json:"finite"`
	// Paydays maps a reference month (1-12) to the day the salary for the
	// following month is credited.
	Paydays map[int]int `json:"paydays"`
	Genesis Genesis     `json:"genesis"`
}

// Load reads the catalog from path, or the embedded default when path is
// empty or missing.
func Load(path string) (*Catalog, error) {
	var raw []byte
	var err error
	if path != "" {
		raw, err = os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read catalog %s: %w", path, err)
		}
	}
	if raw == nil {
		raw, err = defaultFS.ReadFile("data/catalog.json")
		if err != nil {
			return nil, fmt.Errorf("read embedded catalog: %w", err)
		}
	}

	var c Catalog
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate catalog: %w", err)
	}
	return &c, nil
}

// GenesisMonth is the ledger's first-ever period; paidAtGenesis flags apply
// only when rolling that exact month.
func (c *Catalog) GenesisMonth() core.Month {
	return core.NewMonth(c.Genesis.Year, c.Genesis.Month)
}

// Payday returns the salary credit day for a reference month.
func (c *Catalog) Payday(referenceMonth int) int {
	if day, ok := c.Paydays[referenceMonth]; ok {
		return day
	}
	return fallbackPayday
}

func (c *Catalog) Validate() error {
	if err := c.GenesisMonth().Validate(); err != nil {
		return fmt.Errorf("genesis month: %w", err)
	}

	seen := make(map[string]struct{})
	claim := func(lineage string) error {
		if lineage == "" {
			return fmt.Errorf("definition missing lineage id")
		}
		if _, dup := seen[lineage]; dup {
			return fmt.Errorf("duplicate lineage id %q", lineage)
		}
		seen[lineage] = struct{}{}
		return nil
	}

	for _, d := range c.Incomes {
		if err := claim(d.Lineage); err != nil {
			return err
		}
		if d.Mode != IncomeSalary && d.Mode != IncomeStipend {
			return fmt.Errorf("income %q: unknown mode %q", d.Lineage, d.Mode)
		}
		if d.Mode == IncomeStipend && (d.Day < 1 || d.Day > 31) {
			return fmt.Errorf("income %q: stipend day %d out of range", d.Lineage, d.Day)
		}
		if !core.KnownCategory(d.Category) {
			return fmt.Errorf("income %q: %w", d.Lineage, core.ErrUnknownCategory)
		}
	}
	for _, d := range c.Recurring {
		if err := claim(d.Lineage); err != nil {
			return err
		}
		if d.DueDay < 1 || d.DueDay > 31 {
			return fmt.Errorf("recurring %q: due day %d out of range", d.Lineage, d.DueDay)
		}
		if d.Amount.IsNegative() || d.Amount.IsZero() {
			return fmt.Errorf("recurring %q: %w", d.Lineage, core.ErrInvalidAmount)
		}
		if !core.KnownCategory(d.Category) {
			return fmt.Errorf("recurring %q: %w", d.Lineage, core.ErrUnknownCategory)
		}
	}
	for _, d := range c.Finite {
		if err := claim(d.Lineage); err != nil {
			return err
		}
		if d.Total < 1 {
			return fmt.Errorf("finite %q: total installments %d out of range", d.Lineage, d.Total)
		}
		if err := d.Anchor().Validate(); err != nil {
			return fmt.Errorf("finite %q: anchor: %w", d.Lineage, err)
		}
		hasPer, hasTotal := !d.Amount.IsZero(), !d.TotalAmount.IsZero()
		if hasPer == hasTotal {
			return fmt.Errorf("finite %q: exactly one of amount and totalAmount must be set", d.Lineage)
		}
		if d.DueDay < 1 || d.DueDay > 31 {
			return fmt.Errorf("finite %q: due day %d out of range", d.Lineage, d.DueDay)
		}
		if !core.KnownCategory(d.Category) {
			return fmt.Errorf("finite %q: %w", d.Lineage, core.ErrUnknownCategory)
		}
	}
	return nil
}
