package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cofrinho/internal/advisory"
	"cofrinho/internal/core"
)

const defaultForecastPeriods = 6

type periodResponse struct {
	Key        string       `json:"key"`
	SyncStatus string       `json:"syncStatus"`
	Document   *core.Period `json:"document"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Response encode error", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// handleGetPeriod materializes the requested period (rolling it over from the
// previous one if needed) and makes it the actively replicated month.
func (s *Server) handleGetPeriod(w http.ResponseWriter, r *http.Request) {
	m, err := parsePeriodKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid period key")
		return
	}

	p, created, err := s.engine.Materialize(r.Context(), m)
	if err != nil {
		slog.ErrorContext(r.Context(), "Materialize error", "error", err, "period", m.Key())
		writeError(w, http.StatusInternalServerError, "could not load period")
		return
	}
	if created {
		slog.InfoContext(r.Context(), "Period created by rollover", "period", m.Key())
	}

	s.sync.Activate(r.Context(), m)

	writeJSON(w, http.StatusOK, periodResponse{
		Key:        m.Key(),
		SyncStatus: string(s.sync.Status()),
		Document:   p,
	})
}

// mutatePeriod runs fn against the period's current document and persists the
// result through the replication layer. fn returns the HTTP status on success.
func (s *Server) mutatePeriod(w http.ResponseWriter, r *http.Request, fn func(p *core.Period) (int, error)) {
	m, err := parsePeriodKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid period key")
		return
	}

	s.editMu.Lock()
	defer s.editMu.Unlock()

	p, _, err := s.engine.Materialize(r.Context(), m)
	if err != nil {
		slog.ErrorContext(r.Context(), "Materialize error", "error", err, "period", m.Key())
		writeError(w, http.StatusInternalServerError, "could not load period")
		return
	}

	status, err := fn(p)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	if err := s.sync.Save(r.Context(), m, p); err != nil {
		slog.ErrorContext(r.Context(), "Period save error", "error", err, "period", m.Key())
		writeError(w, http.StatusInternalServerError, "could not save period")
		return
	}

	writeJSON(w, status, periodResponse{
		Key:        m.Key(),
		SyncStatus: string(s.sync.Status()),
		Document:   p,
	})
}

type transactionRequest struct {
	List          string                      `json:"list"`
	Description   string                      `json:"description"`
	Payee         string                      `json:"payee"`
	Amount        string                      `json:"amount"`
	Category      string                      `json:"category"`
	Paid          bool                        `json:"paid"`
	DueDate       string                      `json:"dueDate"`
	Date          string                      `json:"date"`
	SourceAccount string                      `json:"sourceAccount"`
	Installments  *core.InstallmentDescriptor `json:"installments"`
}

func (s *Server) handleAddTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid amount")
		return
	}

	tx := core.Transaction{
		ID:            uuid.NewString(),
		Description:   strings.TrimSpace(req.Description),
		Payee:         strings.TrimSpace(req.Payee),
		Amount:        amount,
		Category:      req.Category,
		Paid:          req.Paid,
		DueDate:       req.DueDate,
		Date:          req.Date,
		SourceAccount: req.SourceAccount,
		Installments:  req.Installments,
	}
	if err := tx.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.mutatePeriod(w, r, func(p *core.Period) (int, error) {
		switch req.List {
		case "incomes":
			p.Incomes = append(p.Incomes, tx)
		case "expenses":
			p.Expenses = append(p.Expenses, tx)
		case "avulsos":
			if tx.SourceAccount == "" {
				return http.StatusUnprocessableEntity, errors.New("avulso entries require a source account")
			}
			if p.FindAccount(tx.SourceAccount) == nil {
				return http.StatusUnprocessableEntity, errors.New("unknown source account")
			}
			p.AvulsosItems = append(p.AvulsosItems, tx)
		default:
			return http.StatusUnprocessableEntity, errors.New("list must be one of incomes, expenses, avulsos")
		}
		return http.StatusCreated, nil
	})
}

type transactionUpdateRequest struct {
	Description   *string `json:"description"`
	Payee         *string `json:"payee"`
	Amount        *string `json:"amount"`
	Category      *string `json:"category"`
	Paid          *bool   `json:"paid"`
	DueDate       *string `json:"dueDate"`
	Date          *string `json:"date"`
	SourceAccount *string `json:"sourceAccount"`
}

func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req transactionUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mutatePeriod(w, r, func(p *core.Period) (int, error) {
		tx := p.FindTransaction(id)
		if tx == nil {
			return http.StatusNotFound, errors.New("transaction not found")
		}

		updated := *tx
		if req.Description != nil {
			updated.Description = strings.TrimSpace(*req.Description)
		}
		if req.Payee != nil {
			updated.Payee = strings.TrimSpace(*req.Payee)
		}
		if req.Amount != nil {
			amount, err := decimal.NewFromString(strings.TrimSpace(*req.Amount))
			if err != nil {
				return http.StatusUnprocessableEntity, errors.New("invalid amount")
			}
			updated.Amount = amount
		}
		if req.Category != nil {
			updated.Category = *req.Category
		}
		if req.Paid != nil {
			updated.Paid = *req.Paid
		}
		if req.DueDate != nil {
			updated.DueDate = *req.DueDate
		}
		if req.Date != nil {
			updated.Date = *req.Date
		}
		if req.SourceAccount != nil {
			updated.SourceAccount = *req.SourceAccount
		}
		if err := updated.Validate(); err != nil {
			return http.StatusUnprocessableEntity, err
		}

		*tx = updated
		return http.StatusOK, nil
	})
}

// handlePayTransaction marks an entry paid. Account balances are not touched;
// cross-entity effects are always explicit, separate edits.
func (s *Server) handlePayTransaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mutatePeriod(w, r, func(p *core.Period) (int, error) {
		tx := p.FindTransaction(id)
		if tx == nil {
			return http.StatusNotFound, errors.New("transaction not found")
		}
		tx.Paid = true
		return http.StatusOK, nil
	})
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mutatePeriod(w, r, func(p *core.Period) (int, error) {
		for _, list := range []*[]core.Transaction{&p.Incomes, &p.Expenses, &p.AvulsosItems} {
			for i := range *list {
				if (*list)[i].ID == id {
					*list = append((*list)[:i], (*list)[i+1:]...)
					return http.StatusOK, nil
				}
			}
		}
		return http.StatusNotFound, errors.New("transaction not found")
	})
}

type accountUpdateRequest struct {
	Name    *string `json:"name"`
	Balance *string `json:"balance"`
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req accountUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mutatePeriod(w, r, func(p *core.Period) (int, error) {
		acc := p.FindAccount(id)
		if acc == nil {
			return http.StatusNotFound, errors.New("account not found")
		}
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return http.StatusUnprocessableEntity, errors.New("account name cannot be empty")
			}
			acc.Name = name
		}
		if req.Balance != nil {
			balance, err := decimal.NewFromString(strings.TrimSpace(*req.Balance))
			if err != nil {
				return http.StatusUnprocessableEntity, errors.New("invalid balance")
			}
			acc.Balance = balance
		}
		return http.StatusOK, nil
	})
}

type goalRequest struct {
	Amount string `json:"amount"`
}

// handleUpsertGoal sets the monthly spending cap for one category.
func (s *Server) handleUpsertGoal(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")
	if !core.KnownCategory(category) {
		writeError(w, http.StatusUnprocessableEntity, core.ErrUnknownCategory.Error())
		return
	}

	var req goalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || amount.IsNegative() {
		writeError(w, http.StatusUnprocessableEntity, "invalid amount")
		return
	}

	s.mutatePeriod(w, r, func(p *core.Period) (int, error) {
		for i := range p.Goals {
			if p.Goals[i].Category == category {
				p.Goals[i].Amount = amount
				return http.StatusOK, nil
			}
		}
		p.Goals = append(p.Goals, core.Goal{
			ID:       uuid.NewString(),
			Category: category,
			Amount:   amount,
		})
		return http.StatusCreated, nil
	})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	from := core.NewMonth(now.Year(), int(now.Month()))
	if v := strings.TrimSpace(r.URL.Query().Get("from")); v != "" {
		m, err := core.ParseMonthKey(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from period")
			return
		}
		from = m
	}

	periods := defaultForecastPeriods
	if v := strings.TrimSpace(r.URL.Query().Get("periods")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 36 {
			writeError(w, http.StatusBadRequest, "periods must be between 1 and 36")
			return
		}
		periods = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"from":        from.Key(),
		"projections": s.forecaster.Project(from, periods),
	})
}

type adviceRequest struct {
	Period   string `json:"period"`
	Question string `json:"question"`
}

func (s *Server) handleAdvice(w http.ResponseWriter, r *http.Request) {
	if s.advisor == nil {
		writeError(w, http.StatusServiceUnavailable, "advisor is not configured")
		return
	}

	var req adviceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusUnprocessableEntity, "question cannot be empty")
		return
	}

	now := time.Now()
	m := core.NewMonth(now.Year(), int(now.Month()))
	if req.Period != "" {
		parsed, err := core.ParseMonthKey(req.Period)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid period key")
			return
		}
		m = parsed
	}

	p, _, err := s.engine.Materialize(r.Context(), m)
	if err != nil {
		slog.ErrorContext(r.Context(), "Materialize error", "error", err, "period", m.Key())
		writeError(w, http.StatusInternalServerError, "could not load period")
		return
	}

	answer, err := s.advisor.Advise(r.Context(), advisory.Request{
		CurrentPeriodExpenses: p.Expenses,
		Projections:           s.forecaster.Project(m, defaultForecastPeriods),
		UserQuestion:          req.Question,
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "Advice error", "error", err, "period", m.Key())
		writeError(w, http.StatusBadGateway, "advisor unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"advice": answer})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": string(s.sync.Status())})
}
