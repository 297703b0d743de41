// Package advisory adapts the ledger to an external financial-advice
// collaborator. The payload is read-only context; the response is free text
// returned to the caller verbatim, never parsed or acted upon.
package advisory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"cofrinho/internal/core"
	"cofrinho/internal/forecast"
)

// Request is the read-only context handed to the advisor.
type Request struct {
	CurrentPeriodExpenses []core.Transaction
	Projections           []forecast.Projection
	UserQuestion          string
}

// Advisor answers a free-form question about the household's finances.
type Advisor interface {
	Advise(ctx context.Context, req Request) (string, error)
}

// Gemini implements Advisor over Google Gemini.
type Gemini struct {
	apiKey    string
	modelName string
}

func NewGemini(apiKey string) *Gemini {
	return &Gemini{
		apiKey:    apiKey,
		modelName: "gemini-2.5-flash-lite",
	}
}

// IsAvailable reports whether the advisor is configured.
func (g *Gemini) IsAvailable() bool {
	return g.apiKey != ""
}

func (g *Gemini) Advise(ctx context.Context, req Request) (string, error) {
	if !g.IsAvailable() {
		return "", fmt.Errorf("gemini advisor is not configured")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return "", fmt.Errorf("create gemini client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(g.modelName)
	model.SetTemperature(0.4)

	resp, err := model.GenerateContent(ctx, genai.Text(buildPrompt(req)))
	if err != nil {
		return "", fmt.Errorf("generate advice: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("empty response from gemini")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	answer := strings.TrimSpace(sb.String())
	if answer == "" {
		return "", fmt.Errorf("no text content in response")
	}
	return answer, nil
}

func buildPrompt(req Request) string {
	var sb strings.Builder

	sb.WriteString(`Voce e um consultor financeiro de uma familia brasileira. Responda em Portugues Brasileiro, de forma direta e pratica, com base apenas nos dados abaixo. Valores em reais (R$).

DESPESAS DO MES ATUAL:
`)
	if len(req.CurrentPeriodExpenses) == 0 {
		sb.WriteString("(nenhuma despesa registrada)\n")
	}
	for _, tx := range req.CurrentPeriodExpenses {
		status := "em aberto"
		if tx.Paid {
			status = "paga"
		}
		sb.WriteString(fmt.Sprintf("- %s | R$ %s | %s | %s\n",
			tx.Description, tx.Amount.StringFixed(2), tx.Category, status))
	}

	sb.WriteString("\nPROJECOES DOS PROXIMOS MESES:\n")
	if len(req.Projections) == 0 {
		sb.WriteString("(sem projecoes)\n")
	}
	for _, p := range req.Projections {
		sb.WriteString(fmt.Sprintf("- %s: renda fixa R$ %s, despesas recorrentes R$ %s, parcelas comprometidas R$ %s, margem R$ %s\n",
			p.Period, p.FixedIncome.StringFixed(2), p.RecurringExpenseTotal.StringFixed(2),
			p.CommittedInstallments.StringFixed(2), p.Margin.StringFixed(2)))
	}

	sb.WriteString("\nPERGUNTA:\n")
	sb.WriteString(req.UserQuestion)
	sb.WriteString("\n\nResponda apenas com o texto do conselho, sem formatacao adicional.\n")

	return sb.String()
}
