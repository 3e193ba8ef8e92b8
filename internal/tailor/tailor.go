// Package tailor is the paid AI action: rewrite a resume for a job description.
package tailor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/resumeledger/internal/llm"
	"github.com/MarkoPoloResearchLab/resumeledger/pkg/ledger"
)

// ActionReason is the ledger reason recorded for tailoring debits.
const ActionReason = "tailor"

const (
	defaultMaxInputBytes = 64 * 1024

	systemPrompt = "You tailor resumes. Rewrite the resume so it targets the job description. " +
		"Keep every fact truthful and return plain text only."
)

var (
	ErrInvalidInput  = errors.New("invalid tailor input")
	ErrInvalidConfig = errors.New("invalid tailor config")
)

// Input is the user-supplied content.
type Input struct {
	Resume         string
	JobDescription string
}

// Result is the generated resume and the balance after the charge.
type Result struct {
	Content string
	Balance ledger.Credits
}

// Service charges for and runs tailoring requests.
type Service struct {
	gate          *ledger.Gate
	provider      llm.Provider
	action        ledger.PaidAction
	maxInputBytes int
}

// NewService wires a Service. action is usually reason "tailor" at the configured cost.
func NewService(gate *ledger.Gate, provider llm.Provider, action ledger.PaidAction) (*Service, error) {
	if gate == nil {
		return nil, fmt.Errorf("%w: gate is nil", ErrInvalidConfig)
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: llm provider is nil", ErrInvalidConfig)
	}
	return &Service{gate: gate, provider: provider, action: action, maxInputBytes: defaultMaxInputBytes}, nil
}

// Tailor validates input, then debits, calls the LLM, and refunds if the call fails.
// Invalid input is rejected before any debit.
func (service *Service) Tailor(ctx context.Context, accountID ledger.AccountID, input Input) (Result, error) {
	resume := strings.TrimSpace(input.Resume)
	jobDescription := strings.TrimSpace(input.JobDescription)
	if resume == "" || jobDescription == "" {
		return Result{}, fmt.Errorf("%w: resume and job description are required", ErrInvalidInput)
	}
	if len(resume)+len(jobDescription) > service.maxInputBytes {
		return Result{}, fmt.Errorf("%w: input exceeds %d bytes", ErrInvalidInput, service.maxInputBytes)
	}
	request := llm.Request{
		System: systemPrompt,
		Prompt: "Job description:\n" + jobDescription + "\n\nResume:\n" + resume,
	}
	performed, err := ledger.Perform(ctx, service.gate, accountID, service.action, func(ctx context.Context) (string, error) {
		response, err := service.provider.Complete(ctx, request)
		if err != nil {
			return "", err
		}
		return response.Text, nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Content: performed.Value, Balance: performed.Balance}, nil
}
