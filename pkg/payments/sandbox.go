package payments

import (
	"context"
	"encoding/json"
	"sync"
)

// SandboxProcessor approves every charge without moving money. Dev mode
// uses it when no processor URL is configured. Charges are remembered by
// idempotency key so Lookup and repeated Charge calls agree.
type SandboxProcessor struct {
	mu      sync.Mutex
	charges map[string]*ChargeResult
	// Decline, when set, declines charges for these account ids
	Decline map[string]string
}

// NewSandboxProcessor creates a new sandbox processor
func NewSandboxProcessor() *SandboxProcessor {
	return &SandboxProcessor{charges: make(map[string]*ChargeResult)}
}

// Name implements Processor
func (p *SandboxProcessor) Name() string {
	return "sandbox"
}

// Charge implements Processor
func (p *SandboxProcessor) Charge(_ context.Context, req ChargeRequest) (*ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prior, ok := p.charges[req.IdempotencyKey]; ok {
		return prior, nil
	}

	result := &ChargeResult{Status: ChargeSucceeded, ProviderRef: "sb_" + req.AttemptID}
	if code, ok := p.Decline[req.AccountID]; ok {
		result.Status = ChargeDeclined
		result.DeclineCode = code
		result.Message = "declined by sandbox"
	}
	result.Raw, _ = json.Marshal(result)
	p.charges[req.IdempotencyKey] = result
	return result, nil
}

// Lookup implements Processor
func (p *SandboxProcessor) Lookup(_ context.Context, idempotencyKey string) (*ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if result, ok := p.charges[idempotencyKey]; ok {
		return result, nil
	}
	return nil, ErrChargeNotFound
}
