// Package mock provides a test double for the llm.Provider interface.
//
//	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Hola"}}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/whotf-ash/synapse/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider. Zero values for response
// fields cause methods to return zero values and nil errors.
type Provider struct {
	mu sync.Mutex

	// CompleteResponse is returned by Complete. If nil, an empty response is
	// returned.
	CompleteResponse *llm.CompletionResponse

	// CompleteFunc, if set, takes precedence over CompleteResponse/CompleteErr.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CompleteErr, if non-nil, is returned from Complete.
	CompleteErr error

	// CapabilitiesResult is returned by Capabilities.
	CapabilitiesResult llm.ModelCapabilities

	// CompleteCalls records every CompletionRequest passed to Complete.
	CompleteCalls []llm.CompletionRequest
}

// Complete records the call and returns the configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, req)
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &llm.CompletionResponse{}, nil
	}
	out := *resp
	return &out, nil
}

// CountTokens uses the shared estimate.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities returns CapabilitiesResult.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CapabilitiesResult
}

// Calls returns a copy of the recorded requests. Thread-safe.
func (p *Provider) Calls() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

var _ llm.Provider = (*Provider)(nil)
