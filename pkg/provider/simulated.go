package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/castingclouds/agentengine/pkg/agentdef"
)

// SimulatedDispatcher stands in for a provider backend whose real HTTP
// integration is out of scope for this engine (§1: "the upstream LLM provider
// clients... treated as an abstract provider call"). It mirrors the shape of
// the real dispatch: a brief delay, then one canned chunk and a terminal
// Chunk, so the engine's lifecycle and event ordering are exercised
// identically regardless of backend.
type SimulatedDispatcher struct {
	kind  agentdef.ProviderKind
	delay time.Duration
}

// NewSimulatedDispatcher builds a stand-in dispatcher for kind.
func NewSimulatedDispatcher(kind agentdef.ProviderKind) *SimulatedDispatcher {
	return &SimulatedDispatcher{kind: kind, delay: 50 * time.Millisecond}
}

func (d *SimulatedDispatcher) Dispatch(ctx context.Context, selector agentdef.ProviderSelector, req Request) (<-chan Chunk, error) {
	ch := make(chan Chunk, 2)
	go func() {
		defer close(ch)

		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			ch <- Chunk{Err: ctx.Err()}
			return
		}

		text := fmt.Sprintf("[%s:%s simulated response] %s", d.kind, selector.Model, req.UserMessage)

		select {
		case ch <- Chunk{Text: text}:
		case <-ctx.Done():
			return
		}
		select {
		case ch <- Chunk{
			Final:         true,
			FinalResponse: map[string]interface{}{"response": text},
			Usage: map[string]interface{}{
				"input_tokens":  len(req.UserMessage) / 4,
				"output_tokens": len(text) / 4,
				"total_tokens":  len(req.UserMessage)/4 + len(text)/4,
			},
		}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// CustomDispatcher serves the custom-endpoint provider kind. It requires
// selector.Endpoint to be set but makes no HTTP call to it (Headers are not
// used either): it returns the same simulated response as SimulatedDispatcher.
type CustomDispatcher struct {
	delay time.Duration
}

// NewCustomDispatcher builds a simulated custom-endpoint dispatcher. A real
// deployment would route selector.Endpoint/Headers through net/http exactly
// as AnthropicDispatcher does; simulated here because no concrete custom
// endpoint contract is specified.
func NewCustomDispatcher() *CustomDispatcher {
	return &CustomDispatcher{delay: 50 * time.Millisecond}
}

func (d *CustomDispatcher) Dispatch(ctx context.Context, selector agentdef.ProviderSelector, req Request) (<-chan Chunk, error) {
	if selector.Endpoint == "" {
		return nil, fmt.Errorf("provider: custom dispatch requires an endpoint")
	}
	sim := &SimulatedDispatcher{kind: agentdef.ProviderCustom, delay: d.delay}
	return sim.Dispatch(ctx, selector, req)
}
