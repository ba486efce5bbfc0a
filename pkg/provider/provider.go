// Package provider implements the provider-dispatch abstraction (§4.4.1): a
// uniform call interface over openai/anthropic/google/ollama/custom backends.
// The caller never supplies credentials — each dispatcher reads its own
// process environment variable.
package provider

import (
	"context"

	"github.com/castingclouds/agentengine/pkg/agentdef"
)

// Chunk is one unit produced by a dispatch call. Either Err is set (terminal,
// dispatch failed) or Final is true with FinalResponse/Usage populated
// (terminal, success), or it is a plain in-progress text chunk.
type Chunk struct {
	Text          string
	Final         bool
	FinalResponse map[string]interface{}
	Usage         map[string]interface{}
	Err           error
}

// Request is the provider-shaped input built from the agent's prompt set and
// the caller's (already input-mapped) context.
type Request struct {
	SystemPrompt string
	UserMessage  string
	Generation   agentdef.GenerationConfig
}

// Dispatcher invokes one provider backend. Implementations that cannot stream
// natively emit exactly one non-final Chunk with the whole response text
// followed by the final Chunk, matching the spec's "when streaming is
// unavailable, emit one ContentChunk with the whole response" rule.
type Dispatcher interface {
	Dispatch(ctx context.Context, selector agentdef.ProviderSelector, req Request) (<-chan Chunk, error)
}

// Registry resolves a ProviderKind to its Dispatcher.
type Registry struct {
	dispatchers map[agentdef.ProviderKind]Dispatcher
}

// NewRegistry builds the default registry: a real Anthropic HTTP integration,
// and simulated (sleep + canned response) stand-ins for the others — the
// minimal required integration is one real exemplar, per spec §4.4.1.
func NewRegistry() *Registry {
	return &Registry{
		dispatchers: map[agentdef.ProviderKind]Dispatcher{
			agentdef.ProviderAnthropic: NewAnthropicDispatcher(),
			agentdef.ProviderOpenAI:    NewSimulatedDispatcher(agentdef.ProviderOpenAI),
			agentdef.ProviderGoogle:    NewSimulatedDispatcher(agentdef.ProviderGoogle),
			agentdef.ProviderOllama:    NewSimulatedDispatcher(agentdef.ProviderOllama),
			agentdef.ProviderCustom:    NewCustomDispatcher(),
		},
	}
}

// Register overrides (or adds) the dispatcher for kind — used by tests to
// inject a fake provider.
func (r *Registry) Register(kind agentdef.ProviderKind, d Dispatcher) {
	r.dispatchers[kind] = d
}

// Dispatch resolves selector.Kind and delegates.
func (r *Registry) Dispatch(ctx context.Context, selector agentdef.ProviderSelector, req Request) (<-chan Chunk, error) {
	d, ok := r.dispatchers[selector.Kind]
	if !ok {
		return nil, &UnknownProviderError{Kind: selector.Kind}
	}
	return d.Dispatch(ctx, selector, req)
}

// UnknownProviderError reports a ProviderSelector.Kind with no registered dispatcher.
type UnknownProviderError struct {
	Kind agentdef.ProviderKind
}

func (e *UnknownProviderError) Error() string {
	return "provider: unknown kind " + string(e.Kind)
}
