// Package agentdef holds the agent definition value types: the immutable-by-convention
// bundle of provider selection, generation parameters, and prompt templates that an
// execution is run against.
package agentdef

import (
	"fmt"
	"strings"
	"time"

	"github.com/castingclouds/agentengine/pkg/ids"
)

// ProviderKind names a built-in provider backend.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderGoogle    ProviderKind = "google"
	ProviderOllama    ProviderKind = "ollama"
	ProviderCustom    ProviderKind = "custom"
)

// ProviderSelector picks a provider backend and model, or a custom endpoint.
// Exactly one of the built-in (Kind != ProviderCustom) or custom fields applies.
type ProviderSelector struct {
	Kind     ProviderKind      `json:"kind" yaml:"kind"`
	Model    string            `json:"model" yaml:"model"`
	Endpoint string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// GenerationConfig carries sampling parameters passed through to the provider call.
type GenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty"`
	StopSequences    []string `json:"stop_sequences,omitempty" yaml:"stop_sequences,omitempty"`
}

// PromptSet holds the system prompt and the user-facing template.
type PromptSet struct {
	System              string `json:"system" yaml:"system"`
	UserTemplate        string `json:"user_template" yaml:"user_template"`
	ContextInstructions string `json:"context_instructions,omitempty" yaml:"context_instructions,omitempty"`
}

// Render substitutes `{{placeholder}}` slots in the user template from vars.
// Unresolved placeholders are left verbatim — callers decide whether that is an error.
func (p PromptSet) Render(vars map[string]string) string {
	out := p.UserTemplate
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

// AgentDefinition is the immutable-by-convention record registered once and
// referenced by many executions.
type AgentDefinition struct {
	ID          ids.AgentID      `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Provider    ProviderSelector `json:"provider"`
	Generation  GenerationConfig `json:"generation"`
	Prompts     PromptSet        `json:"prompts"`
	Tags        []string         `json:"tags,omitempty"`
	Tools       []string         `json:"tools,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Validate checks the structural invariants a stored definition must satisfy.
func (a AgentDefinition) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if a.Provider.Kind == "" {
		return fmt.Errorf("agent %s: provider kind is required", a.ID)
	}
	switch a.Provider.Kind {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderOllama:
		if a.Provider.Model == "" {
			return fmt.Errorf("agent %s: model is required for provider %s", a.ID, a.Provider.Kind)
		}
	case ProviderCustom:
		if a.Provider.Endpoint == "" {
			return fmt.Errorf("agent %s: endpoint is required for custom provider", a.ID)
		}
	default:
		return fmt.Errorf("agent %s: unknown provider kind %q", a.ID, a.Provider.Kind)
	}
	return nil
}
