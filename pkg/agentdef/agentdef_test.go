package agentdef

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptRender(t *testing.T) {
	p := PromptSet{UserTemplate: "Hello {{name}}, your id is {{id}}."}
	out := p.Render(map[string]string{"name": "Ada", "id": "42"})
	assert.Equal(t, "Hello Ada, your id is 42.", out)
}

func TestPromptRenderLeavesUnresolvedPlaceholders(t *testing.T) {
	p := PromptSet{UserTemplate: "Hi {{name}}, {{unknown}}"}
	out := p.Render(map[string]string{"name": "Ada"})
	assert.Equal(t, "Hi Ada, {{unknown}}", out)
}

func TestValidateRequiresID(t *testing.T) {
	a := AgentDefinition{Provider: ProviderSelector{Kind: ProviderAnthropic, Model: "claude-3-5-haiku"}}
	require.Error(t, a.Validate())
}

func TestValidateBuiltinRequiresModel(t *testing.T) {
	a := AgentDefinition{ID: "a1", Provider: ProviderSelector{Kind: ProviderOpenAI}}
	err := a.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")
}

func TestValidateCustomRequiresEndpoint(t *testing.T) {
	a := AgentDefinition{ID: "a1", Provider: ProviderSelector{Kind: ProviderCustom}}
	err := a.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint is required")
}

func TestValidateUnknownProvider(t *testing.T) {
	a := AgentDefinition{ID: "a1", Provider: ProviderSelector{Kind: "bogus"}}
	require.Error(t, a.Validate())
}

func TestValidateOK(t *testing.T) {
	a := AgentDefinition{ID: "a1", Provider: ProviderSelector{Kind: ProviderAnthropic, Model: "claude-3-5-haiku"}}
	require.NoError(t, a.Validate())
}
