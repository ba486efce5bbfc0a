package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castingclouds/agentengine/pkg/agentdef"
	"github.com/castingclouds/agentengine/pkg/engine"
	"github.com/castingclouds/agentengine/pkg/provider"
	"github.com/castingclouds/agentengine/pkg/storage"
	"github.com/castingclouds/agentengine/pkg/streambus"
	"github.com/castingclouds/agentengine/pkg/tenant"
)

// fixedChunkDispatcher emits a scripted chunk sequence immediately, with no delay.
type fixedChunkDispatcher struct {
	chunks []provider.Chunk
}

func (d *fixedChunkDispatcher) Dispatch(ctx context.Context, selector agentdef.ProviderSelector, req provider.Request) (<-chan provider.Chunk, error) {
	ch := make(chan provider.Chunk, len(d.chunks))
	go func() {
		defer close(ch)
		for _, c := range d.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func TestStreamHandlerEmitsThinkingThenChunksThenComplete(t *testing.T) {
	store := storage.NewTenantStore(storage.NewMemoryKVStore())
	bus := streambus.New(64)
	reg := provider.NewRegistry()
	reg.Register(agentdef.ProviderOpenAI, &fixedChunkDispatcher{chunks: []provider.Chunk{
		{Text: "a"},
		{Text: "b"},
		{Final: true, FinalResponse: map[string]interface{}{"response": "ab"}},
	}})
	eng := engine.New(store, bus, reg, engine.Config{MaxConcurrentExecutions: 10})
	registry := tenant.NewRegistry(eng)
	s := NewServer(registry, bus)
	seedAgent(t, store, "t1", "agent-1")

	req := httptest.NewRequest(http.MethodPost, "/agents/agent-1/stream", strings.NewReader(`{"context":{}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tenantHeader, "t1")
	rec := httptest.NewRecorder()

	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	thinkingIdx := strings.Index(body, "event: thinking")
	chunkIdx := strings.Index(body, "event: chunk")
	completeIdx := strings.Index(body, "event: complete")

	require.True(t, thinkingIdx >= 0)
	require.True(t, chunkIdx >= 0)
	require.True(t, completeIdx >= 0)
	assert.True(t, thinkingIdx < chunkIdx)
	assert.True(t, chunkIdx < completeIdx)
	assert.Equal(t, 2, strings.Count(body, "event: chunk"))
}

func TestGetExecutionStreamReturnsJSONWhenAlreadyTerminal(t *testing.T) {
	store := storage.NewTenantStore(storage.NewMemoryKVStore())
	bus := streambus.New(64)
	reg := provider.NewRegistry()
	eng := engine.New(store, bus, reg, engine.Config{MaxConcurrentExecutions: 10})
	registry := tenant.NewRegistry(eng)
	s := NewServer(registry, bus)
	seedAgent(t, store, "t1", "agent-1")

	execRec := doRequest(s, http.MethodPost, "/agents/agent-1/execute", "t1", ExecuteAgentRequest{Context: map[string]interface{}{}})
	require.Equal(t, http.StatusOK, execRec.Code)

	var exec ExecutionResponse
	require.NoError(t, json.Unmarshal(execRec.Body.Bytes(), &exec))

	rec := doRequest(s, http.MethodGet, "/agents/agent-1/executions/"+exec.ExecutionID+"/stream", "t1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}
