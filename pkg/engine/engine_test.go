package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castingclouds/agentengine/pkg/agentdef"
	"github.com/castingclouds/agentengine/pkg/errs"
	"github.com/castingclouds/agentengine/pkg/execution"
	"github.com/castingclouds/agentengine/pkg/provider"
	"github.com/castingclouds/agentengine/pkg/storage"
	"github.com/castingclouds/agentengine/pkg/streambus"
)

// fakeDispatcher lets each test script exactly which chunks (and how) a
// Dispatch call emits, without depending on the real or simulated backends.
type fakeDispatcher struct {
	chunks  []provider.Chunk
	dispErr error
	delay   time.Duration
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, selector agentdef.ProviderSelector, req provider.Request) (<-chan provider.Chunk, error) {
	if d.dispErr != nil {
		return nil, d.dispErr
	}
	ch := make(chan provider.Chunk, len(d.chunks)+1)
	go func() {
		defer close(ch)
		if d.delay > 0 {
			select {
			case <-time.After(d.delay):
			case <-ctx.Done():
				return
			}
		}
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

func testAgent() agentdef.AgentDefinition {
	return agentdef.AgentDefinition{
		ID:       "agent-1",
		Provider: agentdef.ProviderSelector{Kind: agentdef.ProviderOpenAI, Model: "m"},
		Prompts:  agentdef.PromptSet{System: "sys", UserTemplate: "hi {{name}}"},
	}
}

func newEngineWithDispatcher(d provider.Dispatcher, cfg Config) (*Engine, *storage.TenantStore) {
	store := storage.NewTenantStore(storage.NewMemoryKVStore())
	bus := streambus.New(16)
	return New(store, bus, d, cfg), store
}

func reqContext() map[string]interface{} {
	return map[string]interface{}{"tenant_id": "t1"}
}

func TestExecuteHappyPath(t *testing.T) {
	disp := &fakeDispatcher{chunks: []provider.Chunk{
		{Text: "hello "},
		{Text: "world"},
		{Final: true, FinalResponse: map[string]interface{}{"response": "hello world"}, Usage: map[string]interface{}{"total_tokens": 10.0}},
	}}
	eng, _ := newEngineWithDispatcher(disp, Config{MaxConcurrentExecutions: 10})

	exec, err := eng.Execute(context.Background(), testAgent(), ActivityConfig{}, reqContext())
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, exec.Status)
	assert.Equal(t, "hello world", exec.Output["response"])
	assert.NotNil(t, exec.CompletedAt)
}

func TestResolveAndExecuteAgentNotFoundIsNotFound(t *testing.T) {
	eng, _ := newEngineWithDispatcher(&fakeDispatcher{}, Config{MaxConcurrentExecutions: 10})

	exec, err := eng.ResolveAndExecute(context.Background(), ActivityConfig{AgentID: "nope"}, reqContext())
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindNotFound, e.Kind)
	assert.Equal(t, execution.StatusFailed, exec.Status)
}

func TestResolveAndExecuteHappyPath(t *testing.T) {
	disp := &fakeDispatcher{chunks: []provider.Chunk{
		{Final: true, FinalResponse: map[string]interface{}{"response": "ok"}},
	}}
	eng, store := newEngineWithDispatcher(disp, Config{MaxConcurrentExecutions: 10})
	require.NoError(t, store.StoreAgent(context.Background(), "t1", testAgent()))

	exec, err := eng.ResolveAndExecute(context.Background(), ActivityConfig{AgentID: "agent-1"}, reqContext())
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, exec.Status)
}

// A provider failure or deadline expiry after the run has started is a "ran
// and failed" outcome (§6: 200 with a Failed record), not a precondition
// error, so Execute returns a nil error in these cases and folds the failure
// into the persisted record instead.

func TestExecuteProviderDispatchErrorFails(t *testing.T) {
	disp := &fakeDispatcher{dispErr: errors.New("connection refused")}
	eng, _ := newEngineWithDispatcher(disp, Config{MaxConcurrentExecutions: 10})

	exec, err := eng.Execute(context.Background(), testAgent(), ActivityConfig{}, reqContext())
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, exec.Status)
	assert.Equal(t, "connection refused", exec.Error)
}

func TestExecuteProviderChunkErrorFails(t *testing.T) {
	disp := &fakeDispatcher{chunks: []provider.Chunk{{Err: errors.New("mid-stream failure")}}}
	eng, _ := newEngineWithDispatcher(disp, Config{MaxConcurrentExecutions: 10})

	exec, err := eng.Execute(context.Background(), testAgent(), ActivityConfig{}, reqContext())
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, exec.Status)
	assert.Equal(t, "mid-stream failure", exec.Error)
}

func TestExecuteStreamClosedWithoutTerminalFails(t *testing.T) {
	disp := &fakeDispatcher{chunks: []provider.Chunk{{Text: "partial"}}}
	eng, _ := newEngineWithDispatcher(disp, Config{MaxConcurrentExecutions: 10})

	exec, err := eng.Execute(context.Background(), testAgent(), ActivityConfig{}, reqContext())
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, exec.Status)
	assert.Equal(t, "provider closed without a terminal response", exec.Error)
}

func TestExecuteTimesOutOnExecutionDeadline(t *testing.T) {
	disp := &fakeDispatcher{delay: 100 * time.Millisecond, chunks: []provider.Chunk{{Final: true}}}
	eng, _ := newEngineWithDispatcher(disp, Config{MaxConcurrentExecutions: 10, ExecutionTimeout: 10 * time.Millisecond})

	exec, err := eng.Execute(context.Background(), testAgent(), ActivityConfig{}, reqContext())
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, exec.Status)
	assert.Equal(t, "timeout", exec.Error)
}

func TestExecuteProcessWideConcurrencyCapRejects(t *testing.T) {
	disp := &fakeDispatcher{delay: 200 * time.Millisecond, chunks: []provider.Chunk{{Final: true}}}
	eng, _ := newEngineWithDispatcher(disp, Config{MaxConcurrentExecutions: 1})

	started := make(chan struct{})
	go func() {
		close(started)
		eng.Execute(context.Background(), testAgent(), ActivityConfig{}, reqContext())
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // let the first Execute acquire the semaphore

	_, err := eng.Execute(context.Background(), testAgent(), ActivityConfig{}, reqContext())
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindTooManyRequests, e.Kind)
}

func TestContentChunkSequenceNumbersAreOrdered(t *testing.T) {
	disp := &fakeDispatcher{chunks: []provider.Chunk{
		{Text: "a"}, {Text: "b"}, {Text: "c"},
		{Final: true, FinalResponse: map[string]interface{}{}},
	}}
	eng, _ := newEngineWithDispatcher(disp, Config{MaxConcurrentExecutions: 10})
	sub := eng.SubscribeStream()
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		eng.Execute(context.Background(), testAgent(), ActivityConfig{}, reqContext())
		close(done)
	}()

	var sequences []int
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Events:
			if ev.Kind == streambus.KindContentChunk {
				sequences = append(sequences, ev.Sequence)
			} else {
				i--
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for chunk event")
		}
	}
	<-done
	assert.Equal(t, []int{0, 1, 2}, sequences)
}

func TestApplyInputMappingSelectsDottedFields(t *testing.T) {
	ctx := map[string]interface{}{"user": map[string]interface{}{"name": "Ada"}}
	out := applyInputMapping(map[string]string{"username": "user.name"}, ctx)
	assert.Equal(t, "Ada", out["username"])
}

func TestApplyInputMappingPassthroughWhenEmpty(t *testing.T) {
	ctx := map[string]interface{}{"raw": "value"}
	out := applyInputMapping(nil, ctx)
	assert.Equal(t, ctx, out)
}

func TestApplyOutputMappingRenamesFields(t *testing.T) {
	final := map[string]interface{}{"response": "hi"}
	out := applyOutputMapping(map[string]string{"reply": "response"}, final)
	assert.Equal(t, "hi", out["reply"])
	_, hasOriginal := out["response"]
	assert.False(t, hasOriginal)
}

func TestGetExecutionStatsAggregatesAcrossStatuses(t *testing.T) {
	eng, store := newEngineWithDispatcher(&fakeDispatcher{}, Config{MaxConcurrentExecutions: 10})
	ctx := context.Background()

	completed := execution.AgentExecution{
		ID: "e1", AgentID: "agent-1", Status: execution.StatusCompleted,
		Context: reqContext(), StartedAt: time.Now(),
	}
	done := time.Now().Add(100 * time.Millisecond)
	completed.CompletedAt = &done
	require.NoError(t, store.StoreExecution(ctx, "t1", completed))

	failed := execution.AgentExecution{
		ID: "e2", AgentID: "agent-1", Status: execution.StatusFailed,
		Context: reqContext(), StartedAt: time.Now(),
	}
	require.NoError(t, store.StoreExecution(ctx, "t1", failed))

	running := execution.AgentExecution{
		ID: "e3", AgentID: "agent-1", Status: execution.StatusRunning,
		Context: reqContext(), StartedAt: time.Now(),
	}
	require.NoError(t, store.StoreExecution(ctx, "t1", running))

	stats, err := eng.GetExecutionStats(ctx, "t1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Running)
	require.NotNil(t, stats.AvgDurationMs)
}
