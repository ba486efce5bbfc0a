package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/castingclouds/agentengine/pkg/ids"
)

func TestTenantIDFromContext(t *testing.T) {
	e := AgentExecution{Context: map[string]interface{}{"tenant_id": "t1"}}
	assert.Equal(t, ids.TenantID("t1"), e.TenantID())
}

func TestTenantIDMissing(t *testing.T) {
	e := AgentExecution{Context: map[string]interface{}{}}
	assert.Equal(t, ids.TenantID(""), e.TenantID())

	e2 := AgentExecution{}
	assert.Equal(t, ids.TenantID(""), e2.TenantID())
}

func TestDurationMillis(t *testing.T) {
	start := time.Now()
	e := AgentExecution{StartedAt: start}
	assert.Equal(t, int64(0), e.DurationMillis())

	completed := start.Add(250 * time.Millisecond)
	e.CompletedAt = &completed
	assert.Equal(t, int64(250), e.DurationMillis())
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}
