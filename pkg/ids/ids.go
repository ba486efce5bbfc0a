// Package ids defines the strongly-typed identifiers shared across the engine.
package ids

import "github.com/google/uuid"

// TenantID identifies the isolation boundary every stored record and every
// in-flight execution belongs to.
type TenantID string

// AgentID identifies an AgentDefinition. Caller-assigned, not generated.
type AgentID string

// ExecutionID identifies one invocation of an agent.
type ExecutionID string

// NewExecutionID generates a fresh v4 execution identifier.
func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.NewString())
}

func (t TenantID) String() string    { return string(t) }
func (a AgentID) String() string     { return string(a) }
func (e ExecutionID) String() string { return string(e) }
