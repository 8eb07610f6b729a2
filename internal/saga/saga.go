// SPDX-License-Identifier: MIT

// Package saga executes named, ordered multi-step workflows with per-step
// compensation, approximating distributed transactions over operations
// that cannot share one database transaction.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a saga instance. COMPLETED,
// COMPENSATED and COMPENSATION_FAILED are terminal.
type Status string

const (
	StatusRunning            Status = "RUNNING"
	StatusCompleted          Status = "COMPLETED"
	StatusCompensating       Status = "COMPENSATING"
	StatusCompensated        Status = "COMPENSATED"
	StatusCompensationFailed Status = "COMPENSATION_FAILED"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusCompensationFailed:
		return true
	}
	return false
}

// StepFunc is the unit of work for a step. Both execute and compensate
// functions may be invoked more than once during crash recovery, so they
// must be idempotent; the orchestrator does not deduplicate at the
// business level.
type StepFunc func(ctx context.Context, sc *Context) error

// Step is one ordered element of a saga definition. Steps are assumed to
// carry implicit data dependencies and always run in declaration order.
type Step struct {
	ID         string
	Name       string
	Execute    StepFunc
	Compensate StepFunc // optional; nil means nothing to undo
}

// Definition is a registered saga template. Immutable once registered.
type Definition struct {
	ID      string
	Name    string
	Steps   []Step
	Timeout time.Duration // zero means no deadline
}

// Validate checks the template invariants.
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("saga: definition id is required")
	}
	if d.Name == "" {
		return fmt.Errorf("saga %q: name is required", d.ID)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %q: at least one step is required", d.ID)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		if step.ID == "" {
			return fmt.Errorf("saga %q: step %d has no id", d.ID, i)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("saga %q: duplicate step id %q", d.ID, step.ID)
		}
		seen[step.ID] = struct{}{}
		if step.Execute == nil {
			return fmt.Errorf("saga %q: step %q has no execute function", d.ID, step.ID)
		}
	}
	return nil
}

// Context carries explicit, serializable state between the steps of one
// instance. Steps run sequentially, but status readers may snapshot the
// context concurrently, so access is guarded.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewContext builds a step context seeded with the given input.
func NewContext(input map[string]any) *Context {
	values := make(map[string]any, len(input))
	for k, v := range input {
		values[k] = v
	}
	return &Context{values: values}
}

// Get returns the value for key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores a value for later steps (and for compensation).
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Snapshot returns a copy of the current values.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// MarshalJSON serializes the context values.
func (c *Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

// UnmarshalJSON restores context values from a persisted snapshot.
func (c *Context) UnmarshalJSON(data []byte) error {
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = values
	return nil
}

// Instance is one run of a saga. It is mutated only by the orchestrator
// executing it; other instances share no state with it except through the
// event store.
type Instance struct {
	InstanceID       string         `json:"instanceId"`
	SagaID           string         `json:"sagaId"`
	Status           Status         `json:"status"`
	CompletedSteps   []string       `json:"completedSteps"`
	FailedSteps      []string       `json:"failedSteps"`
	CompensatedSteps []string       `json:"compensatedSteps"`
	Error            string         `json:"error,omitempty"`
	StartedAt        time.Time      `json:"startedAt"`
	EndedAt          *time.Time     `json:"endedAt,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to callers.
func (i *Instance) Clone() *Instance {
	out := *i
	out.CompletedSteps = append([]string(nil), i.CompletedSteps...)
	out.FailedSteps = append([]string(nil), i.FailedSteps...)
	out.CompensatedSteps = append([]string(nil), i.CompensatedSteps...)
	if i.EndedAt != nil {
		t := *i.EndedAt
		out.EndedAt = &t
	}
	if i.Context != nil {
		out.Context = make(map[string]any, len(i.Context))
		for k, v := range i.Context {
			out.Context[k] = v
		}
	}
	return &out
}
