//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"errors"
	"fmt"
	"time"
)

// GraphInterrupt is the cooperative suspension signal raised when a node
// calls Interrupt() with no resume value available, or when a static
// interrupt point halts the run. It travels as an error value through task
// results; the executor treats it as control flow, not failure.
type GraphInterrupt struct {
	// Value is the payload passed to Interrupt().
	Value any `json:"value"`
	// Resumable is true for dynamic interrupts awaiting a resume value.
	Resumable bool `json:"resumable"`
	// NodeName is the node whose task interrupted.
	NodeName string `json:"node_name,omitempty"`
	// TaskID is the deterministic id of the interrupted task.
	TaskID string `json:"task_id,omitempty"`
	// Namespace is the checkpoint namespace of the interrupted graph.
	Namespace string `json:"ns,omitempty"`
	// When records the interrupt timing: before, during or after.
	When string `json:"when"`
	// Step is the superstep in which the interrupt occurred.
	Step int `json:"step"`
	// Timestamp is when the interrupt occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (g *GraphInterrupt) Error() string {
	return fmt.Sprintf("graph interrupted at node %s (step %d): %v", g.NodeName, g.Step, g.Value)
}

// NewInterrupt creates a dynamic GraphInterrupt with the given value.
func NewInterrupt(value any) *GraphInterrupt {
	return &GraphInterrupt{
		Value:     value,
		Resumable: true,
		When:      InterruptWhenDuring,
		Timestamp: time.Now().UTC(),
	}
}

// IsInterrupt reports whether err is a GraphInterrupt.
func IsInterrupt(err error) bool {
	var gi *GraphInterrupt
	return errors.As(err, &gi)
}

// AsInterrupt extracts a GraphInterrupt from an error.
func AsInterrupt(err error) (*GraphInterrupt, bool) {
	var gi *GraphInterrupt
	if errors.As(err, &gi) {
		return gi, true
	}
	return nil, false
}

// Command is the control value accepted in place of graph input on
// re-invocation, and returnable by nodes. All fields are optional.
type Command struct {
	// Update is applied as writes against the prior checkpoint.
	Update State `json:"update,omitempty"`
	// Goto injects Send directives into the next superstep.
	Goto []Send `json:"goto,omitempty"`
	// Resume is the value the next dynamic Interrupt() call returns.
	Resume any `json:"resume,omitempty"`
	// ResumeMap maps task ids to resume values for concurrent interrupts.
	ResumeMap map[string]any `json:"resume_map,omitempty"`
}

// NewCommand creates an empty command.
func NewCommand() *Command {
	return &Command{}
}

// WithUpdate sets the state update.
func (c *Command) WithUpdate(update State) *Command {
	c.Update = update
	return c
}

// WithGoto appends Send directives.
func (c *Command) WithGoto(sends ...Send) *Command {
	c.Goto = append(c.Goto, sends...)
	return c
}

// WithResume sets the resume value.
func (c *Command) WithResume(value any) *Command {
	c.Resume = value
	return c
}

// WithResumeValue adds a resume value for a specific task.
func (c *Command) WithResumeValue(taskID string, value any) *Command {
	if c.ResumeMap == nil {
		c.ResumeMap = make(map[string]any)
	}
	c.ResumeMap[taskID] = value
	return c
}

// InterruptPayload is the shape of one entry under the __interrupt__ key on
// the updates stream.
type InterruptPayload struct {
	Value     any    `json:"value"`
	Resumable bool   `json:"resumable"`
	NS        string `json:"ns"`
	When      string `json:"when"`
}

// interruptUpdate builds the updates-stream payload for an interrupt.
func interruptUpdate(interrupts ...*GraphInterrupt) map[string]any {
	payloads := make([]InterruptPayload, 0, len(interrupts))
	for _, gi := range interrupts {
		payloads = append(payloads, InterruptPayload{
			Value:     gi.Value,
			Resumable: gi.Resumable,
			NS:        gi.Namespace,
			When:      gi.When,
		})
	}
	return map[string]any{InterruptChannel: payloads}
}
