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
	"fmt"

	"github.com/google/uuid"
)

// Task describes one node invocation planned for a superstep. Tasks exist
// for a single step; their writes outlive them through the pending-write log
// until the step commits.
type Task struct {
	// ID is the deterministic task identity; resume assigns the same id.
	ID string
	// Name is the node name.
	Name string
	// Input is the node input assembled from its subscriptions (or the
	// Send args for pending-send tasks).
	Input any
	// Triggers are the channels that caused this task to be scheduled.
	Triggers []string
	// Index is the task's position within its step.
	Index int
	// Step is the superstep the task belongs to.
	Step int

	// writes collects the task's staged channel writes in emission order.
	writes []PendingWrite
	// messages collects pushed messages folded into channels at commit but
	// excluded from updates deltas.
	messages []PendingWrite
}

// taskNamespace is the fixed UUID namespace under which task ids are
// derived. Combined with the parent checkpoint id it makes task identity a
// pure function of (checkpoint, ns, node, step, index).
var taskNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// newTaskID derives the deterministic id for a task.
func newTaskID(checkpointID, checkpointNS, node string, step, index int) string {
	name := fmt.Sprintf("%s%s%s%s%s%s%d%s%d",
		checkpointID, CheckpointNamespaceSeparator,
		checkpointNS, CheckpointNamespaceSeparator,
		node, CheckpointNamespaceSeparator,
		step, CheckpointNamespaceSeparator,
		index,
	)
	return uuid.NewSHA1(taskNamespace, []byte(name)).String()
}

// stageWrite appends a write to the task's buffer, assigning the next
// sequence index.
func (t *Task) stageWrite(channel string, value any) {
	t.writes = append(t.writes, PendingWrite{
		TaskID:  t.ID,
		Channel: channel,
		Value:   value,
		Idx:     len(t.writes),
	})
}

// Writes returns the task's staged writes in emission order.
func (t *Task) Writes() []PendingWrite {
	out := make([]PendingWrite, len(t.writes))
	copy(out, t.writes)
	return out
}

// discardWrites drops staged writes and messages, used between retry
// attempts.
func (t *Task) discardWrites() {
	t.writes = t.writes[:0]
	t.messages = t.messages[:0]
}
