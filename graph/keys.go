//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

// Config map keys (used under config["configurable"]).
const (
	CfgKeyConfigurable  = "configurable"
	CfgKeyThreadID      = "thread_id"
	CfgKeyCheckpointID  = "checkpoint_id"
	CfgKeyCheckpointNS  = "checkpoint_ns"
	CfgKeyCheckpointMap = "checkpoint_map"
	CfgKeyResumeMap     = "resume_map"
	CfgKeyResuming      = "__pregel_resuming"
)

// Reserved channel names. They are routed by the planner and applier rather
// than stored as ordinary state cells.
const (
	// TasksChannel receives Send directives that schedule a named node in
	// the next superstep.
	TasksChannel = "__pregel_tasks__"
	// InterruptChannel carries interrupt payloads surfaced on the updates
	// stream.
	InterruptChannel = "__interrupt__"
	// ResumeChannel is a reserved name; resume values reach interrupted
	// tasks through Command and the interrupt state, not through a channel.
	ResumeChannel = "__resume__"
	// ErrorChannel is a reserved name; the executor does not write task
	// errors to it.
	ErrorChannel = "__error__"
	// IsLastStepKey is a reserved name; nodes learn that they run in the
	// final step permitted by the recursion limit from NodeContext.IsLastStep.
	IsLastStepKey = "__is_last_step__"
)

// InterruptSeenKey is the reserved entry in Checkpoint.VersionsSeen that
// tracks which channel versions the static interrupt mechanism has already
// observed, so a halt does not re-fire on resume.
const InterruptSeenKey = "__interrupt__"

// CheckpointNamespaceSeparator joins parent and child segments of a
// checkpoint namespace, and mode and namespace in SSE event names.
const CheckpointNamespaceSeparator = "|"

// Checkpoint Metadata.Source enumeration values.
const (
	SourceInput     = "input"
	SourceLoop      = "loop"
	SourceUpdate    = "update"
	SourceFork      = "fork"
	SourceInterrupt = "interrupt"
)

// Interrupt timing values recorded on interrupt payloads.
const (
	InterruptWhenBefore = "before"
	InterruptWhenDuring = "during"
	InterruptWhenAfter  = "after"
)

// isReservedChannel reports whether name is a planner/applier-routed channel
// that must not be materialized as a state cell.
func isReservedChannel(name string) bool {
	switch name {
	case TasksChannel, InterruptChannel, ResumeChannel, ErrorChannel:
		return true
	default:
		return false
	}
}
