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
	"context"

	"trpc.group/trpc-go/trpc-graph-go/event"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

// StreamMode selects which categories of events are forwarded to callers.
type StreamMode string

// StreamMode constants for supported stream categories.
const (
	// StreamModeValues forwards the output channel values after each step
	// that produced writes.
	StreamModeValues StreamMode = "values"
	// StreamModeUpdates forwards per-node write deltas for each step.
	StreamModeUpdates StreamMode = "updates"
	// StreamModeDebug forwards task and checkpoint lifecycle events.
	StreamModeDebug StreamMode = "debug"
	// StreamModeMessages forwards messages pushed by nodes.
	StreamModeMessages StreamMode = "messages"
	// StreamModeCustom forwards node-emitted custom events.
	StreamModeCustom StreamMode = "custom"
	// StreamModeCheckpoints forwards the checkpoint tuple created each step.
	StreamModeCheckpoints StreamMode = "checkpoints"
	// StreamModeTasks forwards per-task start and result events.
	StreamModeTasks StreamMode = "tasks"
)

// Event authors for graph-related events.
const (
	// AuthorGraphExecutor is the author of run-level executor events.
	AuthorGraphExecutor = "graph-executor"
	// AuthorGraphNode is the author of node-scoped events.
	AuthorGraphNode = "graph-node"
	// AuthorGraphPregel is the author of superstep-scoped events.
	AuthorGraphPregel = "graph-pregel"
)

// Event object types emitted by the runtime.
const (
	ObjectTypeGraphValues     = "graph.values"
	ObjectTypeGraphUpdates    = "graph.updates"
	ObjectTypeGraphDebug      = "graph.debug"
	ObjectTypeGraphMessage    = "graph.message"
	ObjectTypeGraphCustom     = "graph.custom"
	ObjectTypeGraphCheckpoint = "graph.checkpoint"
	ObjectTypeGraphTaskStart  = "graph.task.start"
	ObjectTypeGraphTaskResult = "graph.task.result"
	ObjectTypeGraphEnd        = "graph.end"
)

// StreamModeOf maps an event object type to its stream mode. The second
// return is false for events outside the mode taxonomy (errors, end).
func StreamModeOf(objectType string) (StreamMode, bool) {
	switch objectType {
	case ObjectTypeGraphValues:
		return StreamModeValues, true
	case ObjectTypeGraphUpdates:
		return StreamModeUpdates, true
	case ObjectTypeGraphDebug:
		return StreamModeDebug, true
	case ObjectTypeGraphMessage:
		return StreamModeMessages, true
	case ObjectTypeGraphCustom:
		return StreamModeCustom, true
	case ObjectTypeGraphCheckpoint:
		return StreamModeCheckpoints, true
	case ObjectTypeGraphTaskStart, ObjectTypeGraphTaskResult:
		return StreamModeTasks, true
	default:
		return "", false
	}
}

type streamModeMask uint16

const (
	streamModeMaskValues streamModeMask = 1 << iota
	streamModeMaskUpdates
	streamModeMaskMessages
	streamModeMaskCheckpoints
	streamModeMaskTasks
	streamModeMaskCustom
)

// StreamModeFilter decides whether an event should be forwarded to callers.
// It only affects forwarding; events are still processed internally.
type StreamModeFilter struct {
	enabled   bool
	subgraphs bool
	mask      streamModeMask
}

// NewStreamModeFilter builds a filter from the run-level mode selection.
// With enabled=false every event passes. subgraphs controls whether events
// from nested graph invocations are forwarded.
func NewStreamModeFilter(enabled bool, modes []StreamMode, subgraphs bool) StreamModeFilter {
	if !enabled {
		return StreamModeFilter{subgraphs: subgraphs}
	}
	return StreamModeFilter{
		enabled:   true,
		subgraphs: subgraphs,
		mask:      streamModeMaskFrom(modes),
	}
}

func streamModeMaskFrom(modes []StreamMode) streamModeMask {
	var mask streamModeMask
	for _, mode := range modes {
		switch mode {
		case StreamModeValues:
			mask |= streamModeMaskValues
		case StreamModeUpdates:
			mask |= streamModeMaskUpdates
		case StreamModeMessages:
			mask |= streamModeMaskMessages
		case StreamModeCheckpoints:
			mask |= streamModeMaskCheckpoints
		case StreamModeTasks:
			mask |= streamModeMaskTasks
		case StreamModeCustom:
			mask |= streamModeMaskCustom
		case StreamModeDebug:
			mask |= streamModeMaskCheckpoints
			mask |= streamModeMaskTasks
		default:
		}
	}
	return mask
}

// Allows reports whether the event should be forwarded to the caller.
func (f StreamModeFilter) Allows(e *event.Event) bool {
	if e == nil {
		return false
	}
	if len(e.Namespace) > 0 && !f.subgraphs {
		return false
	}
	if !f.enabled {
		return true
	}
	if e.IsError() || e.Object == ObjectTypeGraphEnd {
		return true
	}
	switch e.Object {
	case ObjectTypeGraphValues:
		return f.mask&streamModeMaskValues != 0
	case ObjectTypeGraphUpdates:
		return f.mask&streamModeMaskUpdates != 0
	case ObjectTypeGraphDebug:
		return f.mask&(streamModeMaskCheckpoints|streamModeMaskTasks) != 0
	case ObjectTypeGraphMessage:
		return f.mask&streamModeMaskMessages != 0
	case ObjectTypeGraphCustom:
		return f.mask&streamModeMaskCustom != 0
	case ObjectTypeGraphCheckpoint:
		return f.mask&streamModeMaskCheckpoints != 0
	case ObjectTypeGraphTaskStart, ObjectTypeGraphTaskResult:
		return f.mask&streamModeMaskTasks != 0
	default:
		return false
	}
}

// emitter multiplexes runtime observations onto the bounded event channel.
// Producers block when the consumer falls behind; the engine never drops
// events to keep up.
type emitter struct {
	ctx          context.Context
	ch           chan *event.Event
	invocationID string
	namespace    []string
	filter       StreamModeFilter
}

func (e *emitter) emit(evt *event.Event) {
	if e.ch == nil || !e.filter.Allows(evt) {
		return
	}
	if err := event.Emit(e.ctx, e.ch, evt); err != nil {
		log.Debugf("event %s dropped: %v", evt.Object, err)
	}
}

func (e *emitter) newEvent(author, objectType string, data any) *event.Event {
	return event.New(e.invocationID, author,
		event.WithObject(objectType),
		event.WithData(data),
		event.WithNamespace(e.namespace),
	)
}

// emitValues forwards the output channel values after a step.
func (e *emitter) emitValues(values map[string]any) {
	e.emit(e.newEvent(AuthorGraphExecutor, ObjectTypeGraphValues, values))
}

// emitUpdates forwards per-node deltas for a step.
func (e *emitter) emitUpdates(step int, updates map[string]any) {
	e.emit(e.newEvent(AuthorGraphPregel, ObjectTypeGraphUpdates, map[string]any{
		"step":    step,
		"updates": updates,
	}))
}

// emitDebug forwards a debug observation with metadata.
func (e *emitter) emitDebug(kind string, payload map[string]any) {
	data := map[string]any{"type": kind}
	for k, v := range payload {
		data[k] = v
	}
	e.emit(e.newEvent(AuthorGraphPregel, ObjectTypeGraphDebug, data))
}

// emitMessage forwards a message pushed by a node.
func (e *emitter) emitMessage(nodeName, taskID string, message any) {
	e.emit(e.newEvent(AuthorGraphNode, ObjectTypeGraphMessage, map[string]any{
		"node":    nodeName,
		"task_id": taskID,
		"message": message,
	}))
}

// emitCustom forwards a node-emitted custom payload.
func (e *emitter) emitCustom(nodeName, taskID string, payload any) {
	e.emit(e.newEvent(AuthorGraphNode, ObjectTypeGraphCustom, map[string]any{
		"node":    nodeName,
		"task_id": taskID,
		"payload": payload,
	}))
}

// emitCheckpoint forwards the checkpoint tuple created for a step.
func (e *emitter) emitCheckpoint(tuple *CheckpointTuple) {
	e.emit(e.newEvent(AuthorGraphExecutor, ObjectTypeGraphCheckpoint, tuple))
}

// emitTaskStart forwards a task dispatch observation.
func (e *emitter) emitTaskStart(task *Task) {
	e.emit(e.newEvent(AuthorGraphPregel, ObjectTypeGraphTaskStart, map[string]any{
		"task_id":  task.ID,
		"node":     task.Name,
		"step":     task.Step,
		"input":    task.Input,
		"triggers": task.Triggers,
	}))
}

// emitTaskResult forwards a task completion observation.
func (e *emitter) emitTaskResult(task *Task, result any, taskErr error) {
	data := map[string]any{
		"task_id": task.ID,
		"node":    task.Name,
		"step":    task.Step,
		"result":  result,
	}
	if taskErr != nil {
		data["error"] = taskErr.Error()
	}
	e.emit(e.newEvent(AuthorGraphPregel, ObjectTypeGraphTaskResult, data))
}

// emitEnd forwards the terminal event and is always delivered regardless of
// mode selection.
func (e *emitter) emitEnd(finalValues map[string]any) {
	evt := event.New(e.invocationID, AuthorGraphExecutor,
		event.WithObject(ObjectTypeGraphEnd),
		event.WithData(finalValues),
		event.WithNamespace(e.namespace),
		event.WithDone(),
	)
	e.emit(evt)
}

// emitError forwards a terminal error event.
func (e *emitter) emitError(errType string, err error) {
	evt := event.NewErrorEvent(e.invocationID, AuthorGraphExecutor, errType, err.Error())
	evt.Namespace = e.namespace
	e.emit(evt)
}
