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
	"trpc.group/trpc-go/trpc-graph-go/log"
)

// applier integrates a superstep's collected writes into the channels and
// bumps versions on the working checkpoint. It is the only code that
// mutates the channel registry; tasks never touch channels directly.
type applier struct {
	graph *Graph
}

// applyWrites commits the writes of the tasks that ran this step.
//
// Writes made by different tasks in the same step become visible to readers
// only from the next step on; that is the BSP discipline. An InvalidUpdate
// fails the step and leaves the checkpoint unadvanced.
func (a *applier) applyWrites(
	checkpoint *Checkpoint,
	registry *channelRegistry,
	nextVersion func(prev int64, channel string) int64,
	tasks []*Task,
) ([]string, error) {
	// Re-mark trigger versions seen. The planner already did this for
	// planned tasks, but writes recovered from the pending-write log arrive
	// without a planner pass.
	for _, task := range tasks {
		for _, trigger := range task.Triggers {
			if isReservedChannel(trigger) {
				continue
			}
			if version, ok := checkpoint.ChannelVersions[trigger]; ok {
				checkpoint.MarkSeen(task.Name, trigger, version)
			}
		}
	}

	maxVersion := checkpoint.MaxChannelVersion()

	// Let consumed trigger channels transition before new writes land.
	consumed := make(map[string]struct{})
	for _, task := range tasks {
		for _, trigger := range task.Triggers {
			if !isReservedChannel(trigger) {
				consumed[trigger] = struct{}{}
			}
		}
	}
	for name := range consumed {
		ch, ok := registry.get(name)
		if !ok {
			continue
		}
		if ch.Consume() {
			checkpoint.ChannelVersions[name] = nextVersion(maxVersion, name)
		}
	}

	// Sends queued in the previous step were drained by this step's plan.
	checkpoint.PendingSends = nil

	// Group writes by channel, routing TasksChannel writes to pending sends.
	grouped := make(map[string][]any)
	for _, task := range tasks {
		for _, w := range task.writes {
			if w.Channel == TasksChannel {
				if send, ok := asSend(w.Value); ok {
					checkpoint.PendingSends = append(checkpoint.PendingSends, send)
				} else {
					log.Warnf("task %q staged a non-Send value on the task channel, skipping", task.Name)
				}
				continue
			}
			if _, ok := registry.get(w.Channel); !ok {
				log.Warnf("task %q wrote to unknown channel %q, skipping", task.Name, w.Channel)
				continue
			}
			grouped[w.Channel] = append(grouped[w.Channel], w.Value)
		}
		for _, w := range task.messages {
			if _, ok := registry.get(w.Channel); !ok {
				continue
			}
			grouped[w.Channel] = append(grouped[w.Channel], w.Value)
		}
	}

	var updated []string
	for _, name := range registry.names() {
		values, wrote := grouped[name]
		ch, _ := registry.get(name)
		changed, err := ch.Update(values)
		if err != nil {
			return nil, err
		}
		if changed {
			checkpoint.ChannelVersions[name] = nextVersion(maxVersion, name)
			if wrote {
				updated = append(updated, name)
			}
		}
	}
	return updated, nil
}
