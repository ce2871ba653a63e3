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

// planner decides which nodes fire in the next superstep. It is pure
// relative to the working checkpoint handed to it: the only mutation is
// marking trigger versions seen on that copy.
type planner struct {
	graph *Graph
}

// planTasks builds the ordered task set for the given step.
//
// Pending sends drain first and always dispatch, bypassing the
// versions-seen gate and never marking triggers seen. Trigger-driven nodes
// follow in registration order; a node fires only when some trigger channel
// has advanced past the version the node last observed.
func (p *planner) planTasks(
	checkpoint *Checkpoint,
	registry *channelRegistry,
	parentCheckpointID string,
	checkpointNS string,
	step int,
) []*Task {
	var tasks []*Task
	taskIdx := 0

	for _, send := range checkpoint.PendingSends {
		node, ok := p.graph.Node(send.Node)
		if !ok {
			log.Warnf("pending send targets unknown node %q, skipping", send.Node)
			continue
		}
		input := send.Args
		if node.Mapper != nil {
			input = node.Mapper(input)
		}
		tasks = append(tasks, &Task{
			ID:       newTaskID(parentCheckpointID, checkpointNS, node.Name, step, taskIdx),
			Name:     node.Name,
			Input:    input,
			Triggers: []string{TasksChannel},
			Index:    taskIdx,
			Step:     step,
		})
		taskIdx++
	}

	for _, name := range p.graph.Nodes() {
		node, _ := p.graph.Node(name)
		triggers := p.firedTriggers(checkpoint, node)
		if len(triggers) == 0 {
			continue
		}
		input, ok := p.buildInput(node, registry)
		if !ok {
			continue
		}
		if node.Mapper != nil {
			input = node.Mapper(input)
		}
		for _, trigger := range node.Triggers {
			if version, exists := checkpoint.ChannelVersions[trigger]; exists {
				checkpoint.MarkSeen(node.Name, trigger, version)
			}
		}
		tasks = append(tasks, &Task{
			ID:       newTaskID(parentCheckpointID, checkpointNS, node.Name, step, taskIdx),
			Name:     node.Name,
			Input:    input,
			Triggers: triggers,
			Index:    taskIdx,
			Step:     step,
		})
		taskIdx++
	}
	return tasks
}

// firedTriggers returns the trigger channels that advanced past the
// node's seen versions.
func (p *planner) firedTriggers(checkpoint *Checkpoint, node *Node) []string {
	var fired []string
	for _, trigger := range node.Triggers {
		version, ok := checkpoint.ChannelVersions[trigger]
		if !ok {
			continue
		}
		if version > checkpoint.SeenVersion(node.Name, trigger) {
			fired = append(fired, trigger)
		}
	}
	return fired
}

// buildInput assembles the node input from its channel subscriptions.
// A false return means a required channel was empty and the node is
// skipped this step.
func (p *planner) buildInput(node *Node, registry *channelRegistry) (any, bool) {
	if len(node.ChannelMap) > 0 {
		input := make(map[string]any, len(node.ChannelMap))
		for key, name := range node.ChannelMap {
			ch, ok := registry.get(name)
			if !ok {
				log.Warnf("node %q maps key %q to unknown channel %q, skipping node", node.Name, key, name)
				return nil, false
			}
			value, err := ch.Get()
			if err != nil {
				// EmptyChannel (or any failed read) skips the node this step.
				return nil, false
			}
			input[key] = value
		}
		return input, true
	}

	subscriptions := node.Channels
	if len(subscriptions) == 0 {
		subscriptions = node.Triggers
	}
	for _, name := range subscriptions {
		ch, ok := registry.get(name)
		if !ok {
			continue
		}
		value, err := ch.Get()
		if err != nil {
			continue
		}
		return value, true
	}
	return nil, false
}
