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
	"time"
)

// StateSnapshot is a read-only view of a thread at a checkpoint, used for
// inspection and time travel.
type StateSnapshot struct {
	// Values are the channel payloads at the checkpoint.
	Values map[string]any `json:"values"`
	// Next are the nodes that would run in the following superstep.
	Next []string `json:"next"`
	// Config addresses the checkpoint.
	Config map[string]any `json:"config"`
	// Metadata is the checkpoint metadata.
	Metadata *CheckpointMetadata `json:"metadata"`
	// CreatedAt is the checkpoint timestamp.
	CreatedAt time.Time `json:"created_at"`
	// ParentConfig addresses the parent checkpoint, if any.
	ParentConfig map[string]any `json:"parent_config,omitempty"`
}

// GetState returns the thread state at the configured checkpoint, or at the
// latest checkpoint when no id is given.
func (e *Executor) GetState(ctx context.Context, config map[string]any) (*StateSnapshot, error) {
	if e.saver == nil {
		return nil, ErrSaverRequired
	}
	tuple, err := e.saver.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	if tuple == nil {
		return nil, ErrCheckpointNotFound
	}
	return e.snapshotFromTuple(tuple), nil
}

// GetStateHistory lists thread snapshots newest first.
func (e *Executor) GetStateHistory(
	ctx context.Context,
	config map[string]any,
	filter *CheckpointFilter,
) ([]*StateSnapshot, error) {
	if e.saver == nil {
		return nil, ErrSaverRequired
	}
	tuples, err := e.saver.List(ctx, config, filter)
	if err != nil {
		return nil, err
	}
	snapshots := make([]*StateSnapshot, 0, len(tuples))
	for _, tuple := range tuples {
		snapshots = append(snapshots, e.snapshotFromTuple(tuple))
	}
	return snapshots, nil
}

// UpdateState applies values as writes attributed to asNode on top of the
// configured checkpoint and commits the result as a forked checkpoint.
// It returns the config addressing the fork.
func (e *Executor) UpdateState(
	ctx context.Context,
	config map[string]any,
	values State,
	asNode string,
) (map[string]any, error) {
	if e.saver == nil {
		return nil, ErrSaverRequired
	}
	threadID := GetThreadID(config)
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	namespace := GetNamespace(config)
	tuple, err := e.saver.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	if tuple == nil {
		return nil, ErrCheckpointNotFound
	}

	registry := newChannelRegistry(e.graph.specs)
	registry.fromCheckpoint(tuple.Checkpoint.ChannelValues)
	fork := tuple.Checkpoint.Copy()
	maxVersion := fork.MaxChannelVersion()
	for name, value := range values {
		ch, ok := registry.get(name)
		if !ok {
			continue
		}
		changed, err := ch.Update([]any{value})
		if err != nil {
			return nil, err
		}
		if changed {
			fork.ChannelVersions[name] = e.nextVersion(maxVersion, name)
		}
	}
	fork.ChannelValues = registry.checkpointValues()
	fork.Timestamp = time.Now().UTC()

	metadata := NewCheckpointMetadata(SourceFork, stepOf(tuple.Metadata))
	if asNode != "" {
		metadata.Extra["as_node"] = asNode
	}
	return e.saver.Put(ctx, PutRequest{
		Config:      CreateCheckpointConfig(threadID, tuple.Checkpoint.ID, namespace),
		Checkpoint:  fork,
		Metadata:    metadata,
		NewVersions: fork.ChannelVersions,
	})
}

// snapshotFromTuple derives a snapshot, dry-planning the next superstep to
// fill Next.
func (e *Executor) snapshotFromTuple(tuple *CheckpointTuple) *StateSnapshot {
	registry := newChannelRegistry(e.graph.specs)
	registry.fromCheckpoint(tuple.Checkpoint.ChannelValues)
	working := tuple.Checkpoint.Copy()
	pl := &planner{graph: e.graph}
	tasks := pl.planTasks(working, registry, tuple.Checkpoint.ID, GetNamespace(tuple.Config), stepOf(tuple.Metadata)+1)
	next := make([]string, 0, len(tasks))
	for _, task := range tasks {
		next = append(next, task.Name)
	}
	return &StateSnapshot{
		Values:       deepCopyMap(tuple.Checkpoint.ChannelValues),
		Next:         next,
		Config:       tuple.Config,
		Metadata:     tuple.Metadata,
		CreatedAt:    tuple.Checkpoint.Timestamp,
		ParentConfig: tuple.ParentConfig,
	}
}

func stepOf(metadata *CheckpointMetadata) int {
	if metadata == nil {
		return 0
	}
	return metadata.Step
}
