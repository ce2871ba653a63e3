//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory checkpoint saver, suitable for
// testing and single-process use.
package inmemory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

var errNilCheckpoint = errors.New("checkpoint cannot be nil")

// Saver is an in-memory implementation of graph.Saver.
type Saver struct {
	mu sync.RWMutex
	// threadID -> namespace -> checkpointID -> tuple
	storage map[string]map[string]map[string]*graph.CheckpointTuple
	// threadID -> namespace -> checkpointID -> taskID -> writes
	writes map[string]map[string]map[string]map[string][]graph.PendingWrite

	maxCheckpointsPerThread int
}

// NewSaver creates a new in-memory checkpoint saver.
func NewSaver() *Saver {
	return &Saver{
		storage:                 make(map[string]map[string]map[string]*graph.CheckpointTuple),
		writes:                  make(map[string]map[string]map[string]map[string][]graph.PendingWrite),
		maxCheckpointsPerThread: graph.DefaultMaxCheckpointsPerThread,
	}
}

// WithMaxCheckpointsPerThread caps retained checkpoints per thread.
func (s *Saver) WithMaxCheckpointsPerThread(max int) *Saver {
	s.maxCheckpointsPerThread = max
	return s
}

// Get retrieves a checkpoint by configuration.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves a checkpoint tuple by configuration. Without a
// checkpoint id it returns the latest checkpoint of the thread/namespace.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threadID := graph.GetThreadID(config)
	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}

	checkpoints := s.storage[threadID][namespace]
	if len(checkpoints) == 0 {
		return nil, nil
	}
	if checkpointID == "" {
		// Checkpoint ids are time-ordered; the latest is the largest.
		for id := range checkpoints {
			if id > checkpointID {
				checkpointID = id
			}
		}
	}
	tuple, ok := checkpoints[checkpointID]
	if !ok {
		return nil, nil
	}
	return s.copyTuple(threadID, namespace, checkpointID, tuple), nil
}

// List retrieves checkpoint tuples newest first, honoring the filter.
func (s *Saver) List(
	ctx context.Context,
	config map[string]any,
	filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threadID := graph.GetThreadID(config)
	namespace := graph.GetNamespace(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}

	checkpoints := s.storage[threadID][namespace]
	ids := make([]string, 0, len(checkpoints))
	for id := range checkpoints {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	var beforeID string
	var limit int
	if filter != nil {
		if filter.Before != nil {
			beforeID = graph.GetCheckpointID(filter.Before)
		}
		limit = filter.Limit
	}

	var results []*graph.CheckpointTuple
	for _, id := range ids {
		if beforeID != "" && id >= beforeID {
			continue
		}
		tuple := checkpoints[id]
		if filter != nil && !metadataMatches(tuple.Metadata, filter.Metadata) {
			continue
		}
		results = append(results, s.copyTuple(threadID, namespace, id, tuple))
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// Put stores a checkpoint, upserting on (thread, namespace, id).
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threadID := graph.GetThreadID(req.Config)
	namespace := graph.GetNamespace(req.Config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	if req.Checkpoint == nil {
		return nil, errNilCheckpoint
	}
	s.putLocked(threadID, namespace, req.Config, req.Checkpoint, req.Metadata)
	s.cleanupOldCheckpoints(threadID, namespace)
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace), nil
}

// PutWrites persists task writes, idempotent on (task_id, idx).
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	threadID := graph.GetThreadID(req.Config)
	namespace := graph.GetNamespace(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if threadID == "" || checkpointID == "" {
		return graph.ErrThreadIDAndCheckpointIDRequired
	}
	s.putWritesLocked(threadID, namespace, checkpointID, req.TaskID, req.Writes)
	return nil
}

// PutFull atomically stores a checkpoint with its pending writes.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threadID := graph.GetThreadID(req.Config)
	namespace := graph.GetNamespace(req.Config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	if req.Checkpoint == nil {
		return nil, errNilCheckpoint
	}
	s.putLocked(threadID, namespace, req.Config, req.Checkpoint, req.Metadata)
	byTask := make(map[string][]graph.PendingWrite)
	for _, w := range req.PendingWrites {
		byTask[w.TaskID] = append(byTask[w.TaskID], w)
	}
	for taskID, writes := range byTask {
		s.putWritesLocked(threadID, namespace, req.Checkpoint.ID, taskID, writes)
	}
	s.cleanupOldCheckpoints(threadID, namespace)
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace), nil
}

// DeleteThread removes all checkpoints and writes for a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.storage, threadID)
	delete(s.writes, threadID)
	return nil
}

// NextVersion allocates the next channel version.
func (s *Saver) NextVersion(prev int64, channel string) int64 {
	return prev + 1
}

// Close releases all stored data.
func (s *Saver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage = make(map[string]map[string]map[string]*graph.CheckpointTuple)
	s.writes = make(map[string]map[string]map[string]map[string][]graph.PendingWrite)
	return nil
}

func (s *Saver) putLocked(
	threadID, namespace string,
	config map[string]any,
	checkpoint *graph.Checkpoint,
	metadata *graph.CheckpointMetadata,
) {
	if s.storage[threadID] == nil {
		s.storage[threadID] = make(map[string]map[string]*graph.CheckpointTuple)
	}
	if s.storage[threadID][namespace] == nil {
		s.storage[threadID][namespace] = make(map[string]*graph.CheckpointTuple)
	}
	tuple := &graph.CheckpointTuple{
		Config:     graph.CreateCheckpointConfig(threadID, checkpoint.ID, namespace),
		Checkpoint: copyCheckpoint(checkpoint),
		Metadata:   metadata,
	}
	if parentID := graph.GetCheckpointID(config); parentID != "" && parentID != checkpoint.ID {
		tuple.ParentConfig = graph.CreateCheckpointConfig(threadID, parentID, namespace)
	}
	s.storage[threadID][namespace][checkpoint.ID] = tuple
}

func (s *Saver) putWritesLocked(
	threadID, namespace, checkpointID, taskID string,
	writes []graph.PendingWrite,
) {
	if s.writes[threadID] == nil {
		s.writes[threadID] = make(map[string]map[string]map[string][]graph.PendingWrite)
	}
	if s.writes[threadID][namespace] == nil {
		s.writes[threadID][namespace] = make(map[string]map[string][]graph.PendingWrite)
	}
	if s.writes[threadID][namespace][checkpointID] == nil {
		s.writes[threadID][namespace][checkpointID] = make(map[string][]graph.PendingWrite)
	}
	byIdx := make(map[int]graph.PendingWrite)
	for _, w := range s.writes[threadID][namespace][checkpointID][taskID] {
		byIdx[w.Idx] = w
	}
	for _, w := range writes {
		w.TaskID = taskID
		byIdx[w.Idx] = w
	}
	merged := make([]graph.PendingWrite, 0, len(byIdx))
	for _, w := range byIdx {
		merged = append(merged, w)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Idx < merged[j].Idx })
	s.writes[threadID][namespace][checkpointID][taskID] = merged
}

// copyTuple snapshots a stored tuple with its pending writes, ordered by
// task id then sequence.
func (s *Saver) copyTuple(
	threadID, namespace, checkpointID string,
	tuple *graph.CheckpointTuple,
) *graph.CheckpointTuple {
	result := &graph.CheckpointTuple{
		Config:       tuple.Config,
		Checkpoint:   copyCheckpoint(tuple.Checkpoint),
		Metadata:     tuple.Metadata,
		ParentConfig: tuple.ParentConfig,
	}
	byTask := s.writes[threadID][namespace][checkpointID]
	if len(byTask) > 0 {
		taskIDs := make([]string, 0, len(byTask))
		for taskID := range byTask {
			taskIDs = append(taskIDs, taskID)
		}
		sort.Strings(taskIDs)
		for _, taskID := range taskIDs {
			result.PendingWrites = append(result.PendingWrites, byTask[taskID]...)
		}
	}
	return result
}

func (s *Saver) cleanupOldCheckpoints(threadID, namespace string) {
	checkpoints := s.storage[threadID][namespace]
	if len(checkpoints) <= s.maxCheckpointsPerThread {
		return
	}
	ids := make([]string, 0, len(checkpoints))
	for id := range checkpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	toRemove := len(ids) - s.maxCheckpointsPerThread
	for _, id := range ids[:toRemove] {
		delete(checkpoints, id)
		if s.writes[threadID][namespace] != nil {
			delete(s.writes[threadID][namespace], id)
		}
	}
}

// copyCheckpoint deep-copies a checkpoint preserving its identity.
func copyCheckpoint(c *graph.Checkpoint) *graph.Checkpoint {
	cp := c.Copy()
	cp.ID = c.ID
	return cp
}

func metadataMatches(metadata *graph.CheckpointMetadata, want map[string]any) bool {
	if len(want) == 0 {
		return true
	}
	if metadata == nil || metadata.Extra == nil {
		return false
	}
	for k, v := range want {
		if metadata.Extra[k] != v {
			return false
		}
	}
	return true
}
