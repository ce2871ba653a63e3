//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package inmemory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

func putCheckpoint(t *testing.T, saver *Saver, threadID string, step int) *graph.Checkpoint {
	t.Helper()
	cp := graph.NewCheckpoint(
		map[string]any{"values": step},
		map[string]int64{"values": int64(step + 1)},
		nil,
	)
	_, err := saver.Put(context.Background(), graph.PutRequest{
		Config:      graph.CreateCheckpointConfig(threadID, "", ""),
		Checkpoint:  cp,
		Metadata:    graph.NewCheckpointMetadata(graph.SourceLoop, step),
		NewVersions: cp.ChannelVersions,
	})
	require.NoError(t, err)
	return cp
}

func TestPutAndGetTuple(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()

	cp := putCheckpoint(t, saver, "thread-1", 0)

	tuple, err := saver.GetTuple(context.Background(),
		graph.CreateCheckpointConfig("thread-1", cp.ID, ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, cp.ID, tuple.Checkpoint.ID)
	assert.Equal(t, 0, tuple.Metadata.Step)
}

func TestGetTupleLatestWithoutID(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()

	putCheckpoint(t, saver, "thread-1", 0)
	latest := putCheckpoint(t, saver, "thread-1", 1)

	tuple, err := saver.GetTuple(context.Background(),
		graph.CreateCheckpointConfig("thread-1", "", ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, latest.ID, tuple.Checkpoint.ID)
}

func TestGetTupleRequiresThreadID(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()

	_, err := saver.GetTuple(context.Background(), map[string]any{})
	assert.ErrorIs(t, err, graph.ErrThreadIDRequired)
}

func TestGetTupleMissingThreadReturnsNil(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()

	tuple, err := saver.GetTuple(context.Background(),
		graph.CreateCheckpointConfig("missing", "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)
}

func TestListNewestFirstWithBeforeAndLimit(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()

	first := putCheckpoint(t, saver, "thread-1", 0)
	second := putCheckpoint(t, saver, "thread-1", 1)
	third := putCheckpoint(t, saver, "thread-1", 2)

	tuples, err := saver.List(context.Background(),
		graph.CreateCheckpointConfig("thread-1", "", ""), nil)
	require.NoError(t, err)
	require.Len(t, tuples, 3)
	assert.Equal(t, third.ID, tuples[0].Checkpoint.ID)
	assert.Equal(t, first.ID, tuples[2].Checkpoint.ID)

	// Before is strict: only checkpoints with smaller ids qualify.
	tuples, err = saver.List(context.Background(),
		graph.CreateCheckpointConfig("thread-1", "", ""),
		&graph.CheckpointFilter{
			Before: graph.CreateCheckpointConfig("thread-1", second.ID, ""),
		})
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	assert.Equal(t, first.ID, tuples[0].Checkpoint.ID)

	tuples, err = saver.List(context.Background(),
		graph.CreateCheckpointConfig("thread-1", "", ""),
		&graph.CheckpointFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, tuples, 2)
}

func TestPutWritesIdempotentOnTaskAndIdx(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()

	cp := putCheckpoint(t, saver, "thread-1", 0)
	config := graph.CreateCheckpointConfig("thread-1", cp.ID, "")

	writes := []graph.PendingWrite{
		{Channel: "values", Value: "v1", Idx: 0},
		{Channel: "values", Value: "v2", Idx: 1},
	}
	require.NoError(t, saver.PutWrites(context.Background(), graph.PutWritesRequest{
		Config: config, Writes: writes, TaskID: "task-1",
	}))

	// Replaying idx 0 replaces rather than duplicates.
	require.NoError(t, saver.PutWrites(context.Background(), graph.PutWritesRequest{
		Config: config,
		Writes: []graph.PendingWrite{{Channel: "values", Value: "v1-replayed", Idx: 0}},
		TaskID: "task-1",
	}))

	tuple, err := saver.GetTuple(context.Background(), config)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	assert.Equal(t, "v1-replayed", tuple.PendingWrites[0].Value)
	assert.Equal(t, "v2", tuple.PendingWrites[1].Value)
}

func TestPutFullStoresCheckpointAndWrites(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()

	cp := graph.NewCheckpoint(nil, nil, nil)
	cfg, err := saver.PutFull(context.Background(), graph.PutFullRequest{
		Config:     graph.CreateCheckpointConfig("thread-1", "", ""),
		Checkpoint: cp,
		Metadata:   graph.NewCheckpointMetadata(graph.SourceLoop, 0),
		PendingWrites: []graph.PendingWrite{
			{TaskID: "t1", Channel: "c", Value: 1, Idx: 0},
		},
	})
	require.NoError(t, err)

	tuple, err := saver.GetTuple(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "t1", tuple.PendingWrites[0].TaskID)
}

func TestDeleteThreadDropsWrites(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()

	cp := putCheckpoint(t, saver, "thread-1", 0)
	require.NoError(t, saver.PutWrites(context.Background(), graph.PutWritesRequest{
		Config: graph.CreateCheckpointConfig("thread-1", cp.ID, ""),
		Writes: []graph.PendingWrite{{Channel: "c", Value: 1, Idx: 0}},
		TaskID: "t1",
	}))

	require.NoError(t, saver.DeleteThread(context.Background(), "thread-1"))

	tuple, err := saver.GetTuple(context.Background(),
		graph.CreateCheckpointConfig("thread-1", "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)
}

func TestCheckpointRetentionCap(t *testing.T) {
	saver := NewSaver().WithMaxCheckpointsPerThread(2)
	defer saver.Close()

	putCheckpoint(t, saver, "thread-1", 0)
	second := putCheckpoint(t, saver, "thread-1", 1)
	third := putCheckpoint(t, saver, "thread-1", 2)

	tuples, err := saver.List(context.Background(),
		graph.CreateCheckpointConfig("thread-1", "", ""), nil)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, third.ID, tuples[0].Checkpoint.ID)
	assert.Equal(t, second.ID, tuples[1].Checkpoint.ID)
}

func TestNamespacesAreIsolated(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()

	cp := graph.NewCheckpoint(nil, nil, nil)
	_, err := saver.Put(context.Background(), graph.PutRequest{
		Config:     graph.CreateCheckpointConfig("thread-1", "", "parent|child"),
		Checkpoint: cp,
		Metadata:   graph.NewCheckpointMetadata(graph.SourceLoop, 0),
	})
	require.NoError(t, err)

	tuple, err := saver.GetTuple(context.Background(),
		graph.CreateCheckpointConfig("thread-1", "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)

	tuple, err = saver.GetTuple(context.Background(),
		graph.CreateCheckpointConfig("thread-1", "", "parent|child"))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, cp.ID, tuple.Checkpoint.ID)
}

func TestNextVersionIncrements(t *testing.T) {
	saver := NewSaver()
	assert.Equal(t, int64(1), saver.NextVersion(0, "c"))
	assert.Equal(t, int64(6), saver.NextVersion(5, "c"))
}
