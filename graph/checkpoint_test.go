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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCheckpointDefaults(t *testing.T) {
	cp := NewCheckpoint(nil, nil, nil)

	assert.Equal(t, CheckpointVersion, cp.Version)
	assert.NotEmpty(t, cp.ID)
	assert.False(t, cp.Timestamp.IsZero())
	assert.NotNil(t, cp.ChannelValues)
	assert.NotNil(t, cp.ChannelVersions)
	assert.NotNil(t, cp.VersionsSeen)
}

func TestCheckpointIDsAreTimeOrdered(t *testing.T) {
	first := NewCheckpoint(nil, nil, nil)
	time.Sleep(2 * time.Millisecond)
	second := NewCheckpoint(nil, nil, nil)

	assert.Less(t, first.ID, second.ID)
}

func TestCheckpointMaxChannelVersion(t *testing.T) {
	cp := NewCheckpoint(nil, map[string]int64{"a": 1, "b": 5, "c": 3}, nil)
	assert.Equal(t, int64(5), cp.MaxChannelVersion())

	empty := NewCheckpoint(nil, nil, nil)
	assert.Equal(t, int64(0), empty.MaxChannelVersion())
}

func TestCheckpointSeenVersions(t *testing.T) {
	cp := NewCheckpoint(nil, map[string]int64{"input": 2}, nil)

	assert.Equal(t, int64(0), cp.SeenVersion("node", "input"))
	cp.MarkSeen("node", "input", 2)
	assert.Equal(t, int64(2), cp.SeenVersion("node", "input"))

	// Marking a lower version never regresses.
	cp.MarkSeen("node", "input", 1)
	assert.Equal(t, int64(2), cp.SeenVersion("node", "input"))
}

func TestCheckpointCopyIsDeep(t *testing.T) {
	cp := NewCheckpoint(
		map[string]any{"values": []any{"a"}},
		map[string]int64{"values": 1},
		map[string]map[string]int64{"node": {"values": 1}},
	)
	cp.PendingSends = []Send{{Node: "worker", Args: map[string]any{"k": "v"}}}

	cp2 := cp.Copy()
	require.NotEqual(t, cp.ID, cp2.ID)

	cp2.ChannelVersions["values"] = 9
	cp2.VersionsSeen["node"]["values"] = 9
	cp2.PendingSends[0].Node = "other"

	assert.Equal(t, int64(1), cp.ChannelVersions["values"])
	assert.Equal(t, int64(1), cp.VersionsSeen["node"]["values"])
	assert.Equal(t, "worker", cp.PendingSends[0].Node)
}

func TestConfigHelpers(t *testing.T) {
	config := CreateCheckpointConfig("thread-1", "ckpt-1", "parent|child")

	assert.Equal(t, "thread-1", GetThreadID(config))
	assert.Equal(t, "ckpt-1", GetCheckpointID(config))
	assert.Equal(t, "parent|child", GetNamespace(config))

	assert.Equal(t, "", GetThreadID(nil))
	assert.Equal(t, "", GetCheckpointID(map[string]any{}))
	assert.Equal(t, "", GetNamespace(map[string]any{"configurable": map[string]any{}}))
}

func TestDeterministicTaskIdentity(t *testing.T) {
	id1 := newTaskID("ckpt-abc", "ns", "node", 3, 0)
	id2 := newTaskID("ckpt-abc", "ns", "node", 3, 0)
	assert.Equal(t, id1, id2)

	// Any component change produces a different identity.
	assert.NotEqual(t, id1, newTaskID("ckpt-xyz", "ns", "node", 3, 0))
	assert.NotEqual(t, id1, newTaskID("ckpt-abc", "ns2", "node", 3, 0))
	assert.NotEqual(t, id1, newTaskID("ckpt-abc", "ns", "other", 3, 0))
	assert.NotEqual(t, id1, newTaskID("ckpt-abc", "ns", "node", 4, 0))
	assert.NotEqual(t, id1, newTaskID("ckpt-abc", "ns", "node", 3, 1))
}

func TestTaskWriteSequencing(t *testing.T) {
	task := &Task{ID: "t1", Name: "node"}
	task.stageWrite("a", 1)
	task.stageWrite("b", 2)

	writes := task.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, 0, writes[0].Idx)
	assert.Equal(t, 1, writes[1].Idx)
	assert.Equal(t, "t1", writes[0].TaskID)

	task.discardWrites()
	assert.Empty(t, task.Writes())
}
