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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStateRequiresSaver(t *testing.T) {
	exec, err := NewExecutor(addOneGraph(t))
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.GetState(context.Background(), CreateCheckpointConfig("t", "", ""))
	assert.ErrorIs(t, err, ErrSaverRequired)
}

func TestGetStateAndHistory(t *testing.T) {
	saver := newTestSaver()
	exec, err := NewExecutor(addChainGraph(t), WithSaver(saver))
	require.NoError(t, err)
	defer exec.Close()

	config := CreateCheckpointConfig("thread-tt", "", "")
	_, err = exec.Invoke(context.Background(), 2, config)
	require.NoError(t, err)

	snapshot, err := exec.GetState(context.Background(), CreateCheckpointConfig("thread-tt", "", ""))
	require.NoError(t, err)
	assert.Equal(t, 4, asInt(snapshot.Values["output"]))
	// The run is complete; nothing is scheduled next.
	assert.Empty(t, snapshot.Next)

	history, err := exec.GetStateHistory(context.Background(),
		CreateCheckpointConfig("thread-tt", "", ""), nil)
	require.NoError(t, err)
	// Input checkpoint plus two loop steps.
	require.Len(t, history, 3)

	// Newest first; the mid-run snapshot schedules node two next.
	mid := history[1]
	assert.Equal(t, []string{"two"}, mid.Next)
}

func TestUpdateStateForksCheckpoint(t *testing.T) {
	saver := newTestSaver()
	exec, err := NewExecutor(addChainGraph(t), WithSaver(saver))
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), 2, CreateCheckpointConfig("thread-fork", "", ""))
	require.NoError(t, err)

	forkConfig, err := exec.UpdateState(context.Background(),
		CreateCheckpointConfig("thread-fork", "", ""),
		State{"inbox": 10}, "one")
	require.NoError(t, err)
	require.NotEmpty(t, GetCheckpointID(forkConfig))

	// Continuing from the fork re-runs node two with the injected value.
	out, err := exec.Invoke(context.Background(), nil, CreateCheckpointConfig("thread-fork", "", ""))
	require.NoError(t, err)
	assert.Equal(t, 11, out)
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return -1
	}
}
