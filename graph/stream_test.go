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

	"trpc.group/trpc-go/trpc-graph-go/event"
)

func graphEvent(objectType string, namespace []string) *event.Event {
	return event.New("inv", AuthorGraphExecutor,
		event.WithObject(objectType),
		event.WithNamespace(namespace),
	)
}

func TestStreamModeFilterDisabledForwardsAll(t *testing.T) {
	filter := NewStreamModeFilter(false, nil, false)

	assert.True(t, filter.Allows(graphEvent(ObjectTypeGraphValues, nil)))
	assert.True(t, filter.Allows(graphEvent(ObjectTypeGraphCustom, nil)))
	assert.False(t, filter.Allows(nil))
}

func TestStreamModeFilterSelectsModes(t *testing.T) {
	filter := NewStreamModeFilter(true, []StreamMode{StreamModeUpdates}, false)

	assert.True(t, filter.Allows(graphEvent(ObjectTypeGraphUpdates, nil)))
	assert.False(t, filter.Allows(graphEvent(ObjectTypeGraphValues, nil)))
	assert.False(t, filter.Allows(graphEvent(ObjectTypeGraphCheckpoint, nil)))

	// Errors and the terminal event always pass.
	assert.True(t, filter.Allows(event.NewErrorEvent("inv", AuthorGraphExecutor, "t", "boom")))
	assert.True(t, filter.Allows(graphEvent(ObjectTypeGraphEnd, nil)))
}

func TestStreamModeFilterDebugCoversTasksAndCheckpoints(t *testing.T) {
	filter := NewStreamModeFilter(true, []StreamMode{StreamModeDebug}, false)

	assert.True(t, filter.Allows(graphEvent(ObjectTypeGraphCheckpoint, nil)))
	assert.True(t, filter.Allows(graphEvent(ObjectTypeGraphTaskStart, nil)))
	assert.True(t, filter.Allows(graphEvent(ObjectTypeGraphTaskResult, nil)))
	assert.False(t, filter.Allows(graphEvent(ObjectTypeGraphMessage, nil)))
}

func TestStreamModeFilterSubgraphs(t *testing.T) {
	ns := []string{"parent", "child"}

	without := NewStreamModeFilter(false, nil, false)
	assert.False(t, without.Allows(graphEvent(ObjectTypeGraphValues, ns)))

	with := NewStreamModeFilter(false, nil, true)
	assert.True(t, with.Allows(graphEvent(ObjectTypeGraphValues, ns)))
}

func TestStreamModeOf(t *testing.T) {
	mode, ok := StreamModeOf(ObjectTypeGraphValues)
	require.True(t, ok)
	assert.Equal(t, StreamModeValues, mode)

	mode, ok = StreamModeOf(ObjectTypeGraphTaskResult)
	require.True(t, ok)
	assert.Equal(t, StreamModeTasks, mode)

	_, ok = StreamModeOf(ObjectTypeGraphEnd)
	assert.False(t, ok)
}

func TestNodeEmittedCustomAndMessageEvents(t *testing.T) {
	g := New()
	require.NoError(t, g.AddChannel(&ChannelSpec{Name: "input", Type: ChannelTypeLastValue}))
	require.NoError(t, g.AddChannel(&ChannelSpec{Name: "messages", Type: ChannelTypeTopic}))
	require.NoError(t, g.AddNode(&Node{
		Name:     "talker",
		Triggers: []string{"input"},
		Func: func(ctx context.Context, input any) (any, error) {
			nc, _ := FromContext(ctx)
			nc.Writer(map[string]any{"progress": 50})
			require.NoError(t, nc.PushMessage("hello", WithStateKey("messages")))
			return nil, nil
		},
	}))
	g.SetInputs("input")
	g.SetOutputs("messages")

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	events, err := exec.Execute(context.Background(), 1, nil,
		WithStreamModes(StreamModeCustom, StreamModeMessages))
	require.NoError(t, err)

	var sawCustom, sawMessage bool
	var finalValues map[string]any
	for evt := range events {
		switch evt.Object {
		case ObjectTypeGraphCustom:
			sawCustom = true
		case ObjectTypeGraphMessage:
			sawMessage = true
			data := evt.Data.(map[string]any)
			assert.Equal(t, "hello", data["message"])
			assert.Equal(t, "talker", data["node"])
		case ObjectTypeGraphEnd:
			finalValues, _ = evt.Data.(map[string]any)
		}
	}
	assert.True(t, sawCustom)
	assert.True(t, sawMessage)
	// The pushed message folded into its state key at commit.
	require.NotNil(t, finalValues)
	assert.Equal(t, []any{"hello"}, finalValues["messages"])
}

func TestSubgraphEventsWrappedWithNamespace(t *testing.T) {
	child := New()
	require.NoError(t, child.AddChannel(&ChannelSpec{Name: "input", Type: ChannelTypeLastValue}))
	require.NoError(t, child.AddChannel(&ChannelSpec{Name: "output", Type: ChannelTypeLastValue}))
	require.NoError(t, child.AddNode(&Node{
		Name:     "inner",
		Triggers: []string{"input"},
		Func: func(ctx context.Context, input any) (any, error) {
			return State{"output": input.(int) * 10}, nil
		},
	}))
	child.SetInputs("input")
	child.SetOutputs("output")

	childExec, err := NewExecutor(child)
	require.NoError(t, err)
	defer childExec.Close()

	childEvents, err := childExec.Execute(context.Background(), 4, nil,
		WithSubgraphs(true),
		withNamespacePath([]string{"parent", "inner"}))
	require.NoError(t, err)

	count := 0
	for evt := range childEvents {
		count++
		assert.Equal(t, []string{"parent", "inner"}, evt.Namespace)
	}
	assert.Greater(t, count, 0)
}
