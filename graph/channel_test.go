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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastValueChannel(t *testing.T) {
	ch := newChannel(&ChannelSpec{Name: "out", Type: ChannelTypeLastValue})

	_, err := ch.Get()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyChannel))

	changed, err := ch.Update([]any{42})
	require.NoError(t, err)
	assert.True(t, changed)

	value, err := ch.Get()
	require.NoError(t, err)
	assert.Equal(t, 42, value)

	// Two writes in one step is a concurrent update.
	_, err = ch.Update([]any{1, 2})
	require.Error(t, err)
	var invalid *InvalidUpdateError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, CodeInvalidConcurrentGraphUpdate, invalid.Code)

	// Empty update is a no-op step boundary.
	changed, err = ch.Update(nil)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestTopicChannel(t *testing.T) {
	ch := newChannel(&ChannelSpec{Name: "topic", Type: ChannelTypeTopic})

	changed, err := ch.Update([]any{"a", "b"})
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = ch.Update([]any{"c"})
	require.NoError(t, err)
	assert.True(t, changed)

	value, err := ch.Get()
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, value)
}

func TestTopicChannelDedup(t *testing.T) {
	ch := newChannel(&ChannelSpec{Name: "topic", Type: ChannelTypeTopic, Dedup: true})

	changed, err := ch.Update([]any{"a", "a", "b"})
	require.NoError(t, err)
	assert.True(t, changed)

	value, err := ch.Get()
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, value)
}

func TestBinaryOperatorAggregateChannel(t *testing.T) {
	sum := func(acc, v any) any { return acc.(int) + v.(int) }
	ch := newChannel(&ChannelSpec{
		Name:    "total",
		Type:    ChannelTypeBinaryOperatorAggregate,
		Reducer: sum,
	})

	_, err := ch.Get()
	require.Error(t, err)

	changed, err := ch.Update([]any{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, changed)

	value, err := ch.Get()
	require.NoError(t, err)
	assert.Equal(t, 6, value)

	_, err = ch.Update([]any{4})
	require.NoError(t, err)
	value, err = ch.Get()
	require.NoError(t, err)
	assert.Equal(t, 10, value)
}

func TestEphemeralChannelClearsAtStepBoundary(t *testing.T) {
	ch := newChannel(&ChannelSpec{Name: "tmp", Type: ChannelTypeEphemeral})

	changed, err := ch.Update([]any{"v"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, ch.IsAvailable())

	// An empty update marks the step boundary and clears the value.
	changed, err = ch.Update(nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, ch.IsAvailable())

	_, err = ch.Get()
	require.Error(t, err)
}

func TestNamedBarrierChannel(t *testing.T) {
	ch := newChannel(&ChannelSpec{
		Name:    "barrier",
		Type:    ChannelTypeNamedBarrier,
		Barrier: []string{"a", "b"},
	})

	changed, err := ch.Update([]any{"a"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, ch.IsAvailable())

	_, err = ch.Update([]any{"unexpected"})
	require.Error(t, err)

	changed, err = ch.Update([]any{"b"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, ch.IsAvailable())

	_, err = ch.Get()
	require.NoError(t, err)

	// Consuming resets the barrier for the next round.
	assert.True(t, ch.Consume())
	assert.False(t, ch.IsAvailable())
}

func TestAnyValueChannelAllowsConcurrentWrites(t *testing.T) {
	ch := newChannel(&ChannelSpec{Name: "any", Type: ChannelTypeAnyValue})

	changed, err := ch.Update([]any{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, changed)

	value, err := ch.Get()
	require.NoError(t, err)
	assert.Equal(t, 3, value)
}

func TestChannelCheckpointRoundTrip(t *testing.T) {
	spec := &ChannelSpec{Name: "topic", Type: ChannelTypeTopic}
	ch := newChannel(spec)
	_, err := ch.Update([]any{"x", "y"})
	require.NoError(t, err)

	payload, ok := ch.Checkpoint()
	require.True(t, ok)

	restored := newChannel(spec)
	restored.restore(payload)
	value, err := restored.Get()
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, value)
}

func TestChannelRegistryUnknownChannelSkipped(t *testing.T) {
	registry := newChannelRegistry([]*ChannelSpec{
		{Name: "known", Type: ChannelTypeLastValue},
	})
	// Unknown entries log a warning and are skipped.
	registry.fromCheckpoint(map[string]any{"known": 1, "unknown": 2})

	ch, ok := registry.get("known")
	require.True(t, ok)
	value, err := ch.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, value)

	_, ok = registry.get("unknown")
	assert.False(t, ok)
}
