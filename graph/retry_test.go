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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyNextDelay(t *testing.T) {
	policy := RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     time.Second,
	}

	assert.Equal(t, 100*time.Millisecond, policy.NextDelay(1))
	assert.Equal(t, 200*time.Millisecond, policy.NextDelay(2))
	assert.Equal(t, 400*time.Millisecond, policy.NextDelay(3))
	// Clamped at MaxInterval.
	assert.Equal(t, time.Second, policy.NextDelay(10))
	// Attempt below 1 normalizes to the initial delay.
	assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	target := errors.New("flaky")
	policy := RetryPolicy{
		MaxAttempts: 3,
		RetryOn:     []RetryCondition{RetryOnErrors(target)},
	}

	assert.True(t, policy.ShouldRetry(target))
	assert.False(t, policy.ShouldRetry(errors.New("other")))
	assert.False(t, policy.ShouldRetry(nil))
	// Control-flow signals never retry.
	assert.False(t, policy.ShouldRetry(NewInterrupt("v")))
	assert.False(t, policy.ShouldRetry(&GraphRecursionError{Limit: 25}))
}

func TestDefaultTransientCondition(t *testing.T) {
	cond := DefaultTransientCondition()
	assert.True(t, cond.Match(context.DeadlineExceeded))
	assert.False(t, cond.Match(errors.New("business error")))
	assert.False(t, cond.Match(nil))
}

func TestExecutorRetriesWithinStep(t *testing.T) {
	transient := errors.New("transient")
	var attempts atomic.Int32

	g := New()
	require.NoError(t, g.AddChannel(&ChannelSpec{Name: "input", Type: ChannelTypeLastValue}))
	require.NoError(t, g.AddChannel(&ChannelSpec{Name: "output", Type: ChannelTypeLastValue}))
	require.NoError(t, g.AddNode(&Node{
		Name:     "sometimes",
		Triggers: []string{"input"},
		Retry: &RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			BackoffFactor:   1.0,
			RetryOn:         []RetryCondition{RetryOnErrors(transient)},
		},
		Func: func(ctx context.Context, input any) (any, error) {
			nc, _ := FromContext(ctx)
			n := attempts.Add(1)
			// Writes staged by failed attempts must not leak into the step.
			require.NoError(t, nc.Send(ChannelWrite{Channel: "output", Value: int(n)}))
			if n < 3 {
				return nil, transient
			}
			return nil, nil
		},
	}))
	g.SetInputs("input")
	g.SetOutputs("output")

	exec, err := NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	out, err := exec.Invoke(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	// Only the successful attempt's single write reached the channel.
	assert.Equal(t, 3, out)
}

func TestExecutorRetryExhaustionSurfacesError(t *testing.T) {
	transient := errors.New("still broken")
	var attempts atomic.Int32

	g := New()
	require.NoError(t, g.AddChannel(&ChannelSpec{Name: "input", Type: ChannelTypeLastValue}))
	require.NoError(t, g.AddNode(&Node{
		Name:     "broken",
		Triggers: []string{"input"},
		Func: func(ctx context.Context, input any) (any, error) {
			attempts.Add(1)
			return nil, transient
		},
	}))
	g.SetInputs("input")

	exec, err := NewExecutor(g, WithRetryPolicy(&RetryPolicy{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		RetryOn:         []RetryCondition{RetryOnErrors(transient)},
	}))
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still broken")
	assert.Equal(t, int32(2), attempts.Load())
}
