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
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fanOutInterruptGraph maps the input through send-dispatched mapper tasks,
// then a gate node interrupts before producing the output.
func fanOutInterruptGraph(t *testing.T, mapperRuns *atomic.Int32) *Graph {
	t.Helper()
	g := New()
	require.NoError(t, g.AddChannel(&ChannelSpec{Name: "input", Type: ChannelTypeLastValue}))
	require.NoError(t, g.AddChannel(&ChannelSpec{Name: "mapper_in", Type: ChannelTypeLastValue}))
	require.NoError(t, g.AddChannel(&ChannelSpec{Name: "mapped", Type: ChannelTypeTopic}))
	require.NoError(t, g.AddChannel(&ChannelSpec{Name: "output", Type: ChannelTypeLastValue}))

	require.NoError(t, g.AddNode(&Node{
		Name:     "fan",
		Triggers: []string{"input"},
		Func: func(ctx context.Context, input any) (any, error) {
			var sends []Send
			for _, v := range input.([]int) {
				sends = append(sends, Send{Node: "mapper", Args: v})
			}
			return &Command{Goto: sends}, nil
		},
	}))
	require.NoError(t, g.AddNode(&Node{
		Name:     "mapper",
		Triggers: []string{"mapper_in"},
		Func: func(ctx context.Context, input any) (any, error) {
			mapperRuns.Add(1)
			v := input.(int)
			return State{"mapped": fmt.Sprintf("%d%d", v, v)}, nil
		},
	}))
	require.NoError(t, g.AddNode(&Node{
		Name:     "gate",
		Triggers: []string{"mapped"},
		Channels: []string{"mapped"},
		Func: func(ctx context.Context, input any) (any, error) {
			nc, ok := FromContext(ctx)
			require.True(t, ok)
			resume, err := nc.Interrupt("question")
			if err != nil {
				return nil, err
			}
			var out []string
			for _, v := range input.([]any) {
				out = append(out, v.(string)+resume.(string))
			}
			return State{"output": out}, nil
		},
	}))
	g.SetInputs("input")
	g.SetOutputs("output")
	return g
}

func TestDynamicInterruptAndResume(t *testing.T) {
	var mapperRuns atomic.Int32
	saver := newTestSaver()
	exec, err := NewExecutor(fanOutInterruptGraph(t, &mapperRuns), WithSaver(saver))
	require.NoError(t, err)
	defer exec.Close()

	config := CreateCheckpointConfig("thread-e4", "", "")
	_, err = exec.Invoke(context.Background(), []int{0, 1}, config)
	require.Error(t, err)

	var gi *GraphInterrupt
	require.True(t, errors.As(err, &gi))
	assert.Equal(t, "question", gi.Value)
	assert.True(t, gi.Resumable)
	assert.Equal(t, InterruptWhenDuring, gi.When)
	assert.Equal(t, int32(2), mapperRuns.Load())

	// Resuming re-runs only the interrupted task; Interrupt() now returns
	// the supplied value.
	out, err := exec.Invoke(context.Background(),
		NewCommand().WithResume("answer"),
		CreateCheckpointConfig("thread-e4", "", ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"00answer", "11answer"}, out)
	assert.Equal(t, int32(2), mapperRuns.Load())
}

func TestInterruptResumeValueConsumedOnce(t *testing.T) {
	var interrupts atomic.Int32
	saver := newTestSaver()
	g := New()
	require.NoError(t, g.AddChannel(&ChannelSpec{Name: "input", Type: ChannelTypeLastValue}))
	require.NoError(t, g.AddChannel(&ChannelSpec{Name: "output", Type: ChannelTypeLastValue}))
	require.NoError(t, g.AddNode(&Node{
		Name:     "ask",
		Triggers: []string{"input"},
		Func: func(ctx context.Context, input any) (any, error) {
			nc, _ := FromContext(ctx)
			first, err := nc.Interrupt("first")
			if err != nil {
				interrupts.Add(1)
				return nil, err
			}
			// A second Interrupt in the same task raises again once the
			// buffered resume value is spent.
			second, err := nc.Interrupt("second")
			if err != nil {
				interrupts.Add(1)
				return nil, err
			}
			return State{"output": fmt.Sprintf("%v+%v", first, second)}, nil
		},
	}))
	g.SetInputs("input")
	g.SetOutputs("output")

	exec, err := NewExecutor(g, WithSaver(saver))
	require.NoError(t, err)
	defer exec.Close()

	config := func() map[string]any { return CreateCheckpointConfig("thread-once", "", "") }

	_, err = exec.Invoke(context.Background(), 1, config())
	require.Error(t, err)

	_, err = exec.Invoke(context.Background(), NewCommand().WithResume("a"), config())
	require.Error(t, err)

	out, err := exec.Invoke(context.Background(), NewCommand().WithResume("b"), config())
	require.NoError(t, err)
	assert.Equal(t, "a+b", out)
	assert.Equal(t, int32(2), interrupts.Load())
}

func TestReplaySkipsCompletedTasksAfterFailure(t *testing.T) {
	var okRuns, flakyRuns atomic.Int32
	saver := newTestSaver()

	g := New()
	require.NoError(t, g.AddChannel(&ChannelSpec{Name: "input", Type: ChannelTypeLastValue}))
	require.NoError(t, g.AddChannel(&ChannelSpec{Name: "ok_in", Type: ChannelTypeLastValue}))
	require.NoError(t, g.AddChannel(&ChannelSpec{Name: "flaky_in", Type: ChannelTypeLastValue}))
	require.NoError(t, g.AddChannel(&ChannelSpec{Name: "results", Type: ChannelTypeTopic}))

	require.NoError(t, g.AddNode(&Node{
		Name:     "fan",
		Triggers: []string{"input"},
		Func: func(ctx context.Context, input any) (any, error) {
			return &Command{Goto: []Send{
				{Node: "ok", Args: "ok"},
				{Node: "flaky", Args: "flaky"},
			}}, nil
		},
	}))
	require.NoError(t, g.AddNode(&Node{
		Name:     "ok",
		Triggers: []string{"ok_in"},
		Func: func(ctx context.Context, input any) (any, error) {
			okRuns.Add(1)
			return State{"results": input}, nil
		},
	}))
	require.NoError(t, g.AddNode(&Node{
		Name:     "flaky",
		Triggers: []string{"flaky_in"},
		Func: func(ctx context.Context, input any) (any, error) {
			if flakyRuns.Add(1) == 1 {
				return nil, errors.New("transient failure")
			}
			return State{"results": input}, nil
		},
	}))
	g.SetInputs("input")
	g.SetOutputs("results")

	exec, err := NewExecutor(g, WithSaver(saver))
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), 1, CreateCheckpointConfig("thread-e5", "", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transient failure")

	// The completed task's writes were persisted; resuming re-executes
	// only the flaky task.
	out, err := exec.Invoke(context.Background(), nil, CreateCheckpointConfig("thread-e5", "", ""))
	require.NoError(t, err)
	assert.Equal(t, []any{"ok", "flaky"}, out)
	assert.Equal(t, int32(1), okRuns.Load())
	assert.Equal(t, int32(2), flakyRuns.Load())
}

func TestStaticInterruptBefore(t *testing.T) {
	saver := newTestSaver()
	g := addChainGraph(t)
	g.SetInterruptBefore("two")

	exec, err := NewExecutor(g, WithSaver(saver))
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), 2, CreateCheckpointConfig("thread-e6", "", ""))
	require.Error(t, err)

	var gi *GraphInterrupt
	require.True(t, errors.As(err, &gi))
	assert.Equal(t, InterruptWhenBefore, gi.When)
	assert.False(t, gi.Resumable)

	// Re-invoking with nil input continues past the interrupt point.
	out, err := exec.Invoke(context.Background(), nil, CreateCheckpointConfig("thread-e6", "", ""))
	require.NoError(t, err)
	assert.Equal(t, 4, out)
}

func TestStaticInterruptAfter(t *testing.T) {
	saver := newTestSaver()
	g := addChainGraph(t)
	g.SetInterruptAfter("one")

	exec, err := NewExecutor(g, WithSaver(saver))
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), 2, CreateCheckpointConfig("thread-after", "", ""))
	require.Error(t, err)

	var gi *GraphInterrupt
	require.True(t, errors.As(err, &gi))
	assert.Equal(t, InterruptWhenAfter, gi.When)

	out, err := exec.Invoke(context.Background(), nil, CreateCheckpointConfig("thread-after", "", ""))
	require.NoError(t, err)
	assert.Equal(t, 4, out)
}

func TestInterruptUpdateStreamShape(t *testing.T) {
	update := interruptUpdate(&GraphInterrupt{
		Value:     "question",
		Resumable: true,
		Namespace: "child",
		When:      InterruptWhenDuring,
	})
	payloads, ok := update[InterruptChannel].([]InterruptPayload)
	require.True(t, ok)
	require.Len(t, payloads, 1)
	assert.Equal(t, "question", payloads[0].Value)
	assert.True(t, payloads[0].Resumable)
	assert.Equal(t, "child", payloads[0].NS)
	assert.Equal(t, InterruptWhenDuring, payloads[0].When)
}
