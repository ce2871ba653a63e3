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
	"fmt"

	"trpc.group/trpc-go/trpc-graph-go/log"
)

// ChannelWrite is one (channel, value) pair staged by a node.
type ChannelWrite struct {
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// nodeContextKey is the context key under which the NodeContext travels.
type nodeContextKey struct{}

// WithNodeContext returns a context carrying the given NodeContext.
func WithNodeContext(ctx context.Context, nc *NodeContext) context.Context {
	return context.WithValue(ctx, nodeContextKey{}, nc)
}

// FromContext extracts the NodeContext injected by the executor. Node
// bodies call this instead of threading the runtime surface explicitly.
func FromContext(ctx context.Context) (*NodeContext, bool) {
	nc, ok := ctx.Value(nodeContextKey{}).(*NodeContext)
	return nc, ok
}

// NodeContext is the runtime surface exposed to node code for the duration
// of one task. It is injected into the task's context by the executor.
type NodeContext struct {
	task       *Task
	nodeName   string
	namespace  string
	step       int
	isLastStep bool

	graph    *Graph
	registry *channelRegistry
	emitter  *emitter

	// takeResume pops the next resume value for this task, if any.
	takeResume func() (any, bool)
}

// TaskID returns the deterministic id of the running task.
func (nc *NodeContext) TaskID() string {
	return nc.task.ID
}

// NodeName returns the name of the running node.
func (nc *NodeContext) NodeName() string {
	return nc.nodeName
}

// Step returns the current superstep number.
func (nc *NodeContext) Step() int {
	return nc.step
}

// IsLastStep reports whether this is the final step permitted by the
// recursion limit.
func (nc *NodeContext) IsLastStep() bool {
	return nc.isLastStep
}

// Read returns the value of a channel. With fresh=false the read observes
// the snapshot committed at the end of the previous superstep. With
// fresh=true the read observes a hypothetical state that already includes
// this task's own staged writes; other tasks' writes are never visible
// either way.
func (nc *NodeContext) Read(channel string, fresh bool) (any, error) {
	ch, ok := nc.registry.get(channel)
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", channel)
	}
	if !fresh {
		return ch.Get()
	}
	// Overlay this task's staged writes on the committed value.
	staged := make([]any, 0, 2)
	for _, w := range nc.task.writes {
		if w.Channel == channel {
			staged = append(staged, w.Value)
		}
	}
	if len(staged) == 0 {
		return ch.Get()
	}
	return overlayValue(ch, staged)
}

// Send stages writes for the current task. Writes become visible to other
// nodes only after the step commits; validation happens immediately.
func (nc *NodeContext) Send(writes ...ChannelWrite) error {
	for _, w := range writes {
		if w.Channel == TasksChannel {
			if _, ok := w.Value.(Send); !ok {
				if _, ok := w.Value.(*Send); !ok {
					return NewInvalidUpdateError(
						CodeInvalidConcurrentGraphUpdate,
						"task channel expects Send values, got %T", w.Value,
					)
				}
			}
			if send, ok := asSend(w.Value); ok {
				if _, exists := nc.graph.Node(send.Node); !exists {
					return NewInvalidUpdateError(
						CodeInvalidConcurrentGraphUpdate,
						"send targets unknown node %q", send.Node,
					)
				}
			}
			nc.task.stageWrite(w.Channel, w.Value)
			continue
		}
		if _, ok := nc.registry.get(w.Channel); !ok && !isReservedChannel(w.Channel) {
			log.Warnf("write to unknown channel %q from node %q, skipping", w.Channel, nc.nodeName)
			continue
		}
		nc.task.stageWrite(w.Channel, w.Value)
	}
	return nil
}

// SendTo stages a Send directive scheduling a named node next superstep.
func (nc *NodeContext) SendTo(node string, args any) error {
	return nc.Send(ChannelWrite{Channel: TasksChannel, Value: Send{Node: node, Args: args}})
}

// Interrupt suspends the run with the given payload. On the first
// invocation it returns a GraphInterrupt error that the node must propagate;
// on re-invocation after a resume command it returns the resume value.
func (nc *NodeContext) Interrupt(value any) (any, error) {
	if nc.takeResume != nil {
		if resume, ok := nc.takeResume(); ok {
			return resume, nil
		}
	}
	gi := NewInterrupt(value)
	gi.NodeName = nc.nodeName
	gi.TaskID = nc.task.ID
	gi.Namespace = nc.namespace
	gi.Step = nc.step
	return nil, gi
}

// PushMessage appends a message to the stream without emitting a normal
// channel write. With WithStateKey the message is additionally folded into
// the named channel when the step commits, excluded from updates deltas.
func (nc *NodeContext) PushMessage(message any, opts ...PushMessageOption) error {
	var options pushMessageOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.stateKey != "" {
		if _, ok := nc.registry.get(options.stateKey); !ok {
			log.Warnf("push message state key %q is not a channel, skipping fold", options.stateKey)
		} else {
			nc.task.messages = append(nc.task.messages, PendingWrite{
				TaskID:  nc.task.ID,
				Channel: options.stateKey,
				Value:   message,
			})
		}
	}
	nc.emitter.emitMessage(nc.nodeName, nc.task.ID, message)
	return nil
}

// Writer emits a custom stream event from the node.
func (nc *NodeContext) Writer(payload any) {
	nc.emitter.emitCustom(nc.nodeName, nc.task.ID, payload)
}

// PushMessageOption configures PushMessage.
type PushMessageOption func(*pushMessageOptions)

type pushMessageOptions struct {
	stateKey string
}

// WithStateKey folds the pushed message into the named channel at commit.
func WithStateKey(key string) PushMessageOption {
	return func(o *pushMessageOptions) {
		o.stateKey = key
	}
}

// overlayValue computes what a channel would hold after integrating the
// staged writes, without mutating the channel.
func overlayValue(ch *Channel, staged []any) (any, error) {
	switch ch.Type {
	case ChannelTypeTopic:
		base, err := ch.Get()
		if err != nil {
			return append([]any(nil), staged...), nil
		}
		values, _ := base.([]any)
		return append(append([]any(nil), values...), staged...), nil
	case ChannelTypeBinaryOperatorAggregate:
		acc, err := ch.Get()
		if err != nil {
			if len(staged) == 1 {
				return staged[0], nil
			}
			acc = staged[0]
			staged = staged[1:]
		}
		for _, v := range staged {
			acc = ch.reducer(acc, v)
		}
		return acc, nil
	default:
		return staged[len(staged)-1], nil
	}
}

// asSend normalizes Send and *Send values.
func asSend(v any) (Send, bool) {
	switch s := v.(type) {
	case Send:
		return s, true
	case *Send:
		return *s, true
	default:
		return Send{}, false
	}
}
