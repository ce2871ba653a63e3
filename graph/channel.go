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
	"fmt"
	"sync"

	"trpc.group/trpc-go/trpc-graph-go/log"
)

// ChannelType represents the behavior of a channel.
type ChannelType int

const (
	// ChannelTypeLastValue stores the last value written. At most one write
	// per step is allowed.
	ChannelTypeLastValue ChannelType = iota
	// ChannelTypeTopic accumulates values in write order, optionally
	// deduplicating repeats.
	ChannelTypeTopic
	// ChannelTypeBinaryOperatorAggregate folds writes into an accumulator
	// with a reducer.
	ChannelTypeBinaryOperatorAggregate
	// ChannelTypeEphemeral stores a value for a single step and clears it
	// at the next step boundary.
	ChannelTypeEphemeral
	// ChannelTypeNamedBarrier becomes readable only once a named set of
	// writers have all written.
	ChannelTypeNamedBarrier
	// ChannelTypeAnyValue stores the last value written with no write-count
	// restriction.
	ChannelTypeAnyValue
)

// String returns the string representation of the channel type.
func (t ChannelType) String() string {
	switch t {
	case ChannelTypeLastValue:
		return "last_value"
	case ChannelTypeTopic:
		return "topic"
	case ChannelTypeBinaryOperatorAggregate:
		return "binary_operator_aggregate"
	case ChannelTypeEphemeral:
		return "ephemeral"
	case ChannelTypeNamedBarrier:
		return "named_barrier"
	case ChannelTypeAnyValue:
		return "any_value"
	default:
		return "unknown"
	}
}

// Reducer folds a new value into an accumulator for
// BinaryOperatorAggregate channels.
type Reducer func(acc, value any) any

// ChannelSpec declares a channel of the compiled graph.
type ChannelSpec struct {
	// Name is the channel name.
	Name string
	// Type is the channel behavior.
	Type ChannelType
	// Reducer is required for BinaryOperatorAggregate channels.
	Reducer Reducer
	// Default produces the initial accumulator for
	// BinaryOperatorAggregate channels. Optional.
	Default func() any
	// Dedup enables value deduplication for Topic channels.
	Dedup bool
	// Barrier names the writers a NamedBarrier waits for.
	Barrier []string
}

// Channel is a named, versioned state cell. Versions are owned by the
// checkpoint; the channel only tracks its value and availability.
type Channel struct {
	mu sync.RWMutex

	Name string
	Type ChannelType

	value     any
	values    []any
	seen      map[string]struct{}
	reducer   Reducer
	defaultFn func() any
	dedup     bool
	expected  []string
	arrived   map[string]bool
	available bool
}

// newChannel constructs a channel from its spec with no value.
func newChannel(spec *ChannelSpec) *Channel {
	c := &Channel{
		Name:      spec.Name,
		Type:      spec.Type,
		reducer:   spec.Reducer,
		defaultFn: spec.Default,
		dedup:     spec.Dedup,
	}
	if spec.Type == ChannelTypeTopic {
		c.values = make([]any, 0)
		if spec.Dedup {
			c.seen = make(map[string]struct{})
		}
	}
	if spec.Type == ChannelTypeNamedBarrier {
		c.expected = append([]string(nil), spec.Barrier...)
		c.arrived = make(map[string]bool)
	}
	return c
}

// Update applies one superstep's writes to the channel atomically and
// reports whether the channel mutated. An empty write set marks a step
// boundary: most channels ignore it, Ephemeral clears its value.
func (c *Channel) Update(values []any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.Type {
	case ChannelTypeLastValue:
		if len(values) == 0 {
			return false, nil
		}
		if len(values) > 1 {
			return false, NewInvalidUpdateError(
				CodeInvalidConcurrentGraphUpdate,
				"channel %q received %d writes in one step, expected at most 1",
				c.Name, len(values),
			)
		}
		c.value = values[0]
		c.available = true
		return true, nil
	case ChannelTypeTopic:
		if len(values) == 0 {
			return false, nil
		}
		changed := false
		for _, v := range values {
			if c.dedup {
				key := fmt.Sprintf("%v", v)
				if _, dup := c.seen[key]; dup {
					continue
				}
				c.seen[key] = struct{}{}
			}
			c.values = append(c.values, v)
			changed = true
		}
		if changed {
			c.available = true
		}
		return changed, nil
	case ChannelTypeBinaryOperatorAggregate:
		if len(values) == 0 {
			return false, nil
		}
		if !c.available {
			if c.defaultFn != nil {
				c.value = c.defaultFn()
			} else {
				c.value = values[0]
				values = values[1:]
			}
			c.available = true
		}
		for _, v := range values {
			c.value = c.reducer(c.value, v)
		}
		return true, nil
	case ChannelTypeEphemeral:
		if len(values) == 0 {
			if !c.available {
				return false, nil
			}
			c.value = nil
			c.available = false
			return true, nil
		}
		if len(values) > 1 {
			return false, NewInvalidUpdateError(
				CodeInvalidConcurrentGraphUpdate,
				"ephemeral channel %q received %d writes in one step, expected at most 1",
				c.Name, len(values),
			)
		}
		c.value = values[0]
		c.available = true
		return true, nil
	case ChannelTypeNamedBarrier:
		if len(values) == 0 {
			return false, nil
		}
		changed := false
		for _, v := range values {
			name, ok := v.(string)
			if !ok {
				return false, NewInvalidUpdateError(
					CodeInvalidConcurrentGraphUpdate,
					"barrier channel %q expects writer names, got %T", c.Name, v,
				)
			}
			if !c.expects(name) {
				return false, NewInvalidUpdateError(
					CodeInvalidConcurrentGraphUpdate,
					"barrier channel %q does not expect writer %q", c.Name, name,
				)
			}
			if !c.arrived[name] {
				c.arrived[name] = true
				changed = true
			}
		}
		if len(c.arrived) == len(c.expected) {
			c.available = true
		}
		return changed, nil
	case ChannelTypeAnyValue:
		if len(values) == 0 {
			return false, nil
		}
		c.value = values[len(values)-1]
		c.available = true
		return true, nil
	}
	return false, nil
}

func (c *Channel) expects(name string) bool {
	for _, e := range c.expected {
		if e == name {
			return true
		}
	}
	return false
}

// Get returns the current value, or an EmptyChannelError when the channel
// holds none.
func (c *Channel) Get() (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.available {
		return nil, &EmptyChannelError{Channel: c.Name}
	}
	switch c.Type {
	case ChannelTypeTopic:
		out := make([]any, len(c.values))
		copy(out, c.values)
		return out, nil
	case ChannelTypeNamedBarrier:
		// A completed barrier reads as nil; the signal is readability.
		return nil, nil
	default:
		return c.value, nil
	}
}

// IsAvailable reports whether the channel holds a readable value.
func (c *Channel) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// Consume signals that the channel's current value was consumed by a step
// and lets the channel transition. It reports whether the channel mutated.
func (c *Channel) Consume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.Type {
	case ChannelTypeEphemeral:
		if !c.available {
			return false
		}
		c.value = nil
		c.available = false
		return true
	case ChannelTypeTopic:
		if !c.dedup || len(c.values) == 0 {
			return false
		}
		// Deduplicating topics reset between consumptions so repeats in a
		// later step are delivered again.
		c.seen = make(map[string]struct{})
		return false
	case ChannelTypeNamedBarrier:
		if !c.available {
			return false
		}
		c.arrived = make(map[string]bool)
		c.available = false
		return true
	default:
		return false
	}
}

// Checkpoint returns the serializable payload of the channel, or nil with
// ok=false when the channel is empty.
func (c *Channel) Checkpoint() (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.Type {
	case ChannelTypeTopic:
		if len(c.values) == 0 && !c.available {
			return nil, false
		}
		out := make([]any, len(c.values))
		copy(out, c.values)
		return out, true
	case ChannelTypeNamedBarrier:
		if len(c.arrived) == 0 {
			return nil, false
		}
		names := make([]any, 0, len(c.arrived))
		for _, e := range c.expected {
			if c.arrived[e] {
				names = append(names, e)
			}
		}
		return names, true
	default:
		if !c.available {
			return nil, false
		}
		return c.value, true
	}
}

// restore loads a checkpointed payload back into the channel.
func (c *Channel) restore(value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.Type {
	case ChannelTypeTopic:
		c.values = c.values[:0]
		if vs, ok := value.([]any); ok {
			c.values = append(c.values, vs...)
		} else if value != nil {
			c.values = append(c.values, value)
		}
		if c.dedup {
			c.seen = make(map[string]struct{})
			for _, v := range c.values {
				c.seen[fmt.Sprintf("%v", v)] = struct{}{}
			}
		}
		c.available = len(c.values) > 0
	case ChannelTypeNamedBarrier:
		c.arrived = make(map[string]bool)
		if vs, ok := value.([]any); ok {
			for _, v := range vs {
				if name, ok := v.(string); ok {
					c.arrived[name] = true
				}
			}
		}
		c.available = len(c.arrived) == len(c.expected) && len(c.expected) > 0
	default:
		c.value = value
		c.available = true
	}
}

// channelRegistry holds all channels of a run, in declaration order. It is
// mutated only by the writes applier under the orchestrator.
type channelRegistry struct {
	channels map[string]*Channel
	order    []string
}

// newChannelRegistry constructs the registry from the graph's channel specs.
func newChannelRegistry(specs []*ChannelSpec) *channelRegistry {
	r := &channelRegistry{channels: make(map[string]*Channel, len(specs))}
	for _, spec := range specs {
		r.channels[spec.Name] = newChannel(spec)
		r.order = append(r.order, spec.Name)
	}
	return r
}

// fromCheckpoint restores channel values from a checkpoint snapshot.
func (r *channelRegistry) fromCheckpoint(values map[string]any) {
	for name, value := range values {
		ch, ok := r.channels[name]
		if !ok {
			log.Warnf("checkpoint references unknown channel %q, skipping", name)
			continue
		}
		ch.restore(value)
	}
}

// get returns the channel with the given name.
func (r *channelRegistry) get(name string) (*Channel, bool) {
	ch, ok := r.channels[name]
	return ch, ok
}

// names returns all channel names in declaration order.
func (r *channelRegistry) names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// checkpointValues snapshots every non-empty channel into a serializable map.
func (r *channelRegistry) checkpointValues() map[string]any {
	out := make(map[string]any, len(r.order))
	for _, name := range r.order {
		if payload, ok := r.channels[name].Checkpoint(); ok {
			out[name] = payload
		}
	}
	return out
}
