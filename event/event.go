//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package event provides the event system used by the graph runtime to
// surface intermediate observations to callers.
package event

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EmitWithoutTimeout disables the emit timeout; emits block until the
// consumer drains the channel or the context is canceled.
const EmitWithoutTimeout = 0 * time.Second

// ErrEventChannelClosed is returned when emitting to a nil channel.
var ErrEventChannelClosed = errors.New("event channel is closed")

// ErrorInfo describes a failure surfaced through the event stream.
type ErrorInfo struct {
	// Type is a stable machine-readable error category.
	Type string `json:"type"`
	// Message is the human-readable error message.
	Message string `json:"message"`
}

// Event represents a single observation emitted during a run.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`
	// InvocationID is the invocation the event belongs to.
	InvocationID string `json:"invocationId"`
	// Author identifies the emitting subsystem or node.
	Author string `json:"author"`
	// Object is the event object type, e.g. "graph.pregel.step".
	Object string `json:"object,omitempty"`
	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`
	// Namespace is the subgraph path of the emitting graph, outermost first.
	// Empty for the top-level graph.
	Namespace []string `json:"namespace,omitempty"`
	// Data carries the event payload. It must be JSON-serializable.
	Data any `json:"data,omitempty"`
	// Done marks the terminal event of a run.
	Done bool `json:"done,omitempty"`
	// Error is set on error events.
	Error *ErrorInfo `json:"error,omitempty"`
}

// Option configures an Event.
type Option func(*Event)

// WithObject sets the event object type.
func WithObject(object string) Option {
	return func(e *Event) {
		e.Object = object
	}
}

// WithData sets the event payload.
func WithData(data any) Option {
	return func(e *Event) {
		e.Data = data
	}
}

// WithNamespace sets the subgraph namespace path.
func WithNamespace(namespace []string) Option {
	return func(e *Event) {
		e.Namespace = namespace
	}
}

// WithDone marks the event as terminal.
func WithDone() Option {
	return func(e *Event) {
		e.Done = true
	}
}

// New creates a new event with a fresh identifier.
func New(invocationID, author string, opts ...Option) *Event {
	e := &Event{
		ID:           uuid.NewString(),
		InvocationID: invocationID,
		Author:       author,
		Timestamp:    time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewErrorEvent creates a terminal error event.
func NewErrorEvent(invocationID, author, errType, message string) *Event {
	e := New(invocationID, author, WithDone())
	e.Error = &ErrorInfo{Type: errType, Message: message}
	return e
}

// Clone creates a deep-enough copy of the event with a fresh identifier.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	clone.ID = uuid.NewString()
	if e.Namespace != nil {
		clone.Namespace = make([]string, len(e.Namespace))
		copy(clone.Namespace, e.Namespace)
	}
	if e.Error != nil {
		errCopy := *e.Error
		clone.Error = &errCopy
	}
	return &clone
}

// IsError reports whether the event carries an error.
func (e *Event) IsError() bool {
	return e != nil && e.Error != nil
}

// Emit sends the event to ch, blocking until the consumer accepts it or the
// context is canceled. Back-pressure is intentional: correctness of the run
// does not depend on dropping events.
func Emit(ctx context.Context, ch chan<- *Event, e *Event) error {
	return EmitWithTimeout(ctx, ch, e, EmitWithoutTimeout)
}

// EmitWithTimeout sends the event to ch, giving up after timeout when
// timeout is positive.
func EmitWithTimeout(ctx context.Context, ch chan<- *Event, e *Event, timeout time.Duration) error {
	if ch == nil {
		return ErrEventChannelClosed
	}
	if e == nil {
		return nil
	}
	// Fast path: buffered capacity means delivery must not race a canceled
	// context — terminal events are emitted after cancellation.
	select {
	case ch <- e:
		return nil
	default:
	}
	if timeout <= 0 {
		select {
		case ch <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return context.DeadlineExceeded
	}
}
