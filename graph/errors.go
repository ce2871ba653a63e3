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
	"fmt"
)

// Errors.
var (
	ErrThreadIDRequired                = errors.New("thread_id is required")
	ErrThreadIDAndCheckpointIDRequired = errors.New("thread_id and checkpoint_id are required")
	ErrCheckpointNotFound              = errors.New("checkpoint not found")
	ErrSaverRequired                   = errors.New("checkpoint saver is required")
)

// ErrEmptyChannel signals that a channel holds no value. The planner uses it
// to skip a node for the step; it is never surfaced to callers.
var ErrEmptyChannel = errors.New("channel is empty")

// EmptyChannelError wraps ErrEmptyChannel with the channel name.
type EmptyChannelError struct {
	Channel string
}

// Error implements the error interface.
func (e *EmptyChannelError) Error() string {
	return fmt.Sprintf("channel %q is empty", e.Channel)
}

// Unwrap makes the error match ErrEmptyChannel via errors.Is.
func (e *EmptyChannelError) Unwrap() error {
	return ErrEmptyChannel
}

// InvalidUpdate subcodes. They are stable identifiers surfaced to callers.
const (
	CodeInvalidConcurrentGraphUpdate = "INVALID_CONCURRENT_GRAPH_UPDATE"
	CodeInvalidGraphNodeReturnValue  = "INVALID_GRAPH_NODE_RETURN_VALUE"
)

// InvalidUpdateError reports a malformed write: two writes to a LastValue
// channel in one step, a bad node return type, or an unknown Send target.
// It fails the step and surfaces to the caller.
type InvalidUpdateError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *InvalidUpdateError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("invalid update: %s", e.Message)
	}
	return fmt.Sprintf("invalid update (%s): %s", e.Code, e.Message)
}

// NewInvalidUpdateError creates an InvalidUpdateError with the given subcode.
func NewInvalidUpdateError(code, format string, args ...any) *InvalidUpdateError {
	return &InvalidUpdateError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsInvalidUpdate reports whether err is an InvalidUpdateError.
func IsInvalidUpdate(err error) bool {
	var e *InvalidUpdateError
	return errors.As(err, &e)
}

// GraphRecursionError reports that a run would begin a step beyond the
// configured recursion limit. It fails the run.
type GraphRecursionError struct {
	Limit int
}

// Error implements the error interface.
func (e *GraphRecursionError) Error() string {
	return fmt.Sprintf("graph recursion limit of %d reached without hitting a stop condition", e.Limit)
}

// IsGraphRecursionError reports whether err is a GraphRecursionError.
func IsGraphRecursionError(err error) bool {
	var e *GraphRecursionError
	return errors.As(err, &e)
}

// Event error types surfaced on the stream's terminal error event.
const (
	ErrorTypeGraphExecution = "graph_execution_error"
	ErrorTypeInvalidUpdate  = "invalid_update_error"
	ErrorTypeRecursionLimit = "graph_recursion_error"
	ErrorTypeTaskFailure    = "task_failure"
)
