//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-graph-go/event"
	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

// ErrThreadBusy is returned for the reject multitask strategy when the
// thread has an in-flight run.
var ErrThreadBusy = errors.New("thread has an in-flight run")

// RunRequest is the payload accepted by the run-creation endpoints.
type RunRequest struct {
	// Input is the graph input. Ignored when Command is set.
	Input any `json:"input,omitempty"`
	// Command resumes or steers a checkpointed thread.
	Command *CommandPayload `json:"command,omitempty"`
	// StreamModes selects forwarded event categories.
	StreamModes []string `json:"stream_mode,omitempty"`
	// Subgraphs forwards nested-graph events wrapped with their namespace.
	Subgraphs bool `json:"subgraphs,omitempty"`
	// Config carries configurable keys merged into the run config.
	Config map[string]any `json:"config,omitempty"`
	// Metadata is stored on the run record.
	Metadata map[string]any `json:"metadata,omitempty"`
	// MultitaskStrategy handles a busy thread: reject, interrupt, rollback
	// or enqueue (default).
	MultitaskStrategy MultitaskStrategy `json:"multitask_strategy,omitempty"`
	// Resumable persists stream events for Last-Event-Id reconnects.
	Resumable bool `json:"resumable,omitempty"`
}

// CommandPayload is the wire form of graph.Command.
type CommandPayload struct {
	Update    map[string]any `json:"update,omitempty"`
	Goto      []graph.Send   `json:"goto,omitempty"`
	Resume    any            `json:"resume,omitempty"`
	ResumeMap map[string]any `json:"resume_map,omitempty"`
}

// toCommand converts the payload to the engine command.
func (p *CommandPayload) toCommand() *graph.Command {
	return &graph.Command{
		Update:    graph.State(p.Update),
		Goto:      p.Goto,
		Resume:    p.Resume,
		ResumeMap: p.ResumeMap,
	}
}

// runManager owns run creation and the per-thread execution queues. A
// thread's runs execute one at a time; cross-thread runs are parallel.
type runManager struct {
	executor *graph.Executor
	saver    graph.Saver
	store    *store

	mu     sync.Mutex
	queues map[string]chan *queuedRun
}

// queuedRun couples a run entry with its prepared input.
type queuedRun struct {
	entry *runEntry
	input any
	req   *RunRequest
}

func newRunManager(executor *graph.Executor, saver graph.Saver, st *store) *runManager {
	return &runManager{
		executor: executor,
		saver:    saver,
		store:    st,
		queues:   make(map[string]chan *queuedRun),
	}
}

// createRun validates the multitask strategy, registers the run and queues
// it for execution on its thread.
func (m *runManager) createRun(threadID string, req *RunRequest) (*Run, error) {
	strategy := req.MultitaskStrategy
	if strategy == "" {
		strategy = MultitaskEnqueue
	}
	active := m.store.activeRuns(threadID)
	if len(active) > 0 {
		switch strategy {
		case MultitaskReject:
			return nil, ErrThreadBusy
		case MultitaskInterrupt:
			for _, entry := range active {
				m.cancelEntry(entry, CancelActionInterrupt)
			}
		case MultitaskRollback:
			for _, entry := range active {
				m.cancelEntry(entry, CancelActionRollback)
			}
		case MultitaskEnqueue:
		default:
			return nil, fmt.Errorf("unknown multitask strategy %q", strategy)
		}
	}

	now := time.Now().UTC()
	run := &Run{
		ID:                uuid.NewString(),
		ThreadID:          threadID,
		Status:            RunStatusPending,
		Kwargs:            map[string]any{"input": req.Input},
		Metadata:          req.Metadata,
		MultitaskStrategy: strategy,
		Resumable:         req.Resumable,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	entry := &runEntry{
		run:         run,
		subscribers: make(map[int64]*subscriber),
		done:        make(chan struct{}),
	}
	m.store.putRun(entry)

	input := req.Input
	if req.Command != nil {
		input = req.Command.toCommand()
	}
	// Snapshot the public record before the worker can mutate it.
	public := *run
	m.enqueue(threadID, &queuedRun{entry: entry, input: input, req: req})
	return &public, nil
}

// enqueue hands the run to its thread's worker, starting one lazily.
func (m *runManager) enqueue(threadID string, qr *queuedRun) {
	m.mu.Lock()
	queue, ok := m.queues[threadID]
	if !ok {
		queue = make(chan *queuedRun, 64)
		m.queues[threadID] = queue
		go m.threadWorker(threadID, queue)
	}
	m.mu.Unlock()
	queue <- qr
}

// threadWorker drains one thread's queue; a single run owns the thread at a
// time.
func (m *runManager) threadWorker(threadID string, queue chan *queuedRun) {
	for qr := range queue {
		if qr.entry.status() != RunStatusPending {
			// Canceled while queued.
			continue
		}
		m.executeRun(qr)
	}
}

// executeRun drives one run to completion, translating engine events into
// the run's SSE log.
func (m *runManager) executeRun(qr *queuedRun) {
	entry := qr.entry
	run := entry.run

	ctx, cancel := context.WithCancel(context.Background())
	var rollback atomic.Bool
	entry.mu.Lock()
	entry.cancel = func(action CancelAction) {
		if action == CancelActionRollback {
			rollback.Store(true)
		}
		cancel()
	}
	entry.mu.Unlock()
	defer cancel()

	entry.setStatus(RunStatusRunning)

	config := graph.CreateCheckpointConfig(run.ThreadID, "", "")
	mergeConfigurable(config, qr.req.Config)

	var opts []graph.ExecuteOption
	opts = append(opts, graph.WithInvocationID(run.ID))
	if len(qr.req.StreamModes) > 0 {
		modes := make([]graph.StreamMode, 0, len(qr.req.StreamModes))
		for _, mode := range qr.req.StreamModes {
			modes = append(modes, graph.StreamMode(mode))
		}
		opts = append(opts, graph.WithStreamModes(modes...))
	}
	if qr.req.Subgraphs {
		opts = append(opts, graph.WithSubgraphs(true))
	}

	events, err := m.executor.Execute(ctx, qr.input, config, opts...)
	if err != nil {
		m.finishRun(entry, RunStatusError, nil, err)
		return
	}

	status := RunStatusSuccess
	var finalValues any
	var runErr error
	for evt := range events {
		name, data := encodeSSEEvent(evt)
		entry.appendEvent(name, data)
		switch {
		case evt.IsError():
			status = RunStatusError
			runErr = errors.New(evt.Error.Message)
		case evt.Object == graph.ObjectTypeGraphEnd:
			finalValues = evt.Data
		case evt.Object == graph.ObjectTypeGraphUpdates:
			if isInterruptUpdate(evt) {
				status = RunStatusInterrupted
			}
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil && status == RunStatusError {
		status = RunStatusInterrupted
		if rollback.Load() {
			m.rollbackRun(run)
		}
	}
	m.finishRun(entry, status, finalValues, runErr)
}

// finishRun records the outcome and detaches consumers. Idempotent so a
// cancellation racing completion cannot double-finalize.
func (m *runManager) finishRun(entry *runEntry, status RunStatus, finalValues any, runErr error) {
	entry.finishOnce.Do(func() {
		entry.mu.Lock()
		entry.finalValues = finalValues
		entry.runErr = runErr
		entry.mu.Unlock()
		entry.setStatus(status)
		close(entry.done)
		entry.closeSubscribers()
	})
}

// cancelEntry cancels an in-flight or queued run.
func (m *runManager) cancelEntry(entry *runEntry, action CancelAction) {
	entry.mu.Lock()
	cancel := entry.cancel
	pending := entry.run.Status == RunStatusPending
	entry.mu.Unlock()
	if cancel != nil {
		cancel(action)
		return
	}
	if pending {
		// Never started; finalize directly.
		m.finishRun(entry, RunStatusInterrupted, nil, nil)
		if action == CancelActionRollback {
			m.rollbackRun(entry.run)
		}
	}
}

// rollbackRun discards the thread's checkpoints for a rolled-back run.
func (m *runManager) rollbackRun(run *Run) {
	if m.saver == nil {
		return
	}
	if err := m.saver.DeleteThread(context.Background(), run.ThreadID); err != nil {
		log.Errorf("rollback of run %s failed to delete checkpoints: %v", run.ID, err)
	}
}

// join blocks until the run finishes and returns its final values.
func (m *runManager) join(ctx context.Context, entry *runEntry) (any, error) {
	select {
	case <-entry.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.finalValues, entry.runErr
}

// encodeSSEEvent maps an engine event to its SSE frame name and payload.
// The name joins the stream mode and the namespace path with "|".
func encodeSSEEvent(evt *event.Event) (string, []byte) {
	name := "end"
	if evt.IsError() {
		name = "error"
	} else if mode, ok := graph.StreamModeOf(evt.Object); ok {
		name = string(mode)
	}
	if len(evt.Namespace) > 0 {
		name = name + graph.CheckpointNamespaceSeparator +
			strings.Join(evt.Namespace, graph.CheckpointNamespaceSeparator)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	return name, data
}

// isInterruptUpdate reports whether an updates event carries __interrupt__.
func isInterruptUpdate(evt *event.Event) bool {
	data, ok := evt.Data.(map[string]any)
	if !ok {
		return false
	}
	updates, ok := data["updates"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = updates[graph.InterruptChannel]
	return ok
}

// mergeConfigurable merges the request's configurable keys into the run
// config without clobbering the thread addressing.
func mergeConfigurable(config, extra map[string]any) {
	if extra == nil {
		return
	}
	configurable, _ := config[graph.CfgKeyConfigurable].(map[string]any)
	if extraConfigurable, ok := extra[graph.CfgKeyConfigurable].(map[string]any); ok {
		for k, v := range extraConfigurable {
			if k == graph.CfgKeyThreadID {
				continue
			}
			configurable[k] = v
		}
	}
	for k, v := range extra {
		if k == graph.CfgKeyConfigurable {
			continue
		}
		config[k] = v
	}
}
