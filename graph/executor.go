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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"trpc.group/trpc-go/trpc-graph-go/event"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

const (
	// DefaultRecursionLimit is the default number of supersteps a run may
	// execute before failing with GraphRecursionError.
	DefaultRecursionLimit = 25
	// DefaultChannelBufferSize is the default event channel capacity.
	DefaultChannelBufferSize = 256
	// DefaultMaxConcurrency is the default in-step task parallelism.
	DefaultMaxConcurrency = 16
)

var tracer = otel.Tracer("trpc.group/trpc-go/trpc-graph-go/graph")

// Executor runs a compiled graph under a Pregel-style BSP schedule. A single
// run is owned by one orchestrator goroutine; in-step tasks execute
// concurrently on a shared worker pool.
type Executor struct {
	graph             *Graph
	saver             Saver
	pool              *ants.Pool
	recursionLimit    int
	stepTimeout       time.Duration
	channelBufferSize int
	retryPolicy       *RetryPolicy
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*executorOptions)

type executorOptions struct {
	saver             Saver
	recursionLimit    int
	stepTimeout       time.Duration
	channelBufferSize int
	maxConcurrency    int
	retryPolicy       *RetryPolicy
}

// WithSaver sets the checkpoint saver. Without one the run is not
// persisted and cannot be resumed.
func WithSaver(saver Saver) ExecutorOption {
	return func(o *executorOptions) {
		o.saver = saver
	}
}

// WithRecursionLimit caps the number of supersteps per run.
func WithRecursionLimit(limit int) ExecutorOption {
	return func(o *executorOptions) {
		o.recursionLimit = limit
	}
}

// WithStepTimeout bounds the wall time of each superstep.
func WithStepTimeout(timeout time.Duration) ExecutorOption {
	return func(o *executorOptions) {
		o.stepTimeout = timeout
	}
}

// WithChannelBufferSize sets the event channel capacity.
func WithChannelBufferSize(size int) ExecutorOption {
	return func(o *executorOptions) {
		o.channelBufferSize = size
	}
}

// WithMaxConcurrency caps in-step task parallelism.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(o *executorOptions) {
		o.maxConcurrency = n
	}
}

// WithRetryPolicy sets the default retry policy wrapped around every task.
func WithRetryPolicy(policy *RetryPolicy) ExecutorOption {
	return func(o *executorOptions) {
		o.retryPolicy = policy
	}
}

// NewExecutor creates an executor for the compiled graph.
func NewExecutor(graph *Graph, opts ...ExecutorOption) (*Executor, error) {
	if err := graph.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	options := executorOptions{
		recursionLimit:    DefaultRecursionLimit,
		channelBufferSize: DefaultChannelBufferSize,
		maxConcurrency:    DefaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(&options)
	}
	pool, err := ants.NewPool(options.maxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Executor{
		graph:             graph,
		saver:             options.saver,
		pool:              pool,
		recursionLimit:    options.recursionLimit,
		stepTimeout:       options.stepTimeout,
		channelBufferSize: options.channelBufferSize,
		retryPolicy:       options.retryPolicy,
	}, nil
}

// Close releases the executor's worker pool.
func (e *Executor) Close() {
	e.pool.Release()
}

// ExecuteOption configures a single run.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	invocationID string
	streamModes  []StreamMode
	subgraphs    bool
	namespace    []string
}

// WithInvocationID sets the invocation id stamped on emitted events.
func WithInvocationID(id string) ExecuteOption {
	return func(o *executeOptions) {
		o.invocationID = id
	}
}

// WithStreamModes selects the event categories forwarded to the caller.
// Without it every event is forwarded.
func WithStreamModes(modes ...StreamMode) ExecuteOption {
	return func(o *executeOptions) {
		o.streamModes = modes
	}
}

// WithSubgraphs forwards events emitted by nested graph invocations,
// wrapped with their namespace path.
func WithSubgraphs(include bool) ExecuteOption {
	return func(o *executeOptions) {
		o.subgraphs = include
	}
}

// withNamespacePath marks this run as a nested invocation under the given
// namespace path. Used by subgraph nodes.
func withNamespacePath(path []string) ExecuteOption {
	return func(o *executeOptions) {
		o.namespace = path
	}
}

// Execute runs the graph with the given input and streams events. The input
// may be an ordinary value written to the graph's input channels, a
// *Command to resume or steer a checkpointed thread, or nil to continue
// from a static interrupt.
func (e *Executor) Execute(
	ctx context.Context,
	input any,
	config map[string]any,
	opts ...ExecuteOption,
) (<-chan *event.Event, error) {
	options := executeOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.invocationID == "" {
		options.invocationID = uuid.NewString()
	}
	eventChan := make(chan *event.Event, e.channelBufferSize)
	em := &emitter{
		ctx:          ctx,
		ch:           eventChan,
		invocationID: options.invocationID,
		namespace:    options.namespace,
		filter:       NewStreamModeFilter(len(options.streamModes) > 0, options.streamModes, options.subgraphs),
	}
	go func() {
		defer close(eventChan)
		finalValues, err := e.run(ctx, input, config, em)
		if err != nil {
			if gi, ok := AsInterrupt(err); ok {
				em.emitUpdates(gi.Step, interruptUpdate(gi))
				em.emitEnd(finalValues)
				return
			}
			em.emitError(classifyError(err), err)
			return
		}
		em.emitEnd(finalValues)
	}()
	return eventChan, nil
}

// Invoke runs the graph to completion and returns the output channel
// values: the bare value for a single declared output, a map otherwise.
// An interrupted run returns the GraphInterrupt as the error.
func (e *Executor) Invoke(
	ctx context.Context,
	input any,
	config map[string]any,
	opts ...ExecuteOption,
) (any, error) {
	eventChan, err := e.Execute(ctx, input, config, opts...)
	if err != nil {
		return nil, err
	}
	var finalValues map[string]any
	var runErr error
	for evt := range eventChan {
		if evt.IsError() {
			runErr = fmt.Errorf("%s", evt.Error.Message)
			continue
		}
		if evt.Object == ObjectTypeGraphEnd {
			finalValues, _ = evt.Data.(map[string]any)
		}
		if evt.Object == ObjectTypeGraphUpdates {
			if runErr == nil {
				if gi := interruptFromUpdate(evt); gi != nil {
					runErr = gi
				}
			}
		}
	}
	if runErr != nil {
		return e.outputValue(finalValues), runErr
	}
	return e.outputValue(finalValues), nil
}

func (e *Executor) outputValue(values map[string]any) any {
	if values == nil {
		return nil
	}
	if len(e.graph.outputChannels) == 1 {
		return values[e.graph.outputChannels[0]]
	}
	return values
}

// interruptFromUpdate reconstructs a GraphInterrupt from an updates event.
func interruptFromUpdate(evt *event.Event) *GraphInterrupt {
	data, ok := evt.Data.(map[string]any)
	if !ok {
		return nil
	}
	updates, ok := data["updates"].(map[string]any)
	if !ok {
		return nil
	}
	payloads, ok := updates[InterruptChannel].([]InterruptPayload)
	if !ok || len(payloads) == 0 {
		return nil
	}
	p := payloads[0]
	return &GraphInterrupt{
		Value:     p.Value,
		Resumable: p.Resumable,
		Namespace: p.NS,
		When:      p.When,
	}
}

func classifyError(err error) string {
	switch {
	case IsGraphRecursionError(err):
		return ErrorTypeRecursionLimit
	case IsInvalidUpdate(err):
		return ErrorTypeInvalidUpdate
	default:
		return ErrorTypeGraphExecution
	}
}

// taskResult is the collected outcome of one dispatched task.
type taskResult struct {
	task     *Task
	result   any
	err      error
	replayed bool
}

// runState carries the mutable state of one run through the loop phases.
type runState struct {
	config       map[string]any
	threadID     string
	namespace    string
	base         *Checkpoint // last committed checkpoint
	baseStep     int         // metadata step of base
	registry     *channelRegistry
	resumeValues map[string][]any
	resumeMu     sync.Mutex
	replayWrites map[string][]PendingWrite
	emitter      *emitter
}

// takeResume pops the next resume value for the given task.
func (rs *runState) takeResume(taskID string) (any, bool) {
	rs.resumeMu.Lock()
	defer rs.resumeMu.Unlock()
	values := rs.resumeValues[taskID]
	if len(values) == 0 {
		return nil, false
	}
	rs.resumeValues[taskID] = values[1:]
	return values[0], true
}

// run drives the BSP loop: PLAN, DISPATCH, COLLECT, APPLY, CHECKPOINT,
// STREAM, repeated until no task fires.
func (e *Executor) run(
	ctx context.Context,
	input any,
	config map[string]any,
	em *emitter,
) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "graph.run")
	defer span.End()

	rs, err := e.restore(ctx, input, config, em)
	if err != nil {
		return nil, err
	}

	for stepIndex := 0; ; stepIndex++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		step := rs.baseStep + 1
		isLastStep := stepIndex == e.recursionLimit-1

		// PLAN on a working copy; the base stays untouched so an aborted
		// step leaves the thread at its committed checkpoint.
		working := rs.base.Copy()
		working.ID = rs.base.ID
		pl := &planner{graph: e.graph}
		tasks := pl.planTasks(working, rs.registry, rs.base.ID, rs.namespace, step)
		if len(tasks) == 0 {
			break
		}
		if stepIndex >= e.recursionLimit {
			return e.outputValues(rs), &GraphRecursionError{Limit: e.recursionLimit}
		}
		recordStep(ctx, len(tasks))

		// Static interrupt before dispatch.
		if gi := e.staticInterrupt(rs, working, tasks, e.graph.interruptBefore, InterruptWhenBefore, step); gi != nil {
			recordInterrupt(ctx, gi.When)
			if err := e.persistInterrupt(ctx, rs, gi); err != nil {
				return nil, err
			}
			return e.outputValues(rs), gi
		}

		// DISPATCH and COLLECT.
		results, err := e.dispatch(ctx, rs, tasks, step, isLastStep)
		if err != nil {
			return nil, err
		}

		// Persist completed writes before inspecting failures so an aborted
		// step can replay them.
		for _, r := range results {
			if r.err == nil && !r.replayed && len(r.task.writes)+len(r.task.messages) > 0 {
				if err := e.putWrites(ctx, rs, r.task); err != nil {
					return nil, err
				}
			}
		}

		var interrupt *GraphInterrupt
		for _, r := range results {
			if r.err == nil {
				continue
			}
			if gi, ok := AsInterrupt(r.err); ok {
				if interrupt == nil {
					interrupt = gi
				}
				continue
			}
			em.emitTaskResult(r.task, nil, r.err)
			return nil, fmt.Errorf("node %s: %w", r.task.Name, r.err)
		}
		if interrupt != nil {
			interrupt.Step = step
			recordInterrupt(ctx, interrupt.When)
			state := &InterruptState{
				NodeName:  interrupt.NodeName,
				TaskID:    interrupt.TaskID,
				Value:     interrupt.Value,
				Step:      step,
				Namespace: interrupt.Namespace,
			}
			if prev := rs.base.InterruptState; prev != nil && prev.TaskID == interrupt.TaskID {
				state.ResumeValues = prev.ResumeValues
			}
			rs.base.InterruptState = state
			if err := e.persistInterrupt(ctx, rs, interrupt); err != nil {
				return nil, err
			}
			return e.outputValues(rs), interrupt
		}

		// APPLY.
		ap := &applier{graph: e.graph}
		updated, err := ap.applyWrites(working, rs.registry, e.nextVersion, tasks)
		if err != nil {
			return nil, err
		}

		// CHECKPOINT.
		next := &Checkpoint{
			Version:         CheckpointVersion,
			ID:              newCheckpointID(),
			Timestamp:       time.Now().UTC(),
			ChannelValues:   rs.registry.checkpointValues(),
			ChannelVersions: working.ChannelVersions,
			VersionsSeen:    working.VersionsSeen,
			PendingSends:    working.PendingSends,
		}
		metadata := NewCheckpointMetadata(SourceLoop, step)

		// Static interrupt after apply: committed with the interrupt marks.
		giAfter := e.staticInterruptAfter(rs, next, tasks, step)

		tuple, err := e.putCheckpoint(ctx, rs, next, metadata)
		if err != nil {
			return nil, err
		}
		parentID := rs.base.ID
		rs.base = next
		rs.baseStep = step
		rs.replayWrites = nil
		span.AddEvent("step", trace.WithAttributes(
			attribute.Int("graph.step", step),
			attribute.Int("graph.tasks", len(tasks)),
			attribute.String("graph.parent_checkpoint", parentID),
		))

		// STREAM.
		em.emitUpdates(step, nodeUpdates(results))
		if len(updated) > 0 {
			em.emitValues(e.outputValues(rs))
		}
		if tuple != nil {
			em.emitCheckpoint(tuple)
		}
		em.emitDebug("checkpoint", map[string]any{
			"step":             step,
			"checkpoint_id":    next.ID,
			"updated_channels": updated,
		})

		if giAfter != nil {
			recordInterrupt(ctx, giAfter.When)
			return e.outputValues(rs), giAfter
		}
	}
	return e.outputValues(rs), nil
}

// restore loads or seeds the thread state for this run.
func (e *Executor) restore(
	ctx context.Context,
	input any,
	config map[string]any,
	em *emitter,
) (*runState, error) {
	rs := &runState{
		config:       config,
		threadID:     GetThreadID(config),
		namespace:    GetNamespace(config),
		registry:     newChannelRegistry(e.graph.specs),
		resumeValues: make(map[string][]any),
		emitter:      em,
	}

	var tuple *CheckpointTuple
	if e.saver != nil && rs.threadID != "" {
		var err error
		tuple, err = e.saver.GetTuple(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
	}

	cmd, isCommand := input.(*Command)

	if tuple != nil {
		rs.base = tuple.Checkpoint
		rs.baseStep = tuple.Metadata.Step
		rs.registry.fromCheckpoint(rs.base.ChannelValues)
		if len(tuple.PendingWrites) > 0 {
			rs.replayWrites = groupWritesByTask(tuple.PendingWrites)
		}
		if st := rs.base.InterruptState; st != nil {
			rs.resumeValues[st.TaskID] = append(rs.resumeValues[st.TaskID], st.ResumeValues...)
		}
	} else {
		rs.base = NewCheckpoint(nil, nil, nil)
		rs.baseStep = -1
	}

	if resumeMap := GetResumeMap(config); resumeMap != nil {
		for taskID, value := range resumeMap {
			rs.resumeValues[taskID] = append(rs.resumeValues[taskID], value)
		}
	}

	switch {
	case isCommand:
		if err := e.applyCommand(ctx, rs, cmd); err != nil {
			return nil, err
		}
	case input != nil:
		if err := e.seedInput(ctx, rs, input); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// seedInput writes the run input to the graph's input channels and commits
// the input checkpoint.
func (e *Executor) seedInput(ctx context.Context, rs *runState, input any) error {
	if len(e.graph.inputChannels) == 0 {
		return fmt.Errorf("graph declares no input channels")
	}
	maxVersion := rs.base.MaxChannelVersion()
	for _, name := range e.graph.inputChannels {
		ch, ok := rs.registry.get(name)
		if !ok {
			return fmt.Errorf("input channel %q is not declared", name)
		}
		changed, err := ch.Update([]any{input})
		if err != nil {
			return err
		}
		if changed {
			rs.base.ChannelVersions[name] = e.nextVersion(maxVersion, name)
		}
	}
	rs.base.ChannelValues = rs.registry.checkpointValues()
	rs.base.InterruptState = nil
	metadata := NewCheckpointMetadata(SourceInput, rs.baseStep)
	if _, err := e.putCheckpoint(ctx, rs, rs.base, metadata); err != nil {
		return err
	}
	return nil
}

// applyCommand integrates a resume/steer command against the prior
// checkpoint.
func (e *Executor) applyCommand(ctx context.Context, rs *runState, cmd *Command) error {
	changedAny := false
	if len(cmd.Update) > 0 {
		maxVersion := rs.base.MaxChannelVersion()
		for name, value := range cmd.Update {
			ch, ok := rs.registry.get(name)
			if !ok {
				log.Warnf("command update references unknown channel %q, skipping", name)
				continue
			}
			changed, err := ch.Update([]any{value})
			if err != nil {
				return err
			}
			if changed {
				rs.base.ChannelVersions[name] = e.nextVersion(maxVersion, name)
				changedAny = true
			}
		}
	}
	if len(cmd.Goto) > 0 {
		rs.base.PendingSends = append(rs.base.PendingSends, cmd.Goto...)
		changedAny = true
	}
	if cmd.Resume != nil {
		if st := rs.base.InterruptState; st != nil {
			// Keep the full resume history on the interrupt state: a re-run
			// task replays earlier answers in order before reaching the
			// next unanswered Interrupt call.
			st.ResumeValues = append(st.ResumeValues, cmd.Resume)
			rs.resumeValues[st.TaskID] = append(rs.resumeValues[st.TaskID], cmd.Resume)
		} else {
			log.Warnf("resume value supplied but thread is not interrupted")
		}
	}
	for taskID, value := range cmd.ResumeMap {
		rs.resumeValues[taskID] = append(rs.resumeValues[taskID], value)
	}
	if changedAny {
		rs.base.ChannelValues = rs.registry.checkpointValues()
		metadata := NewCheckpointMetadata(SourceUpdate, rs.baseStep)
		if _, err := e.putCheckpoint(ctx, rs, rs.base, metadata); err != nil {
			return err
		}
	}
	return nil
}

// dispatch runs the step's tasks concurrently on the worker pool and
// collects their outcomes. Replayed tasks are not re-executed.
func (e *Executor) dispatch(
	ctx context.Context,
	rs *runState,
	tasks []*Task,
	step int,
	isLastStep bool,
) ([]*taskResult, error) {
	stepCtx := ctx
	var cancel context.CancelFunc
	if e.stepTimeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
	} else {
		stepCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	results := make([]*taskResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		if writes, ok := rs.replayWrites[task.ID]; ok {
			task.writes = writes
			results[i] = &taskResult{task: task, replayed: true}
			continue
		}
		wg.Add(1)
		i, task := i, task
		rs.emitter.emitTaskStart(task)
		submitErr := e.pool.Submit(func() {
			defer wg.Done()
			result, err := e.runTask(stepCtx, rs, task, isLastStep)
			results[i] = &taskResult{task: task, result: result, err: err}
			if err == nil {
				rs.emitter.emitTaskResult(task, result, nil)
			}
		})
		if submitErr != nil {
			wg.Done()
			results[i] = &taskResult{task: task, err: submitErr}
		}
	}
	wg.Wait()

	if err := stepCtx.Err(); err != nil && ctx.Err() == nil {
		// Step timeout expired: the caller context is still live.
		return nil, fmt.Errorf("step %d timed out after %s: %w", step, e.stepTimeout, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// runTask invokes one node body under the retry policy and converts its
// return value into staged writes.
func (e *Executor) runTask(
	ctx context.Context,
	rs *runState,
	task *Task,
	isLastStep bool,
) (any, error) {
	ctx, span := tracer.Start(ctx, "graph.task",
		trace.WithAttributes(
			attribute.String("graph.node", task.Name),
			attribute.Int("graph.step", task.Step),
		))
	defer span.End()

	node, _ := e.graph.Node(task.Name)
	policy := node.Retry
	if policy == nil {
		policy = e.retryPolicy
	}

	start := time.Now()
	defer func() { recordTask(ctx, task.Name, start) }()

	attempt := 1
	for {
		task.discardWrites()
		nc := &NodeContext{
			task:       task,
			nodeName:   task.Name,
			namespace:  rs.namespace,
			step:       task.Step,
			isLastStep: isLastStep,
			graph:      e.graph,
			registry:   rs.registry,
			emitter:    rs.emitter,
			takeResume: func() (any, bool) { return rs.takeResume(task.ID) },
		}
		result, err := node.Func(WithNodeContext(ctx, nc), task.Input)
		if err == nil {
			if stageErr := e.stageResult(nc, task, result); stageErr != nil {
				return nil, stageErr
			}
			return result, nil
		}
		if gi, ok := AsInterrupt(err); ok {
			// Interrupts are control flow; writes staged before the
			// interrupt are discarded so the re-run starts clean.
			task.discardWrites()
			if gi.TaskID == "" {
				gi.TaskID = task.ID
				gi.NodeName = task.Name
				gi.Namespace = rs.namespace
			}
			return nil, gi
		}
		if policy == nil || attempt >= policy.MaxAttempts || !policy.ShouldRetry(err) {
			task.discardWrites()
			return nil, err
		}
		delay := policy.NextDelay(attempt)
		attempt++
		log.Debugf("retrying node %s (attempt %d) after %s: %v", task.Name, attempt, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// stageResult converts a node return value into staged writes.
func (e *Executor) stageResult(nc *NodeContext, task *Task, result any) error {
	switch r := result.(type) {
	case nil:
		return nil
	case State:
		return e.stageState(nc, r)
	case map[string]any:
		return e.stageState(nc, State(r))
	case *Command:
		if len(r.Update) > 0 {
			if err := e.stageState(nc, r.Update); err != nil {
				return err
			}
		}
		for _, send := range r.Goto {
			if err := nc.SendTo(send.Node, send.Args); err != nil {
				return err
			}
		}
		return nil
	default:
		return NewInvalidUpdateError(
			CodeInvalidGraphNodeReturnValue,
			"node %s returned %T, expected State, *Command or nil", task.Name, result,
		)
	}
}

func (e *Executor) stageState(nc *NodeContext, state State) error {
	// Deterministic order so write sequence indices are stable on replay.
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := nc.Send(ChannelWrite{Channel: k, Value: state[k]}); err != nil {
			return err
		}
	}
	return nil
}

// staticInterrupt checks interrupt-before points against the planned tasks.
func (e *Executor) staticInterrupt(
	rs *runState,
	working *Checkpoint,
	tasks []*Task,
	nodes []string,
	when string,
	step int,
) *GraphInterrupt {
	if len(nodes) == 0 {
		return nil
	}
	matched := ""
	for _, task := range tasks {
		for _, name := range nodes {
			if task.Name == name {
				matched = name
				break
			}
		}
		if matched != "" {
			break
		}
	}
	if matched == "" {
		return nil
	}
	// Fire only when some channel advanced past what the interrupt
	// mechanism has already observed, so resuming does not re-halt.
	advanced := false
	for name, version := range rs.base.ChannelVersions {
		if version > rs.base.SeenVersion(InterruptSeenKey, name) {
			advanced = true
			break
		}
	}
	if !advanced {
		return nil
	}
	for name, version := range rs.base.ChannelVersions {
		rs.base.MarkSeen(InterruptSeenKey, name, version)
	}
	return &GraphInterrupt{
		Value:     matched,
		Resumable: false,
		NodeName:  matched,
		Namespace: rs.namespace,
		When:      when,
		Step:      step,
		Timestamp: time.Now().UTC(),
	}
}

// staticInterruptAfter checks interrupt-after points against the tasks that
// ran, marking the committed checkpoint so resume does not re-halt.
func (e *Executor) staticInterruptAfter(
	rs *runState,
	next *Checkpoint,
	tasks []*Task,
	step int,
) *GraphInterrupt {
	if len(e.graph.interruptAfter) == 0 {
		return nil
	}
	matched := ""
	for _, task := range tasks {
		for _, name := range e.graph.interruptAfter {
			if task.Name == name {
				matched = name
				break
			}
		}
		if matched != "" {
			break
		}
	}
	if matched == "" {
		return nil
	}
	advanced := false
	for name, version := range next.ChannelVersions {
		if version > next.SeenVersion(InterruptSeenKey, name) {
			advanced = true
			break
		}
	}
	if !advanced {
		return nil
	}
	for name, version := range next.ChannelVersions {
		next.MarkSeen(InterruptSeenKey, name, version)
	}
	return &GraphInterrupt{
		Value:     matched,
		Resumable: false,
		NodeName:  matched,
		Namespace: rs.namespace,
		When:      InterruptWhenAfter,
		Step:      step,
		Timestamp: time.Now().UTC(),
	}
}

// persistInterrupt upserts the base checkpoint with its interrupt state.
func (e *Executor) persistInterrupt(ctx context.Context, rs *runState, gi *GraphInterrupt) error {
	metadata := NewCheckpointMetadata(SourceInterrupt, rs.baseStep)
	metadata.Extra["interrupt_value"] = gi.Value
	metadata.Extra["interrupt_ns"] = gi.Namespace
	metadata.Extra["interrupt_when"] = gi.When
	_, err := e.putCheckpoint(ctx, rs, rs.base, metadata)
	return err
}

// putCheckpoint persists a checkpoint when a saver is configured and
// returns its tuple for the checkpoints stream. An upserted checkpoint
// (input, update, interrupt) addresses itself, so its parent stays empty.
func (e *Executor) putCheckpoint(
	ctx context.Context,
	rs *runState,
	checkpoint *Checkpoint,
	metadata *CheckpointMetadata,
) (*CheckpointTuple, error) {
	parentID := ""
	if checkpoint.ID != rs.base.ID {
		parentID = rs.base.ID
	}
	if e.saver == nil || rs.threadID == "" {
		return &CheckpointTuple{
			Config:     CreateCheckpointConfig(rs.threadID, checkpoint.ID, rs.namespace),
			Checkpoint: checkpoint,
			Metadata:   metadata,
		}, nil
	}
	parentConfig := CreateCheckpointConfig(rs.threadID, parentID, rs.namespace)
	cfg, err := e.saver.Put(ctx, PutRequest{
		Config:      parentConfig,
		Checkpoint:  checkpoint,
		Metadata:    metadata,
		NewVersions: checkpoint.ChannelVersions,
	})
	if err != nil {
		return nil, fmt.Errorf("persist checkpoint: %w", err)
	}
	tuple := &CheckpointTuple{
		Config:     cfg,
		Checkpoint: checkpoint,
		Metadata:   metadata,
	}
	if parentID != "" {
		tuple.ParentConfig = parentConfig
	}
	return tuple, nil
}

// putWrites persists a completed task's writes against the checkpoint the
// step planned from.
func (e *Executor) putWrites(ctx context.Context, rs *runState, task *Task) error {
	if e.saver == nil || rs.threadID == "" {
		return nil
	}
	writes := task.Writes()
	for _, m := range task.messages {
		// Number messages after the writes so (TaskID, Idx) stays unique.
		m.Idx = len(writes)
		writes = append(writes, m)
	}
	err := e.saver.PutWrites(ctx, PutWritesRequest{
		Config: CreateCheckpointConfig(rs.threadID, rs.base.ID, rs.namespace),
		Writes: writes,
		TaskID: task.ID,
	})
	if err != nil {
		return fmt.Errorf("persist writes: %w", err)
	}
	return nil
}

// nextVersion allocates channel versions through the saver when configured.
func (e *Executor) nextVersion(prev int64, channel string) int64 {
	if e.saver != nil {
		return e.saver.NextVersion(prev, channel)
	}
	return prev + 1
}

// outputValues snapshots the declared output channels.
func (e *Executor) outputValues(rs *runState) map[string]any {
	out := make(map[string]any, len(e.graph.outputChannels))
	for _, name := range e.graph.outputChannels {
		ch, ok := rs.registry.get(name)
		if !ok {
			continue
		}
		if value, err := ch.Get(); err == nil {
			out[name] = value
		}
	}
	return out
}

// nodeUpdates builds the per-node delta map for the updates stream.
func nodeUpdates(results []*taskResult) map[string]any {
	updates := make(map[string]any, len(results))
	for _, r := range results {
		if r.err != nil {
			continue
		}
		delta := make(map[string]any)
		for _, w := range r.task.writes {
			if w.Channel == TasksChannel {
				continue
			}
			if existing, ok := delta[w.Channel]; ok {
				switch v := existing.(type) {
				case []any:
					delta[w.Channel] = append(v, w.Value)
				default:
					delta[w.Channel] = []any{v, w.Value}
				}
				continue
			}
			delta[w.Channel] = w.Value
		}
		if len(delta) == 0 {
			continue
		}
		if existing, ok := updates[r.task.Name]; ok {
			// Multiple tasks for the same node within a step (Send fan-out)
			// accumulate into a list.
			switch v := existing.(type) {
			case []any:
				updates[r.task.Name] = append(v, delta)
			default:
				updates[r.task.Name] = []any{v, delta}
			}
			continue
		}
		updates[r.task.Name] = delta
	}
	return updates
}

// groupWritesByTask indexes pending writes by task id, ordered by sequence.
func groupWritesByTask(writes []PendingWrite) map[string][]PendingWrite {
	grouped := make(map[string][]PendingWrite)
	for _, w := range writes {
		grouped[w.TaskID] = append(grouped[w.TaskID], w)
	}
	for taskID := range grouped {
		ws := grouped[taskID]
		sort.Slice(ws, func(i, j int) bool { return ws[i].Idx < ws[j].Idx })
		grouped[taskID] = ws
	}
	return grouped
}
