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
	"time"

	"github.com/google/uuid"
)

const (
	// CheckpointVersion is the current version of the checkpoint format.
	CheckpointVersion = 1

	// DefaultCheckpointNamespace is the namespace of top-level checkpoints.
	DefaultCheckpointNamespace = ""

	// DefaultMaxCheckpointsPerThread is the default retention cap per thread.
	DefaultMaxCheckpointsPerThread = 100
)

// Send directs a named node to run in the next superstep with an explicit
// argument, bypassing its normal triggers.
type Send struct {
	// Node is the target node name.
	Node string `json:"node"`
	// Args is the input handed to the node.
	Args any `json:"args"`
}

// Checkpoint is an immutable snapshot of all channels and scheduling
// bookkeeping at a step boundary.
type Checkpoint struct {
	// Version is the version of the checkpoint format.
	Version int `json:"v"`
	// ID is the time-ordered unique identifier for this checkpoint.
	ID string `json:"id"`
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time `json:"ts"`
	// ChannelValues contains the payloads of non-empty channels.
	ChannelValues map[string]any `json:"channel_values"`
	// ChannelVersions contains the monotonic version of every channel that
	// has ever been written.
	ChannelVersions map[string]int64 `json:"channel_versions"`
	// VersionsSeen tracks, per node, the channel versions it has observed.
	VersionsSeen map[string]map[string]int64 `json:"versions_seen"`
	// PendingSends are Send directives queued for the next superstep.
	PendingSends []Send `json:"pending_sends,omitempty"`
	// InterruptState is set while the thread is suspended on a dynamic
	// interrupt.
	InterruptState *InterruptState `json:"interrupt_state,omitempty"`
}

// InterruptState records a dynamic interrupt awaiting a resume value.
type InterruptState struct {
	// NodeName is the node whose task interrupted.
	NodeName string `json:"node_name"`
	// TaskID is the deterministic id of the interrupted task.
	TaskID string `json:"task_id"`
	// Value is the payload passed to Interrupt().
	Value any `json:"value"`
	// Step is the superstep in which the interrupt occurred.
	Step int `json:"step"`
	// Namespace is the checkpoint namespace of the interrupted graph.
	Namespace string `json:"ns,omitempty"`
	// ResumeValues holds values supplied by resume commands, consumed in
	// order by re-run Interrupt() calls.
	ResumeValues []any `json:"resume_values,omitempty"`
}

// PendingWrite is a write emitted by an in-flight task, persisted before the
// step commits so a crashed or interrupted step can be replayed without
// re-executing completed tasks.
type PendingWrite struct {
	// TaskID is the deterministic id of the writing task.
	TaskID string `json:"task_id"`
	// Channel is the channel written to.
	Channel string `json:"channel"`
	// Value is the written payload.
	Value any `json:"value"`
	// Idx orders writes within a task; (TaskID, Idx) is the idempotence key.
	Idx int `json:"idx"`
}

// CheckpointMetadata describes how and when a checkpoint was produced.
type CheckpointMetadata struct {
	// Source indicates how the checkpoint was created: input, loop, update,
	// fork or interrupt.
	Source string `json:"source"`
	// Step is the step number (-1 for the input checkpoint).
	Step int `json:"step"`
	// Parents maps checkpoint namespaces to parent checkpoint ids.
	Parents map[string]string `json:"parents,omitempty"`
	// Extra carries additional metadata fields.
	Extra map[string]any `json:"extra,omitempty"`
}

// CheckpointTuple wraps a checkpoint with its configuration, metadata and
// any writes pending against it.
type CheckpointTuple struct {
	Config        map[string]any      `json:"config"`
	Checkpoint    *Checkpoint         `json:"checkpoint"`
	Metadata      *CheckpointMetadata `json:"metadata"`
	ParentConfig  map[string]any      `json:"parent_config,omitempty"`
	PendingWrites []PendingWrite      `json:"pending_writes,omitempty"`
}

// CheckpointFilter restricts List results.
type CheckpointFilter struct {
	// Before limits results to checkpoints strictly older than the
	// checkpoint identified by this config.
	Before map[string]any `json:"before,omitempty"`
	// Limit caps the number of returned tuples; 0 means no cap.
	Limit int `json:"limit,omitempty"`
	// Metadata filters tuples by metadata Extra fields.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PutRequest carries a checkpoint to store.
type PutRequest struct {
	Config      map[string]any
	Checkpoint  *Checkpoint
	Metadata    *CheckpointMetadata
	NewVersions map[string]int64
}

// PutWritesRequest carries task writes to persist against a checkpoint.
type PutWritesRequest struct {
	Config map[string]any
	Writes []PendingWrite
	TaskID string
}

// PutFullRequest stores a checkpoint together with pending writes in one
// transaction.
type PutFullRequest struct {
	Config        map[string]any
	Checkpoint    *Checkpoint
	Metadata      *CheckpointMetadata
	NewVersions   map[string]int64
	PendingWrites []PendingWrite
}

// Saver is the pluggable persistence contract for checkpoints and pending
// writes.
//
// Put is an upsert on (thread_id, checkpoint_ns, checkpoint_id). PutWrites
// is idempotent on (task_id, idx): a replayed write replaces the stored one.
// List returns tuples newest first. Deleting a checkpoint deletes its
// pending writes.
type Saver interface {
	// Get retrieves a checkpoint by configuration.
	Get(ctx context.Context, config map[string]any) (*Checkpoint, error)
	// GetTuple retrieves a checkpoint tuple by configuration. A nil tuple
	// with nil error means not found.
	GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error)
	// List retrieves checkpoint tuples matching the filter, newest first.
	List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error)
	// Put stores a checkpoint and returns the config addressing it.
	Put(ctx context.Context, req PutRequest) (map[string]any, error)
	// PutWrites persists intermediate writes linked to a checkpoint.
	PutWrites(ctx context.Context, req PutWritesRequest) error
	// PutFull atomically stores a checkpoint with its pending writes.
	PutFull(ctx context.Context, req PutFullRequest) (map[string]any, error)
	// DeleteThread removes all checkpoints and writes for a thread.
	DeleteThread(ctx context.Context, threadID string) error
	// NextVersion allocates the next version for a channel given the
	// previous one (0 when the channel has never been written).
	NextVersion(prev int64, channel string) int64
	// Close releases resources held by the saver.
	Close() error
}

// NewCheckpoint creates a checkpoint with a fresh time-ordered id.
func NewCheckpoint(
	channelValues map[string]any,
	channelVersions map[string]int64,
	versionsSeen map[string]map[string]int64,
) *Checkpoint {
	if channelValues == nil {
		channelValues = make(map[string]any)
	}
	if channelVersions == nil {
		channelVersions = make(map[string]int64)
	}
	if versionsSeen == nil {
		versionsSeen = make(map[string]map[string]int64)
	}
	return &Checkpoint{
		Version:         CheckpointVersion,
		ID:              newCheckpointID(),
		Timestamp:       time.Now().UTC(),
		ChannelValues:   channelValues,
		ChannelVersions: channelVersions,
		VersionsSeen:    versionsSeen,
	}
}

// newCheckpointID returns a time-ordered UUID so lexicographic order matches
// creation order within a thread.
func newCheckpointID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewCheckpointMetadata creates checkpoint metadata.
func NewCheckpointMetadata(source string, step int) *CheckpointMetadata {
	return &CheckpointMetadata{
		Source:  source,
		Step:    step,
		Parents: make(map[string]string),
		Extra:   make(map[string]any),
	}
}

// MaxChannelVersion returns the highest version recorded in the checkpoint.
func (c *Checkpoint) MaxChannelVersion() int64 {
	var max int64
	for _, v := range c.ChannelVersions {
		if v > max {
			max = v
		}
	}
	return max
}

// SeenVersion returns the version of channel ch last observed by node, or 0.
func (c *Checkpoint) SeenVersion(node, ch string) int64 {
	if seen, ok := c.VersionsSeen[node]; ok {
		return seen[ch]
	}
	return 0
}

// MarkSeen records that node has observed the current version of channel ch.
func (c *Checkpoint) MarkSeen(node, ch string, version int64) {
	seen, ok := c.VersionsSeen[node]
	if !ok {
		seen = make(map[string]int64)
		c.VersionsSeen[node] = seen
	}
	if version > seen[ch] {
		seen[ch] = version
	}
}

// Copy creates a deep copy of the checkpoint under a fresh id.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	versions := make(map[string]int64, len(c.ChannelVersions))
	for k, v := range c.ChannelVersions {
		versions[k] = v
	}
	seen := make(map[string]map[string]int64, len(c.VersionsSeen))
	for node, m := range c.VersionsSeen {
		inner := make(map[string]int64, len(m))
		for k, v := range m {
			inner[k] = v
		}
		seen[node] = inner
	}
	sends := make([]Send, len(c.PendingSends))
	for i, s := range c.PendingSends {
		sends[i] = Send{Node: s.Node, Args: deepCopy(s.Args)}
	}
	var interrupt *InterruptState
	if c.InterruptState != nil {
		cp := *c.InterruptState
		cp.ResumeValues = append([]any(nil), c.InterruptState.ResumeValues...)
		interrupt = &cp
	}
	return &Checkpoint{
		Version:         c.Version,
		ID:              newCheckpointID(),
		Timestamp:       c.Timestamp,
		ChannelValues:   deepCopyMap(c.ChannelValues),
		ChannelVersions: versions,
		VersionsSeen:    seen,
		PendingSends:    sends,
		InterruptState:  interrupt,
	}
}

// IsInterrupted reports whether the checkpoint is suspended on a dynamic
// interrupt.
func (c *Checkpoint) IsInterrupted() bool {
	return c.InterruptState != nil && c.InterruptState.TaskID != ""
}

// GetThreadID extracts the thread id from configuration.
func GetThreadID(config map[string]any) string {
	return configurableString(config, CfgKeyThreadID)
}

// GetCheckpointID extracts the checkpoint id from configuration.
func GetCheckpointID(config map[string]any) string {
	return configurableString(config, CfgKeyCheckpointID)
}

// GetNamespace extracts the checkpoint namespace from configuration.
func GetNamespace(config map[string]any) string {
	return configurableString(config, CfgKeyCheckpointNS)
}

// GetResumeMap extracts the resume map from configuration.
func GetResumeMap(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if resumeMap, ok := configurable[CfgKeyResumeMap].(map[string]any); ok {
			return resumeMap
		}
	}
	return nil
}

func configurableString(config map[string]any, key string) string {
	if config == nil {
		return ""
	}
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if v, ok := configurable[key].(string); ok {
			return v
		}
	}
	return ""
}

// CreateCheckpointConfig builds a config map addressing a checkpoint.
func CreateCheckpointConfig(threadID, checkpointID, namespace string) map[string]any {
	configurable := map[string]any{
		CfgKeyThreadID: threadID,
	}
	if checkpointID != "" {
		configurable[CfgKeyCheckpointID] = checkpointID
	}
	if namespace != "" {
		configurable[CfgKeyCheckpointNS] = namespace
	}
	return map[string]any{CfgKeyConfigurable: configurable}
}

// deepCopy copies container values structurally so checkpoint copies cannot
// alias each other's maps and slices. Leaf values are shared; channel
// payloads are treated as immutable once written.
func deepCopy(src any) any {
	switch v := src.(type) {
	case map[string]any:
		return deepCopyMap(v)
	case []any:
		dst := make([]any, len(v))
		for i, item := range v {
			dst[i] = deepCopy(item)
		}
		return dst
	default:
		return src
	}
}

// deepCopyMap structurally copies a map of channel payloads.
func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopy(v)
	}
	return dst
}
