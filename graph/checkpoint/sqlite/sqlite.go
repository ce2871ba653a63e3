//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a SQLite-backed checkpoint saver. The entire
// checkpoint and metadata are stored as JSON blobs; pending writes are one
// row per (task_id, idx).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	// Register the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

const (
	createCheckpoints = "CREATE TABLE IF NOT EXISTS checkpoints (" +
		"thread_id TEXT NOT NULL, " +
		"checkpoint_ns TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"parent_checkpoint_id TEXT, " +
		"checkpoint BLOB NOT NULL, " +
		"metadata BLOB NOT NULL, " +
		"PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)" +
		")"

	createWrites = "CREATE TABLE IF NOT EXISTS checkpoint_writes (" +
		"thread_id TEXT NOT NULL, " +
		"checkpoint_ns TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"task_id TEXT NOT NULL, " +
		"idx INTEGER NOT NULL, " +
		"channel TEXT NOT NULL, " +
		"value BLOB NOT NULL, " +
		"PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)" +
		")"

	insertCheckpoint = "INSERT OR REPLACE INTO checkpoints (" +
		"thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, " +
		"checkpoint, metadata) VALUES (?, ?, ?, ?, ?, ?)"

	selectLatest = "SELECT checkpoint, metadata, parent_checkpoint_id, checkpoint_id " +
		"FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? " +
		"ORDER BY checkpoint_id DESC LIMIT 1"

	selectByID = "SELECT checkpoint, metadata, parent_checkpoint_id " +
		"FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? LIMIT 1"

	selectIDsDesc = "SELECT checkpoint_id FROM checkpoints " +
		"WHERE thread_id = ? AND checkpoint_ns = ? ORDER BY checkpoint_id DESC"

	insertWrite = "INSERT OR REPLACE INTO checkpoint_writes (" +
		"thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, value) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?)"

	selectWrites = "SELECT task_id, idx, channel, value FROM checkpoint_writes " +
		"WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? ORDER BY task_id, idx"

	deleteThreadCkpts  = "DELETE FROM checkpoints WHERE thread_id = ?"
	deleteThreadWrites = "DELETE FROM checkpoint_writes WHERE thread_id = ?"
)

// Saver is a SQLite-backed implementation of graph.Saver.
type Saver struct {
	db *sql.DB
}

// NewSaver opens (or creates) the database at path and prepares the schema.
func NewSaver(path string) (*Saver, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	saver, err := NewSaverFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return saver, nil
}

// NewSaverFromDB creates a saver on an existing DB, creating tables as
// needed. The DB must use a SQLite driver.
func NewSaverFromDB(db *sql.DB) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(createCheckpoints); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	if _, err := db.Exec(createWrites); err != nil {
		return nil, fmt.Errorf("create writes table: %w", err)
	}
	return &Saver{db: db}, nil
}

// Get returns the checkpoint for the given config.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	t, err := s.GetTuple(ctx, config)
	if err != nil || t == nil {
		return nil, err
	}
	return t.Checkpoint, nil
}

// GetTuple returns the checkpoint tuple for the given config. Without a
// checkpoint id it resolves the latest checkpoint; ids are time-ordered so
// lexicographic DESC matches creation order.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	checkpointNS := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	var checkpointJSON, metadataJSON []byte
	var parentID string
	if checkpointID == "" {
		row := s.db.QueryRowContext(ctx, selectLatest, threadID, checkpointNS)
		if err := row.Scan(&checkpointJSON, &metadataJSON, &parentID, &checkpointID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("select latest: %w", err)
		}
	} else {
		row := s.db.QueryRowContext(ctx, selectByID, threadID, checkpointNS, checkpointID)
		if err := row.Scan(&checkpointJSON, &metadataJSON, &parentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("select by id: %w", err)
		}
	}
	var ckpt graph.Checkpoint
	if err := json.Unmarshal(checkpointJSON, &ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	var meta graph.CheckpointMetadata
	if err := json.Unmarshal(metadataJSON, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	writes, err := s.loadWrites(ctx, threadID, checkpointNS, checkpointID)
	if err != nil {
		return nil, err
	}
	tuple := &graph.CheckpointTuple{
		Config:        graph.CreateCheckpointConfig(threadID, checkpointID, checkpointNS),
		Checkpoint:    &ckpt,
		Metadata:      &meta,
		PendingWrites: writes,
	}
	if parentID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(threadID, parentID, checkpointNS)
	}
	return tuple, nil
}

// List returns checkpoint tuples newest first, honoring the filter.
func (s *Saver) List(
	ctx context.Context,
	config map[string]any,
	filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	checkpointNS := graph.GetNamespace(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	rows, err := s.db.QueryContext(ctx, selectIDsDesc, threadID, checkpointNS)
	if err != nil {
		return nil, fmt.Errorf("select ids: %w", err)
	}
	defer rows.Close()

	var beforeID string
	var limit int
	if filter != nil {
		if filter.Before != nil {
			beforeID = graph.GetCheckpointID(filter.Before)
		}
		limit = filter.Limit
	}

	// Collect ids first so the cursor is closed before GetTuple queries again.
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter ids: %w", err)
	}
	rows.Close()

	var tuples []*graph.CheckpointTuple
	for _, id := range ids {
		if beforeID != "" && id >= beforeID {
			continue
		}
		t, err := s.GetTuple(ctx, graph.CreateCheckpointConfig(threadID, id, checkpointNS))
		if err != nil {
			return nil, err
		}
		if t == nil {
			continue
		}
		if filter != nil && !metadataMatches(t.Metadata, filter.Metadata) {
			continue
		}
		tuples = append(tuples, t)
		if limit > 0 && len(tuples) >= limit {
			break
		}
	}
	return tuples, nil
}

// Put stores a checkpoint and returns the config addressing it.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	return s.putTx(ctx, req.Config, req.Checkpoint, req.Metadata, nil)
}

// PutWrites stores write entries for a checkpoint, idempotent on
// (task_id, idx).
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	threadID := graph.GetThreadID(req.Config)
	checkpointNS := graph.GetNamespace(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if threadID == "" || checkpointID == "" {
		return graph.ErrThreadIDAndCheckpointIDRequired
	}
	for _, w := range req.Writes {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("marshal write: %w", err)
		}
		_, err = s.db.ExecContext(ctx, insertWrite,
			threadID, checkpointNS, checkpointID, req.TaskID, w.Idx, w.Channel, valueJSON)
		if err != nil {
			return fmt.Errorf("insert write: %w", err)
		}
	}
	return nil
}

// PutFull atomically stores a checkpoint with its pending writes.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	return s.putTx(ctx, req.Config, req.Checkpoint, req.Metadata, req.PendingWrites)
}

// DeleteThread deletes all checkpoints and writes for the thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	if _, err := s.db.ExecContext(ctx, deleteThreadCkpts, threadID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, deleteThreadWrites, threadID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	return nil
}

// NextVersion allocates the next channel version.
func (s *Saver) NextVersion(prev int64, channel string) int64 {
	return prev + 1
}

// Close closes the underlying database.
func (s *Saver) Close() error {
	return s.db.Close()
}

func (s *Saver) putTx(
	ctx context.Context,
	config map[string]any,
	checkpoint *graph.Checkpoint,
	metadata *graph.CheckpointMetadata,
	pendingWrites []graph.PendingWrite,
) (map[string]any, error) {
	if checkpoint == nil {
		return nil, errors.New("checkpoint cannot be nil")
	}
	threadID := graph.GetThreadID(config)
	checkpointNS := graph.GetNamespace(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	parentID := graph.GetCheckpointID(config)
	if parentID == checkpoint.ID {
		parentID = ""
	}
	checkpointJSON, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	if metadata == nil {
		metadata = graph.NewCheckpointMetadata(graph.SourceUpdate, 0)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, insertCheckpoint,
		threadID, checkpointNS, checkpoint.ID, parentID, checkpointJSON, metadataJSON); err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	for _, w := range pendingWrites {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal write: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertWrite,
			threadID, checkpointNS, checkpoint.ID, w.TaskID, w.Idx, w.Channel, valueJSON); err != nil {
			return nil, fmt.Errorf("insert write: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return graph.CreateCheckpointConfig(threadID, checkpoint.ID, checkpointNS), nil
}

func (s *Saver) loadWrites(
	ctx context.Context,
	threadID, checkpointNS, checkpointID string,
) ([]graph.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, selectWrites, threadID, checkpointNS, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("select writes: %w", err)
	}
	defer rows.Close()
	var writes []graph.PendingWrite
	for rows.Next() {
		var taskID, channel string
		var idx int
		var valueJSON []byte
		if err := rows.Scan(&taskID, &idx, &channel, &valueJSON); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		var value any
		if err := json.Unmarshal(valueJSON, &value); err != nil {
			return nil, fmt.Errorf("unmarshal write: %w", err)
		}
		writes = append(writes, graph.PendingWrite{
			TaskID:  taskID,
			Channel: channel,
			Value:   value,
			Idx:     idx,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter writes: %w", err)
	}
	return writes, nil
}

func metadataMatches(metadata *graph.CheckpointMetadata, want map[string]any) bool {
	if len(want) == 0 {
		return true
	}
	if metadata == nil || metadata.Extra == nil {
		return false
	}
	for k, v := range want {
		if metadata.Extra[k] != v {
			return false
		}
	}
	return true
}
