//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package server exposes the run lifecycle of a graph executor over HTTP,
// streaming run output as resumable Server-Sent Events.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

// Server routes thread and run endpoints to a graph executor.
type Server struct {
	executor *graph.Executor
	saver    graph.Saver
	store    *store
	runs     *runManager
	router   *mux.Router
	cors     *cors.Cors
}

// Option configures a Server.
type Option func(*Server)

// WithSaver lets the server delete thread checkpoints on thread deletion
// and rollback cancellation.
func WithSaver(saver graph.Saver) Option {
	return func(s *Server) {
		s.saver = saver
	}
}

// New creates a server for the given executor.
func New(executor *graph.Executor, opts ...Option) *Server {
	s := &Server{
		executor: executor,
		store:    newStore(),
		cors:     cors.AllowAll(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runs = newRunManager(executor, s.saver, s.store)
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.router)
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/threads", s.handleCreateThread).Methods(http.MethodPost)
	r.HandleFunc("/threads", s.handleListThreads).Methods(http.MethodGet)
	r.HandleFunc("/threads/{thread_id}", s.handleGetThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{thread_id}", s.handleDeleteThread).Methods(http.MethodDelete)

	r.HandleFunc("/runs", s.handleCreateStatelessRun).Methods(http.MethodPost)
	r.HandleFunc("/runs/stream", s.handleStatelessRunStream).Methods(http.MethodPost)
	r.HandleFunc("/runs/wait", s.handleStatelessRunWait).Methods(http.MethodPost)
	r.HandleFunc("/runs/batch", s.handleBatchRuns).Methods(http.MethodPost)
	r.HandleFunc("/runs/{run_id}/stream", s.handleRunStreamByID).Methods(http.MethodGet)

	r.HandleFunc("/threads/{thread_id}/runs", s.handleCreateThreadRun).Methods(http.MethodPost)
	r.HandleFunc("/threads/{thread_id}/runs", s.handleListThreadRuns).Methods(http.MethodGet)
	r.HandleFunc("/threads/{thread_id}/runs/{run_id}", s.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/threads/{thread_id}/runs/{run_id}", s.handleDeleteRun).Methods(http.MethodDelete)
	r.HandleFunc("/threads/{thread_id}/runs/{run_id}/stream", s.handleThreadRunStream).Methods(http.MethodGet)
	r.HandleFunc("/threads/{thread_id}/runs/{run_id}/wait", s.handleRunWait).Methods(http.MethodGet)
	r.HandleFunc("/threads/{thread_id}/runs/{run_id}/cancel", s.handleCancelRun).Methods(http.MethodPost)

	return r
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ThreadID string         `json:"thread_id,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.ThreadID == "" {
		body.ThreadID = uuid.NewString()
	}
	thread := &Thread{
		ID:        body.ThreadID,
		Metadata:  body.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	s.store.putThread(thread)
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.listThreads())
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, ok := s.store.getThread(mux.Vars(r)["thread_id"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("thread not found"))
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	if _, ok := s.store.getThread(threadID); !ok {
		writeError(w, http.StatusNotFound, errors.New("thread not found"))
		return
	}
	for _, entry := range s.store.activeRuns(threadID) {
		s.runs.cancelEntry(entry, CancelActionInterrupt)
	}
	s.store.deleteThread(threadID)
	if s.saver != nil {
		if err := s.saver.DeleteThread(r.Context(), threadID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateStatelessRun creates a run on a fresh implicit thread.
func (s *Server) handleCreateStatelessRun(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeRunRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, err := s.createRunOnThread(uuid.NewString(), req, true)
	if err != nil {
		s.writeCreateRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleStatelessRunStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeRunRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, err := s.createRunOnThread(uuid.NewString(), req, true)
	if err != nil {
		s.writeCreateRunError(w, err)
		return
	}
	entry, _ := s.store.getRun(run.ID)
	s.streamRun(w, r, entry)
}

func (s *Server) handleStatelessRunWait(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeRunRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, err := s.createRunOnThread(uuid.NewString(), req, true)
	if err != nil {
		s.writeCreateRunError(w, err)
		return
	}
	entry, _ := s.store.getRun(run.ID)
	s.waitRun(w, r, entry)
}

func (s *Server) handleBatchRuns(w http.ResponseWriter, r *http.Request) {
	var reqs []*RunRequest
	if err := decodeJSON(r, &reqs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	runs := make([]*Run, 0, len(reqs))
	for _, req := range reqs {
		applyHeaderConfig(req, r)
		run, err := s.createRunOnThread(uuid.NewString(), req, true)
		if err != nil {
			s.writeCreateRunError(w, err)
			return
		}
		runs = append(runs, run)
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunStreamByID(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.store.getRun(mux.Vars(r)["run_id"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	s.streamRun(w, r, entry)
}

func (s *Server) handleCreateThreadRun(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	if _, ok := s.store.getThread(threadID); !ok {
		writeError(w, http.StatusNotFound, errors.New("thread not found"))
		return
	}
	req, err := s.decodeRunRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, err := s.createRunOnThread(threadID, req, false)
	if err != nil {
		s.writeCreateRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListThreadRuns(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	if _, ok := s.store.getThread(threadID); !ok {
		writeError(w, http.StatusNotFound, errors.New("thread not found"))
		return
	}
	entries := s.store.runsOfThread(threadID)
	runs := make([]Run, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		runs = append(runs, *entry.run)
		entry.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookupThreadRun(r)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	entry.mu.Lock()
	run := *entry.run
	entry.mu.Unlock()
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookupThreadRun(r)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	if entry.status().isActive() {
		s.runs.cancelEntry(entry, CancelActionInterrupt)
	}
	s.store.deleteRun(entry.run.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleThreadRunStream(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookupThreadRun(r)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	s.streamRun(w, r, entry)
}

func (s *Server) handleRunWait(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookupThreadRun(r)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	s.waitRun(w, r, entry)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookupThreadRun(r)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	var body struct {
		Wait   bool         `json:"wait,omitempty"`
		Action CancelAction `json:"action,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Action == "" {
		body.Action = CancelActionInterrupt
	}
	s.runs.cancelEntry(entry, body.Action)
	if body.Wait {
		select {
		case <-entry.done:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// createRunOnThread registers the thread when implicit and creates the run.
func (s *Server) createRunOnThread(threadID string, req *RunRequest, implicit bool) (*Run, error) {
	if implicit {
		s.store.putThread(&Thread{ID: threadID, CreatedAt: time.Now().UTC()})
	}
	return s.runs.createRun(threadID, req)
}

func (s *Server) writeCreateRunError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrThreadBusy) {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeError(w, http.StatusBadRequest, err)
}

func (s *Server) lookupThreadRun(r *http.Request) (*runEntry, bool) {
	vars := mux.Vars(r)
	entry, ok := s.store.getRun(vars["run_id"])
	if !ok || entry.run.ThreadID != vars["thread_id"] {
		return nil, false
	}
	return entry, true
}

func (s *Server) decodeRunRequest(r *http.Request) (*RunRequest, error) {
	var req RunRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	applyHeaderConfig(&req, r)
	return &req, nil
}

// waitRun long-polls the run's final values.
func (s *Server) waitRun(w http.ResponseWriter, r *http.Request, entry *runEntry) {
	values, err := s.runs.join(r.Context(), entry)
	if err != nil {
		if errors.Is(err, r.Context().Err()) && r.Context().Err() != nil {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": entry.status(),
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": entry.status(),
		"values": values,
	})
}

// applyHeaderConfig echoes selected HTTP headers into the run config:
// any x-* header except credentials, and user-agent.
func applyHeaderConfig(req *RunRequest, r *http.Request) {
	if req.Config == nil {
		req.Config = make(map[string]any)
	}
	configurable, ok := req.Config[graph.CfgKeyConfigurable].(map[string]any)
	if !ok {
		configurable = make(map[string]any)
		req.Config[graph.CfgKeyConfigurable] = configurable
	}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if lower == "user-agent" {
			configurable[lower] = values[0]
			continue
		}
		if !strings.HasPrefix(lower, "x-") {
			continue
		}
		if strings.Contains(lower, "api-key") || strings.Contains(lower, "authorization") ||
			strings.Contains(lower, "secret") {
			continue
		}
		configurable[lower] = values[0]
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
