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
	"fmt"
	"net/http"
	"strconv"
)

// lastEventIDHeader is the standard SSE reconnection header.
const lastEventIDHeader = "Last-Event-Id"

// streamRun attaches the client to the run's event stream as SSE. For a
// resumable run, a Last-Event-Id of X replays exactly the events with ids
// strictly greater than X in original order; "-1" (or absence) means all
// from the beginning.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, entry *runEntry) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	afterID := int64(-1)
	if raw := r.Header.Get(lastEventIDHeader); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid %s: %q", lastEventIDHeader, raw))
			return
		}
		afterID = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := entry.subscribe(afterID)
	defer unsubscribe()

	for {
		select {
		case evt, open := <-events:
			if !open {
				return
			}
			writeSSEEvent(w, evt)
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-entry.done:
			// Drain what the run already produced, then close.
			for {
				select {
				case evt, open := <-events:
					if !open {
						return
					}
					writeSSEEvent(w, evt)
					flusher.Flush()
				default:
					return
				}
			}
		}
	}
}

// writeSSEEvent writes one id/event/data frame.
func writeSSEEvent(w http.ResponseWriter, evt storedEvent) {
	fmt.Fprintf(w, "id: %d\n", evt.ID)
	fmt.Fprintf(w, "event: %s\n", evt.Event)
	fmt.Fprintf(w, "data: %s\n\n", evt.Data)
}
