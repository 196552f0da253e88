package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/BadgerOps/mirrorrank/internal/engine"
)

// idleProgress is reported before the first pass.
var idleProgress = engine.Progress{Phase: "idle"}

// handleAPIProgress returns the progress of the current or last pass.
func (s *Server) handleAPIProgress(w http.ResponseWriter, r *http.Request) {
	tracker := s.pipeline.ActiveProgress()
	if tracker == nil {
		s.writeJSON(w, idleProgress)
		return
	}
	s.writeJSON(w, tracker.Snapshot())
}

// handleAPIProgressStream streams progress of the current pass as SSE
// events until it finishes or the client goes away.
func (s *Server) handleAPIProgressStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	sendEvent := func(event string, data interface{}) {
		jsonData, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
		flusher.Flush()
	}

	tracker := s.pipeline.ActiveProgress()
	if tracker == nil {
		sendEvent("done", idleProgress)
		return
	}

	for {
		// Take the channel before the snapshot so no update is missed.
		next := tracker.Wait()
		if tracker.Done() {
			sendEvent("done", tracker.Snapshot())
			return
		}
		sendEvent("progress", tracker.Snapshot())

		select {
		case <-next:
		case <-r.Context().Done():
			return
		}
	}
}
