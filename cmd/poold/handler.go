package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	cmdi "github.com/willie666687/hackersir-cmdi"
)

// requestBody is the parsed body of POST /request.
type requestBody struct {
	ConnectionID string `json:"connection_id"`
}

// handleEvents is the notification channel: one SSE stream per client.
// The stream gets a fresh connection id and identity; the request
// context ending is the disconnect signal. ctx is the application
// context: streams must end when the process shuts down, since server
// shutdown waits for in-flight requests.
func handleEvents(ctx context.Context, h *hub, sched *cmdi.Scheduler, w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	conn := cmdi.NewConnID()
	ch := h.add(conn)
	sched.Connect(conn)

	defer func() {
		h.remove(conn)
		// The stream context is already cancelled when this runs; the
		// container stop must not inherit that cancellation or the
		// sandbox leaks.
		sched.Disconnect(context.WithoutCancel(r.Context()), conn)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.Context().Done():
			return
		case n := <-ch:
			data, err := json.Marshal(n.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Event, data)
			flusher.Flush()
		}
	}
}

// handleRequest runs admission for the connection named in the body.
// The outcome arrives over the event stream, not in this response.
func handleRequest(h *hub, sched *cmdi.Scheduler, w http.ResponseWriter, r *http.Request) {
	var req requestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.ConnectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id is required")
		return
	}
	conn := cmdi.ConnID(req.ConnectionID)
	if !h.has(conn) {
		writeError(w, http.StatusNotFound, "unknown connection")
		return
	}
	sched.Request(r.Context(), conn)
	w.WriteHeader(http.StatusAccepted)
}

func handleStatus(sched *cmdi.Scheduler, w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sched.Stats())
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
