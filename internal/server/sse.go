package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// reconnectDelay is sent to clients as the SSE retry hint
const reconnectDelay = 5 * time.Second

// SSEWriter writes a numbered stream of Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	seq     int
}

// NewSSEWriter prepares w for streaming and sends the retry hint.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	s := &SSEWriter{w: w, flusher: flusher}
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", reconnectDelay.Milliseconds()); err != nil {
		return nil, err
	}
	flusher.Flush()
	return s, nil
}

// WriteEvent sends data as JSON under the event name.
func (s *SSEWriter) WriteEvent(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	s.seq++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, event, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComment sends a comment line; clients ignore it.
func (s *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComplete tells the client the job reached a terminal status.
func (s *SSEWriter) WriteComplete(jobID, status string) error {
	return s.WriteEvent("complete", map[string]string{"id": jobID, "status": status})
}
