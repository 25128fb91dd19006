package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// Terminal event names. After either is sent the stream is closed and
// further events are dropped.
const (
	EventDone  = "done"
	EventError = "error"
)

// EventSink receives the ordered events of one streaming response.
// Implementations must tolerate being called from a single goroutine in
// sequence; ordering between events is the caller's responsibility, the
// sink only enforces that nothing follows a terminal event.
type EventSink interface {
	Send(event string, data any) error
}

// Sink writes server-sent events directly to an HTTP response, flushing
// after every event so the client sees tokens as they arrive.
type Sink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	log     *logger.Logger

	mu       sync.Mutex
	terminal bool
	failed   bool
}

// NewSink prepares the response for event streaming. It fails when the
// writer cannot flush incrementally.
func NewSink(w http.ResponseWriter, log *logger.Logger) (*Sink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("realtime: response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	return &Sink{
		w:       w,
		flusher: flusher,
		log:     log.With("component", "SSESink"),
	}, nil
}

func (s *Sink) Send(event string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminal {
		s.log.Warn("Dropping SSE event after terminal event", "event", event)
		return nil
	}
	if s.failed {
		return fmt.Errorf("realtime: sink write already failed")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		s.log.Warn("Failed to marshal SSE event payload", "event", event, "error", err.Error())
		return err
	}

	if err := writeSSE(s.w, event, string(payload)); err != nil {
		s.failed = true
		return err
	}
	s.flusher.Flush()

	if event == EventDone || event == EventError {
		s.terminal = true
	}
	return nil
}

func writeSSE(w http.ResponseWriter, event string, data string) error {
	if strings.TrimSpace(event) != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", strings.TrimSpace(event)); err != nil {
			return err
		}
	}
	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}
