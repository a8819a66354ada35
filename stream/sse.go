package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dshills/pregel-go/pregel/emit"
)

// wireEvent is the JSON payload written as one SSE event's data field.
type wireEvent struct {
	RunID     string                 `json:"run_id"`
	Step      int                    `json:"step,omitempty"`
	NodeID    string                 `json:"node_id,omitempty"`
	Namespace string                 `json:"namespace,omitempty"`
	Msg       string                 `json:"msg"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// sseEventName folds an event's stream mode and namespace into the wire's
// `event:` line, per spec.md's "mode|ns:a/b/c" open question. Mode is still
// recoverable independent of this string from the Event.Mode field itself
// (see wireEvent / emit.Event), so a reader that only tracks Event.Mode and
// one that parses this line agree on the same information.
func sseEventName(event emit.Event) string {
	name := event.Mode
	if name == "" {
		name = "message"
	}
	if event.Namespace != "" {
		name = fmt.Sprintf("%s|ns:%s", name, strings.ReplaceAll(event.Namespace, ":", "/"))
	}
	return name
}

// WriteSSE encodes event as one Server-Sent Event onto w: an `event:` line
// derived from sseEventName, a JSON `data:` line, and the blank line that
// terminates an SSE message. Returns the error from the underlying writer,
// if any - callers (httpapi's run-stream handler) are expected to flush
// after each call so a slow-consuming client still receives events as they
// happen.
func WriteSSE(w io.Writer, event emit.Event) error {
	payload := wireEvent{
		RunID:     event.RunID,
		Step:      event.Step,
		NodeID:    event.NodeID,
		Namespace: event.Namespace,
		Msg:       event.Msg,
		Meta:      event.Meta,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: marshaling event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", sseEventName(event)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}

// SSEWriter drains a Subscription to w, one WriteSSE call per received
// event, until the subscription closes or ctx is done. Returns the first
// write error encountered, if any.
type SSEWriter struct {
	w       io.Writer
	flusher func()
}

// NewSSEWriter wraps w. flusher, if non-nil, is called after every event is
// written (typically http.Flusher.Flush, injected so this package has no
// direct net/http dependency).
func NewSSEWriter(w io.Writer, flusher func()) *SSEWriter {
	return &SSEWriter{w: w, flusher: flusher}
}

// Drain writes every event recv yields (via Subscription.Recv, called with
// ctx) until recv returns ok=false.
func (s *SSEWriter) Drain(recv func() (emit.Event, bool)) error {
	for {
		event, ok := recv()
		if !ok {
			return nil
		}
		if err := WriteSSE(s.w, event); err != nil {
			return err
		}
		if s.flusher != nil {
			s.flusher()
		}
	}
}
