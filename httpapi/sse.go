package httpapi

import (
	"context"
	"net/http"

	"github.com/dshills/pregel-go/pregel/emit"
	"github.com/dshills/pregel-go/stream"
)

func setSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}

// streamUntilDone drains sub to w until the request's context ends or sub
// closes - which happens once the emitting run reaches a terminal state and
// the caller's goroutine calls stream.Multiplexer.FlushRun.
func streamUntilDone(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub *stream.Subscription) {
	writer := stream.NewSSEWriter(w, func() {
		if flusher != nil {
			flusher.Flush()
		}
	})
	_ = writer.Drain(func() (emit.Event, bool) {
		return sub.Recv(ctx)
	})
}
