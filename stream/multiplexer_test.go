package stream

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/pregel-go/pregel"
	"github.com/dshills/pregel-go/pregel/emit"
)

func TestMultiplexer_SubscribeReceivesMatchingModeOnly(t *testing.T) {
	mux := NewMultiplexer(8, 0)
	sub := mux.Subscribe("run-1", "", pregel.StreamValues)

	mux.Emit(emit.Event{RunID: "run-1", Mode: string(pregel.StreamUpdates), Msg: "updates"})
	mux.Emit(emit.Event{RunID: "run-1", Mode: string(pregel.StreamValues), Msg: "values"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, ok := sub.Recv(ctx)
	require.True(t, ok, "expected a matching event")
	assert.Equal(t, "values", event.Msg, "the updates-mode event should have been filtered out")
}

func TestMultiplexer_UnmodedEventsAlwaysDeliver(t *testing.T) {
	mux := NewMultiplexer(8, 0)
	sub := mux.Subscribe("run-1", "", pregel.StreamValues)

	mux.Emit(emit.Event{RunID: "run-1", Msg: "run_started"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, ok := sub.Recv(ctx)
	require.True(t, ok, "unmoded run_started event should pass through")
	assert.Equal(t, "run_started", event.Msg)
}

func TestMultiplexer_NamespacePrefixIncludesSubgraphEvents(t *testing.T) {
	mux := NewMultiplexer(8, 0)
	sub := mux.Subscribe("run-1", "parent", pregel.StreamValues)

	mux.Emit(emit.Event{RunID: "run-1", Mode: string(pregel.StreamValues), Namespace: "other", Msg: "unrelated"})
	mux.Emit(emit.Event{RunID: "run-1", Mode: string(pregel.StreamValues), Namespace: "parent:child:abc123", Msg: "subgraph_event"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, ok := sub.Recv(ctx)
	require.True(t, ok, "expected the subgraph event to match the parent namespace prefix")
	assert.Equal(t, "subgraph_event", event.Msg, "the unrelated namespace's event should have been filtered out")
}

func TestMultiplexer_DifferentRunsAreIsolated(t *testing.T) {
	mux := NewMultiplexer(8, 0)
	subA := mux.Subscribe("run-a", "")
	subB := mux.Subscribe("run-b", "")

	mux.Emit(emit.Event{RunID: "run-a", Msg: "for-a"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := subB.Recv(ctx)
	assert.False(t, ok, "run-b's subscription should not see run-a's events")

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	event, ok := subA.Recv(ctx2)
	require.True(t, ok, "run-a's subscription should have received its own event")
	assert.Equal(t, "for-a", event.Msg)
}

func TestMultiplexer_FlushClosesSubscribersWithoutBlocking(t *testing.T) {
	mux := NewMultiplexer(8, 0)
	sub := mux.Subscribe("run-1", "")
	mux.FlushRun("run-1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, ok := sub.Recv(ctx)
	assert.False(t, ok, "Recv after Flush should report the subscription closed")
}

func TestMultiplexer_SlowSubscriberDropsRatherThanBlockingEmit(t *testing.T) {
	mux := NewMultiplexer(1, 0) // backlog of 1, no wait: second event must drop
	sub := mux.Subscribe("run-1", "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		mux.Emit(emit.Event{RunID: "run-1", Msg: "first"})
		mux.Emit(emit.Event{RunID: "run-1", Msg: "second"})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit should never block the publisher even when a subscriber's buffer is full")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, ok := sub.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, "first", event.Msg, "want the first buffered event")
}

func TestMultiplexer_TeeForwardsEveryEvent(t *testing.T) {
	mux := NewMultiplexer(8, 0)
	buffered := emit.NewBufferedEmitter()
	mux.Tee(buffered)

	mux.Emit(emit.Event{RunID: "run-1", Msg: "node_start"})

	history := buffered.GetHistory("run-1")
	require.Len(t, history, 1)
	assert.Equal(t, "node_start", history[0].Msg)
}

func TestMultiplexer_UnsubscribeStopsDelivery(t *testing.T) {
	mux := NewMultiplexer(8, 0)
	sub := mux.Subscribe("run-1", "")
	mux.Unsubscribe("run-1", sub)

	mux.Emit(emit.Event{RunID: "run-1", Msg: "after-unsubscribe"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, ok := sub.Recv(ctx)
	assert.False(t, ok, "an unsubscribed Subscription should report closed, not deliver further events")
}

func TestWriteSSE_EncodesModeAndNamespaceIntoEventLine(t *testing.T) {
	var buf bytes.Buffer
	err := WriteSSE(&buf, emit.Event{
		RunID:     "run-1",
		Mode:      string(pregel.StreamValues),
		Namespace: "parent:child:abc123",
		Msg:       "values",
		Meta:      map[string]interface{}{"step": 2},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "event: values|ns:parent/child/abc123\n"), "SSE event line = %q", out)
	assert.Contains(t, out, `"run_id":"run-1"`)
	assert.True(t, strings.HasSuffix(out, "\n\n"), "SSE message should be terminated by a blank line")
}

func TestWriteSSE_UnmodedEventUsesMessageEventName(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSSE(&buf, emit.Event{RunID: "run-1", Msg: "run_started"}))
	assert.True(t, strings.HasPrefix(buf.String(), "event: message\n"), "unmoded event line = %q", buf.String())
}

func TestSSEWriter_DrainStopsWhenRecvReturnsFalse(t *testing.T) {
	var buf bytes.Buffer
	flushes := 0
	writer := NewSSEWriter(&buf, func() { flushes++ })

	events := []emit.Event{
		{RunID: "run-1", Msg: "a"},
		{RunID: "run-1", Msg: "b"},
	}
	i := 0
	err := writer.Drain(func() (emit.Event, bool) {
		if i >= len(events) {
			return emit.Event{}, false
		}
		event := events[i]
		i++
		return event, true
	})
	require.NoError(t, err)
	assert.Equal(t, len(events), flushes)
	assert.Equal(t, len(events), strings.Count(buf.String(), "event: message"))
}
