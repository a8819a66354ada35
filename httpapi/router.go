// Package httpapi is the thin HTTP glue spec.md describes as a collaborator
// contract: thread/run/assistant/store endpoints that translate HTTP
// requests into calls against pregel.Checkpointer, runtime.Manager, and
// store.ThreadStore. It deliberately does not implement authentication,
// generative-UI component serving, or custom user routes - those remain
// the caller's responsibility to layer on top of Router.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dshills/pregel-go/pregel"
	"github.com/dshills/pregel-go/pregel/runtime"
	"github.com/dshills/pregel-go/pregel/store"
	"github.com/dshills/pregel-go/stream"
)

// Server bundles the collaborators Router's handlers need.
type Server struct {
	Registry     *runtime.Registry
	Manager      *runtime.Manager
	Store        store.ThreadStore
	Checkpointer pregel.Checkpointer
	Streams      *stream.Multiplexer
	KV           KVStore
}

// NewRouter builds the gorilla/mux router for every endpoint spec.md §6
// lists, wired against srv's collaborators.
func NewRouter(srv *Server) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/threads", srv.createThread).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}", srv.getThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", srv.patchThread).Methods(http.MethodPatch)
	r.HandleFunc("/threads/{id}", srv.deleteThread).Methods(http.MethodDelete)
	r.HandleFunc("/threads/{id}/copy", srv.copyThread).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/state", srv.getThreadState).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/state", srv.updateThreadState).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/history", srv.getThreadHistory).Methods(http.MethodGet)

	r.HandleFunc("/threads/{id}/runs", srv.createRun).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/runs", srv.listRuns).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/runs/wait", srv.createRunAndWait).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/runs/stream", srv.createRunAndStream).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/runs/{runID}/cancel", srv.cancelRun).Methods(http.MethodPost)
	r.HandleFunc("/runs/{runID}/join", srv.joinRun).Methods(http.MethodGet)
	r.HandleFunc("/runs/{runID}/stream", srv.streamRun).Methods(http.MethodGet)

	r.HandleFunc("/assistants", srv.listAssistants).Methods(http.MethodGet)
	r.HandleFunc("/assistants", srv.createAssistant).Methods(http.MethodPost)

	r.HandleFunc("/store/{namespace}/{key}", srv.storePut).Methods(http.MethodPut)
	r.HandleFunc("/store/{namespace}/{key}", srv.storeGet).Methods(http.MethodGet)
	r.HandleFunc("/store/{namespace}/{key}", srv.storeDelete).Methods(http.MethodDelete)
	r.HandleFunc("/store/{namespace}", srv.storeSearch).Methods(http.MethodGet)

	return r
}
