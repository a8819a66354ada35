package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dshills/pregel-go/pregel"
	"github.com/dshills/pregel-go/pregel/runtime"
	"github.com/dshills/pregel-go/pregel/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps a collaborator error to the HTTP status spec.md's error
// taxonomy implies: not-found errors are 404, everything else is 500 since
// this layer has no opinion on user-code vs. invalid-update distinctions
// beyond what the core already classified.
func statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		return http.StatusConflict
	}
	var notFound *pregel.NotFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

type createThreadRequest struct {
	ThreadID string         `json:"thread_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = runtime.NewThreadID()
	}
	thread, err := s.Store.CreateThread(r.Context(), req.ThreadID, req.Metadata)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	thread, err := s.Store.GetThread(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

type patchThreadRequest struct {
	Metadata map[string]any `json:"metadata"`
}

// patchThread reads the thread, merges the request's metadata into that
// copy and returns it. ThreadStore has no metadata update, so the stored
// thread's metadata is not changed.
func (s *Server) patchThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req patchThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	thread, err := s.Store.GetThread(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if thread.Metadata == nil {
		thread.Metadata = map[string]any{}
	}
	for k, v := range req.Metadata {
		thread.Metadata[k] = v
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) deleteThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Store.DeleteThread(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// copyThread duplicates a thread's root-namespace checkpoint history into a
// new thread, oldest first. Each checkpoint is put again under the new
// thread ID with a fresh checkpoint ID, so the copy replays independently
// of the original (spec.md §6).
func (s *Server) copyThread(w http.ResponseWriter, r *http.Request) {
	sourceID := mux.Vars(r)["id"]
	source, err := s.Store.GetThread(r.Context(), sourceID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	newID := runtime.NewThreadID()
	newThread, err := s.Store.CreateThread(r.Context(), newID, source.Metadata)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	history, err := s.Checkpointer.List(r.Context(), pregel.RunnableConfig{ThreadID: sourceID}, pregel.ListOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for i := len(history) - 1; i >= 0; i-- {
		checkpoint := history[i].Checkpoint
		checkpoint.ID = ""
		if _, err := s.Checkpointer.Put(r.Context(), pregel.RunnableConfig{ThreadID: newID}, checkpoint, history[i].Metadata); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, newThread)
}

func (s *Server) getThreadState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tuple, err := s.Checkpointer.GetTuple(r.Context(), pregel.RunnableConfig{ThreadID: id})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tuple == nil {
		writeJSON(w, http.StatusOK, pregel.State{})
		return
	}
	writeJSON(w, http.StatusOK, tuple)
}

type updateStateRequest struct {
	Values map[string]any `json:"values"`
}

// updateThreadState applies req.Values as a Command.Update against the
// thread, producing a new checkpoint with Metadata.Source == "update"
// without running any node (pregel/command.go).
func (s *Server) updateThreadState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req updateStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	assistants := s.Registry.List()
	if len(assistants) == 0 {
		writeError(w, http.StatusInternalServerError, errors.New("httpapi: no assistant registered to apply a state update against"))
		return
	}
	assistant, err := s.Registry.Lookup(assistants[0])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	result, err := assistant.Engine.Resume(r.Context(), pregel.RunnableConfig{ThreadID: id}, pregel.Command{Update: req.Values})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getThreadHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tuples, err := s.Checkpointer.List(r.Context(), pregel.RunnableConfig{ThreadID: id}, pregel.ListOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tuples)
}
