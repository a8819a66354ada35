package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/dshills/pregel-go/pregel"
	"github.com/dshills/pregel-go/pregel/store"
)

// runRequest is the run-configuration surface spec.md §6 lists: input or a
// resume command, plus the knobs that thread through to pregel.Engine and
// the multitasking strategy.
type runRequest struct {
	AssistantID       string          `json:"assistant_id"`
	Input             map[string]any  `json:"input,omitempty"`
	CommandUpdate     map[string]any  `json:"command_update,omitempty"`
	CommandResume     json.RawMessage `json:"command_resume,omitempty"`
	MultitaskStrategy string          `json:"multitask_strategy,omitempty"`
}

func parseStrategy(s string) pregel.MultitaskStrategy {
	switch s {
	case "enqueue":
		return pregel.MultitaskEnqueue
	case "interrupt":
		return pregel.MultitaskInterrupt
	case "rollback":
		return pregel.MultitaskRollback
	default:
		return pregel.MultitaskReject
	}
}

func (s *Server) submitRun(ctx context.Context, threadID string, req runRequest) (store.Run, *pregel.RunResult, error) {
	strategy := parseStrategy(req.MultitaskStrategy)
	if req.CommandResume != nil || req.CommandUpdate != nil {
		var resumeValue any
		if req.CommandResume != nil {
			if err := json.Unmarshal(req.CommandResume, &resumeValue); err != nil {
				return store.Run{}, nil, fmt.Errorf("httpapi: decoding command_resume: %w", err)
			}
		}
		cmd := pregel.Command{Update: req.CommandUpdate}
		if req.CommandResume != nil {
			cmd.Resume = resumeValue
		}
		return s.Manager.SubmitResume(ctx, threadID, req.AssistantID, cmd, strategy)
	}
	return s.Manager.SubmitInput(ctx, threadID, req.AssistantID, req.Input, strategy)
}

// createRun submits a run and responds 202 with its record once submitRun
// returns. submitRun waits for the run to reach a terminal state, so this
// handler does not respond before the run ends; it differs from
// createRunAndWait only in leaving the result out of the response.
func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, _, err := s.submitRun(r.Context(), threadID, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// createRunAndWait submits a run and blocks until it reaches a terminal
// state, returning the final result inline.
func (s *Server) createRunAndWait(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, result, err := s.submitRun(r.Context(), threadID, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "result": result})
}

// createRunAndStream submits a run and streams its events back as
// Server-Sent Events for the lifetime of the request.
func (s *Server) createRunAndStream(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	setSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	sub := s.Streams.Subscribe(threadID, "", pregel.StreamValues, pregel.StreamUpdates, pregel.StreamMessages, pregel.StreamDebug)
	defer s.Streams.Unsubscribe(threadID, sub)

	go func() {
		defer s.Streams.FlushRun(threadID)
		_, _, _ = s.submitRun(context.WithoutCancel(r.Context()), threadID, req)
	}()

	streamUntilDone(r.Context(), w, flusher, sub)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	runs, err := s.Store.ListRuns(r.Context(), threadID, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	s.Manager.Cancel(threadID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) joinRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runID"]
	deadline := time.Now().Add(30 * time.Second)
	for {
		run, err := s.Store.GetRun(r.Context(), runID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if run.Status != store.RunStatusPending && run.Status != store.RunStatusRunning {
			writeJSON(w, http.StatusOK, run)
			return
		}
		if time.Now().After(deadline) {
			writeError(w, http.StatusGatewayTimeout, fmt.Errorf("httpapi: run %q did not finish before the join deadline", runID))
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *Server) streamRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runID"]
	run, err := s.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	setSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	sub := s.Streams.Subscribe(run.ThreadID, "", pregel.StreamValues, pregel.StreamUpdates, pregel.StreamMessages, pregel.StreamDebug)
	defer s.Streams.Unsubscribe(run.ThreadID, sub)

	streamUntilDone(r.Context(), w, flusher, sub)
}

func (s *Server) listAssistants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.List())
}

type createAssistantRequest struct {
	AssistantID string `json:"assistant_id"`
}

// createAssistant is a collaborator-contract stub: binding a new assistant
// ID to a compiled engine requires the caller to have that engine in hand
// (graph definitions aren't serialized over HTTP), so this only validates
// the ID isn't already taken and reports the shape callers should wire
// through runtime.Registry.Register directly at process-configuration time.
func (s *Server) createAssistant(w http.ResponseWriter, r *http.Request) {
	var req createAssistantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.Registry.Lookup(req.AssistantID); err == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("httpapi: assistant %q is already registered", req.AssistantID))
		return
	}
	writeError(w, http.StatusNotImplemented, fmt.Errorf("httpapi: registering a new graph definition over HTTP is not supported; call runtime.Registry.Register at startup"))
}
