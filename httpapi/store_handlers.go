package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
)

// ErrKeyNotFound is returned by KVStore.Get/Delete for a missing key.
var ErrKeyNotFound = errors.New("httpapi: key not found")

// KVStore is the cross-thread key-value collaborator spec.md §6 describes
// under `/store/{namespace}/{key}`: storage explicitly outside the
// execution state, never checkpointed, shared process-wide across runs.
type KVStore interface {
	Put(namespace, key string, value json.RawMessage) error
	Get(namespace, key string) (json.RawMessage, error)
	Delete(namespace, key string) error
	Search(namespace string) (map[string]json.RawMessage, error)
}

// MemKVStore is an in-memory KVStore, the reference implementation for
// local development and tests - analogous in spirit to
// pregel.MemoryCheckpointer's role for checkpoints, but for the separate,
// non-checkpointed store namespace.
type MemKVStore struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage // namespace -> key -> value
}

// NewMemKVStore creates an empty in-memory store.
func NewMemKVStore() *MemKVStore {
	return &MemKVStore{data: make(map[string]map[string]json.RawMessage)}
}

func (m *MemKVStore) Put(namespace, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string]json.RawMessage)
		m.data[namespace] = ns
	}
	ns[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (m *MemKVStore) Get(namespace, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.data[namespace]
	if !ok {
		return nil, ErrKeyNotFound
	}
	value, ok := ns[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

func (m *MemKVStore) Delete(namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		return ErrKeyNotFound
	}
	if _, ok := ns[key]; !ok {
		return ErrKeyNotFound
	}
	delete(ns, key)
	return nil
}

func (m *MemKVStore) Search(namespace string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for k, v := range m.data[namespace] {
		out[k] = v
	}
	return out, nil
}

func namespacePath(r *http.Request) string {
	return strings.Trim(mux.Vars(r)["namespace"], "/")
}

func (s *Server) storePut(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.KV.Put(namespacePath(r), vars["key"], body); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) storeGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	value, err := s.KV.Get(namespacePath(r), vars["key"])
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(value)
}

func (s *Server) storeDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.KV.Delete(namespacePath(r), vars["key"]); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) storeSearch(w http.ResponseWriter, r *http.Request) {
	items, err := s.KV.Search(namespacePath(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}
