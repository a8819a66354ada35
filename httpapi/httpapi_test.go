package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/pregel-go/pregel"
	"github.com/dshills/pregel-go/pregel/emit"
	"github.com/dshills/pregel-go/pregel/runtime"
	"github.com/dshills/pregel-go/pregel/store"
	"github.com/dshills/pregel-go/stream"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	threadStore := store.NewMemStore()
	registry := runtime.NewRegistry()
	manager := runtime.NewManager(threadStore, registry, nil)

	return &Server{
		Registry:     registry,
		Manager:      manager,
		Store:        threadStore,
		Checkpointer: pregel.NewMemoryCheckpointer(),
		Streams:      stream.NewMultiplexer(32, 0),
		KV:           NewMemKVStore(),
	}
}

func TestThreadLifecycle_CreateGetDelete(t *testing.T) {
	srv := newTestServer(t)
	router := NewRouter(srv)

	createReq := httptest.NewRequest(http.MethodPost, "/threads", bytes.NewBufferString(`{"metadata":{"title":"test"}}`))
	createRec := httptest.NewRecorder()
	router.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code, createRec.Body.String())

	var created store.Thread
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID, "created thread should have a generated ID")

	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/threads/"+created.ID, nil))
	assert.Equal(t, http.StatusOK, getRec.Code)

	deleteRec := httptest.NewRecorder()
	router.ServeHTTP(deleteRec, httptest.NewRequest(http.MethodDelete, "/threads/"+created.ID, nil))
	assert.Equal(t, http.StatusNoContent, deleteRec.Code)

	missingRec := httptest.NewRecorder()
	router.ServeHTTP(missingRec, httptest.NewRequest(http.MethodGet, "/threads/"+created.ID, nil))
	assert.Equal(t, http.StatusNotFound, missingRec.Code, "GET after delete")
}

func TestThreadLifecycle_GetUnknownThreadIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	router := NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/threads/does-not-exist", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func registerEchoAssistant(t *testing.T, srv *Server) {
	t.Helper()
	engine, err := pregel.New(pregel.NewMemoryCheckpointer(), emit.NewNullEmitter())
	require.NoError(t, err)
	node := pregel.PregelNode{
		Name:     "echo",
		Channels: []string{"input"},
		Writes:   []string{"output"},
		Func: func(_ context.Context, input any) ([]pregel.ChannelWrite, []pregel.Send, error) {
			return []pregel.ChannelWrite{pregel.Write("output", input)}, nil, nil
		},
	}
	require.NoError(t, engine.AddNode(node))
	require.NoError(t, engine.DeclareChannel("input", func() pregel.Channel { return pregel.NewLastValueChannel() }))
	require.NoError(t, engine.DeclareChannel("output", func() pregel.Channel { return pregel.NewLastValueChannel() }))
	srv.Registry.Register("echo", engine)
	srv.Checkpointer = engine.Checkpointer()
}

func TestRunLifecycle_CreateAndWaitRunsRegisteredAssistant(t *testing.T) {
	srv := newTestServer(t)
	registerEchoAssistant(t, srv)
	router := NewRouter(srv)

	createThreadRec := httptest.NewRecorder()
	router.ServeHTTP(createThreadRec, httptest.NewRequest(http.MethodPost, "/threads", bytes.NewBufferString(`{}`)))
	var thread store.Thread
	require.NoError(t, json.Unmarshal(createThreadRec.Body.Bytes(), &thread))

	body := `{"assistant_id":"echo","input":{"input":"hello"}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/threads/"+thread.ID+"/runs/wait", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp["result"], "expected a non-nil result for a completed run")

	runsRec := httptest.NewRecorder()
	router.ServeHTTP(runsRec, httptest.NewRequest(http.MethodGet, "/threads/"+thread.ID+"/runs", nil))
	require.Equal(t, http.StatusOK, runsRec.Code)
	var runs []store.Run
	require.NoError(t, json.Unmarshal(runsRec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusCompleted, runs[0].Status)
}

func TestStoreHandlers_PutGetDelete(t *testing.T) {
	srv := newTestServer(t)
	router := NewRouter(srv)

	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, httptest.NewRequest(http.MethodPut, "/store/prefs/theme", bytes.NewBufferString(`"dark"`)))
	require.Equal(t, http.StatusNoContent, putRec.Code)

	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/store/prefs/theme", nil))
	require.Equal(t, http.StatusOK, getRec.Code)
	assert.Equal(t, `"dark"`, getRec.Body.String())

	deleteRec := httptest.NewRecorder()
	router.ServeHTTP(deleteRec, httptest.NewRequest(http.MethodDelete, "/store/prefs/theme", nil))
	require.Equal(t, http.StatusNoContent, deleteRec.Code)

	missingRec := httptest.NewRecorder()
	router.ServeHTTP(missingRec, httptest.NewRequest(http.MethodGet, "/store/prefs/theme", nil))
	assert.Equal(t, http.StatusNotFound, missingRec.Code, "GET after delete")
}

func TestStoreHandlers_SearchReturnsAllKeysInNamespace(t *testing.T) {
	srv := newTestServer(t)
	router := NewRouter(srv)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/store/prefs/theme", bytes.NewBufferString(`"dark"`)))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/store/prefs/locale", bytes.NewBufferString(`"en"`)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/store/prefs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var items map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Len(t, items, 2)
}

func TestListAssistants_ReturnsRegisteredIDs(t *testing.T) {
	srv := newTestServer(t)
	engine, _ := pregel.New(pregel.NewMemoryCheckpointer(), emit.NewNullEmitter())
	srv.Registry.Register("assistant-a", engine)
	router := NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assistants", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var ids []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ids))
	assert.Equal(t, []string{"assistant-a"}, ids)
}

func TestCancelRun_OnIdleThreadIsANoop(t *testing.T) {
	srv := newTestServer(t)
	router := NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/threads/t1/runs/does-not-matter/cancel", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
