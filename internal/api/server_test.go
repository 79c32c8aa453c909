package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"fetchd/internal/bus"
	"fetchd/internal/config"
	"fetchd/internal/engine"
	"fetchd/internal/storage"
)

const testMagnet = "magnet:?xt=urn:btih:cccccccccccccccccccccccccccccccccccccccc&dn=api-test"

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.Storage.Root = root
	cfg.Storage.DatabasePath = filepath.Join(root, "api.db")

	store, err := storage.Open(cfg.Storage.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := bus.NewMemoryBus()
	t.Cleanup(func() { b.Close() })
	store.SetBus(b)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := engine.NewService(cfg, store, b, "stub", log)
	streamer := engine.NewStreamer(svc, cfg.Stream, log)
	return NewServer(cfg.API, svc, streamer, log), store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndGet(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/tasks", map[string]string{"source": testMagnet})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Task   engine.TaskSnapshot `json:"task"`
		Reused bool                `json:"reused"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.False(t, created.Reused)
	require.Equal(t, storage.StatusQueued, created.Task.Status)
	require.Equal(t, storage.SourceMagnet, created.Task.SourceType)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/tasks/"+created.Task.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Identical submission reuses the live task.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/tasks", map[string]string{"source": testMagnet})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.True(t, created.Reused)
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/tasks", map[string]string{"source": "ftp://nope"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/tasks", map[string]string{"source": testMagnet, "mode": "bogus"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// 11 links in one body is over the batch cap.
	links := make([]string, 11)
	for i := range links {
		links[i] = "https://example.com/f" + string(rune('a'+i))
	}
	rec = doJSON(t, h, http.MethodPost, "/api/v1/tasks", map[string]string{"source": strings.Join(links, "\n")})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitBatch(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	body := "https://example.com/a.bin\n\nhttps://example.com/b.bin\n"
	rec := doJSON(t, h, http.MethodPost, "/api/v1/tasks", map[string]string{"source": body})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out struct {
		Tasks []engine.TaskSnapshot `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Tasks, 2)
}

func TestUnknownTask(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/tasks/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/tasks/nope/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSelectConflicts(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/tasks",
		map[string]string{"source": testMagnet, "mode": "select"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Task engine.TaskSnapshot `json:"task"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// Still queued: selection is a conflict.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/tasks/"+created.Task.ID+"/select",
		map[string]interface{}{"all": true})
	require.Equal(t, http.StatusConflict, rec.Code)

	// Park it in waiting_selection with a manifest, then select.
	require.NoError(t, store.UpdateTaskStatus(created.Task.ID, storage.StatusResolving, ""))
	require.NoError(t, store.InsertManifest(created.Task.ID, []storage.TaskFile{
		{ID: "f-0", Index: 0, Name: "a.bin", SizeBytes: 10},
	}))
	require.NoError(t, store.UpdateTaskStatus(created.Task.ID, storage.StatusWaitingSelection, ""))

	rec = doJSON(t, h, http.MethodPost, "/api/v1/tasks/"+created.Task.ID+"/select",
		map[string]interface{}{"all": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var selected struct {
		Task engine.TaskSnapshot `json:"task"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &selected))
	require.Equal(t, storage.StatusDownloading, selected.Task.Status)
}

func TestDeleteLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/tasks", map[string]string{"source": testMagnet})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Task engine.TaskSnapshot `json:"task"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// Delete works in any status, queued included.
	rec = doJSON(t, h, http.MethodDelete, "/api/v1/tasks/"+created.Task.ID+"?purge_files=true", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/tasks/"+created.Task.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/tasks/"+created.Task.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSSETerminalTask(t *testing.T) {
	srv, store := newTestServer(t)

	task := &storage.Task{ID: "sse-t1", Mode: storage.ModeAuto,
		SourceType: storage.SourceMagnet, Identifier: "h1",
		Status: storage.StatusReady}
	require.NoError(t, store.CreateTask(task))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/tasks/sse-t1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	require.Contains(t, text, "event: hello")
	require.Contains(t, text, "event: snapshot")
	require.Less(t, strings.Index(text, "event: hello"), strings.Index(text, "event: snapshot"))
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
