package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stintlab/stint/pkg/log"
	"github.com/stintlab/stint/pkg/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeRuntime is an in-memory Runtime for handler tests
type fakeRuntime struct {
	mu         sync.Mutex
	images     map[string]bool // pullable images
	sessions   map[string]runtime.SessionSpec
	startErr   error
	collisions int // force this many ErrAlreadyExists results
}

func newFakeRuntime(images ...string) *fakeRuntime {
	f := &fakeRuntime{
		images:   make(map[string]bool),
		sessions: make(map[string]runtime.SessionSpec),
	}
	for _, img := range images {
		f.images[img] = true
	}
	return f
}

func (f *fakeRuntime) EnsureImage(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[image] {
		return errors.New("image not found in registry")
	}
	return nil
}

func (f *fakeRuntime) StartSession(_ context.Context, name string, spec runtime.SessionSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.collisions > 0 {
		f.collisions--
		return runtime.ErrAlreadyExists
	}
	if _, ok := f.sessions[name]; ok {
		return runtime.ErrAlreadyExists
	}
	f.sessions[name] = spec
	return nil
}

func (f *fakeRuntime) StopSession(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[name]; !ok {
		return runtime.ErrNotFound
	}
	delete(f.sessions, name)
	return nil
}

func (f *fakeRuntime) ListSessions(_ context.Context) ([]runtime.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.SessionInfo
	for name := range f.sessions {
		out = append(out, runtime.SessionInfo{
			ID:     name + "-0123456789abcdef",
			Name:   name,
			Status: "running",
			Labels: map[string]string{"managed_by": "compute_booking"},
		})
	}
	return out, nil
}

func (f *fakeRuntime) Close() error { return nil }

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := NewServer(newFakeRuntime(), Config{AdvertiseHost: "lab-1"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["host"])
	assert.Contains(t, body, "cpu_percent")
	assert.Contains(t, body, "memory_percent")
}

func TestStartContainer(t *testing.T) {
	rt := newFakeRuntime("jupyter/notebook")
	s := NewServer(rt, Config{AdvertiseHost: "lab-1"})

	w := postJSON(t, s.Router(), "/start_container", map[string]any{
		"image": "jupyter/notebook", "cpu": 2, "memory": "4g", "port": 8064, "user_id": 7,
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		ContainerName string `json:"container_name"`
		URL           string `json:"url"`
		Port          int    `json:"port"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Regexp(t, regexp.MustCompile(`^compute_7_\d{5}$`), resp.ContainerName)
	assert.Equal(t, "http://lab-1:8064", resp.URL)
	assert.Equal(t, 8064, resp.Port)

	spec, ok := rt.sessions[resp.ContainerName]
	require.True(t, ok)
	assert.Equal(t, 2, spec.CPUCores)
	assert.Equal(t, int64(4<<30), spec.MemoryBytes)
	assert.Equal(t, int64(7), spec.UserID)
}

func TestStartContainerDefaults(t *testing.T) {
	rt := newFakeRuntime("python:3")
	s := NewServer(rt, Config{})

	w := postJSON(t, s.Router(), "/start_container", map[string]any{
		"image": "python:3", "user_id": 1,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Port int `json:"port"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 8888, resp.Port)
}

func TestStartContainerMissingImage(t *testing.T) {
	s := NewServer(newFakeRuntime(), Config{})
	w := postJSON(t, s.Router(), "/start_container", map[string]any{"user_id": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Missing image parameter")
}

func TestStartContainerUnknownImage(t *testing.T) {
	s := NewServer(newFakeRuntime(), Config{})
	w := postJSON(t, s.Router(), "/start_container", map[string]any{
		"image": "ghost:latest", "user_id": 1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Image not found")
}

func TestStartContainerBadMemory(t *testing.T) {
	s := NewServer(newFakeRuntime("python:3"), Config{})
	w := postJSON(t, s.Router(), "/start_container", map[string]any{
		"image": "python:3", "memory": "lots", "user_id": 1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartContainerNameCollisionRetries(t *testing.T) {
	rt := newFakeRuntime("python:3")
	rt.collisions = 2
	s := NewServer(rt, Config{})

	w := postJSON(t, s.Router(), "/start_container", map[string]any{
		"image": "python:3", "user_id": 1,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, rt.sessions, 1)
}

func TestStartContainerRuntimeError(t *testing.T) {
	rt := newFakeRuntime("python:3")
	rt.startErr = assert.AnError
	s := NewServer(rt, Config{})

	w := postJSON(t, s.Router(), "/start_container", map[string]any{
		"image": "python:3", "user_id": 1,
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestStopContainer(t *testing.T) {
	rt := newFakeRuntime("python:3")
	s := NewServer(rt, Config{})

	w := postJSON(t, s.Router(), "/start_container", map[string]any{
		"image": "python:3", "user_id": 1,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		ContainerName string `json:"container_name"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	w = postJSON(t, s.Router(), "/stop_container/"+resp.ContainerName, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, rt.sessions)

	// Second stop: definitive 404
	w = postJSON(t, s.Router(), "/stop_container/"+resp.ContainerName, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Container not found")
}

func TestListContainers(t *testing.T) {
	rt := newFakeRuntime("python:3")
	s := NewServer(rt, Config{})

	postJSON(t, s.Router(), "/start_container", map[string]any{"image": "python:3", "user_id": 3})

	req := httptest.NewRequest(http.MethodGet, "/containers", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Len(t, list[0]["id"], 12)
	assert.True(t, strings.HasPrefix(list[0]["name"].(string), "compute_3_"))
}

func TestTestImage(t *testing.T) {
	s := NewServer(newFakeRuntime("jupyter/notebook"), Config{})

	w := postJSON(t, s.Router(), "/test_image/jupyter/notebook", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "available")

	w = postJSON(t, s.Router(), "/test_image/ghost:latest", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
