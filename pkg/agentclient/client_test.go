package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stintlab/stint/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// agentFor points a types.Agent at a httptest server
func agentFor(t *testing.T, srv *httptest.Server) *types.Agent {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return &types.Agent{ID: 1, Name: "test", IP: u.Hostname(), Port: port}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(HealthResponse{Status: "ok", Host: "lab-1", CPUPercent: 12.5})
	}))
	defer srv.Close()

	c := NewClient(Config{})
	resp, err := c.Health(context.Background(), agentFor(t, srv))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "lab-1", resp.Host)
}

func TestHealthTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(Config{HealthTimeout: 50 * time.Millisecond})
	_, err := c.Health(context.Background(), agentFor(t, srv))
	assert.Error(t, err)
}

func TestStartContainer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/start_container", r.URL.Path)
		var req StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "jupyter/notebook", req.Image)
		assert.Equal(t, 8042, req.Port)
		json.NewEncoder(w).Encode(StartResponse{
			ContainerName: "compute_1_42042",
			URL:           "http://agent:8042",
			Port:          8042,
		})
	}))
	defer srv.Close()

	c := NewClient(Config{})
	resp, err := c.StartContainer(context.Background(), agentFor(t, srv), StartRequest{
		UserID: 1, Image: "jupyter/notebook", CPU: 2, Memory: "4g", Port: 8042,
	})
	require.NoError(t, err)
	assert.Equal(t, "compute_1_42042", resp.ContainerName)
	assert.Equal(t, "http://agent:8042", resp.URL)
}

func TestStartContainerStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "Image not found: bogus"})
	}))
	defer srv.Close()

	c := NewClient(Config{})
	_, err := c.StartContainer(context.Background(), agentFor(t, srv), StartRequest{Image: "bogus"})

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusBadRequest, serr.Code)
	assert.True(t, serr.Definitive())
	assert.Contains(t, serr.Message, "Image not found")
}

func TestStartContainerIncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := NewClient(Config{})
	_, err := c.StartContainer(context.Background(), agentFor(t, srv), StartRequest{Image: "x"})
	assert.Error(t, err)
}

func TestStopContainer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stop_container/compute_1_42042", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"msg": "Container stopped"})
	}))
	defer srv.Close()

	c := NewClient(Config{})
	err := c.StopContainer(context.Background(), agentFor(t, srv), "compute_1_42042")
	assert.NoError(t, err)
}

func TestStopContainerNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "Container not found"})
	}))
	defer srv.Close()

	c := NewClient(Config{})
	err := c.StopContainer(context.Background(), agentFor(t, srv), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStopContainerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{})
	err := c.StopContainer(context.Background(), agentFor(t, srv), "name")

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.False(t, serr.Definitive())
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestListContainers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/containers", r.URL.Path)
		json.NewEncoder(w).Encode([]ContainerInfo{
			{ID: "abc123def456", Name: "compute_1_42042", Status: "running",
				Labels: map[string]string{"managed_by": "compute_booking"}},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{})
	containers, err := c.ListContainers(context.Background(), agentFor(t, srv))
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, "compute_1_42042", containers[0].Name)
}

func TestUnreachableAgent(t *testing.T) {
	c := NewClient(Config{HealthTimeout: 100 * time.Millisecond})
	agent := &types.Agent{ID: 1, IP: "127.0.0.1", Port: 1} // nothing listens here
	_, err := c.Health(context.Background(), agent)
	assert.Error(t, err)

	var serr *StatusError
	assert.False(t, errors.As(err, &serr))
}
