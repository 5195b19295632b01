package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stintlab/stint/pkg/agentclient"
	"github.com/stintlab/stint/pkg/log"
	"github.com/stintlab/stint/pkg/storage"
	"github.com/stintlab/stint/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeAgent runs an httptest server whose health handler is switchable
type fakeAgent struct {
	srv *httptest.Server
	ok  atomic.Bool
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	f := &fakeAgent{}
	f.ok.Store(true)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.ok.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "host": "lab"})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgent) register(t *testing.T, s storage.Store, status types.AgentStatus) *types.Agent {
	t.Helper()
	u, err := url.Parse(f.srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	a := &types.Agent{
		Name: "lab", IP: u.Hostname(), Port: port, Status: status,
		TotalCPU: 8, TotalMemGB: 16, AvailableCPU: 8, AvailableMemGB: 16,
	}
	require.NoError(t, s.CreateAgent(a))
	return a
}

func TestHealthFlap(t *testing.T) {
	store := newStore(t)
	fake := newFakeAgent(t)
	agent := fake.register(t, store, types.AgentOffline)

	m := NewMonitor(store, agentclient.NewClient(agentclient.Config{HealthTimeout: time.Second}))

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time { return t0.Add(time.Duration(tick) * time.Minute) }

	// Tick T: healthy
	m.CheckAll(context.Background())
	got, err := store.GetAgent(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentOnline, got.Status)
	assert.Equal(t, t0, got.LastSeen)

	// Tick T+1: failing; status flips, last_seen does not move
	tick = 1
	fake.ok.Store(false)
	m.CheckAll(context.Background())
	got, err = store.GetAgent(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentOffline, got.Status)
	assert.Equal(t, t0, got.LastSeen)

	// Tick T+2: healthy again; last_seen advances
	tick = 2
	fake.ok.Store(true)
	m.CheckAll(context.Background())
	got, err = store.GetAgent(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentOnline, got.Status)
	assert.Equal(t, t0.Add(2*time.Minute), got.LastSeen)
}

func TestUnreachableAgentGoesOffline(t *testing.T) {
	store := newStore(t)
	a := &types.Agent{Name: "gone", IP: "127.0.0.1", Port: 1, Status: types.AgentOnline}
	require.NoError(t, store.CreateAgent(a))

	m := NewMonitor(store, agentclient.NewClient(agentclient.Config{HealthTimeout: 100 * time.Millisecond}))
	m.CheckAll(context.Background())

	got, err := store.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentOffline, got.Status)
}

func TestMaintenancePinned(t *testing.T) {
	store := newStore(t)
	fake := newFakeAgent(t)
	agent := fake.register(t, store, types.AgentMaintenance)

	m := NewMonitor(store, agentclient.NewClient(agentclient.Config{HealthTimeout: time.Second}))
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	// Healthy result still advances last_seen but keeps the pin
	m.CheckAll(context.Background())
	got, err := store.GetAgent(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentMaintenance, got.Status)
	assert.Equal(t, now, got.LastSeen)

	// Failing result keeps the pin too
	fake.ok.Store(false)
	m.CheckAll(context.Background())
	got, err = store.GetAgent(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentMaintenance, got.Status)
}
