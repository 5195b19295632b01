// Package monitor probes every agent's health endpoint and records the
// observed fleet state. It runs at the top of each reconciler tick.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stintlab/stint/pkg/agentclient"
	"github.com/stintlab/stint/pkg/log"
	"github.com/stintlab/stint/pkg/metrics"
	"github.com/stintlab/stint/pkg/storage"
	"github.com/stintlab/stint/pkg/types"
)

// Monitor polls agents and updates their observed status
type Monitor struct {
	store  storage.Store
	agents *agentclient.Client
	logger zerolog.Logger

	now func() time.Time
}

// NewMonitor creates a health monitor
func NewMonitor(store storage.Store, agents *agentclient.Client) *Monitor {
	return &Monitor{
		store:  store,
		agents: agents,
		logger: log.WithComponent("monitor"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CheckAll probes every agent in parallel and commits the results in one
// transaction. A 200 makes the agent online and advances last_seen; any
// other outcome makes it offline and leaves last_seen alone. An
// admin-pinned maintenance status survives either result.
func (m *Monitor) CheckAll(ctx context.Context) {
	agents, err := m.store.ListAgents()
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list agents")
		return
	}
	if len(agents) == 0 {
		return
	}

	healthy := make([]bool, len(agents))
	var wg sync.WaitGroup
	for i, agent := range agents {
		wg.Add(1)
		go func(i int, agent *types.Agent) {
			defer wg.Done()
			_, err := m.agents.Health(ctx, agent)
			if err != nil {
				metrics.HealthCheckFailures.Inc()
				m.logger.Warn().
					Err(err).
					Int64("agent_id", agent.ID).
					Str("addr", agent.Addr()).
					Msg("Agent health check failed")
				return
			}
			healthy[i] = true
		}(i, agent)
	}
	wg.Wait()

	now := m.now()
	err = m.store.Update(func(tx storage.Tx) error {
		for i, probed := range agents {
			a, err := tx.GetAgent(probed.ID)
			if err != nil {
				// Deleted between the list and the commit; skip
				continue
			}
			if healthy[i] {
				a.LastSeen = now
				if a.Status != types.AgentMaintenance {
					a.Status = types.AgentOnline
				}
			} else if a.Status != types.AgentMaintenance {
				a.Status = types.AgentOffline
			}
			if err := tx.PutAgent(a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to commit health results")
		return
	}

	m.publishGauges()
}

// publishGauges refreshes the fleet status metrics
func (m *Monitor) publishGauges() {
	agents, err := m.store.ListAgents()
	if err != nil {
		return
	}
	counts := map[types.AgentStatus]int{
		types.AgentOnline:      0,
		types.AgentOffline:     0,
		types.AgentMaintenance: 0,
	}
	for _, a := range agents {
		counts[a.Status]++
	}
	for status, n := range counts {
		metrics.AgentsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
