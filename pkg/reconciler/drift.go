package reconciler

import (
	"context"
	"errors"
	"sync"

	"github.com/stintlab/stint/pkg/agentclient"
	"github.com/stintlab/stint/pkg/metrics"
	"github.com/stintlab/stint/pkg/types"
)

// managedLabel marks containers owned by the booking plane
const managedLabel = "compute_booking"

// reconcileDrift compares controller state against what each online
// agent actually runs. Active bookings whose container vanished are
// force-completed with their capacity credited; managed containers no
// booking references are stopped. The controller is authoritative for
// bookings, the agent for whether a container runs.
func (r *Reconciler) reconcileDrift(ctx context.Context) {
	agents, err := r.store.ListAgents()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list agents for drift pass")
		return
	}

	var wg sync.WaitGroup
	for _, agent := range agents {
		if agent.Status != types.AgentOnline {
			continue
		}
		wg.Add(1)
		go func(agent *types.Agent) {
			defer wg.Done()
			r.driftAgent(ctx, agent)
		}(agent)
	}
	wg.Wait()
}

func (r *Reconciler) driftAgent(ctx context.Context, agent *types.Agent) {
	containers, err := r.agents.ListContainers(ctx, agent)
	if err != nil {
		r.logger.Warn().
			Err(err).
			Int64("agent_id", agent.ID).
			Msg("Failed to list containers for drift pass")
		return
	}

	running := make(map[string]bool, len(containers))
	for _, c := range containers {
		running[c.Name] = true
	}

	// Containers referenced by an active booking stay untouched. Approved
	// bookings carry no container name yet, so only active ones are
	// collected.
	referenced := make(map[string]bool)
	active, err := r.store.ListBookingsByStatus(types.BookingActive)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list active bookings for drift pass")
		return
	}
	for _, b := range active {
		if b.ContainerName != "" {
			referenced[b.ContainerName] = true
		}
	}

	// Active bookings on this agent whose container is gone
	for _, b := range active {
		if b.AgentID != agent.ID || running[b.ContainerName] {
			continue
		}
		if err := r.completeBooking(b.ID); err != nil {
			if !errors.Is(err, errStale) {
				r.logger.Error().
					Err(err).
					Int64("booking_id", b.ID).
					Msg("Failed to force-complete drifted booking")
			}
			continue
		}
		metrics.DriftRepairsTotal.WithLabelValues("force_completed").Inc()
		r.logger.Warn().
			Int64("booking_id", b.ID).
			Int64("agent_id", agent.ID).
			Str("container", b.ContainerName).
			Msg("Container gone on agent, booking force-completed")
	}

	// Managed containers on this agent no booking references
	for _, c := range containers {
		if c.Labels["managed_by"] != managedLabel || referenced[c.Name] {
			continue
		}
		err := r.agents.StopContainer(ctx, agent, c.Name)
		if err != nil && !errors.Is(err, agentclient.ErrNotFound) {
			r.logger.Warn().
				Err(err).
				Int64("agent_id", agent.ID).
				Str("container", c.Name).
				Msg("Failed to stop orphan container")
			continue
		}
		metrics.DriftRepairsTotal.WithLabelValues("orphan_stopped").Inc()
		r.logger.Warn().
			Int64("agent_id", agent.ID).
			Str("container", c.Name).
			Msg("Stopped orphan container")
	}
}
