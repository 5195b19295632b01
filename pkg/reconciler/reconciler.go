package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stintlab/stint/pkg/agentclient"
	"github.com/stintlab/stint/pkg/log"
	"github.com/stintlab/stint/pkg/metrics"
	"github.com/stintlab/stint/pkg/monitor"
	"github.com/stintlab/stint/pkg/storage"
	"github.com/stintlab/stint/pkg/types"
	"github.com/stintlab/stint/pkg/wol"
)

// errStale aborts a phase commit whose booking changed status between
// the agent call and the write transaction (e.g. a concurrent cancel).
var errStale = errors.New("booking status changed")

// Config holds reconciler tuning
type Config struct {
	TickInterval time.Duration
	PrewakeLead  time.Duration
	PortBase     int
	DriftEvery   int // drift pass every N ticks; 0 disables
}

// Reconciler advances bookings through their lifecycle and keeps agent
// capacity bookkeeping paired with every transition
type Reconciler struct {
	store   storage.Store
	agents  *agentclient.Client
	monitor *monitor.Monitor
	cfg     Config
	logger  zerolog.Logger

	// wake sends a WoL magic packet; replaced in tests
	wake func(mac string) error
	// now is the reconciler's clock; replaced in tests
	now func() time.Time

	running atomic.Bool
	ticks   uint64
	stopCh  chan struct{}
}

// NewReconciler creates a new reconciler
func NewReconciler(store storage.Store, agents *agentclient.Client, mon *monitor.Monitor, cfg Config) *Reconciler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.PrewakeLead <= 0 {
		cfg.PrewakeLead = 10 * time.Minute
	}
	if cfg.PortBase == 0 {
		cfg.PortBase = 8000
	}
	return &Reconciler{
		store:   store,
		agents:  agents,
		monitor: mon,
		cfg:     cfg,
		logger:  log.WithComponent("reconciler"),
		wake:    func(mac string) error { return wol.Wake(mac, "") },
		now:     func() time.Time { return time.Now().UTC() },
		stopCh:  make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

// run is the main reconciliation loop. The loop goroutine runs ticks
// inline, so a slow cycle delays the next fire instead of overlapping
// it; time.Ticker coalesces anything missed in between.
func (r *Reconciler) run() {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.cfg.TickInterval).Msg("Reconciler started")

	for {
		select {
		case <-ticker.C:
			r.Tick(context.Background())
		case <-r.stopCh:
			r.logger.Info().Msg("Reconciler stopped")
			return
		}
	}
}

// Tick performs one reconciliation cycle: health pass, pre-wake, starts,
// stops, and periodically a drift pass. At most one tick runs at a time;
// a tick that fires while another runs is skipped.
func (r *Reconciler) Tick(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		metrics.ReconcileCyclesSkipped.Inc()
		r.logger.Warn().Msg("Previous cycle still running, skipping tick")
		return
	}
	defer r.running.Store(false)

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	r.ticks++

	r.monitor.CheckAll(ctx)
	r.phasePrewake(ctx)
	r.phaseStart(ctx)
	r.phaseStop(ctx)

	if r.cfg.DriftEvery > 0 && r.ticks%uint64(r.cfg.DriftEvery) == 0 {
		r.reconcileDrift(ctx)
	}

	r.publishBookingGauges()
}

// phasePrewake sends WoL packets for bookings starting within the lead
// window so suspended workers have time to boot. Failures are logged and
// change no state.
func (r *Reconciler) phasePrewake(ctx context.Context) {
	now := r.now()
	bookings, err := r.store.ListBookingsByStatus(types.BookingApproved)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list approved bookings")
		return
	}

	for _, b := range bookings {
		if !b.StartTime.After(now) || b.StartTime.After(now.Add(r.cfg.PrewakeLead)) {
			continue
		}
		agent, err := r.store.GetAgent(b.AgentID)
		if err != nil {
			r.logger.Error().
				Err(err).
				Int64("booking_id", b.ID).
				Int64("agent_id", b.AgentID).
				Msg("Failed to load agent for pre-wake")
			continue
		}
		if !agent.WolEnabled || agent.MAC == "" {
			continue
		}
		if err := r.wake(agent.MAC); err != nil {
			r.logger.Error().
				Err(err).
				Int64("agent_id", agent.ID).
				Str("mac", agent.MAC).
				Msg("Wake-on-LAN failed")
			continue
		}
		metrics.WolPacketsTotal.Inc()
		r.logger.Info().
			Int64("booking_id", b.ID).
			Int64("agent_id", agent.ID).
			Str("ip", agent.IP).
			Msg("Wake-on-LAN sent")
	}
}

// phaseStart starts containers for approved bookings whose time has
// arrived. Calls fan out one goroutine per agent; bookings bound to the
// same agent stay serial.
func (r *Reconciler) phaseStart(ctx context.Context) {
	now := r.now()
	bookings, err := r.store.ListBookingsByStatus(types.BookingApproved)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list approved bookings")
		return
	}

	due := bookings[:0]
	for _, b := range bookings {
		if !b.StartTime.After(now) {
			due = append(due, b)
		}
	}

	r.forEachAgentGroup(due, func(b *types.Booking) {
		if err := r.startBooking(ctx, b); err != nil {
			r.logger.Error().
				Err(err).
				Int64("booking_id", b.ID).
				Int64("agent_id", b.AgentID).
				Msg("Failed to start booking")
		}
	})
}

func (r *Reconciler) startBooking(ctx context.Context, b *types.Booking) error {
	agent, err := r.store.GetAgent(b.AgentID)
	if err != nil {
		return err
	}
	if agent.Status != types.AgentOnline {
		metrics.ReconcileSkippedTotal.WithLabelValues("agent_not_online").Inc()
		r.logger.Debug().
			Int64("booking_id", b.ID).
			Int64("agent_id", agent.ID).
			Str("agent_status", string(agent.Status)).
			Msg("Agent not online, deferring start")
		return nil
	}

	// The port is not checked for collisions with other active sessions
	// on the same agent
	port := r.cfg.PortBase + int(b.ID%1000)
	resp, err := r.agents.StartContainer(ctx, agent, agentclient.StartRequest{
		UserID: b.UserID,
		Image:  b.Image,
		CPU:    b.CPU,
		Memory: b.Memory,
		Port:   port,
	})
	if err != nil {
		metrics.ContainerStartFailures.Inc()
		var serr *agentclient.StatusError
		if errors.As(err, &serr) && serr.Definitive() {
			// e.g. image not found: the agent will keep answering the
			// same way, but the booking stays approved for admin action
			r.logger.Warn().
				Err(err).
				Int64("booking_id", b.ID).
				Int64("agent_id", agent.ID).
				Msg("Agent rejected container start")
			return nil
		}
		return err
	}

	err = r.store.Update(func(tx storage.Tx) error {
		cur, err := tx.GetBooking(b.ID)
		if err != nil {
			return err
		}
		if cur.Status != types.BookingApproved {
			// Lost the race against a cancel: commit nothing. The
			// container just created is reaped by the drift pass.
			return errStale
		}
		cur.Status = types.BookingActive
		cur.ContainerName = resp.ContainerName
		cur.AccessURL = resp.URL
		cur.UpdatedAt = r.now()
		if err := tx.PutBooking(cur); err != nil {
			return err
		}

		a, err := tx.GetAgent(cur.AgentID)
		if err != nil {
			return err
		}
		a.AvailableCPU -= cur.CPU
		a.AvailableMemGB -= cur.MemGB()
		return tx.PutAgent(a)
	})
	if errors.Is(err, errStale) {
		metrics.ReconcileSkippedTotal.WithLabelValues("cancelled_mid_start").Inc()
		r.logger.Info().
			Int64("booking_id", b.ID).
			Str("container", resp.ContainerName).
			Msg("Booking no longer approved, leaving container for drift reap")
		return nil
	}
	if err != nil {
		return err
	}

	metrics.ContainerStartsTotal.Inc()
	r.logger.Info().
		Int64("booking_id", b.ID).
		Int64("agent_id", agent.ID).
		Str("container", resp.ContainerName).
		Str("url", resp.URL).
		Msg("Booking started")
	return nil
}

// phaseStop stops containers for active bookings past their end time
func (r *Reconciler) phaseStop(ctx context.Context) {
	now := r.now()
	bookings, err := r.store.ListBookingsByStatus(types.BookingActive)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list active bookings")
		return
	}

	expired := bookings[:0]
	for _, b := range bookings {
		if !b.EndTime.After(now) {
			expired = append(expired, b)
		}
	}

	r.forEachAgentGroup(expired, func(b *types.Booking) {
		if err := r.stopBooking(ctx, b); err != nil {
			r.logger.Error().
				Err(err).
				Int64("booking_id", b.ID).
				Int64("agent_id", b.AgentID).
				Msg("Failed to stop booking")
		}
	})
}

func (r *Reconciler) stopBooking(ctx context.Context, b *types.Booking) error {
	agent, err := r.store.GetAgent(b.AgentID)
	if err != nil {
		return err
	}

	err = r.agents.StopContainer(ctx, agent, b.ContainerName)
	if err != nil && !errors.Is(err, agentclient.ErrNotFound) {
		// Transient: stays active, retried next tick
		metrics.ContainerStopFailures.Inc()
		return err
	}

	if err := r.completeBooking(b.ID); err != nil {
		if errors.Is(err, errStale) {
			return nil
		}
		return err
	}

	metrics.ContainerStopsTotal.Inc()
	r.logger.Info().
		Int64("booking_id", b.ID).
		Int64("agent_id", agent.ID).
		Str("container", b.ContainerName).
		Msg("Booking completed")
	return nil
}

// completeBooking marks a booking completed and credits its capacity
// back in the same transaction. Credits clamp at the agent's totals so a
// repeated completion attempt can never inflate capacity.
func (r *Reconciler) completeBooking(bookingID int64) error {
	return r.store.Update(func(tx storage.Tx) error {
		cur, err := tx.GetBooking(bookingID)
		if err != nil {
			return err
		}
		if cur.Status != types.BookingActive {
			return errStale
		}
		cur.Status = types.BookingCompleted
		cur.UpdatedAt = r.now()
		if err := tx.PutBooking(cur); err != nil {
			return err
		}

		a, err := tx.GetAgent(cur.AgentID)
		if err != nil {
			return err
		}
		a.AvailableCPU = min(a.TotalCPU, a.AvailableCPU+cur.CPU)
		a.AvailableMemGB = min(a.TotalMemGB, a.AvailableMemGB+cur.MemGB())
		return tx.PutAgent(a)
	})
}

// forEachAgentGroup runs fn over bookings with one goroutine per agent;
// bookings on the same agent run serially in id order
func (r *Reconciler) forEachAgentGroup(bookings []*types.Booking, fn func(*types.Booking)) {
	groups := make(map[int64][]*types.Booking)
	for _, b := range bookings {
		groups[b.AgentID] = append(groups[b.AgentID], b)
	}

	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group []*types.Booking) {
			defer wg.Done()
			for _, b := range group {
				fn(b)
			}
		}(group)
	}
	wg.Wait()
}

// publishBookingGauges refreshes the booking status metrics
func (r *Reconciler) publishBookingGauges() {
	bookings, err := r.store.ListBookings()
	if err != nil {
		return
	}
	counts := map[types.BookingStatus]int{
		types.BookingPending:   0,
		types.BookingApproved:  0,
		types.BookingRejected:  0,
		types.BookingActive:    0,
		types.BookingCompleted: 0,
		types.BookingCancelled: 0,
	}
	for _, b := range bookings {
		counts[b.Status]++
	}
	for status, n := range counts {
		metrics.BookingsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
