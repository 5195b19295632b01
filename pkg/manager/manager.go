package manager

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stintlab/stint/pkg/log"
	"github.com/stintlab/stint/pkg/storage"
	"github.com/stintlab/stint/pkg/types"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrConflict is returned for state machine and uniqueness violations
	ErrConflict = errors.New("conflict")

	// ErrNoAgents is returned when auto-selection finds no online agent
	// that can satisfy a booking
	ErrNoAgents = errors.New("no available agents")

	// ErrAgentUnavailable is returned when an explicitly named agent
	// does not exist or is not online
	ErrAgentUnavailable = errors.New("selected agent not available")

	// ErrInvalidCredentials is returned on bad email or password
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountDisabled is returned when a disabled user logs in
	ErrAccountDisabled = errors.New("account disabled")
)

// ValidationErrors maps field names to their validation messages
type ValidationErrors map[string][]string

func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for f := range v {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return "validation failed: " + strings.Join(fields, ", ")
}

func (v ValidationErrors) add(field, msg string) {
	v[field] = append(v[field], msg)
}

// Manager owns the booking-plane business logic over the store. It is
// shared by the API server and the CLI provisioning path.
type Manager struct {
	store  storage.Store
	tokens *TokenManager
	logger zerolog.Logger

	// now is the manager's clock; replaced in tests
	now func() time.Time
}

// NewManager creates a new manager over the given store
func NewManager(store storage.Store, tokens *TokenManager) *Manager {
	return &Manager{
		store:  store,
		tokens: tokens,
		logger: log.WithComponent("manager"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Store exposes the underlying store to the reconciler wiring
func (m *Manager) Store() storage.Store {
	return m.store
}

// Tokens exposes the token manager to the API middleware
func (m *Manager) Tokens() *TokenManager {
	return m.tokens
}

// RegisterRequest is a user registration payload
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Register creates a new user account. The role defaults to student.
func (m *Manager) Register(req RegisterRequest) (*types.User, error) {
	verr := ValidationErrors{}
	if len(req.Name) < 2 || len(req.Name) > 80 {
		verr.add("name", "must be between 2 and 80 characters")
	}
	if !strings.Contains(req.Email, "@") {
		verr.add("email", "must be a valid email address")
	}
	if len(req.Password) < 6 {
		verr.add("password", "must be at least 6 characters")
	}
	role := types.RoleStudent
	if req.Role != "" {
		parsed, err := types.ParseUserRole(req.Role)
		if err != nil {
			verr.add("role", "must be one of: admin, student")
		} else {
			role = parsed
		}
	}
	if len(verr) > 0 {
		return nil, verr
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &types.User{
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
		CreatedAt:    m.now(),
	}
	if err := m.store.CreateUser(user); err != nil {
		if errors.Is(err, storage.ErrDuplicateEmail) {
			return nil, fmt.Errorf("%w: %s", ErrConflict, err)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	m.logger.Info().Str("email", user.Email).Int64("user_id", user.ID).Msg("User registered")
	return user, nil
}

// Login verifies credentials and issues a bearer token
func (m *Manager) Login(email, password string) (string, *types.User, error) {
	user, err := m.store.GetUserByEmail(email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", nil, ErrInvalidCredentials
	}
	if !user.Active {
		return "", nil, ErrAccountDisabled
	}

	token, err := m.tokens.Issue(user)
	if err != nil {
		return "", nil, fmt.Errorf("failed to issue token: %w", err)
	}

	m.logger.Info().Str("email", user.Email).Msg("User login")
	return token, user, nil
}

// GetUser returns the user with the given id
func (m *Manager) GetUser(id int64) (*types.User, error) {
	return m.store.GetUser(id)
}

// BookingRequest is a booking creation payload
type BookingRequest struct {
	CPU        int       `json:"cpu"`
	Memory     string    `json:"memory"`
	Image      string    `json:"image"`
	StartTime  time.Time `json:"start_time"`
	DurationHr int       `json:"duration_hr"`
	Tags       string    `json:"tags"`
}

// CreateBooking validates and records a user's session request
func (m *Manager) CreateBooking(userID int64, req BookingRequest) (*types.Booking, error) {
	verr := ValidationErrors{}
	if req.CPU < 1 || req.CPU > 16 {
		verr.add("cpu", "must be between 1 and 16")
	}
	if _, err := types.ParseMemoryGB(req.Memory); err != nil {
		verr.add("memory", "must match a value like 4g or 512m")
	}
	if len(req.Image) < 1 || len(req.Image) > 100 {
		verr.add("image", "must be between 1 and 100 characters")
	}
	if req.DurationHr < 1 || req.DurationHr > 24 {
		verr.add("duration_hr", "must be between 1 and 24")
	}
	if req.StartTime.IsZero() {
		verr.add("start_time", "is required")
	}
	if len(verr) > 0 {
		return nil, verr
	}

	now := m.now()
	start := req.StartTime.UTC()
	if !start.After(now) {
		verr.add("start_time", "must be in the future")
		return nil, verr
	}
	end := start.Add(time.Duration(req.DurationHr) * time.Hour)

	// Half-open overlap check against the caller's committed sessions
	existing, err := m.store.ListBookingsByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	for _, b := range existing {
		if b.Status != types.BookingApproved && b.Status != types.BookingActive {
			continue
		}
		if b.Overlaps(start, end) {
			return nil, fmt.Errorf("%w: booking overlaps with existing session", ErrConflict)
		}
	}

	booking := &types.Booking{
		UserID:    userID,
		CPU:       req.CPU,
		Memory:    req.Memory,
		Image:     req.Image,
		StartTime: start,
		EndTime:   end,
		Status:    types.BookingPending,
		Notes:     req.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateBooking(booking); err != nil {
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}

	m.logger.Info().
		Int64("booking_id", booking.ID).
		Int64("user_id", userID).
		Time("start", start).
		Msg("Booking created")
	return booking, nil
}

// ListUserBookings returns the user's bookings newest-first
func (m *Manager) ListUserBookings(userID int64) ([]*types.Booking, error) {
	bookings, err := m.store.ListBookingsByUser(userID)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(bookings)
	return bookings, nil
}

// CancelBooking cancels the owner's booking from pending or approved
func (m *Manager) CancelBooking(userID, bookingID int64) error {
	err := m.store.Update(func(tx storage.Tx) error {
		b, err := tx.GetBooking(bookingID)
		if err != nil {
			return err
		}
		if b.UserID != userID {
			// Do not reveal other users' bookings
			return storage.ErrNotFound
		}
		if !types.CanTransition(b.Status, types.BookingCancelled) {
			return fmt.Errorf("%w: cannot cancel booking in %s status", ErrConflict, b.Status)
		}
		b.Status = types.BookingCancelled
		b.UpdatedAt = m.now()
		return tx.PutBooking(b)
	})
	if err != nil {
		return err
	}

	m.logger.Info().Int64("booking_id", bookingID).Msg("Booking cancelled")
	return nil
}

// ListBookings returns all bookings newest-first, optionally filtered by status
func (m *Manager) ListBookings(status string) ([]*types.Booking, error) {
	var bookings []*types.Booking
	var err error
	if status != "" {
		st, perr := types.ParseBookingStatus(status)
		if perr != nil {
			return nil, ValidationErrors{"status": {"unknown booking status"}}
		}
		bookings, err = m.store.ListBookingsByStatus(st)
	} else {
		bookings, err = m.store.ListBookings()
	}
	if err != nil {
		return nil, err
	}
	sortNewestFirst(bookings)
	return bookings, nil
}

// Approve binds a pending booking to an agent and marks it approved.
// A zero agentID auto-selects the online agent with the most free CPU
// that fits the request; ties break toward the smallest id. Approval
// never debits capacity; that happens on container start.
func (m *Manager) Approve(bookingID, agentID int64) (int64, error) {
	var chosen int64
	err := m.store.Update(func(tx storage.Tx) error {
		b, err := tx.GetBooking(bookingID)
		if err != nil {
			return err
		}
		if b.Status != types.BookingPending {
			return fmt.Errorf("%w: cannot approve booking in %s status", ErrConflict, b.Status)
		}

		var agent *types.Agent
		if agentID != 0 {
			agent, err = tx.GetAgent(agentID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return ErrAgentUnavailable
				}
				return err
			}
			if agent.Status != types.AgentOnline {
				return ErrAgentUnavailable
			}
		} else {
			// Selection runs against the write transaction's snapshot,
			// so a stale earlier read cannot over-commit an agent.
			agents, err := tx.ListAgents()
			if err != nil {
				return err
			}
			agent = selectAgent(agents, b.CPU, b.MemGB())
			if agent == nil {
				return ErrNoAgents
			}
		}

		b.Status = types.BookingApproved
		b.AgentID = agent.ID
		b.UpdatedAt = m.now()
		chosen = agent.ID
		return tx.PutBooking(b)
	})
	if err != nil {
		return 0, err
	}

	m.logger.Info().
		Int64("booking_id", bookingID).
		Int64("agent_id", chosen).
		Msg("Booking approved")
	return chosen, nil
}

// selectAgent picks the online agent with the greatest available CPU that
// fits the request; ties break toward the smallest id
func selectAgent(agents []*types.Agent, cpu, memGB int) *types.Agent {
	var best *types.Agent
	for _, a := range agents {
		if a.Status != types.AgentOnline {
			continue
		}
		if a.AvailableCPU < cpu || a.AvailableMemGB < memGB {
			continue
		}
		if best == nil || a.AvailableCPU > best.AvailableCPU ||
			(a.AvailableCPU == best.AvailableCPU && a.ID < best.ID) {
			best = a
		}
	}
	return best
}

// Reject marks a pending booking rejected with a reason
func (m *Manager) Reject(bookingID int64, reason string) error {
	if reason == "" {
		reason = "Rejected by admin"
	}
	err := m.store.Update(func(tx storage.Tx) error {
		b, err := tx.GetBooking(bookingID)
		if err != nil {
			return err
		}
		if b.Status != types.BookingPending {
			return fmt.Errorf("%w: cannot reject booking in %s status", ErrConflict, b.Status)
		}
		b.Status = types.BookingRejected
		b.RejectionReason = reason
		b.UpdatedAt = m.now()
		return tx.PutBooking(b)
	})
	if err != nil {
		return err
	}

	m.logger.Info().Int64("booking_id", bookingID).Msg("Booking rejected")
	return nil
}

// Extend pushes an active booking's end time out by the given hours
func (m *Manager) Extend(bookingID int64, hours int) (time.Time, error) {
	if hours < 1 {
		return time.Time{}, ValidationErrors{"hours": {"must be at least 1"}}
	}
	var newEnd time.Time
	err := m.store.Update(func(tx storage.Tx) error {
		b, err := tx.GetBooking(bookingID)
		if err != nil {
			return err
		}
		if b.Status != types.BookingActive {
			return fmt.Errorf("%w: only active bookings can be extended", ErrConflict)
		}
		b.EndTime = b.EndTime.Add(time.Duration(hours) * time.Hour)
		b.UpdatedAt = m.now()
		newEnd = b.EndTime
		return tx.PutBooking(b)
	})
	if err != nil {
		return time.Time{}, err
	}

	m.logger.Info().
		Int64("booking_id", bookingID).
		Int("hours", hours).
		Time("new_end", newEnd).
		Msg("Booking extended")
	return newEnd, nil
}

// ListAgents returns all agents
func (m *Manager) ListAgents() ([]*types.Agent, error) {
	return m.store.ListAgents()
}

// RegisterAgent provisions a new worker row. Available capacity starts
// equal to total.
func (m *Manager) RegisterAgent(a *types.Agent) error {
	if a.Name == "" || a.IP == "" {
		return ValidationErrors{"agent": {"name and ip are required"}}
	}
	if a.Port == 0 {
		a.Port = 5000
	}
	if a.Status == "" {
		a.Status = types.AgentOffline
	}
	a.AvailableCPU = a.TotalCPU
	a.AvailableMemGB = a.TotalMemGB
	a.CreatedAt = m.now()
	if err := m.store.CreateAgent(a); err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	m.logger.Info().Int64("agent_id", a.ID).Str("name", a.Name).Msg("Agent registered")
	return nil
}

// SetAgentStatus applies an admin status override
func (m *Manager) SetAgentStatus(agentID int64, status types.AgentStatus) error {
	err := m.store.Update(func(tx storage.Tx) error {
		a, err := tx.GetAgent(agentID)
		if err != nil {
			return err
		}
		a.Status = status
		return tx.PutAgent(a)
	})
	if err != nil {
		return err
	}

	m.logger.Info().
		Int64("agent_id", agentID).
		Str("status", string(status)).
		Msg("Agent status updated")
	return nil
}

// Stats holds cheap booking counts from a single snapshot
type Stats struct {
	TotalBookings int `json:"total_bookings"`
	Pending       int `json:"pending"`
	Approved      int `json:"approved"`
	Active        int `json:"active"`
	Completed     int `json:"completed"`
	OnlineAgents  int `json:"online_agents"`
}

// GetStats computes counts by status plus online agents. Both entity
// scans run inside one transaction so the numbers are read-consistent.
func (m *Manager) GetStats() (Stats, error) {
	var stats Stats
	err := m.store.Update(func(tx storage.Tx) error {
		bookings, err := tx.ListBookings()
		if err != nil {
			return err
		}
		stats.TotalBookings = len(bookings)
		for _, b := range bookings {
			switch b.Status {
			case types.BookingPending:
				stats.Pending++
			case types.BookingApproved:
				stats.Approved++
			case types.BookingActive:
				stats.Active++
			case types.BookingCompleted:
				stats.Completed++
			}
		}

		agents, err := tx.ListAgents()
		if err != nil {
			return err
		}
		for _, a := range agents {
			if a.Status == types.AgentOnline {
				stats.OnlineAgents++
			}
		}
		return nil
	})
	return stats, err
}

func sortNewestFirst(bookings []*types.Booking) {
	sort.Slice(bookings, func(i, j int) bool {
		if bookings[i].CreatedAt.Equal(bookings[j].CreatedAt) {
			return bookings[i].ID > bookings[j].ID
		}
		return bookings[i].CreatedAt.After(bookings[j].CreatedAt)
	})
}
