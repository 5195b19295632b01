package types

import (
	"fmt"
	"time"
)

// UserRole defines the role of a user account
type UserRole string

const (
	RoleAdmin   UserRole = "admin"
	RoleStudent UserRole = "student"
)

// ParseUserRole converts a stored role string into a UserRole
func ParseUserRole(s string) (UserRole, error) {
	switch UserRole(s) {
	case RoleAdmin, RoleStudent:
		return UserRole(s), nil
	}
	return "", fmt.Errorf("unknown user role: %q", s)
}

// User represents a registered account
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"password_hash"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AgentStatus represents the observed state of a worker host
type AgentStatus string

const (
	AgentOnline      AgentStatus = "online"
	AgentOffline     AgentStatus = "offline"
	AgentMaintenance AgentStatus = "maintenance"
)

// ParseAgentStatus converts a stored status string into an AgentStatus
func ParseAgentStatus(s string) (AgentStatus, error) {
	switch AgentStatus(s) {
	case AgentOnline, AgentOffline, AgentMaintenance:
		return AgentStatus(s), nil
	}
	return "", fmt.Errorf("unknown agent status: %q", s)
}

// Agent represents a worker host that runs session containers
type Agent struct {
	ID         int64       `json:"id"`
	Name       string      `json:"name"`
	IP         string      `json:"ip"`
	MAC        string      `json:"mac,omitempty"`
	Port       int         `json:"port"`
	WolEnabled bool        `json:"wol_enabled"`
	Status     AgentStatus `json:"status"`
	LastSeen   time.Time   `json:"last_seen"`

	// Capacity in whole cores / whole GB. Available fields are mutated
	// only by the reconciler (and admin resets).
	TotalCPU       int `json:"total_cpu"`
	TotalMemGB     int `json:"total_mem_gb"`
	AvailableCPU   int `json:"available_cpu"`
	AvailableMemGB int `json:"available_mem_gb"`

	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Addr returns the host:port address of the agent's HTTP endpoint
func (a *Agent) Addr() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// BookingStatus represents a booking's position in its lifecycle
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingApproved  BookingStatus = "approved"
	BookingRejected  BookingStatus = "rejected"
	BookingActive    BookingStatus = "active"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// ParseBookingStatus converts a stored status string into a BookingStatus
func ParseBookingStatus(s string) (BookingStatus, error) {
	switch BookingStatus(s) {
	case BookingPending, BookingApproved, BookingRejected,
		BookingActive, BookingCompleted, BookingCancelled:
		return BookingStatus(s), nil
	}
	return "", fmt.Errorf("unknown booking status: %q", s)
}

// Terminal reports whether the status never transitions again
func (s BookingStatus) Terminal() bool {
	switch s {
	case BookingRejected, BookingCompleted, BookingCancelled:
		return true
	}
	return false
}

// transitions is the allowed edge set of the booking state machine
var transitions = map[BookingStatus][]BookingStatus{
	BookingPending:  {BookingApproved, BookingRejected, BookingCancelled},
	BookingApproved: {BookingActive, BookingCancelled},
	BookingActive:   {BookingCompleted},
}

// CanTransition reports whether from -> to is an allowed lifecycle edge
func CanTransition(from, to BookingStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Booking represents a user's intent to run a container for a bounded interval
type Booking struct {
	ID      int64 `json:"id"`
	UserID  int64 `json:"user_id"`
	AgentID int64 `json:"agent_id,omitempty"` // 0 until approved

	CPU    int    `json:"cpu"`
	Memory string `json:"memory"` // e.g. "4g", "512m"
	Image  string `json:"image"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Status    BookingStatus `json:"status"`

	ContainerName   string `json:"container_name,omitempty"`
	AccessURL       string `json:"access_url,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	Notes           string `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Overlaps reports whether the booking's [start, end) interval intersects
// the given half-open interval. Equal endpoints do not overlap.
func (b *Booking) Overlaps(start, end time.Time) bool {
	return b.StartTime.Before(end) && b.EndTime.After(start)
}

// MemGB returns the booking's memory request in whole GB
func (b *Booking) MemGB() int {
	gb, err := ParseMemoryGB(b.Memory)
	if err != nil {
		// Validated at acceptance; a bad stored value counts as zero
		// rather than poisoning capacity math.
		return 0
	}
	return gb
}
