package storage

import (
	"errors"

	"github.com/stintlab/stint/pkg/types"
)

var (
	// ErrNotFound is returned when an addressed entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEmail is returned when a user email is already registered
	ErrDuplicateEmail = errors.New("email already registered")
)

// Tx is the view handed to Update closures. Everything read and written
// through it belongs to a single write transaction, so a booking status
// change and the paired agent capacity change commit or roll back together.
type Tx interface {
	GetBooking(id int64) (*types.Booking, error)
	PutBooking(b *types.Booking) error
	GetAgent(id int64) (*types.Agent, error)
	PutAgent(a *types.Agent) error
	ListAgents() ([]*types.Agent, error)
	ListBookings() ([]*types.Booking, error)
}

// Store defines the interface for booking-plane state storage
type Store interface {
	// Users
	CreateUser(u *types.User) error
	GetUser(id int64) (*types.User, error)
	GetUserByEmail(email string) (*types.User, error)
	UpdateUser(u *types.User) error

	// Agents
	CreateAgent(a *types.Agent) error
	GetAgent(id int64) (*types.Agent, error)
	ListAgents() ([]*types.Agent, error)
	UpdateAgent(a *types.Agent) error

	// Bookings
	CreateBooking(b *types.Booking) error
	GetBooking(id int64) (*types.Booking, error)
	ListBookings() ([]*types.Booking, error)
	ListBookingsByUser(userID int64) ([]*types.Booking, error)
	ListBookingsByStatus(status types.BookingStatus) ([]*types.Booking, error)
	ListBookingsByAgent(agentID int64, status types.BookingStatus) ([]*types.Booking, error)
	UpdateBooking(b *types.Booking) error

	// Update runs fn inside a single write transaction. Returning an
	// error from fn aborts the transaction with nothing written.
	Update(fn func(tx Tx) error) error

	// Utility
	Close() error
}
