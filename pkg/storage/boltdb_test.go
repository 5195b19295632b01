package storage

import (
	"testing"
	"time"

	"github.com/stintlab/stint/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)

	u := &types.User{
		Email:        "alice@x",
		Name:         "Alice",
		PasswordHash: "hash",
		Role:         types.RoleStudent,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.CreateUser(u))
	assert.Equal(t, int64(1), u.ID)

	got, err := s.GetUser(u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@x", got.Email)

	got, err = s.GetUserByEmail("ALICE@X")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.GetUser(99)
	assert.ErrorIs(t, err, ErrNotFound)

	// Duplicate email rejected
	err = s.CreateUser(&types.User{Email: "alice@x", Name: "Other"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	got.Active = false
	require.NoError(t, s.UpdateUser(got))
	got, err = s.GetUser(u.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)

	a := &types.Agent{
		Name:           "lab-1",
		IP:             "10.0.0.10",
		Port:           5000,
		Status:         types.AgentOffline,
		TotalCPU:       8,
		TotalMemGB:     16,
		AvailableCPU:   8,
		AvailableMemGB: 16,
	}
	require.NoError(t, s.CreateAgent(a))
	assert.Equal(t, int64(1), a.ID)

	a.Status = types.AgentOnline
	require.NoError(t, s.UpdateAgent(a))

	got, err := s.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentOnline, got.Status)

	agents, err := s.ListAgents()
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestBookingFilters(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	mk := func(userID, agentID int64, status types.BookingStatus) *types.Booking {
		b := &types.Booking{
			UserID:    userID,
			AgentID:   agentID,
			CPU:       2,
			Memory:    "4g",
			Image:     "jupyter/notebook",
			StartTime: now.Add(time.Hour),
			EndTime:   now.Add(3 * time.Hour),
			Status:    status,
			CreatedAt: now,
		}
		require.NoError(t, s.CreateBooking(b))
		return b
	}

	mk(1, 0, types.BookingPending)
	mk(1, 7, types.BookingActive)
	mk(2, 7, types.BookingActive)
	mk(2, 8, types.BookingApproved)

	byUser, err := s.ListBookingsByUser(1)
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	byStatus, err := s.ListBookingsByStatus(types.BookingActive)
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	byAgent, err := s.ListBookingsByAgent(7, types.BookingActive)
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	all, err := s.ListBookings()
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestUpdateAtomicity(t *testing.T) {
	s := newTestStore(t)

	a := &types.Agent{Name: "lab-1", IP: "10.0.0.10", Port: 5000,
		TotalCPU: 8, TotalMemGB: 16, AvailableCPU: 8, AvailableMemGB: 16,
		Status: types.AgentOnline}
	require.NoError(t, s.CreateAgent(a))

	b := &types.Booking{UserID: 1, AgentID: a.ID, CPU: 2, Memory: "4g",
		Image: "jupyter/notebook", Status: types.BookingApproved}
	require.NoError(t, s.CreateBooking(b))

	// An error aborts the whole transaction
	err := s.Update(func(tx Tx) error {
		bk, err := tx.GetBooking(b.ID)
		require.NoError(t, err)
		bk.Status = types.BookingActive
		require.NoError(t, tx.PutBooking(bk))

		ag, err := tx.GetAgent(a.ID)
		require.NoError(t, err)
		ag.AvailableCPU -= 2
		require.NoError(t, tx.PutAgent(ag))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	got, err := s.GetBooking(b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BookingApproved, got.Status)
	ag, err := s.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, ag.AvailableCPU)

	// Without the error both writes land
	require.NoError(t, s.Update(func(tx Tx) error {
		bk, err := tx.GetBooking(b.ID)
		if err != nil {
			return err
		}
		bk.Status = types.BookingActive
		if err := tx.PutBooking(bk); err != nil {
			return err
		}
		ag, err := tx.GetAgent(a.ID)
		if err != nil {
			return err
		}
		ag.AvailableCPU -= 2
		ag.AvailableMemGB -= 4
		return tx.PutAgent(ag)
	}))

	got, err = s.GetBooking(b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BookingActive, got.Status)
	ag, err = s.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, ag.AvailableCPU)
	assert.Equal(t, 12, ag.AvailableMemGB)
}
