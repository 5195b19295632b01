package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/stintlab/stint/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketUsers    = []byte("users")
	bucketAgents   = []byte("agents")
	bucketBookings = []byte("bookings")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "stint.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketUsers, bucketAgents, bucketBookings}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// itob encodes an id as a sortable 8-byte big-endian key
func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func put(b *bolt.Bucket, id int64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(itob(id), data)
}

// User operations

func (s *BoltStore) CreateUser(u *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)

		// Email uniqueness is checked inside the same write transaction;
		// bolt serializes writers, so two racing registrations cannot
		// both pass.
		var dup bool
		err := b.ForEach(func(_, v []byte) error {
			var existing types.User
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if strings.EqualFold(existing.Email, u.Email) {
				dup = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if dup {
			return ErrDuplicateEmail
		}

		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		u.ID = int64(id)
		return put(b, u.ID, u)
	})
}

func (s *BoltStore) GetUser(id int64) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get(itob(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) GetUserByEmail(email string) (*types.User, error) {
	var user *types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			if strings.EqualFold(u.Email, email) {
				user = &u
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNotFound
	}
	return user, nil
}

func (s *BoltStore) UpdateUser(u *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get(itob(u.ID)) == nil {
			return ErrNotFound
		}
		return put(b, u.ID, u)
	})
}

// Agent operations

func (s *BoltStore) CreateAgent(a *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		a.ID = int64(id)
		return put(b, a.ID, a)
	})
}

func (s *BoltStore) GetAgent(id int64) (*types.Agent, error) {
	var agent *types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		agent, err = getAgent(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *BoltStore) ListAgents() ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		agents, err = listAgents(tx)
		return err
	})
	return agents, err
}

func (s *BoltStore) UpdateAgent(a *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		if b.Get(itob(a.ID)) == nil {
			return ErrNotFound
		}
		return put(b, a.ID, a)
	})
}

// Booking operations

func (s *BoltStore) CreateBooking(b *types.Booking) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketBookings)
		id, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		b.ID = int64(id)
		return put(bkt, b.ID, b)
	})
}

func (s *BoltStore) GetBooking(id int64) (*types.Booking, error) {
	var booking *types.Booking
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		booking, err = getBooking(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return booking, nil
}

func (s *BoltStore) ListBookings() ([]*types.Booking, error) {
	return s.listBookings(func(*types.Booking) bool { return true })
}

func (s *BoltStore) ListBookingsByUser(userID int64) ([]*types.Booking, error) {
	return s.listBookings(func(b *types.Booking) bool { return b.UserID == userID })
}

func (s *BoltStore) ListBookingsByStatus(status types.BookingStatus) ([]*types.Booking, error) {
	return s.listBookings(func(b *types.Booking) bool { return b.Status == status })
}

func (s *BoltStore) ListBookingsByAgent(agentID int64, status types.BookingStatus) ([]*types.Booking, error) {
	return s.listBookings(func(b *types.Booking) bool {
		return b.AgentID == agentID && b.Status == status
	})
}

func (s *BoltStore) listBookings(match func(*types.Booking) bool) ([]*types.Booking, error) {
	var bookings []*types.Booking
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBookings).ForEach(func(_, v []byte) error {
			var b types.Booking
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			if match(&b) {
				bookings = append(bookings, &b)
			}
			return nil
		})
	})
	return bookings, err
}

func (s *BoltStore) UpdateBooking(b *types.Booking) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketBookings)
		if bkt.Get(itob(b.ID)) == nil {
			return ErrNotFound
		}
		return put(bkt, b.ID, b)
	})
}

// Update runs fn inside a single bolt write transaction
func (s *BoltStore) Update(fn func(tx Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

// boltTx adapts a bolt write transaction to the Tx interface
type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) GetBooking(id int64) (*types.Booking, error) {
	return getBooking(t.tx, id)
}

func (t *boltTx) PutBooking(b *types.Booking) error {
	return put(t.tx.Bucket(bucketBookings), b.ID, b)
}

func (t *boltTx) GetAgent(id int64) (*types.Agent, error) {
	return getAgent(t.tx, id)
}

func (t *boltTx) PutAgent(a *types.Agent) error {
	return put(t.tx.Bucket(bucketAgents), a.ID, a)
}

func (t *boltTx) ListAgents() ([]*types.Agent, error) {
	return listAgents(t.tx)
}

func (t *boltTx) ListBookings() ([]*types.Booking, error) {
	var bookings []*types.Booking
	err := t.tx.Bucket(bucketBookings).ForEach(func(_, v []byte) error {
		var b types.Booking
		if err := json.Unmarshal(v, &b); err != nil {
			return err
		}
		bookings = append(bookings, &b)
		return nil
	})
	return bookings, err
}

// Shared tx-scoped readers

func getBooking(tx *bolt.Tx, id int64) (*types.Booking, error) {
	data := tx.Bucket(bucketBookings).Get(itob(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var b types.Booking
	if err := json.Unmarshal(bytes.Clone(data), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func getAgent(tx *bolt.Tx, id int64) (*types.Agent, error) {
	data := tx.Bucket(bucketAgents).Get(itob(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var a types.Agent
	if err := json.Unmarshal(bytes.Clone(data), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func listAgents(tx *bolt.Tx) ([]*types.Agent, error) {
	var agents []*types.Agent
	err := tx.Bucket(bucketAgents).ForEach(func(_, v []byte) error {
		var a types.Agent
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}
		agents = append(agents, &a)
		return nil
	})
	return agents, err
}
