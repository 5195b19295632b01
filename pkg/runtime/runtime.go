package runtime

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a named session container does not exist
	ErrNotFound = errors.New("container not found")

	// ErrAlreadyExists is returned when a session name collides with an
	// existing container; callers regenerate the name and retry
	ErrAlreadyExists = errors.New("container name already exists")
)

// SessionSpec describes a session container to create
type SessionSpec struct {
	UserID      int64
	Image       string
	CPUCores    int
	MemoryBytes int64
	Port        int
}

// SessionInfo describes one managed session container
type SessionInfo struct {
	ID     string
	Name   string
	Status string
	Labels map[string]string
}

// Runtime is the container runtime the agent drives. The production
// implementation is containerd; tests use a fake.
type Runtime interface {
	// EnsureImage makes the image available locally, pulling if absent
	EnsureImage(ctx context.Context, image string) error

	// StartSession creates and starts a session container under name
	StartSession(ctx context.Context, name string, spec SessionSpec) error

	// StopSession stops a session with the given grace period, then
	// removes it. Returns ErrNotFound for unknown names.
	StopSession(ctx context.Context, name string, grace time.Duration) error

	// ListSessions returns all managed session containers
	ListSessions(ctx context.Context) ([]SessionInfo, error)

	// Close releases the runtime connection
	Close() error
}
