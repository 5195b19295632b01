package runtime

import (
	"context"
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace for stint sessions
	DefaultNamespace = "stint"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// LabelManagedBy marks containers owned by the booking plane
	LabelManagedBy = "managed_by"

	// LabelManagedValue is the value of LabelManagedBy on session containers
	LabelManagedValue = "compute_booking"

	// LabelUserID carries the booking user on session containers
	LabelUserID = "user_id"
)

// ContainerdRuntime implements Runtime using containerd
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// EnsureImage makes the image available locally, pulling if absent
func (r *ContainerdRuntime) EnsureImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if _, err := r.client.GetImage(ctx, imageRef); err == nil {
		return nil
	}
	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	return nil
}

// StartSession creates and starts a session container. The container
// shares the host network namespace, so the workload's port is reachable
// directly on the host at the same number.
func (r *ContainerdRuntime) StartSession(ctx context.Context, name string, spec SessionSpec) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv([]string{
			fmt.Sprintf("USER_ID=%d", spec.UserID),
			fmt.Sprintf("CONTAINER_PORT=%d", spec.Port),
		}),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
	}

	if spec.CPUCores > 0 {
		// CPU quota: period=100000 (100ms), quota=cores*100000, so a
		// session gets exactly its booked whole cores
		quota := int64(spec.CPUCores) * 100000
		period := uint64(100000)
		opts = append(opts, oci.WithCPUCFS(quota, period))
	}
	if spec.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryBytes)))
	}

	labels := map[string]string{
		LabelManagedBy: LabelManagedValue,
		LabelUserID:    strconv.FormatInt(spec.UserID, 10),
	}

	container, err := r.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithContainerLabels(labels),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		if errdefs.IsAlreadyExists(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		// Don't leave a created-but-never-started container behind
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// StopSession stops a session container with the given grace period,
// then removes it and its snapshot
func (r *ContainerdRuntime) StopSession(ctx context.Context, name string, grace time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if err := r.stopTask(ctx, task, grace); err != nil {
			return fmt.Errorf("failed to stop container %s: %w", name, err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container %s: %w", name, err)
	}
	return nil
}

// stopTask tries SIGTERM first and escalates to SIGKILL after grace
func (r *ContainerdRuntime) stopTask(ctx context.Context, task containerd.Task, grace time.Duration) error {
	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(graceCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal task: %w", err)
	}

	statusC, err := task.Wait(graceCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
		// Task exited within grace
	case <-graceCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// ListSessions returns all containers carrying the managed label
func (r *ContainerdRuntime) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	filter := fmt.Sprintf(`labels.%q==%q`, LabelManagedBy, LabelManagedValue)
	containers, err := r.client.Containers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	sessions := make([]SessionInfo, 0, len(containers))
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		status := "created"
		if task, err := c.Task(ctx, nil); err == nil {
			if st, err := task.Status(ctx); err == nil {
				status = string(st.Status)
			}
		}
		sessions = append(sessions, SessionInfo{
			ID:     c.ID(),
			Name:   c.ID(),
			Status: status,
			Labels: labels,
		})
	}
	return sessions, nil
}
