// Package agentclient is the controller's typed HTTP client for the
// agent API. Every call takes a bounded timeout; callers decide whether
// a failure is transient (retried next tick) or definitive.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stintlab/stint/pkg/types"
)

// ErrNotFound is returned when the agent definitively reports the
// container does not exist. The reconciler treats it as idempotent
// success on stop.
var ErrNotFound = errors.New("container not found")

// StatusError is a non-200 agent response
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent returned %d: %s", e.Code, e.Message)
}

// Definitive reports whether the error is a definitive agent answer
// (4xx) rather than a transient failure worth retrying.
func (e *StatusError) Definitive() bool {
	return e.Code >= 400 && e.Code < 500
}

// StartRequest is the payload for start_container
type StartRequest struct {
	UserID int64  `json:"user_id"`
	Image  string `json:"image"`
	CPU    int    `json:"cpu"`
	Memory string `json:"memory"`
	Port   int    `json:"port"`
}

// StartResponse is the agent's answer to a successful start
type StartResponse struct {
	ContainerName string `json:"container_name"`
	URL           string `json:"url"`
	Port          int    `json:"port"`
}

// HealthResponse is the agent's health report
type HealthResponse struct {
	Status        string  `json:"status"`
	Host          string  `json:"host"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ContainerInfo describes one managed container on an agent
type ContainerInfo struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Status string            `json:"status"`
	Labels map[string]string `json:"labels"`
}

// Config holds per-call timeout ceilings
type Config struct {
	HealthTimeout time.Duration
	StartTimeout  time.Duration
	StopTimeout   time.Duration
}

// Client talks to agents over HTTP
type Client struct {
	client *http.Client
	cfg    Config
}

// NewClient creates an agent client with the given timeout config
func NewClient(cfg Config) *Client {
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 15 * time.Second
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 15 * time.Second
	}
	return &Client{
		// Per-call deadlines come from contexts; the client itself
		// does not impose a second ceiling.
		client: &http.Client{},
		cfg:    cfg,
	}
}

// Health probes an agent's health endpoint
func (c *Client) Health(ctx context.Context, agent *types.Agent) (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, agent, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartContainer asks an agent to start a session container
func (c *Client) StartContainer(ctx context.Context, agent *types.Agent, req StartRequest) (*StartResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()

	var out StartResponse
	if err := c.do(ctx, http.MethodPost, agent, "/start_container", req, &out); err != nil {
		return nil, err
	}
	if out.ContainerName == "" || out.URL == "" {
		return nil, fmt.Errorf("agent %s returned incomplete start response", agent.Addr())
	}
	return &out, nil
}

// StopContainer asks an agent to stop and remove a container. An agent
// 404 is reported as ErrNotFound.
func (c *Client) StopContainer(ctx context.Context, agent *types.Agent, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()

	err := c.do(ctx, http.MethodPost, agent, "/stop_container/"+name, nil, nil)
	var serr *StatusError
	if errors.As(err, &serr) && serr.Code == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}

// ListContainers returns the agent's managed containers
func (c *Client) ListContainers(ctx context.Context, agent *types.Agent) ([]ContainerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	var out []ContainerInfo
	if err := c.do(ctx, http.MethodGet, agent, "/containers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method string, agent *types.Agent, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("http://%s%s", agent.Addr(), path)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent %s unreachable: %w", agent.Addr(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrorBody(resp.Body)
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode agent response: %w", err)
		}
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	var body struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return string(data)
}
