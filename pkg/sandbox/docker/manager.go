// Package docker runs AgentSession bash commands inside a per-session
// container, following the same lazy-provision/health-check shape used
// elsewhere in this codebase to drive a long-lived process over HTTP.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/mzechner/agentrepl/pkg/sandbox"
)

const (
	ImageName  = "sandbox-bash:latest"
	ServerPort = "8000"
)

// Manager implements sandbox.Manager using Docker containers, one per session.
type Manager struct {
	cli *client.Client
}

var _ sandbox.Manager = (*Manager)(nil)

// New creates a new Manager.
func New() (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Manager{cli: cli}, nil
}

func (m *Manager) Close() error {
	return m.cli.Close()
}

func (m *Manager) containerName(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// ExecuteBash runs command inside the session's container over its bash HTTP
// endpoint. cancel is polled on a 50ms ticker while waiting for the response;
// firing it aborts the wait (the caller is responsible for reaping the
// container-side process, which the exec endpoint does on connection close).
func (m *Manager) ExecuteBash(ctx context.Context, sessionID string, command string, cancel <-chan struct{}, delegate sandbox.Delegate) (*sandbox.Result, error) {
	hostPort, err := m.ensureRunning(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://127.0.0.1:%s/tools:run_bash", hostPort)

	reqBody := map[string]any{"command": command}
	jsonBody, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	type response struct {
		result *sandbox.Result
		err    error
	}
	done := make(chan response, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- response{err: err}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != 200 {
			body, _ := io.ReadAll(resp.Body)
			done <- response{err: fmt.Errorf("sandbox error %d: %s", resp.StatusCode, string(body))}
			return
		}

		var res struct {
			Output    string `json:"output"`
			ExitCode  int    `json:"exitCode"`
			Truncated bool   `json:"truncated"`
			SideFile  string `json:"sideFile"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			done <- response{err: err}
			return
		}
		done <- response{result: &sandbox.Result{
			Output:    res.Output,
			ExitCode:  res.ExitCode,
			Truncated: res.Truncated,
			SideFile:  res.SideFile,
		}}
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			return r.result, r.err
		case <-cancel:
			return &sandbox.Result{Cancelled: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			// poll interval kept for parity with the local backend; the HTTP
			// round trip itself has no intermediate progress to observe.
		}
	}
}

func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	return m.cli.ContainerRemove(ctx, m.containerName(sessionID), types.ContainerRemoveOptions{
		Force: true,
	})
}

// ensureRunning checks if the container is running, starts it if not, and returns the host port.
func (m *Manager) ensureRunning(ctx context.Context, sessionID string) (string, error) {
	name := m.containerName(sessionID)

	c, err := m.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return m.createAndStart(ctx, sessionID)
		}
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}

	if c.State.Running {
		port, err := m.getPort(c)
		if err != nil {
			return "", err
		}
		if err := m.waitForHealth(ctx, port); err != nil {
			return "", err
		}
		return port, nil
	}

	if err := m.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	c, err = m.cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", err
	}
	port, err := m.getPort(c)
	if err != nil {
		return "", err
	}

	if err := m.waitForHealth(ctx, port); err != nil {
		return "", err
	}
	return port, nil
}

func (m *Manager) createAndStart(ctx context.Context, sessionID string) (string, error) {
	_, _, err := m.cli.ImageInspectWithRaw(ctx, ImageName)
	if err != nil {
		return "", fmt.Errorf("sandbox image '%s' not found. Please run 'make build-sandbox': %w", ImageName, err)
	}

	cfg := &container.Config{
		Image: ImageName,
		ExposedPorts: nat.PortSet{
			nat.Port(ServerPort + "/tcp"): {},
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			nat.Port(ServerPort + "/tcp"): []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: "0"},
			},
		},
	}

	name := m.containerName(sessionID)
	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	c, err := m.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return "", err
	}
	port, err := m.getPort(c)
	if err != nil {
		return "", err
	}

	if err := m.waitForHealth(ctx, port); err != nil {
		return "", err
	}
	return port, nil
}

func (m *Manager) getPort(c types.ContainerJSON) (string, error) {
	ports := c.NetworkSettings.Ports[nat.Port(ServerPort+"/tcp")]
	if len(ports) > 0 {
		return ports[0].HostPort, nil
	}
	return "", fmt.Errorf("container running but port not mapped")
}

func (m *Manager) waitForHealth(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/healthz", port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	timeoutCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	for {
		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("timeout waiting for sandbox health")
		case <-ticker.C:
			resp, err := http.Get(url)
			if err == nil && resp.StatusCode == 200 {
				resp.Body.Close()
				return nil
			}
		}
	}
}
