// Package local runs AgentSession bash commands directly on the host via
// os/exec, for environments (and tests) where no Docker sandbox is available.
package local

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mzechner/agentrepl/pkg/sandbox"
)

const maxOutputBytes = 64 * 1024

const truncationSentinel = "\n[... output truncated, remaining output written to side file ...]\n"

// Manager implements sandbox.Manager using os/exec on the host. There is no
// per-session container to provision, so ExecuteBash can run concurrently
// across sessions with no shared state beyond the side-file directory.
type Manager struct {
	sideFileDir string
}

var _ sandbox.Manager = (*Manager)(nil)

// New creates a Manager that writes truncated-output side files under dir.
// An empty dir defaults to os.TempDir().
func New(dir string) *Manager {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Manager{sideFileDir: dir}
}

func (m *Manager) Close() error { return nil }

// Stop is a no-op: local execution holds no per-session state to tear down.
func (m *Manager) Stop(ctx context.Context, sessionID string) error { return nil }

// ExecuteBash runs command via "bash -c" in its own process group so the
// whole tree can be killed on cancellation. cancel is polled every 50ms
// while the command runs.
func (m *Manager) ExecuteBash(ctx context.Context, sessionID string, command string, cancel <-chan struct{}, delegate sandbox.Delegate) (*sandbox.Result, error) {
	cmd := exec.Command("bash", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	cap := &cappedBuffer{limit: maxOutputBytes}
	cmd.Stdout = cap
	cmd.Stderr = cap

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start bash: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-waitErr:
			return m.finish(sessionID, cap, err, false)

		case <-cancel:
			killProcessGroup(cmd)
			<-waitErr
			return m.finish(sessionID, cap, nil, true)

		case <-ctx.Done():
			killProcessGroup(cmd)
			<-waitErr
			return nil, ctx.Err()

		case <-ticker.C:
			// just re-enter select; the 50ms cadence is the cancellation contract.
		}
	}
}

func (m *Manager) finish(sessionID string, cap *cappedBuffer, waitErr error, cancelled bool) (*sandbox.Result, error) {
	res := &sandbox.Result{
		Output:    cap.buf.String(),
		Cancelled: cancelled,
		Truncated: cap.truncated,
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("bash execution failed: %w", waitErr)
		}
	}
	if cap.truncated {
		path := filepath.Join(m.sideFileDir, fmt.Sprintf("bash-%s-%s.log", sessionID, uuid.New().String()))
		if err := os.WriteFile(path, cap.overflow.Bytes(), 0644); err == nil {
			res.SideFile = path
			res.Output += truncationSentinel
		}
	}
	return res, nil
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		cmd.Process.Kill()
		return
	}
	syscall.Kill(-pgid, syscall.SIGKILL)
}

// cappedBuffer captures up to limit bytes in buf; anything past that goes to
// overflow for the side file. Safe for concurrent stdout/stderr writes.
type cappedBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       bytes.Buffer
	overflow  bytes.Buffer
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		c.truncated = true
		c.overflow.Write(p)
		return len(p), nil
	}
	if len(p) <= remaining {
		c.buf.Write(p)
		return len(p), nil
	}
	c.buf.Write(p[:remaining])
	c.truncated = true
	c.overflow.Write(p[remaining:])
	return len(p), nil
}
