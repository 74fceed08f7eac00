package docker_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mzechner/agentrepl/pkg/sandbox/docker"
)

type mockDelegate struct {
	promptModelCalled bool
	promptSelfCalled  bool
}

func (m *mockDelegate) PromptModel(ctx context.Context, prompt string) (string, error) {
	m.promptModelCalled = true
	if prompt == "ping" {
		return "pong", nil
	}
	return "mock response", nil
}
func (m *mockDelegate) PromptSelf(ctx context.Context, message string) error {
	m.promptSelfCalled = true
	return nil
}

func TestIntegration_Manager_ExecuteBash(t *testing.T) {
	if os.Getenv("DOCKER_HOST") == "" {
		t.Skip("Skipping integration test: DOCKER_HOST not set")
	}

	mgr, err := docker.New()
	if err != nil {
		t.Skipf("Skipping test: Docker not available or failed to init: %v", err)
	}
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	sessionID := uuid.New().String()
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Stop(cleanupCtx, sessionID)
	}()

	delegate := &mockDelegate{}

	res, err := mgr.ExecuteBash(ctx, sessionID, "echo hello world", nil, delegate)
	if err != nil {
		t.Fatalf("ExecuteBash failed: %v", err)
	}
	t.Logf("result: %+v", res)

	res2, err := mgr.ExecuteBash(ctx, sessionID, "echo warm", nil, delegate)
	if err != nil {
		t.Fatalf("ExecuteBash (warm) failed: %v", err)
	}
	t.Logf("result: %+v", res2)

	cancel2 := make(chan struct{})
	close(cancel2)
	res3, err := mgr.ExecuteBash(ctx, sessionID, "sleep 30", cancel2, delegate)
	if err != nil {
		t.Fatalf("ExecuteBash (cancelled) failed: %v", err)
	}
	if !res3.Cancelled {
		t.Error("expected ExecuteBash to report cancellation")
	}
}
