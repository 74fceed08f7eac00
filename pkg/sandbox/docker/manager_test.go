package docker_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mzechner/agentrepl/pkg/sandbox/docker"
)

type noopDelegate struct{}

func (noopDelegate) PromptModel(ctx context.Context, prompt string) (string, error) { return "", nil }
func (noopDelegate) PromptSelf(ctx context.Context, message string) error            { return nil }

func TestManager_ExecuteBash(t *testing.T) {
	mgr, err := docker.New()
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
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

	res, err := mgr.ExecuteBash(ctx, sessionID, "echo hello", nil, noopDelegate{})
	if err != nil {
		t.Fatalf("ExecuteBash failed: %v", err)
	}
	t.Logf("result: %+v", res)

	res2, err := mgr.ExecuteBash(ctx, sessionID, "echo warm", nil, noopDelegate{})
	if err != nil {
		t.Fatalf("ExecuteBash (warm) failed: %v", err)
	}
	t.Logf("result: %+v", res2)
}
