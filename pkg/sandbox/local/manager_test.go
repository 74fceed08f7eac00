package local_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mzechner/agentrepl/pkg/sandbox/local"
)

type noopDelegate struct{}

func (noopDelegate) PromptModel(ctx context.Context, prompt string) (string, error) { return "", nil }
func (noopDelegate) PromptSelf(ctx context.Context, message string) error            { return nil }

func TestExecuteBash_CapturesOutput(t *testing.T) {
	mgr := local.New(t.TempDir())
	defer mgr.Close()

	res, err := mgr.ExecuteBash(context.Background(), "s1", "echo hello", nil, noopDelegate{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Output) != "hello" {
		t.Errorf("expected 'hello', got %q", res.Output)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", res.ExitCode)
	}
}

func TestExecuteBash_NonZeroExit(t *testing.T) {
	mgr := local.New(t.TempDir())
	defer mgr.Close()

	res, err := mgr.ExecuteBash(context.Background(), "s1", "exit 3", nil, noopDelegate{})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit 3, got %d", res.ExitCode)
	}
}

func TestExecuteBash_CancelKillsProcess(t *testing.T) {
	mgr := local.New(t.TempDir())
	defer mgr.Close()

	cancel := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(cancel)
	}()

	start := time.Now()
	res, err := mgr.ExecuteBash(context.Background(), "s1", "sleep 30", cancel, noopDelegate{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cancelled {
		t.Error("expected cancelled result")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation took too long to take effect")
	}
}

func TestExecuteBash_TruncatesLargeOutput(t *testing.T) {
	mgr := local.New(t.TempDir())
	defer mgr.Close()

	res, err := mgr.ExecuteBash(context.Background(), "s1", "head -c 200000 /dev/zero | tr '\\0' 'a'", nil, noopDelegate{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Error("expected output to be truncated")
	}
	if res.SideFile == "" {
		t.Error("expected a side file to be written")
	}
}
