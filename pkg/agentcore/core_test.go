package agentcore_test

import (
	"context"
	"testing"
	"time"

	"github.com/mzechner/agentrepl/pkg/agentcore"
	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/models"
	"github.com/mzechner/agentrepl/pkg/tools"
)

// scriptedDriver replays a fixed sequence of turns, one []models.Event per
// call to Stream, advancing on each call.
type scriptedDriver struct {
	turns [][]models.Event
	calls int
}

func (d *scriptedDriver) List(ctx context.Context) ([]string, error) { return nil, nil }
func (d *scriptedDriver) ContextWindow(model string) int             { return 100_000 }
func (d *scriptedDriver) Stream(ctx context.Context, req models.Request) (<-chan models.Event, error) {
	turn := d.turns[d.calls]
	d.calls++
	out := make(chan models.Event, len(turn))
	for _, e := range turn {
		out <- e
	}
	close(out)
	return out, nil
}

func doneEvent(text string) models.Event {
	return models.Event{
		Type:       models.EventDone,
		StopReason: message.StopComplete,
		Message:    models.Message{Role: message.RoleAssistant, Content: []message.ContentBlock{message.Text(text)}},
	}
}

func textTurn(text string) []models.Event {
	return []models.Event{
		{Type: models.EventTextDelta, Delta: text},
		doneEvent(text),
	}
}

func toolCallTurn(toolCallID, name string, input map[string]any) []models.Event {
	return []models.Event{
		{Type: models.EventToolCallStart, ToolCallID: toolCallID, ToolCallName: name},
		{Type: models.EventToolCallEnd, ToolCallID: toolCallID, ToolCallName: name, ToolCallInput: input},
		{Type: models.EventDone, StopReason: message.StopToolCalls},
	}
}

type echoTool struct{ calls int }

func (t *echoTool) Name() string                  { return "echo" }
func (t *echoTool) Description() string            { return "echoes its input" }
func (t *echoTool) InputSchema() map[string]any    { return map[string]any{"type": "object"} }
func (t *echoTool) Execute(ctx context.Context, input map[string]any) ([]message.ContentBlock, error) {
	t.calls++
	return []message.ContentBlock{message.Text("echoed")}, nil
}

func TestPrompt_PlainTurnEmitsExpectedSequence(t *testing.T) {
	driver := &scriptedDriver{turns: [][]models.Event{textTurn("hi there")}}
	events := make(chan agentcore.Event, 64)
	core := agentcore.New(driver, tools.NewRegistry(), "test-model", "be helpful", events)

	err := core.Prompt(context.Background(), []models.Message{
		{Role: message.RoleUser, Content: []message.ContentBlock{message.Text("hello")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	close(events)

	var types []agentcore.EventType
	for e := range events {
		types = append(types, e.Type)
	}

	want := []agentcore.EventType{
		agentcore.EventAgentStart,
		agentcore.EventTurnStart,
		agentcore.EventMessageStart, // user
		agentcore.EventMessageEnd,   // user
		agentcore.EventMessageStart, // assistant
		agentcore.EventMessageUpdate,
		agentcore.EventMessageEnd, // assistant
		agentcore.EventTurnEnd,
		agentcore.EventAgentEnd,
	}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(types), types)
	}
	for i, ty := range want {
		if types[i] != ty {
			t.Errorf("event %d: expected %s, got %s", i, ty, types[i])
		}
	}

	if core.IsStreaming() {
		t.Error("expected isStreaming to be false after prompt completes")
	}
}

func TestPrompt_ToolCallLoopsUntilPlainResponse(t *testing.T) {
	driver := &scriptedDriver{turns: [][]models.Event{
		toolCallTurn("call-1", "echo", map[string]any{"x": 1}),
		textTurn("done"),
	}}
	reg := tools.NewRegistry()
	tool := &echoTool{}
	reg.Register(tool)
	events := make(chan agentcore.Event, 64)
	core := agentcore.New(driver, reg, "test-model", "", events)

	err := core.Prompt(context.Background(), []models.Message{
		{Role: message.RoleUser, Content: []message.ContentBlock{message.Text("do it")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	close(events)

	if tool.calls != 1 {
		t.Errorf("expected the tool to be called once, got %d", tool.calls)
	}

	sawToolStart, sawToolEnd := false, false
	turnStarts := 0
	for e := range events {
		switch e.Type {
		case agentcore.EventToolExecutionStart:
			sawToolStart = true
		case agentcore.EventToolExecutionEnd:
			sawToolEnd = true
			if e.IsError {
				t.Error("expected successful tool execution")
			}
		case agentcore.EventTurnStart:
			turnStarts++
		}
	}
	if !sawToolStart || !sawToolEnd {
		t.Error("expected tool_execution_start/end events")
	}
	if turnStarts != 2 {
		t.Errorf("expected 2 turns (tool call + follow-up), got %d", turnStarts)
	}
}

// blockingDriver hangs until release is closed, letting a test hold a
// Prompt call open to exercise the busy guard.
type blockingDriver struct {
	release chan struct{}
}

func (d *blockingDriver) List(ctx context.Context) ([]string, error) { return nil, nil }
func (d *blockingDriver) ContextWindow(model string) int             { return 100_000 }
func (d *blockingDriver) Stream(ctx context.Context, req models.Request) (<-chan models.Event, error) {
	out := make(chan models.Event, 2)
	go func() {
		defer close(out)
		<-d.release
		out <- models.Event{Type: models.EventTextDelta, Delta: "hi"}
		out <- doneEvent("hi")
	}()
	return out, nil
}

func TestPrompt_RejectsConcurrentCalls(t *testing.T) {
	driver := &blockingDriver{release: make(chan struct{})}
	events := make(chan agentcore.Event, 64)
	core := agentcore.New(driver, tools.NewRegistry(), "m", "", events)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- core.Prompt(context.Background(), []models.Message{
			{Role: message.RoleUser, Content: []message.ContentBlock{message.Text("hi")}},
		})
	}()

	// Wait for the first prompt to actually start streaming.
	for !core.IsStreaming() {
		time.Sleep(time.Millisecond)
	}

	if err := core.Prompt(context.Background(), nil); err != agentcore.ErrBusy {
		t.Errorf("expected ErrBusy for a concurrent prompt, got %v", err)
	}
	if err := core.AppendMessage(models.Message{Role: message.RoleUser}); err != agentcore.ErrBusy {
		t.Errorf("expected ErrBusy from AppendMessage while streaming, got %v", err)
	}

	close(driver.release)
	select {
	case err := <-firstDone:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first prompt did not complete")
	}
}

// steerTool calls Steer on the running core from inside a tool call, i.e.
// while a turn is in progress.
type steerTool struct {
	core *agentcore.Core
	err  error
}

func (t *steerTool) Name() string                { return "echo" }
func (t *steerTool) Description() string          { return "steers the running turn" }
func (t *steerTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (t *steerTool) Execute(ctx context.Context, input map[string]any) ([]message.ContentBlock, error) {
	t.err = t.core.Steer("also consider X")
	return []message.ContentBlock{message.Text("steered")}, nil
}

func TestSteer_EnqueuesAsUserMessageForNextTurn(t *testing.T) {
	driver := &scriptedDriver{turns: [][]models.Event{
		toolCallTurn("call-1", "echo", nil),
		textTurn("ack"),
	}}
	reg := tools.NewRegistry()
	tool := &steerTool{}
	reg.Register(tool)
	events := make(chan agentcore.Event, 64)
	core := agentcore.New(driver, reg, "m", "", events)
	tool.core = core

	if err := core.Steer("not streaming yet"); err == nil {
		t.Error("expected Steer to fail when no turn is in progress")
	}

	if err := core.Prompt(context.Background(), []models.Message{
		{Role: message.RoleUser, Content: []message.ContentBlock{message.Text("go")}},
	}); err != nil {
		t.Fatal(err)
	}
	if tool.err != nil {
		t.Fatalf("expected Steer to succeed during a turn, got %v", tool.err)
	}

	// user "go", assistant tool call, tool result, steered user message,
	// assistant "ack".
	msgs := core.Messages()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if msgs[3].Role != message.RoleUser || msgs[3].Content[0].Text.Text != "also consider X" {
		t.Errorf("expected the steered text as a user message before the next turn, got %+v", msgs[3])
	}
	if driver.calls != 2 {
		t.Errorf("expected the steer to be answered in a second turn, driver was called %d times", driver.calls)
	}
	foundUser := 0
	for _, m := range msgs {
		if m.Role == message.RoleUser {
			foundUser++
		}
	}
	if foundUser < 1 {
		t.Error("expected at least the original user message to remain")
	}
}

func TestAbort_StopsBeforeFurtherTurns(t *testing.T) {
	driver := &scriptedDriver{turns: [][]models.Event{
		toolCallTurn("call-1", "echo", nil),
		textTurn("should not run"),
	}}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{})
	events := make(chan agentcore.Event, 64)
	core := agentcore.New(driver, reg, "m", "", events)

	go func() {
		for e := range events {
			if e.Type == agentcore.EventToolExecutionStart {
				core.Abort()
			}
		}
	}()

	err := core.Prompt(context.Background(), []models.Message{
		{Role: message.RoleUser, Content: []message.ContentBlock{message.Text("go")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if driver.calls != 1 {
		t.Errorf("expected abort to prevent the follow-up turn, driver was called %d times", driver.calls)
	}
}

func TestReplaceMessages_RejectsWhileStreaming(t *testing.T) {
	events := make(chan agentcore.Event, 8)
	driver := &blockingDriver{release: make(chan struct{})}
	core := agentcore.New(driver, tools.NewRegistry(), "m", "", events)

	promptDone := make(chan error, 1)
	go func() { promptDone <- core.Prompt(context.Background(), nil) }()
	for !core.IsStreaming() {
		time.Sleep(time.Millisecond)
	}
	if err := core.ReplaceMessages([]models.Message{{Role: message.RoleUser}}); err != agentcore.ErrBusy {
		t.Errorf("expected ErrBusy from ReplaceMessages while streaming, got %v", err)
	}

	close(driver.release)
	select {
	case err := <-promptDone:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("prompt did not complete")
	}
	if err := core.ReplaceMessages([]models.Message{{Role: message.RoleUser}}); err != nil {
		t.Errorf("expected ReplaceMessages to succeed once idle, got %v", err)
	}
}
