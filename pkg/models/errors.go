package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOverflow is the sentinel a Driver wraps its error with when a provider
// rejects a request because the conversation exceeded the model's context
// window. AgentSession matches it with errors.Is to trigger the
// compact-and-retry-once state machine instead of surfacing a hard failure.
var ErrOverflow = errors.New("models: context window exceeded")

// overflowMarkers are substrings providers use in their own context-length
// error messages. No SDK used here exposes a typed overflow error, so
// classification is a best-effort text match, same as the teacher's existing
// reliance on provider error strings in its own error logging.
var overflowMarkers = []string{
	"context length",
	"context_length",
	"context window",
	"maximum context length",
	"prompt is too long",
	"too many tokens",
	"exceeds the maximum number of tokens",
	"input is too long",
}

// ClassifyOverflow wraps err with ErrOverflow when its message matches a
// known provider context-length-exceeded pattern, so callers can test for it
// with errors.Is(err, models.ErrOverflow) regardless of which Driver produced
// it. Returns err unchanged otherwise.
func ClassifyOverflow(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range overflowMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %s", ErrOverflow, err.Error())
		}
	}
	return err
}
